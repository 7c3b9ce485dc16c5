package worker

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"relaychat/internal/feed"
	"relaychat/internal/logging"
	"relaychat/internal/service/ai"
)

// AssetPending marks an asset field whose rendering has not finished.
const AssetPending = "pending"

const defaultJobTimeout = 5 * time.Minute

// Generator produces complete replies.
type Generator interface {
	Generate(ctx context.Context, sessionID, agent, prompt string) (*ai.Answer, error)
}

// AssetRenderer turns a finished reply into an asset reference.
type AssetRenderer interface {
	Render(ctx context.Context, recordID, prompt, text string) (string, error)
}

// Runner fills change-feed records for jobs.
type Runner struct {
	gen     Generator
	assets  AssetRenderer
	records feed.RecordWriter
	timeout time.Duration
	logger  zerolog.Logger
}

// NewRunner builds a runner; assets may be nil when no renderer is
// configured.
func NewRunner(gen Generator, assets AssetRenderer, records feed.RecordWriter, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	return &Runner{
		gen:     gen,
		assets:  assets,
		records: records,
		timeout: timeout,
		logger:  logging.Component("worker"),
	}
}

// Handle runs a job with its own deadline; it is the pool's job handler.
func (r *Runner) Handle(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.Process(ctx, job); err != nil {
		r.logger.Error().Err(err).Str("record_id", job.RecordID).Str("session_id", job.SessionID).Msg("job failed")
	}
}

// Process generates the requested fields of job.RecordID. The text field is
// written before the asset so observers see a partial record first. A failed
// generation is written to the error field; a failed asset is left pending.
func (r *Runner) Process(ctx context.Context, job Job) error {
	wantAsset := false
	for _, f := range job.Fields {
		if f == feed.FieldAsset {
			wantAsset = true
		}
	}
	if wantAsset {
		if err := r.records.SetField(ctx, job.RecordID, feed.FieldAsset, AssetPending); err != nil {
			return errors.Wrap(err, "write asset placeholder")
		}
	}

	answer, err := r.gen.Generate(ctx, job.SessionID, job.Agent, job.Prompt)
	if err != nil {
		if werr := r.records.SetField(ctx, job.RecordID, feed.FieldError, errors.Cause(err).Error()); werr != nil {
			r.logger.Warn().Err(werr).Str("record_id", job.RecordID).Msg("write failure")
		}
		return errors.Wrap(err, "generate")
	}
	if err := r.records.SetField(ctx, job.RecordID, feed.FieldText, answer.Text); err != nil {
		return errors.Wrap(err, "write text")
	}

	if !wantAsset || r.assets == nil {
		return nil
	}
	asset, err := r.assets.Render(ctx, job.RecordID, job.Prompt, answer.Text)
	if err != nil {
		return errors.Wrap(err, "render asset")
	}
	if err := r.records.SetField(ctx, job.RecordID, feed.FieldAsset, asset); err != nil {
		return errors.Wrap(err, "write asset")
	}
	return nil
}
