package feed

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Record is the field map of a change-feed record.
type Record map[string]string

const (
	FieldText  = "text"
	FieldAsset = "asset"
	// FieldError is written instead of the requested fields when generation
	// fails; a non-blank value ends the observation.
	FieldError = "error"
)

// Clone copies the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Predicate reports whether a field value is final.
type Predicate func(value string) bool

var pendingValues = map[string]struct{}{
	"pending":    {},
	"generating": {},
	"processing": {},
	"queued":     {},
}

// TextReady accepts any non-blank value.
func TextReady(value string) bool {
	return strings.TrimSpace(value) != ""
}

// AssetReady accepts a non-blank value that is not a pending placeholder.
func AssetReady(value string) bool {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return false
	}
	_, pending := pendingValues[v]
	return !pending
}

// Field pairs a record field with its readiness predicate.
type Field struct {
	Name  string
	Ready Predicate
}

// DefaultFields lists the fields the generation workers write.
func DefaultFields() []Field {
	return []Field{
		{Name: FieldText, Ready: TextReady},
		{Name: FieldAsset, Ready: AssetReady},
	}
}

type EventKind int

const (
	EventUpdate EventKind = iota
	EventPartialReady
	EventComplete
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventPartialReady:
		return "partial-ready"
	case EventComplete:
		return "complete"
	case EventFailed:
		return "failed"
	default:
		return "update"
	}
}

// Event is delivered for every observed mutation of a record.
type Event struct {
	Kind   EventKind
	Record Record
	// Ready is the readiness vector over every known field; unrequested
	// fields are always ready.
	Ready map[string]bool
	// Requested lists the fields the observation waits on.
	Requested []string
	// Err is the worker's failure message of a failed event.
	Err string
}

// ReadyFields returns the requested fields whose values are ready.
func (e Event) ReadyFields() Record {
	out := Record{}
	for _, name := range e.Requested {
		if e.Ready[name] {
			out[name] = e.Record[name]
		}
	}
	return out
}

// Source delivers the full record once on subscription (when it exists) and
// again after every mutation, in the order the store applies them. The
// channel is closed when ctx is done.
type Source interface {
	Watch(ctx context.Context, recordID string) (<-chan Record, error)
}

// RecordWriter mutates records; writers notify watchers after every write.
type RecordWriter interface {
	SetField(ctx context.Context, recordID, field, value string) error
}

// RecordRemover deletes records. When the source implements it, a record is
// removed as soon as its observation completes or fails.
type RecordRemover interface {
	Remove(ctx context.Context, recordID string) error
}

const removeTimeout = 5 * time.Second

// Observer turns record mutations into readiness events.
type Observer struct {
	source Source
	fields []Field
}

// NewObserver builds an observer over source. When no fields are given the
// default text and asset fields are used.
func NewObserver(source Source, fields ...Field) *Observer {
	if len(fields) == 0 {
		fields = DefaultFields()
	}
	return &Observer{source: source, fields: fields}
}

// Subscription is a running observation.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the observation; it is safe to call more than once.
func (s *Subscription) Cancel() {
	s.cancel()
}

// Done is closed once the observation has stopped, either after the complete
// event or after Cancel.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Observe watches recordID until every requested field is ready. fn is called
// from a single goroutine in delivery order. A mutation already queued when
// Cancel is called may still be delivered; callers owning a cancellation
// token must check it inside fn.
func (o *Observer) Observe(ctx context.Context, recordID string, requested []string, fn func(Event)) (*Subscription, error) {
	if recordID == "" {
		return nil, errors.New("record id required")
	}
	ctx, cancel := context.WithCancel(ctx)
	records, err := o.source.Watch(ctx, recordID)
	if err != nil {
		cancel()
		return nil, errors.Wrapf(err, "watch record %s", recordID)
	}

	sub := &Subscription{cancel: cancel, done: make(chan struct{})}
	preds := o.predicates(requested)
	requested = dedupe(requested)

	go func() {
		defer close(sub.done)
		defer cancel()

		prev := map[string]bool{}
		for rec := range records {
			if ctx.Err() != nil {
				return
			}
			ready := make(map[string]bool, len(o.fields)+len(requested))
			for _, f := range o.fields {
				ready[f.Name] = true
			}
			newly := false
			all := true
			for _, name := range requested {
				ok := preds[name](rec[name])
				ready[name] = ok
				if ok && !prev[name] {
					newly = true
				}
				if !ok {
					all = false
				}
			}
			prev = ready

			ev := Event{Record: rec, Ready: ready, Requested: requested}
			failure := strings.TrimSpace(rec[FieldError])
			switch {
			case failure != "":
				ev.Kind = EventFailed
				ev.Err = failure
			case all:
				ev.Kind = EventComplete
			case newly:
				ev.Kind = EventPartialReady
			default:
				ev.Kind = EventUpdate
			}
			log.Debug().
				Str("component", "feed").
				Str("record_id", recordID).
				Str("event", ev.Kind.String()).
				Msg("record mutation")
			fn(ev)
			if ev.Kind == EventComplete || ev.Kind == EventFailed {
				o.remove(recordID)
				return
			}
		}
	}()
	return sub, nil
}

func (o *Observer) remove(recordID string) {
	rm, ok := o.source.(RecordRemover)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	if err := rm.Remove(ctx, recordID); err != nil {
		log.Warn().Err(err).Str("component", "feed").Str("record_id", recordID).Msg("remove completed record failed")
	}
}

func (o *Observer) predicates(requested []string) map[string]Predicate {
	preds := make(map[string]Predicate, len(requested))
	for _, name := range requested {
		preds[name] = TextReady
		for _, f := range o.fields {
			if f.Name == name && f.Ready != nil {
				preds[name] = f.Ready
			}
		}
	}
	return preds
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok || n == "" {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
