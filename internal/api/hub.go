package api

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"relaychat/internal/arbiter"
	"relaychat/internal/logging"
)

const snapshotBuffer = 64

// Hub fans arbiter snapshots out to the clients watching a session. Each
// session has its own topic; delivery order across messages is not
// guaranteed, so subscribers drop versions they have already passed.
type Hub struct {
	pubsub *gochannel.GoChannel
	logger zerolog.Logger
}

func NewHub() *Hub {
	return &Hub{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: snapshotBuffer,
		}, watermill.NopLogger{}),
		logger: logging.Component("hub"),
	}
}

func topicForSession(sessionID string) string {
	return "session." + sessionID
}

// Notify publishes a snapshot; it never blocks on subscribers.
func (h *Hub) Notify(s arbiter.Snapshot) {
	if s.SessionID == "" {
		return
	}
	payload, err := json.Marshal(s)
	if err != nil {
		h.logger.Error().Err(err).Str("session_id", s.SessionID).Msg("encode snapshot")
		return
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	if err := h.pubsub.Publish(topicForSession(s.SessionID), msg); err != nil {
		h.logger.Warn().Err(err).Str("session_id", s.SessionID).Msg("publish snapshot")
	}
}

// Subscribe streams the snapshots of sessionID newer than after until ctx is
// done.
func (h *Hub) Subscribe(ctx context.Context, sessionID string, after uint64) (<-chan arbiter.Snapshot, error) {
	msgs, err := h.pubsub.Subscribe(ctx, topicForSession(sessionID))
	if err != nil {
		return nil, errors.Wrap(err, "subscribe snapshots")
	}
	out := make(chan arbiter.Snapshot, snapshotBuffer)
	go func() {
		defer close(out)
		last := after
		for msg := range msgs {
			var s arbiter.Snapshot
			if err := json.Unmarshal(msg.Payload, &s); err != nil {
				h.logger.Warn().Err(err).Str("session_id", sessionID).Msg("decode snapshot")
				msg.Ack()
				continue
			}
			msg.Ack()
			if s.Version <= last {
				continue
			}
			last = s.Version
			select {
			case out <- s:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (h *Hub) Close() error {
	return h.pubsub.Close()
}
