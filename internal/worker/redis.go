package worker

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"relaychat/internal/redis"
)

const redisInvalidateChannel = "worker:invalidate"

// invalidateMessage tells every upstream node to drop the queued jobs and
// cached history of a session.
type invalidateMessage struct {
	SessionID string `json:"session_id"`
	Origin    string `json:"origin"`
}

type invalidator struct {
	client *redis.Client
	origin string
}

func newInvalidator(client *redis.Client, origin string) *invalidator {
	return &invalidator{client: client, origin: origin}
}

// startListener subscribes and calls handler for messages of other nodes
// until ctx is done.
func (r *invalidator) startListener(ctx context.Context, handler func(invalidateMessage)) error {
	if r == nil || r.client == nil || handler == nil {
		return nil
	}
	pubsub, err := r.client.Subscribe(ctx, redisInvalidateChannel)
	if err != nil {
		return errors.Wrap(err, "subscribe invalidations")
	}
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var inv invalidateMessage
				if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
					log.Warn().Err(err).Str("component", "worker").Msg("invalidation decode failed")
					continue
				}
				if inv.Origin == r.origin {
					continue
				}
				handler(inv)
			}
		}
	}()
	return nil
}

// publishInvalidation broadcast invalidate msg
func (r *invalidator) publishInvalidation(ctx context.Context, sessionID string) {
	if r == nil || r.client == nil {
		return
	}
	payload, err := json.Marshal(invalidateMessage{SessionID: sessionID, Origin: r.origin})
	if err != nil {
		log.Warn().Err(err).Str("component", "worker").Msg("invalidation marshal failed")
		return
	}
	if err := r.client.Publish(ctx, redisInvalidateChannel, payload); err != nil {
		log.Warn().Err(err).Str("component", "worker").Str("session_id", sessionID).Msg("publish invalidation failed")
	}
}
