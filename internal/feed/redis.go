package feed

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"relaychat/internal/redis"
)

const (
	recordKeyPrefix = "feed:record:"
	recordTTL       = 24 * time.Hour
)

// RecordKey is both the hash key of a record and the pub/sub channel its
// mutations are announced on.
func RecordKey(recordID string) string {
	return recordKeyPrefix + recordID
}

// RedisSource stores records as redis hashes and announces each write on a
// channel named after the hash.
type RedisSource struct {
	client *redis.Client
}

func NewRedisSource(client *redis.Client) *RedisSource {
	return &RedisSource{client: client}
}

func (s *RedisSource) SetField(ctx context.Context, recordID, field, value string) error {
	key := RecordKey(recordID)
	if err := s.client.HSet(ctx, key, field, value); err != nil {
		return errors.Wrapf(err, "write field %s of %s", field, recordID)
	}
	if err := s.client.Expire(ctx, key, recordTTL); err != nil {
		log.Warn().Err(err).Str("component", "feed").Str("record_id", recordID).Msg("set record ttl failed")
	}
	if err := s.client.Publish(ctx, key, field); err != nil {
		return errors.Wrapf(err, "announce field %s of %s", field, recordID)
	}
	return nil
}

// Remove deletes a record; a later write recreates it.
func (s *RedisSource) Remove(ctx context.Context, recordID string) error {
	if err := s.client.Del(ctx, RecordKey(recordID)); err != nil {
		return errors.Wrapf(err, "delete record %s", recordID)
	}
	return nil
}

// Watch subscribes before reading the initial snapshot so no write between
// the two is lost. Each notification triggers a full re-read of the hash.
func (s *RedisSource) Watch(ctx context.Context, recordID string) (<-chan Record, error) {
	key := RecordKey(recordID)
	sub, err := s.client.Subscribe(ctx, key)
	if err != nil {
		return nil, errors.Wrapf(err, "subscribe %s", key)
	}
	snapshot, err := s.client.HGetAll(ctx, key)
	if err != nil {
		sub.Close()
		return nil, errors.Wrapf(err, "read %s", key)
	}

	out := make(chan Record)
	go func() {
		defer close(out)
		defer sub.Close()

		send := func(rec Record) bool {
			select {
			case out <- rec:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if len(snapshot) > 0 && !send(Record(snapshot)) {
			return
		}

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				rec, err := s.client.HGetAll(ctx, key)
				if err != nil {
					if ctx.Err() == nil {
						log.Warn().Err(err).Str("component", "feed").Str("record_id", recordID).Msg("re-read record failed")
					}
					continue
				}
				if !send(Record(rec)) {
					return
				}
			}
		}
	}()
	return out, nil
}
