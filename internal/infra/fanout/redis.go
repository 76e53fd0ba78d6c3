// Package fanout re-emits accepted edge results onto the internal streams
// the hosted pipeline consumes, so downstream consumers cannot tell an edge
// result from a hosted one.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"strato/internal/domain/edge"
	"strato/internal/logging"
)

// RedisPublisher appends result envelopes to redis streams, one stream per
// mapped message type. Unmapped types are skipped, not failed: the result was
// already accepted and receipted upstream.
type RedisPublisher struct {
	client  redis.UniversalClient
	streams map[string]string
	maxLen  int64
	logger  logging.Logger
}

// NewRedisPublisher constructs a stream publisher with the given
// message_type → stream mapping.
func NewRedisPublisher(client redis.UniversalClient, streams map[string]string) *RedisPublisher {
	return &RedisPublisher{
		client:  client,
		streams: streams,
		maxLen:  10000,
		logger:  logging.NewComponentLogger("ResultFanout"),
	}
}

func (p *RedisPublisher) PublishResult(ctx context.Context, tenantID uuid.UUID, envelope edge.MessageEnvelope) (bool, error) {
	stream, ok := p.streams[envelope.MessageType]
	if !ok {
		p.logger.Debug("no stream mapped for message type %s, skipping", envelope.MessageType)
		return false, nil
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return false, fmt.Errorf("marshal envelope %s: %w", envelope.ID, err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(50*time.Millisecond),
		backoff.WithMaxInterval(time.Second),
	), 3), ctx)
	add := func() error {
		return p.client.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			MaxLen: p.maxLen,
			Approx: true,
			Values: map[string]interface{}{
				"data":      string(data),
				"type":      envelope.MessageType,
				"tenant_id": tenantID.String(),
			},
		}).Err()
	}
	if err := backoff.Retry(add, policy); err != nil {
		return false, fmt.Errorf("publish to stream %s: %w", stream, err)
	}
	p.logger.Debug("published %s envelope %s to %s", envelope.MessageType, envelope.ID, stream)
	return true, nil
}
