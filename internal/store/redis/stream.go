package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/solwatch/mintwatch/internal/domain/model"
	"github.com/solwatch/mintwatch/internal/metrics"
)

const (
	// DefaultStreamKey is where newly upserted transfers are published for
	// the enrichment and risk-scoring consumer.
	DefaultStreamKey = "mintwatch:transfers"

	// maxStreamLen caps the stream with approximate trimming so a slow or
	// absent consumer cannot grow Redis without bound.
	maxStreamLen = 100_000
)

// Stream publishes normalized transfer events to a Redis stream.
type Stream struct {
	client *redis.Client
	key    string
}

func NewStream(url, key string) (*Stream, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if key == "" {
		key = DefaultStreamKey
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Stream{client: client, key: key}, nil
}

// PublishTransfer appends one transfer event to the stream. Publishing is
// best-effort from the scheduler's point of view; the durable record is
// already committed before this is called.
func (s *Stream) PublishTransfer(ctx context.Context, event model.TransferEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		metrics.StreamPublishTotal.WithLabelValues("marshal_error").Inc()
		return fmt.Errorf("marshal transfer event: %w", err)
	}

	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.key,
		MaxLen: maxStreamLen,
		Approx: true,
		Values: map[string]interface{}{
			"signature":         event.Signature,
			"instruction_index": event.InstructionIndex,
			"payload":           payload,
		},
	}).Err()
	if err != nil {
		metrics.StreamPublishTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("xadd transfer: %w", err)
	}
	metrics.StreamPublishTotal.WithLabelValues("ok").Inc()
	return nil
}

func (s *Stream) Close() error {
	return s.client.Close()
}

func (s *Stream) Client() *redis.Client {
	return s.client
}
