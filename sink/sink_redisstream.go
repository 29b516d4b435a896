package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/logsluice/logsluice/config"
	"github.com/logsluice/logsluice/event"
)

func init() {
	Register("redis_stream", func(_ context.Context, cfg config.OutputConfig, opts BuildOptions) (Deliverer, error) {
		if opts.Redis == nil {
			return nil, errors.New("sink: redis client is required")
		}
		if cfg.Redis.Stream == "" {
			return nil, errors.New("sink: redis stream is required")
		}
		return NewRedisStream(opts.Redis, RedisStreamSinkConfig{
			Stream: cfg.Redis.Stream,
			MaxLen: cfg.Redis.MaxLen,
		}), nil
	})
}

type RedisStreamSinkConfig struct {
	Stream string
	// MaxLen > 0 trims the stream approximately on every append.
	MaxLen int64
}

// RedisStream appends each record to a Redis stream as a "payload" entry
// field holding the JSON document. Entries are appended one XADD per
// envelope, so results are precise per item; after the first transport
// error the rest of the batch is marked RetryLater without further calls.
type RedisStream struct {
	cfg    RedisStreamSinkConfig
	client redisStreamAddAPI
}

var _ Deliverer = (*RedisStream)(nil)
var _ Concurrent = (*RedisStream)(nil)

func NewRedisStream(client redisStreamAddAPI, cfg RedisStreamSinkConfig) *RedisStream {
	if client == nil {
		panic("redis client is required")
	}
	if cfg.Stream == "" {
		panic("stream is required")
	}
	return &RedisStream{cfg: cfg, client: client}
}

func (s *RedisStream) ConcurrencySafe() bool { return true }

func (s *RedisStream) Deliver(ctx context.Context, batch []*event.Envelope) []Result {
	results := make([]Result, len(batch))

	var down error
	for i, env := range batch {
		if down != nil {
			results[i] = Retry(down)
			continue
		}

		payload, err := event.Encode(env.Record)
		if err != nil {
			results[i] = Failed(fmt.Errorf("encode record: %w", err))
			continue
		}

		args := &redis.XAddArgs{
			Stream: s.cfg.Stream,
			Values: map[string]interface{}{"payload": string(payload)},
		}
		if s.cfg.MaxLen > 0 {
			args.MaxLen = s.cfg.MaxLen
			args.Approx = true
		}

		if err := s.client.XAdd(ctx, args).Err(); err != nil {
			down = fmt.Errorf("xadd %s: %w", s.cfg.Stream, err)
			results[i] = Retry(down)
			continue
		}
		results[i] = Ok()
	}
	return results
}

func (s *RedisStream) Close() error { return nil }
