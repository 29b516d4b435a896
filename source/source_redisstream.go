package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/logsluice/logsluice/config"
	"github.com/logsluice/logsluice/event"
)

func init() {
	Register("redis_stream", buildRedisStream)
}

func buildRedisStream(ctx context.Context, cfg config.InputConfig, opts BuildOptions) (Producer, error) {
	if opts.Redis == nil {
		return nil, errors.New("source: redis client is required")
	}
	if cfg.Redis.Stream == "" {
		return nil, errors.New("source: redis stream is required")
	}
	if cfg.Redis.Group == "" {
		return nil, errors.New("source: redis group is required")
	}
	rcfg := DefaultRedisStreamConfig
	rcfg.Stream = cfg.Redis.Stream
	rcfg.Group = cfg.Redis.Group
	rcfg.Consumer = cfg.Redis.Consumer
	if rcfg.Consumer == "" {
		rcfg.Consumer = "logsluice-" + uuid.NewString()[:8]
	}
	rcfg.AutoCommit = cfg.CommitMode == config.CommitAuto
	return NewRedisStream(ctx, opts.Redis, rcfg, opts.logger())
}

type RedisStreamConfig struct {
	Stream   string
	Group    string
	Consumer string

	ReadCount  int64
	ReadBlock  time.Duration
	BufSize    int
	AutoCommit bool
}

func (c *RedisStreamConfig) validate() {
	if c.Stream == "" {
		panic("stream is required")
	}
	if c.Group == "" {
		panic("group is required")
	}
	if c.Consumer == "" {
		panic("consumer is required")
	}
	if c.ReadCount < 1 {
		panic("read count must be at least 1")
	}
	if c.ReadBlock <= 0 {
		panic("read block must be positive")
	}
	if c.BufSize < 1 {
		panic("buffer size must be at least 1")
	}
}

var DefaultRedisStreamConfig = RedisStreamConfig{
	ReadCount: 64,
	ReadBlock: time.Second,
	BufSize:   256,
}

// SourceRedisStream reads a Redis stream through a consumer group. Records
// are expected in the "payload" entry field as a JSON document; entries
// without it are mapped field-by-field. Offsets carry the stream entry ID and
// Commit XACKs them. With AutoCommit the group runs in NOACK mode, so entries
// never enter the pending list and a crash loses whatever was in flight.
type SourceRedisStream struct {
	cfg RedisStreamConfig
	log *zap.Logger

	client redisStreamsAPI

	bufCh chan redis.XMessage

	closeOnce sync.Once
	cancel    context.CancelFunc

	fatalMu  sync.Mutex
	fatalErr error

	wg sync.WaitGroup
}

var _ Producer = (*SourceRedisStream)(nil)

func NewRedisStream(ctx context.Context, client redisStreamsAPI, cfg RedisStreamConfig, log *zap.Logger) (*SourceRedisStream, error) {
	if client == nil {
		panic("redis client is required")
	}
	cfg.validate()
	if log == nil {
		log = zap.NewNop()
	}

	if err := ensureGroup(ctx, client, cfg.Stream, cfg.Group); err != nil {
		return nil, fmt.Errorf("source: create group %s on %s: %w", cfg.Group, cfg.Stream, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &SourceRedisStream{
		cfg:    cfg,
		log:    log,
		client: client,
		bufCh:  make(chan redis.XMessage, cfg.BufSize),
		cancel: cancel,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readLoop(ctx)
	}()
	go func() {
		s.wg.Wait()
		close(s.bufCh)
	}()
	return s, nil
}

func ensureGroup(ctx context.Context, client redisStreamsAPI, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (s *SourceRedisStream) readLoop(ctx context.Context) {
	args := &redis.XReadGroupArgs{
		Group:    s.cfg.Group,
		Consumer: s.cfg.Consumer,
		Streams:  []string{s.cfg.Stream, ">"},
		Count:    s.cfg.ReadCount,
		Block:    s.cfg.ReadBlock,
		NoAck:    s.cfg.AutoCommit,
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := s.client.XReadGroup(ctx, args).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if strings.Contains(err.Error(), "NOGROUP") {
				if cerr := ensureGroup(ctx, s.client, s.cfg.Stream, s.cfg.Group); cerr != nil {
					s.setFatal(fmt.Errorf("group %s lost and recreate failed: %w", s.cfg.Group, cerr))
					s.cancel()
					return
				}
				continue
			}
			if ctx.Err() == nil {
				s.log.Warn("redis stream read failed", zap.Error(err))
			}
			select {
			case <-time.After(250 * time.Millisecond):
				continue
			case <-ctx.Done():
				return
			}
		}

		for _, st := range streams {
			for _, m := range st.Messages {
				select {
				case s.bufCh <- m:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (s *SourceRedisStream) setFatal(err error) {
	s.fatalMu.Lock()
	if s.fatalErr == nil {
		s.fatalErr = err
	}
	s.fatalMu.Unlock()
}

func (s *SourceRedisStream) closedErr() error {
	s.fatalMu.Lock()
	defer s.fatalMu.Unlock()
	if s.fatalErr != nil {
		return Fatal(s.fatalErr)
	}
	return ErrClosed
}

func (s *SourceRedisStream) Produce(ctx context.Context) (*event.Envelope, error) {
	select {
	case <-ctx.Done():
		return nil, waitErr(ctx)
	case m, ok := <-s.bufCh:
		if !ok {
			return nil, s.closedErr()
		}
		env := &event.Envelope{
			Received: time.Now().UTC(),
		}
		if payload, ok := m.Values["payload"].(string); ok {
			env.Raw = []byte(payload)
			env.Record = decodeOrWrap(env.Raw)
		} else {
			rec := make(event.Record, len(m.Values))
			for k, v := range m.Values {
				rec[k] = v
			}
			env.Record = rec
			if raw, err := event.Encode(rec); err == nil {
				env.Raw = raw
			}
		}
		if !s.cfg.AutoCommit {
			env.Offset = event.Offset{Stream: s.cfg.Stream, ID: m.ID}
		}
		return env, nil
	}
}

func (s *SourceRedisStream) Commit(ctx context.Context, offsets []event.Offset) error {
	if s.cfg.AutoCommit || len(offsets) == 0 {
		return nil
	}
	ids := make([]string, 0, len(offsets))
	for _, o := range offsets {
		if o.ID != "" {
			ids = append(ids, o.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return s.client.XAck(ctx, s.cfg.Stream, s.cfg.Group, ids...).Err()
}

func (s *SourceRedisStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
	})
	return nil
}
