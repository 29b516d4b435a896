package source

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/logsluice/logsluice/config"
	"github.com/logsluice/logsluice/event"
)

func init() {
	Register("http", buildHTTP)
}

func buildHTTP(_ context.Context, cfg config.InputConfig, opts BuildOptions) (Producer, error) {
	hcfg := DefaultSourceHTTPConfig
	if cfg.HTTP.Addr != "" {
		hcfg.Addr = cfg.HTTP.Addr
	}
	if cfg.HTTP.Path != "" {
		hcfg.Path = cfg.HTTP.Path
	}
	if cfg.HTTP.BufferSize > 0 {
		hcfg.BufSize = cfg.HTTP.BufferSize
	}
	hcfg.RequestsPerSecond = cfg.HTTP.RequestsPerSecond
	hcfg.Burst = cfg.HTTP.Burst
	s := NewHTTP(hcfg, opts.logger())
	if err := s.Start(); err != nil {
		return nil, err
	}
	return s, nil
}

type SourceHTTPConfig struct {
	Addr string
	Path string

	BufSize int

	// RequestsPerSecond <= 0 disables rate limiting.
	RequestsPerSecond float64
	Burst             int
}

func (c *SourceHTTPConfig) validate() {
	if c.Addr == "" {
		panic("addr is required")
	}
	if c.Path == "" || c.Path[0] != '/' {
		panic("path must start with /")
	}
	if c.BufSize < 1 {
		panic("buffer size must be at least 1")
	}
}

var DefaultSourceHTTPConfig = SourceHTTPConfig{
	Addr:    ":8099",
	Path:    "/events",
	BufSize: 1024,
}

// SourceHTTP accepts records over HTTP: one JSON document per POST on Path,
// or NDJSON on Path+"/bulk". Ingestion is fire-and-forget, so offsets are
// zero and Commit is a no-op; a 202 response only means the record entered
// the buffer. Senders see 429 past the rate limit and 503 when the buffer
// is full.
type SourceHTTP struct {
	cfg     SourceHTTPConfig
	log     *zap.Logger
	limiter *rate.Limiter

	bufCh  chan *event.Envelope
	server *http.Server

	closeOnce sync.Once
}

var _ Producer = (*SourceHTTP)(nil)

func NewHTTP(cfg SourceHTTPConfig, log *zap.Logger) *SourceHTTP {
	cfg.validate()
	if log == nil {
		log = zap.NewNop()
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = int(cfg.RequestsPerSecond) + 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &SourceHTTP{
		cfg:     cfg,
		log:     log,
		limiter: limiter,
		bufCh:   make(chan *event.Envelope, cfg.BufSize),
	}
}

func (s *SourceHTTP) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.POST(s.cfg.Path, s.handleSingle)
	r.POST(s.cfg.Path+"/bulk", s.handleBulk)
	return r
}

// Start binds the listener and begins accepting requests.
func (s *SourceHTTP) Start() error {
	gin.SetMode(gin.ReleaseMode)

	s.server = &http.Server{
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}

	go func() {
		if serr := s.server.Serve(listener); serr != nil && serr != http.ErrServerClosed {
			s.log.Error("http source serve failed", zap.Error(serr))
		}
	}()
	return nil
}

func (s *SourceHTTP) allow(c *gin.Context) bool {
	if s.limiter != nil && !s.limiter.Allow() {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
		return false
	}
	return true
}

func (s *SourceHTTP) enqueue(raw []byte) bool {
	env := &event.Envelope{
		Record:   decodeOrWrap(raw),
		Raw:      raw,
		Received: time.Now().UTC(),
	}
	select {
	case s.bufCh <- env:
		return true
	default:
		return false
	}
}

func (s *SourceHTTP) handleSingle(c *gin.Context) {
	if !s.allow(c) {
		return
	}
	raw, err := c.GetRawData()
	if err != nil || len(raw) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty body"})
		return
	}
	if !s.enqueue(raw) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "buffer full"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": 1})
}

func (s *SourceHTTP) handleBulk(c *gin.Context) {
	if !s.allow(c) {
		return
	}
	raw, err := c.GetRawData()
	if err != nil || len(raw) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty body"})
		return
	}

	accepted := 0
	for len(raw) > 0 {
		line := raw
		if i := bytes.IndexByte(raw, '\n'); i >= 0 {
			line, raw = raw[:i], raw[i+1:]
		} else {
			raw = nil
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if !s.enqueue(line) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "buffer full", "accepted": accepted})
			return
		}
		accepted++
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": accepted})
}

func (s *SourceHTTP) Produce(ctx context.Context) (*event.Envelope, error) {
	select {
	case <-ctx.Done():
		return nil, waitErr(ctx)
	case env, ok := <-s.bufCh:
		if !ok {
			return nil, ErrClosed
		}
		return env, nil
	}
}

func (s *SourceHTTP) Commit(context.Context, []event.Offset) error { return nil }

func (s *SourceHTTP) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err = s.server.Shutdown(ctx)
		}
		close(s.bufCh)
	})
	return err
}
