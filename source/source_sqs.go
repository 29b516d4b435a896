package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/logsluice/logsluice/config"
	"github.com/logsluice/logsluice/event"
)

func init() {
	Register("sqs", buildSQS)
}

func buildSQS(ctx context.Context, cfg config.InputConfig, opts BuildOptions) (Producer, error) {
	if opts.SQS == nil {
		return nil, errors.New("source: sqs client is required")
	}
	if cfg.SQS.QueueURL == "" {
		return nil, errors.New("source: sqs queue_url is required")
	}
	scfg := DefaultSourceSQSConfig
	if cfg.SQS.WaitTimeSeconds > 0 {
		scfg.WaitTimeSeconds = cfg.SQS.WaitTimeSeconds
	}
	if cfg.SQS.MaxMessages > 0 {
		scfg.MaxMessages = cfg.SQS.MaxMessages
	}
	if cfg.SQS.VisibilityTimeout > 0 {
		scfg.VisibilityTO = cfg.SQS.VisibilityTimeout
	}
	if cfg.SQS.Pollers > 0 {
		scfg.Pollers = cfg.SQS.Pollers
	}
	if cfg.SQS.BufferSize > 0 {
		scfg.BufSize = cfg.SQS.BufferSize
	}
	scfg.AutoCommit = cfg.CommitMode == config.CommitAuto
	return NewSQS(ctx, opts.SQS, cfg.SQS.QueueURL, scfg, opts.logger()), nil
}

type SourceSQSConfig struct {
	WaitTimeSeconds int32
	MaxMessages     int32
	VisibilityTO    int32

	Pollers int
	BufSize int

	// AutoCommit deletes messages right after receipt. At-most-once: a crash
	// between receipt and delivery loses the in-flight records.
	AutoCommit bool
}

func (c *SourceSQSConfig) validate() {
	if c.WaitTimeSeconds < 0 || c.WaitTimeSeconds > 20 {
		panic("wait time seconds must be between 0 and 20")
	}
	if c.MaxMessages < 1 || c.MaxMessages > 10 {
		panic("max messages must be between 1 and 10")
	}
	if c.VisibilityTO < 0 {
		panic("visibility timeout must be non-negative")
	}
	if c.Pollers < 1 {
		panic("pollers must be at least 1")
	}
	if c.BufSize < 1 {
		panic("buffer size must be at least 1")
	}
}

var DefaultSourceSQSConfig = SourceSQSConfig{
	WaitTimeSeconds: 20,
	MaxMessages:     10,
	VisibilityTO:    30,
	Pollers:         3,
	BufSize:         256,
}

type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
}

// SourceSQS reads from one SQS queue with a pool of long-poll workers pumping
// into a buffered channel. The stream name of produced offsets is the queue
// URL; the offset token carries the receipt handle used on Commit.
//
// Uncommitted messages reappear after the queue visibility timeout, so
// VisibilityTO must exceed the worst-case delivery time (batch flush plus
// retries) or records will be redelivered while still in flight.
type SourceSQS struct {
	cfg SourceSQSConfig
	log *zap.Logger

	client      sqsAPI
	queueURL    string
	queueURLPtr *string

	bufCh chan *sqstypes.Message

	closeOnce sync.Once
	cancel    context.CancelFunc

	fatalMu  sync.Mutex
	fatalErr error

	wg sync.WaitGroup
}

var _ Producer = (*SourceSQS)(nil)

func NewSQS(ctx context.Context, client sqsAPI, queueURL string, cfg SourceSQSConfig, log *zap.Logger) *SourceSQS {
	if client == nil {
		panic("sqs client is required")
	}
	if queueURL == "" {
		panic("queue url is required")
	}
	cfg.validate()
	if log == nil {
		log = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(ctx)

	s := &SourceSQS{
		cfg:      cfg,
		log:      log,
		client:   client,
		queueURL: queueURL,
		bufCh:    make(chan *sqstypes.Message, cfg.BufSize),
		cancel:   cancel,
	}
	s.queueURLPtr = &s.queueURL

	s.startPollers(ctx)
	return s
}

func (s *SourceSQS) startPollers(ctx context.Context) {
	s.wg.Add(s.cfg.Pollers)
	for i := 0; i < s.cfg.Pollers; i++ {
		go func() {
			defer s.wg.Done()
			s.pollLoop(ctx)
		}()
	}
	go func() {
		s.wg.Wait()
		close(s.bufCh)
	}()
}

func (s *SourceSQS) pollLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		reqCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.WaitTimeSeconds+5)*time.Second)
		out, err := s.client.ReceiveMessage(reqCtx, &sqs.ReceiveMessageInput{
			QueueUrl:              s.queueURLPtr,
			MaxNumberOfMessages:   s.cfg.MaxMessages,
			WaitTimeSeconds:       s.cfg.WaitTimeSeconds,
			VisibilityTimeout:     s.cfg.VisibilityTO,
			MessageAttributeNames: []string{"All"},
			AttributeNames:        []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameAll},
		})
		cancel()

		if err != nil {
			var qdne *sqstypes.QueueDoesNotExist
			if errors.As(err, &qdne) {
				s.setFatal(fmt.Errorf("queue %s does not exist: %w", s.queueURL, err))
				s.cancel()
				return
			}
			if ctx.Err() == nil {
				s.log.Warn("sqs receive failed", zap.Error(err))
			}
			select {
			case <-time.After(250 * time.Millisecond):
				continue
			case <-ctx.Done():
				return
			}
		}

		if s.cfg.AutoCommit && len(out.Messages) > 0 {
			if err := s.deleteMessages(ctx, out.Messages); err != nil && ctx.Err() == nil {
				s.log.Warn("sqs auto-commit delete failed", zap.Error(err))
			}
		}

		for i := range out.Messages {
			msg := &out.Messages[i]
			select {
			case s.bufCh <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *SourceSQS) setFatal(err error) {
	s.fatalMu.Lock()
	if s.fatalErr == nil {
		s.fatalErr = err
	}
	s.fatalMu.Unlock()
}

func (s *SourceSQS) closedErr() error {
	s.fatalMu.Lock()
	defer s.fatalMu.Unlock()
	if s.fatalErr != nil {
		return Fatal(s.fatalErr)
	}
	return ErrClosed
}

func (s *SourceSQS) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
	})
	return nil
}

func (s *SourceSQS) Produce(ctx context.Context) (*event.Envelope, error) {
	select {
	case <-ctx.Done():
		return nil, waitErr(ctx)
	case m, ok := <-s.bufCh:
		if !ok {
			return nil, s.closedErr()
		}
		raw := []byte(aws.ToString(m.Body))
		env := &event.Envelope{
			Record:   decodeOrWrap(raw),
			Raw:      raw,
			Received: time.Now().UTC(),
		}
		if !s.cfg.AutoCommit {
			env.Offset = event.Offset{
				Stream: s.queueURL,
				ID:     aws.ToString(m.MessageId),
				Token:  aws.ToString(m.ReceiptHandle),
			}
		}
		return env, nil
	}
}

// Commit deletes the given messages from the queue, in chunks of the SQS
// batch maximum. Entries point directly into the offsets slice to avoid
// per-message allocations on the hot acknowledgement path.
func (s *SourceSQS) Commit(ctx context.Context, offsets []event.Offset) error {
	if s.cfg.AutoCommit || len(offsets) == 0 {
		return nil
	}

	const max = 10
	entries := make([]sqstypes.DeleteMessageBatchRequestEntry, 0, max)
	in := sqs.DeleteMessageBatchInput{QueueUrl: s.queueURLPtr}

	for i := 0; i < len(offsets); i += max {
		end := i + max
		if end > len(offsets) {
			end = len(offsets)
		}

		entries = entries[:0]
		for j := i; j < end; j++ {
			if offsets[j].Token == "" {
				continue
			}
			entries = append(entries, sqstypes.DeleteMessageBatchRequestEntry{
				Id:            &offsets[j].ID,
				ReceiptHandle: &offsets[j].Token,
			})
		}
		if len(entries) == 0 {
			continue
		}

		in.Entries = entries
		out, err := s.client.DeleteMessageBatch(ctx, &in)
		if err != nil {
			return err
		}
		if len(out.Failed) > 0 {
			f := out.Failed[0]
			return fmt.Errorf("sqs delete failed id=%s code=%s message=%s",
				aws.ToString(f.Id), aws.ToString(f.Code), aws.ToString(f.Message))
		}
	}
	return nil
}

func (s *SourceSQS) deleteMessages(ctx context.Context, msgs []sqstypes.Message) error {
	offsets := make([]event.Offset, 0, len(msgs))
	for i := range msgs {
		offsets = append(offsets, event.Offset{
			ID:    aws.ToString(msgs[i].MessageId),
			Token: aws.ToString(msgs[i].ReceiptHandle),
		})
	}

	const max = 10
	entries := make([]sqstypes.DeleteMessageBatchRequestEntry, 0, max)
	in := sqs.DeleteMessageBatchInput{QueueUrl: s.queueURLPtr}

	for i := 0; i < len(offsets); i += max {
		end := i + max
		if end > len(offsets) {
			end = len(offsets)
		}
		entries = entries[:0]
		for j := i; j < end; j++ {
			entries = append(entries, sqstypes.DeleteMessageBatchRequestEntry{
				Id:            &offsets[j].ID,
				ReceiptHandle: &offsets[j].Token,
			})
		}
		in.Entries = entries
		out, err := s.client.DeleteMessageBatch(ctx, &in)
		if err != nil {
			return err
		}
		if len(out.Failed) > 0 {
			f := out.Failed[0]
			return fmt.Errorf("sqs delete failed id=%s code=%s message=%s",
				aws.ToString(f.Id), aws.ToString(f.Code), aws.ToString(f.Message))
		}
	}
	return nil
}
