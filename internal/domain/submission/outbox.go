package submission

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/middec/middec/internal/domain/calculation"
)

// Outbox defaults.
const (
	DefaultMaxAttempts = 5
	DefaultQueueSize   = 256

	persistTimeout = 15 * time.Second
)

// DefaultRetryDelays is the wait before each retry. The last entry repeats.
var DefaultRetryDelays = []time.Duration{
	1 * time.Second, 2 * time.Second, 5 * time.Second, 15 * time.Second, 30 * time.Second,
}

// RecordCreator is the write side of the record store.
type RecordCreator interface {
	Create(ctx context.Context, rec *calculation.Record) (string, error)
}

// Stats are the outbox counters since start.
type Stats struct {
	Enqueued  int64 `json:"enqueued"`
	Persisted int64 `json:"persisted"`
	Retried   int64 `json:"retried"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
	Pending   int   `json:"pending"`
}

// OutboxOption configures an Outbox.
type OutboxOption func(*Outbox)

// WithOutboxClock replaces the real clock used for retry backoff.
func WithOutboxClock(c clockwork.Clock) OutboxOption {
	return func(o *Outbox) { o.clock = c }
}

// WithMaxAttempts sets how many times a record is tried before it is abandoned.
func WithMaxAttempts(n int) OutboxOption {
	return func(o *Outbox) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithQueueSize bounds how many records may wait for the writer.
func WithQueueSize(n int) OutboxOption {
	return func(o *Outbox) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithRetryDelays overrides DefaultRetryDelays.
func WithRetryDelays(d ...time.Duration) OutboxOption {
	return func(o *Outbox) {
		if len(d) > 0 {
			o.retryDelays = d
		}
	}
}

// Outbox is a Persister that writes records in the background and retries
// failed writes with backoff. Persist never blocks: when the queue is full
// the record is dropped and counted.
type Outbox struct {
	creator     RecordCreator
	logger      zerolog.Logger
	clock       clockwork.Clock
	maxAttempts int
	queueSize   int
	retryDelays []time.Duration

	queue chan *calculation.Record

	mu     sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	enqueued  atomic.Int64
	persisted atomic.Int64
	retried   atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewOutbox starts the background writer.
func NewOutbox(creator RecordCreator, logger zerolog.Logger, opts ...OutboxOption) *Outbox {
	o := &Outbox{
		creator:     creator,
		logger:      logger.With().Str("component", "outbox").Logger(),
		clock:       clockwork.NewRealClock(),
		maxAttempts: DefaultMaxAttempts,
		queueSize:   DefaultQueueSize,
		retryDelays: DefaultRetryDelays,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.queue = make(chan *calculation.Record, o.queueSize)
	o.ctx, o.cancel = context.WithCancel(context.Background())
	go o.run()
	return o
}

// Persist implements Persister.
func (o *Outbox) Persist(rec *calculation.Record) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		o.dropped.Add(1)
		o.logger.Warn().Str("patient", rec.ArchiveNo).Msg("outbox closed, record dropped")
		return
	}
	select {
	case o.queue <- rec:
		o.enqueued.Add(1)
	default:
		o.dropped.Add(1)
		o.logger.Error().Str("patient", rec.ArchiveNo).Int("queue_size", o.queueSize).Msg("outbox full, record dropped")
	}
}

// Stats returns the current counters.
func (o *Outbox) Stats() Stats {
	return Stats{
		Enqueued:  o.enqueued.Load(),
		Persisted: o.persisted.Load(),
		Retried:   o.retried.Load(),
		Failed:    o.failed.Load(),
		Dropped:   o.dropped.Load(),
		Pending:   len(o.queue),
	}
}

// Close stops accepting records and drains the queue. If ctx expires first,
// in-flight retries are abandoned and ctx.Err() is returned.
func (o *Outbox) Close(ctx context.Context) error {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.queue)
	}
	o.mu.Unlock()

	select {
	case <-o.done:
		return nil
	case <-ctx.Done():
		o.cancel()
		<-o.done
		return ctx.Err()
	}
}

func (o *Outbox) run() {
	defer close(o.done)
	defer o.cancel()
	for rec := range o.queue {
		o.deliver(rec)
	}
}

func (o *Outbox) deliver(rec *calculation.Record) {
	for attempt := 1; ; attempt++ {
		if o.ctx.Err() != nil {
			o.failed.Add(1)
			o.logger.Error().Str("patient", rec.ArchiveNo).Int("attempt", attempt).Msg("outbox closed before record was persisted")
			return
		}

		ctx, cancel := context.WithTimeout(o.ctx, persistTimeout)
		id, err := o.creator.Create(ctx, rec)
		cancel()
		if err == nil {
			o.persisted.Add(1)
			o.logger.Debug().Str("id", id).Int("attempt", attempt).Msg("record persisted")
			return
		}

		if attempt >= o.maxAttempts {
			o.failed.Add(1)
			o.logger.Error().Err(err).Str("patient", rec.ArchiveNo).Int("attempts", attempt).Msg("record abandoned")
			return
		}

		delay := o.retryDelays[min(attempt-1, len(o.retryDelays)-1)]
		o.retried.Add(1)
		o.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("persist failed, retrying")

		select {
		case <-o.clock.After(delay):
		case <-o.ctx.Done():
		}
	}
}
