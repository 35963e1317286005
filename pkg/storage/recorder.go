package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	clerrors "github.com/otherjamesbrown/convlog/pkg/errors"
	"github.com/otherjamesbrown/convlog/pkg/logging"
	"github.com/otherjamesbrown/convlog/pkg/observability"
)

// MessageWriter persists batches of records. *Repository implements it.
type MessageWriter interface {
	SaveBatch(ctx context.Context, records []Record) (BatchResult, error)
}

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	// Writer is the backend for persisting messages.
	Writer MessageWriter
	// BufferSize is the channel capacity (default: 1000).
	BufferSize int
	// BatchSize is the max records per write (default: 100).
	BatchSize int
	// FlushInterval is how often buffered records are written (default: 2s).
	FlushInterval time.Duration
	// WriteTimeout bounds a single batch write (default: 5s).
	WriteTimeout time.Duration
	// MaxRetries is how many times a retryable failure is retried
	// (default: 2, negative disables retries).
	MaxRetries int
	// RetryBackoff is the delay before the first retry, doubled each time
	// (default: 200ms).
	RetryBackoff time.Duration

	Logger  logging.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

func (c RecorderConfig) withDefaults() RecorderConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 2 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = logging.NewNopLogger()
	}
	if c.Tracer == nil {
		c.Tracer = observability.NewTracer()
	}
	return c
}

// Recorder writes records asynchronously in batches. Record never blocks;
// when the buffer is full the record is dropped and counted.
type Recorder struct {
	cfg       RecorderConfig
	logger    logging.Logger
	entries   chan Record
	flushReqs chan chan error
	done      chan struct{}
	wg        sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewRecorder starts a recorder. It panics if cfg.Writer is nil.
func NewRecorder(cfg RecorderConfig) *Recorder {
	if cfg.Writer == nil {
		panic("Recorder requires a non-nil Writer")
	}
	cfg = cfg.withDefaults()

	r := &Recorder{
		cfg:       cfg,
		logger:    cfg.Logger.With(logging.F("component", "recorder")),
		entries:   make(chan Record, cfg.BufferSize),
		flushReqs: make(chan chan error),
		done:      make(chan struct{}),
	}

	r.wg.Add(1)
	go r.run()

	return r
}

// Record queues rec for persistence. It reports false if the recorder is
// closed or its buffer is full.
func (r *Recorder) Record(rec Record) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}

	select {
	case r.entries <- rec:
		r.cfg.Metrics.SetBufferDepth(len(r.entries))
		return true
	default:
		r.logger.Warn("Buffer full, dropping message",
			logging.F("conversation_id", rec.ConversationID),
			logging.F("message_id", rec.Message.ID))
		r.cfg.Metrics.RecordPersisted("dropped", 1)
		return false
	}
}

// Flush blocks until every record queued before the call has been written,
// returning the last write error.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil
	}

	errc := make(chan error, 1)
	select {
	case r.flushReqs <- errc:
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the buffer, writes what remains and stops the recorder.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.done)
	r.wg.Wait()
	return nil
}

func (r *Recorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, r.cfg.BatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := r.write(batch)
		batch = batch[:0]
		return err
	}

	// drain moves everything currently buffered into batches.
	drain := func() error {
		var last error
		for {
			select {
			case rec := <-r.entries:
				batch = append(batch, rec)
				if len(batch) >= r.cfg.BatchSize {
					if err := flush(); err != nil {
						last = err
					}
				}
			default:
				if err := flush(); err != nil {
					last = err
				}
				return last
			}
		}
	}

	for {
		select {
		case rec := <-r.entries:
			batch = append(batch, rec)
			if len(batch) >= r.cfg.BatchSize {
				_ = flush()
			}

		case <-ticker.C:
			_ = flush()

		case errc := <-r.flushReqs:
			errc <- drain()

		case <-r.done:
			_ = drain()
			return
		}
		r.cfg.Metrics.SetBufferDepth(len(r.entries))
	}
}

// write persists one batch, retrying retryable failures with backoff.
func (r *Recorder) write(batch []Record) error {
	records := make([]Record, len(batch))
	copy(records, batch)

	backoff := r.cfg.RetryBackoff
	var lastErr *clerrors.DeliveryError

	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}

		result, err := r.writeOnce(records)
		if err == nil {
			r.cfg.Metrics.RecordPersisted("saved", result.Saved)
			r.cfg.Metrics.RecordPersisted("skipped", result.Skipped)
			r.cfg.Metrics.RecordPersisted("failed", result.Failed)
			return nil
		}

		lastErr = clerrors.Classify(err, observability.SinkPostgres)
		r.cfg.Metrics.RecordDeliveryFailure(observability.SinkPostgres, string(lastErr.Code))
		r.logger.Warn("Failed to write message batch",
			logging.Err(err),
			logging.F("batch_size", len(records)),
			logging.F("attempt", attempt+1),
			logging.F("code", string(lastErr.Code)))

		if !lastErr.Retryable() {
			break
		}
	}

	r.cfg.Metrics.RecordPersisted("failed", len(records))
	r.logger.Error("Dropping message batch",
		logging.Err(lastErr),
		logging.F("batch_size", len(records)))
	return fmt.Errorf("failed to persist %d messages: %w", len(records), lastErr)
}

func (r *Recorder) writeOnce(records []Record) (BatchResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
	defer cancel()

	ctx, span := r.cfg.Tracer.StartPersistSpan(ctx, len(records))
	start := time.Now()

	result, err := r.cfg.Writer.SaveBatch(ctx, records)
	r.cfg.Metrics.ObservePersist(time.Since(start).Seconds())

	if de := clerrors.Classify(err, observability.SinkPostgres); de != nil {
		observability.EndSpan(span, err, string(de.Code), de.Retryable())
	} else {
		observability.EndSpan(span, nil, "", false)
	}
	return result, err
}
