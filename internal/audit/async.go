package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"token-keeper/internal/common/logging"
)

const (
	defaultBufferSize    = 1000
	defaultBatchSize     = 100
	defaultFlushInterval = time.Second
	writeTimeout         = 5 * time.Second
)

// AsyncSink queues events and writes them to a Writer in batches from a
// single background worker. When the queue is full events are dropped.
type AsyncSink struct {
	writer        Writer
	logger        logging.Logger
	events        chan Event
	batchSize     int
	flushInterval time.Duration

	dropped atomic.Int64

	wg         sync.WaitGroup
	shutdownCh chan struct{}
	closeOnce  sync.Once
}

// NewAsyncSink starts the background worker.
func NewAsyncSink(writer Writer, bufferSize int, logger logging.Logger) *AsyncSink {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	s := &AsyncSink{
		writer:        writer,
		logger:        logger.WithFields(logging.String("component", "audit_writer")),
		events:        make(chan Event, bufferSize),
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		shutdownCh:    make(chan struct{}),
	}

	s.wg.Add(1)
	go s.worker()

	return s
}

// LogEvent enqueues the event without blocking.
func (s *AsyncSink) LogEvent(ctx context.Context, category Category, name string, details map[string]interface{}) {
	event := NewEvent(ctx, category, name, details)

	select {
	case <-s.shutdownCh:
		s.dropped.Add(1)
		return
	default:
	}

	select {
	case s.events <- event:
	default:
		s.dropped.Add(1)
		s.logger.Warn("Audit buffer full, dropping event", logging.String("event", name))
	}
}

// Dropped returns how many events were discarded because the buffer was full or the sink closed.
func (s *AsyncSink) Dropped() int64 {
	return s.dropped.Load()
}

func (s *AsyncSink) worker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, s.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		toWrite := make([]Event, len(batch))
		copy(toWrite, batch)
		batch = batch[:0]

		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := s.writer.WriteEvents(ctx, toWrite); err != nil {
			s.logger.Error("Failed to write audit batch", err, logging.Int("events", len(toWrite)))
		}
	}

	for {
		select {
		case event := <-s.events:
			batch = append(batch, event)
			if len(batch) >= s.batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-s.shutdownCh:
			for {
				select {
				case event := <-s.events:
					batch = append(batch, event)
					if len(batch) >= s.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// Close flushes queued events and stops the worker.
func (s *AsyncSink) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.shutdownCh)
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit sink shutdown timeout: %w", ctx.Err())
	}
}
