package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sink persists audit events outside the in-memory ring. Write must never
// block the caller; durability is best effort and failures are logged, not
// returned.
type Sink interface {
	Write(event *Event)
	Close()
}

const (
	sinkBufferSize    = 10_000
	sinkFlushInterval = 100 * time.Millisecond
	sinkFlushBatch    = 1000
	sinkDrainTimeout  = 2 * time.Second
)

// FileSink appends events as JSON lines to a local file. Writes are
// buffered and flushed in a background goroutine, so Write is non-blocking
// and drops events when the buffer is full.
type FileSink struct {
	path    string
	buffer  chan *Event
	done    chan struct{}
	flushed chan struct{} // closed by flushLoop when it returns
	logger  *zap.Logger

	closeOnce sync.Once
}

// NewFileSink creates a FileSink and starts the background flush loop. The
// parent directory is created if needed.
func NewFileSink(path string, logger *zap.Logger) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	s := &FileSink{
		path:    path,
		buffer:  make(chan *Event, sinkBufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}
	go s.flushLoop()
	return s, nil
}

// Write queues an event for async persistence.
// Non-blocking: drops the event if the buffer is full.
func (s *FileSink) Write(event *Event) {
	select {
	case s.buffer <- event:
	default:
		s.logger.Warn("audit file sink buffer full, dropping event",
			zap.String("event_id", event.ID),
			zap.String("type", string(event.Type)),
		)
	}
}

// Close signals the flush loop to drain remaining events and waits for it
// to finish. Safe to call more than once.
func (s *FileSink) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		<-s.flushed
	})
}

func (s *FileSink) flushLoop() {
	defer close(s.flushed)

	ticker := time.NewTicker(sinkFlushInterval)
	defer ticker.Stop()

	batch := make([]*Event, 0, sinkFlushBatch)

	for {
		select {
		case event := <-s.buffer:
			batch = append(batch, event)
			if len(batch) >= sinkFlushBatch {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-s.done:
			deadline := time.Now().Add(sinkDrainTimeout)
		drainLoop:
			for time.Now().Before(deadline) {
				select {
				case event := <-s.buffer:
					batch = append(batch, event)
				default:
					break drainLoop
				}
			}
			if len(batch) > 0 {
				s.flush(batch)
			}
			return
		}
	}
}

func (s *FileSink) flush(events []*Event) {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		s.logger.Error("audit file sink open failed", zap.Error(err))
		return
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			s.logger.Error("audit file sink encode failed",
				zap.String("event_id", e.ID),
				zap.Error(err),
			)
		}
	}
}

// ZapSink is a fallback Sink for local development. It logs events as
// structured JSON via zap.
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink creates a ZapSink that writes events to the given logger.
func NewZapSink(logger *zap.Logger) *ZapSink {
	return &ZapSink{logger: logger}
}

func (s *ZapSink) Write(event *Event) {
	s.logger.Info("audit_event",
		zap.String("event_id", event.ID),
		zap.String("provider", event.Provider),
		zap.String("type", string(event.Type)),
		zap.String("reason", event.Reason),
		zap.Int("risk_score", event.RiskScore),
		zap.Any("metadata", event.Metadata),
	)
}

func (s *ZapSink) Close() {}
