package audit

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// ClickHouseSink writes audit events to ClickHouse asynchronously.
// Write() is non-blocking; events are buffered and batch-inserted in a
// background goroutine.
//
// Expected table:
//
//	CREATE TABLE auth_audit_events (
//	    id         String,
//	    timestamp  DateTime64(3),
//	    provider   String,
//	    event_type String,
//	    reason     String,
//	    risk_score UInt8,
//	    metadata   Map(String, String)
//	) ENGINE = MergeTree ORDER BY (provider, timestamp);
type ClickHouseSink struct {
	conn    driver.Conn
	buffer  chan *Event
	done    chan struct{}
	flushed chan struct{} // closed by flushLoop when it returns
	logger  *zap.Logger

	closeOnce sync.Once
}

// NewClickHouseSink connects to ClickHouse and starts the flush loop.
func NewClickHouseSink(dsn string, logger *zap.Logger) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	// ParseDSN enables TLS when ?secure=true is in the DSN; enforce it here
	// so secure deployments (e.g. ClickHouse Cloud on 9440) always get it.
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, err
	}

	s := &ClickHouseSink{
		conn:    conn,
		buffer:  make(chan *Event, sinkBufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}
	go s.flushLoop()
	return s, nil
}

// Write queues an audit event for async insertion.
// Non-blocking: drops the event if the buffer is full.
func (s *ClickHouseSink) Write(event *Event) {
	select {
	case s.buffer <- event:
	default:
		s.logger.Warn("clickhouse audit buffer full, dropping event",
			zap.String("event_id", event.ID),
		)
	}
}

// Close drains remaining events and waits for the flush loop to finish.
func (s *ClickHouseSink) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		<-s.flushed
	})
}

func (s *ClickHouseSink) flushLoop() {
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

func (s *ClickHouseSink) flush(events []*Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO auth_audit_events (
			id, timestamp, provider, event_type, reason, risk_score, metadata
		)
	`)
	if err != nil {
		s.logger.Error("clickhouse prepare batch failed", zap.Error(err))
		return
	}

	for _, e := range events {
		if err := batch.Append(
			e.ID,
			e.Timestamp,
			e.Provider,
			string(e.Type),
			e.Reason,
			uint8(e.RiskScore),
			e.Metadata,
		); err != nil {
			s.logger.Error("clickhouse append event failed",
				zap.String("event_id", e.ID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		s.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}
