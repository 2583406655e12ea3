package dns

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"dnsgate/pkg/logging"
	"dnsgate/pkg/storage"
	"dnsgate/pkg/telemetry"
)

const (
	// DefaultLogBuffer is the number of records the query logger queues
	DefaultLogBuffer = 10000
	// DefaultLogWorkers is the size of the query logger worker pool
	DefaultLogWorkers = 4

	logTimeout = 5 * time.Second
)

// LogSink receives exactly one record per completed query. Emit must not block.
type LogSink interface {
	Emit(rec *storage.QueryLog)
}

// QueryWriter persists query records
type QueryWriter interface {
	LogQuery(ctx context.Context, q *storage.QueryLog) error
}

// QueryLogger is a LogSink backed by a fixed worker pool. Every record is
// written to storage and published to live subscribers.
type QueryLogger struct {
	ctx       context.Context
	writer    QueryWriter
	logger    *logging.Logger
	metrics   *telemetry.Metrics
	logCh     chan *storage.QueryLog
	cancel    context.CancelFunc
	subs      map[int]chan *storage.QueryLog
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closeOnce sync.Once
	subMu     sync.RWMutex
	nextSub   int
	workers   int
}

// NewQueryLogger starts the worker pool. writer may be nil, in which case
// records are only published.
func NewQueryLogger(writer QueryWriter, logger *logging.Logger, metrics *telemetry.Metrics, bufferSize, workers int) *QueryLogger {
	if bufferSize <= 0 {
		bufferSize = DefaultLogBuffer
	}
	if workers <= 0 {
		workers = DefaultLogWorkers
	}
	if logger == nil {
		logger = logging.NewDefault()
	}
	ctx, cancel := context.WithCancel(context.Background())

	ql := &QueryLogger{
		ctx:     ctx,
		writer:  writer,
		logger:  logger,
		metrics: metrics,
		logCh:   make(chan *storage.QueryLog, bufferSize),
		cancel:  cancel,
		subs:    make(map[int]chan *storage.QueryLog),
		workers: workers,
	}

	for i := 0; i < workers; i++ {
		ql.wg.Add(1)
		go ql.worker(i)
	}

	logger.Info("Query logger worker pool started",
		"workers", workers,
		"buffer_size", bufferSize)

	return ql
}

// Emit implements LogSink. A full buffer drops the record.
func (ql *QueryLogger) Emit(rec *storage.QueryLog) {
	select {
	case ql.logCh <- rec:
	default:
		total := ql.dropped.Add(1)
		ql.metrics.AddDroppedQuery(context.Background(), 1)
		ql.logger.Warn("Query log buffer full, dropping entry",
			"domain", rec.Domain,
			"client_ip", rec.ClientIP,
			"dropped_total", total)
	}
}

func (ql *QueryLogger) worker(id int) {
	defer ql.wg.Done()

	for {
		select {
		case <-ql.ctx.Done():
			ql.drain()
			return
		case rec := <-ql.logCh:
			ql.process(ql.ctx, id, rec)
		}
	}
}

func (ql *QueryLogger) drain() {
	for {
		select {
		case rec := <-ql.logCh:
			ql.process(context.Background(), -1, rec)
		default:
			return
		}
	}
}

func (ql *QueryLogger) process(ctx context.Context, worker int, rec *storage.QueryLog) {
	if ql.writer != nil {
		logCtx, cancel := context.WithTimeout(ctx, logTimeout)
		if err := ql.writer.LogQuery(logCtx, rec); err != nil {
			ql.logger.Error("Failed to log query",
				"worker", worker,
				"domain", rec.Domain,
				"client_ip", rec.ClientIP,
				"error", err)
		}
		cancel()
	}
	ql.publish(rec)
}

func (ql *QueryLogger) publish(rec *storage.QueryLog) {
	ql.subMu.RLock()
	defer ql.subMu.RUnlock()
	for _, ch := range ql.subs {
		// Slow subscribers miss records
		select {
		case ch <- rec:
		default:
		}
	}
}

// Subscribe registers a live subscriber. The returned function unsubscribes
// and closes the channel.
func (ql *QueryLogger) Subscribe(buffer int) (<-chan *storage.QueryLog, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan *storage.QueryLog, buffer)

	ql.subMu.Lock()
	id := ql.nextSub
	ql.nextSub++
	ql.subs[id] = ch
	ql.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			ql.subMu.Lock()
			delete(ql.subs, id)
			ql.subMu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of live subscribers
func (ql *QueryLogger) Subscribers() int {
	ql.subMu.RLock()
	defer ql.subMu.RUnlock()
	return len(ql.subs)
}

// Dropped returns how many records were dropped on a full buffer
func (ql *QueryLogger) Dropped() uint64 {
	return ql.dropped.Load()
}

// Close stops the workers after draining queued records. Safe to call
// multiple times.
func (ql *QueryLogger) Close() error {
	ql.closeOnce.Do(func() {
		ql.logger.Info("Shutting down query logger",
			"buffered_entries", len(ql.logCh),
			"dropped_total", ql.dropped.Load())
		ql.cancel()
		ql.wg.Wait()
	})
	return nil
}
