package usage

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Recorder accepts ledger entries. Both Logger and NoopLogger implement it.
type Recorder interface {
	Write(entry *Entry)
	Config() Config
	Close() error
}

// Logger provides async buffered logging with batch writes.
// Entries are flushed when a batch fills up or at regular intervals.
type Logger struct {
	store         Store
	config        Config
	buffer        chan *Entry
	done          chan struct{}
	wg            sync.WaitGroup
	writes        sync.WaitGroup // in-flight Write calls
	flushInterval time.Duration
	closed        atomic.Bool
	dropped       atomic.Int64
	written       atomic.Int64
}

// NewLogger creates a Logger and starts its flush goroutine.
func NewLogger(store Store, cfg Config) *Logger {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}

	l := &Logger{
		store:         store,
		config:        cfg,
		buffer:        make(chan *Entry, cfg.BufferSize),
		done:          make(chan struct{}),
		flushInterval: cfg.FlushInterval,
	}

	l.wg.Add(1)
	go l.flushLoop()

	return l
}

// Write queues an entry without blocking. When the buffer is full or the
// logger is closed the entry is dropped.
func (l *Logger) Write(entry *Entry) {
	if entry == nil || l.closed.Load() {
		return
	}

	l.writes.Add(1)
	defer l.writes.Done()

	// Close may have started between the first check and Add.
	if l.closed.Load() {
		return
	}

	select {
	case l.buffer <- entry:
	default:
		l.dropped.Add(1)
		slog.Warn("usage buffer full, dropping entry",
			"request_id", entry.RequestID,
			"provider", entry.Provider,
			"model", entry.Model,
		)
	}
}

// Dropped reports how many entries were discarded, either because the buffer
// was full or because the store kept failing.
func (l *Logger) Dropped() int64 {
	return l.dropped.Load()
}

// Written reports how many entries the store has accepted.
func (l *Logger) Written() int64 {
	return l.written.Load()
}

// Config returns the logger configuration
func (l *Logger) Config() Config {
	return l.config
}

// Close stops the logger, flushes remaining entries and closes the store.
// Close is idempotent.
func (l *Logger) Close() error {
	if l.closed.Swap(true) {
		return nil
	}

	l.writes.Wait()
	close(l.done)
	l.wg.Wait()

	return l.store.Close()
}

func (l *Logger) flushLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	batch := make([]*Entry, 0, BatchFlushThreshold)
	// After a failed write only the ticker retries.
	failing := false

	for {
		select {
		case entry := <-l.buffer:
			batch = append(batch, entry)
			if len(batch) >= BatchFlushThreshold && !failing {
				batch = l.flushBatch(batch)
				failing = len(batch) > 0
			}

		case <-ticker.C:
			if len(batch) > 0 {
				batch = l.flushBatch(batch)
				failing = len(batch) > 0
			}

		case <-l.done:
			close(l.buffer)
			for entry := range l.buffer {
				batch = append(batch, entry)
			}
			if len(batch) > 0 {
				if left := l.flushBatch(batch); len(left) > 0 {
					l.dropped.Add(int64(len(left)))
					slog.Error("usage entries lost on close", "count", len(left))
				}
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := l.store.Flush(ctx); err != nil {
				slog.Error("failed to flush usage store", "error", err)
			}
			cancel()
			return
		}
	}
}

// flushBatch writes batch and returns what must be retried. A failed batch is
// kept for the next flush, trimmed to the newest BufferSize entries.
func (l *Logger) flushBatch(batch []*Entry) []*Entry {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := l.store.WriteBatch(ctx, batch)
	if err == nil {
		l.written.Add(int64(len(batch)))
		return make([]*Entry, 0, BatchFlushThreshold)
	}

	slog.Error("failed to write usage batch",
		"error", err,
		"count", len(batch),
	)
	if over := len(batch) - l.config.BufferSize; over > 0 {
		l.dropped.Add(int64(over))
		batch = batch[over:]
	}
	return batch
}

// NoopLogger discards entries (used when usage tracking is disabled)
type NoopLogger struct{}

// Write does nothing
func (NoopLogger) Write(*Entry) {}

// Config returns an empty config
func (NoopLogger) Config() Config {
	return Config{Enabled: false}
}

// Close does nothing
func (NoopLogger) Close() error {
	return nil
}
