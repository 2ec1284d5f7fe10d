// Package logger implements a non-blocking, batched request logger.
//
// Log entries go onto an internal buffered channel and are flushed in
// batches by a background goroutine, so logging never blocks the proxy hot
// path. If the channel fills up (> 10 000 entries), new entries are dropped
// and counted in DroppedLogs.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// RequestLog is one completed proxy request, as logged after the response
// has been written (buffered) or the stream has closed (streaming). There
// is a single upstream and no response cache, so the fields are
// Deployment/Kind/Stream/ErrorCode rather than a provider name plus a
// cache-hit flag.
type RequestLog struct {
	ID         uuid.UUID
	RequestID  string
	Deployment string
	Kind       string
	APIVersion string
	Stream     bool
	Status     uint16
	ErrorCode  string
	LatencyMs  uint32
	CreatedAt  time.Time
}

// Sink persists a flushed batch of entries somewhere beyond the slog
// handler (e.g. ClickHouse). Implementations must not block the caller for
// long; Logger calls Insert synchronously from its own background
// goroutine, never from the hot path.
type Sink interface {
	Insert(ctx context.Context, entries []RequestLog) error
	Close() error
}

type Logger struct {
	ch        chan RequestLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	log     *slog.Logger
	sink    Sink
}

// New starts the background flush loop. sink may be nil, meaning entries are
// only emitted through slogger.
func New(ctx context.Context, slogger *slog.Logger, sink Sink) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:      make(chan RequestLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
		sink:    sink,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues entry for asynchronous flushing. Never blocks: a full channel
// drops the entry and increments DroppedLogs instead.
func (l *Logger) Log(entry RequestLog) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

// Close drains any remaining buffered entries and stops the background
// goroutine. Safe to call more than once.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	if l.sink != nil {
		return l.sink.Close()
	}
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]RequestLog, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			l.log.InfoContext(ctx, "request",
				slog.String("id", e.ID.String()),
				slog.String("request_id", e.RequestID),
				slog.String("deployment", e.Deployment),
				slog.String("kind", e.Kind),
				slog.String("api_version", e.APIVersion),
				slog.Bool("stream", e.Stream),
				slog.Uint64("status", uint64(e.Status)),
				slog.String("error_code", e.ErrorCode),
				slog.Uint64("elapsed_ms", uint64(e.LatencyMs)),
				slog.Time("created_at", normalizeTime(e.CreatedAt)),
			)
		}
		if l.sink != nil {
			if err := l.sink.Insert(ctx, batch); err != nil {
				l.log.ErrorContext(ctx, "logger: sink insert failed", slog.Any("error", err))
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
