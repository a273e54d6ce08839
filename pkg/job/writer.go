package job

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// LogEntry is one JobLog write request, tagged with the tenant schema it
// belongs to so the writer can batch across tenants.
type LogEntry struct {
	TenantSchema string
	Log          Log
}

const (
	writerBufferSize = 256
	flushInterval    = 2 * time.Second
	flushBatch       = 32
)

// LogWriter is an async, buffered JobLog writer. The sampling loop calls
// Log for every step; writes are batched and flushed in the background so
// logging never adds latency to the agentic loop.
type LogWriter struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	entries chan LogEntry
	wg      sync.WaitGroup
}

// NewLogWriter creates a LogWriter. Call Start to begin processing entries.
func NewLogWriter(pool *pgxpool.Pool, logger *slog.Logger) *LogWriter {
	return &LogWriter{
		pool:    pool,
		logger:  logger,
		entries: make(chan LogEntry, writerBufferSize),
	}
}

// Start launches the background flush goroutine and returns immediately.
// The goroutine exits once ctx is cancelled and pending entries are flushed.
func (w *LogWriter) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for all pending entries to be flushed.
func (w *LogWriter) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Log enqueues a log entry for async writing. It never blocks the caller;
// if the buffer is full the entry is dropped and a warning is logged, since
// a dropped JobLog line must never stall the sampling loop.
func (w *LogWriter) Log(schema string, l Log) {
	if l.ContentTrimmed == "" {
		l.ContentTrimmed = TrimImageContent(l.Content)
	}
	select {
	case w.entries <- LogEntry{TenantSchema: schema, Log: l}:
	default:
		w.logger.Warn("job log buffer full, dropping entry", "job_id", l.JobID, "log_type", l.LogType)
	}
}

func (w *LogWriter) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]LogEntry, 0, flushBatch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case entry, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (w *LogWriter) flush(entries []LogEntry) {
	bySchema := make(map[string][]Log)
	for _, e := range entries {
		bySchema[e.TenantSchema] = append(bySchema[e.TenantSchema], e.Log)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for schema, logs := range bySchema {
		if schema == "" {
			w.logger.Warn("job log entry without tenant schema, skipping", "count", len(logs))
			continue
		}

		conn, err := w.pool.Acquire(ctx)
		if err != nil {
			w.logger.Error("acquiring connection for job log flush", "error", err, "schema", schema)
			continue
		}

		if _, err := conn.Exec(ctx, "SELECT set_config('search_path', $1, false)", schema+", public"); err != nil {
			w.logger.Error("setting search_path for job log flush", "error", err, "schema", schema)
			conn.Release()
			continue
		}

		store := NewStore(conn)
		for _, l := range logs {
			if err := store.AppendLog(ctx, l); err != nil {
				w.logger.Error("writing job log entry", "error", err, "job_id", l.JobID, "schema", schema)
			}
		}

		conn.Release()
	}
}
