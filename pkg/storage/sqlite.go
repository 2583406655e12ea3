// Package storage contains the persistence layer; this file provides the
// SQLite implementation used for query logs, statistics and domain sets.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// MetricsRecorder defines the interface for recording storage metrics
// This interface breaks the import cycle between storage and telemetry packages
type MetricsRecorder interface {
	AddDroppedQuery(ctx context.Context, count int64)
}

// domainChunk bounds the rows written per statement batch during feed syncs.
const domainChunk = 500

const queryColumns = `id, ts_ms, client_ip, domain, query_type, response_code,
	answers, blocked, block_source, upstream, duration_ms`

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	db              *sql.DB
	cfg             *Config
	metrics         MetricsRecorder
	buffer          chan *QueryLog
	stmtInsertQuery *sql.Stmt
	now             func() time.Time
	wg              sync.WaitGroup
	mu              sync.RWMutex
	closed          bool
}

// NewSQLiteStorage creates a new SQLite storage backend
func NewSQLiteStorage(cfg *Config, metrics MetricsRecorder) (*SQLiteStorage, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	// One connection keeps :memory: databases shared and serializes writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if pingErr := db.Ping(); pingErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, pingErr)
	}

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout),
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	if cfg.WALMode {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, pragma := range pragmas {
		if _, pragmaErr := db.Exec(pragma); pragmaErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", pragmaErr)
		}
	}

	if migrationErr := runMigrations(db); migrationErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", migrationErr)
	}

	stmtInsert, err := db.Prepare(`
		INSERT INTO queries
		(ts_ms, client_ip, domain, query_type, response_code, answers, blocked, block_source, upstream, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to prepare insert statement: %w", err)
	}

	storage := &SQLiteStorage{
		db:              db,
		cfg:             cfg,
		metrics:         metrics,
		buffer:          make(chan *QueryLog, cfg.BufferSize),
		stmtInsertQuery: stmtInsert,
		now:             time.Now,
	}

	storage.wg.Add(1)
	go storage.flushWorker()

	return storage, nil
}

// LogQuery queues a query log entry for the next batch write
func (s *SQLiteStorage) LogQuery(ctx context.Context, query *QueryLog) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	if query.Timestamp.IsZero() {
		query.Timestamp = s.now()
	}

	select {
	case s.buffer <- query:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		if s.metrics != nil {
			s.metrics.AddDroppedQuery(ctx, 1)
		}
		return ErrBufferFull
	}
}

// flushWorker batches buffered entries and writes them when the batch is full
// or the flush interval elapses. It exits after draining a closed buffer.
func (s *SQLiteStorage) flushWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*QueryLog, 0, s.cfg.BatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.flushBatch(batch); err != nil {
			slog.Default().Error("Failed to flush query batch",
				"error", err,
				"batch_size", len(batch),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case query, ok := <-s.buffer:
			if !ok {
				flush()
				return
			}
			batch = append(batch, query)
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}

		case <-ticker.C:
			flush()
		}
	}
}

// flushBatch writes a batch of queries in a single transaction
func (s *SQLiteStorage) flushBatch(queries []*QueryLog) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt := tx.Stmt(s.stmtInsertQuery)
	for _, q := range queries {
		_, err := stmt.Exec(
			q.Timestamp.UnixMilli(),
			q.ClientIP,
			q.Domain,
			q.QueryType,
			q.ResponseCode,
			q.Answers,
			q.Blocked,
			nullString(q.BlockSource),
			nullString(q.Upstream),
			q.DurationMs,
		)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return nil
}

// GetQueries returns matching queries, newest first. limit is clamped to
// [1, MaxQueryLimit] with DefaultQueryLimit for non-positive values.
func (s *SQLiteStorage) GetQueries(ctx context.Context, filter QueryFilter, limit, offset int) ([]*QueryLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	var (
		where []string
		args  []any
	)
	if filter.ClientIP != "" {
		where = append(where, "client_ip = ?")
		args = append(args, filter.ClientIP)
	}
	if filter.Search != "" {
		where = append(where, "domain LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(strings.ToLower(filter.Search))+"%")
	}
	if !filter.Since.IsZero() {
		where = append(where, "ts_ms >= ?")
		args = append(args, filter.Since.UnixMilli())
	}
	if offset < 0 {
		offset = 0
	}

	query := "SELECT " + queryColumns + " FROM queries"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts_ms DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, ClampLimit(limit), offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	return scanQueryLogs(rows)
}

// GetStatistics returns totals, top 10 domains and clients since the given
// time, and per-minute counts for the 60 minutes up to now.
func (s *SQLiteStorage) GetStatistics(ctx context.Context, since time.Time) (*Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	now := s.now()
	stats := &Statistics{
		Since: since,
		Until: now,
	}
	sinceMs := since.UnixMilli()

	var blocked sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), SUM(CASE WHEN blocked THEN 1 ELSE 0 END)
		FROM queries WHERE ts_ms >= ?
	`, sinceMs).Scan(&stats.TotalQueries, &blocked)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	stats.BlockedQueries = blocked.Int64
	if stats.TotalQueries > 0 {
		stats.BlockRate = float64(stats.BlockedQueries) / float64(stats.TotalQueries) * 100
	}

	stats.TopDomains = []*DomainStats{}
	if err := s.topCounts(ctx, "domain", sinceMs, func(key string, n int64) {
		stats.TopDomains = append(stats.TopDomains, &DomainStats{Domain: key, QueryCount: n})
	}); err != nil {
		return nil, err
	}

	stats.TopClients = []*ClientStats{}
	if err := s.topCounts(ctx, "client_ip", sinceMs, func(key string, n int64) {
		stats.TopClients = append(stats.TopClients, &ClientStats{ClientIP: key, QueryCount: n})
	}); err != nil {
		return nil, err
	}

	perMinute, err := s.perMinute(ctx, now)
	if err != nil {
		return nil, err
	}
	stats.PerMinute = perMinute

	return stats, nil
}

// topCounts scans the 10 most frequent values of column since sinceMs.
// column is one of a fixed set of identifiers, never user input.
func (s *SQLiteStorage) topCounts(ctx context.Context, column string, sinceMs int64, add func(string, int64)) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+column+`, COUNT(*) AS c
		FROM queries WHERE ts_ms >= ?
		GROUP BY `+column+`
		ORDER BY c DESC, `+column+` ASC
		LIMIT 10
	`, sinceMs)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			key string
			n   int64
		)
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		add(key, n)
	}
	return rows.Err()
}

func (s *SQLiteStorage) perMinute(ctx context.Context, now time.Time) ([]*TimeSeriesPoint, error) {
	const points = 60
	end := now.Truncate(time.Minute)
	start := end.Add(-(points - 1) * time.Minute)

	series := make([]*TimeSeriesPoint, points)
	for i := range series {
		series[i] = &TimeSeriesPoint{Timestamp: start.Add(time.Duration(i) * time.Minute).UTC()}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT ts_ms / 60000 AS minute, COUNT(*), SUM(CASE WHEN blocked THEN 1 ELSE 0 END)
		FROM queries WHERE ts_ms >= ?
		GROUP BY minute
	`, start.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	startMinute := start.UnixMilli() / 60000
	for rows.Next() {
		var minute, total, blocked int64
		if err := rows.Scan(&minute, &total, &blocked); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		idx := minute - startMinute
		if idx < 0 || idx >= points {
			continue
		}
		series[idx].TotalQueries = total
		series[idx].BlockedQueries = blocked
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return series, nil
}

// LoadDomains returns every persisted blocklist and allowlist row
func (s *SQLiteStorage) LoadDomains(ctx context.Context) ([]DomainEntry, []DomainEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, nil, ErrClosed
	}

	block, err := s.loadTable(ctx, `SELECT domain, source, added_at FROM blocklist ORDER BY domain, source`)
	if err != nil {
		return nil, nil, err
	}
	allow, err := s.loadTable(ctx, `SELECT domain, '', added_at FROM allowlist ORDER BY domain`)
	if err != nil {
		return nil, nil, err
	}
	return block, allow, nil
}

func (s *SQLiteStorage) loadTable(ctx context.Context, query string) ([]DomainEntry, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var entries []DomainEntry
	for rows.Next() {
		var (
			e     DomainEntry
			added int64
		)
		if err := rows.Scan(&e.Domain, &e.Source, &added); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		e.AddedAt = time.UnixMilli(added).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return entries, nil
}

// PutBlock inserts blocklist rows. Rows are keyed by (domain, source) and an
// existing row keeps its original timestamp.
func (s *SQLiteStorage) PutBlock(ctx context.Context, entries ...DomainEntry) error {
	return s.writeDomains(ctx, `
		INSERT INTO blocklist (domain, source, added_at) VALUES (?, ?, ?)
		ON CONFLICT(domain, source) DO NOTHING
	`, len(entries), func(stmt *sql.Stmt, i int) error {
		e := entries[i]
		_, err := stmt.ExecContext(ctx, e.Domain, e.Source, e.AddedAt.UnixMilli())
		return err
	})
}

// DeleteBlock removes the blocklist rows of one source
func (s *SQLiteStorage) DeleteBlock(ctx context.Context, source string, domains ...string) error {
	return s.writeDomains(ctx, `DELETE FROM blocklist WHERE domain = ? AND source = ?`, len(domains), func(stmt *sql.Stmt, i int) error {
		_, err := stmt.ExecContext(ctx, domains[i], source)
		return err
	})
}

// PutAllow inserts allowlist rows, keeping the original timestamp of existing ones
func (s *SQLiteStorage) PutAllow(ctx context.Context, entries ...DomainEntry) error {
	return s.writeDomains(ctx, `
		INSERT INTO allowlist (domain, added_at) VALUES (?, ?)
		ON CONFLICT(domain) DO NOTHING
	`, len(entries), func(stmt *sql.Stmt, i int) error {
		e := entries[i]
		_, err := stmt.ExecContext(ctx, e.Domain, e.AddedAt.UnixMilli())
		return err
	})
}

// DeleteAllow removes allowlist rows
func (s *SQLiteStorage) DeleteAllow(ctx context.Context, domains ...string) error {
	return s.writeDomains(ctx, `DELETE FROM allowlist WHERE domain = ?`, len(domains), func(stmt *sql.Stmt, i int) error {
		_, err := stmt.ExecContext(ctx, domains[i])
		return err
	})
}

// writeDomains runs exec for every row index, committing every domainChunk rows
// so a large feed sync does not hold one long write transaction.
func (s *SQLiteStorage) writeDomains(ctx context.Context, query string, n int, exec func(*sql.Stmt, int) error) error {
	if n == 0 {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	for start := 0; start < n; start += domainChunk {
		end := min(start+domainChunk, n)
		if err := s.writeChunk(ctx, query, start, end, exec); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStorage) writeChunk(ctx context.Context, query string, start, end int, exec func(*sql.Stmt, int) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = stmt.Close() }()

	for i := start; i < end; i++ {
		if err := exec(stmt, i); err != nil {
			return fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return nil
}

// Cleanup deletes query logs older than the given time and returns the row count
func (s *SQLiteStorage) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrClosed
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM queries WHERE ts_ms < ?`, olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	rows, _ := result.RowsAffected()

	if rows > 10000 {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			slog.Default().Error("VACUUM operation failed",
				"error", err,
				"deleted_rows", rows,
			)
		}
	}
	return rows, nil
}

// Close flushes buffered entries and closes the database
func (s *SQLiteStorage) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.buffer)
	s.wg.Wait()

	if s.stmtInsertQuery != nil {
		_ = s.stmtInsertQuery.Close()
	}
	return s.db.Close()
}

// Ping checks if the storage is reachable
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func escapeLike(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(v)
}

// scanQueryLogs scans rows selected with queryColumns. The caller closes rows.
func scanQueryLogs(rows *sql.Rows) ([]*QueryLog, error) {
	queries := []*QueryLog{}

	for rows.Next() {
		var (
			q           QueryLog
			tsMs        int64
			blockSource sql.NullString
			upstream    sql.NullString
		)
		err := rows.Scan(
			&q.ID,
			&tsMs,
			&q.ClientIP,
			&q.Domain,
			&q.QueryType,
			&q.ResponseCode,
			&q.Answers,
			&q.Blocked,
			&blockSource,
			&upstream,
			&q.DurationMs,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		q.Timestamp = time.UnixMilli(tsMs).UTC()
		q.BlockSource = blockSource.String
		q.Upstream = upstream.String
		queries = append(queries, &q)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return queries, nil
}
