package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors; backend failures wrap one of these.
var (
	ErrInvalidConfig    = errors.New("invalid storage configuration")
	ErrConnectionFailed = errors.New("database unavailable")
	ErrQueryFailed      = errors.New("query failed")
	ErrBufferFull       = errors.New("query log buffer full")
	ErrClosed           = errors.New("storage is closed")
)

// Storage defines the interface for all storage backends
// Implementations must be thread-safe and support concurrent access
type Storage interface {
	// Query Logging
	LogQuery(ctx context.Context, query *QueryLog) error
	GetQueries(ctx context.Context, filter QueryFilter, limit, offset int) ([]*QueryLog, error)

	// Statistics
	GetStatistics(ctx context.Context, since time.Time) (*Statistics, error)

	// Domain sets
	LoadDomains(ctx context.Context) (block, allow []DomainEntry, err error)
	PutBlock(ctx context.Context, entries ...DomainEntry) error
	DeleteBlock(ctx context.Context, source string, domains ...string) error
	PutAllow(ctx context.Context, entries ...DomainEntry) error
	DeleteAllow(ctx context.Context, domains ...string) error

	// Maintenance
	Cleanup(ctx context.Context, olderThan time.Time) (int64, error)
	Close() error
	Ping(ctx context.Context) error
}

// Query list bounds
const (
	DefaultQueryLimit = 200
	MaxQueryLimit     = 2000
)

// QueryLog represents a single DNS query log entry
type QueryLog struct {
	Timestamp    time.Time `json:"timestamp"`
	ClientIP     string    `json:"client_ip"`
	Domain       string    `json:"domain"`
	QueryType    string    `json:"query_type"`
	ResponseCode string    `json:"response_code"`
	BlockSource  string    `json:"block_source,omitempty"`
	Upstream     string    `json:"upstream,omitempty"`
	ID           int64     `json:"id"`
	Answers      int       `json:"answers"`
	DurationMs   float64   `json:"duration_ms"`
	Blocked      bool      `json:"blocked"`
}

// QueryFilter narrows GetQueries. Zero values match everything.
type QueryFilter struct {
	Since    time.Time
	ClientIP string
	// Search is a case-insensitive substring of the domain
	Search string
}

// ClampLimit applies the default and the upper bound to a requested page size.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}

// Statistics represents aggregated query statistics
type Statistics struct {
	Since          time.Time          `json:"since"`
	Until          time.Time          `json:"until"`
	TopDomains     []*DomainStats     `json:"top_domains"`
	TopClients     []*ClientStats     `json:"top_clients"`
	PerMinute      []*TimeSeriesPoint `json:"per_minute"`
	TotalQueries   int64              `json:"total_queries"`
	BlockedQueries int64              `json:"blocked_queries"`
	BlockRate      float64            `json:"block_rate"` // Percentage of blocked queries
}

// DomainStats is a query count for one domain
type DomainStats struct {
	Domain     string `json:"domain"`
	QueryCount int64  `json:"query_count"`
}

// ClientStats is a query count for one client address
type ClientStats struct {
	ClientIP   string `json:"client_ip"`
	QueryCount int64  `json:"query_count"`
}

// TimeSeriesPoint represents aggregated query counts for one minute.
type TimeSeriesPoint struct {
	Timestamp      time.Time `json:"timestamp"`
	TotalQueries   int64     `json:"total_queries"`
	BlockedQueries int64     `json:"blocked_queries"`
}

// DomainEntry is a persisted blocklist or allowlist row
type DomainEntry struct {
	AddedAt time.Time `json:"added_at"`
	Domain  string    `json:"domain"`
	Source  string    `json:"source,omitempty"` // blocklist only: manual or list
}

// Config represents storage configuration
type Config struct {
	Path          string
	BufferSize    int
	FlushInterval time.Duration
	BatchSize     int
	BusyTimeout   int // milliseconds
	WALMode       bool
	Enabled       bool
}

// DefaultConfig returns a default storage configuration
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		Path:          "./dnsgate.db",
		BusyTimeout:   5000,
		WALMode:       true,
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
		BatchSize:     100,
	}
}

// Validate fills unset sizes and rejects an enabled config without a path
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Path == "" {
		return ErrInvalidConfig
	}
	if c.BufferSize < 1 {
		c.BufferSize = 100
	}
	if c.BatchSize < 1 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	return nil
}
