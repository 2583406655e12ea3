package storage

import (
	"context"
	"fmt"
	"time"
)

// New creates a new storage instance based on the configuration.
// Disabled storage yields a NoOpStorage.
func New(cfg *Config, metrics MetricsRecorder) (Storage, error) {
	if cfg == nil {
		def := DefaultConfig()
		cfg = &def
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if !cfg.Enabled {
		return NewNoOpStorage(), nil
	}
	s, err := NewSQLiteStorage(cfg, metrics)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// NoOpStorage is a no-op storage that does nothing
// Used when storage is disabled
type NoOpStorage struct{}

// NewNoOpStorage creates a new no-op storage
func NewNoOpStorage() *NoOpStorage {
	return &NoOpStorage{}
}

// LogQuery does nothing
func (n *NoOpStorage) LogQuery(ctx context.Context, query *QueryLog) error {
	return nil
}

// GetQueries returns an empty slice
func (n *NoOpStorage) GetQueries(ctx context.Context, filter QueryFilter, limit, offset int) ([]*QueryLog, error) {
	return []*QueryLog{}, nil
}

// GetStatistics returns empty statistics
func (n *NoOpStorage) GetStatistics(ctx context.Context, since time.Time) (*Statistics, error) {
	return &Statistics{
		Since:      since,
		Until:      time.Now(),
		TopDomains: []*DomainStats{},
		TopClients: []*ClientStats{},
		PerMinute:  []*TimeSeriesPoint{},
	}, nil
}

// LoadDomains returns nothing
func (n *NoOpStorage) LoadDomains(ctx context.Context) ([]DomainEntry, []DomainEntry, error) {
	return nil, nil, nil
}

// PutBlock does nothing
func (n *NoOpStorage) PutBlock(ctx context.Context, entries ...DomainEntry) error { return nil }

// DeleteBlock does nothing
func (n *NoOpStorage) DeleteBlock(ctx context.Context, source string, domains ...string) error {
	return nil
}

// PutAllow does nothing
func (n *NoOpStorage) PutAllow(ctx context.Context, entries ...DomainEntry) error { return nil }

// DeleteAllow does nothing
func (n *NoOpStorage) DeleteAllow(ctx context.Context, domains ...string) error { return nil }

// Cleanup does nothing
func (n *NoOpStorage) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	return 0, nil
}

// Close does nothing
func (n *NoOpStorage) Close() error {
	return nil
}

// Ping does nothing
func (n *NoOpStorage) Ping(ctx context.Context) error {
	return nil
}
