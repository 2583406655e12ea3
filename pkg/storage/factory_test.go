package storage

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Disabled(t *testing.T) {
	s, err := New(&Config{Enabled: false}, nil)
	require.NoError(t, err)

	_, ok := s.(*NoOpStorage)
	assert.True(t, ok, "disabled storage should be a NoOpStorage")
}

func TestNew_SQLite(t *testing.T) {
	s, err := New(&Config{Enabled: true, Path: ":memory:"}, nil)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	_, ok := s.(*SQLiteStorage)
	assert.True(t, ok)
}

func TestNew_InvalidPath(t *testing.T) {
	_, err := New(&Config{Enabled: true, Path: "/nonexistent/dir/db.sqlite"}, nil)
	assert.Error(t, err)
}

func TestNoOpStorage(t *testing.T) {
	s := NewNoOpStorage()
	ctx := context.Background()

	assert.NoError(t, s.LogQuery(ctx, &QueryLog{}))
	queries, err := s.GetQueries(ctx, QueryFilter{}, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, queries)

	stats, err := s.GetStatistics(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.TotalQueries)

	block, allow, err := s.LoadDomains(ctx)
	require.NoError(t, err)
	assert.Empty(t, block)
	assert.Empty(t, allow)

	deleted, err := s.Cleanup(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, deleted)
	assert.NoError(t, s.Ping(ctx))
	assert.NoError(t, s.Close())
}

func TestRunRetention(t *testing.T) {
	s := setupTestStorage(t)
	logAndWait(t, s,
		&QueryLog{Timestamp: time.Now().Add(-72 * time.Hour), ClientIP: "10.0.0.1", Domain: "old.com", QueryType: "A", ResponseCode: "NOERROR"},
		&QueryLog{ClientIP: "10.0.0.1", Domain: "new.com", QueryType: "A", ResponseCode: "NOERROR"},
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunRetention(ctx, s, 24*time.Hour, time.Hour, slog.Default())
		close(done)
	}()

	require.Eventually(t, func() bool {
		q, err := s.GetQueries(context.Background(), QueryFilter{}, 0, 0)
		return err == nil && len(q) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestRunRetentionDisabled(t *testing.T) {
	// Returns immediately without touching storage
	RunRetention(context.Background(), nil, 0, time.Hour, slog.Default())
}
