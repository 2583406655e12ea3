package blocklist

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"dnsgate/pkg/config"
	"dnsgate/pkg/logging"
)

// FeedError records a failed feed download.
type FeedError struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

// Status describes the most recent feed refresh.
type Status struct {
	LastFetch   time.Time   `json:"last_fetch"`
	Errors      []FeedError `json:"errors"`
	URLs        []string    `json:"urls"`
	ListsLoaded int         `json:"lists_loaded"`
	Domains     int         `json:"domains"`
	Added       int         `json:"added"`
	Removed     int         `json:"removed"`
	AutoRefresh bool        `json:"auto_refresh"`
}

// Manager periodically downloads the configured feeds into the store's list set
type Manager struct {
	store      *Store
	downloader *Downloader
	logger     *logging.Logger

	cfg    atomic.Pointer[config.FeedsConfig]
	status atomic.Pointer[Status]

	// serializes refreshes
	refreshMu sync.Mutex

	// Lifecycle management
	resetChan chan struct{}
	stopChan  chan struct{}
	wg        sync.WaitGroup
	started   atomic.Bool
}

// NewManager creates a feed manager. A nil httpClient gets the downloader default.
func NewManager(cfg config.FeedsConfig, store *Store, logger *logging.Logger, httpClient *http.Client) *Manager {
	m := &Manager{
		store:      store,
		downloader: NewDownloader(logger, httpClient),
		logger:     logger,
		resetChan:  make(chan struct{}, 1),
	}
	m.cfg.Store(&cfg)
	m.status.Store(&Status{URLs: cfg.URLs, AutoRefresh: autoRefresh(cfg)})
	return m
}

func autoRefresh(cfg config.FeedsConfig) bool {
	return cfg.AutoRefresh == nil || *cfg.AutoRefresh
}

// Start runs an initial refresh in the background and schedules the next ones
func (m *Manager) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		m.logger.Warn("Feed manager already started")
		return
	}
	m.stopChan = make(chan struct{})

	cfg := m.cfg.Load()
	m.logger.Info("Starting feed manager",
		"sources", len(cfg.URLs),
		"auto_refresh", autoRefresh(*cfg),
		"interval", cfg.RefreshInterval)

	m.wg.Add(1)
	go m.updateLoop(ctx)
}

// Stop waits for the refresh loop to exit
func (m *Manager) Stop() {
	if !m.started.CompareAndSwap(true, false) {
		return
	}
	close(m.stopChan)
	m.wg.Wait()
	m.logger.Info("Feed manager stopped")
}

// UpdateConfig swaps the feed settings; the schedule restarts with the new interval.
func (m *Manager) UpdateConfig(cfg config.FeedsConfig) {
	m.cfg.Store(&cfg)
	select {
	case m.resetChan <- struct{}{}:
	default:
	}
}

// Refresh downloads every configured feed and syncs the list set. Failed feeds
// are reported in the status; if every feed fails the list set is left untouched.
func (m *Manager) Refresh(ctx context.Context) Status {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	cfg := m.cfg.Load()
	status := Status{
		URLs:        append([]string(nil), cfg.URLs...),
		AutoRefresh: autoRefresh(*cfg),
		Errors:      []FeedError{},
	}

	if len(cfg.URLs) == 0 {
		m.logger.Debug("No blocklist feeds configured")
		status.LastFetch = time.Now()
		_, status.Domains, _ = m.store.Counts()
		m.status.Store(&status)
		return status
	}

	startTime := time.Now()
	var merged []string
	for idx, url := range cfg.URLs {
		m.logger.Info("Downloading feed", "index", idx+1, "total", len(cfg.URLs), "url", url)
		domains, err := m.downloader.Download(ctx, url)
		if err != nil {
			m.logger.Error("Failed to download blocklist", "url", url, "error", err)
			status.Errors = append(status.Errors, FeedError{URL: url, Error: err.Error()})
			continue
		}
		status.ListsLoaded++
		merged = append(merged, domains...)
	}

	if status.ListsLoaded > 0 {
		status.Added, status.Removed = m.store.SyncList(ctx, merged)
	}
	status.LastFetch = time.Now()
	_, status.Domains, _ = m.store.Counts()
	m.status.Store(&status)

	m.logger.Info("Feeds refreshed",
		"lists", status.ListsLoaded,
		"failed", len(status.Errors),
		"list_domains", status.Domains,
		"added", status.Added,
		"removed", status.Removed,
		"duration", time.Since(startTime))

	return status
}

// Status returns the result of the most recent refresh
func (m *Manager) Status() Status {
	return *m.status.Load()
}

func (m *Manager) updateLoop(ctx context.Context) {
	defer m.wg.Done()

	m.refreshWithTimeout(ctx)

	for {
		cfg := m.cfg.Load()
		var tick <-chan time.Time
		var timer *time.Timer
		if autoRefresh(*cfg) && cfg.RefreshInterval > 0 {
			timer = time.NewTimer(cfg.RefreshInterval)
			tick = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return
		case <-m.stopChan:
			stopTimer(timer)
			return
		case <-m.resetChan:
			stopTimer(timer)
			m.logger.Info("Feed schedule updated", "interval", m.cfg.Load().RefreshInterval)
		case <-tick:
			m.refreshWithTimeout(ctx)
		}
	}
}

func (m *Manager) refreshWithTimeout(ctx context.Context) {
	updateCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	m.Refresh(updateCtx)
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
