package forwarder

import (
	"sort"
	"sync"
	"time"
)

// HealthReporter receives upstream health transitions. Implementations must
// not block; the forwarder calls them from its read and timer goroutines.
type HealthReporter interface {
	ReportIssue(upstream, reason string)
	ReportHealthy(upstream string)
}

// UpstreamStatus is a snapshot of one upstream's observed health
type UpstreamStatus struct {
	LastIssueAt         time.Time `json:"last_issue_at,omitempty"`
	LastHealthyAt       time.Time `json:"last_healthy_at,omitempty"`
	Address             string    `json:"address"`
	LastIssue           string    `json:"last_issue,omitempty"`
	Successes           int64     `json:"successes"`
	Failures            int64     `json:"failures"`
	ConsecutiveFailures int64     `json:"consecutive_failures"`
	Healthy             bool      `json:"healthy"`
}

// UpstreamHealth counts health reports per upstream and passes every report on
// to the next reporter. It never changes which upstreams are tried.
type UpstreamHealth struct {
	next     HealthReporter
	statuses map[string]*UpstreamStatus
	now      func() time.Time
	mu       sync.RWMutex
}

// NewUpstreamHealth creates a tracker seeded with the configured upstreams.
// next may be nil.
func NewUpstreamHealth(upstreams []string, next HealthReporter) *UpstreamHealth {
	uh := &UpstreamHealth{
		next:     next,
		statuses: make(map[string]*UpstreamStatus, len(upstreams)),
		now:      time.Now,
	}
	for _, u := range upstreams {
		uh.statuses[u] = &UpstreamStatus{Address: u, Healthy: true}
	}
	return uh
}

func (uh *UpstreamHealth) status(upstream string) *UpstreamStatus {
	s, ok := uh.statuses[upstream]
	if !ok {
		s = &UpstreamStatus{Address: upstream, Healthy: true}
		uh.statuses[upstream] = s
	}
	return s
}

// ReportIssue implements HealthReporter
func (uh *UpstreamHealth) ReportIssue(upstream, reason string) {
	uh.mu.Lock()
	s := uh.status(upstream)
	s.Failures++
	s.ConsecutiveFailures++
	s.Healthy = false
	s.LastIssue = reason
	s.LastIssueAt = uh.now()
	uh.mu.Unlock()

	if uh.next != nil {
		uh.next.ReportIssue(upstream, reason)
	}
}

// ReportHealthy implements HealthReporter
func (uh *UpstreamHealth) ReportHealthy(upstream string) {
	uh.mu.Lock()
	s := uh.status(upstream)
	s.Successes++
	s.ConsecutiveFailures = 0
	s.Healthy = true
	s.LastHealthyAt = uh.now()
	uh.mu.Unlock()

	if uh.next != nil {
		uh.next.ReportHealthy(upstream)
	}
}

// Snapshot returns the status of every known upstream, sorted by address
func (uh *UpstreamHealth) Snapshot() []UpstreamStatus {
	uh.mu.RLock()
	out := make([]UpstreamStatus, 0, len(uh.statuses))
	for _, s := range uh.statuses {
		out = append(out, *s)
	}
	uh.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}
