package api

import (
	"time"

	"dnsgate/pkg/blocklist"
	"dnsgate/pkg/forwarder"
	"dnsgate/pkg/storage"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string                     `json:"status"`
	Uptime    string                     `json:"uptime"`
	Version   string                     `json:"version"`
	Storage   string                     `json:"storage"`
	Upstreams []forwarder.UpstreamStatus `json:"upstreams"`
	Pending   int                        `json:"pending_queries"`
}

// LogsResponse is a page of query records, newest first
type LogsResponse struct {
	Rows   []*storage.QueryLog `json:"rows"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
}

// StatsResponse wraps the storage statistics with the requested period
type StatsResponse struct {
	*storage.Statistics
	Period    string    `json:"period"`
	Timestamp time.Time `json:"timestamp"`
}

// DomainRequest is the body of blacklist and allowlist additions
type DomainRequest struct {
	Domain string `json:"domain"`
}

// DomainResponse confirms a change to a domain set
type DomainResponse struct {
	Domain  string `json:"domain"`
	OK      bool   `json:"ok"`
	Removed bool   `json:"removed,omitempty"`
}

// DomainListResponse lists domain set entries
type DomainListResponse struct {
	Entries []blocklist.Entry `json:"entries"`
	Total   int               `json:"total"`
}

// SystemResponse describes the process and host
type SystemResponse struct {
	Version       string  `json:"version"`
	Uptime        string  `json:"uptime"`
	GoVersion     string  `json:"go_version"`
	Goroutines    int     `json:"goroutines"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemUsed       uint64  `json:"mem_used_bytes"`
	MemTotal      uint64  `json:"mem_total_bytes"`
	MemPercent    float64 `json:"mem_percent"`
	TemperatureC  float64 `json:"temperature_c,omitempty"`
	ManualBlocks  int     `json:"manual_blocks"`
	ListBlocks    int     `json:"list_blocks"`
	AllowEntries  int     `json:"allow_entries"`
}
