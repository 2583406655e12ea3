package blocklist

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"dnsgate/pkg/logging"
)

// DefaultFetchTimeout bounds a single feed download.
const DefaultFetchTimeout = 15 * time.Second

// Downloader downloads and parses blocklist feeds
type Downloader struct {
	client *http.Client
	logger *logging.Logger
}

// NewDownloader creates a feed downloader. A nil client gets a default one
// with DefaultFetchTimeout.
func NewDownloader(logger *logging.Logger, client *http.Client) *Downloader {
	if client == nil {
		client = &http.Client{Timeout: DefaultFetchTimeout}
	}
	return &Downloader{
		client: client,
		logger: logger,
	}
}

// Download fetches one feed and returns the normalized domains it lists
func (d *Downloader) Download(ctx context.Context, url string) ([]string, error) {
	d.logger.Info("Downloading blocklist", "url", url)
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(ctx, DefaultFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "dnsgate")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download blocklist: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	domains, err := ParseFeed(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse blocklist: %w", err)
	}

	d.logger.Info("Blocklist downloaded",
		"url", url,
		"domains", len(domains),
		"duration", time.Since(startTime))

	return domains, nil
}

// ParseFeed reads a blocklist in any of the supported line formats:
//   - 0.0.0.0 domain.com / 127.0.0.1 domain.com (hosts)
//   - ||domain.com^ with optional modifiers (AdGuard)
//   - domain.com (plain list)
//
// Lines starting with '!' or '#' are comments. Duplicates are removed.
func ParseFeed(r io.Reader) ([]string, error) {
	seen := make(map[string]struct{})
	var domains []string

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		raw := extractDomain(scanner.Text())
		if raw == "" {
			continue
		}
		domain, err := NormalizeDomain(raw)
		if err != nil || isLocalName(domain) {
			continue
		}
		if _, ok := seen[domain]; ok {
			continue
		}
		seen[domain] = struct{}{}
		domains = append(domains, domain)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading blocklist: %w", err)
	}
	return domains, nil
}

// extractDomain returns the raw domain token of a feed line, or "" when the
// line carries none.
func extractDomain(line string) string {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "!") || strings.HasPrefix(line, "#") {
		return ""
	}

	// AdGuard: ||domain.com^$important
	if strings.HasPrefix(line, "||") {
		rest := line[2:]
		if i := strings.IndexAny(rest, "^$/"); i >= 0 {
			rest = rest[:i]
		}
		return rest
	}

	fields := strings.Fields(line)
	switch {
	case len(fields) >= 2 && (fields[0] == "0.0.0.0" || fields[0] == "127.0.0.1"):
		return fields[1]
	case len(fields) == 1:
		return fields[0]
	default:
		return ""
	}
}

func isLocalName(domain string) bool {
	return domain == "localhost.localdomain" || domain == "local.localdomain" || strings.HasSuffix(domain, ".localhost")
}
