package blocklist

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"dnsgate/pkg/logging"
	"dnsgate/pkg/storage"
	"dnsgate/pkg/telemetry"
)

// ErrInvalidDomain is returned for names that do not normalize to at least two labels.
var ErrInvalidDomain = errors.New("invalid domain")

// Source identifies where a block entry came from.
type Source string

const (
	SourceManual Source = "manual"
	SourceList   Source = "list"
)

// Verdict is the result of classifying a query name.
type Verdict struct {
	Blocked bool
	Source  Source
}

// Entry is a single blocklist or allowlist row.
type Entry struct {
	AddedAt time.Time `json:"added_at"`
	Domain  string    `json:"domain"`
	Source  Source    `json:"source,omitempty"`
}

// Persister is the subset of storage.Storage the store writes through to.
type Persister interface {
	PutBlock(ctx context.Context, entries ...storage.DomainEntry) error
	DeleteBlock(ctx context.Context, source string, domains ...string) error
	PutAllow(ctx context.Context, entries ...storage.DomainEntry) error
	DeleteAllow(ctx context.Context, domains ...string) error
}

// Store holds the allow set and the two block sets. Manual and list entries
// are tracked independently, so a domain can be in both; manual wins when both
// match at the same suffix.
type Store struct {
	manual map[string]time.Time
	list   map[string]time.Time
	allow  map[string]time.Time

	persist Persister
	logger  *logging.Logger
	metrics *telemetry.Metrics
	now     func() time.Time

	mu sync.RWMutex
}

// NewStore creates an empty store. persist and metrics may be nil.
func NewStore(logger *logging.Logger, persist Persister, metrics *telemetry.Metrics) *Store {
	return &Store{
		manual:  make(map[string]time.Time),
		list:    make(map[string]time.Time),
		allow:   make(map[string]time.Time),
		persist: persist,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// NormalizeDomain lower-cases and cleans a user or feed supplied name.
// Anything after the first '/', '#' or '?' is discarded, a leading and a trailing
// dot are stripped, and the result must have at least two non-empty labels made of
// [a-z0-9._-].
func NormalizeDomain(raw string) (string, error) {
	d := strings.ToLower(strings.TrimSpace(raw))
	if i := strings.IndexAny(d, "/#?"); i >= 0 {
		d = d[:i]
	}
	d = strings.TrimPrefix(d, ".")
	d = strings.TrimSuffix(d, ".")
	if d == "" {
		return "", ErrInvalidDomain
	}

	for i := 0; i < len(d); i++ {
		c := d[i]
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '.' || c == '-' || c == '_' {
			continue
		}
		return "", ErrInvalidDomain
	}

	labels := strings.Split(d, ".")
	if len(labels) < 2 {
		return "", ErrInvalidDomain
	}
	for _, l := range labels {
		if l == "" {
			return "", ErrInvalidDomain
		}
	}
	return d, nil
}

// suffixes returns the candidate names for a query, most specific first,
// stopping at the two-label root. Names with fewer than two labels yield nothing.
func suffixes(name string) []string {
	labels := strings.Split(name, ".")
	if len(labels) < 2 {
		return nil
	}
	out := make([]string, 0, len(labels)-1)
	for i := 0; i <= len(labels)-2; i++ {
		out = append(out, strings.Join(labels[i:], "."))
	}
	return out
}

// Classify decides whether name is blocked. An allow entry at any suffix wins;
// otherwise the most specific block entry decides, manual before list.
func (s *Store) Classify(name string) Verdict {
	name = strings.TrimSuffix(strings.ToLower(name), ".")
	candidates := suffixes(name)
	if len(candidates) == 0 {
		return Verdict{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range candidates {
		if _, ok := s.allow[c]; ok {
			return Verdict{}
		}
	}
	for _, c := range candidates {
		if _, ok := s.manual[c]; ok {
			return Verdict{Blocked: true, Source: SourceManual}
		}
		if _, ok := s.list[c]; ok {
			return Verdict{Blocked: true, Source: SourceList}
		}
	}
	return Verdict{}
}

// set returns the block set for source. Callers hold mu.
func (s *Store) set(source Source) map[string]time.Time {
	if source == SourceList {
		return s.list
	}
	return s.manual
}

// blockedLocked reports whether d is in either block set. Callers hold mu.
func (s *Store) blockedLocked(d string) bool {
	_, manual := s.manual[d]
	_, list := s.list[d]
	return manual || list
}

// AddBlock inserts a block entry into the set for source. Adding a domain that
// is already in that set is a no-op.
func (s *Store) AddBlock(ctx context.Context, domain string, source Source) (string, error) {
	d, err := NormalizeDomain(domain)
	if err != nil {
		return "", err
	}
	if source != SourceList {
		source = SourceManual
	}

	now := s.now()
	s.mu.Lock()
	set := s.set(source)
	if _, ok := set[d]; ok {
		s.mu.Unlock()
		return d, nil
	}
	wasBlocked := s.blockedLocked(d)
	set[d] = now
	s.mu.Unlock()

	if !wasBlocked {
		s.recordSize(ctx, 1)
	}
	if s.persist != nil {
		if err := s.persist.PutBlock(ctx, storage.DomainEntry{Domain: d, Source: string(source), AddedAt: now}); err != nil {
			s.logger.Error("Failed to persist block entry", "domain", d, "error", err)
		}
	}
	return d, nil
}

// RemoveBlock deletes the manual entry for domain. A list entry for the same
// domain stays in place; a domain that is only list blocked loses its list
// entry until the next feed refresh.
func (s *Store) RemoveBlock(ctx context.Context, domain string) (bool, error) {
	d, err := NormalizeDomain(domain)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	source := SourceManual
	if _, ok := s.manual[d]; !ok {
		source = SourceList
	}
	set := s.set(source)
	_, ok := set[d]
	delete(set, d)
	stillBlocked := s.blockedLocked(d)
	s.mu.Unlock()

	if !ok {
		return false, nil
	}
	if !stillBlocked {
		s.recordSize(ctx, -1)
	}
	if s.persist != nil {
		if err := s.persist.DeleteBlock(ctx, string(source), d); err != nil {
			s.logger.Error("Failed to persist block removal", "domain", d, "error", err)
		}
	}
	return true, nil
}

// AddAllow inserts an allow entry.
func (s *Store) AddAllow(ctx context.Context, domain string) (string, error) {
	d, err := NormalizeDomain(domain)
	if err != nil {
		return "", err
	}

	now := s.now()
	s.mu.Lock()
	if _, ok := s.allow[d]; ok {
		s.mu.Unlock()
		return d, nil
	}
	s.allow[d] = now
	s.mu.Unlock()

	if s.persist != nil {
		if err := s.persist.PutAllow(ctx, storage.DomainEntry{Domain: d, AddedAt: now}); err != nil {
			s.logger.Error("Failed to persist allow entry", "domain", d, "error", err)
		}
	}
	return d, nil
}

// RemoveAllow deletes an allow entry.
func (s *Store) RemoveAllow(ctx context.Context, domain string) (bool, error) {
	d, err := NormalizeDomain(domain)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	_, ok := s.allow[d]
	delete(s.allow, d)
	s.mu.Unlock()

	if ok && s.persist != nil {
		if err := s.persist.DeleteAllow(ctx, d); err != nil {
			s.logger.Error("Failed to persist allow removal", "domain", d, "error", err)
		}
	}
	return ok, nil
}

// SyncList makes the list set equal to domains. The manual set is never
// touched. Invalid names are skipped.
func (s *Store) SyncList(ctx context.Context, domains []string) (added, removed int) {
	want := make(map[string]struct{}, len(domains))
	for _, raw := range domains {
		if d, err := NormalizeDomain(raw); err == nil {
			want[d] = struct{}{}
		}
	}

	now := s.now()
	var (
		addedEntries []storage.DomainEntry
		prunedNames  []string
		sizeDelta    int64
	)

	s.mu.Lock()
	for d := range want {
		if _, ok := s.list[d]; ok {
			continue
		}
		if _, ok := s.manual[d]; !ok {
			sizeDelta++
		}
		s.list[d] = now
		addedEntries = append(addedEntries, storage.DomainEntry{Domain: d, Source: string(SourceList), AddedAt: now})
	}
	for d := range s.list {
		if _, ok := want[d]; ok {
			continue
		}
		delete(s.list, d)
		if _, ok := s.manual[d]; !ok {
			sizeDelta--
		}
		prunedNames = append(prunedNames, d)
	}
	s.mu.Unlock()

	s.recordSize(ctx, sizeDelta)

	if s.persist != nil {
		if len(addedEntries) > 0 {
			if err := s.persist.PutBlock(ctx, addedEntries...); err != nil {
				s.logger.Error("Failed to persist feed entries", "count", len(addedEntries), "error", err)
			}
		}
		if len(prunedNames) > 0 {
			if err := s.persist.DeleteBlock(ctx, string(SourceList), prunedNames...); err != nil {
				s.logger.Error("Failed to persist feed pruning", "count", len(prunedNames), "error", err)
			}
		}
	}
	return len(addedEntries), len(prunedNames)
}

// Load replaces the in-memory sets with persisted rows without writing back.
func (s *Store) Load(ctx context.Context, block, allow []storage.DomainEntry) {
	manualSet := make(map[string]time.Time)
	listSet := make(map[string]time.Time)
	for _, e := range block {
		d, err := NormalizeDomain(e.Domain)
		if err != nil {
			continue
		}
		if Source(e.Source) == SourceList {
			listSet[d] = e.AddedAt
		} else {
			manualSet[d] = e.AddedAt
		}
	}
	allowSet := make(map[string]time.Time, len(allow))
	for _, e := range allow {
		if d, err := NormalizeDomain(e.Domain); err == nil {
			allowSet[d] = e.AddedAt
		}
	}

	s.mu.Lock()
	prev := s.blockedCountLocked()
	s.manual = manualSet
	s.list = listSet
	s.allow = allowSet
	size := s.blockedCountLocked()
	s.mu.Unlock()

	s.recordSize(ctx, int64(size-prev))
	s.logger.Info("Loaded domain sets", "manual", len(manualSet), "list", len(listSet), "allowed", len(allowSet))
}

// blockedCountLocked counts distinct blocked domains. Callers hold mu.
func (s *Store) blockedCountLocked() int {
	n := len(s.manual)
	for d := range s.list {
		if _, ok := s.manual[d]; !ok {
			n++
		}
	}
	return n
}

// BlockEntries returns block entries sorted by domain, manual first for a
// domain in both sets. List entries are included only when includeList is set.
func (s *Store) BlockEntries(includeList bool) []Entry {
	s.mu.RLock()
	out := make([]Entry, 0, len(s.manual))
	for d, added := range s.manual {
		out = append(out, Entry{Domain: d, Source: SourceManual, AddedAt: added})
	}
	if includeList {
		for d, added := range s.list {
			out = append(out, Entry{Domain: d, Source: SourceList, AddedAt: added})
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Domain != out[j].Domain {
			return out[i].Domain < out[j].Domain
		}
		return out[i].Source == SourceManual && out[j].Source != SourceManual
	})
	return out
}

// AllowEntries returns allow entries sorted by domain.
func (s *Store) AllowEntries() []Entry {
	s.mu.RLock()
	out := make([]Entry, 0, len(s.allow))
	for d, added := range s.allow {
		out = append(out, Entry{Domain: d, AddedAt: added})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

// Counts returns the number of manual, list and allow entries.
func (s *Store) Counts() (manual, list, allow int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.manual), len(s.list), len(s.allow)
}

func (s *Store) recordSize(ctx context.Context, delta int64) {
	if s.metrics != nil && delta != 0 {
		s.metrics.BlocklistSize.Add(ctx, delta)
	}
}
