package forwarder

import (
	"math/rand/v2"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Family is the address family of the inbound socket a query arrived on.
// Each family has its own identifier space and outbound socket.
type Family uint8

const (
	FamilyV4 Family = iota
	FamilyV6
)

func (f Family) String() string {
	if f == FamilyV6 {
		return "udp6"
	}
	return "udp4"
}

// Key identifies a pending query: the upstream-facing id within one family.
type Key struct {
	Family Family
	ID     uint16
}

// PendingQuery is an in-flight forwarded query.
type PendingQuery struct {
	Start    time.Time
	Client   netip.AddrPort
	Question dns.Question
	// Packet is the upstream-bound query with the allocated id
	Packet []byte
	timer  *time.Timer
	Key    Key
	// ClientID is restored on the reply
	ClientID uint16
	// Upstream is the index of the resolver currently being tried
	Upstream int
	// Attempt increments on every send; timers armed for an older attempt are ignored
	Attempt int
	state   queryState
}

// Name returns the lower-cased query name without the trailing dot.
func (p *PendingQuery) Name() string {
	return strings.ToLower(strings.TrimSuffix(p.Question.Name, "."))
}

// Table maps (family, upstream id) to pending queries and allocates ids.
// It is not safe for concurrent use; the Forwarder serializes access.
type Table struct {
	entries map[Key]*PendingQuery
	next    [2]uint16
	randID  func() uint16
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{
		entries: make(map[Key]*PendingQuery),
		randID:  func() uint16 { return uint16(rand.IntN(0xFFFF)) + 1 },
	}
}

// allocate advances the family counter through [1, 65535] until it finds an
// unused id. When every id is taken it falls back to a random draw.
func (t *Table) allocate(family Family) uint16 {
	for i := 0; i < 0xFFFF; i++ {
		t.next[family]++
		if t.next[family] == 0 {
			t.next[family] = 1
		}
		if _, used := t.entries[Key{family, t.next[family]}]; !used {
			return t.next[family]
		}
	}
	return t.randID()
}

// Insert allocates an id in p.Key.Family, stores p under it and sets p.Key.
// The entry previously stored under a randomly drawn id, if any, is returned;
// it only happens when all 65535 ids of the family are pending.
func (t *Table) Insert(p *PendingQuery) (id uint16, displaced *PendingQuery) {
	id = t.allocate(p.Key.Family)
	p.Key.ID = id
	displaced = t.entries[p.Key]
	t.entries[p.Key] = p
	return id, displaced
}

// Get returns the entry stored under k.
func (t *Table) Get(k Key) (*PendingQuery, bool) {
	p, ok := t.entries[k]
	return p, ok
}

// Remove deletes and returns the entry stored under k.
func (t *Table) Remove(k Key) (*PendingQuery, bool) {
	p, ok := t.entries[k]
	if ok {
		delete(t.entries, k)
	}
	return p, ok
}

// Len returns the number of pending entries across both families.
func (t *Table) Len() int {
	return len(t.entries)
}
