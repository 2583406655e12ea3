package forwarder

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"dnsgate/pkg/config"
	"dnsgate/pkg/logging"
	"dnsgate/pkg/telemetry"

	"github.com/miekg/dns"
)

// headerLen is the fixed size of a DNS message header (RFC 1035 4.1.1).
const headerLen = 12

var (
	// ErrNoUpstreams is returned when no upstream resolver is configured
	ErrNoUpstreams = errors.New("no upstream DNS servers configured")
	// ErrShortPacket is returned for queries shorter than a DNS header
	ErrShortPacket = errors.New("packet shorter than DNS header")
)

type queryState uint8

const (
	stateSending queryState = iota
	stateWaiting
	stateDone
)

// Transport sends upstream-bound packets on the outbound socket of a family
type Transport interface {
	SendUpstream(family Family, upstream netip.AddrPort, packet []byte) error
}

// Outcome is the terminal result of a forwarded query.
type Outcome struct {
	Query *PendingQuery
	// Reply is the upstream reply with the client id restored; nil when every
	// upstream failed
	Reply    []byte
	Upstream string
	Rcode    int
	Answers  int
	Duration time.Duration
}

// Exhausted reports whether every upstream failed for the query
func (o Outcome) Exhausted() bool {
	return o.Reply == nil
}

// Completer relays an outcome to the client and records it. It is called
// exactly once per forwarded query, never while the forwarder lock is held.
type Completer interface {
	Complete(o Outcome)
}

// Options configures a Forwarder
type Options struct {
	Transport Transport
	Completer Completer
	Health    HealthReporter
	Metrics   *telemetry.Metrics
	Logger    *logging.Logger
	Upstreams []string
	Timeout   time.Duration
}

// Forwarder drives pending queries through the ordered upstream list. Each
// attempt gets one timer; a reply, a timeout or a send error moves the query
// to the next state.
type Forwarder struct {
	transport Transport
	completer Completer
	health    HealthReporter
	metrics   *telemetry.Metrics
	logger    *logging.Logger
	table     *Table
	now       func() time.Time
	upstreams []netip.AddrPort
	names     []string
	timeout   time.Duration
	mu        sync.Mutex
}

// ParseUpstream parses "ip", "ip:port" or "[ipv6]:port". Port 53 is assumed
// when none is given.
func ParseUpstream(s string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid upstream %q: %w", s, err)
	}
	return netip.AddrPortFrom(addr, 53), nil
}

// NewForwarder creates a forwarder. Transport and Completer are required.
func NewForwarder(opts Options) (*Forwarder, error) {
	if len(opts.Upstreams) == 0 {
		return nil, ErrNoUpstreams
	}
	if opts.Transport == nil || opts.Completer == nil {
		return nil, errors.New("forwarder requires a transport and a completer")
	}

	upstreams := make([]netip.AddrPort, len(opts.Upstreams))
	names := make([]string, len(opts.Upstreams))
	for i, u := range opts.Upstreams {
		ap, err := ParseUpstream(u)
		if err != nil {
			return nil, err
		}
		upstreams[i] = ap
		names[i] = ap.String()
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = config.DefaultUpstreamTimeout
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewDefault()
	}

	f := &Forwarder{
		transport: opts.Transport,
		completer: opts.Completer,
		health:    opts.Health,
		metrics:   opts.Metrics,
		logger:    logger,
		table:     NewTable(),
		now:       time.Now,
		upstreams: upstreams,
		names:     names,
		timeout:   timeout,
	}

	logger.Info("Forwarder initialized",
		"upstreams", names,
		"timeout", timeout,
	)

	return f, nil
}

// Upstreams returns the normalized upstream addresses in failover order
func (f *Forwarder) Upstreams() []string {
	return append([]string(nil), f.names...)
}

// Timeout returns the per-attempt timeout
func (f *Forwarder) Timeout() time.Duration {
	return f.timeout
}

// Pending returns the number of in-flight queries
func (f *Forwarder) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.table.Len()
}

// Forward registers query (the raw client packet) and sends it to the first
// upstream. The outcome is delivered to the Completer.
func (f *Forwarder) Forward(family Family, client netip.AddrPort, query []byte, q dns.Question) error {
	if len(query) < headerLen {
		return ErrShortPacket
	}

	p := &PendingQuery{
		Start:    f.now(),
		Client:   client,
		Question: q,
		Packet:   append([]byte(nil), query...),
		Key:      Key{Family: family},
		ClientID: binary.BigEndian.Uint16(query),
	}

	f.mu.Lock()
	id, displaced := f.table.Insert(p)
	binary.BigEndian.PutUint16(p.Packet, id)
	if displaced != nil {
		displaced.state = stateDone
		if displaced.timer != nil {
			displaced.timer.Stop()
		}
	}
	f.mu.Unlock()

	f.addPending(1)
	if displaced != nil {
		f.logger.Warn("Identifier space exhausted, displacing pending query",
			"family", family.String(),
			"id", id,
			"domain", displaced.Name(),
		)
		f.addPending(-1)
		f.exhaust(displaced)
	}

	f.logger.Debug("Forwarding query",
		"domain", p.Name(),
		"type", dns.TypeToString[q.Qtype],
		"client_id", p.ClientID,
		"upstream_id", id,
		"family", family.String(),
	)

	f.dispatch(p)
	return nil
}

// dispatch sends p to its current upstream, moving on after send errors until
// a send succeeds or the list is exhausted.
func (f *Forwarder) dispatch(p *PendingQuery) {
	for {
		f.mu.Lock()
		if cur, ok := f.table.Get(p.Key); !ok || cur != p {
			f.mu.Unlock()
			return
		}
		if p.Upstream >= len(f.upstreams) {
			f.table.Remove(p.Key)
			p.state = stateDone
			f.mu.Unlock()
			f.addPending(-1)
			f.exhaust(p)
			return
		}

		p.Attempt++
		p.state = stateSending
		attempt := p.Attempt
		idx := p.Upstream
		p.timer = time.AfterFunc(f.timeout, func() { f.expire(p, attempt) })
		f.mu.Unlock()

		err := f.transport.SendUpstream(p.Key.Family, f.upstreams[idx], p.Packet)
		if err == nil {
			f.mu.Lock()
			if p.Attempt == attempt && p.state == stateSending {
				p.state = stateWaiting
			}
			f.mu.Unlock()
			return
		}

		f.logger.Warn("Upstream query failed",
			"upstream", f.names[idx],
			"domain", p.Name(),
			"error", err,
		)
		f.reportIssue(f.names[idx], "send error: "+err.Error())

		f.mu.Lock()
		// A timer that already fired owns the advance to the next upstream
		if cur, ok := f.table.Get(p.Key); !ok || cur != p || p.Attempt != attempt || !p.timer.Stop() {
			f.mu.Unlock()
			return
		}
		p.Upstream++
		f.mu.Unlock()
	}
}

// expire handles the timer armed for attempt.
func (f *Forwarder) expire(p *PendingQuery, attempt int) {
	f.mu.Lock()
	if cur, ok := f.table.Get(p.Key); !ok || cur != p || p.Attempt != attempt {
		f.mu.Unlock()
		return
	}
	idx := p.Upstream
	p.Upstream++
	f.mu.Unlock()

	f.logger.Warn("Upstream timeout",
		"upstream", f.names[idx],
		"domain", p.Name(),
		"timeout", f.timeout,
	)
	f.reportIssue(f.names[idx], "timeout")
	f.dispatch(p)
}

// HandleReply correlates an upstream reply received on the outbound socket of
// family. Replies that do not decode, do not match a pending query, or come
// from an upstream not yet tried for that query are dropped.
func (f *Forwarder) HandleReply(family Family, src netip.AddrPort, packet []byte) {
	msg := new(dns.Msg)
	if err := msg.Unpack(packet); err != nil || !msg.Response {
		f.logger.Debug("Dropping undecodable upstream reply", "src", src.String(), "error", err)
		if f.metrics != nil {
			f.metrics.DecodeDrops.Add(context.Background(), 1)
		}
		return
	}

	key := Key{Family: family, ID: msg.Id}

	f.mu.Lock()
	p, ok := f.table.Get(key)
	idx := -1
	if ok {
		idx = f.triedIndex(p, src)
	}
	if idx < 0 {
		f.mu.Unlock()
		f.logger.Debug("Discarding stale upstream reply",
			"src", src.String(),
			"id", msg.Id,
			"family", family.String(),
		)
		if f.metrics != nil {
			f.metrics.StaleReplies.Add(context.Background(), 1)
		}
		return
	}
	f.table.Remove(key)
	p.state = stateDone
	if p.timer != nil {
		p.timer.Stop()
	}
	f.mu.Unlock()
	f.addPending(-1)

	reply := append([]byte(nil), packet...)
	binary.BigEndian.PutUint16(reply, p.ClientID)

	upstream := f.names[idx]
	switch msg.Rcode {
	case dns.RcodeServerFailure, dns.RcodeRefused, dns.RcodeFormatError, dns.RcodeNotImplemented:
		f.reportIssue(upstream, "rcode: "+dns.RcodeToString[msg.Rcode])
	default:
		if f.health != nil {
			f.health.ReportHealthy(upstream)
		}
	}

	f.completer.Complete(Outcome{
		Query:    p,
		Reply:    reply,
		Upstream: upstream,
		Rcode:    msg.Rcode,
		Answers:  len(msg.Answer),
		Duration: f.now().Sub(p.Start),
	})
}

// triedIndex returns the index of src among the upstreams tried for p so far,
// or -1. Must be called with f.mu held.
func (f *Forwarder) triedIndex(p *PendingQuery, src netip.AddrPort) int {
	src = netip.AddrPortFrom(src.Addr().Unmap(), src.Port())
	last := min(p.Upstream, len(f.upstreams)-1)
	for i := 0; i <= last; i++ {
		up := f.upstreams[i]
		if up.Addr().Unmap() == src.Addr() && up.Port() == src.Port() {
			return i
		}
	}
	return -1
}

func (f *Forwarder) exhaust(p *PendingQuery) {
	f.logger.Warn("All upstreams failed",
		"domain", p.Name(),
		"client", p.Client.String(),
		"attempts", p.Attempt,
	)
	f.completer.Complete(Outcome{
		Query:    p,
		Rcode:    dns.RcodeServerFailure,
		Duration: f.now().Sub(p.Start),
	})
}

func (f *Forwarder) reportIssue(upstream, reason string) {
	if f.metrics != nil {
		f.metrics.UpstreamIssues.Add(context.Background(), 1)
	}
	if f.health != nil {
		f.health.ReportIssue(upstream, reason)
	}
}

func (f *Forwarder) addPending(delta int64) {
	if f.metrics != nil {
		f.metrics.PendingQueries.Add(context.Background(), delta)
	}
}
