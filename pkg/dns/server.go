package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"dnsgate/pkg/blocklist"
	"dnsgate/pkg/config"
	"dnsgate/pkg/forwarder"
	"dnsgate/pkg/logging"
	"dnsgate/pkg/storage"
	"dnsgate/pkg/telemetry"

	"github.com/miekg/dns"
)

// maxPacketSize bounds a single UDP datagram read
const maxPacketSize = 65535

// Classifier decides whether a query name is blocked
type Classifier interface {
	Classify(name string) blocklist.Verdict
}

// Options holds the collaborators of a Server
type Options struct {
	Classifier Classifier
	Sink       LogSink
	Health     forwarder.HealthReporter
	Metrics    *telemetry.Metrics
	Logger     *logging.Logger
}

// Server owns the inbound client sockets and the per-family outbound sockets
// toward upstream resolvers.
type Server struct {
	cfg        *config.Config
	classifier Classifier
	sink       LogSink
	forwarder  *forwarder.Forwarder
	metrics    *telemetry.Metrics
	logger     *logging.Logger
	inbound    [2]*net.UDPConn
	outbound   [2]*net.UDPConn
	policy     string
	wg         sync.WaitGroup
	mu         sync.RWMutex
	running    bool
}

// NewServer creates a DNS server and its forwarder. Sockets are opened by
// Listen or Start.
func NewServer(cfg *config.Config, opts Options) (*Server, error) {
	if opts.Classifier == nil {
		return nil, errors.New("dns server requires a classifier")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewDefault()
	}
	sink := opts.Sink
	if sink == nil {
		sink = discardSink{}
	}

	s := &Server{
		cfg:        cfg,
		classifier: opts.Classifier,
		sink:       sink,
		metrics:    opts.Metrics,
		logger:     logger,
		policy:     config.NormalizeBlockPolicy(cfg.BlockPolicy),
	}

	fwd, err := forwarder.NewForwarder(forwarder.Options{
		Transport: s,
		Completer: s,
		Health:    opts.Health,
		Metrics:   opts.Metrics,
		Logger:    logger.Component("forwarder"),
		Upstreams: cfg.UpstreamDNSServers,
		Timeout:   cfg.UpstreamTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create forwarder: %w", err)
	}
	s.forwarder = fwd

	return s, nil
}

// Forwarder returns the failover controller
func (s *Server) Forwarder() *forwarder.Forwarder {
	return s.forwarder
}

// Listen opens the inbound and outbound sockets.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("server already running")
	}

	port := strconv.Itoa(s.cfg.Server.DNSPort)
	network := s.cfg.Server.UpstreamNetwork
	if network == "" {
		network = "udp"
	}

	families := []struct {
		family  forwarder.Family
		network string
		addr    string
		enabled bool
	}{
		{forwarder.FamilyV4, "udp4", net.JoinHostPort(s.cfg.Server.ListenIPv4, port), true},
		{forwarder.FamilyV6, "udp6", net.JoinHostPort(s.cfg.Server.ListenIPv6, port), s.cfg.Server.IPv6()},
	}

	for _, f := range families {
		if !f.enabled {
			continue
		}
		in, out, err := listenFamily(f.network, f.addr, network)
		if err != nil {
			// IPv6 is best effort; the IPv4 listener is required
			if f.family == forwarder.FamilyV6 {
				s.logger.Warn("IPv6 listener unavailable, serving IPv4 only",
					"address", f.addr,
					"error", err,
				)
				continue
			}
			_ = s.closeSockets()
			return err
		}
		s.inbound[f.family] = in
		s.outbound[f.family] = out

		s.logger.Info("DNS listener ready",
			"family", f.family.String(),
			"address", in.LocalAddr().String(),
			"outbound", out.LocalAddr().String(),
		)
	}

	s.running = true
	return nil
}

// listenFamily opens the inbound socket on addr and an outbound socket on
// outNetwork. Nothing is left open on error.
func listenFamily(network, addr, outNetwork string) (in, out *net.UDPConn, err error) {
	in, err = listenUDP(network, addr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen on %s %s: %w", network, addr, err)
	}
	out, err = listenUDP(outNetwork, "")
	if err != nil {
		_ = in.Close()
		return nil, nil, fmt.Errorf("failed to open %s outbound socket: %w", outNetwork, err)
	}
	return in, out, nil
}

func listenUDP(network, addr string) (*net.UDPConn, error) {
	laddr, err := net.ResolveUDPAddr(network, addr)
	if err != nil {
		return nil, err
	}
	return net.ListenUDP(network, laddr)
}

// Serve runs the read loops until ctx is cancelled, then closes the sockets.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.RLock()
	if !s.running {
		s.mu.RUnlock()
		return errors.New("server not listening")
	}
	for fam := range s.inbound {
		family := forwarder.Family(fam)
		if in := s.inbound[family]; in != nil {
			s.wg.Add(1)
			go s.readLoop(ctx, in, func(src netip.AddrPort, b []byte) { s.handleQuery(family, src, b) })
		}
		if out := s.outbound[family]; out != nil {
			s.wg.Add(1)
			go s.readLoop(ctx, out, func(src netip.AddrPort, b []byte) { s.forwarder.HandleReply(family, src, b) })
		}
	}
	ipv6 := s.inbound[forwarder.FamilyV6] != nil
	s.mu.RUnlock()

	s.logger.Info("DNS server started",
		"port", s.cfg.Server.DNSPort,
		"ipv6", ipv6,
		"block_policy", s.policy,
		"upstreams", s.forwarder.Upstreams(),
	)

	<-ctx.Done()
	s.logger.Info("DNS server shutting down")
	return s.Shutdown()
}

// Start listens and serves until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Shutdown closes every socket and waits for the read loops to exit.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	err := s.closeSockets()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("shutdown errors: %w", err)
	}
	s.logger.Info("DNS server shut down successfully")
	return nil
}

// closeSockets must be called with s.mu held.
func (s *Server) closeSockets() error {
	var errs []error
	for _, set := range []*[2]*net.UDPConn{&s.inbound, &s.outbound} {
		for i, conn := range set {
			if conn == nil {
				continue
			}
			if err := conn.Close(); err != nil {
				errs = append(errs, err)
			}
			set[i] = nil
		}
	}
	return errors.Join(errs...)
}

// IsRunning returns whether the sockets are open
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Addr returns the local address of the inbound socket of family, or nil.
func (s *Server) Addr(family forwarder.Family) net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if conn := s.inbound[family]; conn != nil {
		return conn.LocalAddr()
	}
	return nil
}

func (s *Server) readLoop(ctx context.Context, conn *net.UDPConn, handle func(netip.AddrPort, []byte)) {
	defer s.wg.Done()
	buf := make([]byte, maxPacketSize)

	for {
		n, src, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Debug("UDP read failed", "local", conn.LocalAddr().String(), "error", err)
			continue
		}
		handle(src, append([]byte(nil), buf[:n]...))
	}
}

// handleQuery classifies a client packet and either answers it locally or
// hands it to the forwarder.
func (s *Server) handleQuery(family forwarder.Family, client netip.AddrPort, packet []byte) {
	start := time.Now()
	ctx := context.Background()

	req, err := decodeQuery(packet)
	if err != nil {
		s.logger.Debug("Dropping undecodable query", "client", client.String(), "error", err)
		s.recordDecodeDrop(ctx, family)
		return
	}

	q := req.Question[0]
	name := qname(q.Name)
	qtype := dns.TypeToString[q.Qtype]
	s.recordQuery(ctx, family, qtype)

	verdict := s.classifier.Classify(name)
	if verdict.Blocked {
		resp := blockedResponse(req, s.policy)
		s.writeMsg(family, client, resp)

		duration := time.Since(start)
		s.recordBlockedQuery(ctx, string(verdict.Source), qtype)
		s.recordDuration(ctx, duration, "blocked")
		s.logger.Debug("Blocked query",
			"domain", name,
			"type", qtype,
			"client", client.Addr().String(),
			"source", verdict.Source,
		)
		s.sink.Emit(&storage.QueryLog{
			Timestamp:    start,
			ClientIP:     client.Addr().Unmap().String(),
			Domain:       name,
			QueryType:    qtype,
			ResponseCode: dns.RcodeToString[resp.Rcode],
			Answers:      len(resp.Answer),
			Blocked:      true,
			BlockSource:  string(verdict.Source),
			DurationMs:   durationMs(duration),
		})
		return
	}

	if err := s.forwarder.Forward(family, client, packet, q); err != nil {
		s.logger.Error("Failed to forward query", "client", client.String(), "domain", name, "error", err)
	}
}

// Complete implements forwarder.Completer: it relays the outcome to the
// client and emits the query record.
func (s *Server) Complete(o forwarder.Outcome) {
	ctx := context.Background()
	p := o.Query

	if o.Exhausted() {
		s.writeMsg(p.Key.Family, p.Client, servfailResponse(p.ClientID, p.Question))
	} else {
		s.writeTo(p.Key.Family, p.Client, o.Reply)
	}

	s.recordOutcome(ctx, o.Upstream, o.Exhausted())
	s.recordDuration(ctx, o.Duration, "forwarded")

	s.sink.Emit(&storage.QueryLog{
		Timestamp:    p.Start,
		ClientIP:     p.Client.Addr().Unmap().String(),
		Domain:       p.Name(),
		QueryType:    dns.TypeToString[p.Question.Qtype],
		ResponseCode: dns.RcodeToString[o.Rcode],
		Answers:      o.Answers,
		Upstream:     o.Upstream,
		DurationMs:   durationMs(o.Duration),
	})
}

// SendUpstream implements forwarder.Transport
func (s *Server) SendUpstream(family forwarder.Family, upstream netip.AddrPort, packet []byte) error {
	s.mu.RLock()
	conn := s.outbound[family]
	s.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("no outbound socket for %s", family)
	}
	_, err := conn.WriteToUDPAddrPort(packet, upstream)
	return err
}

func (s *Server) writeMsg(family forwarder.Family, client netip.AddrPort, msg *dns.Msg) {
	b, err := msg.Pack()
	if err != nil {
		s.logger.Error("Failed to pack response", "client", client.String(), "error", err)
		return
	}
	s.writeTo(family, client, b)
}

// writeTo relays b to the client. A failed write is only logged; the client
// will retry on its own.
func (s *Server) writeTo(family forwarder.Family, client netip.AddrPort, b []byte) {
	s.mu.RLock()
	conn := s.inbound[family]
	s.mu.RUnlock()
	if conn == nil {
		return
	}
	if _, err := conn.WriteToUDPAddrPort(b, client); err != nil {
		s.logger.Debug("Failed to write response", "client", client.String(), "error", err)
	}
}

func durationMs(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

type discardSink struct{}

func (discardSink) Emit(*storage.QueryLog) {}
