package api

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dnsgate/pkg/blocklist"
	"dnsgate/pkg/config"
	"dnsgate/pkg/dns"
	"dnsgate/pkg/forwarder"
	"dnsgate/pkg/logging"
	"dnsgate/pkg/storage"

	mdns "github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startUpstream runs a resolver on loopback that answers every A query with 192.0.2.1
func startUpstream(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	srv := &mdns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: mdns.HandlerFunc(func(w mdns.ResponseWriter, req *mdns.Msg) {
			resp := new(mdns.Msg)
			resp.SetReply(req)
			resp.Answer = append(resp.Answer, &mdns.A{
				Hdr: mdns.RR_Header{Name: req.Question[0].Name, Rrtype: mdns.TypeA, Class: mdns.ClassINET, Ttl: 300},
				A:   net.ParseIP("192.0.2.1").To4(),
			})
			_ = w.WriteMsg(resp)
		}),
	}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })

	return pc.LocalAddr().String()
}

func TestIntegration_DNSWithStorageAndAPI(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewWithWriter(io.Discard, &config.LoggingConfig{Level: "error"})

	storeCfg := storage.DefaultConfig()
	storeCfg.Path = filepath.Join(t.TempDir(), "dnsgate.db")
	storeCfg.FlushInterval = 50 * time.Millisecond
	db, err := storage.New(&storeCfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := blocklist.NewStore(logger, db, nil)
	queryLogger := dns.NewQueryLogger(db, logger, nil, 128, 2)
	t.Cleanup(func() { _ = queryLogger.Close() })

	ipv6 := false
	cfg := &config.Config{
		Server: config.ServerConfig{
			ListenIPv4:      "127.0.0.1",
			IPv6Enabled:     &ipv6,
			UpstreamNetwork: "udp4",
		},
		UpstreamDNSServers: []string{startUpstream(t)},
		UpstreamTimeout:    500 * time.Millisecond,
		BlockPolicy:        config.BlockPolicyRefuse,
	}
	health := forwarder.NewUpstreamHealth(cfg.UpstreamDNSServers, nil)

	server, err := dns.NewServer(cfg, dns.Options{
		Classifier: store,
		Sink:       queryLogger,
		Health:     health,
		Logger:     logger,
	})
	require.NoError(t, err)
	require.NoError(t, server.Listen())

	serveCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- server.Serve(serveCtx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	api := httptest.NewServer(New(&Config{
		Storage: db,
		Store:   store,
		Health:  health,
		Pending: server.Forwarder(),
		Stream:  queryLogger,
		Logger:  logger,
	}).Handler())
	t.Cleanup(api.Close)

	// Block a domain through the API
	resp, err := http.Post(api.URL+"/api/blacklist", "application/json", strings.NewReader(`{"domain":"ads.example.com"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	client := &mdns.Client{Net: "udp", Timeout: 2 * time.Second}
	addr := server.Addr(forwarder.FamilyV4).String()

	msg := new(mdns.Msg)
	msg.SetQuestion("pixel.ads.example.com.", mdns.TypeA)
	blocked, _, err := client.Exchange(msg, addr)
	require.NoError(t, err)
	assert.Equal(t, mdns.RcodeNameError, blocked.Rcode)

	msg = new(mdns.Msg)
	msg.SetQuestion("www.example.org.", mdns.TypeA)
	forwarded, _, err := client.Exchange(msg, addr)
	require.NoError(t, err)
	assert.Equal(t, mdns.RcodeSuccess, forwarded.Rcode)
	require.Len(t, forwarded.Answer, 1)

	// Both queries reach the database
	require.Eventually(t, func() bool {
		rows, err := db.GetQueries(ctx, storage.QueryFilter{}, 10, 0)
		return err == nil && len(rows) == 2
	}, 5*time.Second, 50*time.Millisecond)

	rows, err := db.GetQueries(ctx, storage.QueryFilter{Search: "ads"}, 10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Blocked)
	assert.Equal(t, "manual", rows[0].BlockSource)
	assert.Equal(t, "NXDOMAIN", rows[0].ResponseCode)

	// The manual entry survives a reload from storage
	block, _, err := db.LoadDomains(ctx)
	require.NoError(t, err)
	reloaded := blocklist.NewStore(logger, nil, nil)
	reloaded.Load(ctx, block, nil)
	assert.True(t, reloaded.Classify("pixel.ads.example.com").Blocked)

	// Upstream health reflects the forwarded reply
	snapshot := health.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, int64(1), snapshot[0].Successes)
}
