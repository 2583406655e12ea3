// Package alert delivers upstream health notifications to a Discord-compatible
// webhook.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"dnsgate/pkg/config"
	"dnsgate/pkg/logging"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"golang.org/x/time/rate"
)

const deliveryTimeout = 10 * time.Second

// Issue is the environment alert conditions are evaluated against.
type Issue struct {
	Upstream string
	Reason   string
	Failures int64
}

type upstreamState struct {
	limiter  *rate.Limiter
	failures int64
}

// Notifier counts upstream failures and posts alerts. Delivery is async and
// its errors are only logged.
type Notifier struct {
	client    *http.Client
	logger    *logging.Logger
	program   *vm.Program
	upstreams map[string]*upstreamState
	webhook   string
	cooldown  time.Duration
	wg        sync.WaitGroup
	mu        sync.Mutex
}

// New creates a notifier. An empty webhook keeps the failure counters but
// delivers nothing.
func New(cfg config.AlertsConfig, client *http.Client, logger *logging.Logger) (*Notifier, error) {
	if client == nil {
		client = &http.Client{Timeout: deliveryTimeout}
	}
	if logger == nil {
		logger = logging.NewDefault()
	}
	n := &Notifier{
		client:    client,
		logger:    logger,
		upstreams: make(map[string]*upstreamState),
	}
	if err := n.UpdateConfig(cfg); err != nil {
		return nil, err
	}
	return n, nil
}

// CompileCondition compiles an alert condition. An empty condition yields nil.
func CompileCondition(condition string) (*vm.Program, error) {
	if condition == "" {
		return nil, nil
	}
	program, err := expr.Compile(condition, expr.Env(Issue{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("invalid alert condition: %w", err)
	}
	return program, nil
}

// UpdateConfig applies a new webhook, cooldown and condition. A changed
// cooldown resets every upstream's limiter.
func (n *Notifier) UpdateConfig(cfg config.AlertsConfig) error {
	program, err := CompileCondition(cfg.Condition)
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if cfg.Cooldown != n.cooldown {
		for _, st := range n.upstreams {
			st.limiter = newLimiter(cfg.Cooldown)
		}
	}
	n.webhook = cfg.DiscordWebhook
	n.cooldown = cfg.Cooldown
	n.program = program
	return nil
}

func newLimiter(cooldown time.Duration) *rate.Limiter {
	if cooldown <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(cooldown), 1)
}

func (n *Notifier) state(upstream string) *upstreamState {
	st, ok := n.upstreams[upstream]
	if !ok {
		st = &upstreamState{limiter: newLimiter(n.cooldown)}
		n.upstreams[upstream] = st
	}
	return st
}

// ReportIssue records a failure and alerts when the condition holds and the
// upstream's cooldown has elapsed.
func (n *Notifier) ReportIssue(upstream, reason string) {
	n.mu.Lock()
	st := n.state(upstream)
	st.failures++
	issue := Issue{Upstream: upstream, Reason: reason, Failures: st.failures}
	program := n.program
	n.mu.Unlock()

	if !n.matches(program, issue) {
		return
	}

	n.mu.Lock()
	allowed := st.limiter.Allow()
	n.mu.Unlock()
	if !allowed {
		return
	}

	n.deliver(fmt.Sprintf("DNS upstream issue on **%s**: %s (failures: %d)", upstream, reason, issue.Failures))
}

// ReportHealthy resets the failure counter and announces the recovery of an
// upstream that had failed.
func (n *Notifier) ReportHealthy(upstream string) {
	n.mu.Lock()
	st := n.state(upstream)
	recovered := st.failures > 0
	st.failures = 0
	n.mu.Unlock()

	if recovered {
		n.deliver(fmt.Sprintf("DNS upstream recovered: **%s**", upstream))
	}
}

// Failures returns the current failure count of upstream
func (n *Notifier) Failures(upstream string) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if st, ok := n.upstreams[upstream]; ok {
		return st.failures
	}
	return 0
}

func (n *Notifier) matches(program *vm.Program, issue Issue) bool {
	if program == nil {
		return true
	}
	out, err := expr.Run(program, issue)
	if err != nil {
		n.logger.Warn("Alert condition failed, delivering anyway", "upstream", issue.Upstream, "error", err)
		return true
	}
	ok, _ := out.(bool)
	return ok
}

func (n *Notifier) deliver(content string) {
	n.mu.Lock()
	webhook := n.webhook
	n.mu.Unlock()
	if webhook == "" {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		defer cancel()
		if err := n.post(ctx, webhook, content); err != nil {
			n.logger.Warn("Alert delivery failed", "error", err)
		}
	}()
}

func (n *Notifier) post(ctx context.Context, webhook, content string) error {
	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Wait blocks until in-flight deliveries finish
func (n *Notifier) Wait() {
	n.wg.Wait()
}
