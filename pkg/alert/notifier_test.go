package alert

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"dnsgate/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type webhook struct {
	server   *httptest.Server
	contents []string
	mu       sync.Mutex
}

func newWebhook(t *testing.T, status int) *webhook {
	t.Helper()
	w := &webhook{}
	w.server = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body struct {
			Content string `json:"content"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.mu.Lock()
		w.contents = append(w.contents, body.Content)
		w.mu.Unlock()
		rw.WriteHeader(status)
	}))
	t.Cleanup(w.server.Close)
	return w
}

func (w *webhook) messages() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.contents...)
}

func newNotifier(t *testing.T, cfg config.AlertsConfig) *Notifier {
	t.Helper()
	n, err := New(cfg, nil, nil)
	require.NoError(t, err)
	return n
}

func TestNotifier_IssueAndRecovery(t *testing.T) {
	hook := newWebhook(t, http.StatusNoContent)
	n := newNotifier(t, config.AlertsConfig{DiscordWebhook: hook.server.URL, Cooldown: time.Hour})

	n.ReportIssue("1.1.1.1:53", "timeout")
	n.Wait()
	n.ReportIssue("1.1.1.1:53", "timeout")
	n.Wait()
	assert.Equal(t, int64(2), n.Failures("1.1.1.1:53"))

	n.ReportHealthy("1.1.1.1:53")
	n.Wait()
	assert.Zero(t, n.Failures("1.1.1.1:53"))

	// A second healthy report has nothing to announce
	n.ReportHealthy("1.1.1.1:53")
	n.Wait()

	assert.Equal(t, []string{
		"DNS upstream issue on **1.1.1.1:53**: timeout (failures: 1)",
		"DNS upstream recovered: **1.1.1.1:53**",
	}, hook.messages())
}

func TestNotifier_CooldownIsPerUpstream(t *testing.T) {
	hook := newWebhook(t, http.StatusOK)
	n := newNotifier(t, config.AlertsConfig{DiscordWebhook: hook.server.URL, Cooldown: time.Hour})

	n.ReportIssue("1.1.1.1:53", "timeout")
	n.ReportIssue("8.8.8.8:53", "send error: unreachable")
	n.ReportIssue("8.8.8.8:53", "timeout")
	n.Wait()

	assert.ElementsMatch(t, []string{
		"DNS upstream issue on **1.1.1.1:53**: timeout (failures: 1)",
		"DNS upstream issue on **8.8.8.8:53**: send error: unreachable (failures: 1)",
	}, hook.messages())
}

func TestNotifier_NoCooldown(t *testing.T) {
	hook := newWebhook(t, http.StatusOK)
	n := newNotifier(t, config.AlertsConfig{DiscordWebhook: hook.server.URL})

	for i := 0; i < 3; i++ {
		n.ReportIssue("1.1.1.1:53", "timeout")
	}
	n.Wait()
	assert.Len(t, hook.messages(), 3)
}

func TestNotifier_Condition(t *testing.T) {
	hook := newWebhook(t, http.StatusOK)
	n := newNotifier(t, config.AlertsConfig{
		DiscordWebhook: hook.server.URL,
		Condition:      `Failures >= 3 && Reason == "timeout"`,
	})

	n.ReportIssue("1.1.1.1:53", "timeout")
	n.ReportIssue("1.1.1.1:53", "rcode: SERVFAIL")
	n.ReportIssue("1.1.1.1:53", "timeout")
	n.Wait()

	assert.Equal(t, []string{"DNS upstream issue on **1.1.1.1:53**: timeout (failures: 3)"}, hook.messages())
}

func TestNotifier_InvalidCondition(t *testing.T) {
	_, err := New(config.AlertsConfig{Condition: "Failures >"}, nil, nil)
	assert.Error(t, err)

	_, err = New(config.AlertsConfig{Condition: `Upstream`}, nil, nil)
	assert.Error(t, err, "conditions must be boolean")
}

func TestNotifier_NoWebhookStillCounts(t *testing.T) {
	n := newNotifier(t, config.AlertsConfig{})
	n.ReportIssue("1.1.1.1:53", "timeout")
	n.Wait()
	assert.Equal(t, int64(1), n.Failures("1.1.1.1:53"))
}

func TestNotifier_DeliveryErrorIsSwallowed(t *testing.T) {
	hook := newWebhook(t, http.StatusInternalServerError)
	n := newNotifier(t, config.AlertsConfig{DiscordWebhook: hook.server.URL})

	n.ReportIssue("1.1.1.1:53", "timeout")
	n.Wait()
	assert.Len(t, hook.messages(), 1)
}

func TestNotifier_UpdateConfig(t *testing.T) {
	hook := newWebhook(t, http.StatusOK)
	n := newNotifier(t, config.AlertsConfig{Cooldown: time.Hour})

	n.ReportIssue("1.1.1.1:53", "timeout")
	n.Wait()
	assert.Empty(t, hook.messages())

	require.NoError(t, n.UpdateConfig(config.AlertsConfig{DiscordWebhook: hook.server.URL, Cooldown: time.Minute}))
	n.ReportIssue("1.1.1.1:53", "timeout")
	n.Wait()
	assert.Equal(t, []string{"DNS upstream issue on **1.1.1.1:53**: timeout (failures: 2)"}, hook.messages())

	assert.Error(t, n.UpdateConfig(config.AlertsConfig{Condition: "("}))
}
