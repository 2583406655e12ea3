package blocklist

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"dnsgate/pkg/logging"
)

func serveFeed(t *testing.T, body string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestNewDownloader(t *testing.T) {
	d := NewDownloader(logging.NewDefault(), nil)

	if d.client == nil {
		t.Fatal("Expected HTTP client to be set")
	}
	if d.client.Timeout != DefaultFetchTimeout {
		t.Errorf("Expected timeout %v, got %v", DefaultFetchTimeout, d.client.Timeout)
	}
}

func TestDownload_HostsFormat(t *testing.T) {
	server := serveFeed(t, `# Comment line
0.0.0.0 ads.example.com
0.0.0.0 tracker.example.com
127.0.0.1 localhost
0.0.0.0 malware.example.com
`)

	domains, err := NewDownloader(logging.NewDefault(), nil).Download(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	want := []string{"ads.example.com", "tracker.example.com", "malware.example.com"}
	if strings.Join(domains, ",") != strings.Join(want, ",") {
		t.Errorf("Expected %v, got %v", want, domains)
	}
}

func TestDownload_AdGuardFormat(t *testing.T) {
	server := serveFeed(t, `! Title: test filter
||ads.example.com^
||tracker.example.com^$important
||cdn.example.org/path^
@@||allowed.example.com^
`)

	domains, err := NewDownloader(logging.NewDefault(), nil).Download(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	want := []string{"ads.example.com", "tracker.example.com", "cdn.example.org"}
	if strings.Join(domains, ",") != strings.Join(want, ",") {
		t.Errorf("Expected %v, got %v", want, domains)
	}
}

func TestDownload_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := NewDownloader(logging.NewDefault(), nil).Download(context.Background(), server.URL)
	if err == nil {
		t.Fatal("Expected error for 404 response")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("Expected status code in error, got %v", err)
	}
}

func TestDownload_InvalidURL(t *testing.T) {
	_, err := NewDownloader(logging.NewDefault(), nil).Download(context.Background(), "://bad")
	if err == nil {
		t.Error("Expected error for invalid URL")
	}
}

func TestDownload_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewDownloader(logging.NewDefault(), nil).Download(ctx, server.URL)
	if err == nil {
		t.Error("Expected error for cancelled context")
	}
}

func TestParseFeed_MixedFormats(t *testing.T) {
	input := `# hosts section
0.0.0.0 ads.example.com
127.0.0.1 Tracker.Example.com
! adguard section
||ads.example.com^
||metrics.example.net^$third-party
plain.example.org
plain.example.org.
singlelabel
0.0.0.0 localhost.localdomain
192.168.1.1 router.lan
https://not-a-domain.example.com/path
`
	domains, err := ParseFeed(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseFeed failed: %v", err)
	}

	sort.Strings(domains)
	want := []string{"ads.example.com", "metrics.example.net", "plain.example.org", "tracker.example.com"}
	if strings.Join(domains, ",") != strings.Join(want, ",") {
		t.Errorf("Expected %v, got %v", want, domains)
	}
}

func TestExtractDomain_VariousFormats(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{"0.0.0.0 ads.com", "ads.com"},
		{"127.0.0.1\tads.com # trailing", "ads.com"},
		{"||ads.com^", "ads.com"},
		{"||ads.com$script", "ads.com"},
		{"ads.com", "ads.com"},
		{"  # comment", ""},
		{"! comment", ""},
		{"", ""},
		{"10.0.0.1 internal.host", ""},
	}

	for _, tt := range tests {
		if got := extractDomain(tt.line); got != tt.want {
			t.Errorf("extractDomain(%q) = %q, want %q", tt.line, got, tt.want)
		}
	}
}
