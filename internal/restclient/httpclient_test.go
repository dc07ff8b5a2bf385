package restclient

import (
	"net/http"
	"testing"
	"time"
)

func TestDefaultHTTPClientConfig_MatchesTunedDefaults(t *testing.T) {
	cfg := DefaultHTTPClientConfig()
	if cfg.ConnectTimeout != 5*time.Second {
		t.Errorf("ConnectTimeout = %v, want 5s", cfg.ConnectTimeout)
	}
	if cfg.TotalTimeout != 30*time.Second {
		t.Errorf("TotalTimeout = %v, want 30s", cfg.TotalTimeout)
	}
	if cfg.MaxIdleConnsPerHost != 10 {
		t.Errorf("MaxIdleConnsPerHost = %d, want 10", cfg.MaxIdleConnsPerHost)
	}
}

func TestNewHTTPClient_SetsOverallTimeout(t *testing.T) {
	cfg := DefaultHTTPClientConfig()
	cfg.TotalTimeout = 7 * time.Second
	client := NewHTTPClient(cfg)
	if client.Timeout != 7*time.Second {
		t.Fatalf("client.Timeout = %v, want 7s", client.Timeout)
	}
	transport, ok := client.Transport.(*http.Transport)
	if !ok {
		t.Fatal("expected *http.Transport")
	}
	if transport.MaxConnsPerHost != cfg.MaxConnsPerHost {
		t.Errorf("MaxConnsPerHost = %d, want %d", transport.MaxConnsPerHost, cfg.MaxConnsPerHost)
	}
	if !transport.ForceAttemptHTTP2 {
		t.Error("expected ForceAttemptHTTP2 to be true")
	}
}

func TestGlobalHTTPClient_ReturnsSameInstanceEveryCall(t *testing.T) {
	a := GlobalHTTPClient()
	b := GlobalHTTPClient()
	if a != b {
		t.Fatal("expected GlobalHTTPClient to return the same singleton instance")
	}
}

func TestCloseIdleConnections_DoesNotPanic(t *testing.T) {
	CloseIdleConnections()
}
