package restclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"arbitrage/pkg/retry"
)

type fakeSigner struct {
	extra url.Values
	err   error
}

func (s fakeSigner) Sign(method, path string, params url.Values, body []byte) (url.Values, http.Header, error) {
	if s.err != nil {
		return nil, nil, s.err
	}
	h := http.Header{}
	h.Set("X-Fake-Signature", "ok")
	return s.extra, h, nil
}

func TestGet_UnsignedRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("symbol") != "BTCUSDT" {
			t.Errorf("query symbol = %q, want BTCUSDT", r.URL.Query().Get("symbol"))
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New("test", srv.URL, nil, nil)
	body, err := c.Get(context.Background(), "/api/v1/ticker", url.Values{"symbol": {"BTCUSDT"}}, false, EndpointConfig{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var out struct{ OK bool }
	if err := Decode(body, &out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !out.OK {
		t.Fatal("expected ok=true in response")
	}
}

func TestGet_SignedRequestCarriesSignerHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Fake-Signature") != "ok" {
			t.Error("expected the signer's header to be present on a signed request")
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New("test", srv.URL, fakeSigner{}, nil)
	if _, err := c.Get(context.Background(), "/api/v1/account", nil, true, EndpointConfig{}); err != nil {
		t.Fatalf("Get: %v", err)
	}
}

func TestGet_SignedWithNoSignerReturnsPermanentError(t *testing.T) {
	c := New("test", "http://example.invalid", nil, nil)
	_, err := c.Get(context.Background(), "/api/v1/account", nil, true, EndpointConfig{})
	if err == nil {
		t.Fatal("expected an error for a signed call with no configured signer")
	}
}

func TestDo_ServerErrorIsRetriedThenReturnsTemporary(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"boom"}`))
	}))
	defer srv.Close()

	c := New("test", srv.URL, nil, nil)
	cfg := EndpointConfig{RetryConfig: retry.Config{MaxRetries: 2, InitialDelay: 1}}
	_, err := c.Get(context.Background(), "/x", nil, false, cfg)
	if err == nil {
		t.Fatal("expected an error after exhausting retries against a 500")
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want exactly MaxRetries=2", attempts)
	}
}

func TestDo_ClientErrorIsNotRetried(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer srv.Close()

	c := New("test", srv.URL, nil, nil)
	cfg := EndpointConfig{RetryConfig: retry.Config{MaxRetries: 5, InitialDelay: 1}}
	_, err := c.Get(context.Background(), "/x", nil, false, cfg)
	if err == nil {
		t.Fatal("expected a business error for a 400")
	}
	if !retry.IsBusiness(err) {
		t.Fatalf("err = %v, want a BusinessError for a 4xx response", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, a 4xx business error must not be retried", attempts)
	}
}

func TestSortedQueryString_OrdersByKey(t *testing.T) {
	params := url.Values{"b": {"2"}, "a": {"1"}}
	if got := SortedQueryString(params); got != "a=1&b=2" {
		t.Fatalf("SortedQueryString = %q, want %q", got, "a=1&b=2")
	}
}
