// Package mexc implements the spot venue: PublicExchange and
// PrivateExchange over MEXC's REST + WebSocket API. The private stream
// uses the listen-key regime: a REST-issued token with a periodic
// keep-alive.
package mexc

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"arbitrage/internal/restclient"
)

// Signer implements restclient.Signer using MEXC's HMAC-SHA256-over-
// sorted-query-string scheme with timestamp + recvWindow.
type Signer struct {
	APIKey     string
	APISecret  string
	RecvWindow time.Duration
}

func (s Signer) Sign(method, path string, params url.Values, body []byte) (url.Values, http.Header, error) {
	recvWindow := s.RecvWindow
	if recvWindow <= 0 {
		recvWindow = 5 * time.Second
	}

	extra := url.Values{}
	extra.Set("timestamp", restclient.Timestamp(time.Now()))
	extra.Set("recvWindow", strconv.FormatInt(recvWindow.Milliseconds(), 10))

	merged := url.Values{}
	for k, vs := range params {
		merged[k] = append(merged[k], vs...)
	}
	for k, vs := range extra {
		merged[k] = append(merged[k], vs...)
	}

	mac := hmac.New(sha256.New, []byte(s.APISecret))
	mac.Write([]byte(restclient.SortedQueryString(merged)))
	signature := hex.EncodeToString(mac.Sum(nil))
	extra.Set("signature", signature)

	headers := http.Header{}
	headers.Set("X-MEXC-APIKEY", s.APIKey)
	return extra, headers, nil
}
