package gateio

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"net/url"
	"testing"
)

func TestSigner_HeadersCarryKeySignAndTimestamp(t *testing.T) {
	s := Signer{APIKey: "key123", APISecret: "secret456"}
	params := url.Values{"contract": {"BTC_USDT"}}

	extra, headers, err := s.Sign("GET", "/api/v4/futures/usdt/orders", params, nil)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if len(extra) != 0 {
		t.Fatalf("expected no extra query params, got %v", extra)
	}
	if headers.Get("KEY") != "key123" {
		t.Fatalf("KEY header = %q, want key123", headers.Get("KEY"))
	}
	if headers.Get("SIGN") == "" {
		t.Fatal("expected a non-empty SIGN header")
	}
	if headers.Get("Timestamp") == "" {
		t.Fatal("expected a non-empty Timestamp header")
	}
}

func TestSigner_SignatureMatchesHMACSHA512OverCanonicalString(t *testing.T) {
	s := Signer{APIKey: "k", APISecret: "s"}
	_, headers, err := s.Sign("POST", "/api/v4/futures/usdt/orders", url.Values{}, []byte(`{"contract":"BTC_USDT"}`))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	ts := headers.Get("Timestamp")
	bodyHash := sha512.Sum512([]byte(`{"contract":"BTC_USDT"}`))
	bodyHashHex := hex.EncodeToString(bodyHash[:])
	signStr := "POST" + "\n" + "/api/v4/futures/usdt/orders" + "\n" + "" + "\n" + bodyHashHex + "\n" + ts

	mac := hmac.New(sha512.New, []byte(s.APISecret))
	mac.Write([]byte(signStr))
	want := hex.EncodeToString(mac.Sum(nil))

	if headers.Get("SIGN") != want {
		t.Fatalf("SIGN = %q, want %q", headers.Get("SIGN"), want)
	}
}

func TestWSAuthSignature_DeterministicForSameInputs(t *testing.T) {
	a := WSAuthSignature("secret", "futures.order_place", 1700000000)
	b := WSAuthSignature("secret", "futures.order_place", 1700000000)
	if a != b {
		t.Fatal("WSAuthSignature must be deterministic for identical inputs")
	}

	c := WSAuthSignature("secret", "futures.order_place", 1700000001)
	if a == c {
		t.Fatal("a different timestamp must change the signature")
	}
}

func TestWSAuthSignature_MatchesExpectedCanonicalForm(t *testing.T) {
	secret := "s3cr3t"
	channel := "futures.orders"
	var ts int64 = 1700000123

	payload := "api\n" + channel + "\n\n" + "1700000123"
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(payload))
	want := hex.EncodeToString(mac.Sum(nil))

	if got := WSAuthSignature(secret, channel, ts); got != want {
		t.Fatalf("WSAuthSignature = %q, want %q", got, want)
	}
}
