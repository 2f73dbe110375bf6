package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"
)

func TestHeadersAtDeterministic(t *testing.T) {
	secret := base64.StdEncoding.EncodeToString([]byte("super-secret"))
	auth := &HMACAuth{Key: "key-123", Secret: secret}

	headers := auth.HeadersAt("POST", "/settle", `{"amount":"1"}`, 1700000000)

	if headers["X-FAC-API-KEY"] != "key-123" {
		t.Errorf("api key header = %q", headers["X-FAC-API-KEY"])
	}
	if headers["X-FAC-TIMESTAMP"] != "1700000000" {
		t.Errorf("timestamp header = %q", headers["X-FAC-TIMESTAMP"])
	}

	mac := hmac.New(sha256.New, []byte("super-secret"))
	mac.Write([]byte("1700000000" + "POST" + "/settle" + `{"amount":"1"}`))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if headers["X-FAC-SIGNATURE"] != want {
		t.Errorf("signature = %q, want %q", headers["X-FAC-SIGNATURE"], want)
	}
}

func TestHeadersAtSignatureVariesByPath(t *testing.T) {
	secret := base64.StdEncoding.EncodeToString([]byte("super-secret"))
	auth := &HMACAuth{Key: "key-123", Secret: secret}

	a := auth.HeadersAt("POST", "/settle", "", 1700000000)
	b := auth.HeadersAt("POST", "/verify", "", 1700000000)
	if a["X-FAC-SIGNATURE"] == b["X-FAC-SIGNATURE"] {
		t.Error("different paths share a signature")
	}
}

func TestHeadersAtRawSecretFallback(t *testing.T) {
	// A non-base64 secret must still sign rather than panic.
	auth := &HMACAuth{Key: "key-123", Secret: "!!not base64!!"}
	headers := auth.HeadersAt("GET", "/health", "", 1700000000)
	if headers["X-FAC-SIGNATURE"] == "" {
		t.Error("empty signature for raw secret")
	}
}

func TestStringRedacts(t *testing.T) {
	auth := &HMACAuth{Key: "key-1234567", Secret: "secret-1234567"}
	s := auth.String()
	if strings.Contains(s, "1234567") {
		t.Errorf("String() leaks credentials: %s", s)
	}
	if !strings.Contains(s, "****") {
		t.Errorf("String() not redacted: %s", s)
	}
}
