package origin

import (
	"net/http/httptest"
	"testing"
)

func TestNormalizeHeader(t *testing.T) {
	cases := []struct {
		in       string
		wantOK   bool
		wantNorm string
		wantHost string
	}{
		{in: "HTTPS://Example.COM:443", wantOK: true, wantNorm: "https://example.com", wantHost: "example.com"},
		{in: "http://example.com:80/", wantOK: true, wantNorm: "http://example.com", wantHost: "example.com"},
		{in: "http://localhost:5173", wantOK: true, wantNorm: "http://localhost:5173", wantHost: "localhost:5173"},
		{in: "http://[::1]:8080", wantOK: true, wantNorm: "http://[::1]:8080", wantHost: "[::1]:8080"},
		{in: " null ", wantOK: true, wantNorm: "null", wantHost: ""},
		{in: ""},
		{in: "ftp://example.com"},
		{in: "https://example.com/app"},
		{in: "https://example.com?x=1"},
		{in: "https://user@example.com"},
		{in: "https://example.com:0"},
		{in: "https://example.com:65536"},
		{in: "https://example.com,https://evil.example.com"},
	}
	for _, tc := range cases {
		norm, host, ok := NormalizeHeader(tc.in)
		if ok != tc.wantOK {
			t.Fatalf("NormalizeHeader(%q) ok=%v, want %v", tc.in, ok, tc.wantOK)
		}
		if !ok {
			continue
		}
		if norm != tc.wantNorm || host != tc.wantHost {
			t.Fatalf("NormalizeHeader(%q)=(%q, %q), want (%q, %q)", tc.in, norm, host, tc.wantNorm, tc.wantHost)
		}
	}
}

func TestIsAllowed(t *testing.T) {
	norm, host, ok := NormalizeHeader("https://app.example.com")
	if !ok {
		t.Fatalf("NormalizeHeader ok=false")
	}

	if !IsAllowed(norm, host, "app.example.com", nil) {
		t.Fatalf("expected same host to be allowed")
	}
	if !IsAllowed(norm, host, "APP.example.com:443", nil) {
		t.Fatalf("expected default port to match")
	}
	if IsAllowed(norm, host, "app.example.com:8443", nil) {
		t.Fatalf("expected different port to be rejected")
	}
	if !IsAllowed(norm, host, "relay:1234", []string{"*"}) {
		t.Fatalf("expected * to allow any origin")
	}
	if !IsAllowed(norm, host, "relay", []string{"https://other.example.com", "https://app.example.com"}) {
		t.Fatalf("expected listed origin to be allowed")
	}
	if IsAllowed(norm, host, "app.example.com", []string{"https://other.example.com"}) {
		t.Fatalf("an allow list replaces the same-host default")
	}
	if IsAllowed("null", "", "app.example.com", nil) {
		t.Fatalf("null origin must not match a host")
	}
	if !IsAllowed("null", "", "app.example.com", []string{"null"}) {
		t.Fatalf("null origin allowed when listed")
	}
}

func TestPolicyCheck(t *testing.T) {
	p := Policy{}

	r := httptest.NewRequest("GET", "http://relay.local:3000/api/socket", nil)
	if _, ok := p.Check(r); !ok {
		t.Fatalf("request without Origin must be allowed")
	}

	r.Header.Set("Origin", "http://relay.local:3000")
	if norm, ok := p.Check(r); !ok || norm != "http://relay.local:3000" {
		t.Fatalf("same-host origin: norm=%q ok=%v", norm, ok)
	}

	r.Header.Set("Origin", "https://evil.example")
	if _, ok := p.Check(r); ok {
		t.Fatalf("cross-origin request must be rejected")
	}

	r.Header.Set("Origin", "not a url")
	if _, ok := p.Check(r); ok {
		t.Fatalf("malformed origin must be rejected")
	}

	p.AllowedOrigins = []string{"https://evil.example"}
	r.Header.Set("Origin", "https://EVIL.example:443")
	if _, ok := p.Check(r); !ok {
		t.Fatalf("listed origin must be allowed after normalization")
	}
}
