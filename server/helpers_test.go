package server

import (
	"net/http/httptest"
	"testing"
)

func TestIsValidEmail(t *testing.T) {
	tests := []struct {
		email string
		want  bool
	}{
		{"user@example.com", true},
		{"first.last+tag@sub.example.co", true},
		{"a@b.io", true},
		{"", false},
		{"no-at-sign", false},
		{"two@@example.com", false},
		{"spaces in@example.com", false},
		{"user@localhost", false},
		{"Name <user@example.com>", false},
	}

	for _, tt := range tests {
		t.Run(tt.email, func(t *testing.T) {
			if got := isValidEmail(tt.email); got != tt.want {
				t.Errorf("isValidEmail(%q) = %v, want %v", tt.email, got, tt.want)
			}
		})
	}
}

func TestMaskEmail(t *testing.T) {
	tests := []struct {
		email string
		want  string
	}{
		{"alice@example.com", "al***@example.com"},
		{"ab@example.com", "a***@example.com"},
		{"a@example.com", "a***@example.com"},
		{"broken", "***"},
		{"@example.com", "***"},
	}

	for _, tt := range tests {
		if got := maskEmail(tt.email); got != tt.want {
			t.Errorf("maskEmail(%q) = %q, want %q", tt.email, got, tt.want)
		}
	}
}

func TestNormalizeTags(t *testing.T) {
	got := normalizeTags([]string{" AI", "ai", "", "Go ", "  ", "rust"})
	want := []string{"ai", "go", "rust"}
	if len(got) != len(want) {
		t.Fatalf("normalizeTags() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("normalizeTags()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if got := normalizeTags(nil); got == nil || len(got) != 0 {
		t.Errorf("normalizeTags(nil) = %v, want empty non-nil", got)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		want       string
	}{
		{name: "remote addr", remoteAddr: "198.51.100.1:5000", want: "198.51.100.1"},
		{name: "ipv6 remote addr", remoteAddr: "[2001:db8::1]:443", want: "2001:db8::1"},
		{name: "forwarded", remoteAddr: "10.0.0.1:1", xff: "203.0.113.9, 10.0.0.1", want: "203.0.113.9"},
		{name: "empty forwarded hop", remoteAddr: "10.0.0.1:1", xff: " ,10.0.0.2", want: "10.0.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := clientIP(r); got != tt.want {
				t.Errorf("clientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIPLimiterIsPerClient(t *testing.T) {
	l := newIPLimiter(0, 1)
	if !l.allow("a") {
		t.Fatal("first request from a denied")
	}
	if l.allow("a") {
		t.Error("second request from a allowed with burst 1 and zero refill")
	}
	if !l.allow("b") {
		t.Error("first request from b denied")
	}
}
