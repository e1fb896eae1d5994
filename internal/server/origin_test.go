package server

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNormalizeOrigin(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"http://localhost:8080", "http://localhost:8080", true},
		{"HTTPS://Chat.Example.COM", "https://chat.example.com", true},
		{"https://chat.example.com/path?q=1", "https://chat.example.com", true},
		{"chat.example.com", "", false},
		{"://broken", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		got, ok := normalizeOrigin(tt.in)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("normalizeOrigin(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestOriginPolicy(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"listed origin", []string{"http://localhost:8080"}, "http://localhost:8080", true},
		{"case insensitive", []string{"http://LOCALHOST:8080"}, "http://localhost:8080", true},
		{"unlisted origin", []string{"http://localhost:8080"}, "http://evil.example.com", false},
		{"missing header", []string{"http://localhost:8080"}, "", false},
		{"wildcard", []string{"*"}, "http://anything.example.com", true},
		{"wildcard still needs header", []string{"*"}, "", false},
		{"invalid config entries ignored", []string{"not-an-origin", " "}, "http://localhost:8080", false},
		{"empty list", nil, "http://localhost:8080", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := newOriginPolicy(tt.allowed, logger)

			req := httptest.NewRequest(http.MethodGet, "/chat", http.NoBody)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}

			if got := policy.checkOrigin(req); got != tt.want {
				t.Errorf("checkOrigin(%q) with %v = %v, want %v", tt.origin, tt.allowed, got, tt.want)
			}
		})
	}
}
