package security

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		upstream string
		keep     bool
	}{
		{name: "missing"},
		{name: "valid upstream", upstream: "req-abc_123", keep: true},
		{name: "header injection", upstream: "abc\r\nX-Evil: 1"},
		{name: "too long", upstream: strings.Repeat("a", 129)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = RequestIDFromContext(r.Context())
			}))

			req := httptest.NewRequest(http.MethodPost, "/token", nil)
			if tt.upstream != "" {
				req.Header[RequestIDHeader] = []string{tt.upstream}
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if seen == "" {
				t.Fatal("no request id in context")
			}
			if got := w.Header().Get(RequestIDHeader); got != seen {
				t.Errorf("response header = %q, context = %q", got, seen)
			}
			if (seen == tt.upstream) != tt.keep {
				t.Errorf("request id = %q, keep upstream %v", seen, tt.keep)
			}
			if !requestIDPattern.MatchString(seen) {
				t.Errorf("request id %q is not header safe", seen)
			}
		})
	}
}

func TestNewRequestID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		id := NewRequestID()
		if seen[id] {
			t.Fatalf("duplicate request id %q", id)
		}
		seen[id] = true
	}
}

func TestLoggerWithRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	LoggerWithRequestID(context.Background(), logger).Info("no id")
	if strings.Contains(buf.String(), "request_id") {
		t.Errorf("unexpected request_id in %q", buf.String())
	}

	buf.Reset()
	ctx := WithRequestID(context.Background(), "r-1")
	LoggerWithRequestID(ctx, logger).Info("with id")
	if !strings.Contains(buf.String(), "request_id=r-1") {
		t.Errorf("log line %q lacks request_id", buf.String())
	}
}
