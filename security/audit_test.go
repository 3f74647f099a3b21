package security

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func newAuditorWithBuffer(enabled bool) (*Auditor, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	return NewAuditor(logger, enabled), &buf
}

func lastEvent(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("invalid log line %q: %v", lines[len(lines)-1], err)
	}
	return entry
}

func TestAuditor_Events(t *testing.T) {
	tests := []struct {
		name      string
		log       func(a *Auditor)
		wantType  string
		wantField string
	}{
		{
			name:      "token issued",
			log:       func(a *Auditor) { a.LogTokenIssued("alice", "c1", "10.0.0.1", "authorization_code", "read") },
			wantType:  EventTokenIssued,
			wantField: "grant_type",
		},
		{
			name:      "token refreshed",
			log:       func(a *Auditor) { a.LogTokenRefreshed("alice", "c1", "10.0.0.1", true) },
			wantType:  EventTokenRefreshed,
			wantField: "rotated",
		},
		{
			name:      "token revoked",
			log:       func(a *Auditor) { a.LogTokenRevoked("c1", "10.0.0.1", "refresh_token") },
			wantType:  EventTokenRevoked,
			wantField: "token_type_hint",
		},
		{
			name:      "auth failure",
			log:       func(a *Auditor) { a.LogAuthFailure("c1", "10.0.0.1", "bad secret") },
			wantType:  EventAuthFailure,
			wantField: "reason",
		},
		{
			name:      "authorization denied",
			log:       func(a *Auditor) { a.LogAuthorization("alice", "c1", "10.0.0.1", "code", false) },
			wantType:  EventAuthorizationDenied,
			wantField: "response_type",
		},
		{
			name:     "rate limit",
			log:      func(a *Auditor) { a.LogRateLimitExceeded("10.0.0.1") },
			wantType: EventRateLimitExceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, buf := newAuditorWithBuffer(true)
			tt.log(a)

			entry := lastEvent(t, buf)
			if entry["event_type"] != tt.wantType {
				t.Errorf("event_type = %v, want %v", entry["event_type"], tt.wantType)
			}
			if tt.wantField != "" {
				details, _ := entry["details"].(map[string]any)
				if _, ok := details[tt.wantField]; !ok {
					t.Errorf("details missing %q: %v", tt.wantField, entry["details"])
				}
			}
		})
	}
}

func TestAuditor_HashesUserID(t *testing.T) {
	a, buf := newAuditorWithBuffer(true)
	a.LogTokenIssued("alice@example.com", "c1", "", "client_credentials", "")

	if strings.Contains(buf.String(), "alice@example.com") {
		t.Error("user id logged in clear text")
	}
	entry := lastEvent(t, buf)
	if got := entry["user_id_hash"]; got != hashForLogging("alice@example.com") {
		t.Errorf("user_id_hash = %v, want %v", got, hashForLogging("alice@example.com"))
	}
	if hashForLogging("") != "<empty>" {
		t.Errorf("hashForLogging(\"\") = %q, want <empty>", hashForLogging(""))
	}
}

func TestAuditor_Disabled(t *testing.T) {
	a, buf := newAuditorWithBuffer(false)
	a.LogAuthFailure("c1", "", "x")
	if buf.Len() != 0 {
		t.Errorf("disabled auditor wrote %q", buf.String())
	}

	var nilAuditor *Auditor
	nilAuditor.LogEvent(Event{Type: EventAuthFailure})
	if nilAuditor.Enabled() {
		t.Error("nil auditor reports enabled")
	}
}
