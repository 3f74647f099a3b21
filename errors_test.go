package oauth

import (
	"errors"
	"fmt"
	"testing"
)

func TestOAuthErrorConstructors(t *testing.T) {
	tests := []struct {
		err        *OAuthError
		wantCode   string
		wantStatus int
	}{
		{ErrInvalidRequest("x"), ErrorCodeInvalidRequest, 400},
		{ErrInvalidGrant("x"), ErrorCodeInvalidGrant, 400},
		{ErrInvalidClient("x"), ErrorCodeInvalidClient, 401},
		{ErrInvalidScope("x"), ErrorCodeInvalidScope, 400},
		{ErrUnauthorizedClient("x"), ErrorCodeUnauthorizedClient, 400},
		{ErrUnsupportedGrantType("x"), ErrorCodeUnsupportedGrantType, 400},
		{ErrUnsupportedResponseType("x"), ErrorCodeUnsupportedResponseType, 400},
		{ErrUnsupportedTokenType("x"), ErrorCodeUnsupportedTokenType, 400},
		{ErrServerError("x"), ErrorCodeServerError, 500},
		{ErrAccessDenied("x"), ErrorCodeAccessDenied, 403},
	}

	for _, tt := range tests {
		t.Run(tt.wantCode, func(t *testing.T) {
			if tt.err.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.wantCode)
			}
			if tt.err.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", tt.err.Status, tt.wantStatus)
			}
			if got := tt.err.Error(); got != tt.wantCode+": x" {
				t.Errorf("Error() = %q", got)
			}
		})
	}
}

func TestOAuthError_WithStateCopies(t *testing.T) {
	base := ErrInvalidScope("bad scope")
	withState := base.WithState("abc")

	if base.State != "" {
		t.Errorf("WithState mutated the original: State = %q", base.State)
	}
	if withState.State != "abc" || withState.Code != base.Code {
		t.Errorf("WithState() = %+v", withState)
	}
}

func TestOAuthError_BodyAndParams(t *testing.T) {
	e := &OAuthError{Code: "invalid_request", Description: "missing", URI: "https://docs", State: "s1"}

	body := e.Body()
	want := map[string]string{"error": "invalid_request", "error_description": "missing", "error_uri": "https://docs", "state": "s1"}
	if len(body) != len(want) {
		t.Fatalf("Body() = %v, want %v", body, want)
	}
	for k, v := range want {
		if body[k] != v {
			t.Errorf("Body()[%s] = %v, want %s", k, body[k], v)
		}
	}

	params := e.Params()
	order := []string{"error", "error_description", "error_uri", "state"}
	if len(params) != len(order) {
		t.Fatalf("Params() = %v", params)
	}
	for i, name := range order {
		if params[i][0] != name {
			t.Errorf("Params()[%d] = %s, want %s", i, params[i][0], name)
		}
	}

	minimal := NewOAuthError("access_denied", "", 403)
	if got := minimal.Body(); len(got) != 1 {
		t.Errorf("Body() of bare error = %v, want only error", got)
	}
	if got := minimal.Error(); got != "access_denied" {
		t.Errorf("Error() = %q, want access_denied", got)
	}
}

func TestAsOAuthError(t *testing.T) {
	oe := ErrInvalidGrant("expired")

	if got, ok := AsOAuthError(oe); !ok || got != oe {
		t.Error("AsOAuthError() should match a bare protocol error")
	}
	if got, ok := AsOAuthError(fmt.Errorf("wrap: %w", oe)); !ok || got.Code != ErrorCodeInvalidGrant {
		t.Error("AsOAuthError() should unwrap")
	}
	if _, ok := AsOAuthError(errors.New("boom")); ok {
		t.Error("AsOAuthError() matched an infrastructure error")
	}
	if _, ok := AsOAuthError(nil); ok {
		t.Error("AsOAuthError(nil) matched")
	}
}
