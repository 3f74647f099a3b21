package oauth_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	oauth "github.com/giantswarm/oauth-engine"
	"github.com/giantswarm/oauth-engine/grants"
	"github.com/giantswarm/oauth-engine/internal/testutil"
	"github.com/giantswarm/oauth-engine/security"
	"github.com/giantswarm/oauth-engine/storage"
	"github.com/giantswarm/oauth-engine/storage/memory"
	"github.com/giantswarm/oauth-engine/tokens"
)

const handlerRedirect = "https://client.example.com/cb"

type handlerFixture struct {
	server  *oauth.Server
	store   *memory.Store
	handler *oauth.Handler
}

func newHandlerFixture(t *testing.T, config *oauth.Config, opts ...oauth.HandlerOption) *handlerFixture {
	t.Helper()
	ctx := context.Background()

	store := memory.New()
	t.Cleanup(store.Stop)
	for _, c := range []*storage.Client{
		testutil.GenerateTestClient(t, "confidential", "secret"),
		{ClientID: "public", ClientType: storage.ClientTypePublic, RedirectURIs: []string{handlerRedirect}},
	} {
		if err := store.SaveClient(ctx, c); err != nil {
			t.Fatalf("SaveClient() error = %v", err)
		}
	}

	if config == nil {
		config = &oauth.Config{}
	}
	config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	server, err := oauth.NewServer(oauth.ClientQuery(store), tokens.NewBearerGenerator(), config)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	provider, err := grants.NewProvider(store, store, grants.Config{Logger: config.Logger})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	if err := provider.Register(server); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	revocation, err := oauth.NewRevocationEndpoint(server, oauth.TokenStoreRevocation{Store: store}, oauth.ChainAuthenticator{AllowPublic: true})
	if err != nil {
		t.Fatalf("NewRevocationEndpoint() error = %v", err)
	}
	opts = append([]oauth.HandlerOption{oauth.WithRevocation(revocation)}, opts...)

	h := oauth.NewHandler(server, opts...)
	t.Cleanup(h.Close)
	return &handlerFixture{server: server, store: store, handler: h}
}

func approve(_ http.ResponseWriter, _ *http.Request, _ *oauth.Request) (*oauth.User, error) {
	return &oauth.User{ID: "alice"}, nil
}

func (f *handlerFixture) serve(r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.handler.Routes().ServeHTTP(w, r)
	return w
}

func postForm(path string, form url.Values) *http.Request {
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body %q: %v", w.Body.String(), err)
	}
	return body
}

func TestHandler_AuthorizationCodeFlow(t *testing.T) {
	f := newHandlerFixture(t, nil, oauth.WithUserResolver(approve))
	challenge, verifier := testutil.GeneratePKCEPair()

	authorize := httptest.NewRequest(http.MethodGet, "/authorize?"+url.Values{
		"response_type":         {"code"},
		"client_id":             {"public"},
		"redirect_uri":          {handlerRedirect},
		"state":                 {"st"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}.Encode(), nil)
	w := f.serve(authorize)
	if w.Code != http.StatusFound {
		t.Fatalf("authorize status = %d, want 302 (body %s)", w.Code, w.Body.String())
	}
	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("bad Location: %v", err)
	}
	code := loc.Query().Get("code")
	if code == "" || loc.Query().Get("state") != "st" {
		t.Fatalf("Location = %s, want code and state", loc)
	}
	if w.Body.Len() != 0 {
		t.Errorf("redirect body = %q, want empty", w.Body.String())
	}

	w = f.serve(postForm("/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {handlerRedirect},
		"client_id":     {"public"},
		"code_verifier": {verifier},
	}))
	if w.Code != http.StatusOK {
		t.Fatalf("token status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}
	tok := decodeBody(t, w)
	access, _ := tok["access_token"].(string)
	refresh, _ := tok["refresh_token"].(string)
	if access == "" || refresh == "" || tok["token_type"] != "Bearer" {
		t.Fatalf("token body = %v", tok)
	}

	w = f.serve(postForm("/revoke", url.Values{"token": {access}, "client_id": {"public"}}))
	if w.Code != http.StatusOK {
		t.Fatalf("revoke status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	if strings.TrimSpace(w.Body.String()) != "{}" {
		t.Errorf("revoke body = %q, want {}", w.Body.String())
	}

	// The record is revoked, so its refresh token is dead too.
	w = f.serve(postForm("/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refresh},
		"client_id":     {"public"},
	}))
	if w.Code != http.StatusBadRequest || decodeBody(t, w)["error"] != oauth.ErrorCodeInvalidGrant {
		t.Errorf("refresh after revoke = %d %s, want 400 invalid_grant", w.Code, w.Body.String())
	}
}

func TestHandler_AuthorizationConsent(t *testing.T) {
	tests := []struct {
		name       string
		resolver   oauth.UserResolver
		wantStatus int
		wantError  string
	}{
		{
			name:       "no resolver denies",
			wantStatus: http.StatusFound,
			wantError:  oauth.ErrorCodeAccessDenied,
		},
		{
			name: "resolver denies",
			resolver: func(http.ResponseWriter, *http.Request, *oauth.Request) (*oauth.User, error) {
				return nil, nil
			},
			wantStatus: http.StatusFound,
			wantError:  oauth.ErrorCodeAccessDenied,
		},
		{
			name: "resolver writes its own page",
			resolver: func(w http.ResponseWriter, _ *http.Request, _ *oauth.Request) (*oauth.User, error) {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = io.WriteString(w, "login required")
				return nil, oauth.ErrResponseWritten
			},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "resolver fails",
			resolver: func(http.ResponseWriter, *http.Request, *oauth.Request) (*oauth.User, error) {
				return nil, errors.New("session store down")
			},
			wantStatus: http.StatusInternalServerError,
			wantError:  oauth.ErrorCodeServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []oauth.HandlerOption
			if tt.resolver != nil {
				opts = append(opts, oauth.WithUserResolver(tt.resolver))
			}
			f := newHandlerFixture(t, nil, opts...)

			w := f.serve(httptest.NewRequest(http.MethodGet,
				"/authorize?response_type=code&client_id=confidential&state=st", nil))
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}

			switch {
			case tt.wantStatus == http.StatusFound:
				loc, _ := url.Parse(w.Header().Get("Location"))
				if loc.Query().Get("error") != tt.wantError || loc.Query().Get("state") != "st" {
					t.Errorf("Location = %s, want error=%s", loc, tt.wantError)
				}
			case tt.wantError != "":
				body := decodeBody(t, w)
				if body["error"] != tt.wantError {
					t.Errorf("error = %v, want %s", body["error"], tt.wantError)
				}
				if strings.Contains(w.Body.String(), "session store") {
					t.Error("infrastructure detail leaked to the client")
				}
			default:
				if w.Body.String() != "login required" {
					t.Errorf("body = %q, want the resolver's page", w.Body.String())
				}
			}
		})
	}
}

func TestHandler_TokenErrors(t *testing.T) {
	f := newHandlerFixture(t, nil)

	tests := []struct {
		name       string
		req        func() *http.Request
		wantStatus int
		wantError  string
		wantHeader string
	}{
		{
			name: "unknown grant type",
			req: func() *http.Request {
				return postForm("/token", url.Values{"grant_type": {"password"}})
			},
			wantStatus: 400,
			wantError:  oauth.ErrorCodeInvalidGrant,
		},
		{
			name: "token endpoint rejects GET",
			req: func() *http.Request {
				return httptest.NewRequest(http.MethodGet, "/token?grant_type=client_credentials", nil)
			},
			wantStatus: 400,
			wantError:  oauth.ErrorCodeInvalidGrant,
		},
		{
			name: "bad basic credentials",
			req: func() *http.Request {
				r := postForm("/token", url.Values{"grant_type": {"client_credentials"}})
				r.Header.Set("Authorization", testutil.BasicAuthHeader("confidential", "wrong"))
				return r
			},
			wantStatus: 401,
			wantError:  oauth.ErrorCodeInvalidClient,
			wantHeader: "WWW-Authenticate",
		},
		{
			name: "client credentials succeed",
			req: func() *http.Request {
				r := postForm("/token", url.Values{"grant_type": {"client_credentials"}})
				r.Header.Set("Authorization", testutil.BasicAuthHeader("confidential", "secret"))
				return r
			},
			wantStatus: 200,
			wantHeader: "Pragma",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.serve(tt.req())
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
			body := decodeBody(t, w)
			if tt.wantError != "" && body["error"] != tt.wantError {
				t.Errorf("error = %v, want %s", body["error"], tt.wantError)
			}
			if tt.wantHeader != "" && w.Header().Get(tt.wantHeader) == "" {
				t.Errorf("missing %s header", tt.wantHeader)
			}
			if got := w.Header().Get("Content-Type"); got != "application/json" {
				t.Errorf("Content-Type = %q", got)
			}
		})
	}
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	f := newHandlerFixture(t, nil)

	tests := []struct {
		method, path, allow string
	}{
		{http.MethodPut, "/authorize", "GET, POST"},
		{http.MethodDelete, "/authorize", "GET, POST"},
		{http.MethodGet, "/revoke", "POST"},
	}
	for _, tt := range tests {
		w := f.serve(httptest.NewRequest(tt.method, tt.path, nil))
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s status = %d, want 405", tt.method, tt.path, w.Code)
		}
		if got := w.Header().Get("Allow"); got != tt.allow {
			t.Errorf("%s %s Allow = %q, want %q", tt.method, tt.path, got, tt.allow)
		}
	}
}

func TestHandler_RevocationNotConfigured(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	defer store.Stop()
	server, err := oauth.NewServer(oauth.ClientQuery(store), nil, &oauth.Config{Logger: logger})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	h := oauth.NewHandler(server)
	defer h.Close()

	w := httptest.NewRecorder()
	h.ServeRevocation(w, postForm("/revoke", url.Values{"token": {"x"}}))
	if w.Code != http.StatusNotFound {
		t.Errorf("direct status = %d, want 404", w.Code)
	}

	w = httptest.NewRecorder()
	h.Routes().ServeHTTP(w, postForm("/revoke", url.Values{"token": {"x"}}))
	if w.Code != http.StatusNotFound {
		t.Errorf("routed status = %d, want 404", w.Code)
	}
}

func TestHandler_RateLimit(t *testing.T) {
	f := newHandlerFixture(t, &oauth.Config{RateLimit: oauth.RateLimitConfig{Rate: 1, Burst: 1}})

	req := func() *http.Request {
		r := postForm("/token", url.Values{"grant_type": {"client_credentials"}})
		r.Header.Set("Authorization", testutil.BasicAuthHeader("confidential", "secret"))
		return r
	}

	if w := f.serve(req()); w.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", w.Code)
	}
	w := f.serve(req())
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	if body := decodeBody(t, w); body["error"] != oauth.ErrorCodeRateLimitExceeded {
		t.Errorf("error = %v, want %s", body["error"], oauth.ErrorCodeRateLimitExceeded)
	}

	// Authorization requests are not limited.
	w = f.serve(httptest.NewRequest(http.MethodGet, "/authorize?response_type=code&client_id=confidential", nil))
	if w.Code == http.StatusTooManyRequests {
		t.Error("authorization endpoint was rate limited")
	}
}

func TestHandler_AmbientHeaders(t *testing.T) {
	f := newHandlerFixture(t, nil)

	r := postForm("/token", url.Values{"grant_type": {"password"}})
	r.Header.Set(security.RequestIDHeader, "req-12345678")
	w := f.serve(r)

	if got := w.Header().Get(security.RequestIDHeader); got != "req-12345678" {
		t.Errorf("%s = %q, want the caller's id", security.RequestIDHeader, got)
	}
	for _, name := range []string{"X-Frame-Options", "X-Content-Type-Options", "Content-Security-Policy", "Referrer-Policy"} {
		if w.Header().Get(name) == "" {
			t.Errorf("missing security header %s", name)
		}
	}
	if w.Header().Get("Strict-Transport-Security") != "" {
		t.Error("HSTS sent over plain HTTP")
	}

	w = f.serve(postForm("/token", url.Values{"grant_type": {"password"}}))
	if w.Header().Get(security.RequestIDHeader) == "" {
		t.Error("request id not generated")
	}
}

func TestHandler_InfrastructureError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	failing := func(context.Context, string) (oauth.Client, error) { return nil, testutil.ErrBackendDown }
	server, err := oauth.NewServer(failing, tokens.NewBearerGenerator(), &oauth.Config{Logger: logger})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	store := memory.New()
	defer store.Stop()
	provider, _ := grants.NewProvider(store, store, grants.Config{Logger: logger})
	if err := provider.Register(server); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	h := oauth.NewHandler(server)
	defer h.Close()

	r := postForm("/token", url.Values{"grant_type": {"client_credentials"}})
	r.Header.Set("Authorization", testutil.BasicAuthHeader("confidential", "secret"))
	w := httptest.NewRecorder()
	h.ServeToken(w, r)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	body := decodeBody(t, w)
	if body["error"] != oauth.ErrorCodeServerError {
		t.Errorf("error = %v, want server_error", body["error"])
	}
	if strings.Contains(w.Body.String(), testutil.ErrBackendDown.Error()) {
		t.Error("infrastructure detail leaked to the client")
	}
}

func TestNewRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost,
		"/token?grant_type=ignored&scope=from-query&state=q",
		strings.NewReader("grant_type=client_credentials&client_id=abc"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.Header.Set("Authorization", "Basic Zm9vOmJhcg==")
	r.Header.Set("X-Forwarded-For", "203.0.113.9")
	r.RemoteAddr = "10.0.0.1:4321"

	req, err := oauth.NewRequest(r, true, 1)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}

	checks := map[string][2]string{
		"Method":        {req.Method, "POST"},
		"GrantType":     {req.GrantType, "client_credentials"},
		"ClientID":      {req.ClientID, "abc"},
		"Scope":         {req.Scope, "from-query"},
		"State":         {req.State, "q"},
		"Authorization": {req.Authorization, "Basic Zm9vOmJhcg=="},
		"ClientIP":      {req.ClientIP, "203.0.113.9"},
	}
	for field, c := range checks {
		if c[0] != c[1] {
			t.Errorf("%s = %q, want %q", field, c[0], c[1])
		}
	}
	if req.BodyParams.Has("scope") {
		t.Error("query parameters leaked into BodyParams")
	}
	if req.QueryParams.Get("grant_type") != "ignored" {
		t.Error("query parameters not kept")
	}

	untrusted, _ := oauth.NewRequest(httptest.NewRequest(http.MethodGet, "/authorize", nil), false, 0)
	if untrusted.ClientIP != "192.0.2.1" {
		t.Errorf("ClientIP = %q, want the remote address", untrusted.ClientIP)
	}
}

func TestNewRequest_OversizedBody(t *testing.T) {
	big := strings.NewReader("token=" + strings.Repeat("a", 128<<10))
	r := httptest.NewRequest(http.MethodPost, "/revoke", big)
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	if _, err := oauth.NewRequest(r, false, 0); err == nil {
		t.Error("NewRequest() accepted an oversized body")
	}
}

func TestWriteResponse(t *testing.T) {
	w := httptest.NewRecorder()
	resp := oauth.JSONResponse(http.StatusOK, map[string]any{"a": "b"})
	if err := oauth.WriteResponse(w, resp); err != nil {
		t.Fatalf("WriteResponse() error = %v", err)
	}
	if w.Code != 200 || w.Header().Get("Cache-Control") != "no-store" {
		t.Errorf("WriteResponse() = %d %v", w.Code, w.Header())
	}
	if strings.TrimSpace(w.Body.String()) != `{"a":"b"}` {
		t.Errorf("body = %q", w.Body.String())
	}

	w = httptest.NewRecorder()
	if err := oauth.WriteResponse(w, oauth.RedirectResponse("https://app/cb?x=1")); err != nil {
		t.Fatalf("WriteResponse() error = %v", err)
	}
	if w.Code != http.StatusFound || w.Header().Get("Location") != "https://app/cb?x=1" || w.Body.Len() != 0 {
		t.Errorf("redirect = %d %v %q", w.Code, w.Header(), w.Body.String())
	}
}
