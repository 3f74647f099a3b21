package testutil

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-engine/storage"
)

// MockTime provides a controllable time source for deterministic testing
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// MockClient is a minimal client with plain-text secret comparison.
type MockClient struct {
	ID           string
	Secret       string
	RedirectURIs []string
	Scopes       []string // empty allows everything
	NoDefault    bool     // when set DefaultRedirectURI returns ""
}

// GetClientID returns the client id.
func (c *MockClient) GetClientID() string { return c.ID }

// CheckRedirectURI reports whether uri is registered.
func (c *MockClient) CheckRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// DefaultRedirectURI returns the first registered URI.
func (c *MockClient) DefaultRedirectURI() string {
	if c.NoDefault || len(c.RedirectURIs) == 0 {
		return ""
	}
	return c.RedirectURIs[0]
}

// CheckRequestedScopes reports whether all scopes are allowed.
func (c *MockClient) CheckRequestedScopes(scopes []string) bool {
	if len(c.Scopes) == 0 {
		return true
	}
	for _, s := range scopes {
		if !slices.Contains(c.Scopes, s) {
			return false
		}
	}
	return true
}

// CheckClientSecret compares secrets.
func (c *MockClient) CheckClientSecret(secret string) bool {
	return c.Secret != "" && c.Secret == secret
}

// ClientDirectory serves MockClients and counts lookups per id.
type ClientDirectory struct {
	mu      sync.Mutex
	clients map[string]*MockClient
	calls   map[string]int

	// Err, when set, is returned by every lookup.
	Err error
}

// NewClientDirectory creates a directory holding clients.
func NewClientDirectory(clients ...*MockClient) *ClientDirectory {
	d := &ClientDirectory{
		clients: make(map[string]*MockClient),
		calls:   make(map[string]int),
	}
	for _, c := range clients {
		d.clients[c.ID] = c
	}
	return d
}

// Lookup returns the client for id, or storage.ErrClientNotFound.
func (d *ClientDirectory) Lookup(_ context.Context, id string) (*MockClient, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls[id]++
	if d.Err != nil {
		return nil, d.Err
	}
	c, ok := d.clients[id]
	if !ok {
		return nil, storage.ErrClientNotFound
	}
	return c, nil
}

// Calls returns how many times id was looked up.
func (d *ClientDirectory) Calls(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[id]
}

// ErrBackendDown is a convenient infrastructure error for tests.
var ErrBackendDown = errors.New("backend unavailable")

// BasicAuthHeader builds an HTTP Basic Authorization header value with
// form-encoded credentials.
func BasicAuthHeader(clientID, secret string) string {
	raw := url.QueryEscape(clientID) + ":" + url.QueryEscape(secret)
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
}

// GeneratePKCEPair returns an S256 (challenge, verifier) pair.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = oauth2.GenerateVerifier()
	return oauth2.S256ChallengeFromVerifier(verifier), verifier
}

// GenerateTestClient creates a confidential storage client with a bcrypt
// hash of secret.
func GenerateTestClient(t *testing.T, clientID, secret string) *storage.Client {
	t.Helper()
	hash, err := storage.HashSecret(secret)
	if err != nil {
		t.Fatalf("HashSecret() error = %v", err)
	}
	return &storage.Client{
		ClientID:         clientID,
		ClientSecretHash: hash,
		ClientType:       storage.ClientTypeConfidential,
		ClientName:       "Test Client",
		RedirectURIs:     []string{"https://client.example.com/cb"},
		Scopes:           []string{"read", "write"},
		CreatedAt:        time.Now(),
	}
}

// GenerateTestToken creates a bearer token expiring in one hour.
func GenerateTestToken() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  oauth2.GenerateVerifier(),
		TokenType:    "Bearer",
		RefreshToken: oauth2.GenerateVerifier(),
		Expiry:       time.Now().Add(time.Hour),
	}
}

// CaptureLogger returns a JSON logger writing to the returned buffer.
func CaptureLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}
