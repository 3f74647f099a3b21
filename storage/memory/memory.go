package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-engine/instrumentation"
	"github.com/giantswarm/oauth-engine/internal/util"
	"github.com/giantswarm/oauth-engine/storage"
)

const (
	// tokenIDLogLength is the number of characters to include when logging token IDs
	tokenIDLogLength = 8

	// backendName labels storage metrics
	backendName = "memory"

	// revokedRetention is how long revoked records are kept so repeated
	// revocation of the same token still finds it.
	revokedRetention = time.Hour
)

// Store is an in-memory implementation of ClientStore, TokenStore and CodeStore.
type Store struct {
	mu sync.RWMutex

	clients map[string]*storage.Client

	records      map[string]*storage.TokenRecord // record ID -> record
	accessIndex  map[string]string               // access token -> record ID
	refreshIndex map[string]string               // refresh token -> record ID

	codes map[string]*storage.AuthorizationCode

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	now             func() time.Time
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
	_ storage.CodeStore   = (*Store)(nil)
)

// New creates a new in-memory store with a one minute cleanup interval.
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		records:         make(map[string]*storage.TokenRecord),
		accessIndex:     make(map[string]string),
		refreshIndex:    make(map[string]string),
		codes:           make(map[string]*storage.AuthorizationCode),
		now:             time.Now,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetClock replaces the time source. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
}

// Stop gracefully stops the cleanup goroutine. It is safe to call twice.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "save_client", &err, time.Now())

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c := *client
	s.clients[client.ClientID] = &c

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get_client", &err, time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrClientNotFound
	}
	cp := *c
	return &cp, nil
}

// DeleteClient removes a client
func (s *Store) DeleteClient(ctx context.Context, clientID string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_client")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "delete_client", &err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, clientID)
	return nil
}

// ListClients lists all registered clients
func (s *Store) ListClients(_ context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, c := range s.clients {
		cp := *c
		clients = append(clients, &cp)
	}
	return clients, nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveToken stores a token record and indexes its access and refresh tokens.
func (s *Store) SaveToken(ctx context.Context, record *storage.TokenRecord) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "save_token", &err, time.Now())

	if record == nil || record.ID == "" || record.AccessToken == "" {
		return fmt.Errorf("invalid token record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := *record
	s.records[rec.ID] = &rec
	s.accessIndex[rec.AccessToken] = rec.ID
	if rec.RefreshToken != "" {
		s.refreshIndex[rec.RefreshToken] = rec.ID
	}

	s.logger.Debug("Saved token",
		"record_id", rec.ID,
		"client_id", rec.ClientID,
		"token_prefix", util.SafeTruncate(rec.AccessToken, tokenIDLogLength))
	return nil
}

// GetByAccessToken returns the record owning accessToken
func (s *Store) GetByAccessToken(ctx context.Context, accessToken string) (_ *storage.TokenRecord, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_by_access_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get_by_access_token", &err, time.Now())

	return s.lookup(s.accessIndex, accessToken)
}

// GetByRefreshToken returns the record owning refreshToken
func (s *Store) GetByRefreshToken(ctx context.Context, refreshToken string) (_ *storage.TokenRecord, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_by_refresh_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get_by_refresh_token", &err, time.Now())

	return s.lookup(s.refreshIndex, refreshToken)
}

func (s *Store) lookup(index map[string]string, token string) (*storage.TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := index[token]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	rec, ok := s.records[id]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	cp := *rec
	return &cp, nil
}

// RevokeToken marks a record revoked
func (s *Store) RevokeToken(ctx context.Context, id string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "revoke_token", &err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return storage.ErrTokenNotFound
	}
	if !rec.Revoked {
		rec.Revoked = true
		rec.RevokedAt = s.now()
		s.logger.Debug("Revoked token", "record_id", id, "client_id", rec.ClientID)
	}
	return nil
}

// RevokeTokenFamily marks every record of familyID revoked
func (s *Store) RevokeTokenFamily(ctx context.Context, familyID string) (_ int, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_token_family")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "revoke_token_family", &err, time.Now())

	if familyID == "" {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	found := 0
	now := s.now()
	for _, rec := range s.records {
		if rec.FamilyID != familyID {
			continue
		}
		found++
		if !rec.Revoked {
			rec.Revoked = true
			rec.RevokedAt = now
		}
	}

	s.logger.Debug("Revoked token family", "family_id", familyID, "records", found)
	return found, nil
}

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_code")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "save_code", &err, time.Now())

	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c := *code
	s.codes[code.Code] = &c

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength))
	return nil
}

// ConsumeAuthorizationCode atomically checks a code and marks it used.
// On reuse the stored code is returned together with storage.ErrCodeUsed so
// callers can react to the replay.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_code")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "consume_code", &err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrCodeNotFound
	}
	if c.IsExpired(s.now()) {
		return nil, storage.ErrCodeExpired
	}
	if c.Used {
		cp := *c
		return &cp, storage.ErrCodeUsed
	}
	c.Used = true
	cp := *c
	return &cp, nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_code")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "delete_code", &err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.codes, code)
	return nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup drops expired codes, expired tokens and revoked records past
// their retention.
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cleaned := 0

	for code, c := range s.codes {
		if c.IsExpired(now) {
			delete(s.codes, code)
			cleaned++
		}
	}

	for id, rec := range s.records {
		expired := rec.AccessExpired(now) &&
			(rec.RefreshToken == "" || rec.RefreshExpired(now))
		staleRevocation := rec.Revoked && now.Sub(rec.RevokedAt) > revokedRetention
		if !expired && !staleRevocation {
			continue
		}
		delete(s.accessIndex, rec.AccessToken)
		if rec.RefreshToken != "" {
			delete(s.refreshIndex, rec.RefreshToken)
		}
		delete(s.records, id)
		cleaned++
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
}

// ============================================================
// Instrumentation helpers
// ============================================================

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(context.Background())
	}
	ctx, span := s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(attribute.String("operation", operation)))
	instrumentation.AddStorageAttributes(span, operation, backendName)
	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, errp *error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000.0
	result := "success"
	if *errp != nil {
		result = "error"
		instrumentation.RecordError(span, *errp)
	} else {
		instrumentation.SetSpanSuccess(span)
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, backendName, operation, result, durationMs)
}
