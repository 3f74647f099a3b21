package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/giantswarm/oauth-engine/instrumentation"
	"github.com/giantswarm/oauth-engine/internal/testutil"
	"github.com/giantswarm/oauth-engine/storage"
)

const (
	testClientID = "test-client"
	testUserID   = "test-user"
)

// ============================================================
// ClientStore Tests
// ============================================================

func TestStore_SaveAndGetClient(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	client := testutil.GenerateTestClient(t, testClientID, "secret")
	if err := store.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	got, err := store.GetClient(ctx, testClientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if got.ClientID != testClientID {
		t.Errorf("ClientID = %q, want %q", got.ClientID, testClientID)
	}
	if !got.CheckClientSecret("secret") {
		t.Error("CheckClientSecret(secret) = false, want true")
	}

	// Mutating the returned copy must not leak into the store.
	got.ClientName = "changed"
	again, _ := store.GetClient(ctx, testClientID)
	if again.ClientName == "changed" {
		t.Error("GetClient() returned shared pointer")
	}
}

func TestStore_GetClient_NotFound(t *testing.T) {
	store := New()
	defer store.Stop()

	_, err := store.GetClient(context.Background(), "missing")
	if !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient() error = %v, want ErrClientNotFound", err)
	}
}

func TestStore_SaveClient_Invalid(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	if err := store.SaveClient(ctx, nil); err == nil {
		t.Error("SaveClient(nil) should return error")
	}
	if err := store.SaveClient(ctx, &storage.Client{}); err == nil {
		t.Error("SaveClient() with empty ID should return error")
	}
}

func TestStore_DeleteAndListClients(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := store.SaveClient(ctx, &storage.Client{ClientID: id}); err != nil {
			t.Fatalf("SaveClient(%s) error = %v", id, err)
		}
	}
	if err := store.DeleteClient(ctx, "b"); err != nil {
		t.Fatalf("DeleteClient() error = %v", err)
	}

	clients, err := store.ListClients(ctx)
	if err != nil {
		t.Fatalf("ListClients() error = %v", err)
	}
	if len(clients) != 2 {
		t.Errorf("len(ListClients()) = %d, want 2", len(clients))
	}
	if _, err := store.GetClient(ctx, "b"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient(b) error = %v, want ErrClientNotFound", err)
	}
}

// ============================================================
// TokenStore Tests
// ============================================================

func newRecord() *storage.TokenRecord {
	return storage.NewTokenRecord(testutil.GenerateTestToken(), testClientID, testUserID, "read", time.Hour)
}

func TestStore_TokenLookup(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	rec := newRecord()
	if err := store.SaveToken(ctx, rec); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}

	byAccess, err := store.GetByAccessToken(ctx, rec.AccessToken)
	if err != nil {
		t.Fatalf("GetByAccessToken() error = %v", err)
	}
	if byAccess.ID != rec.ID {
		t.Errorf("GetByAccessToken().ID = %q, want %q", byAccess.ID, rec.ID)
	}

	byRefresh, err := store.GetByRefreshToken(ctx, rec.RefreshToken)
	if err != nil {
		t.Fatalf("GetByRefreshToken() error = %v", err)
	}
	if byRefresh.ID != rec.ID {
		t.Errorf("GetByRefreshToken().ID = %q, want %q", byRefresh.ID, rec.ID)
	}

	// A refresh token is not an access token.
	if _, err := store.GetByAccessToken(ctx, rec.RefreshToken); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("GetByAccessToken(refresh) error = %v, want ErrTokenNotFound", err)
	}
}

func TestStore_SaveToken_Invalid(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	tests := []struct {
		name string
		rec  *storage.TokenRecord
	}{
		{"nil", nil},
		{"missing id", &storage.TokenRecord{AccessToken: "x"}},
		{"missing access token", &storage.TokenRecord{ID: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := store.SaveToken(ctx, tt.rec); err == nil {
				t.Error("SaveToken() should return error")
			}
		})
	}
}

func TestStore_RevokeToken(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	rec := newRecord()
	_ = store.SaveToken(ctx, rec)

	if err := store.RevokeToken(ctx, rec.ID); err != nil {
		t.Fatalf("RevokeToken() error = %v", err)
	}
	got, _ := store.GetByAccessToken(ctx, rec.AccessToken)
	if !got.Revoked {
		t.Error("Revoked = false after RevokeToken()")
	}
	if got.RevokedAt.IsZero() {
		t.Error("RevokedAt not set")
	}

	// Revoking twice is not an error.
	if err := store.RevokeToken(ctx, rec.ID); err != nil {
		t.Errorf("second RevokeToken() error = %v", err)
	}

	if err := store.RevokeToken(ctx, "unknown"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("RevokeToken(unknown) error = %v, want ErrTokenNotFound", err)
	}
}

// ============================================================
// CodeStore Tests
// ============================================================

func TestStore_RevokeTokenFamily(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	family := []*storage.TokenRecord{newRecord(), newRecord()}
	other := newRecord()
	for _, rec := range family {
		rec.FamilyID = "fam-1"
	}
	other.FamilyID = "fam-2"
	for _, rec := range append(family, other) {
		if err := store.SaveToken(ctx, rec); err != nil {
			t.Fatalf("SaveToken() error = %v", err)
		}
	}

	n, err := store.RevokeTokenFamily(ctx, "fam-1")
	if err != nil {
		t.Fatalf("RevokeTokenFamily() error = %v", err)
	}
	if n != 2 {
		t.Errorf("RevokeTokenFamily() = %d, want 2", n)
	}
	for _, rec := range family {
		got, _ := store.GetByAccessToken(ctx, rec.AccessToken)
		if !got.Revoked {
			t.Errorf("record %s not revoked", rec.ID)
		}
	}
	if got, _ := store.GetByAccessToken(ctx, other.AccessToken); got.Revoked {
		t.Error("record of another family was revoked")
	}

	if n, err := store.RevokeTokenFamily(ctx, ""); err != nil || n != 0 {
		t.Errorf("RevokeTokenFamily(\"\") = %d, %v, want 0, nil", n, err)
	}
}

func TestStore_ConsumeAuthorizationCode(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	code := &storage.AuthorizationCode{
		Code:        "code-1",
		ClientID:    testClientID,
		RedirectURI: "https://client.example.com/cb",
		ExpiresAt:   time.Now().Add(time.Minute),
	}
	if err := store.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	got, err := store.ConsumeAuthorizationCode(ctx, "code-1")
	if err != nil {
		t.Fatalf("ConsumeAuthorizationCode() error = %v", err)
	}
	if got.ClientID != testClientID {
		t.Errorf("ClientID = %q, want %q", got.ClientID, testClientID)
	}

	reused, err := store.ConsumeAuthorizationCode(ctx, "code-1")
	if !errors.Is(err, storage.ErrCodeUsed) {
		t.Errorf("second ConsumeAuthorizationCode() error = %v, want ErrCodeUsed", err)
	}
	if reused == nil || reused.Code != "code-1" {
		t.Error("reused code should be returned with ErrCodeUsed")
	}
}

func TestStore_ConsumeAuthorizationCode_Errors(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	clock := testutil.NewMockTime(time.Now())
	store.SetClock(clock.Now)

	_ = store.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code:      "short-lived",
		ExpiresAt: clock.Now().Add(time.Minute),
	})
	clock.Advance(2 * time.Minute)

	if _, err := store.ConsumeAuthorizationCode(ctx, "short-lived"); !errors.Is(err, storage.ErrCodeExpired) {
		t.Errorf("ConsumeAuthorizationCode(expired) error = %v, want ErrCodeExpired", err)
	}
	if _, err := store.ConsumeAuthorizationCode(ctx, "missing"); !errors.Is(err, storage.ErrCodeNotFound) {
		t.Errorf("ConsumeAuthorizationCode(missing) error = %v, want ErrCodeNotFound", err)
	}

	_ = store.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{Code: "gone"})
	_ = store.DeleteAuthorizationCode(ctx, "gone")
	if _, err := store.ConsumeAuthorizationCode(ctx, "gone"); !errors.Is(err, storage.ErrCodeNotFound) {
		t.Errorf("ConsumeAuthorizationCode(deleted) error = %v, want ErrCodeNotFound", err)
	}
}

func TestStore_ConsumeAuthorizationCode_Concurrent(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	_ = store.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code:      "race",
		ExpiresAt: time.Now().Add(time.Minute),
	})

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.ConsumeAuthorizationCode(ctx, "race"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("successful consumptions = %d, want 1", wins.Load())
	}
}

// ============================================================
// Cleanup Tests
// ============================================================

func TestStore_Cleanup(t *testing.T) {
	store := NewWithInterval(time.Hour)
	defer store.Stop()
	ctx := context.Background()

	clock := testutil.NewMockTime(time.Now())
	store.SetClock(clock.Now)

	_ = store.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code:      "old",
		ExpiresAt: clock.Now().Add(time.Minute),
	})

	accessOnly := &storage.TokenRecord{
		ID:          "access-only",
		AccessToken: "a1",
		ExpiresAt:   clock.Now().Add(time.Minute),
	}
	withRefresh := &storage.TokenRecord{
		ID:               "with-refresh",
		AccessToken:      "a2",
		RefreshToken:     "r2",
		ExpiresAt:        clock.Now().Add(time.Minute),
		RefreshExpiresAt: clock.Now().Add(24 * time.Hour),
	}
	_ = store.SaveToken(ctx, accessOnly)
	_ = store.SaveToken(ctx, withRefresh)

	clock.Advance(10 * time.Minute)
	store.cleanup()

	if _, err := store.ConsumeAuthorizationCode(ctx, "old"); !errors.Is(err, storage.ErrCodeNotFound) {
		t.Errorf("expired code survived cleanup: %v", err)
	}
	if _, err := store.GetByAccessToken(ctx, "a1"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("expired access-only record survived cleanup: %v", err)
	}
	if _, err := store.GetByRefreshToken(ctx, "r2"); err != nil {
		t.Errorf("record with live refresh token was cleaned up: %v", err)
	}

	// Revoked records are dropped after their retention window.
	_ = store.RevokeToken(ctx, "with-refresh")
	clock.Advance(revokedRetention + time.Minute)
	store.cleanup()
	if _, err := store.GetByRefreshToken(ctx, "r2"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("stale revoked record survived cleanup: %v", err)
	}
}

func TestStore_StopTwice(t *testing.T) {
	store := New()
	store.Stop()
	store.Stop()
}

// ============================================================
// Instrumentation Tests
// ============================================================

func TestStore_RecordsStorageMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	inst, err := instrumentation.New(instrumentation.Config{Enabled: true, Reader: reader})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	store := New()
	defer store.Stop()
	store.SetInstrumentation(inst)
	ctx := context.Background()

	_ = store.SaveClient(ctx, &storage.Client{ClientID: "c"})
	_, _ = store.GetClient(ctx, "missing")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	found := false
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "storage.operation.total" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("storage operation metric has type %T", m.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			if total != 2 {
				t.Errorf("storage operations = %d, want 2", total)
			}
			found = true
		}
	}
	if !found {
		t.Error("storage.operation.total not recorded")
	}
}
