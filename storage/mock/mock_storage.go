// Package mock provides a storage implementation with overridable methods
// for testing failure paths.
package mock

import (
	"context"
	"sync"

	"github.com/giantswarm/oauth-engine/storage"
)

// Backend is the full storage surface the grants use.
type Backend interface {
	storage.ClientStore
	storage.TokenStore
	storage.CodeStore
}

// Store delegates to a real backend unless the matching Func field is set.
// Every call is counted by method name.
type Store struct {
	Backend

	SaveTokenFunc                func(ctx context.Context, record *storage.TokenRecord) error
	GetByAccessTokenFunc         func(ctx context.Context, accessToken string) (*storage.TokenRecord, error)
	GetByRefreshTokenFunc        func(ctx context.Context, refreshToken string) (*storage.TokenRecord, error)
	RevokeTokenFunc              func(ctx context.Context, id string) error
	RevokeTokenFamilyFunc        func(ctx context.Context, familyID string) (int, error)
	SaveAuthorizationCodeFunc    func(ctx context.Context, code *storage.AuthorizationCode) error
	ConsumeAuthorizationCodeFunc func(ctx context.Context, code string) (*storage.AuthorizationCode, error)

	mu    sync.Mutex
	calls map[string]int
}

// New wraps backend.
func New(backend Backend) *Store {
	return &Store{Backend: backend, calls: make(map[string]int)}
}

// Calls returns how many times method was called.
func (s *Store) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func (s *Store) count(method string) {
	s.mu.Lock()
	s.calls[method]++
	s.mu.Unlock()
}

// SaveToken implements storage.TokenStore.
func (s *Store) SaveToken(ctx context.Context, record *storage.TokenRecord) error {
	s.count("SaveToken")
	if s.SaveTokenFunc != nil {
		return s.SaveTokenFunc(ctx, record)
	}
	return s.Backend.SaveToken(ctx, record)
}

// GetByAccessToken implements storage.TokenStore.
func (s *Store) GetByAccessToken(ctx context.Context, accessToken string) (*storage.TokenRecord, error) {
	s.count("GetByAccessToken")
	if s.GetByAccessTokenFunc != nil {
		return s.GetByAccessTokenFunc(ctx, accessToken)
	}
	return s.Backend.GetByAccessToken(ctx, accessToken)
}

// GetByRefreshToken implements storage.TokenStore.
func (s *Store) GetByRefreshToken(ctx context.Context, refreshToken string) (*storage.TokenRecord, error) {
	s.count("GetByRefreshToken")
	if s.GetByRefreshTokenFunc != nil {
		return s.GetByRefreshTokenFunc(ctx, refreshToken)
	}
	return s.Backend.GetByRefreshToken(ctx, refreshToken)
}

// RevokeToken implements storage.TokenStore.
func (s *Store) RevokeToken(ctx context.Context, id string) error {
	s.count("RevokeToken")
	if s.RevokeTokenFunc != nil {
		return s.RevokeTokenFunc(ctx, id)
	}
	return s.Backend.RevokeToken(ctx, id)
}

// RevokeTokenFamily implements storage.TokenStore.
func (s *Store) RevokeTokenFamily(ctx context.Context, familyID string) (int, error) {
	s.count("RevokeTokenFamily")
	if s.RevokeTokenFamilyFunc != nil {
		return s.RevokeTokenFamilyFunc(ctx, familyID)
	}
	return s.Backend.RevokeTokenFamily(ctx, familyID)
}

// SaveAuthorizationCode implements storage.CodeStore.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	s.count("SaveAuthorizationCode")
	if s.SaveAuthorizationCodeFunc != nil {
		return s.SaveAuthorizationCodeFunc(ctx, code)
	}
	return s.Backend.SaveAuthorizationCode(ctx, code)
}

// ConsumeAuthorizationCode implements storage.CodeStore.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	s.count("ConsumeAuthorizationCode")
	if s.ConsumeAuthorizationCodeFunc != nil {
		return s.ConsumeAuthorizationCodeFunc(ctx, code)
	}
	return s.Backend.ConsumeAuthorizationCode(ctx, code)
}
