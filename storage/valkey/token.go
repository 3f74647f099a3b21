package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/oauth-engine/internal/util"
	"github.com/giantswarm/oauth-engine/storage"
)

// ============================================================
// TokenStore Implementation
// ============================================================

// tokenRecordJSON is the stored form of a token record. Token values are
// encrypted when an encryptor is configured.
type tokenRecordJSON struct {
	ID               string `json:"id"`
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	TokenType        string `json:"token_type,omitempty"`
	ClientID         string `json:"client_id"`
	UserID           string `json:"user_id,omitempty"`
	Scope            string `json:"scope,omitempty"`
	IssuedAt         int64  `json:"issued_at"`
	ExpiresAt        int64  `json:"expires_at,omitempty"`
	RefreshExpiresAt int64  `json:"refresh_expires_at,omitempty"`
	Revoked          bool   `json:"revoked,omitempty"`
	RevokedAt        int64  `json:"revoked_at,omitempty"`
	FamilyID         string `json:"family_id,omitempty"`
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

// toTokenRecordJSON converts a record, encrypting token values.
func (s *Store) toTokenRecordJSON(rec *storage.TokenRecord) (*tokenRecordJSON, error) {
	enc := s.getEncryptor()

	access, err := enc.Encrypt(rec.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refresh := rec.RefreshToken
	if refresh != "" {
		if refresh, err = enc.Encrypt(refresh); err != nil {
			return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
	}

	return &tokenRecordJSON{
		ID:               rec.ID,
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenType:        rec.TokenType,
		ClientID:         rec.ClientID,
		UserID:           rec.UserID,
		Scope:            rec.Scope,
		IssuedAt:         unixOrZero(rec.IssuedAt),
		ExpiresAt:        unixOrZero(rec.ExpiresAt),
		RefreshExpiresAt: unixOrZero(rec.RefreshExpiresAt),
		Revoked:          rec.Revoked,
		RevokedAt:        unixOrZero(rec.RevokedAt),
		FamilyID:         rec.FamilyID,
	}, nil
}

// fromTokenRecordJSON converts a stored record, decrypting token values.
func (s *Store) fromTokenRecordJSON(j *tokenRecordJSON) (*storage.TokenRecord, error) {
	enc := s.getEncryptor()

	access, err := enc.Decrypt(j.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	refresh := j.RefreshToken
	if refresh != "" {
		if refresh, err = enc.Decrypt(refresh); err != nil {
			return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
		}
	}

	return &storage.TokenRecord{
		ID:               j.ID,
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenType:        j.TokenType,
		ClientID:         j.ClientID,
		UserID:           j.UserID,
		Scope:            j.Scope,
		IssuedAt:         timeOrZero(j.IssuedAt),
		ExpiresAt:        timeOrZero(j.ExpiresAt),
		RefreshExpiresAt: timeOrZero(j.RefreshExpiresAt),
		Revoked:          j.Revoked,
		RevokedAt:        timeOrZero(j.RevokedAt),
		FamilyID:         j.FamilyID,
	}, nil
}

// setCmd builds a SET with an optional TTL.
func (s *Store) setCmd(key, value string, ttl time.Duration) valkeygo.Completed {
	if ttl > 0 {
		return s.client.B().Set().Key(key).Value(value).Ex(ttl).Build()
	}
	return s.client.B().Set().Key(key).Value(value).Build()
}

// SaveToken stores the record and its access and refresh indexes in one round trip.
func (s *Store) SaveToken(ctx context.Context, record *storage.TokenRecord) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "save_token", &err, time.Now())

	if record == nil || record.ID == "" || record.AccessToken == "" {
		return fmt.Errorf("invalid token record")
	}
	if err := validateStringLength(record.ID, MaxIDLength, "recordID"); err != nil {
		return err
	}
	if err := validateStringLength(record.AccessToken, MaxTokenLength, "accessToken"); err != nil {
		return err
	}
	if err := validateStringLength(record.RefreshToken, MaxTokenLength, "refreshToken"); err != nil {
		return err
	}

	j, err := s.toTokenRecordJSON(record)
	if err != nil {
		return err
	}
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to marshal token record: %w", err)
	}

	ttl := record.TTL(time.Now())
	cmds := []valkeygo.Completed{
		s.setCmd(s.recordKey(record.ID), string(data), ttl),
		s.setCmd(s.accessKey(record.AccessToken), record.ID, ttl),
	}
	if record.RefreshToken != "" {
		cmds = append(cmds, s.setCmd(s.refreshKey(record.RefreshToken), record.ID, ttl))
	}
	if record.FamilyID != "" {
		familyKey := s.familyKey(record.FamilyID)
		cmds = append(cmds, s.client.B().Sadd().Key(familyKey).Member(record.ID).Build())
		if ttl > 0 {
			// The set lives as long as its newest record.
			cmds = append(cmds, s.client.B().Expire().Key(familyKey).Seconds(int64(ttl.Seconds())+1).Build())
		}
	}

	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("failed to save token: %w", err)
		}
	}

	s.logger.Debug("Saved token",
		"record_id", record.ID,
		"client_id", record.ClientID,
		"token_prefix", util.SafeTruncate(record.AccessToken, tokenIDLogLength))
	return nil
}

// GetByAccessToken returns the record owning accessToken
func (s *Store) GetByAccessToken(ctx context.Context, accessToken string) (_ *storage.TokenRecord, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_by_access_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get_by_access_token", &err, time.Now())

	return s.getByIndex(ctx, s.accessKey(accessToken))
}

// GetByRefreshToken returns the record owning refreshToken
func (s *Store) GetByRefreshToken(ctx context.Context, refreshToken string) (_ *storage.TokenRecord, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_by_refresh_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get_by_refresh_token", &err, time.Now())

	return s.getByIndex(ctx, s.refreshKey(refreshToken))
}

func (s *Store) getByIndex(ctx context.Context, indexKey string) (*storage.TokenRecord, error) {
	id, err := s.client.Do(ctx, s.client.B().Get().Key(indexKey).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get token index: %w", err)
	}
	return s.getRecord(ctx, id)
}

func (s *Store) getRecord(ctx context.Context, id string) (*storage.TokenRecord, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.recordKey(id)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get token record: %w", err)
	}

	var j tokenRecordJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token record: %w", err)
	}
	return s.fromTokenRecordJSON(&j)
}

// RevokeToken marks a record revoked. The update runs as a Lua script so a
// concurrent revocation cannot lose the flag.
func (s *Store) RevokeToken(ctx context.Context, id string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "revoke_token", &err, time.Now())

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRevokeRecord).
			Numkeys(1).
			Key(s.recordKey(id)).
			Arg(strconv.FormatInt(time.Now().Unix(), 10)).
			Arg(strconv.FormatInt(int64(s.revokedRetention.Seconds()), 10)).
			Build(),
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	if result == "NOT_FOUND" {
		return storage.ErrTokenNotFound
	}

	s.logger.Debug("Revoked token", "record_id", id)
	return nil
}

// RevokeTokenFamily revokes every record listed under familyID. Records that
// already expired are skipped.
func (s *Store) RevokeTokenFamily(ctx context.Context, familyID string) (_ int, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_token_family")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "revoke_token_family", &err, time.Now())

	if familyID == "" {
		return 0, nil
	}

	ids, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.familyKey(familyID)).Build()).AsStrSlice()
	if err != nil {
		if isNilError(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to list token family: %w", err)
	}

	found := 0
	for _, id := range ids {
		if err := s.RevokeToken(ctx, id); err != nil {
			if errors.Is(err, storage.ErrTokenNotFound) {
				continue
			}
			return found, err
		}
		found++
	}

	s.logger.Debug("Revoked token family", "family_id", familyID, "records", found)
	return found, nil
}
