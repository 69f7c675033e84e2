// Package credential owns the persisted shape of provider credentials and
// the locking discipline around them: one record per provider, replaced
// atomically, reads never observing a half-written OAuth refresh.
package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rycode-ai/authcore/internal/lock"
	"github.com/rycode-ai/authcore/internal/vault"
)

// StorageError wraps a failure at the storage boundary, carrying the
// provider and attempted operation. It is never silently swallowed.
type StorageError struct {
	Provider string
	Op       string // store | retrieve | remove | list | update
	Err      error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("credential: %s failed for %q: %v", e.Op, e.Provider, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Store persists one credential per provider through a Vault, guarding
// every operation with the keyed lock: reads share, mutations exclude.
type Store struct {
	vault  vault.Vault
	locks  *lock.Keyed
	logger *zap.Logger
}

// NewStore creates a Store. All arguments are required.
func NewStore(v vault.Vault, locks *lock.Keyed, logger *zap.Logger) *Store {
	return &Store{vault: v, locks: locks, logger: logger}
}

// lockKey scopes lock contention to one provider's credential.
func lockKey(providerID string) string {
	return "credential:" + providerID
}

// Store persists creds for the provider, replacing any existing record.
func (s *Store) Store(ctx context.Context, providerID string, creds Credentials, models []string) (*Record, error) {
	h, err := s.locks.Write(ctx, lockKey(providerID))
	if err != nil {
		return nil, err
	}
	defer h.Release()

	rec := &Record{
		Provider: providerID,
		Method:   creds.Method(),
		Models:   models,
		StoredAt: time.Now(),
	}
	switch rec.Method {
	case MethodAPIKey:
		rec.APIKey = creds.APIKey
	default:
		rec.AccessToken = creds.AccessToken
		rec.RefreshToken = creds.RefreshToken
		rec.ExpiresAt = creds.ExpiresAt
		rec.ProjectID = creds.ProjectID
	}

	if err := s.put(ctx, providerID, rec, "store"); err != nil {
		return nil, err
	}
	s.logger.Info("credential stored",
		zap.String("provider", providerID),
		zap.String("method", string(rec.Method)),
	)
	return rec, nil
}

// Retrieve returns the provider's record, or nil if none is stored.
func (s *Store) Retrieve(ctx context.Context, providerID string) (*Record, error) {
	h, err := s.locks.Read(ctx, lockKey(providerID))
	if err != nil {
		return nil, err
	}
	defer h.Release()

	return s.get(ctx, providerID, "retrieve")
}

// Has reports whether a credential exists for the provider.
func (s *Store) Has(ctx context.Context, providerID string) (bool, error) {
	rec, err := s.Retrieve(ctx, providerID)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

// Remove deletes the provider's credential. Returns false if none existed.
func (s *Store) Remove(ctx context.Context, providerID string) (bool, error) {
	h, err := s.locks.Write(ctx, lockKey(providerID))
	if err != nil {
		return false, err
	}
	defer h.Release()

	err = s.vault.Delete(ctx, providerID)
	if errors.Is(err, vault.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, &StorageError{Provider: providerID, Op: "remove", Err: err}
	}
	s.logger.Info("credential removed", zap.String("provider", providerID))
	return true, nil
}

// List returns the providers that currently have a stored credential.
func (s *Store) List(ctx context.Context) ([]string, error) {
	ids, err := s.vault.List(ctx)
	if err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}
	return ids, nil
}

// IsExpired reports whether the provider's stored OAuth token has passed
// its expiry. A missing record or API-key record is not expired.
func (s *Store) IsExpired(ctx context.Context, providerID string) (bool, error) {
	rec, err := s.Retrieve(ctx, providerID)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}
	return rec.Expired(time.Now()), nil
}

// UpdateOAuthTokens replaces the provider's OAuth token set as a unit.
// Empty refreshToken keeps the previously stored one; a zero expiresAt
// keeps the previous expiry.
func (s *Store) UpdateOAuthTokens(ctx context.Context, providerID, accessToken, refreshToken string, expiresAt time.Time) (*Record, error) {
	h, err := s.locks.Write(ctx, lockKey(providerID))
	if err != nil {
		return nil, err
	}
	defer h.Release()

	rec, err := s.get(ctx, providerID, "update")
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, &StorageError{Provider: providerID, Op: "update", Err: vault.ErrNotFound}
	}
	if rec.Method != MethodOAuth {
		return nil, &StorageError{Provider: providerID, Op: "update",
			Err: fmt.Errorf("stored credential is %s, not oauth", rec.Method)}
	}

	rec.AccessToken = accessToken
	if refreshToken != "" {
		rec.RefreshToken = refreshToken
	}
	if !expiresAt.IsZero() {
		rec.ExpiresAt = expiresAt
	}
	rec.StoredAt = time.Now()

	if err := s.put(ctx, providerID, rec, "update"); err != nil {
		return nil, err
	}
	s.logger.Info("oauth tokens refreshed",
		zap.String("provider", providerID),
		zap.Time("expires_at", rec.ExpiresAt),
	)
	return rec, nil
}

// put marshals and writes a record. Caller holds the write lock.
func (s *Store) put(ctx context.Context, providerID string, rec *Record, op string) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return &StorageError{Provider: providerID, Op: op, Err: err}
	}
	if err := s.vault.Put(ctx, providerID, data); err != nil {
		return &StorageError{Provider: providerID, Op: op, Err: err}
	}
	return nil
}

// get reads and unmarshals a record, mapping ErrNotFound to nil. Caller
// holds at least a read lock.
func (s *Store) get(ctx context.Context, providerID, op string) (*Record, error) {
	data, err := s.vault.Get(ctx, providerID)
	if errors.Is(err, vault.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Provider: providerID, Op: op, Err: err}
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, &StorageError{Provider: providerID, Op: op, Err: err}
	}
	return &rec, nil
}
