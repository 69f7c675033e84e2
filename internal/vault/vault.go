// Package vault provides the durable-storage collaborators behind the
// credential store: a key/value layer where writes are atomic per provider
// key. Two implementations ship: an encrypted local file and Postgres.
package vault

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no record exists for the provider.
var ErrNotFound = errors.New("vault: record not found")

// Vault persists one opaque credential record per provider. Implementations
// must make Put atomic per key: a concurrent Get observes either the old or
// the new record, never a partial write.
type Vault interface {
	Put(ctx context.Context, providerID string, record []byte) error
	Get(ctx context.Context, providerID string) ([]byte, error)
	Delete(ctx context.Context, providerID string) error
	List(ctx context.Context) ([]string, error)
}
