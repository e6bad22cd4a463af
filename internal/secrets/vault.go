package secrets

import "context"

// Vault resolves ${{ secrets.KEY }} references at runtime. Values are
// encrypted at rest and decrypted in-memory only; the evaluator prefetches
// referenced keys before a step's expressions run.
type Vault interface {
	// Resolve returns the decrypted value for key.
	Resolve(ctx context.Context, key string) ([]byte, error)
	// Store encrypts and persists value under key, replacing any prior value.
	Store(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting an absent key is an error.
	Delete(ctx context.Context, key string) error
	// List returns all stored keys, sorted.
	List(ctx context.Context) ([]string, error)
}

// SecretStore is the persistence slice the vault needs. store.Store
// satisfies it; the vault never sees runs or events.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}
