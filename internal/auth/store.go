package auth

import "context"

// CredentialStore persists account secrets between runs. Load returns a nil
// secret and nil error when nothing is stored for identifier. Callers wipe
// the returned slice after use.
type CredentialStore interface {
	Load(ctx context.Context, identifier string) ([]byte, error)
	Save(ctx context.Context, identifier string, secret []byte) error
	Delete(ctx context.Context, identifier string) error
	Exists(ctx context.Context, identifier string) (bool, error)
}
