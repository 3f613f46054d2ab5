package secrets

import (
	"context"
	"fmt"
)

// Store fetches named secret material from an external parameter store.
// Implementations must not log or persist returned values; callers hold them
// only for the duration of a single request flow.
type Store interface {
	Get(ctx context.Context, name string, decrypt bool) (string, error)
}

// Static serves secrets from a fixed in-memory mapping. Intended for tests
// and local development.
type Static map[string]string

// Get returns the mapped value for name. The decrypt flag is accepted for
// interface parity and ignored.
func (s Static) Get(_ context.Context, name string, _ bool) (string, error) {
	value, ok := s[name]
	if !ok {
		return "", fmt.Errorf("secrets: parameter %s not found", name)
	}
	return value, nil
}
