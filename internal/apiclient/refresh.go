package apiclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrReauthenticationRequired is returned when the credential could not be
// refreshed. The stored credential has been cleared and the user must sign
// in again.
var ErrReauthenticationRequired = errors.New("apiclient: reauthentication required")

// Credential is a bearer access token and the refresh token that renews it.
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// IsZero reports whether c holds no access token.
func (c Credential) IsZero() bool { return c.AccessToken == "" }

// RefreshFunc obtains a new credential.
type RefreshFunc func(ctx context.Context) (Credential, error)

// refreshKey is the only singleflight key: a client has one credential.
const refreshKey = "credential"

// RefreshCoordinator collapses concurrent refresh attempts into one. The
// first caller starts the refresh, everyone arriving while it runs shares its
// outcome, and the slot is free again once it settles.
type RefreshCoordinator struct {
	group   singleflight.Group
	timeout time.Duration
}

// NewRefreshCoordinator creates a coordinator whose refreshes are bounded by
// timeout (30s when zero).
func NewRefreshCoordinator(timeout time.Duration) *RefreshCoordinator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RefreshCoordinator{timeout: timeout}
}

// GetOrStartRefresh joins the refresh in flight or starts one with fn. The
// refresh runs on a context detached from the caller: a caller whose ctx ends
// gets ctx.Err() while the refresh carries on for the others.
func (c *RefreshCoordinator) GetOrStartRefresh(ctx context.Context, fn RefreshFunc) (Credential, error) {
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(refreshKey, func() (any, error) {
		rctx, cancel := context.WithTimeout(detached, c.timeout)
		defer cancel()
		return fn(rctx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Credential{}, res.Err
		}
		return res.Val.(Credential), nil
	case <-ctx.Done():
		return Credential{}, ctx.Err()
	}
}

// CredentialStore holds the client's current credential.
type CredentialStore interface {
	Get() Credential
	Set(Credential)
	Clear()
}

// MemoryStore is a process-local CredentialStore.
type MemoryStore struct {
	mu   sync.RWMutex
	cred Credential
}

// NewMemoryStore returns a store seeded with cred.
func NewMemoryStore(cred Credential) *MemoryStore {
	return &MemoryStore{cred: cred}
}

func (s *MemoryStore) Get() Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred
}

func (s *MemoryStore) Set(c Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = c
}

func (s *MemoryStore) Clear() {
	s.Set(Credential{})
}
