// Package session implements the per-user streaming session registry: a
// mutex-guarded map from user id to an authenticated catalog client
// handle, with refresh-on-expired-token and a per-user "use fallback"
// flag for the unauthenticated search path. Refresh tokens are
// fingerprinted with argon2id before appearing in any log line.
package session

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/crypto/argon2"

	"github.com/fairyhunter13/soundsidecar/internal/domain"
)

// fingerprintSalt is fixed and non-secret: credentialFingerprint exists to
// give refresh-related log lines a stable correlation id for "which token",
// never to protect the token from anyone who already holds the salt. The
// raw token itself never leaves process memory and is never logged.
// Cost parameters are scaled down from password-hashing levels since this
// runs on every session refresh rather than on a rare login.
var fingerprintSalt = []byte("soundsidecar-session-fingerprint")

func credentialFingerprint(token string) string {
	if token == "" {
		return ""
	}
	sum := argon2.IDKey([]byte(token), fingerprintSalt, 1, 8*1024, 1, 8)
	return hex.EncodeToString(sum)
}

// State is the live session bound to a user: credentials plus the catalog
// client built from them.
type State struct {
	Creds  domain.Credentials
	Client domain.CatalogClient
}

type userEntry struct {
	mu          sync.Mutex
	state       *State
	useFallback bool
}

// Registry is the process-wide per-user session cache. One instance is
// shared across the streaming sidecar's HTTP handlers.
type Registry struct {
	factory domain.CatalogClientFactory
	users   sync.Map // map[string]*userEntry
	// onInvalidate, when set, clears the URL-extraction cache for a user
	// whenever their session is refreshed or dropped. Wired as a callback
	// rather than a direct import to keep session standalone of urlcache.
	onInvalidate func(userID string)
}

// New builds a Registry that mints catalog clients via factory.
func New(factory domain.CatalogClientFactory) *Registry {
	return &Registry{factory: factory}
}

// OnInvalidate registers a callback invoked with the user id whenever that
// user's session is refreshed or dropped, so the caller can clear the
// URL-extraction cache in step.
func (r *Registry) OnInvalidate(fn func(userID string)) {
	r.onInvalidate = fn
}

func (r *Registry) entry(userID string) *userEntry {
	v, _ := r.users.LoadOrStore(userID, &userEntry{})
	return v.(*userEntry)
}

// Restore builds a client from creds, verifies it with a lightweight
// session call, and installs it as the user's live session. On an
// expired-token error during verification, it attempts one refresh and
// retries verification before giving up.
func (r *Registry) Restore(ctx domain.Context, userID string, creds domain.Credentials) error {
	e := r.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()

	client := r.factory.NewClient(creds)
	err := client.VerifySession(ctx)
	if err != nil {
		if !domain.IsTokenExpired(err) {
			return fmt.Errorf("op=session.Restore: verify: %w", err)
		}
		refreshed, rerr := r.factory.RefreshToken(ctx, creds.RefreshToken)
		if rerr != nil {
			return fmt.Errorf("op=session.Restore: refresh after expired verify: %w", rerr)
		}
		client = r.factory.NewClient(refreshed)
		if verr := client.VerifySession(ctx); verr != nil {
			return fmt.Errorf("op=session.Restore: verify after refresh: %w", verr)
		}
		creds = refreshed
	}

	e.state = &State{Creds: creds, Client: client}
	e.useFallback = false
	slog.Info("session restored", slog.String("user_id", userID), slog.String("refresh_token_fp", credentialFingerprint(creds.RefreshToken)))
	return nil
}

// Get returns the user's live session handle, or ErrUnauthenticated if none
// has been restored.
func (r *Registry) Get(userID string) (*State, error) {
	v, ok := r.users.Load(userID)
	if !ok {
		return nil, domain.ErrUnauthenticated
	}
	e := v.(*userEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return nil, domain.ErrUnauthenticated
	}
	return e.state, nil
}

// Invalidate drops a user's handle and credentials, then calls the callback
// registered with OnInvalidate (if any) so the user's URL cache entries are
// cleared too; this package does not import urlcache (see
// urlcache.Cache.ClearUser).
func (r *Registry) Invalidate(userID string) {
	v, ok := r.users.Load(userID)
	if ok {
		e := v.(*userEntry)
		e.mu.Lock()
		if e.state != nil {
			slog.Info("session invalidated", slog.String("user_id", userID), slog.String("refresh_token_fp", credentialFingerprint(e.state.Creds.RefreshToken)))
		}
		e.state = nil
		e.useFallback = false
		e.mu.Unlock()
	}
	if r.onInvalidate != nil {
		r.onInvalidate(userID)
	}
}

// MarkFallback records that userID's unauthenticated/public search path
// should use the alternative client context from now on. The flag never
// invalidates an authenticated session.
func (r *Registry) MarkFallback(userID string) {
	e := r.entry(userID)
	e.mu.Lock()
	e.useFallback = true
	e.mu.Unlock()
}

// ShouldUseFallback reports whether userID has previously hit a known
// "invalid argument" response on the native public-search path.
func (r *Registry) ShouldUseFallback(userID string) bool {
	v, ok := r.users.Load(userID)
	if !ok {
		return false
	}
	e := v.(*userEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.useFallback
}

// RunWithRefresh executes op against the user's current client. If op
// fails with a recognized token-expired error, it acquires the user's
// mutex, re-verifies the current handle (another request may have already
// refreshed it), otherwise refreshes with the stored refresh token,
// installs the new handle, and retries op exactly once. Any other error
// propagates without a retry.
func RunWithRefresh[T any](ctx domain.Context, r *Registry, userID string, op func(domain.CatalogClient) (T, error)) (T, error) {
	var zero T
	state, err := r.Get(userID)
	if err != nil {
		return zero, err
	}

	res, err := op(state.Client)
	if err == nil {
		return res, nil
	}
	if !domain.IsTokenExpired(err) {
		return zero, err
	}

	e := r.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()

	// Another request may have refreshed while we waited for the lock.
	// Re-verify the replacement handle before trusting it; if that verify
	// itself reports expiry, fall through to a fresh refresh below.
	if e.state != nil && e.state.Client != state.Client {
		verr := e.state.Client.VerifySession(ctx)
		if verr == nil {
			return op(e.state.Client)
		}
		if !domain.IsTokenExpired(verr) {
			return zero, verr
		}
	}
	if e.state == nil || e.state.Creds.RefreshToken == "" {
		return zero, domain.ErrUnauthenticated
	}

	refreshed, rerr := r.factory.RefreshToken(ctx, e.state.Creds.RefreshToken)
	if rerr != nil {
		slog.Warn("session refresh failed, invalidating",
			slog.String("user_id", userID),
			slog.String("refresh_token_fp", credentialFingerprint(e.state.Creds.RefreshToken)),
			slog.Any("error", rerr))
		e.state = nil
		e.useFallback = false
		if r.onInvalidate != nil {
			r.onInvalidate(userID)
		}
		return zero, fmt.Errorf("%w: refresh failed: %v", domain.ErrUnauthenticated, rerr)
	}
	newClient := r.factory.NewClient(refreshed)
	slog.Info("session refreshed",
		slog.String("user_id", userID),
		slog.String("old_refresh_token_fp", credentialFingerprint(e.state.Creds.RefreshToken)),
		slog.String("new_refresh_token_fp", credentialFingerprint(refreshed.RefreshToken)))
	e.state = &State{Creds: refreshed, Client: newClient}
	if r.onInvalidate != nil {
		r.onInvalidate(userID)
	}
	return op(newClient)
}
