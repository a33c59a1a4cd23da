// Package invoker runs Airtable calls on behalf of a principal and recovers
// from an expired access token by refreshing it once and retrying.
package invoker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"formsync/api/internal/airtable"
	"formsync/api/internal/logging"
	"formsync/api/internal/store"
)

var ErrRefreshFailed = errors.New("credential refresh failed")

type CredentialStore interface {
	GetCredential(ctx context.Context, principalID string) (store.Credential, error)
	UpdateCredentialTokens(ctx context.Context, principalID string, expectedVersion int64, update store.TokenUpdate) (store.Credential, error)
}

type TokenRefresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (airtable.Token, error)
}

// Locker guards a refresh across processes. Lock returns once the caller
// holds the named lock.
type Locker interface {
	Lock(ctx context.Context, name string) (func(), error)
}

type Invoker struct {
	credentials    CredentialStore
	refresher      TokenRefresher
	locker         Locker
	logger         logging.Logger
	refreshTimeout time.Duration
	flights        singleflight.Group
}

type Option func(*Invoker)

// WithLocker adds a cross-process lock around each refresh.
func WithLocker(locker Locker) Option {
	return func(inv *Invoker) { inv.locker = locker }
}

func WithLogger(logger logging.Logger) Option {
	return func(inv *Invoker) { inv.logger = logger }
}

func WithRefreshTimeout(timeout time.Duration) Option {
	return func(inv *Invoker) {
		if timeout > 0 {
			inv.refreshTimeout = timeout
		}
	}
}

func New(credentials CredentialStore, refresher TokenRefresher, opts ...Option) *Invoker {
	inv := &Invoker{
		credentials:    credentials,
		refresher:      refresher,
		logger:         logging.Discard(),
		refreshTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Do calls action with the principal's access token. When Airtable rejects
// the token and a refresh token is on file, the credential is refreshed and
// action runs exactly once more; its outcome is returned as-is.
func Do[T any](ctx context.Context, inv *Invoker, principalID string, action func(ctx context.Context, accessToken string) (T, error)) (T, error) {
	var zero T
	cred, err := inv.credentials.GetCredential(ctx, principalID)
	if err != nil {
		return zero, fmt.Errorf("load credential: %w", err)
	}

	result, err := action(ctx, cred.AccessToken)
	if err == nil {
		return result, nil
	}
	if !airtable.IsAuthError(err) || !cred.HasRefreshToken() {
		return zero, err
	}

	inv.logger.Info(ctx, "airtable rejected access token, refreshing", "principal_id", principalID)
	accessToken, refreshErr := inv.refresh(ctx, principalID, cred.AccessToken)
	if refreshErr != nil {
		return zero, refreshErr
	}
	return action(ctx, accessToken)
}

// refresh returns a usable access token for principalID. Concurrent callers
// for one principal share a single exchange.
func (inv *Invoker) refresh(ctx context.Context, principalID, rejectedToken string) (string, error) {
	ch := inv.flights.DoChan(principalID, func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), inv.refreshTimeout)
		defer cancel()
		return inv.exchange(flightCtx, principalID, rejectedToken)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (inv *Invoker) exchange(ctx context.Context, principalID, rejectedToken string) (string, error) {
	if inv.locker != nil {
		unlock, err := inv.locker.Lock(ctx, principalID)
		if err != nil {
			return "", fmt.Errorf("%w: acquire lock: %w", ErrRefreshFailed, err)
		}
		defer unlock()
	}

	cred, err := inv.credentials.GetCredential(ctx, principalID)
	if err != nil {
		return "", fmt.Errorf("reload credential: %w", err)
	}
	if cred.AccessToken != rejectedToken {
		// Another caller already refreshed.
		return cred.AccessToken, nil
	}
	if !cred.HasRefreshToken() {
		return "", fmt.Errorf("%w: no refresh token on file", ErrRefreshFailed)
	}

	token, err := inv.refresher.RefreshToken(ctx, cred.RefreshToken)
	if err != nil {
		inv.logger.Warn(ctx, "credential refresh failed", "principal_id", principalID, "error", err)
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	updated, err := inv.credentials.UpdateCredentialTokens(ctx, principalID, cred.Version, store.TokenUpdate{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
	})
	if errors.Is(err, store.ErrVersionConflict) {
		latest, reloadErr := inv.credentials.GetCredential(ctx, principalID)
		if reloadErr != nil {
			return "", fmt.Errorf("reload credential after conflict: %w", reloadErr)
		}
		return latest.AccessToken, nil
	}
	if err != nil {
		return "", fmt.Errorf("persist refreshed credential: %w", err)
	}
	inv.logger.Info(ctx, "credential refreshed", "principal_id", principalID, "version", updated.Version)
	return updated.AccessToken, nil
}
