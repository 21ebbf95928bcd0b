// Package credential owns the signed-in user's Twitch OAuth credential.
//
// The Store validates the access token against Twitch before handing it out,
// refreshes it when Twitch rejects it, and persists every new credential. Any
// number of concurrent refresh attempts collapse into one token exchange.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/onnwee/stream-watch/telemetry"
	"github.com/onnwee/stream-watch/twitchapi"
)

var (
	// ErrAuthExpired means there is no usable credential; the user must sign in again.
	ErrAuthExpired = errors.New("credential: authorization expired")
	// ErrRefreshFailed means the refresh token exchange was rejected or could not complete.
	ErrRefreshFailed = errors.New("credential: refresh failed")
	// ErrGrantRejected is wrapped by Exchanger errors when the provider refused the
	// grant itself, as opposed to failing to answer.
	ErrGrantRejected = errors.New("credential: grant rejected")
)

const (
	// DefaultValidateInterval is how long a successful validation is trusted.
	DefaultValidateInterval = time.Minute
	// DefaultRefreshTimeout bounds one refresh exchange, independent of the callers waiting on it.
	DefaultRefreshTimeout = 30 * time.Second
)

// Credential is an OAuth token pair. ExpiresAt is zero when unknown.
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
}

// Exchanger performs OAuth grants against the identity provider.
type Exchanger interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (Credential, error)
	Refresh(ctx context.Context, refreshToken string) (Credential, error)
}

// Validator checks an access token with the identity provider.
// It returns twitchapi.ErrTokenInvalid when the token is no longer accepted.
type Validator interface {
	ValidateToken(ctx context.Context, accessToken string) (*twitchapi.TokenInfo, error)
}

// Persister stores the credential across restarts.
type Persister interface {
	LoadCredential(ctx context.Context) (Credential, bool, error)
	SaveCredential(ctx context.Context, c Credential) error
}

// Store is safe for concurrent use.
type Store struct {
	exch      Exchanger
	validator Validator
	persist   Persister

	// ValidateInterval bounds how often Valid calls the validator.
	ValidateInterval time.Duration
	// RefreshTimeout bounds a single refresh exchange.
	RefreshTimeout time.Duration

	mu          sync.RWMutex
	cred        Credential
	have        bool
	validatedAt time.Time
	userID      string
	login       string
	// rejected holds a refresh token the provider refused; it is never exchanged again.
	rejected string

	group singleflight.Group
	now   func() time.Time
}

// New builds a Store. persist may be nil for an in-memory store.
func New(exch Exchanger, validator Validator, persist Persister) *Store {
	return &Store{
		exch:             exch,
		validator:        validator,
		persist:          persist,
		ValidateInterval: DefaultValidateInterval,
		RefreshTimeout:   DefaultRefreshTimeout,
		now:              time.Now,
	}
}

// Load restores the persisted credential, if any.
func (s *Store) Load(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	c, ok, err := s.persist.LoadCredential(ctx)
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	if !ok {
		return nil
	}
	s.mu.Lock()
	s.cred, s.have = c, true
	s.validatedAt = time.Time{}
	s.mu.Unlock()
	slog.Info("credential loaded", slog.String("component", "credential"), slog.Time("expires_at", c.ExpiresAt))
	return nil
}

// Has reports whether any credential is held, valid or not.
func (s *Store) Has() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.have
}

// AuthCodeURL returns the authorization URL the user is sent to for sign-in.
func (s *Store) AuthCodeURL(state string) string {
	return s.exch.AuthCodeURL(state)
}

// Authorize completes the authorization code grant and stores the result.
func (s *Store) Authorize(ctx context.Context, code string) error {
	c, err := s.exch.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("authorization code exchange: %w", err)
	}
	s.mu.Lock()
	s.cred, s.have = c, true
	s.validatedAt = time.Time{}
	s.userID, s.login = "", ""
	s.rejected = ""
	s.mu.Unlock()
	s.save(ctx, c)
	slog.Info("credential authorized", slog.String("component", "credential"))
	return nil
}

// Valid returns a credential Twitch currently accepts, refreshing it if needed.
func (s *Store) Valid(ctx context.Context) (Credential, error) {
	s.mu.RLock()
	c, have, validatedAt := s.cred, s.have, s.validatedAt
	s.mu.RUnlock()
	if !have {
		return Credential{}, ErrAuthExpired
	}

	now := s.now()
	expired := !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
	if !expired {
		if !validatedAt.IsZero() && now.Sub(validatedAt) < s.ValidateInterval {
			return c, nil
		}
		err := s.validate(ctx, c)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, twitchapi.ErrTokenInvalid) {
			// Transient validation failure: keep serving the token we have.
			slog.Warn("token validation failed", slog.String("component", "credential"), slog.Any("err", err))
			return c, nil
		}
	}

	nc, err := s.Refresh(ctx)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %w", ErrAuthExpired, err)
	}
	return nc, nil
}

// AccessToken returns the current valid access token.
func (s *Store) AccessToken(ctx context.Context) (string, error) {
	c, err := s.Valid(ctx)
	if err != nil {
		return "", err
	}
	return c.AccessToken, nil
}

// UserID returns the Twitch user id the credential belongs to.
func (s *Store) UserID(ctx context.Context) (string, error) {
	s.mu.RLock()
	id := s.userID
	s.mu.RUnlock()
	if id != "" {
		return id, nil
	}
	c, err := s.Valid(ctx)
	if err != nil {
		return "", err
	}
	s.mu.RLock()
	id = s.userID
	s.mu.RUnlock()
	if id != "" {
		return id, nil
	}
	if err := s.validate(ctx, c); err != nil {
		return "", fmt.Errorf("resolve user id: %w", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID, nil
}

// NeedsRefresh reports whether the held credential expires within window.
func (s *Store) NeedsRefresh(window time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.have || s.cred.ExpiresAt.IsZero() || s.cred.RefreshToken == "" || s.cred.RefreshToken == s.rejected {
		return false
	}
	return s.cred.ExpiresAt.Sub(s.now()) <= window
}

// Refresh exchanges the refresh token for a new credential. Concurrent callers
// share a single in-flight exchange and all observe its result. The exchange
// is detached from the caller's cancellation; a caller that gives up stops
// waiting without aborting it for the others.
func (s *Store) Refresh(ctx context.Context) (Credential, error) {
	ch := s.group.DoChan("refresh", func() (any, error) {
		timeout := s.RefreshTimeout
		if timeout <= 0 {
			timeout = DefaultRefreshTimeout
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		return s.refresh(rctx)
	})
	select {
	case <-ctx.Done():
		return Credential{}, fmt.Errorf("%w: %w", ErrRefreshFailed, ctx.Err())
	case res := <-ch:
		if res.Shared {
			slog.Debug("joined in-flight token refresh", slog.String("component", "credential"))
		}
		if res.Err != nil {
			return Credential{}, res.Err
		}
		return res.Val.(Credential), nil
	}
}

func (s *Store) refresh(ctx context.Context) (Credential, error) {
	ctx, span := telemetry.StartSpan(ctx, "credential", "credential.refresh")
	defer span.End()

	s.mu.RLock()
	have, rt, rejected, scope := s.have, s.cred.RefreshToken, s.rejected, s.cred.Scope
	s.mu.RUnlock()
	if !have || rt == "" {
		err := fmt.Errorf("%w: no refresh token", ErrRefreshFailed)
		telemetry.RecordError(span, err)
		return Credential{}, err
	}
	if rt == rejected {
		return Credential{}, fmt.Errorf("%w: refresh token previously rejected", ErrRefreshFailed)
	}

	nc, err := s.exch.Refresh(ctx, rt)
	if err != nil {
		telemetry.IncTokenRefresh("error")
		telemetry.RecordError(span, err)
		// Only a refusal is final; outages and timeouts are retried on the next call.
		rejected := errors.Is(err, ErrGrantRejected)
		if rejected {
			s.mu.Lock()
			if s.cred.RefreshToken == rt {
				s.rejected = rt
			}
			s.mu.Unlock()
		}
		slog.Warn("token refresh failed", slog.String("component", "credential"), slog.Bool("rejected", rejected), slog.Any("err", err))
		return Credential{}, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	if nc.RefreshToken == "" {
		nc.RefreshToken = rt
	}
	if nc.Scope == "" {
		nc.Scope = scope
	}

	s.mu.Lock()
	s.cred, s.have = nc, true
	s.validatedAt = s.now()
	s.mu.Unlock()
	s.save(ctx, nc)

	telemetry.IncTokenRefresh("ok")
	telemetry.SetSpanSuccess(span)
	slog.Info("token refreshed", slog.String("component", "credential"), slog.Time("expires_at", nc.ExpiresAt))
	return nc, nil
}

// validate checks c with the validator and records the identity on success.
func (s *Store) validate(ctx context.Context, c Credential) error {
	info, err := s.validator.ValidateToken(ctx, c.AccessToken)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred.AccessToken != c.AccessToken {
		return nil
	}
	now := s.now()
	s.validatedAt = now
	s.userID, s.login = info.UserID, info.Login
	if s.cred.ExpiresAt.IsZero() {
		s.cred.ExpiresAt = info.Expiry(now)
	}
	return nil
}

func (s *Store) save(ctx context.Context, c Credential) {
	if s.persist == nil {
		return
	}
	if err := s.persist.SaveCredential(ctx, c); err != nil {
		slog.Error("persist credential failed", slog.String("component", "credential"), slog.Any("err", err))
	}
}
