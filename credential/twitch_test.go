package credential_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/onnwee/stream-watch/credential"
	"github.com/onnwee/stream-watch/testutil"
	"github.com/onnwee/stream-watch/twitchapi"
)

type memPersister struct {
	mu   sync.Mutex
	cred credential.Credential
	have bool
}

func (m *memPersister) LoadCredential(context.Context) (credential.Credential, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cred, m.have, nil
}

func (m *memPersister) SaveCredential(_ context.Context, c credential.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred, m.have = c, true
	return nil
}

func newTwitchStore(m *testutil.MockTwitchServer, p credential.Persister) *credential.Store {
	return credential.New(
		&credential.OAuthExchanger{
			Config:     twitchapi.NewOAuthConfig("cid", "secret", "http://localhost:3002/auth/twitch/callback", "user:read:follows user:write:chat"),
			HTTPClient: m.HTTPClient(),
		},
		&twitchapi.Validator{HTTPClient: m.HTTPClient()},
		p,
	)
}

func TestStoreAgainstTwitch(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.MockOAuthTokenResponse("access-1", "refresh-1", 14400)
	m.MockValidateResponse("42", "viewer", 14400)

	p := &memPersister{}
	s := newTwitchStore(m, p)
	if _, err := s.Valid(context.Background()); !errors.Is(err, credential.ErrAuthExpired) {
		t.Fatalf("Valid() before sign-in = %v, want ErrAuthExpired", err)
	}

	if err := s.Authorize(context.Background(), "code"); err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	c, err := s.Valid(context.Background())
	if err != nil {
		t.Fatalf("Valid() error = %v", err)
	}
	if c.AccessToken != "access-1" || c.RefreshToken != "refresh-1" || c.Scope != "user:read:follows user:write:chat" {
		t.Errorf("Valid() = %+v", c)
	}
	id, err := s.UserID(context.Background())
	if err != nil || id != "42" {
		t.Errorf("UserID() = %q, %v", id, err)
	}
	if got := p.cred.AccessToken; got != "access-1" {
		t.Errorf("persisted access token = %q", got)
	}

	validates := m.Requests("/oauth2/validate")
	if len(validates) != 1 {
		t.Fatalf("validate calls = %d, want 1 within the validation interval", len(validates))
	}
	if got := validates[0].Header.Get("Authorization"); got != "OAuth access-1" {
		t.Errorf("validate Authorization = %q", got)
	}
}

func TestStoreRefreshesRejectedToken(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.MockValidateResponse("", "", 0)
	m.MockOAuthTokenResponse("access-2", "refresh-2", 14400)

	p := &memPersister{cred: credential.Credential{AccessToken: "stale", RefreshToken: "refresh-1"}, have: true}
	s := newTwitchStore(m, p)
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	c, err := s.Valid(context.Background())
	if err != nil {
		t.Fatalf("Valid() error = %v", err)
	}
	if c.AccessToken != "access-2" {
		t.Errorf("Valid() access token = %q, want the refreshed one", c.AccessToken)
	}
	if n := len(m.Requests("/oauth2/token")); n != 1 {
		t.Errorf("token requests = %d, want 1", n)
	}
	if p.cred.RefreshToken != "refresh-2" {
		t.Errorf("persisted refresh token = %q", p.cred.RefreshToken)
	}
}
