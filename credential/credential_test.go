package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/stream-watch/twitchapi"
)

type fakeExchanger struct {
	refreshes atomic.Int32
	exchanges atomic.Int32
	started   chan struct{}
	release   chan struct{}
	err       error
	next      Credential

	mu      sync.Mutex
	ctxErrs []error
}

func (f *fakeExchanger) exchangeCtxErrs() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]error(nil), f.ctxErrs...)
}

func (f *fakeExchanger) AuthCodeURL(state string) string { return "https://auth.example/?state=" + state }

func (f *fakeExchanger) Exchange(_ context.Context, code string) (Credential, error) {
	f.exchanges.Add(1)
	if code == "bad" {
		return Credential{}, errors.New("invalid code")
	}
	return Credential{AccessToken: "access-" + code, RefreshToken: "refresh-" + code, ExpiresAt: time.Now().Add(4 * time.Hour)}, nil
}

func (f *fakeExchanger) Refresh(ctx context.Context, rt string) (Credential, error) {
	n := f.refreshes.Add(1)
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	f.mu.Unlock()
	if f.err != nil {
		return Credential{}, f.err
	}
	if f.next.AccessToken != "" {
		return f.next, nil
	}
	return Credential{AccessToken: fmt.Sprintf("refreshed-%d", n), ExpiresAt: time.Now().Add(4 * time.Hour)}, nil
}

type fakeValidator struct {
	mu    sync.Mutex
	valid map[string]bool
	err   error
	calls int
}

func (f *fakeValidator) ValidateToken(_ context.Context, tok string) (*twitchapi.TokenInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if !f.valid[tok] {
		return nil, twitchapi.ErrTokenInvalid
	}
	return &twitchapi.TokenInfo{UserID: "42", Login: "viewer", ExpiresIn: 3600}, nil
}

func (f *fakeValidator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type memPersister struct {
	mu    sync.Mutex
	cred  Credential
	have  bool
	saves int
}

func (m *memPersister) LoadCredential(context.Context) (Credential, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cred, m.have, nil
}

func (m *memPersister) SaveCredential(_ context.Context, c Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred, m.have = c, true
	m.saves++
	return nil
}

func newLoadedStore(t *testing.T, exch *fakeExchanger, v *fakeValidator, c Credential) (*Store, *memPersister) {
	t.Helper()
	p := &memPersister{cred: c, have: true}
	s := New(exch, v, p)
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return s, p
}

func TestValidWithoutCredential(t *testing.T) {
	s := New(&fakeExchanger{}, &fakeValidator{}, nil)
	if _, err := s.Valid(context.Background()); !errors.Is(err, ErrAuthExpired) {
		t.Errorf("Valid() error = %v, want ErrAuthExpired", err)
	}
	if s.Has() {
		t.Error("Has() = true for empty store")
	}
}

func TestValidCachesValidation(t *testing.T) {
	v := &fakeValidator{valid: map[string]bool{"a1": true}}
	s, _ := newLoadedStore(t, &fakeExchanger{}, v, Credential{AccessToken: "a1", RefreshToken: "r1"})

	for i := 0; i < 3; i++ {
		c, err := s.Valid(context.Background())
		if err != nil {
			t.Fatalf("Valid() error = %v", err)
		}
		if c.AccessToken != "a1" {
			t.Errorf("AccessToken = %q, want a1", c.AccessToken)
		}
	}
	if got := v.count(); got != 1 {
		t.Errorf("validator calls = %d, want 1 within the validation interval", got)
	}

	s.now = func() time.Time { return time.Now().Add(2 * DefaultValidateInterval) }
	if _, err := s.Valid(context.Background()); err != nil {
		t.Fatalf("Valid() error = %v", err)
	}
	if got := v.count(); got != 2 {
		t.Errorf("validator calls = %d, want 2 after interval", got)
	}
}

func TestValidRefreshesInvalidToken(t *testing.T) {
	exch := &fakeExchanger{}
	v := &fakeValidator{valid: map[string]bool{}}
	s, p := newLoadedStore(t, exch, v, Credential{AccessToken: "stale", RefreshToken: "r1", Scope: "user:read:follows"})

	c, err := s.Valid(context.Background())
	if err != nil {
		t.Fatalf("Valid() error = %v", err)
	}
	if c.AccessToken != "refreshed-1" {
		t.Errorf("AccessToken = %q, want refreshed-1", c.AccessToken)
	}
	if c.RefreshToken != "r1" {
		t.Errorf("RefreshToken = %q, want previous token kept", c.RefreshToken)
	}
	if c.Scope != "user:read:follows" {
		t.Errorf("Scope = %q, want carried over", c.Scope)
	}
	if p.saves != 1 || p.cred.AccessToken != "refreshed-1" {
		t.Errorf("persisted = %+v (saves=%d)", p.cred, p.saves)
	}
}

func TestValidExpiredSkipsValidation(t *testing.T) {
	exch := &fakeExchanger{}
	v := &fakeValidator{valid: map[string]bool{"old": true}}
	s, _ := newLoadedStore(t, exch, v, Credential{AccessToken: "old", RefreshToken: "r1", ExpiresAt: time.Now().Add(-time.Minute)})

	if _, err := s.Valid(context.Background()); err != nil {
		t.Fatalf("Valid() error = %v", err)
	}
	if v.count() != 0 {
		t.Errorf("validator called for a token known to be expired")
	}
	if exch.refreshes.Load() != 1 {
		t.Errorf("refreshes = %d, want 1", exch.refreshes.Load())
	}
}

func TestValidTransientValidationError(t *testing.T) {
	exch := &fakeExchanger{}
	v := &fakeValidator{err: errors.New("connection reset")}
	s, _ := newLoadedStore(t, exch, v, Credential{AccessToken: "a1", RefreshToken: "r1"})

	c, err := s.Valid(context.Background())
	if err != nil {
		t.Fatalf("Valid() error = %v", err)
	}
	if c.AccessToken != "a1" {
		t.Errorf("AccessToken = %q, want a1", c.AccessToken)
	}
	if exch.refreshes.Load() != 0 {
		t.Error("transient validation error triggered a refresh")
	}
}

func TestRefreshFailureIsNotRetried(t *testing.T) {
	exch := &fakeExchanger{err: fmt.Errorf("%w: invalid refresh token", ErrGrantRejected)}
	v := &fakeValidator{valid: map[string]bool{}}
	s, _ := newLoadedStore(t, exch, v, Credential{AccessToken: "stale", RefreshToken: "r1"})

	_, err := s.Valid(context.Background())
	if !errors.Is(err, ErrAuthExpired) || !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("Valid() error = %v, want ErrAuthExpired wrapping ErrRefreshFailed", err)
	}
	if _, err := s.Refresh(context.Background()); !errors.Is(err, ErrRefreshFailed) {
		t.Errorf("Refresh() error = %v, want ErrRefreshFailed", err)
	}
	if got := exch.refreshes.Load(); got != 1 {
		t.Errorf("refresh exchanges = %d, want 1 (rejected token reused)", got)
	}
	if s.NeedsRefresh(time.Hour) {
		t.Error("NeedsRefresh() = true for a rejected refresh token")
	}

	// Signing in again clears the rejection.
	if err := s.Authorize(context.Background(), "fresh"); err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	exch.err = nil
	if _, err := s.Refresh(context.Background()); err != nil {
		t.Errorf("Refresh() after Authorize error = %v", err)
	}
}

func TestTransientRefreshFailureIsRetried(t *testing.T) {
	exch := &fakeExchanger{err: errors.New("token endpoint unreachable")}
	s, _ := newLoadedStore(t, exch, &fakeValidator{}, Credential{AccessToken: "a1", RefreshToken: "r1", ExpiresAt: time.Now().Add(-time.Minute)})

	if _, err := s.Valid(context.Background()); !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("Valid() during outage = %v, want ErrRefreshFailed", err)
	}
	if !s.NeedsRefresh(time.Hour) {
		t.Error("NeedsRefresh() = false after a transient failure")
	}

	exch.err = nil
	c, err := s.Valid(context.Background())
	if err != nil {
		t.Fatalf("Valid() after recovery error = %v", err)
	}
	if c.AccessToken != "refreshed-2" {
		t.Errorf("AccessToken = %q, want refreshed-2", c.AccessToken)
	}
	if got := exch.refreshes.Load(); got != 2 {
		t.Errorf("refresh exchanges = %d, want 2", got)
	}
}

func TestRefreshOutlivesCancelledCaller(t *testing.T) {
	exch := &fakeExchanger{started: make(chan struct{}, 1), release: make(chan struct{})}
	s, _ := newLoadedStore(t, exch, &fakeValidator{}, Credential{AccessToken: "a1", RefreshToken: "r1"})

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := s.Refresh(ctx)
		firstErr <- err
	}()
	<-exch.started

	joined := make(chan Credential, 1)
	joinErr := make(chan error, 1)
	go func() {
		c, err := s.Refresh(context.Background())
		joined <- c
		joinErr <- err
	}()

	cancel()
	select {
	case err := <-firstErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("cancelled caller err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller still waiting on the exchange")
	}

	time.Sleep(20 * time.Millisecond)
	close(exch.release)
	if err := <-joinErr; err != nil {
		t.Fatalf("joined caller err = %v", err)
	}
	if c := <-joined; c.AccessToken == "" {
		t.Error("joined caller got an empty credential")
	}
	if errs := exch.exchangeCtxErrs(); len(errs) == 0 || errs[0] != nil {
		t.Errorf("exchange context errors = %v, want the first exchange uncancelled", errs)
	}

	// The refresh token is still usable afterwards.
	if _, err := s.Refresh(context.Background()); err != nil {
		t.Errorf("Refresh() after cancelled caller err = %v", err)
	}
}

func TestOAuthExchangerTransientFailure(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "a2", "refresh_token": "r2", "expires_in": 3600, "token_type": "bearer",
		})
	}))
	defer server.Close()

	exch := &OAuthExchanger{Config: &oauth2.Config{
		ClientID:     "cid",
		ClientSecret: "secret",
		Endpoint:     oauth2.Endpoint{TokenURL: server.URL + "/oauth2/token", AuthStyle: oauth2.AuthStyleInParams},
	}}
	p := &memPersister{cred: Credential{AccessToken: "a1", RefreshToken: "r1", ExpiresAt: time.Now().Add(-time.Minute)}, have: true}
	s := New(exch, &fakeValidator{}, p)
	if err := s.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	_, err := s.Valid(context.Background())
	if !errors.Is(err, ErrRefreshFailed) || errors.Is(err, ErrGrantRejected) {
		t.Fatalf("Valid() on 503 = %v, want a transient ErrRefreshFailed", err)
	}
	c, err := s.Valid(context.Background())
	if err != nil {
		t.Fatalf("Valid() after recovery error = %v", err)
	}
	if c.AccessToken != "a2" || calls.Load() != 2 {
		t.Errorf("Valid() = %+v after %d token calls", c, calls.Load())
	}
}

func TestConcurrentRefreshSingleExchange(t *testing.T) {
	exch := &fakeExchanger{started: make(chan struct{}, 1), release: make(chan struct{})}
	s, _ := newLoadedStore(t, exch, &fakeValidator{}, Credential{AccessToken: "a1", RefreshToken: "r1"})

	const n = 16
	var wg sync.WaitGroup
	results := make([]Credential, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.Refresh(context.Background())
		}(i)
	}

	<-exch.started
	// Give the remaining callers time to join the in-flight exchange.
	time.Sleep(100 * time.Millisecond)
	close(exch.release)
	wg.Wait()

	if got := exch.refreshes.Load(); got != 1 {
		t.Fatalf("refresh exchanges = %d, want 1", got)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Errorf("caller %d error = %v", i, errs[i])
		}
		if results[i].AccessToken != "refreshed-1" {
			t.Errorf("caller %d AccessToken = %q, want refreshed-1", i, results[i].AccessToken)
		}
	}
}

func TestAuthorize(t *testing.T) {
	exch := &fakeExchanger{}
	v := &fakeValidator{valid: map[string]bool{"access-code1": true}}
	p := &memPersister{}
	s := New(exch, v, p)

	if err := s.Authorize(context.Background(), "bad"); err == nil {
		t.Error("Authorize() with bad code expected error")
	}
	if s.Has() {
		t.Error("failed Authorize stored a credential")
	}

	if err := s.Authorize(context.Background(), "code1"); err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if !s.Has() || p.cred.AccessToken != "access-code1" {
		t.Errorf("credential not stored/persisted: %+v", p.cred)
	}
	tok, err := s.AccessToken(context.Background())
	if err != nil || tok != "access-code1" {
		t.Errorf("AccessToken() = %q, %v", tok, err)
	}
	id, err := s.UserID(context.Background())
	if err != nil || id != "42" {
		t.Errorf("UserID() = %q, %v; want 42", id, err)
	}
	if got := s.AuthCodeURL("xyz"); !strings.Contains(got, "state=xyz") {
		t.Errorf("AuthCodeURL() = %q", got)
	}
}

func TestNeedsRefresh(t *testing.T) {
	s, _ := newLoadedStore(t, &fakeExchanger{}, &fakeValidator{}, Credential{AccessToken: "a", RefreshToken: "r", ExpiresAt: time.Now().Add(10 * time.Minute)})
	if !s.NeedsRefresh(15 * time.Minute) {
		t.Error("NeedsRefresh(15m) = false for token expiring in 10m")
	}
	if s.NeedsRefresh(5 * time.Minute) {
		t.Error("NeedsRefresh(5m) = true for token expiring in 10m")
	}
	empty := New(&fakeExchanger{}, &fakeValidator{}, nil)
	if empty.NeedsRefresh(time.Hour) {
		t.Error("NeedsRefresh() = true without credential")
	}
}

func TestOAuthExchanger(t *testing.T) {
	var (
		mu     sync.Mutex
		grants []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
			return
		}
		mu.Lock()
		grants = append(grants, r.Form.Get("grant_type"))
		mu.Unlock()
		if r.Form.Get("client_id") != "cid" || r.Form.Get("client_secret") != "secret" {
			t.Errorf("client credentials not sent in params: %v", r.Form)
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.Form.Get("grant_type") {
		case "authorization_code":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"access_token": "a1", "refresh_token": "r1", "expires_in": 3600, "token_type": "bearer",
				"scope": []string{"user:read:follows", "user:write:chat"},
			})
		case "refresh_token":
			if r.Form.Get("refresh_token") != "r1" {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
				return
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"access_token": "a2", "refresh_token": "r2", "expires_in": 3600, "token_type": "bearer",
			})
		}
	}))
	defer server.Close()

	exch := &OAuthExchanger{Config: &oauth2.Config{
		ClientID:     "cid",
		ClientSecret: "secret",
		RedirectURL:  "http://localhost:3002/auth/twitch/callback",
		Endpoint: oauth2.Endpoint{
			AuthURL:   server.URL + "/oauth2/authorize",
			TokenURL:  server.URL + "/oauth2/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}}

	c, err := exch.Exchange(context.Background(), "code")
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	if c.AccessToken != "a1" || c.RefreshToken != "r1" || c.Scope != "user:read:follows user:write:chat" {
		t.Errorf("Exchange() = %+v", c)
	}
	if time.Until(c.ExpiresAt) < 50*time.Minute {
		t.Errorf("ExpiresAt = %v, want about an hour out", c.ExpiresAt)
	}

	c, err = exch.Refresh(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if c.AccessToken != "a2" || c.RefreshToken != "r2" {
		t.Errorf("Refresh() = %+v", c)
	}
	if _, err := exch.Refresh(context.Background(), "revoked"); !errors.Is(err, ErrGrantRejected) {
		t.Errorf("Refresh() with revoked token err = %v, want ErrGrantRejected", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(grants) != 3 || grants[0] != "authorization_code" || grants[1] != "refresh_token" {
		t.Errorf("grants = %v", grants)
	}
	if u := exch.AuthCodeURL("s1"); !strings.Contains(u, "force_verify=true") || !strings.Contains(u, "state=s1") {
		t.Errorf("AuthCodeURL() = %q", u)
	}
}
