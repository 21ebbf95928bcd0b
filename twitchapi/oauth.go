package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/twitch"
)

const validateURL = "https://id.twitch.tv/oauth2/validate"

// ErrTokenInvalid is returned by ValidateToken when Twitch no longer accepts the token.
var ErrTokenInvalid = errors.New("twitchapi: token invalid")

// TokenInfo is the body of a successful /oauth2/validate call.
type TokenInfo struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

// Validator calls the Twitch token validation endpoint.
type Validator struct {
	HTTPClient *http.Client
}

// ValidateToken checks accessToken with Twitch. A 401 maps to ErrTokenInvalid;
// any other failure is returned as-is so callers can tell transient errors apart.
func (v *Validator) ValidateToken(ctx context.Context, accessToken string) (*TokenInfo, error) {
	if accessToken == "" {
		return nil, ErrTokenInvalid
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, validateURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "OAuth "+accessToken)
	hc := v.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrTokenInvalid
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("twitch validate failed: %s: %s", resp.Status, string(b))
	}
	var info TokenInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Expiry turns the validate response lifetime into an absolute time; zero when unknown.
func (ti *TokenInfo) Expiry(now time.Time) time.Time {
	if ti == nil || ti.ExpiresIn <= 0 {
		return time.Time{}
	}
	return now.Add(time.Duration(ti.ExpiresIn) * time.Second)
}

// NewOAuthConfig builds the authorization code flow config for the Twitch identity endpoints.
// scopes may be separated by spaces or commas.
func NewOAuthConfig(clientID, clientSecret, redirectURI, scopes string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURI,
		Endpoint:     twitch.Endpoint,
		Scopes:       strings.Fields(strings.ReplaceAll(scopes, ",", " ")),
	}
}
