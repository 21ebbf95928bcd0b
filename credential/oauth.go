package credential

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// OAuthExchanger performs grants through an oauth2.Config.
type OAuthExchanger struct {
	Config *oauth2.Config
	// HTTPClient overrides the client used for token requests (tests).
	HTTPClient *http.Client
}

func (o *OAuthExchanger) ctx(ctx context.Context) context.Context {
	if o.HTTPClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, o.HTTPClient)
	}
	return ctx
}

// AuthCodeURL forces the consent screen so scope changes are picked up.
func (o *OAuthExchanger) AuthCodeURL(state string) string {
	return o.Config.AuthCodeURL(state, oauth2.SetAuthURLParam("force_verify", "true"))
}

func (o *OAuthExchanger) Exchange(ctx context.Context, code string) (Credential, error) {
	tok, err := o.Config.Exchange(o.ctx(ctx), code)
	if err != nil {
		return Credential{}, err
	}
	return fromToken(tok), nil
}

func (o *OAuthExchanger) Refresh(ctx context.Context, refreshToken string) (Credential, error) {
	// An already expired token makes the source go straight to the refresh grant.
	src := o.Config.TokenSource(o.ctx(ctx), &oauth2.Token{
		RefreshToken: refreshToken,
		Expiry:       time.Now().Add(-time.Minute),
	})
	tok, err := src.Token()
	if err != nil {
		if refused(err) {
			return Credential{}, fmt.Errorf("%w: %w", ErrGrantRejected, err)
		}
		return Credential{}, err
	}
	return fromToken(tok), nil
}

// refused reports whether the token endpoint answered and turned the grant
// down. Twitch answers a bad refresh token with 400 and no error code.
func refused(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	if re.ErrorCode == "invalid_grant" {
		return true
	}
	if re.Response == nil {
		return false
	}
	return re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized
}

func fromToken(tok *oauth2.Token) Credential {
	return Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		Scope:        scopeString(tok.Extra("scope")),
	}
}

// Twitch reports scope as a JSON array; other providers use a space separated string.
func scopeString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []any:
		parts := make([]string, 0, len(s))
		for _, p := range s {
			if str, ok := p.(string); ok {
				parts = append(parts, str)
			}
		}
		return strings.Join(parts, " ")
	}
	return ""
}
