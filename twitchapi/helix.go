// Package twitchapi contains minimal helpers to interact with Twitch Helix APIs
// on behalf of the signed-in user: resolving logins, listing followed live
// streams and sending chat messages. Every call is authorized with the user
// access token handed out by a UserTokenSource at request time.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
)

const helixBase = "https://api.twitch.tv/helix"

// ErrUnauthorized is returned when Helix rejects the user token (HTTP 401).
var ErrUnauthorized = errors.New("twitchapi: unauthorized")

// UserTokenSource hands out a currently valid user access token.
type UserTokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// HelixClient provides the Helix endpoints the watch dashboard needs.
type HelixClient struct {
	Tokens     UserTokenSource
	ClientID   string
	HTTPClient *http.Client
}

// Stream is one live stream from /helix/streams/followed.
type Stream struct {
	UserLogin    string `json:"user_login"`
	UserName     string `json:"user_name"`
	Title        string `json:"title"`
	GameName     string `json:"game_name"`
	ViewerCount  int    `json:"viewer_count"`
	ThumbnailURL string `json:"thumbnail_url"`
	StartedAt    string `json:"started_at"`
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

// do sends an authorized Helix request and decodes a 2xx JSON body into out (if non-nil).
func (hc *HelixClient) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	tok, err := hc.Tokens.AccessToken(ctx)
	if err != nil {
		return err
	}
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	u := helixBase + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s %s", ErrUnauthorized, method, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("helix %s %s failed: %s: %s", method, path, resp.Status, string(b))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	var body struct {
		Data []struct {
			ID    string `json:"id"`
			Login string `json:"login"`
		} `json:"data"`
	}
	if err := hc.do(ctx, http.MethodGet, "/users", url.Values{"login": {login}}, nil, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("user not found")
	}
	return body.Data[0].ID, nil
}

// GetFollowedStreams lists the live streams userID follows, walking every page.
func (hc *HelixClient) GetFollowedStreams(ctx context.Context, userID string) ([]Stream, error) {
	if userID == "" {
		return nil, fmt.Errorf("userID empty")
	}
	var out []Stream
	after := ""
	for page := 0; page < 10; page++ {
		q := url.Values{"user_id": {userID}, "first": {"100"}}
		if after != "" {
			q.Set("after", after)
		}
		var body struct {
			Data       []Stream `json:"data"`
			Pagination struct {
				Cursor string `json:"cursor"`
			} `json:"pagination"`
		}
		if err := hc.do(ctx, http.MethodGet, "/streams/followed", q, nil, &body); err != nil {
			return nil, err
		}
		out = append(out, body.Data...)
		if body.Pagination.Cursor == "" || len(body.Data) == 0 {
			break
		}
		after = body.Pagination.Cursor
	}
	if out == nil {
		out = []Stream{}
	}
	return out, nil
}

// SendChatMessage posts text to broadcasterID's chat as senderID.
// A message Twitch accepts but refuses to deliver (is_sent=false) is an error.
func (hc *HelixClient) SendChatMessage(ctx context.Context, broadcasterID, senderID, text string) error {
	if broadcasterID == "" || senderID == "" {
		return fmt.Errorf("broadcaster and sender ids required")
	}
	req := map[string]string{
		"broadcaster_id": broadcasterID,
		"sender_id":      senderID,
		"message":        text,
	}
	var body struct {
		Data []struct {
			MessageID  string `json:"message_id"`
			IsSent     bool   `json:"is_sent"`
			DropReason *struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"drop_reason"`
		} `json:"data"`
	}
	if err := hc.do(ctx, http.MethodPost, "/chat/messages", nil, req, &body); err != nil {
		return err
	}
	if len(body.Data) == 0 {
		return fmt.Errorf("chat message: empty response")
	}
	if d := body.Data[0]; !d.IsSent {
		if d.DropReason != nil {
			return fmt.Errorf("chat message dropped: %s: %s", d.DropReason.Code, d.DropReason.Message)
		}
		return fmt.Errorf("chat message dropped")
	}
	return nil
}
