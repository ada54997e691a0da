// Package avatar talks to the hosted avatar renderer. Only session minting
// is exposed; audio reaches the avatar through the voice channel's
// passthrough, so nothing else of the vendor API surfaces here.
package avatar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/sunny-voice-lab/internal/logging"
)

// ErrSessionMint reports a failure to obtain an avatar session token.
var ErrSessionMint = errors.New("avatar: session mint failed")

// Client mints short-lived avatar session tokens.
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

type mintRequest struct {
	AvatarID               string `json:"avatarId"`
	EnableAudioPassthrough bool   `json:"enableAudioPassthrough"`
}

type mintResponse struct {
	SessionToken string `json:"sessionToken"`
	Token        string `json:"token"`
}

// MintSession creates a renderer session for the given avatar and returns
// its token. Audio passthrough is always requested so agent speech can be
// piped through without a second media hop.
func (c *Client) MintSession(ctx context.Context, avatarID string) (string, error) {
	body, err := json.Marshal(mintRequest{AvatarID: avatarID, EnableAudioPassthrough: true})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSessionMint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/sessions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSessionMint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSessionMint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		logging.Warnw("avatar: mint rejected", "status", resp.StatusCode, "detail", string(detail))
		return "", fmt.Errorf("%w: status %d", ErrSessionMint, resp.StatusCode)
	}

	var out mintResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrSessionMint, err)
	}
	token := out.SessionToken
	if token == "" {
		token = out.Token
	}
	if token == "" {
		return "", fmt.Errorf("%w: response carried no token", ErrSessionMint)
	}
	return token, nil
}
