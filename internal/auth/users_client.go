package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/karchevskii/tictactoe/internal/models"
)

// UsersClient resolves credentials through the users service, forwarding
// the session cookie to GET <BaseURL>/users/me.
type UsersClient struct {
	BaseURL    string
	CookieName string
	HTTP       *http.Client
}

// NewUsersClient returns a client with a bounded request timeout.
func NewUsersClient(baseURL, cookieName string) *UsersClient {
	return &UsersClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		CookieName: cookieName,
		HTTP:       &http.Client{Timeout: 5 * time.Second},
	}
}

type meResponse struct {
	ID string `json:"id"`
}

// Resolve returns ErrUnauthenticated when the users service rejects the
// credential and ErrUnavailable when it cannot be reached or misbehaves.
func (c *UsersClient) Resolve(ctx context.Context, credential string) (models.ParticipantID, error) {
	if credential == "" {
		return "", ErrUnauthenticated
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/users/me", nil)
	if err != nil {
		return "", fmt.Errorf("build users request: %w", err)
	}
	req.AddCookie(&http.Cookie{Name: c.CookieName, Value: credential})

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: users service returned %d", ErrUnavailable, resp.StatusCode)
	default:
		return "", fmt.Errorf("%w: users service returned %d", ErrUnauthenticated, resp.StatusCode)
	}

	var me meResponse
	if err := json.NewDecoder(resp.Body).Decode(&me); err != nil {
		return "", fmt.Errorf("%w: decode users response: %v", ErrUnavailable, err)
	}
	if me.ID == "" {
		return "", fmt.Errorf("%w: users response has no id", ErrUnavailable)
	}
	return models.ParticipantID(me.ID), nil
}
