// Package rendezvous implements the client side of the relay HTTP API
// bootstrap signalling depends on: posting and draining a
// capped per-conversation message list. It never carries audio.
package rendezvous

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// Limits enforced client-side: conversation ids must be shorter than 64
// characters and message bodies at most 1024. The source compares the id to a
// bare number (`conversationId < 64`); read here as a length check on the
// id string, which is what these constants enforce.
const (
	MaxConversationIDLength = 64
	MaxMessageBodyLength    = 1024
)

// ErrConversationIDTooLong and ErrMessageTooLong guard the client against
// sending requests the relay would reject anyway.
var (
	ErrConversationIDTooLong = fmt.Errorf("rendezvous: conversation id must be shorter than %d characters", MaxConversationIDLength)
	ErrMessageTooLong        = fmt.Errorf("rendezvous: message body exceeds %d characters", MaxMessageBodyLength)
)

// Client talks to the rendezvous relay's HTTP API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a Client against baseURL. token, if non-empty, is sent as a
// JWT bearer credential on every request.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// NewSignedToken mints a bearer token for subject, signed with secret,
// expiring after ttl — used when this process itself issues tokens for
// peers rather than only consuming one from configuration.
func NewSignedToken(subject, secret string, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString([]byte(secret))
}

// PostMessage appends body to the conversation's capped message list.
func (c *Client) PostMessage(ctx context.Context, conversationID, body string) error {
	if len(conversationID) >= MaxConversationIDLength {
		return ErrConversationIDTooLong
	}
	if len(body) > MaxMessageBodyLength {
		return ErrMessageTooLong
	}

	url := fmt.Sprintf("%s/api/conversations/%s/messages", c.baseURL, conversationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte(body)))
	if err != nil {
		return fmt.Errorf("rendezvous: building request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("rendezvous: posting message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("rendezvous: post returned status %d", resp.StatusCode)
	}
	return nil
}

// DrainMessages atomically fetches and clears the conversation's pending
// message list.
func (c *Client) DrainMessages(ctx context.Context, conversationID string) ([]string, error) {
	if len(conversationID) >= MaxConversationIDLength {
		return nil, ErrConversationIDTooLong
	}

	url := fmt.Sprintf("%s/api/conversations/%s/messages", c.baseURL, conversationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: building request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: draining messages: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("rendezvous: drain returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: reading response: %w", err)
	}
	var messages []string
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("rendezvous: decoding response: %w", err)
	}
	return messages, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
