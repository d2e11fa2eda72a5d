// Package connector implements the self-host connector: it pairs with the
// hub once, then polls for commands and acknowledges each one.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Version is reported to the hub at pairing.
var Version = "dev"

// ErrUnauthorized is returned when the hub rejects the credential.
var ErrUnauthorized = errors.New("credential rejected by hub")

// Command is a command leased from the hub.
type Command struct {
	ID       string          `json:"id"`
	Action   string          `json:"action"`
	Payload  json.RawMessage `json:"payload"`
	IssuedAt time.Time       `json:"issued_at"`
}

// Ack reports the outcome of a command.
type Ack struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Credential is returned by a successful pairing.
type Credential struct {
	BearerCredential string `json:"bearer_credential"`
	ConnectorID      string `json:"connector_id"`
	HostID           string `json:"host_id"`
}

// Client talks to the hub's connector endpoints.
type Client struct {
	baseURL    string
	credential string
	http       *http.Client
}

// NewClient creates a client for the hub at baseURL.
func NewClient(baseURL, credential string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		credential: credential,
		http:       &http.Client{Timeout: 30 * time.Second},
	}
}

// Pair redeems a pairing token.
func (c *Client) Pair(ctx context.Context, token, name string) (*Credential, error) {
	body := map[string]string{
		"pairing_token": token,
		"name":          name,
		"version":       Version,
	}
	resp, err := c.do(ctx, http.MethodPost, "/api/connector/pair", "", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}
	var cred Credential
	if err := json.NewDecoder(resp.Body).Decode(&cred); err != nil {
		return nil, fmt.Errorf("decode credential: %w", err)
	}
	return &cred, nil
}

// Next leases the next command. It returns (nil, nil) when nothing is queued.
func (c *Client) Next(ctx context.Context) (*Command, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/connector/next", c.credential, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
	default:
		return nil, responseError(resp)
	}
	var cmd Command
	if err := json.NewDecoder(resp.Body).Decode(&cmd); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}
	return &cmd, nil
}

// Ack reports a command outcome.
func (c *Client) Ack(ctx context.Context, ack Ack) error {
	resp, err := c.do(ctx, http.MethodPost, "/api/connector/ack", c.credential, ack)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) do(ctx context.Context, method, path, bearer string, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return c.http.Do(req)
}

// responseError turns a non-success response into an error.
func responseError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(data, &body)

	msg := body.Error
	if msg == "" {
		msg = strings.TrimSpace(string(data))
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
	}
	return fmt.Errorf("hub returned %d: %s", resp.StatusCode, msg)
}
