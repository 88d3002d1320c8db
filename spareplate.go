// Package spareplate provides the Go client SDK for the Spare Plate
// messaging API.
//
// Spare Plate is a local surplus-food sharing marketplace; this package
// implements its realtime messaging subsystem: the REST conversation
// client, the websocket connection manager, the shared conversation store,
// and the per-conversation transcript engine.
//
// Example:
//
//	client := spareplate.NewClient("sp-token-...")
//	registry := spareplate.NewRegistry(nil)
//	rt := spareplate.NewRealtimeClient(spareplate.DefaultBaseURL, registry, nil)
//
//	store := spareplate.NewConversationStore(client, registry, spareplate.NewMemoryStorage(), "user-1", nil)
//	store.Start(ctx)
//	rt.Connect(ctx, "user-1")
//
//	tr := spareplate.NewTranscript(client, registry, rt, spareplate.NewMemoryStorage(), "user-1", "conv-42", nil)
//	tr.Open(ctx)
//	tr.Send(ctx, "still interested in the sourdough?")
package spareplate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://api.spareplate.app/api"
	DefaultTimeout = 30 * time.Second

	// DefaultPageSize is the transcript page size the backend defaults to.
	DefaultPageSize = 20
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST client for the conversation service.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(log *zap.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a new Spare Plate client. token is the identity
// provider's session token; pass "" for endpoints that allow anonymous
// access.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	return c
}

// SetToken sets or updates the auth token, e.g. after a session refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		return nil, apiErr
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Conversation API Methods
// ============================================================================

// Conversations fetches the caller's conversation list, most recently
// active first.
func (c *Client) Conversations(ctx context.Context) ([]Conversation, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/messages", nil, nil)
	if err != nil {
		return nil, err
	}
	list, err := decodeJSON[conversationList](data)
	if err != nil {
		return nil, err
	}
	return []Conversation(*list), nil
}

// Conversation fetches one conversation header plus a page of its
// messages, newest first. before is an exclusive createdAt upper bound;
// pass "" for the newest page. limit <= 0 uses the server default.
func (c *Client) Conversation(ctx context.Context, id ID, before string, limit int) (*ConversationPage, error) {
	query := map[string]string{}
	if before != "" {
		query["before"] = before
	}
	if limit > 0 {
		query["limit"] = strconv.Itoa(limit)
	}
	data, err := c.doRequest(ctx, http.MethodGet, "/messages/"+url.PathEscape(string(id)), nil, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[ConversationPage](data)
}

// SendMessage creates a message in the conversation and returns the
// authoritative message with the server-assigned id and timestamp.
func (c *Client) SendMessage(ctx context.Context, convID ID, opts *SendMessageOptions) (*Message, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/messages/"+url.PathEscape(string(convID))+"/messages", opts, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Message](data)
}

// AcceptConversation transitions a PENDING conversation to ACCEPTED.
func (c *Client) AcceptConversation(ctx context.Context, id ID) error {
	_, err := c.doRequest(ctx, http.MethodPut, "/messages/"+url.PathEscape(string(id))+"/accept", nil, nil)
	return err
}

// DeleteConversation asks the server to delete a conversation. The
// endpoint is best-effort; deployments without it answer 404/410 and the
// caller is expected to fall back to local hiding.
func (c *Client) DeleteConversation(ctx context.Context, id ID) error {
	_, err := c.doRequest(ctx, http.MethodDelete, "/messages/"+url.PathEscape(string(id)), nil, nil)
	return err
}
