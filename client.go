// Package chatkit is the Go client for the TalentWire messaging service.
//
// It reconciles two message sources into one consistent client-side view: a
// realtime push channel (SessionChannel) and paginated REST history (Client).
// The Engine coordinates both for the currently open thread, keeping a
// deduplicated, ordered MessageStore and an advisory Directory of
// conversation summaries.
//
// Example:
//
//	client := chatkit.NewClient(token)
//	channel := chatkit.NewSessionChannel(client.WSURL(token), nil)
//	dir := chatkit.NewDirectory(client)
//	engine := chatkit.NewEngine(client, channel, dir, me.UserID)
//
//	_ = channel.Connect(ctx)
//	_ = engine.Open(ctx, chatkit.DirectThread("user-42"))
//	_ = engine.Send(ctx, "hello")
package chatkit

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
)

const (
	// DefaultBaseURL is the production messaging endpoint.
	DefaultBaseURL = "https://chat.talentwire.io"

	// DefaultTimeout bounds every REST call.
	DefaultTimeout = 30 * time.Second

	// DefaultPageSize is the history page size used when none is configured.
	DefaultPageSize = 50
)

// Client is the REST side of the SDK: paginated history retrieval, directory
// listings, and the few mutating calls that do not go through the realtime
// channel.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the service base URL.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout overrides the REST request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient supplies a custom *http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a messaging REST client authenticated with the given
// bearer token.
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
	return c
}

// SetToken updates the bearer token, e.g. after a refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// WSURL returns the realtime channel URL for the configured base URL.
func (c *Client) WSURL(token string) string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	if token != "" {
		return base + "/ws?token=" + url.QueryEscape(token)
	}
	return base + "/ws"
}

// ============================================================================
// Internal request helpers
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
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: server returned %d", ErrFetchFailed, resp.StatusCode)
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

// do runs a request and decodes the generic response envelope. A non-OK
// envelope is surfaced as its APIError.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[Result](data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	if !result.OK {
		if result.Error != nil {
			return nil, result.Error
		}
		return nil, fmt.Errorf("%w: request not ok", ErrFetchFailed)
	}
	return result, nil
}

func pageQuery(page, size int) map[string]string {
	return map[string]string{
		"page": strconv.Itoa(page),
		"size": strconv.Itoa(size),
	}
}

// ============================================================================
// History retrieval
// ============================================================================

// DirectMessages fetches one history page of the 1:1 thread with otherUserID.
// Page 1 is the newest; increasing page numbers walk backward in time. Each
// page is returned oldest-first for display.
func (c *Client) DirectMessages(ctx context.Context, otherUserID string, page, size int) ([]Message, error) {
	result, err := c.do(ctx, "GET", "/api/chat/direct/"+url.PathEscape(otherUserID)+"/messages", nil, pageQuery(page, size))
	if err != nil {
		return nil, err
	}
	var msgs []Message
	if err := result.Decode(&msgs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	return msgs, nil
}

// GroupMessages fetches one history page of a group thread.
func (c *Client) GroupMessages(ctx context.Context, groupID string, page, size int) ([]Message, error) {
	result, err := c.do(ctx, "GET", "/api/chat/groups/"+url.PathEscape(groupID)+"/messages", nil, pageQuery(page, size))
	if err != nil {
		return nil, err
	}
	var msgs []Message
	if err := result.Decode(&msgs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	return msgs, nil
}

// ============================================================================
// Directory listings
// ============================================================================

// DirectConversations lists the caller's direct conversation summaries.
func (c *Client) DirectConversations(ctx context.Context) ([]ConversationSummary, error) {
	result, err := c.do(ctx, "GET", "/api/chat/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	var convs []ConversationSummary
	if err := result.Decode(&convs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	return convs, nil
}

// UserGroups lists the caller's group summaries.
func (c *Client) UserGroups(ctx context.Context) ([]GroupSummary, error) {
	result, err := c.do(ctx, "GET", "/api/chat/groups", nil, nil)
	if err != nil {
		return nil, err
	}
	var groups []GroupSummary
	if err := result.Decode(&groups); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	return groups, nil
}

// ============================================================================
// Mutations and identity
// ============================================================================

// CreateGroup creates a group with the given members. All later group
// messaging goes through the realtime channel.
func (c *Client) CreateGroup(ctx context.Context, name string, memberUserIDs []string) (*GroupSummary, error) {
	result, err := c.do(ctx, "POST", "/api/chat/groups", map[string]interface{}{
		"name":      name,
		"memberIds": memberUserIDs,
	}, nil)
	if err != nil {
		return nil, err
	}
	var group GroupSummary
	if err := result.Decode(&group); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	return &group, nil
}

// Me resolves the authenticated identity. Called once at startup; the user ID
// is not refreshed mid-session.
func (c *Client) Me(ctx context.Context) (*Identity, error) {
	result, err := c.do(ctx, "GET", "/api/chat/me", nil, nil)
	if err != nil {
		return nil, err
	}
	var me Identity
	if err := result.Decode(&me); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	return &me, nil
}
