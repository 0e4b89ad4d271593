// Package rest is the HTTP client for the room/message API. All calls carry
// the current bearer token; an unauthorized response triggers exactly one
// token refresh and one retry before surfacing a terminal AuthError.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"chat-client/config"
	"chat-client/models"
	"chat-client/pkg/logger"
	"chat-client/token"
)

type Client struct {
	baseURL string
	tokens  *token.Store
	http    *http.Client
	log     *logger.Logger

	timeout      time.Duration
	largeTimeout time.Duration
}

type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client; tests use it to point
// at an httptest server transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(log *logger.Logger) Option {
	return func(c *Client) { c.log = log }
}

func NewClient(cfg config.APIConfig, tokens *token.Store, opts ...Option) *Client {
	c := &Client{
		baseURL:      cfg.BaseURL,
		tokens:       tokens,
		http:         &http.Client{},
		log:          logger.Named("rest"),
		timeout:      cfg.Timeout,
		largeTimeout: cfg.LargeTimeout,
	}
	if c.timeout == 0 {
		c.timeout = 30 * time.Second
	}
	if c.largeTimeout == 0 {
		c.largeTimeout = 60 * time.Second
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type roomsResponse struct {
	Rooms []models.ChatRoom `json:"rooms"`
}

type roomResponse struct {
	Room models.ChatRoom `json:"room"`
}

// MessagePage is one page of room history, most-recent-first as returned by
// the backend. Page numbers are 1-based.
type MessagePage struct {
	Data        []models.ChatMessage `json:"data"`
	CurrentPage int                  `json:"current_page"`
	LastPage    int                  `json:"last_page"`
}

type usersResponse struct {
	Users []models.User `json:"users"`
}

type messageResponse struct {
	Data models.ChatMessage `json:"data"`
}

type errorResponse struct {
	Message string `json:"message"`
}

func (c *Client) ListRooms(ctx context.Context) ([]models.ChatRoom, error) {
	var resp roomsResponse
	if err := c.do(ctx, http.MethodGet, "/chat/rooms", nil, &resp, false); err != nil {
		return nil, err
	}
	return resp.Rooms, nil
}

func (c *Client) CreateRoom(ctx context.Context, req *models.CreateRoomRequest) (*models.ChatRoom, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("room name is required")
	}
	var resp roomResponse
	if err := c.do(ctx, http.MethodPost, "/chat/rooms", req, &resp, false); err != nil {
		return nil, err
	}
	return &resp.Room, nil
}

func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	return c.do(ctx, http.MethodPost, "/chat/rooms/"+url.PathEscape(roomID)+"/join", nil, nil, false)
}

func (c *Client) LeaveRoom(ctx context.Context, roomID string) error {
	return c.do(ctx, http.MethodPost, "/chat/rooms/"+url.PathEscape(roomID)+"/leave", nil, nil, false)
}

// Messages fetches one history page. Pages can be large, so the call runs
// under the large-payload timeout.
func (c *Client) Messages(ctx context.Context, roomID string, page, perPage int) (*MessagePage, error) {
	path := fmt.Sprintf("/chat/rooms/%s/messages?page=%d&per_page=%d",
		url.PathEscape(roomID), page, perPage)
	var resp MessagePage
	if err := c.do(ctx, http.MethodGet, path, nil, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) OnlineUsers(ctx context.Context, roomID string) ([]models.User, error) {
	var resp usersResponse
	if err := c.do(ctx, http.MethodGet, "/chat/rooms/"+url.PathEscape(roomID)+"/users", nil, &resp, false); err != nil {
		return nil, err
	}
	return resp.Users, nil
}

func (c *Client) SendMessage(ctx context.Context, roomID, body string) (*models.ChatMessage, error) {
	payload := map[string]string{"message": body}
	var resp messageResponse
	path := "/chat/rooms/" + url.PathEscape(roomID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, payload, &resp, false); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// do issues an authenticated request. On a 401 it refreshes the token and
// retries the original request exactly once; a second 401 comes back as an
// AuthError and is never retried again.
func (c *Client) do(ctx context.Context, method, path string, body, out any, large bool) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	status, respBody, err := c.roundTrip(ctx, method, path, payload, c.tokens.Get(), large)
	if err != nil {
		return err
	}

	if status == http.StatusUnauthorized {
		newToken, rerr := c.tokens.Refresh(ctx)
		if rerr != nil || newToken == "" {
			return &AuthError{Message: "token refresh failed"}
		}
		c.log.Debug("Retrying %s %s with refreshed token", method, path)
		status, respBody, err = c.roundTrip(ctx, method, path, payload, newToken, large)
		if err != nil {
			return err
		}
		if status == http.StatusUnauthorized {
			return &AuthError{Message: "request rejected after token refresh"}
		}
	}

	if status < 200 || status >= 300 {
		return c.apiError(status, respBody)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, payload []byte, tok string, large bool) (int, []byte, error) {
	timeout := c.timeout
	if large {
		timeout = c.largeTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

func (c *Client) apiError(status int, body []byte) error {
	var er errorResponse
	message := http.StatusText(status)
	if json.Unmarshal(body, &er) == nil && er.Message != "" {
		message = er.Message
	}

	if status == http.StatusForbidden {
		if muted := parseMuted(message); muted != nil {
			return muted
		}
	}
	c.log.Error("API error: HTTP %s %s", strconv.Itoa(status), message)
	return &APIError{StatusCode: status, Message: message}
}
