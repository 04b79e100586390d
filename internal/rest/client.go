// Package rest is the HTTP client for the notification, message and
// presence endpoints. Every call requires a usable credential and fails
// with credential.ErrInvalid before touching the network otherwise.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/livesync/internal/credential"
	"github.com/matheus3301/livesync/internal/model"
	"go.uber.org/zap"
)

// ErrUnsuccessful is returned when the server answers 2xx with
// "success": false.
var ErrUnsuccessful = errors.New("rest: request unsuccessful")

// StatusError is a non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// IsAuthFailure reports whether err is a 401 or 403 response.
func IsAuthFailure(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden
}

// Client talks to the REST API on behalf of the current session.
type Client struct {
	httpClient *http.Client
	baseURL    string
	creds      credential.Source
	log        *zap.Logger
}

// New creates a Client for baseURL (for example "https://api.example.com/api").
func New(baseURL string, creds credential.Source, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		creds:      creds,
		log:        log,
	}
}

type envelope struct {
	Success *bool  `json:"success"`
	Error   string `json:"error"`
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, result any) error {
	token, ok := c.creds.Current()
	if !ok {
		return credential.ErrInvalid
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	reqID := uuid.NewString()
	req.Header.Set("X-Request-ID", reqID)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	c.log.Debug("rest call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.String("request_id", reqID),
		zap.Duration("took", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Success != nil && !*env.Success {
		if env.Error != "" {
			return fmt.Errorf("%s %s: %w: %s", method, path, ErrUnsuccessful, env.Error)
		}
		return fmt.Errorf("%s %s: %w", method, path, ErrUnsuccessful)
	}
	if result != nil {
		if err := json.Unmarshal(raw, result); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	return nil
}

func escape(id model.ID) string {
	return url.PathEscape(string(id))
}

// Notifications fetches the notification snapshot.
func (c *Client) Notifications(ctx context.Context) ([]model.Notification, error) {
	var out struct {
		Notifications []model.Notification `json:"notifications"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/notifications", nil, &out); err != nil {
		return nil, err
	}
	return out.Notifications, nil
}

// NotificationUnreadCount fetches the server's unread notification count.
func (c *Client) NotificationUnreadCount(ctx context.Context) (int, error) {
	return c.unreadCount(ctx, "/notifications/unread-count")
}

func (c *Client) MarkNotificationRead(ctx context.Context, id model.ID) error {
	return c.doJSON(ctx, http.MethodPut, "/notifications/"+escape(id)+"/read", nil, nil)
}

func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPut, "/notifications/mark-all-read", nil, nil)
}

func (c *Client) ClearNotifications(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodDelete, "/notifications/clear-all", nil, nil)
}

// Messages fetches the message snapshot.
func (c *Client) Messages(ctx context.Context) ([]model.Message, error) {
	var out struct {
		Messages []model.Message `json:"messages"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/messages", nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// MessageUnreadCount fetches the server's unread message count.
func (c *Client) MessageUnreadCount(ctx context.Context) (int, error) {
	return c.unreadCount(ctx, "/messages/unread-count")
}

func (c *Client) MarkMessageRead(ctx context.Context, id model.ID) error {
	return c.doJSON(ctx, http.MethodPut, "/messages/"+escape(id)+"/read", nil, nil)
}

func (c *Client) MarkConversationRead(ctx context.Context, partner model.ID) error {
	return c.doJSON(ctx, http.MethodPut, "/messages/mark-conversation-read/"+escape(partner), nil, nil)
}

// SendMessage posts a message and returns the server's canonical record.
func (c *Client) SendMessage(ctx context.Context, req model.SendRequest) (*model.Message, error) {
	var out struct {
		Message *model.Message `json:"message"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/messages/send", req, &out); err != nil {
		return nil, err
	}
	if out.Message == nil {
		return nil, fmt.Errorf("POST /messages/send: response has no message")
	}
	return out.Message, nil
}

func (c *Client) SetOnline(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/status/online", nil, nil)
}

func (c *Client) SetOffline(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/status/offline", nil, nil)
}

// CheckStatus returns another user's last known presence.
func (c *Client) CheckStatus(ctx context.Context, userID model.ID) (*model.UserStatus, error) {
	var out model.UserStatus
	if err := c.doJSON(ctx, http.MethodGet, "/status/check/"+escape(userID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) unreadCount(ctx context.Context, path string) (int, error) {
	var out struct {
		UnreadCount int `json:"unread_count"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return 0, err
	}
	return max(out.UnreadCount, 0), nil
}
