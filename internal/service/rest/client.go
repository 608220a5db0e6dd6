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

	"go.uber.org/zap"

	"github.com/zhouzirui/nss-chat/backend/internal/logger"
	"github.com/zhouzirui/nss-chat/backend/internal/model/chat"
)

// StatusError is a non-2xx answer from the chat API.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("chat api returned %d", e.Status)
	}
	return fmt.Sprintf("chat api returned %d: %s", e.Status, e.Message)
}

// Unwrap maps 401 and 403 to chat.ErrAuthRejected.
func (e *StatusError) Unwrap() error {
	if e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden {
		return chat.ErrAuthRejected
	}
	return nil
}

// PersistRequest is the body of a persist call.
type PersistRequest struct {
	Content  string `json:"content"`
	ClientID string `json:"clientId,omitempty"`
}

// HistoryResponse is the body of a history call.
type HistoryResponse struct {
	Messages []chat.Message `json:"messages"`
}

// Client calls the history and persist endpoints with the session's bearer credential.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *zap.Logger
}

// NewClient returns a Client for the API rooted at baseURL.
func NewClient(baseURL string, session chat.Session, timeout time.Duration, log *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   session.Token,
		http:    &http.Client{Timeout: timeout},
		log:     logger.OrNop(log).Named("rest"),
	}
}

// History fetches the persisted messages of room.
func (c *Client) History(ctx context.Context, room chat.RoomKey) ([]chat.Message, error) {
	var resp HistoryResponse
	if err := c.do(ctx, http.MethodGet, c.messagesURL(room), nil, &resp); err != nil {
		return nil, err
	}
	for i := range resp.Messages {
		if resp.Messages[i].Room == "" {
			resp.Messages[i].Room = room
		}
	}
	chat.SortMessages(resp.Messages)
	return resp.Messages, nil
}

// Persist stores content in room and returns the authoritative message.
func (c *Client) Persist(ctx context.Context, room chat.RoomKey, content, clientID string) (chat.Message, error) {
	var msg chat.Message
	body := PersistRequest{Content: content, ClientID: clientID}
	if err := c.do(ctx, http.MethodPost, c.messagesURL(room), body, &msg); err != nil {
		return chat.Message{}, err
	}
	if msg.ID == "" {
		return chat.Message{}, errors.New("chat api returned a message without id")
	}
	if msg.Room == "" {
		msg.Room = room
	}
	msg.State = chat.Confirmed
	return msg, nil
}

func (c *Client) messagesURL(room chat.RoomKey) string {
	return c.baseURL + "/api/rooms/" + url.PathEscape(room.String()) + "/messages"
}

func (c *Client) do(ctx context.Context, method, target string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	c.log.Debug("request done",
		zap.String("method", method),
		zap.String("url", target),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		if json.Unmarshal(raw, &apiErr) != nil || apiErr.Error == "" {
			apiErr.Error = strings.TrimSpace(string(raw))
		}
		return &StatusError{Status: resp.StatusCode, Message: apiErr.Error}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
