// Package client implements the Stoop chat client runtime: a thin REST
// client for the durable API, a websocket transport for the live channel,
// and a Session controller that keeps the two consistent.
//
// The durable API is the authority. The live channel only accelerates
// delivery; everything received on it is reconciled against REST state by
// message id.
package client

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

// Participant mirrors the REST profile summary.
type Participant struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"profile_picture,omitempty"`
}

// Neighborhood mirrors the REST community scope.
type Neighborhood struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Message mirrors the REST message shape.
type Message struct {
	ID        string      `json:"id"`
	Sender    Participant `json:"sender"`
	Content   string      `json:"content"`
	Read      bool        `json:"read"`
	Timestamp time.Time   `json:"timestamp"`
}

// Chat mirrors the REST conversation shape.
type Chat struct {
	ID            string        `json:"id"`
	Participants  []Participant `json:"participants"`
	Messages      []Message     `json:"messages,omitempty"`
	IsGroupChat   bool          `json:"is_group_chat"`
	GroupName     string        `json:"group_name,omitempty"`
	Neighborhood  Neighborhood  `json:"neighborhood"`
	LastMessageAt time.Time     `json:"last_message_at"`
	CreatedAt     time.Time     `json:"created_at"`
}

// RecipientIDs returns all participant ids except the given sender.
func (c Chat) RecipientIDs(senderID string) []string {
	out := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p.ID != senderID {
			out = append(out, p.ID)
		}
	}
	return out
}

// CreateChatInput describes a conversation creation request.
type CreateChatInput struct {
	ParticipantIDs []string `json:"participant_ids"`
	IsGroupChat    bool     `json:"is_group_chat"`
	GroupName      string   `json:"group_name,omitempty"`
}

// SendResult is the append response: the updated chat and the new message.
type SendResult struct {
	Chat    Chat    `json:"chat"`
	Message Message `json:"message"`
}

// APIError is a non-2xx response decoded from the server's error shape.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s: %s", e.Status, e.Code, e.Message)
}

// IsNotFound reports the merged not-found (missing chat or no access).
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == http.StatusNotFound
}

// API is the REST client for the durable chat endpoints.
type API struct {
	baseURL string
	token   string
	hc      *http.Client
}

// APIOption configures the API client.
type APIOption func(*API)

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(hc *http.Client) APIOption {
	return func(a *API) {
		if hc != nil {
			a.hc = hc
		}
	}
}

// NewAPI constructs a REST client for the given server and bearer token.
func NewAPI(baseURL, token string, opts ...APIOption) *API {
	a := &API{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   token,
		hc:      &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ListChats returns the caller's conversations, newest activity first.
func (a *API) ListChats(ctx context.Context) ([]Chat, error) {
	var out []Chat
	if err := a.do(ctx, http.MethodGet, "/api/chats", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetChat returns one conversation with its full message history.
func (a *API) GetChat(ctx context.Context, chatID string) (Chat, error) {
	var out Chat
	if err := a.do(ctx, http.MethodGet, "/api/chats/"+chatID, nil, &out); err != nil {
		return Chat{}, err
	}
	return out, nil
}

// CreateChat creates (or, for direct pairs, finds) a conversation.
func (a *API) CreateChat(ctx context.Context, in CreateChatInput) (Chat, error) {
	var out Chat
	if err := a.do(ctx, http.MethodPost, "/api/chats", in, &out); err != nil {
		return Chat{}, err
	}
	return out, nil
}

// SendMessage appends a message durably and returns the updated chat.
func (a *API) SendMessage(ctx context.Context, chatID, content string) (SendResult, error) {
	var out SendResult
	body := struct {
		Content string `json:"content"`
	}{Content: content}
	if err := a.do(ctx, http.MethodPost, "/api/chats/"+chatID+"/messages", body, &out); err != nil {
		return SendResult{}, err
	}
	return out, nil
}

// MarkRead bulk-acknowledges the other participants' messages.
func (a *API) MarkRead(ctx context.Context, chatID string) error {
	return a.do(ctx, http.MethodPut, "/api/chats/"+chatID+"/read", nil, nil)
}

// DeleteChat removes the conversation for every participant.
func (a *API) DeleteChat(ctx context.Context, chatID string) error {
	return a.do(ctx, http.MethodDelete, "/api/chats/"+chatID, nil, nil)
}

func (a *API) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func decodeAPIError(status int, data []byte) error {
	var wrapped struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Error.Code != "" {
		return &APIError{Status: status, Code: wrapped.Error.Code, Message: wrapped.Error.Message}
	}
	return &APIError{Status: status, Code: "unknown", Message: strings.TrimSpace(string(data))}
}
