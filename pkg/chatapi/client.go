// Package chatapi is the request/response client for the Chat API: it
// creates or resumes the visitor's chat and provides the degraded send path
// used while the live transport is down.
package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/pfwidget/pkg/chat"
	"github.com/go-go-golems/pfwidget/pkg/protocol"
)

var (
	ErrBootstrapFailed = errors.New("chatapi: bootstrap failed")
	ErrSendFailed      = errors.New("chatapi: send failed")
	ErrChatNotFound    = errors.New("chatapi: chat not found")
)

const DefaultDisplayName = "Website visitor"

// APIError is a non-2xx answer from the Chat API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("chat api returned %d: %s", e.Status, body)
}

// CreateChatRequest is the body of POST /chats/.
type CreateChatRequest struct {
	ExternalID string `json:"external_id"`
	Platform   string `json:"platform"`
	ClientName string `json:"client_name,omitempty"`
}

// ChatResponse is the chat representation returned by the API.
type ChatResponse struct {
	ID         chat.ID                `json:"id"`
	ExternalID string                 `json:"external_id"`
	Platform   string                 `json:"platform"`
	Status     string                 `json:"status"`
	Messages   []protocol.WireMessage `json:"messages"`
}

// SendMessageRequest is the body of POST /chats/send.
type SendMessageRequest struct {
	ChatID  chat.ID `json:"chat_id"`
	Content string  `json:"content"`
}

// SendMessageResponse is the answer of POST /chats/send.
type SendMessageResponse struct {
	UserMessage *protocol.WireMessage `json:"user_message,omitempty"`
	AIResponse  *protocol.WireMessage `json:"ai_response,omitempty"`
}

type Client struct {
	baseURL     *url.URL
	http        *http.Client
	displayName string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithDisplayName(name string) Option {
	return func(c *Client) {
		if strings.TrimSpace(name) != "" {
			c.displayName = strings.TrimSpace(name)
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http = &http.Client{Timeout: d, Transport: c.http.Transport}
		}
	}
}

func NewClient(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("chatapi: base url is empty")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "chatapi: parse base url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("chatapi: unsupported scheme %q", u.Scheme)
	}
	c := &Client{
		baseURL:     u,
		http:        &http.Client{Timeout: 15 * time.Second},
		displayName: DefaultDisplayName,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// OpenSession creates or resumes the chat bound to externalID. History is
// returned oldest first.
func (c *Client) OpenSession(ctx context.Context, externalID string) (*chat.Session, []chat.Message, error) {
	if c == nil {
		return nil, nil, errors.Wrap(ErrBootstrapFailed, "client is nil")
	}
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, nil, errors.Wrap(ErrBootstrapFailed, "external id is empty")
	}
	var resp ChatResponse
	err := c.do(ctx, http.MethodPost, "/chats/", CreateChatRequest{
		ExternalID: externalID,
		Platform:   chat.PlatformWeb,
		ClientName: c.displayName,
	}, &resp)
	if err != nil {
		return nil, nil, bootstrapError(err)
	}
	if resp.ID == 0 {
		return nil, nil, errors.Wrap(ErrBootstrapFailed, "response has no chat id")
	}
	sess, history := resp.toSession(externalID)
	log.Debug().Str("component", "chatapi").Int64("chat_id", int64(sess.ChatID)).Int("history", len(history)).Msg("chat session opened")
	return sess, history, nil
}

// GetChat fetches a chat with its full history.
func (c *Client) GetChat(ctx context.Context, chatID chat.ID) (*chat.Session, []chat.Message, error) {
	if c == nil {
		return nil, nil, errors.New("chatapi: client is nil")
	}
	var resp ChatResponse
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/chats/%d", chatID), nil, &resp); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return nil, nil, errors.Wrapf(ErrChatNotFound, "chat %d", chatID)
		}
		return nil, nil, err
	}
	sess, history := resp.toSession(resp.ExternalID)
	return sess, history, nil
}

// SendMessage is the degraded send path. It returns the persisted visitor
// message followed by the reply, when the API produced them.
func (c *Client) SendMessage(ctx context.Context, chatID chat.ID, content string) ([]chat.Message, error) {
	if c == nil {
		return nil, errors.Wrap(ErrSendFailed, "client is nil")
	}
	if chatID == 0 {
		return nil, errors.Wrap(ErrSendFailed, "chat id is zero")
	}
	var resp SendMessageResponse
	if err := c.do(ctx, http.MethodPost, "/chats/send", SendMessageRequest{ChatID: chatID, Content: content}, &resp); err != nil {
		return nil, errors.Wrapf(ErrSendFailed, "%v", err)
	}
	var out []chat.Message
	if resp.UserMessage != nil {
		out = append(out, resp.UserMessage.ToMessage())
	}
	if resp.AIResponse != nil {
		out = append(out, resp.AIResponse.ToMessage())
	}
	return out, nil
}

func (r ChatResponse) toSession(externalID string) (*chat.Session, []chat.Message) {
	platform := r.Platform
	if platform == "" {
		platform = chat.PlatformWeb
	}
	if r.ExternalID != "" {
		externalID = r.ExternalID
	}
	sess := &chat.Session{
		ChatID:     r.ID,
		ExternalID: externalID,
		Platform:   platform,
		Status:     chat.Status(strings.ToUpper(r.Status)),
	}
	history := make([]chat.Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		history = append(history, m.ToMessage())
	}
	sortHistory(history)
	return sess, history
}

// sortHistory orders by creation time, then id. If any message lacks a
// timestamp the server order is kept as is.
func sortHistory(msgs []chat.Message) {
	for _, m := range msgs {
		if m.CreatedAt.IsZero() {
			return
		}
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if !a.CreatedAt.Equal(b.CreatedAt.Time) {
			return a.CreatedAt.Before(b.CreatedAt.Time)
		}
		return a.ID < b.ID
	})
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	u := c.baseURL.JoinPath(path)
	if strings.HasSuffix(path, "/") && !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "marshal request")
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer func() { _ = res.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &APIError{Status: res.StatusCode, Body: string(payload)}
	}
	if out == nil || len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}

type bootstrapErr struct {
	cause error
}

func (e *bootstrapErr) Error() string {
	return ErrBootstrapFailed.Error() + ": " + e.cause.Error()
}

func (e *bootstrapErr) Is(target error) bool { return target == ErrBootstrapFailed }
func (e *bootstrapErr) Unwrap() error        { return e.cause }

// bootstrapError keeps the cause reachable (errors.As to *APIError) while
// matching ErrBootstrapFailed.
func bootstrapError(cause error) error {
	return &bootstrapErr{cause: cause}
}
