// Package client is a typed HTTP client for the memochat server API: the streaming chat endpoints, the
// message and conversation resources, and uploads.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/OmChillure/memochat/internal/models"
	"github.com/OmChillure/memochat/internal/services"
	"github.com/OmChillure/memochat/internal/stream"
)

// Client talks to a memochat server on behalf of a single identity.
type Client struct {
	baseURL string
	token   string

	client *http.Client

	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// Saved is the outcome of persisting a message.
type Saved struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

// StatusError is returned when the server answers with a non-success status.
type StatusError struct {
	StatusCode int
	Message    string
}

type chatRequest struct {
	Messages []chatMessage `json:"messages"`
	Model    string        `json:"model,omitempty"`
}

type chatMessage struct {
	Role    models.Role   `json:"role"`
	Content string        `json:"content"`
	Files   []models.File `json:"files,omitempty"`
}

type saveRequest struct {
	ConversationID string        `json:"conversationId,omitempty"`
	Role           models.Role   `json:"role"`
	Content        string        `json:"content"`
	Files          []models.File `json:"files,omitempty"`
}

type updateRequest struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

type idRequest struct {
	ID string `json:"id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.client = c
	}
}

// New creates a Client for the server at baseURL, authenticating with a bearer token.
func New(baseURL, token string, logger *slog.Logger, opts ...Option) Client {
	c := Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client:  &http.Client{},
		logger:  logger.With(slog.String("module", "client")),
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server responded with status %d", e.StatusCode)
	}
	return fmt.Sprintf("server responded with status %d: %s", e.StatusCode, e.Message)
}

// HTTPStatus implements models.StatusCoder.
func (e *StatusError) HTTPStatus() int {
	return e.StatusCode
}

// StreamChat posts the transcript to the chat endpoint and yields the decoded stream events. A request that
// is rejected before streaming starts yields a *StatusError.
func (c Client) StreamChat(ctx context.Context, model string, messages []models.Message) iter.Seq2[stream.Event, error] {
	return c.streamEvents(ctx, "/api/chat", model, messages)
}

// StreamRegenerate is StreamChat against the regenerate endpoint.
func (c Client) StreamRegenerate(
	ctx context.Context,
	model string,
	messages []models.Message,
) iter.Seq2[stream.Event, error] {
	return c.streamEvents(ctx, "/api/regenerate", model, messages)
}

func (c Client) streamEvents(
	ctx context.Context,
	path, model string,
	messages []models.Message,
) iter.Seq2[stream.Event, error] {
	return func(yield func(stream.Event, error) bool) {
		req := chatRequest{Model: model, Messages: make([]chatMessage, len(messages))}
		for i, msg := range messages {
			req.Messages[i] = chatMessage{Role: msg.Role, Content: msg.Content, Files: msg.Files}
		}

		resp, err := c.do(ctx, http.MethodPost, path, req)
		if err != nil {
			yield(stream.Event{}, err)
			return
		}
		defer resp.Body.Close()

		for ev, err := range stream.Read(resp.Body) {
			if !yield(ev, err) {
				return
			}
			if err != nil {
				return
			}
		}
	}
}

// SaveMessage appends msg to a conversation. An empty conversationID starts a new conversation; the id the
// server assigned is returned along with the message id.
func (c Client) SaveMessage(ctx context.Context, conversationID string, msg models.Message) (Saved, error) {
	var saved Saved
	err := c.call(ctx, http.MethodPost, "/api/messages", saveRequest{
		ConversationID: conversationID,
		Role:           msg.Role,
		Content:        msg.Content,
		Files:          msg.Files,
	}, &saved)
	if err != nil {
		return Saved{}, fmt.Errorf("failed to save message: %w", err)
	}
	return saved, nil
}

// UpdateMessage replaces the content of a stored message.
func (c Client) UpdateMessage(ctx context.Context, id, content string) error {
	if err := c.call(ctx, http.MethodPut, "/api/messages", updateRequest{ID: id, Content: content}, nil); err != nil {
		return fmt.Errorf("failed to update message %s: %w", id, err)
	}
	return nil
}

// DeleteMessage deletes a stored message.
func (c Client) DeleteMessage(ctx context.Context, id string) error {
	if err := c.call(ctx, http.MethodDelete, "/api/messages", idRequest{ID: id}, nil); err != nil {
		return fmt.Errorf("failed to delete message %s: %w", id, err)
	}
	return nil
}

// Messages lists the stored messages of a conversation, oldest first.
func (c Client) Messages(ctx context.Context, conversationID string) ([]models.Message, error) {
	var msgs []models.Message
	path := "/api/messages?conversationId=" + url.QueryEscape(conversationID)
	if err := c.call(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return msgs, nil
}

// Conversations lists the caller's conversations, most recently updated first.
func (c Client) Conversations(ctx context.Context) ([]models.Conversation, error) {
	var convs []models.Conversation
	if err := c.call(ctx, http.MethodGet, "/api/conversations", nil, &convs); err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return convs, nil
}

// DeleteConversation deletes a conversation and its messages.
func (c Client) DeleteConversation(ctx context.Context, id string) error {
	if err := c.call(ctx, http.MethodDelete, "/api/conversations", idRequest{ID: id}, nil); err != nil {
		return fmt.Errorf("failed to delete conversation %s: %w", id, err)
	}
	return nil
}

// Upload hosts the file at path on the server and returns it as an attachment reference.
func (c Client) Upload(ctx context.Context, path string) (models.File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.File{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	name := filepath.Base(path)
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	h.Set("Content-Type", services.MediaTypeFor(name))
	part, err := mw.CreatePart(h)
	if err != nil {
		return models.File{}, fmt.Errorf("error creating form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return models.File{}, fmt.Errorf("error writing form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return models.File{}, fmt.Errorf("error closing form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/upload", &body)
	if err != nil {
		return models.File{}, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.send(req)
	if err != nil {
		return models.File{}, fmt.Errorf("failed to upload %s: %w", name, err)
	}
	defer resp.Body.Close()

	var up models.Upload
	if err := json.NewDecoder(resp.Body).Decode(&up); err != nil {
		return models.File{}, fmt.Errorf("error decoding upload: %w", err)
	}
	c.logger.Debug("Uploaded file", slog.String("name", name), slog.String("url", up.URL))
	return models.File{Name: up.FileName, URL: up.URL, MediaType: up.FileType}, nil
}

func (c Client) call(ctx context.Context, method, path string, in, out any) error {
	resp, err := c.do(ctx, method, path, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("error decoding response: %w", err)
	}
	return nil
}

func (c Client) do(ctx context.Context, method, path string, in any) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		jsonBody, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("error marshaling request: %w", err)
		}
		body = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req)
}

func (c Client) send(req *http.Request) (*http.Response, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	defer resp.Body.Close()

	se := &StatusError{StatusCode: resp.StatusCode}
	var e errorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&e); err == nil {
		se.Message = e.Error
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("%w: %w", models.ErrUnauthorized, se)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %w", models.ErrNotFound, se)
	}
	return nil, se
}

// IsStatus reports whether err is a *StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}
