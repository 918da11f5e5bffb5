package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	memochat "github.com/OmChillure/memochat"
	"github.com/OmChillure/memochat/internal/models"
	"github.com/OmChillure/memochat/internal/services"
	"github.com/OmChillure/memochat/internal/stream"
	"github.com/tmaxmax/go-sse"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
)

// ModelChain opens a fragment stream for a conversation, falling back across models when rate limited.
type ModelChain interface {
	Open(ctx context.Context, model string, messages []models.Message) (*services.Fragments, error)
}

// Store defines the interface for managing conversation, message and memory persistence. Every method is
// scoped by the owner's identity and reports records owned by someone else as models.ErrNotFound.
type Store interface {
	Conversations(ctx context.Context, ownerID string) ([]models.Conversation, error)
	Conversation(ctx context.Context, ownerID, id string) (models.Conversation, error)
	AddConversation(ctx context.Context, ownerID, title string) (models.Conversation, error)
	UpdateConversation(ctx context.Context, ownerID, id, title string) error
	DeleteConversation(ctx context.Context, ownerID, id string) error

	Messages(ctx context.Context, ownerID, conversationID string) ([]models.Message, error)
	AppendMessage(ctx context.Context, ownerID, conversationID string, msg models.Message) (models.Message, error)
	UpdateMessage(ctx context.Context, ownerID, id, content string) (models.Message, error)
	DeleteMessage(ctx context.Context, ownerID, id string) error

	Memories(ctx context.Context, ownerID string) ([]models.MemoryEntry, error)
	AddMemory(ctx context.Context, ownerID, key, value string) (models.MemoryEntry, error)
	UpdateMemory(ctx context.Context, ownerID, id, value string) error
	DeleteMemory(ctx context.Context, ownerID, id string) error
}

// BlobStore hosts uploaded files.
type BlobStore interface {
	PutBlob(ctx context.Context, upload models.Upload, data []byte, urlFor func(id string) string) (models.Upload, error)
	Blob(ctx context.Context, id string) (models.Upload, []byte, error)
}

// Authenticator resolves the caller's identity, failing with models.ErrUnauthorized.
type Authenticator interface {
	Identify(r *http.Request) (string, error)
}

// FileProcessor converts an attachment into text or a binary part, and fetches remote files for re-hosting.
type FileProcessor interface {
	Process(ctx context.Context, file models.File) (services.ProcessedFile, error)
	Fetch(ctx context.Context, rawURL string) ([]byte, string, error)
}

// Config holds the tunables of the HTTP surface.
type Config struct {
	// DefaultModel is used when a chat request doesn't name one.
	DefaultModel string
	// MaxContextMessages bounds the non-system messages forwarded to the model.
	MaxContextMessages int
	// MaxUploadBytes is the size ceiling of a single upload.
	MaxUploadBytes int64
	// PublicURL is the externally reachable base URL used to build hosted file URLs.
	PublicURL string
}

// Main handles the core functionality of the chat application: the streaming relay, the persistence API,
// uploads and the HTML interface.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template
	markdown  goldmark.Markdown
	framer    stream.Framer

	chain ModelChain
	store Store
	blobs BlobStore
	auth  Authenticator
	files FileProcessor

	metrics *Metrics
	cfg     Config

	logger *slog.Logger
}

const (
	conversationsSSEType = "conversations"

	defaultMaxContextMessages = 30
	defaultMaxUploadBytes     = 20 << 20

	errLoggerKey = "error"
)

type errorResponse struct {
	Error string `json:"error"`
}

// NewMain creates a new Main instance. It parses the HTML templates from the embedded filesystem and sets up
// the SSE server that pushes conversation list updates to each owner's open pages.
func NewMain(
	chain ModelChain,
	store Store,
	blobs BlobStore,
	auth Authenticator,
	files FileProcessor,
	metrics *Metrics,
	cfg Config,
	logger *slog.Logger,
) (Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.ParseFS(
		memochat.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, err
	}

	if cfg.MaxContextMessages <= 0 {
		cfg.MaxContextMessages = defaultMaxContextMessages
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	if metrics == nil {
		metrics = NewMetrics()
	}

	m := Main{
		templates: tmpl,
		markdown: goldmark.New(
			goldmark.WithExtensions(
				extension.GFM,
				highlighting.NewHighlighting(highlighting.WithStyle("github")),
			),
		),
		chain:   chain,
		store:   store,
		blobs:   blobs,
		auth:    auth,
		files:   files,
		metrics: metrics,
		cfg:     cfg,
		logger:  logger.With(slog.String("module", "main")),
	}
	m.framer = stream.NewFramer(logger,
		stream.WithPublicError(publicError),
		stream.WithChunkHook(metrics.fragment),
	)
	m.sseSrv = &sse.Server{
		OnSession: func(s *sse.Session) (sse.Subscription, bool) {
			ownerID, err := auth.Identify(s.Req)
			if err != nil {
				return sse.Subscription{}, false
			}
			return sse.Subscription{
				Client:      s,
				LastEventID: s.LastEventID,
				Topics:      []string{sse.DefaultTopic, ownerTopic(ownerID)},
			}, true
		},
	}
	return m, nil
}

func ownerTopic(ownerID string) string {
	return fmt.Sprintf("owner-%s", ownerID)
}

// Shutdown gracefully terminates the SSE server. It broadcasts a close message to all connected clients and
// waits up to 5 seconds for connections to terminate.
func (m Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("close")}
	// Events without data are discarded by EventSource clients.
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

// HandleEvents subscribes the caller to updates of their conversation list.
func (m Main) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		m.methodNotAllowed(w, r)
		return
	}
	if _, ok := m.identify(w, r); !ok {
		return
	}
	m.sseSrv.ServeHTTP(w, r)
}

// publishConversations pushes the owner's current conversation list to their subscribed pages.
func (m Main) publishConversations(ctx context.Context, ownerID string) {
	convs, err := m.store.Conversations(ctx, ownerID)
	if err != nil {
		m.logger.Error("Failed to list conversations for publishing",
			slog.String("ownerID", ownerID),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	data, err := json.Marshal(convs)
	if err != nil {
		m.logger.Error("Failed to marshal conversations", slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{Type: sse.Type(conversationsSSEType)}
	msg.AppendData(string(data))
	if err := m.sseSrv.Publish(&msg, ownerTopic(ownerID)); err != nil {
		m.logger.Warn("Failed to publish conversations", slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) identify(w http.ResponseWriter, r *http.Request) (string, bool) {
	ownerID, err := m.auth.Identify(r)
	if err != nil {
		m.writeError(w, r, err)
		return "", false
	}
	return ownerID, true
}

func (m Main) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	m.logger.Error("Method not allowed", slog.String("method", r.Method), slog.String("path", r.URL.Path))
	writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "Method not allowed"})
}

// writeError maps err onto a status code and a generic body. Only validation errors expose their text.
func (m Main) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	msg := "Internal server error"

	var ve models.ValidationError
	switch {
	case errors.Is(err, models.ErrUnauthorized):
		status, msg = http.StatusUnauthorized, "Unauthorized"
	case errors.As(err, &ve):
		status, msg = http.StatusBadRequest, ve.Error()
	case errors.Is(err, models.ErrNotFound):
		status, msg = http.StatusNotFound, "Not found"
	}

	logger := m.logger.With(
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String(errLoggerKey, err.Error()))
	if status == http.StatusInternalServerError {
		logger.Error("Request failed")
	} else {
		logger.Debug("Request rejected", slog.Int("status", status))
	}

	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return models.ValidationError{Reason: "malformed JSON body"}
	}
	return nil
}

func required(field, value string) error {
	if value == "" {
		return models.ValidationError{Field: field, Reason: "is required"}
	}
	return nil
}
