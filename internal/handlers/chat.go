package handlers

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/OmChillure/memochat/internal/models"
)

type chatMessage struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
	// Text is accepted as an alias of Content.
	Text  string        `json:"text,omitempty"`
	Files []models.File `json:"files,omitempty"`
}

type chatRequest struct {
	Messages []chatMessage `json:"messages"`
	Model    string        `json:"model"`
}

// HandleChat streams the model's reply to the posted transcript as server-sent events. The caller's memory
// entries are prepended as a system message and message attachments are converted for the model. Every
// failure after the request is validated, even one before the first fragment, is reported as an error event
// on the stream.
func (m Main) HandleChat(w http.ResponseWriter, r *http.Request) {
	m.handleStream(w, r, "chat")
}

// HandleRegenerate is HandleChat for a transcript the client has truncated before the reply to regenerate.
func (m Main) HandleRegenerate(w http.ResponseWriter, r *http.Request) {
	m.handleStream(w, r, "regenerate")
}

func (m Main) handleStream(w http.ResponseWriter, r *http.Request, op string) {
	if r.Method != http.MethodPost {
		m.methodNotAllowed(w, r)
		return
	}

	ownerID, ok := m.identify(w, r)
	if !ok {
		return
	}

	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		m.writeError(w, r, err)
		return
	}
	if req.Messages == nil {
		m.writeError(w, r, models.ValidationError{Field: "messages", Reason: "must be an array"})
		return
	}
	for i, msg := range req.Messages {
		if !msg.Role.Valid() {
			m.writeError(w, r, models.ValidationError{
				Field:  fmt.Sprintf("messages[%d].role", i),
				Reason: fmt.Sprintf("unknown role %q", msg.Role),
			})
			return
		}
	}
	model := req.Model
	if model == "" {
		model = m.cfg.DefaultModel
	}

	logger := m.logger.With(
		slog.String("op", op),
		slog.String("ownerID", ownerID),
		slog.String("model", model))

	msgs, err := m.prepare(r.Context(), ownerID, req.Messages, logger)
	if err != nil {
		m.writeError(w, r, err)
		return
	}

	var fragments iter.Seq2[string, error]
	f, err := m.chain.Open(r.Context(), model, msgs)
	if err != nil {
		fragments = failed(err)
	} else {
		fragments = f.All()
		if f.Model() != model {
			logger = logger.With(slog.String("servedBy", f.Model()))
		}
	}

	res := m.framer.Relay(w, fragments)
	m.metrics.stream(res.Outcome)

	attrs := []any{
		slog.String("outcome", string(res.Outcome)),
		slog.Int("fragments", res.Fragments),
	}
	if res.Err != nil {
		attrs = append(attrs, slog.String(errLoggerKey, res.Err.Error()))
	}
	logger.Info("Stream finished", attrs...)
}

func failed(err error) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		yield("", err)
	}
}

// prepare builds the message list forwarded to the model: the memory system message, then the incoming
// messages with their attachments converted, trimmed to the most recent MaxContextMessages.
func (m Main) prepare(
	ctx context.Context,
	ownerID string,
	incoming []chatMessage,
	logger *slog.Logger,
) ([]models.Message, error) {
	entries, err := m.store.Memories(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load memories: %w", err)
	}

	var msgs []models.Message
	if system := memoryPrompt(entries); system != "" {
		msgs = append(msgs, models.Message{Role: models.RoleSystem, Content: system})
	}

	for _, in := range incoming {
		content := in.Content
		if content == "" {
			content = in.Text
		}
		msg := models.Message{Role: in.Role, Content: content}
		if len(in.Files) > 0 {
			msg = m.attach(ctx, msg, in.Files, logger)
		}
		msgs = append(msgs, msg)
	}

	return trimContext(msgs, m.cfg.MaxContextMessages), nil
}

func memoryPrompt(entries []models.MemoryEntry) string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("Memory: %s: %s", e.Key, e.Value))
	}
	return strings.Join(lines, "\n")
}

// attach converts files into msg's content. Extracted text is appended under a delimiter naming the file,
// binary content becomes a file part. A file that can't be processed is logged and skipped.
func (m Main) attach(ctx context.Context, msg models.Message, files []models.File, logger *slog.Logger) models.Message {
	var sb strings.Builder
	sb.WriteString(msg.Content)

	for _, file := range files {
		processed, err := m.files.Process(ctx, file)
		if err != nil {
			var fpe *models.FileProcessingError
			if !errors.As(err, &fpe) {
				err = &models.FileProcessingError{Name: file.Name, Err: err}
			}
			logger.Warn("Skipping attachment", slog.String(errLoggerKey, err.Error()))
			m.metrics.file(false)
			continue
		}
		m.metrics.file(true)

		if processed.Data == nil {
			if sb.Len() > 0 {
				sb.WriteString("\n\n")
			}
			fmt.Fprintf(&sb, "--- Content from %s ---\n%s", file.Name, processed.Text)
			continue
		}
		msg.Parts = append(msg.Parts, models.Part{
			Type:      models.PartTypeFile,
			Data:      processed.Data,
			MediaType: processed.MediaType,
		})
	}

	msg.Content = sb.String()
	return msg
}

// trimContext keeps the leading system message, if any, and the most recent limit other messages.
func trimContext(msgs []models.Message, limit int) []models.Message {
	var head []models.Message
	rest := msgs
	if len(msgs) > 0 && msgs[0].Role == models.RoleSystem {
		head, rest = msgs[:1], msgs[1:]
	}
	if len(rest) <= limit {
		return msgs
	}
	return slices.Concat(head, rest[len(rest)-limit:])
}

// publicError is the message an error event shows the user. Raw provider errors stay in the logs.
func publicError(err error) string {
	switch {
	case errors.Is(err, models.ErrAllModelsRateLimited):
		return "All models are rate limited, please try again later"
	case errors.Is(err, models.ErrEmptyConversation):
		return "The conversation has no content to send"
	default:
		return "The model failed to generate a response"
	}
}
