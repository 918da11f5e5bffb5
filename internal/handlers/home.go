package handlers

import (
	"bytes"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/OmChillure/memochat/internal/models"
)

type conversation struct {
	ID    string
	Title string

	Active bool
}

type message struct {
	ID        string
	Role      string
	Content   template.HTML
	Files     []models.File
	Timestamp time.Time
	Edited    bool
}

type homePageData struct {
	Authenticated  bool
	Conversations  []conversation
	Messages       []message
	ConversationID string
}

// HandleHome renders the chat interface. Signed-in callers see their conversations and, when the
// conversationId query parameter names one of them, its messages with assistant replies rendered from
// markdown.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		m.methodNotAllowed(w, r)
		return
	}

	var data homePageData

	ownerID, err := m.auth.Identify(r)
	if err != nil {
		if !errors.Is(err, models.ErrUnauthorized) {
			m.writeError(w, r, err)
			return
		}
		m.render(w, r, data)
		return
	}
	data.Authenticated = true

	convs, err := m.store.Conversations(r.Context(), ownerID)
	if err != nil {
		m.writeError(w, r, err)
		return
	}

	activeID := r.URL.Query().Get("conversationId")
	data.Conversations = make([]conversation, len(convs))
	for i, c := range convs {
		data.Conversations[i] = conversation{ID: c.ID, Title: c.Title, Active: c.ID == activeID}
	}

	if activeID != "" {
		msgs, err := m.store.Messages(r.Context(), ownerID, activeID)
		if err != nil {
			m.writeError(w, r, err)
			return
		}
		data.ConversationID = activeID
		data.Messages = make([]message, len(msgs))
		for i, msg := range msgs {
			data.Messages[i] = m.renderMessage(msg)
		}
	}

	m.render(w, r, data)
}

func (m Main) render(w http.ResponseWriter, r *http.Request, data homePageData) {
	var buf bytes.Buffer
	if err := m.templates.ExecuteTemplate(&buf, "home.html", data); err != nil {
		m.logger.Error("Failed to execute home template", slog.String(errLoggerKey, err.Error()))
		m.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}

func (m Main) renderMessage(msg models.Message) message {
	out := message{
		ID:        msg.ID,
		Role:      string(msg.Role),
		Files:     msg.Files,
		Timestamp: msg.CreatedAt,
		Edited:    msg.IsEdited,
	}

	if msg.Role != models.RoleAssistant {
		out.Content = template.HTML(template.HTMLEscapeString(msg.Content))
		return out
	}

	var buf bytes.Buffer
	if err := m.markdown.Convert([]byte(msg.Content), &buf); err != nil {
		m.logger.Warn("Failed to render markdown",
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
		out.Content = template.HTML(template.HTMLEscapeString(msg.Content))
		return out
	}
	// Goldmark drops raw HTML from the source unless the unsafe renderer option is set.
	out.Content = template.HTML(buf.String())
	return out
}

// HandleHealth reports that the server is up.
func (m Main) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}
