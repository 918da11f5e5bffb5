package handlers

import (
	"net/http"
	"strings"

	"github.com/OmChillure/memochat/internal/models"
)

type okResponse struct {
	OK bool `json:"ok"`
}

type idRequest struct {
	ID string `json:"id"`
}

type conversationRequest struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type messageRequest struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	Role           models.Role   `json:"role"`
	Content        string        `json:"content"`
	Files          []models.File `json:"files"`
}

type messageResponse struct {
	OK             bool   `json:"ok"`
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

type memoryRequest struct {
	ID    string `json:"id"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

// HandleConversations lists, creates, renames and deletes the caller's conversations. Deleting a
// conversation deletes its messages.
func (m Main) HandleConversations(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := m.identify(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		convs, err := m.store.Conversations(r.Context(), ownerID)
		if err != nil {
			m.writeError(w, r, err)
			return
		}
		if convs == nil {
			convs = []models.Conversation{}
		}
		writeJSON(w, http.StatusOK, convs)

	case http.MethodPost:
		var req conversationRequest
		if err := decodeJSON(r, &req); err != nil {
			m.writeError(w, r, err)
			return
		}
		conv, err := m.store.AddConversation(r.Context(), ownerID, strings.TrimSpace(req.Title))
		if err != nil {
			m.writeError(w, r, err)
			return
		}
		m.publishConversations(r.Context(), ownerID)
		writeJSON(w, http.StatusOK, conv)

	case http.MethodPut:
		var req conversationRequest
		if err := decodeJSON(r, &req); err != nil {
			m.writeError(w, r, err)
			return
		}
		if err := firstErr(required("id", req.ID), required("title", strings.TrimSpace(req.Title))); err != nil {
			m.writeError(w, r, err)
			return
		}
		if err := m.store.UpdateConversation(r.Context(), ownerID, req.ID, strings.TrimSpace(req.Title)); err != nil {
			m.writeError(w, r, err)
			return
		}
		m.publishConversations(r.Context(), ownerID)
		writeJSON(w, http.StatusOK, okResponse{OK: true})

	case http.MethodDelete:
		var req idRequest
		if err := decodeJSON(r, &req); err != nil {
			m.writeError(w, r, err)
			return
		}
		if err := required("id", req.ID); err != nil {
			m.writeError(w, r, err)
			return
		}
		if err := m.store.DeleteConversation(r.Context(), ownerID, req.ID); err != nil {
			m.writeError(w, r, err)
			return
		}
		m.publishConversations(r.Context(), ownerID)
		writeJSON(w, http.StatusOK, okResponse{OK: true})

	default:
		m.methodNotAllowed(w, r)
	}
}

// HandleMessages lists, appends, edits and deletes messages of the caller's conversations. Appending without
// a conversation id starts a new conversation titled after the message.
func (m Main) HandleMessages(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := m.identify(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		convID := r.URL.Query().Get("conversationId")
		if err := required("conversationId", convID); err != nil {
			m.writeError(w, r, err)
			return
		}
		msgs, err := m.store.Messages(r.Context(), ownerID, convID)
		if err != nil {
			m.writeError(w, r, err)
			return
		}
		if msgs == nil {
			msgs = []models.Message{}
		}
		writeJSON(w, http.StatusOK, msgs)

	case http.MethodPost:
		var req messageRequest
		if err := decodeJSON(r, &req); err != nil {
			m.writeError(w, r, err)
			return
		}
		if !req.Role.Valid() {
			m.writeError(w, r, models.ValidationError{Field: "role", Reason: "must be user, assistant or system"})
			return
		}
		if err := required("content", strings.TrimSpace(req.Content)); err != nil {
			m.writeError(w, r, err)
			return
		}
		msg, err := m.store.AppendMessage(r.Context(), ownerID, req.ConversationID, models.Message{
			Role:    req.Role,
			Content: req.Content,
			Files:   req.Files,
		})
		if err != nil {
			m.writeError(w, r, err)
			return
		}
		m.publishConversations(r.Context(), ownerID)
		writeJSON(w, http.StatusOK, messageResponse{OK: true, MessageID: msg.ID, ConversationID: msg.ConversationID})

	case http.MethodPut:
		var req messageRequest
		if err := decodeJSON(r, &req); err != nil {
			m.writeError(w, r, err)
			return
		}
		if err := firstErr(required("id", req.ID), required("content", req.Content)); err != nil {
			m.writeError(w, r, err)
			return
		}
		msg, err := m.store.UpdateMessage(r.Context(), ownerID, req.ID, req.Content)
		if err != nil {
			m.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, msg)

	case http.MethodDelete:
		var req idRequest
		if err := decodeJSON(r, &req); err != nil {
			m.writeError(w, r, err)
			return
		}
		if err := required("id", req.ID); err != nil {
			m.writeError(w, r, err)
			return
		}
		if err := m.store.DeleteMessage(r.Context(), ownerID, req.ID); err != nil {
			m.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, okResponse{OK: true})

	default:
		m.methodNotAllowed(w, r)
	}
}

// HandleMemory lists, adds, updates and deletes the caller's memory entries.
func (m Main) HandleMemory(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := m.identify(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		entries, err := m.store.Memories(r.Context(), ownerID)
		if err != nil {
			m.writeError(w, r, err)
			return
		}
		if entries == nil {
			entries = []models.MemoryEntry{}
		}
		writeJSON(w, http.StatusOK, entries)

	case http.MethodPost:
		var req memoryRequest
		if err := decodeJSON(r, &req); err != nil {
			m.writeError(w, r, err)
			return
		}
		if err := firstErr(required("key", strings.TrimSpace(req.Key)), required("value", req.Value)); err != nil {
			m.writeError(w, r, err)
			return
		}
		entry, err := m.store.AddMemory(r.Context(), ownerID, strings.TrimSpace(req.Key), req.Value)
		if err != nil {
			m.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, entry)

	case http.MethodPut:
		var req memoryRequest
		if err := decodeJSON(r, &req); err != nil {
			m.writeError(w, r, err)
			return
		}
		if err := firstErr(required("id", req.ID), required("value", req.Value)); err != nil {
			m.writeError(w, r, err)
			return
		}
		if err := m.store.UpdateMemory(r.Context(), ownerID, req.ID, req.Value); err != nil {
			m.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, okResponse{OK: true})

	case http.MethodDelete:
		var req idRequest
		if err := decodeJSON(r, &req); err != nil {
			m.writeError(w, r, err)
			return
		}
		if err := required("id", req.ID); err != nil {
			m.writeError(w, r, err)
			return
		}
		if err := m.store.DeleteMemory(r.Context(), ownerID, req.ID); err != nil {
			m.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, okResponse{OK: true})

	default:
		m.methodNotAllowed(w, r)
	}
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
