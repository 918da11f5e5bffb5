package models

import (
	"strings"
	"time"
)

// Message is a single entry of a conversation transcript. Messages created on the client carry a locally
// generated ID until the store assigns its own; IsLoading is only ever true for the draft of an in-flight
// stream and is never serialized.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId,omitempty"`
	OwnerID        string    `json:"-"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Parts          []Part    `json:"parts,omitempty"`
	Files          []File    `json:"files,omitempty"`
	CreatedAt      time.Time `json:"createdAt,omitempty"`

	IsLoading   bool   `json:"-"`
	IsEdited    bool   `json:"isEdited,omitempty"`
	EditHistory []Edit `json:"editHistory,omitempty"`
}

// Part is a typed piece of message content. Text parts fill Text, file parts fill Data and MediaType.
type Part struct {
	Type      PartType `json:"type"`
	Text      string   `json:"text,omitempty"`
	Data      []byte   `json:"data,omitempty"`
	MediaType string   `json:"mediaType,omitempty"`
}

// File is an attachment reference stored alongside a message.
type File struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	MediaType string `json:"mediaType,omitempty"`
}

// Edit records a previous version of an edited message.
type Edit struct {
	Content  string    `json:"content"`
	EditedAt time.Time `json:"editedAt"`
}

// Role represents the role of a message participant.
type Role string

// PartType represents the type of a message part.
type PartType string

const (
	// RoleUser represents a message written by the user.
	RoleUser Role = "user"
	// RoleAssistant represents a message generated by the model.
	RoleAssistant Role = "assistant"
	// RoleSystem represents context injected before the conversation, such as memory entries.
	RoleSystem Role = "system"

	// PartTypeText represents a text fragment.
	PartTypeText PartType = "text"
	// PartTypeFile represents binary content with a media type.
	PartTypeFile PartType = "file"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// FileParts returns the file parts of the message that carry data.
func (m Message) FileParts() []Part {
	var files []Part
	for _, p := range m.Parts {
		if p.Type == PartTypeFile && len(p.Data) > 0 {
			files = append(files, p)
		}
	}
	return files
}

// Text returns the message content followed by the text of every text part.
func (m Message) Text() string {
	var sb strings.Builder
	sb.WriteString(m.Content)
	for _, p := range m.Parts {
		if p.Type != PartTypeText || p.Text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(p.Text)
	}
	return sb.String()
}
