package models

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Conversation groups messages owned by a single user. Its title is derived from the first user message.
type Conversation struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"-"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// MemoryEntry is a durable per-user fact injected as system context into every model call.
type MemoryEntry struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"-"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// Upload is the metadata of a hosted file.
type Upload struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"-"`
	URL        string    `json:"url"`
	FileName   string    `json:"fileName"`
	FileType   string    `json:"fileType"`
	FileSize   int64     `json:"fileSize"`
	UploadedAt time.Time `json:"uploadedAt"`
}

const (
	// DefaultTitle is used when a conversation has no usable first message.
	DefaultTitle = "New Chat"

	titleLength   = 50
	titleEllipsis = "…"
)

// DeriveTitle builds a conversation title from the first 50 characters of content, appending an ellipsis
// when the content was truncated. Content that is blank after trimming yields DefaultTitle.
func DeriveTitle(content string) string {
	if strings.TrimSpace(content) == "" {
		return DefaultTitle
	}
	if utf8.RuneCountInString(content) <= titleLength {
		return content
	}
	runes := []rune(content)
	title := string(runes[:titleLength])
	if strings.TrimSpace(title) == "" {
		return DefaultTitle
	}
	return title + titleEllipsis
}
