package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"strings"
	"testing"

	"github.com/OmChillure/memochat/internal/handlers"
	"github.com/OmChillure/memochat/internal/models"
	"github.com/OmChillure/memochat/internal/services"
	"github.com/OmChillure/memochat/internal/stream"
)

type mockProvider struct {
	responses []string
	errs      map[string]error

	got [][]models.Message
}

type mockAuth struct{}

type mockFiles struct {
	processed map[string]services.ProcessedFile
}

const userHeader = "X-Test-User"

func (m *mockProvider) Chat(_ context.Context, model string, messages []models.Message) iter.Seq2[string, error] {
	m.got = append(m.got, messages)
	return func(yield func(string, error) bool) {
		if err := m.errs[model]; err != nil {
			yield("", err)
			return
		}
		for _, resp := range m.responses {
			if !yield(resp, nil) {
				return
			}
		}
	}
}

func (mockAuth) Identify(r *http.Request) (string, error) {
	if u := r.Header.Get(userHeader); u != "" {
		return u, nil
	}
	return "", models.ErrUnauthorized
}

func (m mockFiles) Process(_ context.Context, file models.File) (services.ProcessedFile, error) {
	p, ok := m.processed[file.URL]
	if !ok {
		return services.ProcessedFile{}, &models.FileProcessingError{Name: file.Name, Err: errors.New("fetch failed")}
	}
	return p, nil
}

func (m mockFiles) Fetch(_ context.Context, rawURL string) ([]byte, string, error) {
	p, ok := m.processed[rawURL]
	if !ok {
		return nil, "", errors.New("fetch failed")
	}
	if p.Data != nil {
		return p.Data, p.MediaType, nil
	}
	return []byte(p.Text), p.MediaType, nil
}

type testEnv struct {
	main     handlers.Main
	store    services.BoltDB
	provider *mockProvider
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEnv(t *testing.T, provider *mockProvider, files mockFiles, cfg handlers.Config) testEnv {
	t.Helper()

	store, err := services.NewBoltDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewBoltDB() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	chain := services.NewChain(provider, []string{"fallback-model"}, discardLogger())
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "test-model"
	}
	if cfg.PublicURL == "" {
		cfg.PublicURL = "http://memochat.test"
	}

	main, err := handlers.NewMain(chain, store, store, mockAuth{}, files, nil, cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewMain() error = %v", err)
	}
	return testEnv{main: main, store: store, provider: provider}
}

func request(method, target, user string, body any) *http.Request {
	var r io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set(userHeader, user)
	}
	return req
}

func events(t *testing.T, body io.Reader) []stream.Event {
	t.Helper()

	var evs []stream.Event
	for ev, err := range stream.Read(body) {
		if err != nil {
			t.Fatalf("stream.Read() error = %v", err)
		}
		evs = append(evs, ev)
	}
	return evs
}

func TestNewMain(t *testing.T) {
	env := newEnv(t, &mockProvider{}, mockFiles{}, handlers.Config{})

	if env.main.Shutdown(context.Background()) != nil {
		t.Error("Shutdown() should not return error")
	}
}

func TestHandleChat(t *testing.T) {
	hello := map[string]any{"messages": []map[string]any{{"role": "user", "content": "Hello"}}}

	tests := []struct {
		name       string
		provider   *mockProvider
		method     string
		user       string
		body       any
		wantStatus int
		wantEvents []stream.Event
	}{
		{
			name:       "Invalid method",
			provider:   &mockProvider{},
			method:     http.MethodGet,
			user:       "alice",
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "Unauthorized",
			provider:   &mockProvider{},
			method:     http.MethodPost,
			body:       hello,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "Missing messages",
			provider:   &mockProvider{},
			method:     http.MethodPost,
			user:       "alice",
			body:       map[string]any{"model": "x"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:     "Unknown role",
			provider: &mockProvider{},
			method:   http.MethodPost,
			user:     "alice",
			body: map[string]any{"messages": []map[string]any{
				{"role": "robot", "content": "beep"},
			}},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Streams fragments",
			provider:   &mockProvider{responses: []string{"Hi", " ", " there"}},
			method:     http.MethodPost,
			user:       "alice",
			body:       hello,
			wantStatus: http.StatusOK,
			wantEvents: []stream.Event{stream.Chunk("Hi"), stream.Chunk(" there"), stream.Done()},
		},
		{
			name:       "Empty reply",
			provider:   &mockProvider{},
			method:     http.MethodPost,
			user:       "alice",
			body:       hello,
			wantStatus: http.StatusOK,
			wantEvents: []stream.Event{stream.Done()},
		},
		{
			name: "Upstream failure",
			provider: &mockProvider{errs: map[string]error{
				"test-model": errors.New("secret upstream details"),
			}},
			method:     http.MethodPost,
			user:       "alice",
			body:       hello,
			wantStatus: http.StatusOK,
			wantEvents: []stream.Event{stream.Fail("The model failed to generate a response")},
		},
		{
			name: "All models rate limited",
			provider: &mockProvider{errs: map[string]error{
				"test-model":     &models.UpstreamError{StatusCode: http.StatusTooManyRequests, Err: errors.New("slow")},
				"fallback-model": errors.New("quota exceeded"),
			}},
			method:     http.MethodPost,
			user:       "alice",
			body:       hello,
			wantStatus: http.StatusOK,
			wantEvents: []stream.Event{stream.Fail("All models are rate limited, please try again later")},
		},
		{
			name:     "Empty conversation",
			provider: &mockProvider{},
			method:   http.MethodPost,
			user:     "alice",
			body: map[string]any{"messages": []map[string]any{
				{"role": "user", "content": "   "},
			}},
			wantStatus: http.StatusOK,
			wantEvents: []stream.Event{stream.Fail("The conversation has no content to send")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newEnv(t, tt.provider, mockFiles{}, handlers.Config{})
			w := httptest.NewRecorder()

			env.main.HandleChat(w, request(tt.method, "/api/chat", tt.user, tt.body))

			if w.Code != tt.wantStatus {
				t.Fatalf("HandleChat() status = %v, want %v", w.Code, tt.wantStatus)
			}
			if tt.wantEvents == nil {
				return
			}
			if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
				t.Errorf("Content-Type = %q, want text/event-stream", ct)
			}
			if strings.Contains(w.Body.String(), "secret upstream details") {
				t.Error("response leaks the raw upstream error")
			}
			got := events(t, w.Body)
			if len(got) != len(tt.wantEvents) {
				t.Fatalf("events = %+v, want %+v", got, tt.wantEvents)
			}
			for i := range got {
				if got[i] != tt.wantEvents[i] {
					t.Errorf("event %d = %+v, want %+v", i, got[i], tt.wantEvents[i])
				}
			}
		})
	}
}

func TestHandleChatContext(t *testing.T) {
	provider := &mockProvider{responses: []string{"ok"}}
	files := mockFiles{processed: map[string]services.ProcessedFile{
		"http://files/notes.txt": {Text: "buy milk", MediaType: "text/plain"},
		"http://files/cat.png":   {Data: []byte{0x89, 'P', 'N', 'G'}, MediaType: "image/png"},
	}}
	env := newEnv(t, provider, files, handlers.Config{MaxContextMessages: 3})
	ctx := context.Background()

	if _, err := env.store.AddMemory(ctx, "alice", "name", "Alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.store.AddMemory(ctx, "alice", "city", "Lisbon"); err != nil {
		t.Fatal(err)
	}

	body := map[string]any{"messages": []map[string]any{
		{"role": "user", "content": "dropped by trimming"},
		{"role": "assistant", "content": "also dropped"},
		{"role": "user", "content": "first kept"},
		{"role": "assistant", "text": "second kept"},
		{"role": "user", "content": "Look at these", "files": []map[string]any{
			{"name": "notes.txt", "url": "http://files/notes.txt"},
			{"name": "broken.pdf", "url": "http://files/broken.pdf"},
			{"name": "cat.png", "url": "http://files/cat.png"},
		}},
	}}

	w := httptest.NewRecorder()
	env.main.HandleChat(w, request(http.MethodPost, "/api/chat", "alice", body))
	if w.Code != http.StatusOK {
		t.Fatalf("HandleChat() status = %v, want 200", w.Code)
	}
	if len(provider.got) != 1 {
		t.Fatalf("provider called %d times, want 1", len(provider.got))
	}

	got := provider.got[0]
	if len(got) != 4 {
		t.Fatalf("provider got %d messages, want system + 3 recent: %+v", len(got), got)
	}
	if got[0].Role != models.RoleSystem || got[0].Content != "Memory: name: Alice\nMemory: city: Lisbon" {
		t.Errorf("system message = %+v", got[0])
	}
	if got[1].Content != "first kept" || got[2].Content != "second kept" {
		t.Errorf("kept messages = %q, %q", got[1].Content, got[2].Content)
	}

	last := got[3]
	if len(last.Parts) != 2 {
		t.Fatalf("last message parts = %+v, want text then image", last.Parts)
	}
	wantText := "Look at these\n\n--- Content from notes.txt ---\nbuy milk"
	if last.Parts[0].Type != models.PartTypeText || last.Parts[0].Text != wantText {
		t.Errorf("text part = %q, want %q", last.Parts[0].Text, wantText)
	}
	if last.Parts[1].Type != models.PartTypeFile || last.Parts[1].MediaType != "image/png" {
		t.Errorf("file part = %+v, want image/png", last.Parts[1])
	}
}

func TestHandleMessages(t *testing.T) {
	env := newEnv(t, &mockProvider{}, mockFiles{}, handlers.Config{})

	w := httptest.NewRecorder()
	env.main.HandleMessages(w, request(http.MethodPost, "/api/messages", "alice",
		map[string]any{"role": "user", "content": "What is the capital of Portugal?"}))
	if w.Code != http.StatusOK {
		t.Fatalf("POST status = %v, body %s", w.Code, w.Body.String())
	}
	var created struct {
		OK             bool   `json:"ok"`
		MessageID      string `json:"messageId"`
		ConversationID string `json:"conversationId"`
	}
	if err := json.NewDecoder(w.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	if !created.OK || created.MessageID == "" || created.ConversationID == "" {
		t.Fatalf("POST response = %+v", created)
	}

	w = httptest.NewRecorder()
	env.main.HandleMessages(w, request(http.MethodPost, "/api/messages", "alice",
		map[string]any{"conversationId": created.ConversationID, "role": "assistant", "content": "Lisbon"}))
	if w.Code != http.StatusOK {
		t.Fatalf("POST status = %v", w.Code)
	}

	tests := []struct {
		name       string
		req        *http.Request
		wantStatus int
	}{
		{
			name:       "Missing content",
			req:        request(http.MethodPost, "/api/messages", "alice", map[string]any{"role": "user", "content": " "}),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Bad role",
			req:        request(http.MethodPost, "/api/messages", "alice", map[string]any{"role": "x", "content": "hi"}),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Anonymous",
			req:        httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader("{")),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "Malformed body",
			req: func() *http.Request {
				req := httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader("{"))
				req.Header.Set(userHeader, "alice")
				return req
			}(),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Other owner",
			req:        request(http.MethodGet, "/api/messages?conversationId="+created.ConversationID, "bob", nil),
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "Missing conversation id",
			req:        request(http.MethodGet, "/api/messages", "alice", nil),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Edit",
			req:        request(http.MethodPut, "/api/messages", "alice", map[string]any{"id": created.MessageID, "content": "Capital of Portugal?"}),
			wantStatus: http.StatusOK,
		},
		{
			name:       "Delete by other owner",
			req:        request(http.MethodDelete, "/api/messages", "bob", map[string]any{"id": created.MessageID}),
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "Invalid method",
			req:        request(http.MethodPatch, "/api/messages", "alice", nil),
			wantStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			env.main.HandleMessages(w, tt.req)
			if w.Code != tt.wantStatus {
				t.Errorf("HandleMessages() status = %v, want %v (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}

	w = httptest.NewRecorder()
	env.main.HandleMessages(w, request(http.MethodGet, "/api/messages?conversationId="+created.ConversationID, "alice", nil))
	var msgs []models.Message
	if err := json.NewDecoder(w.Body).Decode(&msgs); err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Content != "Capital of Portugal?" || !msgs[0].IsEdited || msgs[1].Content != "Lisbon" {
		t.Errorf("GET messages = %+v", msgs)
	}

	w = httptest.NewRecorder()
	env.main.HandleConversations(w, request(http.MethodGet, "/api/conversations", "alice", nil))
	var convs []models.Conversation
	if err := json.NewDecoder(w.Body).Decode(&convs); err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 || convs[0].Title != "What is the capital of Portugal?" {
		t.Errorf("GET conversations = %+v", convs)
	}
}

func TestHandleConversations(t *testing.T) {
	env := newEnv(t, &mockProvider{}, mockFiles{}, handlers.Config{})

	w := httptest.NewRecorder()
	env.main.HandleConversations(w, request(http.MethodPost, "/api/conversations", "alice", map[string]any{}))
	var conv models.Conversation
	if err := json.NewDecoder(w.Body).Decode(&conv); err != nil {
		t.Fatal(err)
	}
	if conv.Title != models.DefaultTitle {
		t.Errorf("Title = %q, want %q", conv.Title, models.DefaultTitle)
	}

	tests := []struct {
		name       string
		req        *http.Request
		wantStatus int
	}{
		{"Rename", request(http.MethodPut, "/api/conversations", "alice", map[string]any{"id": conv.ID, "title": "Trip"}), http.StatusOK},
		{"Rename without title", request(http.MethodPut, "/api/conversations", "alice", map[string]any{"id": conv.ID}), http.StatusBadRequest},
		{"Rename by other owner", request(http.MethodPut, "/api/conversations", "bob", map[string]any{"id": conv.ID, "title": "x"}), http.StatusNotFound},
		{"Delete by other owner", request(http.MethodDelete, "/api/conversations", "bob", map[string]any{"id": conv.ID}), http.StatusNotFound},
		{"Delete", request(http.MethodDelete, "/api/conversations", "alice", map[string]any{"id": conv.ID}), http.StatusOK},
		{"Delete again", request(http.MethodDelete, "/api/conversations", "alice", map[string]any{"id": conv.ID}), http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			env.main.HandleConversations(w, tt.req)
			if w.Code != tt.wantStatus {
				t.Errorf("HandleConversations() status = %v, want %v", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestHandleMemory(t *testing.T) {
	env := newEnv(t, &mockProvider{}, mockFiles{}, handlers.Config{})

	w := httptest.NewRecorder()
	env.main.HandleMemory(w, request(http.MethodPost, "/api/memory", "alice", map[string]any{"key": "name", "value": "Alice"}))
	var entry models.MemoryEntry
	if err := json.NewDecoder(w.Body).Decode(&entry); err != nil {
		t.Fatal(err)
	}

	w = httptest.NewRecorder()
	env.main.HandleMemory(w, request(http.MethodPut, "/api/memory", "alice", map[string]any{"id": entry.ID, "value": "Alicia"}))
	if w.Code != http.StatusOK {
		t.Fatalf("PUT status = %v", w.Code)
	}

	w = httptest.NewRecorder()
	env.main.HandleMemory(w, request(http.MethodGet, "/api/memory", "alice", nil))
	var entries []models.MemoryEntry
	if err := json.NewDecoder(w.Body).Decode(&entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Value != "Alicia" {
		t.Errorf("GET memory = %+v", entries)
	}

	w = httptest.NewRecorder()
	env.main.HandleMemory(w, request(http.MethodGet, "/api/memory", "bob", nil))
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("GET memory for bob = %s, want []", w.Body.String())
	}

	w = httptest.NewRecorder()
	env.main.HandleMemory(w, request(http.MethodPost, "/api/memory", "alice", map[string]any{"key": "", "value": "x"}))
	if w.Code != http.StatusBadRequest {
		t.Errorf("POST without key status = %v, want 400", w.Code)
	}
}

func multipartRequest(t *testing.T, user, name, contentType string, data []byte) *http.Request {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="`+name+`"`)
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = part.Write(data)
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(userHeader, user)
	return req
}

func TestHandleUpload(t *testing.T) {
	files := mockFiles{processed: map[string]services.ProcessedFile{
		"https://example.com/report.pdf": {Data: []byte("%PDF-1.7"), MediaType: "application/pdf"},
	}}
	env := newEnv(t, &mockProvider{}, files, handlers.Config{MaxUploadBytes: 16})

	tests := []struct {
		name       string
		req        *http.Request
		wantStatus int
		wantType   string
		wantData   string
	}{
		{
			name:       "Multipart",
			req:        multipartRequest(t, "alice", "notes.txt", "text/plain", []byte("hello")),
			wantStatus: http.StatusOK,
			wantType:   "text/plain",
			wantData:   "hello",
		},
		{
			name:       "Remote URL",
			req:        request(http.MethodPost, "/api/upload", "alice", map[string]any{"fileUrl": "https://example.com/report.pdf"}),
			wantStatus: http.StatusOK,
			wantType:   "application/pdf",
			wantData:   "%PDF-1.7",
		},
		{
			name:       "Too large",
			req:        multipartRequest(t, "alice", "big.txt", "text/plain", bytes.Repeat([]byte("x"), 17)),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Declared too large",
			req:        request(http.MethodPost, "/api/upload", "alice", map[string]any{"fileUrl": "https://example.com/report.pdf", "fileSize": 1 << 30}),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Unsupported type",
			req:        multipartRequest(t, "alice", "tool.exe", "application/x-msdownload", []byte("MZ")),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Missing URL",
			req:        request(http.MethodPost, "/api/upload", "alice", map[string]any{}),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Unauthorized",
			req:        multipartRequest(t, "", "notes.txt", "text/plain", []byte("hello")),
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			env.main.HandleUpload(w, tt.req)
			if w.Code != tt.wantStatus {
				t.Fatalf("HandleUpload() status = %v, want %v (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				return
			}

			var up models.Upload
			if err := json.NewDecoder(w.Body).Decode(&up); err != nil {
				t.Fatal(err)
			}
			if up.FileType != tt.wantType || up.FileSize != int64(len(tt.wantData)) {
				t.Errorf("upload = %+v", up)
			}
			if !strings.HasPrefix(up.URL, "http://memochat.test/files/") {
				t.Errorf("URL = %q, want hosted under /files/", up.URL)
			}

			w = httptest.NewRecorder()
			env.main.HandleFiles(w, httptest.NewRequest(http.MethodGet, strings.TrimPrefix(up.URL, "http://memochat.test"), nil))
			if w.Code != http.StatusOK || w.Body.String() != tt.wantData {
				t.Errorf("HandleFiles() = %v %q, want 200 %q", w.Code, w.Body.String(), tt.wantData)
			}
			if ct := w.Header().Get("Content-Type"); ct != tt.wantType {
				t.Errorf("HandleFiles() Content-Type = %q, want %q", ct, tt.wantType)
			}
		})
	}

	w := httptest.NewRecorder()
	env.main.HandleFiles(w, httptest.NewRequest(http.MethodGet, "/files/missing", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("HandleFiles(missing) status = %v, want 404", w.Code)
	}
}

func TestHandleHome(t *testing.T) {
	env := newEnv(t, &mockProvider{}, mockFiles{}, handlers.Config{})
	ctx := context.Background()

	msg, err := env.store.AppendMessage(ctx, "alice", "", models.Message{Role: models.RoleUser, Content: "Hello <script>"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.store.AppendMessage(ctx, "alice", msg.ConversationID,
		models.Message{Role: models.RoleAssistant, Content: "Hi **there**"}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		req        *http.Request
		wantStatus int
		wantBody   []string
	}{
		{
			name:       "Signed out",
			req:        request(http.MethodGet, "/", "", nil),
			wantStatus: http.StatusOK,
			wantBody:   []string{`id="signin"`},
		},
		{
			name:       "Conversation list",
			req:        request(http.MethodGet, "/", "alice", nil),
			wantStatus: http.StatusOK,
			wantBody:   []string{"Hello &lt;script&gt;"},
		},
		{
			name:       "Conversation messages",
			req:        request(http.MethodGet, "/?conversationId="+msg.ConversationID, "alice", nil),
			wantStatus: http.StatusOK,
			wantBody: []string{
				"<strong>there</strong>",
				"Hello &lt;script&gt;",
				`data-action="edit"`,
				`data-action="regenerate"`,
				`data-action="delete"`,
			},
		},
		{
			name:       "Foreign conversation",
			req:        request(http.MethodGet, "/?conversationId="+msg.ConversationID, "bob", nil),
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "Unknown path",
			req:        request(http.MethodGet, "/nope", "alice", nil),
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			env.main.HandleHome(w, tt.req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleHome() status = %v, want %v", w.Code, tt.wantStatus)
			}
			for _, want := range tt.wantBody {
				if !strings.Contains(w.Body.String(), want) {
					t.Errorf("HandleHome() body = %v, want to contain %v", w.Body.String(), want)
				}
			}
			if strings.Contains(w.Body.String(), "Hello <script>") {
				t.Error("HandleHome() rendered user content unescaped")
			}
		})
	}
}

type denyAfter struct {
	n int
}

func (d *denyAfter) Allow(string) bool {
	d.n--
	return d.n >= 0
}

func TestRateLimit(t *testing.T) {
	env := newEnv(t, &mockProvider{}, mockFiles{}, handlers.Config{})
	h := env.main.RateLimit(&denyAfter{n: 1}, http.HandlerFunc(env.main.HandleHealth))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, request(http.MethodGet, "/healthz", "alice", nil))
	if w.Code != http.StatusOK {
		t.Errorf("first request status = %v, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, request(http.MethodGet, "/healthz", "alice", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("second request status = %v, want 429", w.Code)
	}
}

func TestHandleEvents(t *testing.T) {
	env := newEnv(t, &mockProvider{}, mockFiles{}, handlers.Config{})

	tests := []struct {
		name   string
		method string
		user   string
		want   int
	}{
		{name: "Wrong method", method: http.MethodPost, user: "alice", want: http.StatusMethodNotAllowed},
		{name: "Anonymous", method: http.MethodGet, want: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			env.main.HandleEvents(w, request(tt.method, "/api/events", tt.user, nil))
			if w.Code != tt.want {
				t.Errorf("status = %v, want %v", w.Code, tt.want)
			}
		})
	}
}
