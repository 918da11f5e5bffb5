package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"

	"github.com/OmChillure/memochat/internal/models"
	"github.com/OmChillure/memochat/internal/transcript"
	"github.com/charmbracelet/glamour"
	"github.com/dustin/go-humanize"
)

type backend interface {
	transcript.Streamer
	transcript.Store

	Conversations(ctx context.Context) ([]models.Conversation, error)
	Messages(ctx context.Context, conversationID string) ([]models.Message, error)
	Upload(ctx context.Context, path string) (models.File, error)
}

type session struct {
	api      backend
	model    string
	renderer *glamour.TermRenderer
	live     bool
	out      io.Writer
	bus      *transcript.Bus
	logger   *slog.Logger

	unbus func()

	mu          sync.Mutex
	tr          *transcript.Transcript
	unwatch     func()
	listed      []models.Conversation
	attachments []models.File
	// draftID and printed track the reply being echoed in live mode.
	draftID string
	printed int
}

func newSession(
	api backend,
	model string,
	renderer *glamour.TermRenderer,
	live bool,
	out io.Writer,
	logger *slog.Logger,
) *session {
	s := &session{
		api:      api,
		model:    model,
		renderer: renderer,
		live:     live,
		out:      out,
		bus:      transcript.NewBus(),
		logger:   logger.With(slog.String("module", "chat")),
	}
	s.unbus = s.bus.Subscribe(s.onNotice)
	s.open("", nil)
	return s
}

func (s *session) onNotice(n transcript.Notice) {
	switch n.Kind {
	case transcript.NoticeNewChat:
		s.open("", nil)
		fmt.Fprintln(s.out, "Started a new conversation.")
	case transcript.NoticeConversationSelected:
		msgs, err := s.api.Messages(context.Background(), n.ConversationID)
		if err != nil {
			fmt.Fprintf(s.out, "Failed to open conversation: %v\n", err)
			return
		}
		s.open(n.ConversationID, msgs)
		s.printHistory(msgs)
	default:
		s.logger.Debug("Notice", slog.String("kind", n.Kind.String()), slog.String("conversationID", n.ConversationID))
	}
}

// open replaces the current transcript. The previous one is closed outside s.mu because its persistence
// worker may be delivering a snapshot to watch.
func (s *session) open(conversationID string, msgs []models.Message) {
	tr := transcript.New(s.api, s.api, s.logger,
		transcript.WithModel(s.model),
		transcript.WithConversation(conversationID, msgs),
		transcript.WithBus(s.bus))
	unwatch := tr.Subscribe(s.watch)

	s.mu.Lock()
	prev, prevUnwatch := s.tr, s.unwatch
	s.tr, s.unwatch = tr, unwatch
	s.attachments = nil
	s.mu.Unlock()

	if prev != nil {
		prevUnwatch()
		if err := prev.Close(); err != nil {
			s.logger.Debug("Failed to close transcript", slog.String("error", err.Error()))
		}
	}
}

func (s *session) current() *transcript.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tr
}

// watch echoes the growing draft in live mode.
func (s *session) watch(snap transcript.Snapshot) {
	if !s.live || snap.Operation == transcript.OpIdle {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, msg := range snap.Messages {
		if msg.IsLoading {
			s.draftID = msg.ID
			return
		}
		if msg.ID != s.draftID || len(msg.Content) <= s.printed {
			continue
		}
		fmt.Fprint(s.out, msg.Content[s.printed:])
		s.printed = len(msg.Content)
	}
}

func (s *session) prompt() string {
	id := s.current().Snapshot().ConversationID
	if id == "" {
		return "memochat> "
	}
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("memochat[%s]> ", id)
}

// handle runs a single line of input and reports whether the session should end.
func (s *session) handle(input string) (quit bool) {
	if !strings.HasPrefix(input, "/") {
		s.send(input)
		return false
	}

	cmd, args, _ := strings.Cut(input, " ")
	args = strings.TrimSpace(args)

	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(s.out, helpText)
	case "/new":
		s.bus.NewChat()
	case "/list":
		s.list()
	case "/open":
		s.openArg(args)
	case "/attach":
		s.attach(args)
	case "/regen":
		id, ok := s.messageArg(args)
		if !ok {
			return false
		}
		s.run(func(ctx context.Context, tr *transcript.Transcript) error {
			return tr.Regenerate(ctx, id)
		})
	case "/edit":
		n, text, _ := strings.Cut(args, " ")
		id, ok := s.messageArg(n)
		if !ok {
			return false
		}
		s.run(func(ctx context.Context, tr *transcript.Transcript) error {
			return tr.Edit(ctx, id, strings.TrimSpace(text))
		})
	case "/delete":
		id, ok := s.messageArg(args)
		if !ok {
			return false
		}
		if err := s.current().Delete(id); err != nil {
			fmt.Fprintf(s.out, "Failed to delete message: %v\n", err)
		}
	default:
		fmt.Fprintf(s.out, "Unknown command %s, type /help for commands\n", cmd)
	}
	return false
}

func (s *session) send(text string) {
	s.mu.Lock()
	files := s.attachments
	s.attachments = nil
	s.mu.Unlock()

	s.run(func(ctx context.Context, tr *transcript.Transcript) error {
		return tr.Send(ctx, text, files)
	})
}

// run executes a streaming operation, cancelled by an interrupt, and prints the resulting reply.
func (s *session) run(op func(ctx context.Context, tr *transcript.Transcript) error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	s.mu.Lock()
	s.draftID, s.printed = "", 0
	s.mu.Unlock()

	tr := s.current()
	if !s.live {
		fmt.Fprintln(s.out, "...")
	}
	err := op(ctx, tr)

	var ve models.ValidationError
	switch {
	case err == nil, errors.Is(err, transcript.ErrStreamFailed):
		if err != nil {
			s.logger.Debug("Stream failed", slog.String("error", err.Error()))
		}
		s.printReply(tr.Snapshot())
	case errors.As(err, &ve):
		fmt.Fprintf(s.out, "Invalid input: %v\n", err)
	default:
		fmt.Fprintf(s.out, "Error: %v\n", err)
	}
}

func (s *session) printReply(snap transcript.Snapshot) {
	if len(snap.Messages) == 0 {
		return
	}
	last := snap.Messages[len(snap.Messages)-1]
	if last.Role != models.RoleAssistant {
		return
	}

	s.mu.Lock()
	partial := s.live && s.printed > 0
	echoed := partial && last.ID == s.draftID
	s.mu.Unlock()

	if partial {
		fmt.Fprintln(s.out)
	}
	if echoed {
		return
	}
	if s.live {
		// Nothing was echoed: a failure notice, or a reply that arrived without fragments.
		fmt.Fprintln(s.out, last.Content)
		return
	}
	fmt.Fprint(s.out, s.render(last.Content))
}

func (s *session) printHistory(msgs []models.Message) {
	for i, msg := range msgs {
		fmt.Fprintf(s.out, "[%d] %s:\n", i+1, msg.Role)
		if msg.Role == models.RoleAssistant {
			fmt.Fprint(s.out, s.render(msg.Content))
			continue
		}
		fmt.Fprintln(s.out, msg.Content)
		for _, f := range msg.Files {
			fmt.Fprintf(s.out, "    attached %s\n", f.Name)
		}
	}
}

func (s *session) render(content string) string {
	if s.renderer == nil {
		return content + "\n"
	}
	out, err := s.renderer.Render(content)
	if err != nil {
		s.logger.Debug("Failed to render markdown", slog.String("error", err.Error()))
		return content + "\n"
	}
	return out
}

func (s *session) list() {
	convs, err := s.api.Conversations(context.Background())
	if err != nil {
		fmt.Fprintf(s.out, "Failed to list conversations: %v\n", err)
		return
	}

	s.mu.Lock()
	s.listed = convs
	s.mu.Unlock()

	if len(convs) == 0 {
		fmt.Fprintln(s.out, "No conversations yet.")
		return
	}
	currentID := s.current().Snapshot().ConversationID
	for i, c := range convs {
		marker := " "
		if c.ID == currentID {
			marker = "*"
		}
		fmt.Fprintf(s.out, "%s%2d. %s (%s)\n", marker, i+1, c.Title, humanize.Time(c.UpdatedAt))
	}
}

func (s *session) openArg(arg string) {
	if arg == "" {
		fmt.Fprintln(s.out, "Usage: /open <n|id>")
		return
	}

	id := arg
	if n, err := strconv.Atoi(arg); err == nil {
		s.mu.Lock()
		listed := s.listed
		s.mu.Unlock()
		if n < 1 || n > len(listed) {
			fmt.Fprintf(s.out, "No conversation %d, run /list first\n", n)
			return
		}
		id = listed[n-1].ID
	}
	s.bus.ConversationSelected(id)
}

func (s *session) attach(path string) {
	if path == "" {
		fmt.Fprintln(s.out, "Usage: /attach <path>")
		return
	}
	file, err := s.api.Upload(context.Background(), path)
	if err != nil {
		fmt.Fprintf(s.out, "Failed to upload %s: %v\n", path, err)
		return
	}

	s.mu.Lock()
	s.attachments = append(s.attachments, file)
	n := len(s.attachments)
	s.mu.Unlock()

	fmt.Fprintf(s.out, "Attached %s (%d pending)\n", file.Name, n)
}

// messageArg resolves a 1-based message number of the current transcript to its ID.
func (s *session) messageArg(arg string) (string, bool) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		fmt.Fprintln(s.out, "Expected a message number, see /help")
		return "", false
	}
	msgs := s.current().Snapshot().Messages
	if n < 1 || n > len(msgs) {
		fmt.Fprintf(s.out, "No message %d\n", n)
		return "", false
	}
	return msgs[n-1].ID, true
}

func (s *session) close() {
	s.unbus()

	s.mu.Lock()
	tr, unwatch := s.tr, s.unwatch
	s.mu.Unlock()

	unwatch()
	if err := tr.Close(); err != nil {
		s.logger.Debug("Failed to close transcript", slog.String("error", err.Error()))
	}
}
