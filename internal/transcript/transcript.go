// Package transcript keeps the client-side state of an open conversation: the ordered messages, the draft
// of the reply being streamed and the single active operation. Changes are mirrored to the server by a
// background worker that never blocks the visible transcript.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/OmChillure/memochat/internal/client"
	"github.com/OmChillure/memochat/internal/models"
	"github.com/OmChillure/memochat/internal/stream"
	"github.com/google/uuid"
)

// Streamer opens reply streams for a transcript.
type Streamer interface {
	StreamChat(ctx context.Context, model string, messages []models.Message) iter.Seq2[stream.Event, error]
	StreamRegenerate(ctx context.Context, model string, messages []models.Message) iter.Seq2[stream.Event, error]
}

// Store persists transcript messages on the server.
type Store interface {
	SaveMessage(ctx context.Context, conversationID string, msg models.Message) (client.Saved, error)
	UpdateMessage(ctx context.Context, id, content string) error
	DeleteMessage(ctx context.Context, id string) error
}

// Operation is the value of the active-operation slot.
type Operation string

const (
	// OpIdle means no stream is in flight.
	OpIdle Operation = ""
	// OpSending is a reply to a newly sent user message.
	OpSending Operation = "sending"
	// OpRegenerating is a reply replacing the transcript from Snapshot.Target on.
	OpRegenerating Operation = "regenerating"
	// OpEditing is a reply to the message edited at Snapshot.Target.
	OpEditing Operation = "editing"
)

const (
	// FallbackReply finalizes a reply that finished without any fragment.
	FallbackReply = "could not generate a response"
	// FailureNotice replaces the draft of a reply whose stream failed.
	FailureNotice = "Sorry, I encountered an error. Please try again."

	persistTimeout = 30 * time.Second
	errLoggerKey   = "error"
)

var (
	// ErrBusy is returned when a streaming operation is started while another is active.
	ErrBusy = errors.New("another operation is in progress")
	// ErrUnknownMessage is returned for a message id that isn't in the transcript.
	ErrUnknownMessage = errors.New("unknown message")
	// ErrStreamFailed is returned when a reply stream ended with an error or without a terminal event. The
	// draft has already been replaced by FailureNotice when this is returned.
	ErrStreamFailed = errors.New("reply stream failed")
	// ErrClosed is returned by operations on a closed Transcript.
	ErrClosed = errors.New("transcript is closed")
)

// Snapshot is a copy of the transcript state.
type Snapshot struct {
	ConversationID string
	Messages       []models.Message
	Operation      Operation
	// Target is the index an OpRegenerating or OpEditing operation started from, -1 otherwise.
	Target int
}

// Transcript reconciles a conversation view with reply streams and the server store. Streaming operations
// block until their stream terminates; Delete and Snapshot may be called from other goroutines meanwhile.
type Transcript struct {
	streamer Streamer
	store    Store
	bus      *Bus
	model    string
	newID    func() string

	mu             sync.Mutex
	conversationID string
	messages       []models.Message
	op             Operation
	target         int
	draftID        string
	storeIDs       map[string]string
	closed         bool
	seq            uint64

	subsMu  sync.Mutex
	subs    map[int]func(Snapshot)
	nextSub int
	// publishing serializes delivery so subscribers see snapshots in mutation order.
	publishing sync.Mutex
	published  uint64

	queueMu   sync.Mutex
	queueCond *sync.Cond
	queue     []func(context.Context)
	draining  bool
	done      chan struct{}

	logger *slog.Logger
}

// Option configures a Transcript.
type Option func(*Transcript)

// WithModel sets the model requested for replies. The server default is used otherwise.
func WithModel(model string) Option {
	return func(t *Transcript) {
		t.model = model
	}
}

// WithConversation opens an existing conversation whose messages were loaded from the store.
func WithConversation(id string, messages []models.Message) Option {
	return func(t *Transcript) {
		t.conversationID = id
		t.messages = slices.Clone(messages)
		for _, msg := range messages {
			t.storeIDs[msg.ID] = msg.ID
		}
	}
}

// WithBus publishes NoticeHistoryChanged on bus whenever a message is stored.
func WithBus(bus *Bus) Option {
	return func(t *Transcript) {
		t.bus = bus
	}
}

// WithIDGenerator replaces the generator of local message ids.
func WithIDGenerator(fn func() string) Option {
	return func(t *Transcript) {
		t.newID = fn
	}
}

// New creates an empty Transcript and starts its persistence worker. Close must be called to stop it.
func New(streamer Streamer, store Store, logger *slog.Logger, opts ...Option) *Transcript {
	t := &Transcript{
		streamer: streamer,
		store:    store,
		newID:    uuid.NewString,
		target:   -1,
		storeIDs: make(map[string]string),
		subs:     make(map[int]func(Snapshot)),
		done:     make(chan struct{}),
		logger:   logger.With(slog.String("module", "transcript")),
	}
	t.queueCond = sync.NewCond(&t.queueMu)
	for _, opt := range opts {
		opt(t)
	}

	go t.persist()

	return t
}

// Subscribe registers fn to receive a Snapshot after every change. fn runs on the goroutine that made the
// change and must not call back into the Transcript other than Snapshot.
func (t *Transcript) Subscribe(fn func(Snapshot)) (cancel func()) {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()

	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn

	return func() {
		t.subsMu.Lock()
		defer t.subsMu.Unlock()
		delete(t.subs, id)
	}
}

// Snapshot returns a copy of the current state.
func (t *Transcript) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Send appends a user message and streams the reply to the whole transcript.
func (t *Transcript) Send(ctx context.Context, text string, files []models.File) error {
	if strings.TrimSpace(text) == "" {
		return models.ValidationError{Field: "text", Reason: "is required"}
	}

	t.mu.Lock()
	if err := t.startableLocked(); err != nil {
		t.mu.Unlock()
		return err
	}

	user := models.Message{
		ID:        t.newID(),
		Role:      models.RoleUser,
		Content:   text,
		Files:     files,
		CreatedAt: time.Now(),
	}
	t.messages = append(t.messages, user)
	history := slices.Clone(t.messages)
	draftID := t.beginLocked(OpSending, -1)
	t.unlockAndPublish()

	t.save(user)

	return t.stream(ctx, draftID, t.streamer.StreamChat, history)
}

// Regenerate discards the message id and everything after it, then streams a new reply to the messages
// before it.
func (t *Transcript) Regenerate(ctx context.Context, id string) error {
	t.mu.Lock()
	if err := t.startableLocked(); err != nil {
		t.mu.Unlock()
		return err
	}
	i := t.indexLocked(id)
	if i < 0 {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}

	removed := t.truncateLocked(i)
	history := slices.Clone(t.messages)
	draftID := t.beginLocked(OpRegenerating, i)
	t.unlockAndPublish()

	for _, msg := range removed {
		t.unstore(msg.ID)
	}

	return t.stream(ctx, draftID, t.streamer.StreamRegenerate, history)
}

// Edit replaces the content of message id, discards everything after it and streams a new reply to the
// edited transcript.
func (t *Transcript) Edit(ctx context.Context, id, content string) error {
	if strings.TrimSpace(content) == "" {
		return models.ValidationError{Field: "content", Reason: "is required"}
	}

	t.mu.Lock()
	if err := t.startableLocked(); err != nil {
		t.mu.Unlock()
		return err
	}
	i := t.indexLocked(id)
	if i < 0 {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}

	t.messages[i].Content = content
	t.messages[i].IsEdited = true
	removed := t.truncateLocked(i + 1)
	history := slices.Clone(t.messages)
	draftID := t.beginLocked(OpEditing, i)
	t.unlockAndPublish()

	t.update(id, content)
	for _, msg := range removed {
		t.unstore(msg.ID)
	}

	return t.stream(ctx, draftID, t.streamer.StreamRegenerate, history)
}

// Delete removes exactly one message. It is allowed while a stream is in flight; deleting the draft stops
// the stream's result from being displayed without aborting it.
func (t *Transcript) Delete(id string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	i := t.indexLocked(id)
	if i < 0 {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	t.messages = slices.Delete(t.messages, i, i+1)
	t.unlockAndPublish()

	t.unstore(id)
	return nil
}

// Close waits for pending persistence to finish and stops the worker. It must not be called while a
// streaming operation is in flight.
func (t *Transcript) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.queueMu.Lock()
	t.draining = true
	t.queueCond.Signal()
	t.queueMu.Unlock()

	<-t.done
	return nil
}

func (t *Transcript) startableLocked() error {
	if t.closed {
		return ErrClosed
	}
	if t.op != OpIdle {
		return ErrBusy
	}
	return nil
}

func (t *Transcript) indexLocked(id string) int {
	return slices.IndexFunc(t.messages, func(m models.Message) bool { return m.ID == id })
}

func (t *Transcript) truncateLocked(from int) []models.Message {
	removed := slices.Clone(t.messages[from:])
	t.messages = slices.Clone(t.messages[:from])
	return removed
}

// beginLocked occupies the operation slot and appends the loading draft.
func (t *Transcript) beginLocked(op Operation, target int) string {
	t.op = op
	t.target = target
	t.draftID = t.newID()
	t.messages = append(t.messages, models.Message{
		ID:        t.draftID,
		Role:      models.RoleAssistant,
		CreatedAt: time.Now(),
		IsLoading: true,
	})
	return t.draftID
}

func (t *Transcript) stream(
	ctx context.Context,
	draftID string,
	open func(context.Context, string, []models.Message) iter.Seq2[stream.Event, error],
	history []models.Message,
) error {
	var (
		text       strings.Builder
		terminated bool
		cause      error
	)

loop:
	for ev, err := range open(ctx, t.model, history) {
		if err != nil {
			cause = err
			break
		}
		switch ev.Type {
		case stream.EventChunk:
			text.WriteString(ev.Chunk)
			t.updateDraft(draftID, text.String())
		case stream.EventDone:
			terminated = true
			break loop
		case stream.EventError:
			terminated = true
			cause = errors.New(ev.Error)
			break loop
		}
	}
	if cause == nil && !terminated {
		cause = errors.New("stream closed before a terminal event")
	}

	final, ok := t.finish(draftID, text.String(), cause)
	if cause != nil {
		t.logger.Warn("Reply stream failed", slog.String(errLoggerKey, cause.Error()))
		return fmt.Errorf("%w: %w", ErrStreamFailed, cause)
	}
	if ok {
		t.save(final)
	}
	return nil
}

// updateDraft replaces the draft content with the running text. A draft that was deleted stays deleted.
func (t *Transcript) updateDraft(draftID, text string) {
	t.mu.Lock()
	i := t.indexLocked(draftID)
	if i < 0 {
		t.mu.Unlock()
		return
	}
	t.messages[i].Content = text
	t.messages[i].IsLoading = false
	t.unlockAndPublish()
}

// finish releases the operation slot and settles the draft: finalized with its text, or the fallback
// reply, on success; replaced by a distinct failure notice otherwise. A deleted draft is left alone. ok
// reports whether a finalized reply is in the transcript.
func (t *Transcript) finish(draftID, text string, cause error) (final models.Message, ok bool) {
	t.mu.Lock()
	t.op = OpIdle
	t.target = -1
	t.draftID = ""

	if i := t.indexLocked(draftID); i >= 0 {
		if cause != nil {
			t.messages = slices.Delete(t.messages, i, i+1)
			t.messages = append(t.messages, models.Message{
				ID:        t.newID(),
				Role:      models.RoleAssistant,
				Content:   FailureNotice,
				CreatedAt: time.Now(),
			})
		} else {
			if text == "" {
				text = FallbackReply
			}
			t.messages[i].Content = text
			t.messages[i].IsLoading = false
			final, ok = t.messages[i], true
		}
	}

	t.unlockAndPublish()
	return final, ok
}

// unlockAndPublish releases mu and delivers the state it guarded to every subscriber. mu is released
// before waiting on publishing, so subscribers may call Snapshot. A snapshot overtaken by a newer one
// before delivery is skipped.
func (t *Transcript) unlockAndPublish() {
	t.seq++
	seq := t.seq
	snap := t.snapshotLocked()
	t.mu.Unlock()

	t.publishing.Lock()
	defer t.publishing.Unlock()
	if seq <= t.published {
		return
	}
	t.published = seq

	t.subsMu.Lock()
	subs := make([]func(Snapshot), 0, len(t.subs))
	for i := 0; i < t.nextSub; i++ {
		if fn, ok := t.subs[i]; ok {
			subs = append(subs, fn)
		}
	}
	t.subsMu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}

func (t *Transcript) snapshotLocked() Snapshot {
	return Snapshot{
		ConversationID: t.conversationID,
		Messages:       slices.Clone(t.messages),
		Operation:      t.op,
		Target:         t.target,
	}
}

// save stores msg and records the id the server assigned to it. The first save of a new transcript adopts
// the conversation the server created.
func (t *Transcript) save(msg models.Message) {
	t.enqueue(func(ctx context.Context) {
		t.mu.Lock()
		convID := t.conversationID
		t.mu.Unlock()

		saved, err := t.store.SaveMessage(ctx, convID, msg)
		if err != nil {
			t.logger.Error("Failed to save message",
				slog.String("messageID", msg.ID),
				slog.String(errLoggerKey, err.Error()))
			return
		}

		t.mu.Lock()
		t.storeIDs[msg.ID] = saved.MessageID
		if t.conversationID == "" {
			t.conversationID = saved.ConversationID
			t.unlockAndPublish()
		} else {
			t.mu.Unlock()
		}

		if t.bus != nil {
			t.bus.HistoryChanged(saved.ConversationID)
		}
	})
}

func (t *Transcript) update(localID, content string) {
	t.enqueue(func(ctx context.Context) {
		storeID, ok := t.storeID(localID)
		if !ok {
			return
		}
		if err := t.store.UpdateMessage(ctx, storeID, content); err != nil {
			t.logger.Error("Failed to update message",
				slog.String("messageID", storeID),
				slog.String(errLoggerKey, err.Error()))
		}
	})
}

func (t *Transcript) unstore(localID string) {
	t.enqueue(func(ctx context.Context) {
		storeID, ok := t.storeID(localID)
		if !ok {
			return
		}
		if err := t.store.DeleteMessage(ctx, storeID); err != nil && !errors.Is(err, models.ErrNotFound) {
			t.logger.Error("Failed to delete message",
				slog.String("messageID", storeID),
				slog.String(errLoggerKey, err.Error()))
			return
		}

		t.mu.Lock()
		delete(t.storeIDs, localID)
		t.mu.Unlock()
	})
}

// storeID resolves a local id when the job runs, after every earlier save has completed.
func (t *Transcript) storeID(localID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.storeIDs[localID]
	return id, ok
}

func (t *Transcript) enqueue(job func(context.Context)) {
	t.queueMu.Lock()
	defer t.queueMu.Unlock()

	if t.draining {
		t.logger.Warn("Dropping persistence after close")
		return
	}
	t.queue = append(t.queue, job)
	t.queueCond.Signal()
}

// persist runs queued jobs one at a time, in order, until Close drains the queue.
func (t *Transcript) persist() {
	defer close(t.done)

	for {
		t.queueMu.Lock()
		for len(t.queue) == 0 && !t.draining {
			t.queueCond.Wait()
		}
		if len(t.queue) == 0 {
			t.queueMu.Unlock()
			return
		}
		job := t.queue[0]
		t.queue = t.queue[1:]
		t.queueMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		job(ctx)
		cancel()
	}
}
