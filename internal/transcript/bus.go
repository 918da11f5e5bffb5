package transcript

import "sync"

// NoticeKind identifies a notice exchanged between the conversation list and the transcript view.
type NoticeKind int

const (
	// NoticeNewChat asks the transcript view to start an empty conversation.
	NoticeNewChat NoticeKind = iota + 1
	// NoticeConversationSelected asks the transcript view to open ConversationID.
	NoticeConversationSelected
	// NoticeHistoryChanged tells the conversation list that ConversationID was created or updated.
	NoticeHistoryChanged
)

// Notice is a single message on the Bus.
type Notice struct {
	Kind           NoticeKind
	ConversationID string
}

// Bus delivers notices to its subscribers synchronously on the publishing goroutine, in subscription
// order. Notices from one goroutine arrive in publication order.
type Bus struct {
	mu   sync.Mutex
	subs map[int]func(Notice)
	next int
}

// NewBus creates a Bus with no subscribers.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]func(Notice))}
}

func (k NoticeKind) String() string {
	switch k {
	case NoticeNewChat:
		return "new-chat"
	case NoticeConversationSelected:
		return "conversation-selected"
	case NoticeHistoryChanged:
		return "history-changed"
	default:
		return "unknown"
	}
}

// Subscribe registers fn for every subsequent notice.
func (b *Bus) Subscribe(fn func(Notice)) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	b.subs[id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// NewChat publishes NoticeNewChat.
func (b *Bus) NewChat() {
	b.publish(Notice{Kind: NoticeNewChat})
}

// ConversationSelected publishes NoticeConversationSelected for id.
func (b *Bus) ConversationSelected(id string) {
	b.publish(Notice{Kind: NoticeConversationSelected, ConversationID: id})
}

// HistoryChanged publishes NoticeHistoryChanged for id.
func (b *Bus) HistoryChanged(id string) {
	b.publish(Notice{Kind: NoticeHistoryChanged, ConversationID: id})
}

func (b *Bus) publish(n Notice) {
	b.mu.Lock()
	subs := make([]func(Notice), 0, len(b.subs))
	for i := 0; i < b.next; i++ {
		if fn, ok := b.subs[i]; ok {
			subs = append(subs, fn)
		}
	}
	b.mu.Unlock()

	for _, fn := range subs {
		fn(n)
	}
}
