// Package chat keeps the scrollback of one conversation in sync with the
// relay and lets the local user compose messages.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lisuiheng/terrimatch-go/identity"
	"github.com/lisuiheng/terrimatch-go/pkg/interfaces"
)

const defaultHistoryLimit = 50

var ErrNotActive = errors.New("chat room not active")

type Room struct {
	relay          interfaces.Relay
	store          Store
	me             identity.Provider
	conversationID string
	recipientID    string
	historyLimit   int
	logger         *slog.Logger
	now            func() time.Time

	mu        sync.Mutex
	messages  []Message
	handlerID interfaces.HandlerID
	release   func()
	active    bool
	err       error
	onChange  func([]Message)
}

type Option func(*Room)

// WithStore makes sends durable before they are relayed.
func WithStore(s Store) Option {
	return func(r *Room) { r.store = s }
}

// WithRecipient routes outbound messages to one user.
func WithRecipient(userID string) Option {
	return func(r *Room) { r.recipientID = userID }
}

func WithHistoryLimit(n int) Option {
	return func(r *Room) { r.historyLimit = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Room) { r.logger = l }
}

func NewRoom(relay interfaces.Relay, me identity.Provider, conversationID string, opts ...Option) *Room {
	r := &Room{
		relay:          relay,
		me:             me,
		conversationID: conversationID,
		historyLimit:   defaultHistoryLimit,
		logger:         slog.Default(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "chat", "conversation", conversationID)
	return r
}

// OnChange registers fn to receive a copy of the scrollback after every
// change. It replaces any earlier callback.
func (r *Room) OnChange(fn func([]Message)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Activate connects the relay, starts listening for chat_message and loads
// history from the store if there is one.
func (r *Room) Activate(ctx context.Context) error {
	r.mu.Lock()
	if r.active {
		r.mu.Unlock()
		return nil
	}
	r.active = true
	r.release = r.relay.Acquire()
	r.handlerID = r.relay.On(interfaces.TypeChatMessage, r.handleIncoming)
	r.mu.Unlock()

	if err := r.relay.Connect(ctx); err != nil {
		// the client keeps retrying on its own; history can still load
		r.logger.Warn("Relay connect failed", "error", err)
	}

	if r.store == nil {
		return nil
	}
	history, err := r.store.ListMessages(ctx, r.conversationID, r.historyLimit)
	if err != nil {
		r.setErr(fmt.Errorf("load history: %w", err))
		return err
	}
	r.mergeHistory(history)
	return nil
}

// Deactivate removes this room's handler and releases the relay.
func (r *Room) Deactivate() {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return
	}
	r.active = false
	id := r.handlerID
	release := r.release
	r.release = nil
	r.mu.Unlock()

	r.relay.Off(interfaces.TypeChatMessage, id)
	if release != nil {
		release()
	}
}

// SendMessage appends text to the scrollback right away and sends it. Blank
// text is ignored. With a store the message is persisted first; a store
// failure removes the optimistic entry again. Without a store a relay failure
// does the same.
func (r *Room) SendMessage(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return ErrNotActive
	}
	pending := Message{
		LocalID:        uuid.NewString(),
		ConversationID: r.conversationID,
		SenderID:       r.me.Current().Key(),
		Sender:         SenderMe,
		Text:           text,
		SentAt:         r.now(),
		Status:         StatusPending,
	}
	r.messages = append(r.messages, pending)
	r.err = nil
	r.mu.Unlock()
	r.changed()

	wire := wireMessage{
		ClientID:       pending.LocalID,
		ConversationID: r.conversationID,
		RecipientID:    r.recipientID,
		SenderID:       pending.SenderID,
		SenderName:     r.me.Current().DisplayName(),
		Message:        text,
	}

	persisted := false
	if r.store != nil {
		saved, err := r.store.InsertMessage(ctx, pending)
		if err != nil {
			r.revert(pending.LocalID, fmt.Errorf("save message: %w", err))
			return err
		}
		persisted = true
		r.update(pending.LocalID, func(m *Message) {
			m.ServerID = saved.ServerID
			if !saved.SentAt.IsZero() {
				m.SentAt = saved.SentAt
			}
			m.Status = StatusSent
		})
		wire.ID = saved.ServerID
		if !saved.SentAt.IsZero() {
			sentAt := saved.SentAt
			wire.SentAt = &sentAt
		}
	}

	env, err := interfaces.NewEnvelope(interfaces.TypeChatMessage, wire)
	if err == nil {
		err = r.relay.Send(env)
	}
	if err != nil {
		if persisted {
			// the durable copy exists; peers see it on their next history load
			r.logger.Warn("Relay send failed for persisted message", "id", wire.ID, "error", err)
			return nil
		}
		r.revert(pending.LocalID, fmt.Errorf("send message: %w", err))
		return err
	}
	return nil
}

func (r *Room) handleIncoming(env interfaces.Envelope) error {
	var in wireMessage
	if err := env.Decode(&in); err != nil {
		return err
	}
	if in.ConversationID != "" && in.ConversationID != r.conversationID {
		return nil
	}

	r.mu.Lock()
	if in.ClientID != "" && in.SenderID == r.me.Current().Key() {
		for i := range r.messages {
			if r.messages[i].LocalID != in.ClientID {
				continue
			}
			// echo of our own optimistic entry
			if in.ID != "" {
				r.messages[i].ServerID = in.ID
			}
			if in.SentAt != nil {
				r.messages[i].SentAt = *in.SentAt
			}
			r.messages[i].Status = StatusSent
			r.mu.Unlock()
			r.changed()
			return nil
		}
	}
	if in.ID != "" && r.indexByServerIDLocked(in.ID) >= 0 {
		r.mu.Unlock()
		return nil
	}

	sentAt := r.now()
	if in.SentAt != nil {
		sentAt = *in.SentAt
	}
	sender := in.SenderName
	if sender == "" {
		sender = in.SenderID
	}
	status := StatusReceived
	if in.SenderID != "" && in.SenderID == r.me.Current().Key() {
		// sent from another device of ours
		sender = SenderMe
		status = StatusSent
	}
	r.messages = append(r.messages, Message{
		LocalID:        uuid.NewString(),
		ServerID:       in.ID,
		ConversationID: r.conversationID,
		SenderID:       in.SenderID,
		Sender:         sender,
		Text:           in.Message,
		SentAt:         sentAt,
		Status:         status,
	})
	r.mu.Unlock()
	r.changed()
	return nil
}

func (r *Room) mergeHistory(history []Message) {
	r.mu.Lock()
	merged := make([]Message, 0, len(history)+len(r.messages))
	for _, m := range history {
		if m.LocalID == "" {
			m.LocalID = uuid.NewString()
		}
		if m.SenderID == r.me.Current().Key() {
			m.Sender = SenderMe
			m.Status = StatusSent
		} else if m.Status == "" {
			m.Status = StatusReceived
		}
		merged = append(merged, m)
	}
	seen := make(map[string]bool, len(history))
	for _, m := range history {
		seen[m.ServerID] = true
	}
	for _, m := range r.messages {
		if m.ServerID != "" && seen[m.ServerID] {
			continue
		}
		merged = append(merged, m)
	}
	r.messages = merged
	r.mu.Unlock()
	r.changed()
}

func (r *Room) indexByServerIDLocked(id string) int {
	for i := range r.messages {
		if r.messages[i].ServerID == id {
			return i
		}
	}
	return -1
}

func (r *Room) update(localID string, fn func(*Message)) {
	r.mu.Lock()
	for i := range r.messages {
		if r.messages[i].LocalID == localID {
			fn(&r.messages[i])
			break
		}
	}
	r.mu.Unlock()
	r.changed()
}

func (r *Room) revert(localID string, err error) {
	r.logger.Error("Reverting optimistic message", "local_id", localID, "error", err)
	r.mu.Lock()
	for i := range r.messages {
		if r.messages[i].LocalID == localID {
			r.messages = append(r.messages[:i], r.messages[i+1:]...)
			break
		}
	}
	r.err = err
	r.mu.Unlock()
	r.changed()
}

func (r *Room) setErr(err error) {
	r.logger.Error("Chat store error", "error", err)
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *Room) changed() {
	r.mu.Lock()
	fn := r.onChange
	var snapshot []Message
	if fn != nil {
		snapshot = r.snapshotLocked()
	}
	r.mu.Unlock()
	if fn != nil {
		fn(snapshot)
	}
}

func (r *Room) snapshotLocked() []Message {
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// Messages returns a copy of the scrollback, oldest first.
func (r *Room) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Err is the last store or send error shown as inline error text.
func (r *Room) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Room) ConversationID() string {
	return r.conversationID
}
