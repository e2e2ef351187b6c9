// Package reconciler merges the three message sources of a widget (history
// load, optimistic local sends and live server deliveries) into one ordered,
// duplicate-free view.
//
// Every server message id is shown at most once. A visitor message sent from
// this widget is shown immediately and absorbed when the server echoes it
// back. Entries never move once appended.
package reconciler

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/pfwidget/pkg/chat"
)

var (
	ErrHistoryLoaded = errors.New("reconciler: history already loaded")
	ErrSendFailed    = errors.New("reconciler: send failed")
	ErrEmptyMessage  = errors.New("reconciler: message is empty")
)

// SendErrorText is the inline notice appended when a message could not be
// delivered by any path.
const SendErrorText = "Error: message could not be delivered"

type EntryKind string

const (
	KindMessage EntryKind = "message"
	KindError   EntryKind = "error"
)

type Entry struct {
	LocalID uuid.UUID
	Kind    EntryKind
	Message chat.Message
	// Pending is set on an optimistic visitor entry until its echo arrives.
	Pending bool
	// Failed marks an optimistic entry that no send path accepted.
	Failed bool
}

// SendFunc is the primary live send path.
type SendFunc func(ctx context.Context, content string) error

// FallbackFunc is the degraded send path. Returned messages are reconciled
// like live deliveries.
type FallbackFunc func(ctx context.Context, content string) ([]chat.Message, error)

type echo struct {
	content string
	localID uuid.UUID
}

type Reconciler struct {
	mu        sync.Mutex
	entries   []Entry
	processed map[chat.MessageID]struct{}
	pending   []echo
	loaded    bool
	traffic   bool

	send     SendFunc
	fallback FallbackFunc

	listenersMu sync.RWMutex
	listeners   []func(Entry)
}

type Option func(*Reconciler)

func WithSender(f SendFunc) Option {
	return func(r *Reconciler) { r.send = f }
}

func WithFallback(f FallbackFunc) Option {
	return func(r *Reconciler) { r.fallback = f }
}

func New(opts ...Option) *Reconciler {
	r := &Reconciler{processed: map[chat.MessageID]struct{}{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetSender swaps the send paths, e.g. once the chat id is known.
func (r *Reconciler) SetSender(send SendFunc, fallback FallbackFunc) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.send = send
	r.fallback = fallback
	r.mu.Unlock()
}

// OnAppend registers an observer called after each appended entry, outside
// the reconciler lock.
func (r *Reconciler) OnAppend(f func(Entry)) {
	if r == nil || f == nil {
		return
	}
	r.listenersMu.Lock()
	r.listeners = append(r.listeners, f)
	r.listenersMu.Unlock()
}

// LoadHistory seeds the view with the chat history and marks every id as
// processed. It may run once, before any live traffic.
func (r *Reconciler) LoadHistory(msgs []chat.Message) error {
	if r == nil {
		return errors.New("reconciler: nil receiver")
	}
	r.mu.Lock()
	if r.loaded || r.traffic {
		r.mu.Unlock()
		return ErrHistoryLoaded
	}
	r.loaded = true
	r.entries = make([]Entry, 0, len(msgs))
	var appended []Entry
	for _, m := range msgs {
		if m.ID != 0 {
			if _, seen := r.processed[m.ID]; seen {
				continue
			}
			r.processed[m.ID] = struct{}{}
		}
		e := Entry{LocalID: uuid.New(), Kind: KindMessage, Message: m}
		r.entries = append(r.entries, e)
		appended = append(appended, e)
	}
	r.mu.Unlock()

	log.Debug().Str("component", "reconciler").Int("messages", len(appended)).Msg("history loaded")
	r.notify(appended...)
	return nil
}

// SendOptimistic shows content right away, then tries the primary send
// path and, if that fails, the fallback. The text stays in the view even
// when both fail.
func (r *Reconciler) SendOptimistic(ctx context.Context, content string) error {
	if r == nil {
		return errors.Wrap(ErrSendFailed, "nil receiver")
	}
	if content == "" {
		return ErrEmptyMessage
	}

	r.mu.Lock()
	r.traffic = true
	e := Entry{
		LocalID: uuid.New(),
		Kind:    KindMessage,
		Message: chat.Message{Role: chat.RoleVisitor, Content: content},
		Pending: true,
	}
	r.entries = append(r.entries, e)
	r.pending = append(r.pending, echo{content: content, localID: e.LocalID})
	send, fallback := r.send, r.fallback
	r.mu.Unlock()
	r.notify(e)

	var primaryErr error
	if send == nil {
		primaryErr = errors.New("no live sender")
	} else {
		primaryErr = send(ctx, content)
	}
	if primaryErr == nil {
		return nil
	}
	log.Debug().Err(primaryErr).Str("component", "reconciler").Msg("primary send failed, trying fallback")

	if fallback != nil {
		msgs, err := fallback(ctx, content)
		if err == nil {
			for _, m := range msgs {
				r.OnIncoming(m)
			}
			return nil
		}
		log.Warn().Err(err).Str("component", "reconciler").Msg("fallback send failed")
		primaryErr = errors.Wrapf(err, "fallback after %v", primaryErr)
	}

	r.fail(e.LocalID)
	return errors.Wrapf(ErrSendFailed, "%v", primaryErr)
}

func (r *Reconciler) fail(localID uuid.UUID) {
	r.mu.Lock()
	for i := range r.pending {
		if r.pending[i].localID == localID {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			break
		}
	}
	for i := range r.entries {
		if r.entries[i].LocalID == localID {
			r.entries[i].Pending = false
			r.entries[i].Failed = true
			break
		}
	}
	notice := Entry{
		LocalID: uuid.New(),
		Kind:    KindError,
		Message: chat.Message{Role: chat.RoleAgent, Content: SendErrorText},
	}
	r.entries = append(r.entries, notice)
	r.mu.Unlock()
	r.notify(notice)
}

// OnIncoming reconciles one server-delivered message. It reports whether
// the message was appended to the view.
func (r *Reconciler) OnIncoming(msg chat.Message) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	r.traffic = true
	if msg.ID != 0 {
		if _, seen := r.processed[msg.ID]; seen {
			r.mu.Unlock()
			log.Debug().Str("component", "reconciler").Int64("message_id", int64(msg.ID)).Msg("duplicate delivery dropped")
			return false
		}
		r.processed[msg.ID] = struct{}{}
	}

	if msg.Role == chat.RoleVisitor && r.confirmEchoLocked(msg) {
		r.mu.Unlock()
		return false
	}

	e := Entry{LocalID: uuid.New(), Kind: KindMessage, Message: msg}
	r.entries = append(r.entries, e)
	r.mu.Unlock()
	r.notify(e)
	return true
}

// confirmEchoLocked absorbs the oldest pending echo with identical content.
func (r *Reconciler) confirmEchoLocked(msg chat.Message) bool {
	for i, p := range r.pending {
		if p.content != msg.Content {
			continue
		}
		r.pending = append(r.pending[:i], r.pending[i+1:]...)
		for j := range r.entries {
			if r.entries[j].LocalID != p.localID {
				continue
			}
			r.entries[j].Pending = false
			r.entries[j].Message.ID = msg.ID
			if !msg.CreatedAt.IsZero() {
				r.entries[j].Message.CreatedAt = msg.CreatedAt
			}
			break
		}
		return true
	}
	return false
}

func (r *Reconciler) notify(entries ...Entry) {
	if len(entries) == 0 {
		return
	}
	r.listenersMu.RLock()
	listeners := append([]func(Entry){}, r.listeners...)
	r.listenersMu.RUnlock()
	for _, e := range entries {
		for _, f := range listeners {
			f(e)
		}
	}
}

func (r *Reconciler) View() []Entry {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

// Pending returns the contents still awaiting their echo, oldest first.
func (r *Reconciler) Pending() []string {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.pending))
	for _, p := range r.pending {
		out = append(out, p.content)
	}
	return out
}

func (r *Reconciler) Processed(id chat.MessageID) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.processed[id]
	return ok
}

func (r *Reconciler) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
