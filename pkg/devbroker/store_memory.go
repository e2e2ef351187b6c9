package devbroker

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/pfwidget/pkg/chat"
)

// InMemoryStore keeps chats for the lifetime of the process.
type InMemoryStore struct {
	mu         sync.Mutex
	now        func() time.Time
	nextChat   chat.ID
	nextMsg    chat.MessageID
	chats      map[chat.ID]*ChatRecord
	byExternal map[string]chat.ID
	messages   map[chat.ID][]chat.Message
}

var _ Store = &InMemoryStore{}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		now:        time.Now,
		chats:      map[chat.ID]*ChatRecord{},
		byExternal: map[string]chat.ID{},
		messages:   map[chat.ID][]chat.Message{},
	}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) OpenChat(_ context.Context, externalID, platform, clientName string) (ChatRecord, error) {
	if s == nil {
		return ChatRecord{}, errors.New("in-memory chat store: nil store")
	}
	externalID, platform, clientName, err := normalizeOpen(externalID, platform, clientName)
	if err != nil {
		return ChatRecord{}, errors.Wrap(err, "in-memory chat store")
	}
	key := platform + "\x00" + externalID

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byExternal[key]; ok {
		return *s.chats[id], nil
	}
	s.nextChat++
	rec := &ChatRecord{
		ID:         s.nextChat,
		ExternalID: externalID,
		Platform:   platform,
		ClientName: clientName,
		Status:     chat.StatusAI,
		CreatedAt:  s.now().UTC(),
	}
	s.chats[rec.ID] = rec
	s.byExternal[key] = rec.ID
	return *rec, nil
}

func (s *InMemoryStore) GetChat(_ context.Context, id chat.ID) (ChatRecord, bool, error) {
	if s == nil {
		return ChatRecord{}, false, errors.New("in-memory chat store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.chats[id]
	if !ok {
		return ChatRecord{}, false, nil
	}
	return *rec, true, nil
}

func (s *InMemoryStore) SetStatus(_ context.Context, id chat.ID, status chat.Status) error {
	if s == nil {
		return errors.New("in-memory chat store: nil store")
	}
	if !validStatus(status) {
		return errors.Errorf("in-memory chat store: invalid status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.chats[id]
	if !ok {
		return errors.Wrapf(ErrChatNotFound, "chat %d", id)
	}
	rec.Status = status
	return nil
}

func (s *InMemoryStore) AppendMessage(_ context.Context, chatID chat.ID, role chat.Role, content string) (chat.Message, error) {
	if s == nil {
		return chat.Message{}, errors.New("in-memory chat store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[chatID]; !ok {
		return chat.Message{}, errors.Wrapf(ErrChatNotFound, "chat %d", chatID)
	}
	s.nextMsg++
	m := chat.Message{
		ID:        s.nextMsg,
		Role:      role,
		Content:   content,
		CreatedAt: chat.Timestamp{Time: s.now().UTC()},
	}
	s.messages[chatID] = append(s.messages[chatID], m)
	return m, nil
}

func (s *InMemoryStore) Messages(_ context.Context, chatID chat.ID) ([]chat.Message, error) {
	if s == nil {
		return nil, errors.New("in-memory chat store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[chatID]; !ok {
		return nil, errors.Wrapf(ErrChatNotFound, "chat %d", chatID)
	}
	return append([]chat.Message(nil), s.messages[chatID]...), nil
}
