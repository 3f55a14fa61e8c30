package channel

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local Store. It backs tests and the
// single-node dev mode.
type MemoryStore struct {
	mu       sync.Mutex
	messages map[string]*Message
	byChan   map[string][]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]*Message),
		byChan:   make(map[string][]string),
	}
}

func (s *MemoryStore) Insert(ctx context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *msg
	cp.Attachments = append([]Attachment(nil), msg.Attachments...)
	s.messages[msg.ID] = &cp
	s.byChan[msg.ChannelID] = append(s.byChan[msg.ChannelID], msg.ID)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ListRecent(ctx context.Context, channelID string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.byChan[channelID]
	if limit > 0 && len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}
	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.messages[id])
	}
	return out, nil
}

func (s *MemoryStore) Apply(ctx context.Context, id string, edit Edit, at time.Time) (*Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if edit.IfKind != nil && m.Kind != *edit.IfKind {
		cp := *m
		return &cp, false, nil
	}
	updated := edit.apply(*m, at)
	s.messages[id] = &updated
	cp := updated
	return &cp, true, nil
}
