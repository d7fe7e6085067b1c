package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/chatsync-dev/chatsync"
)

// MemoryStore is a goroutine-safe in-process store. Expired messages are
// hidden from reads and removed by Sweep.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*chatsync.Message // room -> id -> message
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms: make(map[string]map[string]*chatsync.Message),
		now:   time.Now,
	}
}

func (s *MemoryStore) SaveMessage(_ context.Context, msg *chatsync.Message) error {
	if err := validate(msg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	room := s.rooms[msg.RoomID]
	if room == nil {
		room = make(map[string]*chatsync.Message)
		s.rooms[msg.RoomID] = room
	}
	cp := *msg
	room[msg.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMessages(_ context.Context, roomID string, limit int, token string) (*Page, error) {
	before, err := positionFrom(token, roomID)
	if err != nil {
		return nil, err
	}
	now := s.now()

	s.mu.RLock()
	type keyed struct {
		key string
		msg chatsync.Message
	}
	var all []keyed
	for _, m := range s.rooms[roomID] {
		if expired(m, now) {
			continue
		}
		k := sortKey(m.CreatedAt, m.ID)
		if before != "" && k >= before {
			continue
		}
		all = append(all, keyed{key: k, msg: *m})
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].key < all[j].key })

	page := &Page{Messages: []chatsync.Message{}}
	start := 0
	if limit > 0 && len(all) > limit {
		start = len(all) - limit
		page.ContinuationToken = tokenAt(roomID, all[start].key)
	}
	for _, k := range all[start:] {
		page.Messages = append(page.Messages, k.msg)
	}
	return page, nil
}

func (s *MemoryStore) GetMessage(_ context.Context, roomID, id string) (*chatsync.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.rooms[roomID][id]
	if !ok || expired(m, s.now()) {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) UpdateMessage(_ context.Context, msg *chatsync.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.rooms[msg.RoomID][msg.ID]
	if !ok || expired(existing, s.now()) {
		return ErrNotFound
	}
	cp := *msg
	cp.CreatedAt = existing.CreatedAt
	cp.TTL = existing.TTL
	s.rooms[msg.RoomID][msg.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteMessage(_ context.Context, roomID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room := s.rooms[roomID]
	if _, ok := room[id]; !ok {
		return ErrNotFound
	}
	delete(room, id)
	if len(room) == 0 {
		delete(s.rooms, roomID)
	}
	return nil
}

// Sweep removes expired messages.
func (s *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for roomID, room := range s.rooms {
		for id, m := range room {
			if expired(m, now) {
				delete(room, id)
				removed++
			}
		}
		if len(room) == 0 {
			delete(s.rooms, roomID)
		}
	}
	return removed, nil
}

func (s *MemoryStore) Close() error { return nil }
