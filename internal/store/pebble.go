package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/chatsync-dev/chatsync"
)

// PebbleStore is an embedded store. Messages live under
// m/<room>/<sortKey> and an ID index under i/<room>/<id> points back at them.
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebbleStore opens (or creates) a store at path.
func OpenPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}

func roomPrefix(roomID string) []byte {
	return []byte("m/" + url.PathEscape(roomID) + "/")
}

func primaryKey(roomID, key string) []byte {
	return append(roomPrefix(roomID), key...)
}

func indexKey(roomID, id string) []byte {
	return []byte("i/" + url.PathEscape(roomID) + "/" + id)
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *PebbleStore) get(key []byte) ([]byte, error) {
	v, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte{}, v...), nil
}

func (s *PebbleStore) SaveMessage(_ context.Context, msg *chatsync.Message) error {
	if err := validate(msg); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	pk := primaryKey(msg.RoomID, sortKey(msg.CreatedAt, msg.ID))

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(pk, data, nil); err != nil {
		return err
	}
	if err := b.Set(indexKey(msg.RoomID, msg.ID), pk, nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func (s *PebbleStore) GetMessages(_ context.Context, roomID string, limit int, token string) (*Page, error) {
	before, err := positionFrom(token, roomID)
	if err != nil {
		return nil, err
	}
	prefix := roomPrefix(roomID)
	upper := prefixEnd(prefix)
	if before != "" {
		upper = primaryKey(roomID, before)
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	now := time.Now()
	page := &Page{Messages: []chatsync.Message{}}
	var oldest string
	for valid := iter.Last(); valid; valid = iter.Prev() {
		if limit > 0 && len(page.Messages) == limit {
			page.ContinuationToken = tokenAt(roomID, oldest)
			break
		}
		var msg chatsync.Message
		if err := json.Unmarshal(iter.Value(), &msg); err != nil {
			continue
		}
		if expired(&msg, now) {
			continue
		}
		page.Messages = append(page.Messages, msg)
		oldest = string(iter.Key()[len(prefix):])
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	reverse(page.Messages)
	return page, nil
}

func (s *PebbleStore) GetMessage(_ context.Context, roomID, id string) (*chatsync.Message, error) {
	msg, _, err := s.lookup(roomID, id)
	if err != nil {
		return nil, err
	}
	if expired(msg, time.Now()) {
		return nil, ErrNotFound
	}
	return msg, nil
}

func (s *PebbleStore) lookup(roomID, id string) (*chatsync.Message, []byte, error) {
	pk, err := s.get(indexKey(roomID, id))
	if err != nil {
		return nil, nil, err
	}
	data, err := s.get(pk)
	if err != nil {
		return nil, nil, err
	}
	var msg chatsync.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, nil, err
	}
	return &msg, pk, nil
}

func (s *PebbleStore) UpdateMessage(_ context.Context, msg *chatsync.Message) error {
	existing, pk, err := s.lookup(msg.RoomID, msg.ID)
	if err != nil {
		return err
	}
	cp := *msg
	cp.CreatedAt = existing.CreatedAt
	cp.TTL = existing.TTL
	data, err := json.Marshal(&cp)
	if err != nil {
		return err
	}
	return s.db.Set(pk, data, pebble.Sync)
}

func (s *PebbleStore) DeleteMessage(_ context.Context, roomID, id string) error {
	_, pk, err := s.lookup(roomID, id)
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(pk, nil); err != nil {
		return err
	}
	if err := b.Delete(indexKey(roomID, id), nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// Sweep removes expired messages across all rooms.
func (s *PebbleStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	prefix := []byte("m/")
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	b := s.db.NewBatch()
	defer b.Close()
	removed := 0
	for valid := iter.First(); valid; valid = iter.Next() {
		if ctx.Err() != nil {
			break
		}
		var msg chatsync.Message
		if err := json.Unmarshal(iter.Value(), &msg); err != nil || !expired(&msg, now) {
			continue
		}
		if err := b.Delete(append([]byte{}, iter.Key()...), nil); err != nil {
			return removed, err
		}
		if err := b.Delete(indexKey(msg.RoomID, msg.ID), nil); err != nil {
			return removed, err
		}
		removed++
	}
	if err := iter.Error(); err != nil {
		return 0, err
	}
	if removed == 0 {
		return 0, nil
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, err
	}
	return removed, nil
}
