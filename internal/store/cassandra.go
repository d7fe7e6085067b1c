package store

import (
	"context"
	"errors"
	"time"

	"github.com/gocql/gocql"

	"github.com/chatsync-dev/chatsync"
)

const cassandraSchema = `CREATE TABLE IF NOT EXISTS messages (
	room_id text,
	created_at timestamp,
	id text,
	text text,
	sender_name text,
	sender_id text,
	client_id text,
	edited_at timestamp,
	is_edited boolean,
	type text,
	recipient_id text,
	ttl int,
	PRIMARY KEY ((room_id), created_at, id)
) WITH CLUSTERING ORDER BY (created_at DESC, id DESC)`

const cassandraIDSchema = `CREATE TABLE IF NOT EXISTS message_ids (
	room_id text,
	id text,
	created_at timestamp,
	PRIMARY KEY ((room_id), id)
)`

const messageColumns = `room_id, created_at, id, text, sender_name, sender_id, client_id, edited_at, is_edited, type, recipient_id, ttl`

// CassandraStore stores messages in Cassandra/Scylla, one partition per room,
// newest first. Expiry uses USING TTL. Continuation tokens carry the driver's
// page state.
type CassandraStore struct {
	session *gocql.Session
}

// NewCassandraStore connects to hosts and creates the tables in keyspace if
// missing. The keyspace itself must exist.
func NewCassandraStore(hosts []string, keyspace string) (*CassandraStore, error) {
	cluster := gocql.NewCluster(hosts...)
	cluster.Keyspace = keyspace
	cluster.Consistency = gocql.Quorum
	cluster.Timeout = 5 * time.Second
	cluster.ConnectTimeout = 5 * time.Second

	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        1 * time.Second,
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, err
	}
	for _, stmt := range []string{cassandraSchema, cassandraIDSchema} {
		if err := session.Query(stmt).Exec(); err != nil {
			session.Close()
			return nil, err
		}
	}
	return &CassandraStore{session: session}, nil
}

func (s *CassandraStore) Close() error {
	s.session.Close()
	return nil
}

func (s *CassandraStore) insert(ctx context.Context, msg *chatsync.Message, ttl int) error {
	b := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	b.Query(`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) USING TTL ?`,
		msg.RoomID, msg.CreatedAt, msg.ID, msg.Text, msg.SenderName, msg.SenderID, msg.ClientID,
		msg.EditedAt, msg.IsEdited, msg.Type, msg.RecipientID, msg.TTL, ttl)
	b.Query(`INSERT INTO message_ids (room_id, id, created_at) VALUES (?, ?, ?) USING TTL ?`,
		msg.RoomID, msg.ID, msg.CreatedAt, ttl)
	return s.session.ExecuteBatch(b)
}

// ttlSeconds is what is left of msg's TTL, 0 meaning no expiry.
func ttlSeconds(msg *chatsync.Message) int {
	left, ok := remainingTTL(msg, time.Now())
	if !ok {
		return 0
	}
	return int(left / time.Second)
}

func (s *CassandraStore) SaveMessage(ctx context.Context, msg *chatsync.Message) error {
	if err := validate(msg); err != nil {
		return err
	}
	return s.insert(ctx, msg, ttlSeconds(msg))
}

func scanMessage(scan func(dest ...interface{}) bool) (*chatsync.Message, bool) {
	var (
		m        chatsync.Message
		editedAt time.Time
	)
	if !scan(&m.RoomID, &m.CreatedAt, &m.ID, &m.Text, &m.SenderName, &m.SenderID, &m.ClientID,
		&editedAt, &m.IsEdited, &m.Type, &m.RecipientID, &m.TTL) {
		return nil, false
	}
	if !editedAt.IsZero() {
		m.EditedAt = &editedAt
	}
	return &m, true
}

func (s *CassandraStore) GetMessages(ctx context.Context, roomID string, limit int, token string) (*Page, error) {
	var state []byte
	if token != "" {
		c, err := DecodeCursor(token, roomID)
		if err != nil {
			return nil, err
		}
		state = c.PageState
	}

	q := s.session.Query(`SELECT `+messageColumns+` FROM messages WHERE room_id = ?`, roomID).
		WithContext(ctx).PageState(state)
	if limit > 0 {
		q = q.PageSize(limit)
	}
	iter := q.Iter()

	page := &Page{Messages: []chatsync.Message{}}
	for limit <= 0 || len(page.Messages) < limit {
		m, ok := scanMessage(iter.Scan)
		if !ok {
			break
		}
		page.Messages = append(page.Messages, *m)
	}
	next := iter.PageState()
	if err := iter.Close(); err != nil {
		return nil, err
	}
	if limit > 0 && len(next) > 0 {
		page.ContinuationToken, _ = EncodeCursor(Cursor{RoomID: roomID, PageState: next})
	}

	reverse(page.Messages)
	return page, nil
}

func (s *CassandraStore) GetMessage(ctx context.Context, roomID, id string) (*chatsync.Message, error) {
	var createdAt time.Time
	err := s.session.Query(`SELECT created_at FROM message_ids WHERE room_id = ? AND id = ?`, roomID, id).
		WithContext(ctx).Scan(&createdAt)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	iter := s.session.Query(`SELECT `+messageColumns+` FROM messages WHERE room_id = ? AND created_at = ? AND id = ?`,
		roomID, createdAt, id).WithContext(ctx).Iter()
	m, ok := scanMessage(iter.Scan)
	if err := iter.Close(); err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return m, nil
}

// UpdateMessage rewrites the row with whatever TTL it has left.
func (s *CassandraStore) UpdateMessage(ctx context.Context, msg *chatsync.Message) error {
	existing, err := s.GetMessage(ctx, msg.RoomID, msg.ID)
	if err != nil {
		return err
	}
	cp := *msg
	cp.CreatedAt = existing.CreatedAt
	cp.TTL = existing.TTL
	return s.insert(ctx, &cp, ttlSeconds(&cp))
}

func (s *CassandraStore) DeleteMessage(ctx context.Context, roomID, id string) error {
	existing, err := s.GetMessage(ctx, roomID, id)
	if err != nil {
		return err
	}
	b := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	b.Query(`DELETE FROM messages WHERE room_id = ? AND created_at = ? AND id = ?`, roomID, existing.CreatedAt, id)
	b.Query(`DELETE FROM message_ids WHERE room_id = ? AND id = ?`, roomID, id)
	return s.session.ExecuteBatch(b)
}
