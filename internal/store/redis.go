package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chatsync-dev/chatsync"
)

// RedisStore keeps each message as a JSON string key (expiring with the
// message TTL) and indexes a room with a lexically ordered sorted set of
// sortKeys. Index members whose message expired are pruned on read.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to redisURL and pings it.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// Client exposes the connection for other Redis-backed components.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func roomIndexKey(roomID string) string {
	return fmt.Sprintf("room:%s:messages", roomID)
}

func messageKey(roomID, id string) string {
	return fmt.Sprintf("room:%s:msg:%s", roomID, id)
}

// idFromMember extracts the message ID from a sortKey member.
func idFromMember(member string) string {
	if i := strings.IndexByte(member, ':'); i >= 0 {
		return member[i+1:]
	}
	return member
}

func (s *RedisStore) SaveMessage(ctx context.Context, msg *chatsync.Message) error {
	if err := validate(msg); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	var ttl time.Duration
	if left, ok := remainingTTL(msg, time.Now()); ok {
		ttl = left
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, messageKey(msg.RoomID, msg.ID), data, ttl)
	pipe.ZAdd(ctx, roomIndexKey(msg.RoomID), redis.Z{Score: 0, Member: sortKey(msg.CreatedAt, msg.ID)})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetMessages(ctx context.Context, roomID string, limit int, token string) (*Page, error) {
	before, err := positionFrom(token, roomID)
	if err != nil {
		return nil, err
	}
	max := "+"
	if before != "" {
		max = "(" + before
	}

	rng := &redis.ZRangeBy{Min: "-", Max: max}
	if limit > 0 {
		rng.Count = int64(limit + 1)
	}
	members, err := s.client.ZRevRangeByLex(ctx, roomIndexKey(roomID), rng).Result()
	if err != nil {
		return nil, err
	}

	page := &Page{Messages: []chatsync.Message{}}
	if limit > 0 && len(members) > limit {
		members = members[:limit]
		page.ContinuationToken = tokenAt(roomID, members[len(members)-1])
	}
	if len(members) == 0 {
		return page, nil
	}

	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = messageKey(roomID, idFromMember(m))
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	var stale []interface{}
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, members[i])
			continue
		}
		var msg chatsync.Message
		if err := json.Unmarshal([]byte(str), &msg); err != nil {
			continue
		}
		page.Messages = append(page.Messages, msg)
	}
	if len(stale) > 0 {
		s.client.ZRem(ctx, roomIndexKey(roomID), stale...)
	}

	reverse(page.Messages)
	return page, nil
}

func (s *RedisStore) GetMessage(ctx context.Context, roomID, id string) (*chatsync.Message, error) {
	data, err := s.client.Get(ctx, messageKey(roomID, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var msg chatsync.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *RedisStore) UpdateMessage(ctx context.Context, msg *chatsync.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ok, err := s.client.SetXX(ctx, messageKey(msg.RoomID, msg.ID), data, redis.KeepTTL).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) DeleteMessage(ctx context.Context, roomID, id string) error {
	msg, err := s.GetMessage(ctx, roomID, id)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, messageKey(roomID, id))
	pipe.ZRem(ctx, roomIndexKey(roomID), sortKey(msg.CreatedAt, msg.ID))
	_, err = pipe.Exec(ctx)
	return err
}
