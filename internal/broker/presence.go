package broker

import (
	"context"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Presence tracks which users currently hold a connection in a room.
type Presence interface {
	Join(ctx context.Context, room, userID string) error
	Leave(ctx context.Context, room, userID string) error
	Members(ctx context.Context, room string) ([]string, error)
}

type MemoryPresence struct {
	mu    sync.Mutex
	rooms map[string]map[string]struct{}
}

func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{rooms: make(map[string]map[string]struct{})}
}

func (p *MemoryPresence) Join(_ context.Context, room, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rooms[room] == nil {
		p.rooms[room] = make(map[string]struct{})
	}
	p.rooms[room][userID] = struct{}{}
	return nil
}

func (p *MemoryPresence) Leave(_ context.Context, room, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if users, ok := p.rooms[room]; ok {
		delete(users, userID)
		if len(users) == 0 {
			delete(p.rooms, room)
		}
	}
	return nil
}

func (p *MemoryPresence) Members(_ context.Context, room string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.rooms[room]))
	for u := range p.rooms[room] {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}

// RedisPresence keeps one set per room, shared by every gateway instance.
type RedisPresence struct {
	client *redis.Client
}

func NewRedisPresence(client *redis.Client) *RedisPresence {
	return &RedisPresence{client: client}
}

func presenceKey(room string) string { return "room:" + room + ":users" }

func (p *RedisPresence) Join(ctx context.Context, room, userID string) error {
	return p.client.SAdd(ctx, presenceKey(room), userID).Err()
}

func (p *RedisPresence) Leave(ctx context.Context, room, userID string) error {
	return p.client.SRem(ctx, presenceKey(room), userID).Err()
}

func (p *RedisPresence) Members(ctx context.Context, room string) ([]string, error) {
	users, err := p.client.SMembers(ctx, presenceKey(room)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(users)
	return users, nil
}
