package store

import (
	"context"
	"time"

	"github.com/chatsync-dev/chatsync"
	"github.com/chatsync-dev/chatsync/internal/metrics"
)

// Instrumented records per-operation latency of another Store.
type Instrumented struct {
	Store
	backend string
}

func NewInstrumented(s Store, backend string) *Instrumented {
	return &Instrumented{Store: s, backend: backend}
}

// Unwrap returns the wrapped store.
func (s *Instrumented) Unwrap() Store { return s.Store }

func (s *Instrumented) observe(op string, start time.Time) {
	metrics.StoreLatency.WithLabelValues(s.backend, op).Observe(time.Since(start).Seconds())
}

func (s *Instrumented) SaveMessage(ctx context.Context, msg *chatsync.Message) error {
	defer s.observe("save", time.Now())
	return s.Store.SaveMessage(ctx, msg)
}

func (s *Instrumented) GetMessages(ctx context.Context, roomID string, limit int, token string) (*Page, error) {
	defer s.observe("list", time.Now())
	return s.Store.GetMessages(ctx, roomID, limit, token)
}

func (s *Instrumented) GetMessage(ctx context.Context, roomID, id string) (*chatsync.Message, error) {
	defer s.observe("get", time.Now())
	return s.Store.GetMessage(ctx, roomID, id)
}

func (s *Instrumented) UpdateMessage(ctx context.Context, msg *chatsync.Message) error {
	defer s.observe("update", time.Now())
	return s.Store.UpdateMessage(ctx, msg)
}

func (s *Instrumented) DeleteMessage(ctx context.Context, roomID, id string) error {
	defer s.observe("delete", time.Now())
	return s.Store.DeleteMessage(ctx, roomID, id)
}
