package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/chatsync-dev/chatsync"
)

// Audience selects which connections an envelope reaches.
type Audience string

const (
	AudienceAll   Audience = "all"
	AudienceGroup Audience = "group"
	AudienceUser  Audience = "user"
)

// Envelope is an invocation addressed to an audience. Name is the group or
// user; it is empty for AudienceAll.
type Envelope struct {
	Audience   Audience            `json:"audience"`
	Name       string              `json:"name,omitempty"`
	Invocation chatsync.Invocation `json:"invocation"`
}

// Scope is the scope clients see the envelope delivered with.
func (e Envelope) Scope() chatsync.Scope {
	if e.Audience == AudienceGroup {
		return chatsync.ScopeGroup
	}
	return chatsync.ScopeServer
}

// Relay carries envelopes to every gateway instance, this one included.
type Relay interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(deliver func(Envelope)) error
	Close() error
}

var errNotSubscribed = errors.New("relay has no subscriber")

// LocalRelay delivers in-process, for a single gateway instance.
type LocalRelay struct {
	mu      sync.RWMutex
	deliver func(Envelope)
}

func NewLocalRelay() *LocalRelay { return &LocalRelay{} }

func (r *LocalRelay) Publish(_ context.Context, env Envelope) error {
	r.mu.RLock()
	deliver := r.deliver
	r.mu.RUnlock()
	if deliver == nil {
		return errNotSubscribed
	}
	deliver(env)
	return nil
}

func (r *LocalRelay) Subscribe(deliver func(Envelope)) error {
	r.mu.Lock()
	r.deliver = deliver
	r.mu.Unlock()
	return nil
}

func (r *LocalRelay) Close() error { return nil }

// KafkaRelay fans envelopes out through a Kafka topic. Each instance reads
// with its own consumer group so every instance sees every envelope.
type KafkaRelay struct {
	writer *kafka.Writer
	reader *kafka.Reader
	log    zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func NewKafkaRelay(brokers []string, topic, instanceID string, log zerolog.Logger) *KafkaRelay {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     "chatsync-gateway-" + instanceID,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
	})
	return &KafkaRelay{writer: writer, reader: reader, log: log.With().Str("relay", "kafka").Logger()}
}

func (r *KafkaRelay) Publish(ctx context.Context, env Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	// Keyed by audience name so one room's envelopes stay ordered.
	return r.writer.WriteMessages(ctx, kafka.Message{Key: []byte(env.Name), Value: b})
}

func (r *KafkaRelay) Subscribe(deliver func(Envelope)) error {
	if r.cancel != nil {
		return errors.New("kafka relay already subscribed")
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		for {
			m, err := r.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				r.log.Error().Err(err).Msg("relay read failed")
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}

			var env Envelope
			if err := json.Unmarshal(m.Value, &env); err != nil {
				r.log.Warn().Err(err).Msg("dropping malformed envelope")
				continue
			}
			deliver(env)
		}
	}()
	return nil
}

func (r *KafkaRelay) Close() error {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
	return errors.Join(r.reader.Close(), r.writer.Close())
}
