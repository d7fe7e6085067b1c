package chatsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// PollConfig configures a PollTransport.
type PollConfig struct {
	// Interval between fetches. Default 2s.
	Interval time.Duration
	// Limit is how many of the most recent messages each fetch asks for. Default 50.
	Limit int
	// FailureThreshold is the number of consecutive failed cycles after which
	// the engine is told the transport dropped. 0 never escalates.
	FailureThreshold int
	Logger           *zerolog.Logger
}

func (c *PollConfig) defaults() {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.Limit <= 0 {
		c.Limit = DefaultHistoryLimit
	}
	if c.FailureThreshold < 0 {
		c.FailureThreshold = 0
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// PollTransport fetches recent room history on a fixed interval and merges
// anything the engine has not seen. Failed cycles are logged and swallowed.
type PollTransport struct {
	api    MessageAPI
	config PollConfig
	log    zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPollTransport creates a poll transport. config may be nil.
func NewPollTransport(api MessageAPI, config *PollConfig) *PollTransport {
	cfg := PollConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &PollTransport{
		api:    api,
		config: cfg,
		log:    cfg.Logger.With().Str("transport", "poll").Logger(),
	}
}

func (p *PollTransport) Name() string { return "poll" }

// Config returns the effective configuration.
func (p *PollTransport) Config() PollConfig { return p.config }

// Start begins polling roomID. Any previous loop is stopped first. The loop
// outlives ctx's deadline but keeps its values; only Stop ends it.
func (p *PollTransport) Start(ctx context.Context, roomID string, sink Sink) error {
	if err := p.Stop(); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	p.mu.Lock()
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	go p.loop(loopCtx, roomID, sink, done)
	p.log.Debug().Str("room", roomID).Dur("interval", p.config.Interval).Msg("polling started")
	return nil
}

// Stop cancels the loop and waits for it to exit. Safe to call repeatedly.
func (p *PollTransport) Stop() error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (p *PollTransport) loop(ctx context.Context, roomID string, sink Sink, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	st := &pollState{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.cycle(ctx, roomID, sink, st)
		}
	}
}

// pollState is owned by a single loop goroutine.
type pollState struct {
	failures int
	dropped  bool
}

// cycle runs one fetch-and-merge and returns how many messages were merged.
func (p *PollTransport) cycle(ctx context.Context, roomID string, sink Sink, st *pollState) int {
	list, err := p.api.GetMessages(ctx, roomID, &HistoryOptions{Limit: p.config.Limit})
	if ctx.Err() != nil {
		return 0
	}
	if err != nil {
		st.failures++
		cycleErr := fmt.Errorf("%w: %w", ErrPollCycleFailed, err)
		p.log.Warn().Err(cycleErr).Str("room", roomID).Int("consecutive", st.failures).Msg("poll failed")
		if p.config.FailureThreshold > 0 && st.failures >= p.config.FailureThreshold && !st.dropped {
			st.dropped = true
			sink.TransportDropped(cycleErr)
		}
		return 0
	}

	st.failures = 0
	if st.dropped {
		st.dropped = false
		sink.TransportRestored()
	}

	merged := 0
	for _, m := range list.Messages {
		if m.ID != "" && sink.Knows(m.ID) {
			continue
		}
		if sink.HandleInboundEvent(m) == Merged {
			merged++
		}
	}
	if merged > 0 {
		p.log.Debug().Str("room", roomID).Int("count", merged).Msg("received new messages")
	}
	return merged
}
