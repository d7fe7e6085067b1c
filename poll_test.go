package chatsync

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPollConfigDefaults(t *testing.T) {
	p := NewPollTransport(newMemoryAPI(), nil)
	cfg := p.Config()
	if cfg.Interval != 2*time.Second {
		t.Fatalf("expected 2s interval, got %s", cfg.Interval)
	}
	if cfg.Limit != DefaultHistoryLimit {
		t.Fatalf("expected limit %d, got %d", DefaultHistoryLimit, cfg.Limit)
	}
	if cfg.FailureThreshold != 0 {
		t.Fatalf("expected no escalation by default, got %d", cfg.FailureThreshold)
	}

	p = NewPollTransport(newMemoryAPI(), &PollConfig{FailureThreshold: -3})
	if p.Config().FailureThreshold != 0 {
		t.Fatalf("expected negative threshold clamped to 0, got %d", p.Config().FailureThreshold)
	}
}

func TestPollCycle(t *testing.T) {
	ctx := context.Background()

	t.Run("merges only unknown messages", func(t *testing.T) {
		api := newMemoryAPI()
		api.add(msg("m1", "r", 1))
		api.add(msg("m2", "r", 2))
		sink := newRecordingSink()
		sink.known["m1"] = true

		p := NewPollTransport(api, nil)
		if n := p.cycle(ctx, "r", sink, &pollState{}); n != 1 {
			t.Fatalf("expected 1 merged, got %d", n)
		}
		if n := p.cycle(ctx, "r", sink, &pollState{}); n != 0 {
			t.Fatalf("expected idle cycle, got %d", n)
		}
	})

	t.Run("idle cycle does not touch the view", func(t *testing.T) {
		api := newMemoryAPI()
		api.add(msg("m1", "r", 1))
		e := NewEngine(api, nil, Identity{})
		e.Connect(ctx, "r")
		e.LoadHistory(ctx, "r", 50)

		changes := 0
		e.OnChange(func([]Message) { changes++ })

		p := NewPollTransport(api, nil)
		p.cycle(ctx, "r", e, &pollState{})
		if changes != 0 {
			t.Fatalf("expected no change notifications, got %d", changes)
		}
	})

	t.Run("failures are swallowed below the threshold", func(t *testing.T) {
		api := newMemoryAPI()
		api.setGetErr(errBackend)
		sink := newRecordingSink()
		st := &pollState{}

		p := NewPollTransport(api, nil)
		for i := 0; i < 10; i++ {
			p.cycle(ctx, "r", sink, st)
		}
		if _, dropped, _, _ := sink.counts(); dropped != 0 {
			t.Fatalf("expected no escalation without a threshold, got %d", dropped)
		}
		if st.failures != 10 {
			t.Fatalf("expected 10 consecutive failures, got %d", st.failures)
		}
	})

	t.Run("threshold escalates once and recovers", func(t *testing.T) {
		api := newMemoryAPI()
		api.setGetErr(errBackend)
		sink := newRecordingSink()
		st := &pollState{}

		p := NewPollTransport(api, &PollConfig{FailureThreshold: 3})
		for i := 0; i < 5; i++ {
			p.cycle(ctx, "r", sink, st)
		}
		_, dropped, restored, _ := sink.counts()
		if dropped != 1 || restored != 0 {
			t.Fatalf("expected one drop, got dropped=%d restored=%d", dropped, restored)
		}
		if !errors.Is(sink.dropped[0], ErrPollCycleFailed) {
			t.Fatalf("expected ErrPollCycleFailed, got %v", sink.dropped[0])
		}

		api.setGetErr(nil)
		api.add(msg("m1", "r", 1))
		p.cycle(ctx, "r", sink, st)
		p.cycle(ctx, "r", sink, st)
		merged, dropped, restored, _ := sink.counts()
		if dropped != 1 || restored != 1 || merged != 1 {
			t.Fatalf("expected recovery, got merged=%d dropped=%d restored=%d", merged, dropped, restored)
		}
		if st.failures != 0 {
			t.Fatalf("expected failure count reset, got %d", st.failures)
		}
	})
}

func TestPollTransportLifecycle(t *testing.T) {
	api := newMemoryAPI()
	sink := newRecordingSink()
	p := NewPollTransport(api, &PollConfig{Interval: 5 * time.Millisecond})

	if err := p.Start(context.Background(), "r", sink); err != nil {
		t.Fatalf("start: %v", err)
	}
	api.add(msg("m1", "r", 1))
	if !eventually(func() bool { m, _, _, _ := sink.counts(); return m == 1 }) {
		t.Fatal("expected poll loop to merge m1")
	}

	// Restarting replaces the loop instead of adding a second one.
	if err := p.Start(context.Background(), "r", sink); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	api.mu.Lock()
	calls := api.getCalls
	api.mu.Unlock()
	api.add(msg("m2", "r", 2))
	time.Sleep(30 * time.Millisecond)

	api.mu.Lock()
	after := api.getCalls
	api.mu.Unlock()
	if after != calls {
		t.Fatalf("expected no fetches after stop, got %d more", after-calls)
	}
	if m, _, _, _ := sink.counts(); m != 1 {
		t.Fatalf("expected nothing merged after stop, got %d", m)
	}
}

func TestPollTransportOutlivesStartContext(t *testing.T) {
	api := newMemoryAPI()
	sink := newRecordingSink()
	p := NewPollTransport(api, &PollConfig{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	if err := p.Start(ctx, "r", sink); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop()
	cancel()

	api.add(msg("m1", "r", 1))
	if !eventually(func() bool { m, _, _, _ := sink.counts(); return m == 1 }) {
		t.Fatal("expected polling to continue after the start context ended")
	}
}
