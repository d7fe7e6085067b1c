package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	chatsync "github.com/chatsync-dev/chatsync"
)

var (
	tailTransport string
	tailInterval  time.Duration
	tailHistory   int
	tailVerbose   bool
)

func init() {
	addRoomFlags(tailCmd)
	tailCmd.Flags().StringVar(&tailTransport, "transport", "", "poll or push (default: sync.transport, then poll)")
	tailCmd.Flags().DurationVar(&tailInterval, "interval", 0, "poll interval (default: sync.poll_interval, then 2s)")
	tailCmd.Flags().IntVarP(&tailHistory, "history", "n", 20, "messages to print before following")
	tailCmd.Flags().BoolVarP(&tailVerbose, "verbose", "v", false, "log transport activity to stderr")
	rootCmd.AddCommand(tailCmd)
}

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Follow a room and print messages as they arrive",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustLoadConfig()
		room, err := selectedRoom(cfg)
		if err != nil {
			return err
		}

		level := zerolog.WarnLevel
		if tailVerbose {
			level = zerolog.DebugLevel
		}
		logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
			Level(level).
			With().
			Timestamp().
			Logger()

		client := getClient(cfg)
		transport, err := newTransport(cfg, client, &logger)
		if err != nil {
			return err
		}
		engine := chatsync.NewEngine(client, transport, identity(cfg), chatsync.WithEngineLogger(logger))

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		p := newTailPrinter()
		engine.OnChange(p.view)
		engine.OnEvent(chatsync.EventMessageEdited, func(ev chatsync.Event) {
			if ev.Message != nil {
				fmt.Printf("~ edited: ")
				printMessage(*ev.Message)
			}
		})
		engine.OnEvent(chatsync.EventMessageDeleted, func(ev chatsync.Event) {
			if ev.Deleted != nil {
				fmt.Printf("~ deleted %s\n", ev.Deleted.MessageID)
			}
		})
		engine.OnConnection(func(connected bool, err error) {
			switch {
			case err != nil:
				p.markDropped()
				fmt.Fprintf(os.Stderr, "-- disconnected: %v\n", err)
			case connected && p.wasDropped():
				fmt.Fprintln(os.Stderr, "-- reconnected")
				// Observers run on the transport goroutine; catching up must not.
				go func() {
					if _, err := engine.LoadHistory(ctx, room, tailHistory); err != nil {
						logger.Warn().Err(err).Msg("catch-up after reconnect")
					}
				}()
			}
		})

		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err = engine.Connect(connectCtx, room)
		cancel()
		if err != nil {
			return fmt.Errorf("connect %s: %w", room, err)
		}
		defer engine.Disconnect()

		if _, err := engine.LoadHistory(ctx, room, tailHistory); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "-- following %s over %s (Ctrl-C to stop)\n", room, transport.Name())

		<-ctx.Done()
		return nil
	},
}

func newTransport(cfg *Config, client *chatsync.Client, logger *zerolog.Logger) (chatsync.Transport, error) {
	kind := tailTransport
	if kind == "" {
		kind = valueOrDefault(cfg.Sync.Transport, "poll")
	}

	switch kind {
	case "poll":
		interval := tailInterval
		if interval == 0 && cfg.Sync.PollInterval != "" {
			d, err := time.ParseDuration(cfg.Sync.PollInterval)
			if err != nil {
				return nil, fmt.Errorf("sync.poll_interval: %w", err)
			}
			interval = d
		}
		return chatsync.NewPollTransport(client, &chatsync.PollConfig{
			Interval:         interval,
			FailureThreshold: cfg.Sync.FailureThreshold,
			Logger:           logger,
		}), nil
	case "push":
		return chatsync.NewPushTransport(client, &chatsync.PushConfig{
			UserID:               cfg.Identity.UserID,
			AutoReconnect:        true,
			MaxReconnectAttempts: -1,
			Logger:               logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown transport %q (valid: poll, push)", kind)
	}
}

// tailPrinter prints each message of the view once, in view order.
type tailPrinter struct {
	mu      sync.Mutex
	printed map[string]bool
	dropped bool
}

func newTailPrinter() *tailPrinter {
	return &tailPrinter{printed: make(map[string]bool)}
}

func (p *tailPrinter) view(msgs []chatsync.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		if p.printed[m.ID] {
			continue
		}
		p.printed[m.ID] = true
		printMessage(m)
	}
}

// wasDropped reports whether the previous connection event was a drop and
// records the current one as a restore.
func (p *tailPrinter) wasDropped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	d := p.dropped
	p.dropped = false
	return d
}

func (p *tailPrinter) markDropped() {
	p.mu.Lock()
	p.dropped = true
	p.mu.Unlock()
}
