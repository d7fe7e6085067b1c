package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/chatsync-dev/chatsync/internal/api"
	"github.com/chatsync-dev/chatsync/internal/api/middleware"
	"github.com/chatsync-dev/chatsync/internal/auth"
	"github.com/chatsync-dev/chatsync/internal/broker"
	"github.com/chatsync-dev/chatsync/internal/config"
	"github.com/chatsync-dev/chatsync/internal/handlers"
	"github.com/chatsync-dev/chatsync/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the embedded gateway",
	Long: `Environment:
  PORT, ENV, PUBLIC_URL
  BROKER_CONNECTION_STRING   Endpoint=...;AccessKey=... of the gateway (empty: embedded)
  HUB_NAME
  STORE_BACKEND              memory | redis | pebble | cassandra
  REDIS_URL, PEBBLE_PATH, CASSANDRA_HOSTS, CASSANDRA_KEYSPACE
  MESSAGE_TTL, RETENTION_CRON
  KAFKA_BROKERS, KAFKA_TOPIC  relay between gateway instances
  AUTH_SECRET, HOOK_URLS, HOOK_SECRET
  RATE_LIMIT_RPS, RATE_LIMIT_BURST
  TRUSTED_PROXIES            CIDRs whose X-Forwarded-For is honoured`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(config.Load())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDevelopment() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	}
	return zerolog.New(os.Stdout).
		With().
		Timestamp().
		Logger()
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		return store.NewMemoryStore(), nil
	case config.BackendRedis:
		s, err := store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendPebble:
		s, err := store.OpenPebbleStore(cfg.PebblePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendCassandra:
		s, err := store.NewCassandraStore(cfg.CassandraHosts, cfg.CassandraKeyspace)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// gateway is the fan-out side of the server: either a hub served here or a
// client of an external gateway.
type gateway struct {
	broadcaster broker.Broadcaster
	presence    handlers.Presence
	mount       *broker.Gateway
	close       func() error
}

func openGateway(cfg *config.Config, logger zerolog.Logger) (*gateway, error) {
	info := broker.ConnectionInfo{Endpoint: cfg.PublicURL, AccessKey: cfg.AuthSecret}
	if cfg.BrokerConnectionString != "" {
		parsed, err := broker.ParseConnectionString(cfg.BrokerConnectionString)
		if err != nil {
			return nil, err
		}
		if parsed.Endpoint != cfg.PublicURL {
			client, err := broker.NewClient(cfg.BrokerConnectionString, cfg.HubName)
			if err != nil {
				return nil, err
			}
			logger.Info().Str("endpoint", parsed.Endpoint).Msg("using external gateway")
			return &gateway{broadcaster: client, close: func() error { return nil }}, nil
		}
		info = parsed
	}

	opts := []broker.HubOption{broker.WithHubLogger(logger)}
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(redisOpts)
		opts = append(opts, broker.WithPresence(broker.NewRedisPresence(rdb)))
	}
	if len(cfg.KafkaBrokers) > 0 {
		opts = append(opts, broker.WithRelay(broker.NewKafkaRelay(cfg.KafkaBrokers, cfg.KafkaTopic, uuid.NewString(), logger)))
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("kafka relay enabled")
	}
	if len(cfg.HookURLs) > 0 {
		opts = append(opts, broker.WithHooks(broker.NewHookForwarder(cfg.HookURLs, cfg.HookSecret, logger)))
	}

	hub, err := broker.NewHub(cfg.HubName, opts...)
	if err != nil {
		return nil, err
	}
	tokens := broker.NewTokenIssuer(info, cfg.HubName)
	logger.Info().Str("client_url", tokens.ClientURL()).Msg("embedded gateway enabled")

	return &gateway{
		broadcaster: broker.NewLocal(hub, tokens),
		presence:    hub,
		mount:       broker.NewGateway(hub, tokens, logger),
		close: func() error {
			err := hub.Close()
			if rdb != nil {
				rdb.Close()
			}
			return err
		},
	}, nil
}

func serve(cfg *config.Config) error {
	logger := newLogger(cfg)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	raw, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.StoreBackend, err)
	}
	defer raw.Close()
	logger.Info().Str("backend", cfg.StoreBackend).Msg("message store ready")

	if sweeper, ok := raw.(store.Sweeper); ok && cfg.MessageTTL > 0 {
		retention, err := store.NewRetention(sweeper, cfg.RetentionCron, logger)
		if err != nil {
			return err
		}
		go retention.Run(ctx)
	}

	gw, err := openGateway(cfg, logger)
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	defer gw.close()

	proxies, err := middleware.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return err
	}

	router := api.NewRouter(api.Options{
		Logger: logger,
		Handler: handlers.NewHandler(handlers.Deps{
			Store:      store.NewInstrumented(raw, cfg.StoreBackend),
			Broker:     gw.broadcaster,
			Presence:   gw.presence,
			MessageTTL: cfg.MessageTTL,
			Logger:     logger,
		}),
		Sessions: auth.NewIssuer(cfg.AuthSecret, 0),
		Limiter:  middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, logger),
		Gateway:  gw.mount,

		TrustedProxies: proxies,
	})

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Msg("starting chatsync server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
