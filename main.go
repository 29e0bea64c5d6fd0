package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"busstream/pkg/auth"
	"busstream/pkg/backoff"
	"busstream/pkg/cache"
	"busstream/pkg/config"
	"busstream/pkg/logging"
	"busstream/pkg/loki"
	"busstream/pkg/metrics"
	"busstream/pkg/nats"
	"busstream/pkg/pipeline"
	"busstream/pkg/profiling"
	"busstream/pkg/stream"
	"busstream/pkg/tracing"
)

func main() {
	var (
		configPath   = flag.String("config", os.Getenv("BUSSTREAM_CONFIG"), "Path to a YAML config file")
		dryRun       = flag.Bool("dry-run", false, "Print samples to stdout instead of sending them to sinks")
		baseURL      = flag.String("base-url", "", "Location API base URL")
		busIDs       = flag.String("bus-ids", "", "Bus ids to follow, comma-separated")
		token        = flag.String("token", "", "Static bearer token for the location API")
		lokiURL      = flag.String("loki-url", "", "Grafana Loki URL")
		lokiUser     = flag.String("loki-user", "", "Loki username (for Grafana Cloud authentication)")
		lokiPassword = flag.String("loki-password", "", "Loki password/token (for Grafana Cloud authentication)")
		redisAddr    = flag.String("redis-addr", "", "Redis address for the latest-sample cache")
		natsURL      = flag.String("nats-url", "", "NATS server URL to publish samples to")
		backoffName  = flag.String("backoff", "", "Reconnect strategy: fixed or exponential")
		delay        = flag.Duration("reconnect-delay", 0, "Base reconnect delay")
		heartbeat    = flag.Duration("heartbeat-timeout", 0, "Reconnect when the stream is silent for this long")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Realtime bus location stream consumer\n\n")
		fmt.Fprintf(os.Stderr, "Follows the live location stream of one or more buses, reconnecting\n")
		fmt.Fprintf(os.Stderr, "with backoff, and forwards every sample to Loki, Redis and NATS.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables (also read from .env):\n")
		fmt.Fprintf(os.Stderr, "  BUSSTREAM_BASE_URL      - Location API base URL (required)\n")
		fmt.Fprintf(os.Stderr, "  BUSSTREAM_BUS_IDS       - Bus ids, comma-separated (required)\n")
		fmt.Fprintf(os.Stderr, "  BUSSTREAM_TOKEN         - Static bearer token\n")
		fmt.Fprintf(os.Stderr, "  BUSSTREAM_AUTH_EMAIL    - Login email for a refreshable session\n")
		fmt.Fprintf(os.Stderr, "  BUSSTREAM_AUTH_PASSWORD - Login password\n")
		fmt.Fprintf(os.Stderr, "  BUSSTREAM_BACKOFF       - fixed (default) or exponential\n")
		fmt.Fprintf(os.Stderr, "  BUSSTREAM_LOKI_URL      - Loki URL\n")
		fmt.Fprintf(os.Stderr, "  BUSSTREAM_REDIS_ADDR    - Redis address\n")
		fmt.Fprintf(os.Stderr, "  BUSSTREAM_NATS_URL      - NATS URL\n")
		fmt.Fprintf(os.Stderr, "  LOG_LEVEL / LOG_FORMAT  - debug|info|warn|error / text|json\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  # Dry run mode (safe for testing)\n")
		fmt.Fprintf(os.Stderr, "  %s --dry-run --base-url=http://localhost:8080 --bus-ids=55\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  # Production mode with Loki and Redis\n")
		fmt.Fprintf(os.Stderr, "  %s --base-url=https://fleet.example.com --bus-ids=55,77 \\\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "    --loki-url=http://localhost:3100 --redis-addr=localhost:6379\n\n")
	}

	flag.Parse()

	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logging.InitLogging()

	cfg, err := config.Load(*configPath, os.Getenv)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// explicitly set flags win over file and environment
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "dry-run":
			cfg.DryRun = *dryRun
		case "base-url":
			cfg.BaseURL = *baseURL
		case "bus-ids":
			cfg.BusIDs = config.ParseList(*busIDs)
		case "token":
			cfg.Auth.Token = *token
		case "loki-url":
			cfg.Loki.URL = *lokiURL
		case "loki-user":
			cfg.Loki.User = *lokiUser
		case "loki-password":
			cfg.Loki.Password = *lokiPassword
		case "redis-addr":
			cfg.Redis.Addr = *redisAddr
		case "nats-url":
			cfg.NATS.URL = *natsURL
		case "backoff":
			cfg.Backoff.Strategy = *backoffName
		case "reconnect-delay":
			cfg.Backoff.Delay = *delay
		case "heartbeat-timeout":
			cfg.HeartbeatTimeout = *heartbeat
		}
	})

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		flag.Usage()
		os.Exit(1)
	}
	if _, err := cfg.BackoffPolicy(); err != nil {
		slog.Error("Invalid backoff configuration", "error", err)
		os.Exit(1)
	}

	shutdownTracing, err := tracing.InitTracing()
	if err != nil {
		slog.Error("Failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer shutdownTracing()

	shutdownMetrics, err := metrics.InitMetrics()
	if err != nil {
		slog.Error("Failed to initialize metrics", "error", err)
		os.Exit(1)
	}
	defer shutdownMetrics()

	shutdownProfiling, err := profiling.InitProfiling()
	if err != nil {
		slog.Error("Failed to initialize profiling", "error", err)
		os.Exit(1)
	}
	defer shutdownProfiling()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps := pipeline.Deps{
		NewPolicy: func() backoff.Policy {
			// validated above
			policy, _ := cfg.BackoffPolicy()
			return policy
		},
	}

	var closers []func()
	defer func() {
		for _, c := range closers {
			c()
		}
	}()

	credentials, reauth, logout, err := setupAuth(ctx, cfg)
	if err != nil {
		slog.Error("Failed to authenticate", "error", err)
		os.Exit(1)
	}
	deps.Credentials = credentials
	deps.Reauth = reauth
	if logout != nil {
		closers = append(closers, logout)
	}

	if !cfg.DryRun {
		if cfg.Loki.URL != "" {
			deps.Sinks = append(deps.Sinks, loki.NewClient(cfg.Loki.URL, cfg.Loki.User, cfg.Loki.Password))
		}
		if cfg.Redis.Addr != "" {
			store, err := cache.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.TTL)
			if err != nil {
				slog.Error("Failed to connect to Redis", "error", err)
				os.Exit(1)
			}
			deps.Sinks = append(deps.Sinks, store)
			closers = append(closers, func() { store.Close() })
		}
		if cfg.NATS.URL != "" {
			publisher, err := nats.Connect(cfg.NATS.URL)
			if err != nil {
				slog.Error("Failed to connect to NATS", "error", err)
				os.Exit(1)
			}
			deps.Sinks = append(deps.Sinks, publisher)
			closers = append(closers, func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := publisher.Close(ctx); err != nil {
					slog.Warn("Error draining NATS connection", "error", err)
				}
			})
		}
	}

	pipelineInstance, err := pipeline.New(pipeline.Config{
		BaseURL:           cfg.BaseURL,
		BusIDs:            cfg.BusIDs,
		DryRun:            cfg.DryRun,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		MaxReauthAttempts: cfg.MaxReauthAttempts,
	}, deps)
	if err != nil {
		slog.Error("Failed to create pipeline", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		slog.Info("Starting in DRY RUN mode, samples will be printed to stdout")
	} else {
		slog.Info("Starting in PRODUCTION mode", "sinks", len(deps.Sinks))
	}
	slog.Info("Following buses", "bus_ids", cfg.BusIDs, "backoff", cfg.Backoff.Strategy, "heartbeat_timeout", cfg.HeartbeatTimeout)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- pipelineInstance.Run(ctx)
	}()

	select {
	case sig := <-sigChan:
		slog.Info("Received signal, shutting down gracefully", "signal", sig.String())
		cancel()
		select {
		case <-time.After(5 * time.Second):
			slog.Warn("Shutdown timeout, forcing exit")
		case <-errChan:
		}
	case err := <-errChan:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Pipeline error", "error", err)
		}
	}

	for busID, snap := range pipelineInstance.Status() {
		slog.Info("Final stream state", "bus_id", busID, "state", snap.State.String())
	}
	slog.Info("Shutdown complete")
}

// setupAuth picks the credential source: a static token, or a session logged
// in with email and password that can be refreshed after a rejection. The
// returned func, nil for a static token, ends the session.
func setupAuth(ctx context.Context, cfg *config.Config) (stream.CredentialProvider, pipeline.Reauthenticator, func(), error) {
	if cfg.Auth.Email == "" {
		if cfg.Auth.Token == "" {
			return nil, nil, nil, nil
		}
		return auth.StaticToken(cfg.Auth.Token), nil, nil, nil
	}

	session := auth.NewSession(cfg.BaseURL, slog.Default())
	user, err := session.Login(ctx, cfg.Auth.Email, cfg.Auth.Password)
	if err != nil {
		return nil, nil, nil, err
	}
	slog.Info("Logged in", "user", user.Email, "role", user.Role)

	reauth := pipeline.ReauthFunc(func(ctx context.Context) error {
		err := session.Refresh(ctx)
		if err == nil {
			return nil
		}
		slog.Warn("Session refresh failed, logging in again", "error", err)
		_, err = session.Login(ctx, cfg.Auth.Email, cfg.Auth.Password)
		return err
	})

	logout := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := session.Logout(ctx); err != nil {
			slog.Warn("Error logging out", "error", err)
			return
		}
		slog.Info("Logged out")
	}
	return session, reauth, logout, nil
}
