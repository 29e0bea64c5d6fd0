package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"busstream/pkg/backoff"
	"busstream/pkg/metrics"
	"busstream/pkg/parser"
	"busstream/pkg/realtime"
	"busstream/pkg/stream"
	"busstream/pkg/types"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Sink receives every new location sample
type Sink interface {
	Name() string
	Send(ctx context.Context, sample *types.LocationSample) error
}

// Reauthenticator restores credentials after the server rejected a stream.
type Reauthenticator interface {
	Reauthenticate(ctx context.Context) error
}

type ReauthFunc func(ctx context.Context) error

func (f ReauthFunc) Reauthenticate(ctx context.Context) error { return f(ctx) }

type Config struct {
	BaseURL           string
	BusIDs            []string
	DryRun            bool
	HeartbeatTimeout  time.Duration
	MaxReauthAttempts int
}

type Deps struct {
	// Dialer defaults to a stream client for BaseURL using Credentials.
	Dialer      realtime.Dialer
	Credentials stream.CredentialProvider

	// NewPolicy builds one reconnect policy per bus; policies are stateful.
	NewPolicy func() backoff.Policy

	Sinks  []Sink
	Reauth Reauthenticator
	Logger *slog.Logger

	// Out receives dry run output, stdout by default.
	Out io.Writer

	ClientOptions []realtime.Option
}

type Pipeline struct {
	config Config
	deps   Deps
	logger *slog.Logger
	tracer trace.Tracer
	parser *parser.Parser

	outMu sync.Mutex

	mu      sync.Mutex
	clients map[string]*realtime.Client
}

func New(config Config, deps Deps) (*Pipeline, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	config.BusIDs = uniqueIDs(config.BusIDs)
	if len(config.BusIDs) == 0 {
		return nil, fmt.Errorf("at least one bus id is required")
	}
	if !config.DryRun && len(deps.Sinks) == 0 {
		return nil, fmt.Errorf("at least one sink is required unless dry run is enabled")
	}

	if deps.Dialer == nil {
		deps.Dialer = stream.NewClient(config.BaseURL,
			stream.WithCredentials(deps.Credentials),
			stream.WithHeartbeatTimeout(config.HeartbeatTimeout),
		)
	}
	if deps.NewPolicy == nil {
		deps.NewPolicy = func() backoff.Policy { return backoff.Fixed(backoff.DefaultDelay) }
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Out == nil {
		deps.Out = os.Stdout
	}

	return &Pipeline{
		config:  config,
		deps:    deps,
		logger:  deps.Logger,
		tracer:  otel.Tracer("pipeline"),
		parser:  parser.NewParser(),
		clients: make(map[string]*realtime.Client),
	}, nil
}

// Run follows every configured bus until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	for _, busID := range p.config.BusIDs {
		opts := append([]realtime.Option{
			realtime.WithPolicy(p.deps.NewPolicy()),
			realtime.WithLogger(p.logger),
			realtime.WithParser(p.parser),
		}, p.deps.ClientOptions...)

		client := realtime.New(p.deps.Dialer, opts...)
		p.mu.Lock()
		p.clients[busID] = client
		p.mu.Unlock()

		wg.Add(2)
		go func(busID string) {
			defer wg.Done()
			p.watch(ctx, busID, client)
		}(busID)
		go func() {
			defer wg.Done()
			for sample := range client.Samples() {
				p.deliver(ctx, sample)
			}
		}()

		client.Track(busID)
	}

	p.logger.Info("Pipeline started", "buses", len(p.config.BusIDs), "dry_run", p.config.DryRun)

	<-ctx.Done()

	p.mu.Lock()
	for _, client := range p.clients {
		client.Close()
	}
	p.mu.Unlock()
	wg.Wait()

	p.logger.Info("Pipeline stopped")
	return ctx.Err()
}

// Status returns the current snapshot of every bus that has a client
func (p *Pipeline) Status() map[string]types.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]types.Snapshot, len(p.clients))
	for busID, client := range p.clients {
		out[busID] = client.Snapshot()
	}
	return out
}

// watch reacts to state changes of one bus. Samples reach the sinks through
// Samples, so a slow sink never delays re-authentication.
func (p *Pipeline) watch(ctx context.Context, busID string, client *realtime.Client) {
	reauths := 0

	for snap := range client.Updates() {
		switch snap.State {
		case types.StateConnected:
			reauths = 0
		case types.StateError:
			if p.reauthenticate(ctx, busID, client, snap.Err, reauths) {
				reauths++
			}
		}
	}
}

// uniqueIDs drops empty and repeated bus ids, keeping first-seen order.
func uniqueIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// reauthenticate refreshes credentials and resubscribes after an auth
// rejection. It reports whether an attempt was made.
func (p *Pipeline) reauthenticate(ctx context.Context, busID string, client *realtime.Client, cause error, attempts int) bool {
	if p.deps.Reauth == nil || !isAuthFailure(cause) {
		p.logger.Error("Stream for bus failed permanently", "bus_id", busID, "error", cause)
		return false
	}
	if attempts >= p.config.MaxReauthAttempts {
		p.logger.Error("Giving up after repeated re-authentication", "bus_id", busID, "attempts", attempts, "error", cause)
		return false
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.reauthenticate",
		trace.WithAttributes(
			attribute.String("bus_id", busID),
			attribute.Int("attempt", attempts+1),
		),
	)
	defer span.End()

	if err := p.deps.Reauth.Reauthenticate(ctx); err != nil {
		span.RecordError(err)
		p.logger.Error("Re-authentication failed", "bus_id", busID, "error", err)
		return true
	}

	p.logger.Info("Re-authenticated, resubscribing", "bus_id", busID)
	client.Resubscribe()
	return true
}

func isAuthFailure(err error) bool {
	var sc interface{ StatusCode() int }
	if !errors.As(err, &sc) {
		return false
	}
	return sc.StatusCode() == http.StatusUnauthorized || sc.StatusCode() == http.StatusForbidden
}

func (p *Pipeline) deliver(ctx context.Context, sample *types.LocationSample) {
	ctx, span := p.tracer.Start(ctx, "pipeline.deliver",
		trace.WithAttributes(
			attribute.String("bus_id", sample.BusID),
			attribute.Bool("dry_run", p.config.DryRun),
		),
	)
	defer span.End()

	if p.config.DryRun {
		if err := p.handleDryRun(sample); err != nil {
			span.RecordError(err)
			p.logger.Error("Error in dry run", "bus_id", sample.BusID, "error", err)
		}
		return
	}

	failed := 0
	for _, sink := range p.deps.Sinks {
		start := time.Now()
		err := sink.Send(ctx, sample)
		metrics.RecordSinkSend(ctx, sink.Name(), time.Since(start), err)
		if err != nil {
			failed++
			span.RecordError(err)
			p.logger.Error("Error sending sample", "sink", sink.Name(), "bus_id", sample.BusID, "error", err)
		}
	}

	span.SetAttributes(
		attribute.Int("sinks", len(p.deps.Sinks)),
		attribute.Int("sinks_failed", failed),
	)
}

// dryRunLine is what a sink would receive, printed one JSON object per line
type dryRunLine struct {
	ReceivedAt string `json:"received_at"`
	*types.LocationSample
}

func (p *Pipeline) handleDryRun(sample *types.LocationSample) error {
	line, err := json.Marshal(dryRunLine{
		ReceivedAt:     sample.ReceivedAt.UTC().Format(time.RFC3339Nano),
		LocationSample: sample,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal sample JSON for dry run: %w", err)
	}

	p.outMu.Lock()
	defer p.outMu.Unlock()
	_, err = fmt.Fprintln(p.deps.Out, string(line))
	return err
}
