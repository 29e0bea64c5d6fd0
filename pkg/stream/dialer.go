package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"busstream/pkg/otel"
	"busstream/pkg/sse"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// StreamPath is the location stream endpoint relative to the API base URL
	StreamPath = "/api/stream"

	DefaultHeartbeatTimeout = 60 * time.Second

	userAgent = "busstream/1.0.0"
)

var (
	// ErrHeartbeatTimeout means the server sent nothing, not even a keep-alive, within the heartbeat window.
	ErrHeartbeatTimeout = errors.New("stream: no traffic within heartbeat timeout")
	ErrContentType      = errors.New("stream: response is not text/event-stream")
	ErrStreamEnded      = errors.New("stream: server closed the stream")
	ErrClosed           = errors.New("stream: connection closed")
)

// CredentialProvider attaches the caller's credentials to an outgoing stream request
type CredentialProvider interface {
	Apply(ctx context.Context, req *http.Request) error
}

// Conn is one open event stream
type Conn interface {
	// Next blocks until the next event arrives or the stream fails.
	Next() (sse.Event, error)
	// LastEventID is the newest id the server sent, even in a block without
	// data. Only the goroutine calling Next may read it.
	LastEventID() string
	Close() error
}

type Client struct {
	httpClient  *http.Client
	baseURL     string
	credentials CredentialProvider
	heartbeat   time.Duration
	tracer      trace.Tracer
}

type Option func(*Client)

func WithCredentials(p CredentialProvider) Option {
	return func(c *Client) { c.credentials = p }
}

// WithHeartbeatTimeout sets how long a stream may stay silent before it is treated as dead
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.heartbeat = d
		}
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		heartbeat: DefaultHeartbeatTimeout,
		tracer:    otelapi.Tracer("stream-client"),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.ResponseHeaderTimeout = c.heartbeat

		// No client Timeout: a healthy stream stays open indefinitely.
		c.httpClient = &http.Client{
			Transport: otelhttp.NewTransport(transport),
		}
	}

	return c
}

// Dial opens the location stream for busID. A non-empty lastEventID is sent
// as Last-Event-ID so the server can resume.
func (c *Client) Dial(ctx context.Context, busID, lastEventID string) (Conn, error) {
	ctx, span := c.tracer.Start(ctx, "stream.dial",
		trace.WithAttributes(
			attribute.String("bus_id", busID),
			attribute.String("api.endpoint", c.baseURL),
			attribute.Bool("resume", lastEventID != ""),
		),
	)
	defer span.End()

	streamURL, err := c.streamURL(busID)
	if err != nil {
		otel.RecordError(span, err, otel.ErrorTypeValidation, false)
		return nil, err
	}

	connCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, streamURL, nil)
	if err != nil {
		cancel()
		otel.RecordError(span, err, otel.ErrorTypeValidation, false)
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("User-Agent", userAgent)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	if c.credentials != nil {
		if err := c.credentials.Apply(connCtx, req); err != nil {
			cancel()
			otel.RecordError(span, err, otel.ErrorTypeAuth, true)
			return nil, fmt.Errorf("failed to apply credentials: %w", err)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		otel.RecordError(span, err, otel.ErrorTypeNetwork, true)
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}

	span.SetAttributes(
		attribute.Int("http.status_code", resp.StatusCode),
		attribute.String("http.response.content_type", resp.Header.Get("Content-Type")),
	)

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		cancel()

		statusErr := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		otel.RecordError(span, statusErr, otel.ErrorTypeHTTP, !statusErr.Terminal())
		return nil, statusErr
	}

	if !isEventStream(resp.Header.Get("Content-Type")) {
		resp.Body.Close()
		cancel()
		err := fmt.Errorf("%w: got %q", ErrContentType, resp.Header.Get("Content-Type"))
		otel.RecordError(span, err, otel.ErrorTypeHTTP, true)
		return nil, err
	}

	otel.SetSpanOk(span)

	body := newIdleReader(resp.Body, c.heartbeat, cancel)
	return &connection{
		body:    body,
		decoder: sse.NewDecoder(body),
		cancel:  cancel,
	}, nil
}

func (c *Client) streamURL(busID string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL %q: %w", c.baseURL, err)
	}
	u = u.JoinPath(StreamPath)
	u.RawQuery = url.Values{"bus_id": []string{busID}}.Encode()
	return u.String(), nil
}

func isEventStream(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "text/event-stream"
}

type connection struct {
	body    *idleReader
	decoder *sse.Decoder
	cancel  context.CancelFunc

	mu        sync.Mutex
	closed    bool
	closeErr  error
	closeOnce sync.Once
}

func (c *connection) Next() (sse.Event, error) {
	ev, err := c.decoder.Decode()
	if err == nil {
		return ev, nil
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()

	switch {
	case closed:
		return sse.Event{}, ErrClosed
	case errors.Is(err, io.EOF):
		return sse.Event{}, ErrStreamEnded
	case errors.Is(err, ErrHeartbeatTimeout):
		return sse.Event{}, ErrHeartbeatTimeout
	default:
		return sse.Event{}, fmt.Errorf("failed to read stream: %w", err)
	}
}

func (c *connection) LastEventID() string {
	return c.decoder.LastEventID()
}

func (c *connection) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.cancel()
		c.closeErr = c.body.Close()
	})
	return c.closeErr
}
