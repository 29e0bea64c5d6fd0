package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"busstream/pkg/otel"
	"busstream/pkg/types"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	pushPath  = "/loki/api/v1/push"
	userAgent = "busstream/1.0.0"
)

type Client struct {
	httpClient *http.Client
	baseURL    string
	username   string
	password   string
	tracer     trace.Tracer
}

type PushRequest struct {
	Streams []Stream `json:"streams"`
}

type Stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

// logLine is the JSON body of one Loki entry
type logLine struct {
	Timestamp  string  `json:"timestamp"`
	BusID      string  `json:"bus_id"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	StatusText string  `json:"status_text,omitempty"`
}

func NewClient(baseURL, username, password string) *Client {
	client := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   30 * time.Second,
	}

	return &Client{
		httpClient: client,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		username:   username,
		password:   password,
		tracer:     otelapi.Tracer("loki-client"),
	}
}

func (c *Client) Name() string { return "loki" }

// Send implements the pipeline sink
func (c *Client) Send(ctx context.Context, sample *types.LocationSample) error {
	return c.SendSample(ctx, sample)
}

// SendSample pushes one location sample as a log line on the bus's stream.
func (c *Client) SendSample(ctx context.Context, sample *types.LocationSample) error {
	ctx, span := c.tracer.Start(ctx, "loki.send_sample",
		trace.WithAttributes(attribute.String("bus_id", sample.BusID)),
	)
	defer span.End()

	at := sample.ReceivedAt
	if at.IsZero() {
		at = time.Now()
	}

	line, err := json.Marshal(logLine{
		Timestamp:  at.UTC().Format(time.RFC3339Nano),
		BusID:      sample.BusID,
		Latitude:   sample.Lat,
		Longitude:  sample.Lng,
		StatusText: sample.StatusText,
	})
	if err != nil {
		otel.RecordError(span, err, otel.ErrorTypeSink, false)
		return fmt.Errorf("failed to marshal sample JSON: %w", err)
	}

	reqBody, err := json.Marshal(PushRequest{
		Streams: []Stream{
			{
				Stream: Labels(sample.BusID),
				Values: [][]string{{strconv.FormatInt(at.UnixNano(), 10), string(line)}},
			},
		},
	})
	if err != nil {
		otel.RecordError(span, err, otel.ErrorTypeSink, false)
		return fmt.Errorf("failed to marshal Loki request: %w", err)
	}

	url := c.baseURL + pushPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		otel.RecordError(span, err, otel.ErrorTypeSink, false)
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	if c.username != "" && c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	span.SetAttributes(
		attribute.Bool("auth.enabled", c.username != "" && c.password != ""),
		attribute.String("http.url", url),
		attribute.Int("request.size_bytes", len(reqBody)),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		otel.RecordError(span, err, otel.ErrorTypeNetwork, true)
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("loki returned status %d", resp.StatusCode)
		otel.RecordError(span, err, otel.ErrorTypeHTTP, resp.StatusCode >= 500)
		return err
	}

	otel.SetSpanOk(span)
	return nil
}

// Labels returns the stream labels for busID
func Labels(busID string) map[string]string {
	return map[string]string{
		"job":     otel.ServiceName,
		"service": "bus-tracking",
		"bus_id":  busID,
	}
}
