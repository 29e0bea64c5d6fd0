// Package nats fans location samples out on NATS subjects, one per bus.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"busstream/pkg/types"

	"github.com/nats-io/nats.go"
)

const (
	// SubjectPrefix is followed by the bus id, e.g. bus.location.55
	SubjectPrefix = "bus.location."

	HeaderBusID = "Bus-Id"
)

// Conn is the subset of *nats.Conn the publisher uses
type Conn interface {
	PublishMsg(m *nats.Msg) error
	FlushWithContext(ctx context.Context) error
	Drain() error
}

type Publisher struct {
	conn Conn
}

// Connect dials the NATS server at url
func Connect(url string) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("busstream"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return NewWithConn(nc), nil
}

func NewWithConn(conn Conn) *Publisher {
	return &Publisher{conn: conn}
}

func (p *Publisher) Name() string { return "nats" }

// Send implements the pipeline sink
func (p *Publisher) Send(ctx context.Context, sample *types.LocationSample) error {
	return p.Publish(ctx, sample)
}

// Publish sends sample as JSON on the bus's subject
func (p *Publisher) Publish(_ context.Context, sample *types.LocationSample) error {
	data, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("failed to marshal sample: %w", err)
	}

	msg := nats.NewMsg(Subject(sample.BusID))
	msg.Data = data
	msg.Header.Set(HeaderBusID, sample.BusID)

	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish sample for bus %s: %w", sample.BusID, err)
	}
	return nil
}

// Close flushes pending messages and drains the connection
func (p *Publisher) Close(ctx context.Context) error {
	if err := p.conn.FlushWithContext(ctx); err != nil {
		slog.Warn("Failed to flush NATS connection", "error", err)
	}
	return p.conn.Drain()
}

// Subject returns the subject for busID. NATS tokens cannot contain '.', '*', '>' or whitespace.
func Subject(busID string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "\t", "_")
	return SubjectPrefix + r.Replace(busID)
}
