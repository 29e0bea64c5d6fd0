package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Stream Metrics
var (
	// StreamConnectAttempts counts dial attempts by outcome
	StreamConnectAttempts metric.Int64Counter

	// StreamStateTransitions counts connection state changes
	StreamStateTransitions metric.Int64Counter

	// StreamMessagesReceived counts location samples accepted from the stream
	StreamMessagesReceived metric.Int64Counter

	// StreamMessagesDropped counts events discarded by reason
	StreamMessagesDropped metric.Int64Counter

	// StreamReconnectDelay measures the wait chosen before each reconnect
	StreamReconnectDelay metric.Float64Histogram
)

// Sink Metrics
var (
	SinkSendTotal    metric.Int64Counter
	SinkSendDuration metric.Float64Histogram
)

func initializeInstruments() error {
	var err error

	StreamConnectAttempts, err = Meter.Int64Counter(
		"stream.connect.attempts",
		metric.WithDescription("Stream dial attempts by outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return err
	}

	StreamStateTransitions, err = Meter.Int64Counter(
		"stream.state.transitions",
		metric.WithDescription("Connection state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return err
	}

	StreamMessagesReceived, err = Meter.Int64Counter(
		"stream.messages.received",
		metric.WithDescription("Location samples accepted from the stream"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return err
	}

	StreamMessagesDropped, err = Meter.Int64Counter(
		"stream.messages.dropped",
		metric.WithDescription("Stream events discarded by reason"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return err
	}

	StreamReconnectDelay, err = Meter.Float64Histogram(
		"stream.reconnect.delay",
		metric.WithDescription("Delay before a reconnect attempt"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 2, 4, 8, 16, 30, 60),
	)
	if err != nil {
		return err
	}

	SinkSendTotal, err = Meter.Int64Counter(
		"sink.send.total",
		metric.WithDescription("Sample deliveries by sink and status"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	SinkSendDuration, err = Meter.Float64Histogram(
		"sink.send.duration",
		metric.WithDescription("Duration of sink deliveries"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0),
	)
	return err
}

func busAttr(busID string) attribute.KeyValue {
	return attribute.String("bus_id", busID)
}

// RecordConnectAttempt counts one dial with outcome "success", "transient" or "terminal".
func RecordConnectAttempt(ctx context.Context, busID, outcome string) {
	if StreamConnectAttempts == nil {
		return
	}
	StreamConnectAttempts.Add(ctx, 1, metric.WithAttributes(busAttr(busID), attribute.String("outcome", outcome)))
}

// RecordStateTransition counts a state change and keeps the connected gauge in step.
func RecordStateTransition(ctx context.Context, busID, from, to string) {
	if from != to {
		if to == "connected" {
			connectedStreams.Add(1)
		} else if from == "connected" {
			connectedStreams.Add(-1)
		}
	}
	if StreamStateTransitions == nil {
		return
	}
	StreamStateTransitions.Add(ctx, 1, metric.WithAttributes(
		busAttr(busID),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func RecordMessage(ctx context.Context, busID string) {
	if StreamMessagesReceived == nil {
		return
	}
	StreamMessagesReceived.Add(ctx, 1, metric.WithAttributes(busAttr(busID)))
}

func RecordDropped(ctx context.Context, busID, reason string) {
	if StreamMessagesDropped == nil {
		return
	}
	StreamMessagesDropped.Add(ctx, 1, metric.WithAttributes(busAttr(busID), attribute.String("reason", reason)))
}

func RecordReconnectDelay(ctx context.Context, busID string, d time.Duration) {
	if StreamReconnectDelay == nil {
		return
	}
	StreamReconnectDelay.Record(ctx, d.Seconds(), metric.WithAttributes(busAttr(busID)))
}

// RecordSinkSend records one delivery to sink. A nil err counts as "success".
func RecordSinkSend(ctx context.Context, sink string, d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	} else {
		RecordLastSampleTimestamp()
	}
	if SinkSendTotal == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("sink", sink), attribute.String("status", status))
	SinkSendTotal.Add(ctx, 1, attrs)
	SinkSendDuration.Record(ctx, d.Seconds(), attrs)
}

// ConnectedStreams returns the current value of the connected gauge
func ConnectedStreams() int64 {
	return connectedStreams.Load()
}
