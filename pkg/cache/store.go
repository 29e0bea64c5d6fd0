// Package cache keeps the last known location of every tracked bus in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"busstream/pkg/otel"
	"busstream/pkg/types"

	"github.com/redis/go-redis/v9"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultTTL = time.Hour
	keyPrefix  = "bus:location:"
)

// RedisClient is the subset of *redis.Client the store needs
type RedisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

type Store struct {
	client RedisClient
	ttl    time.Duration
	tracer trace.Tracer
}

// record is the stored form; unlike the wire format it keeps the receive time.
type record struct {
	types.LocationSample
	ReceivedAt time.Time `json:"received_at"`
}

// New connects to Redis at addr and checks the connection.
func New(ctx context.Context, addr, password string, ttl time.Duration) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewWithClient(client, ttl), nil
}

// NewWithClient wraps an existing client; a non-positive ttl means DefaultTTL.
func NewWithClient(client RedisClient, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		client: client,
		ttl:    ttl,
		tracer: otelapi.Tracer("cache-sink"),
	}
}

func (s *Store) Name() string { return "redis" }

func (s *Store) Close() error {
	return s.client.Close()
}

// Send implements the pipeline sink
func (s *Store) Send(ctx context.Context, sample *types.LocationSample) error {
	return s.StoreSample(ctx, sample)
}

func (s *Store) StoreSample(ctx context.Context, sample *types.LocationSample) error {
	ctx, span := s.tracer.Start(ctx, "cache.store_sample",
		trace.WithAttributes(attribute.String("bus_id", sample.BusID)),
	)
	defer span.End()

	data, err := json.Marshal(record{LocationSample: *sample, ReceivedAt: sample.ReceivedAt})
	if err != nil {
		otel.RecordError(span, err, otel.ErrorTypeSink, false)
		return fmt.Errorf("failed to marshal sample: %w", err)
	}

	if err := s.client.Set(ctx, key(sample.BusID), data, s.ttl).Err(); err != nil {
		otel.RecordError(span, err, otel.ErrorTypeSink, true)
		return fmt.Errorf("failed to store sample for bus %s: %w", sample.BusID, err)
	}
	return nil
}

// GetSample returns the cached sample, or nil if none is stored or it expired.
func (s *Store) GetSample(ctx context.Context, busID string) (*types.LocationSample, error) {
	data, err := s.client.Get(ctx, key(busID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sample for bus %s: %w", busID, err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sample for bus %s: %w", busID, err)
	}
	sample := rec.LocationSample
	sample.ReceivedAt = rec.ReceivedAt
	return &sample, nil
}

func (s *Store) DeleteSample(ctx context.Context, busID string) error {
	return s.client.Del(ctx, key(busID)).Err()
}

func key(busID string) string {
	return keyPrefix + busID
}
