// Package store persists pipeline snapshots behind the opaque key/value +
// sorted-set schema used by dashboards and replay tooling:
//
//	position:<riderId>            latest RiderPosition, TTL 1h
//	positions:timeline            sorted set, score = epoch ms
//	tactical_event:<eventId>      event payload, TTL = event retention
//	tactical_events:timeline      sorted set, score = epoch ms
//	weather:current:<locationKey>
//	weather:forecast:<locationKey>
//	weather:route:<routeId>
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	positionTTL = time.Hour

	keyPositionPrefix  = "position:"
	keyPositionsTL     = "positions:timeline"
	keyEventPrefix     = "tactical_event:"
	keyEventsTL        = "tactical_events:timeline"
	keyWeatherCurrent  = "weather:current:"
	keyWeatherForecast = "weather:forecast:"
	keyWeatherRoute    = "weather:route:"
)

// Config for the backing Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Store wraps the Redis client with the pipeline's key schema. All values
// are JSON-encoded by the caller-facing methods.
type Store struct {
	client *redis.Client
	logger zerolog.Logger
}

// New connects and pings the backing store.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("store ping failed: %w", err)
	}

	return &Store{
		client: client,
		logger: logger.With().Str("component", "store").Logger(),
	}, nil
}

// NewWithClient wraps an existing client (tests use this with miniredis).
func NewWithClient(client *redis.Client, logger zerolog.Logger) *Store {
	return &Store{
		client: client,
		logger: logger.With().Str("component", "store").Logger(),
	}
}

func (s *Store) Close() error {
	return s.client.Close()
}

// SavePosition stores the latest position for a rider and appends it to
// the shared timeline.
func (s *Store) SavePosition(ctx context.Context, riderID string, ts time.Time, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal position: %w", err)
	}

	epochMs := ts.UnixMilli()
	pipe := s.client.Pipeline()
	pipe.Set(ctx, keyPositionPrefix+riderID, data, positionTTL)
	pipe.ZAdd(ctx, keyPositionsTL, redis.Z{
		Score:  float64(epochMs),
		Member: fmt.Sprintf("%s:%d", riderID, epochMs),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save position %s: %w", riderID, err)
	}
	return nil
}

// LatestPosition returns the stored position payload for a rider, or
// redis.Nil via the wrapped error when none exists.
func (s *Store) LatestPosition(ctx context.Context, riderID string) ([]byte, error) {
	data, err := s.client.Get(ctx, keyPositionPrefix+riderID).Bytes()
	if err != nil {
		return nil, fmt.Errorf("load position %s: %w", riderID, err)
	}
	return data, nil
}

// SaveTacticalEvent stores an event payload under its id with the
// configured retention and appends it to the event timeline.
func (s *Store) SaveTacticalEvent(ctx context.Context, eventID string, ts time.Time, retention time.Duration, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, keyEventPrefix+eventID, data, retention)
	pipe.ZAdd(ctx, keyEventsTL, redis.Z{
		Score:  float64(ts.UnixMilli()),
		Member: eventID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save event %s: %w", eventID, err)
	}
	return nil
}

// TacticalEvent returns the stored payload for an event id.
func (s *Store) TacticalEvent(ctx context.Context, eventID string) ([]byte, error) {
	data, err := s.client.Get(ctx, keyEventPrefix+eventID).Bytes()
	if err != nil {
		return nil, fmt.Errorf("load event %s: %w", eventID, err)
	}
	return data, nil
}

// EventIDsBetween returns event ids whose timestamps fall in [from, to],
// oldest first.
func (s *Store) EventIDsBetween(ctx context.Context, from, to time.Time) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, keyEventsTL, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", from.UnixMilli()),
		Max: fmt.Sprintf("%d", to.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("event timeline range: %w", err)
	}
	return ids, nil
}

// TrimTimelines drops timeline entries older than horizon. Called from the
// retention sweeps; value keys expire through their own TTLs.
func (s *Store) TrimTimelines(ctx context.Context, horizon time.Time) error {
	max := fmt.Sprintf("(%d", horizon.UnixMilli())
	pipe := s.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, keyPositionsTL, "-inf", max)
	pipe.ZRemRangeByScore(ctx, keyEventsTL, "-inf", max)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("trim timelines: %w", err)
	}
	return nil
}

// WeatherKind selects the weather key family.
type WeatherKind string

const (
	WeatherCurrent  WeatherKind = "current"
	WeatherForecast WeatherKind = "forecast"
	WeatherRoute    WeatherKind = "route"
)

func weatherKey(kind WeatherKind, locationKey string) string {
	switch kind {
	case WeatherForecast:
		return keyWeatherForecast + locationKey
	case WeatherRoute:
		return keyWeatherRoute + locationKey
	default:
		return keyWeatherCurrent + locationKey
	}
}

// SaveWeather stores a weather record under its location (or route) key.
func (s *Store) SaveWeather(ctx context.Context, kind WeatherKind, locationKey string, ttl time.Duration, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal weather: %w", err)
	}
	if err := s.client.Set(ctx, weatherKey(kind, locationKey), data, ttl).Err(); err != nil {
		return fmt.Errorf("save weather %s/%s: %w", kind, locationKey, err)
	}
	return nil
}

// Weather returns the stored record for a location key.
func (s *Store) Weather(ctx context.Context, kind WeatherKind, locationKey string) ([]byte, error) {
	data, err := s.client.Get(ctx, weatherKey(kind, locationKey)).Bytes()
	if err != nil {
		return nil, fmt.Errorf("load weather %s/%s: %w", kind, locationKey, err)
	}
	return data, nil
}

// Ping verifies the backing connection, used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
