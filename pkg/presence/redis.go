package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"gofer/pkg/protocol"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps presence in Redis hashes keyed per runner, with a TTL a
// little past the heartbeat freshness window so records of runners that stop
// beating age out on their own. Snapshot walks the key space with SCAN.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisStore creates a Redis-backed presence store. ttl should exceed the
// eligibility heartbeat window; zero means records never expire.
func NewRedisStore(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "gofer:presence:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (s *RedisStore) key(runnerID string) string {
	return s.keyPrefix + runnerID
}

// Beat upserts the runner's presence hash and refreshes its TTL.
func (s *RedisStore) Beat(ctx context.Context, p protocol.Presence) error {
	role := p.Role
	if role == "" {
		role = protocol.RoleRunner
	}
	fields := map[string]any{
		"runner_id":    p.RunnerID,
		"role":         role,
		"is_available": strconv.FormatBool(p.IsAvailable),
		"last_seen_at": p.LastSeenAt.UTC().Format(timeFormat),
	}
	if !p.LocationUpdatedAt.IsZero() {
		fields["location_updated_at"] = p.LocationUpdatedAt.UTC().Format(timeFormat)
	}
	if p.Lat != nil && p.Lng != nil {
		fields["lat"] = strconv.FormatFloat(*p.Lat, 'f', -1, 64)
		fields["lng"] = strconv.FormatFloat(*p.Lng, 'f', -1, 64)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.key(p.RunnerID), fields)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.key(p.RunnerID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis presence beat for %s: %w", p.RunnerID, err)
	}
	return nil
}

// Get returns one runner's record; ok is false when the hash is absent or
// expired.
func (s *RedisStore) Get(ctx context.Context, runnerID string) (protocol.Presence, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.key(runnerID)).Result()
	if err != nil {
		return protocol.Presence{}, false, fmt.Errorf("redis presence get %s: %w", runnerID, err)
	}
	if len(fields) == 0 {
		return protocol.Presence{}, false, nil
	}
	return fromFields(fields), true, nil
}

// Snapshot returns all available runner-role records.
func (s *RedisStore) Snapshot(ctx context.Context) ([]protocol.Presence, error) {
	var out []protocol.Presence
	iter := s.client.Scan(ctx, 0, s.keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		fields, err := s.client.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return nil, fmt.Errorf("redis presence snapshot: %w", err)
		}
		if len(fields) == 0 {
			continue
		}
		p := fromFields(fields)
		if p.Role == protocol.RoleRunner && p.IsAvailable {
			out = append(out, p)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis presence scan: %w", err)
	}
	return out, nil
}

func fromFields(fields map[string]string) protocol.Presence {
	p := protocol.Presence{
		RunnerID: fields["runner_id"],
		Role:     fields["role"],
	}
	p.IsAvailable, _ = strconv.ParseBool(fields["is_available"])
	p.LastSeenAt = parseTime(fields["last_seen_at"])
	p.LocationUpdatedAt = parseTime(fields["location_updated_at"])
	if latStr, ok := fields["lat"]; ok {
		if lat, err := strconv.ParseFloat(latStr, 64); err == nil {
			p.Lat = &lat
		}
	}
	if lngStr, ok := fields["lng"]; ok {
		if lng, err := strconv.ParseFloat(lngStr, 64); err == nil {
			p.Lng = &lng
		}
	}
	return p
}
