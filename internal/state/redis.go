package state

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"sentinel-siem/internal/schema"
)

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	KeyPrefix   string
	PoolSize    int
	DialTimeout time.Duration
	TLSEnabled  bool
	// MaxTxRetries bounds optimistic-lock retries per update.
	MaxTxRetries int
}

// RedisStore keeps each record as a JSON string and serializes updates
// with WATCH/MULTI. A lost race retries the whole read-modify-write.
// Incidents are also indexed in a sorted set scored by risk.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	retries int
	logger  *slog.Logger
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*RedisStore, error) {
	opts := &redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return newRedisStore(client, cfg, logger), nil
}

func newRedisStore(client *redis.Client, cfg RedisConfig, logger *slog.Logger) *RedisStore {
	retries := cfg.MaxTxRetries
	if retries <= 0 {
		retries = 10
	}
	return &RedisStore{
		client:  client,
		prefix:  cfg.KeyPrefix,
		retries: retries,
		logger:  logger.With("component", "redis-state"),
	}
}

func (s *RedisStore) ipKey(ip string) string        { return s.prefix + "ip:" + ip }
func (s *RedisStore) userKey(user string) string    { return s.prefix + "user:" + user }
func (s *RedisStore) incidentKey(key string) string { return s.prefix + "incident:" + key }
func (s *RedisStore) incidentIndex() string         { return s.prefix + "incidents:by_risk" }

// redisUpdate runs a WATCHed read-modify-write of the JSON record at key.
// after, when set, adds extra commands to the same MULTI block.
func redisUpdate[T any](ctx context.Context, s *RedisStore, key string,
	fn func(*T, bool) error, after func(redis.Pipeliner, *T)) (T, error) {

	var result T
	txf := func(tx *redis.Tx) error {
		var cur T
		exists := true

		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			exists = false
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(raw, &cur); err != nil {
				return fmt.Errorf("decode %s: %w", key, err)
			}
		}

		next := cur
		if err := fn(&next, exists); err != nil {
			if errors.Is(err, ErrSkipWrite) {
				result = cur
				return nil
			}
			return err
		}

		data, err := json.Marshal(&next)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if after != nil {
				after(pipe, &next)
			}
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	}

	for attempt := 0; attempt < s.retries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return result, err
		}
		s.logger.Debug("optimistic update conflict, retrying", "key", key, "attempt", attempt+1)
	}

	return result, fmt.Errorf("%w: %s", ErrConflict, key)
}

func redisGet[T any](ctx context.Context, s *RedisStore, key string) (T, error) {
	var v T
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", key, err)
	}
	return v, nil
}

// UpdateIPProfile atomically updates the profile for ip.
func (s *RedisStore) UpdateIPProfile(ctx context.Context, ip string, fn IPUpdateFunc) (schema.IPProfile, error) {
	return redisUpdate(ctx, s, s.ipKey(ip), func(p *schema.IPProfile, exists bool) error {
		if !exists {
			p.IP = ip
		}
		return fn(p, exists)
	}, nil)
}

// UpdateUserProfile atomically updates the profile for username.
func (s *RedisStore) UpdateUserProfile(ctx context.Context, username string, fn UserUpdateFunc) (schema.UserProfile, error) {
	return redisUpdate(ctx, s, s.userKey(username), func(p *schema.UserProfile, exists bool) error {
		if !exists {
			p.Username = username
		}
		return fn(p, exists)
	}, nil)
}

// UpdateIncident atomically updates the incident for key and its risk index.
func (s *RedisStore) UpdateIncident(ctx context.Context, key string, fn IncidentUpdateFunc) (schema.Incident, error) {
	return redisUpdate(ctx, s, s.incidentKey(key), func(inc *schema.Incident, exists bool) error {
		if !exists {
			inc.Key = key
		}
		return fn(inc, exists)
	}, func(pipe redis.Pipeliner, inc *schema.Incident) {
		pipe.ZAdd(ctx, s.incidentIndex(), redis.Z{Score: inc.RiskScore, Member: key})
	})
}

// GetIPProfile returns the profile for ip.
func (s *RedisStore) GetIPProfile(ctx context.Context, ip string) (schema.IPProfile, error) {
	return redisGet[schema.IPProfile](ctx, s, s.ipKey(ip))
}

// GetUserProfile returns the profile for username.
func (s *RedisStore) GetUserProfile(ctx context.Context, username string) (schema.UserProfile, error) {
	return redisGet[schema.UserProfile](ctx, s, s.userKey(username))
}

// GetIncident returns the incident for key.
func (s *RedisStore) GetIncident(ctx context.Context, key string) (schema.Incident, error) {
	return redisGet[schema.Incident](ctx, s, s.incidentKey(key))
}

// ListIncidents returns incidents by stored risk, highest first.
func (s *RedisStore) ListIncidents(ctx context.Context, limit int) ([]schema.Incident, error) {
	keys, err := s.client.ZRevRange(ctx, s.incidentIndex(), 0, int64(listLimit(limit)-1)).Result()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.incidentKey(k)
	}

	values, err := s.client.MGet(ctx, full...).Result()
	if err != nil {
		return nil, err
	}

	incidents := make([]schema.Incident, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var inc schema.Incident
		if err := json.Unmarshal([]byte(raw), &inc); err != nil {
			s.logger.Warn("skipping undecodable incident", "key", keys[i], "error", err)
			continue
		}
		incidents = append(incidents, inc)
	}
	return incidents, nil
}

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
