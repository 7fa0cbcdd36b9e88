package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/c360/coldchain/errors"
	"github.com/c360/coldchain/telemetry"
)

// Redis key layout.
const (
	assetStatePrefix  = "asset:state:"
	assetIndexKey     = "assets:index"
	alertActivePrefix = "alert:active:"
	alertIndexKey     = "alerts:active:index"
	messageCountsKey  = "assets:message_counts"
	stateCountersKey  = "stats:state_counts"
)

// RedisConfig configures the Redis-backed stores.
type RedisConfig struct {
	Addr         string `json:"addr"`
	Password     string `json:"password"`
	DB           int    `json:"db"`
	PoolSize     int    `json:"pool_size"`
	MinIdleConns int    `json:"min_idle_conns"`
}

// RedisStore implements AssetStateStore and AlertStore on a shared Redis
// connection pool.
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*RedisStore, error) {
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 20
	}
	if cfg.MinIdleConns == 0 {
		cfg.MinIdleConns = 5
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.WrapTransient(err, "store", "NewRedisStore", "connect to redis")
	}

	logger.Info("Connected to Redis", "addr", cfg.Addr, "db", cfg.DB)
	return &RedisStore{client: client, logger: logger}, nil
}

// Close releases the connection pool.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// Ping checks the Redis connection.
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return errors.WrapTransient(err, "store", "Ping", "redis ping")
	}
	return nil
}

// Upsert replaces the record for assetID. The message counter lives in its
// own hash and is bumped with an atomic HINCRBY so concurrent writers for
// the same asset never lose counts; the record body itself is
// last-write-wins per key.
func (r *RedisStore) Upsert(ctx context.Context, assetID string, rec AssetRecord) error {
	count, err := r.client.HIncrBy(ctx, messageCountsKey, assetID, 1).Result()
	if err != nil {
		return errors.WrapTransient(err, "store", "Upsert", "increment message counter")
	}

	rec.AssetID = assetID
	rec.UpdatedAt = time.Now().UTC()
	rec.MessageCount = count

	data, err := json.Marshal(rec)
	if err != nil {
		return errors.WrapInvalid(err, "store", "Upsert", "marshal asset record")
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, assetStatePrefix+assetID, data, 0)
	pipe.SAdd(ctx, assetIndexKey, assetID)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.WrapTransient(err, "store", "Upsert", "write asset record")
	}
	return nil
}

// Get returns the record for assetID or ErrAssetNotFound.
func (r *RedisStore) Get(ctx context.Context, assetID string) (AssetRecord, error) {
	data, err := r.client.Get(ctx, assetStatePrefix+assetID).Bytes()
	if err == redis.Nil {
		return AssetRecord{}, errors.WrapNotFound(errors.ErrAssetNotFound, "store", "Get", assetID)
	}
	if err != nil {
		return AssetRecord{}, errors.WrapTransient(err, "store", "Get", "read asset record")
	}

	var rec AssetRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return AssetRecord{}, errors.WrapInvalid(err, "store", "Get", "decode asset record")
	}
	rec.AssetID = assetID
	return rec, nil
}

// ListAll returns every indexed record. Index entries whose record is gone
// are skipped.
func (r *RedisStore) ListAll(ctx context.Context) ([]AssetRecord, error) {
	assetIDs, err := r.client.SMembers(ctx, assetIndexKey).Result()
	if err != nil {
		return nil, errors.WrapTransient(err, "store", "ListAll", "read asset index")
	}

	out := make([]AssetRecord, 0, len(assetIDs))
	for _, assetID := range assetIDs {
		rec, err := r.Get(ctx, assetID)
		if errors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// AdjustCounter adds delta to the running counter via HINCRBY.
func (r *RedisStore) AdjustCounter(ctx context.Context, state telemetry.Classification, delta int64) error {
	if err := r.client.HIncrBy(ctx, stateCountersKey, string(state), delta).Err(); err != nil {
		return errors.WrapTransient(err, "store", "AdjustCounter", "increment state counter")
	}
	return nil
}

// CounterSnapshot reads the raw running counters.
func (r *RedisStore) CounterSnapshot(ctx context.Context) (map[telemetry.Classification]int64, error) {
	raw, err := r.client.HGetAll(ctx, stateCountersKey).Result()
	if err != nil {
		return nil, errors.WrapTransient(err, "store", "CounterSnapshot", "read state counters")
	}

	out := make(map[telemetry.Classification]int64, len(raw))
	for state, val := range raw {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			continue
		}
		out[telemetry.Classification(state)] = n
	}
	return out, nil
}

// Raise stores the alert under a TTL key and registers it in the active
// index. SETEX resets the countdown on every re-raise.
func (r *RedisStore) Raise(ctx context.Context, assetID string, alert Alert, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultAlertTTL
	}

	alert.AssetID = assetID
	alert.CreatedAt = time.Now().UTC()

	data, err := json.Marshal(alert)
	if err != nil {
		return errors.WrapInvalid(err, "store", "Raise", "marshal alert")
	}

	pipe := r.client.TxPipeline()
	pipe.SetEx(ctx, alertActivePrefix+assetID, data, ttl)
	pipe.SAdd(ctx, alertIndexKey, assetID)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.WrapTransient(err, "store", "Raise", "write alert")
	}
	return nil
}

// Clear deletes the active alert and its index entry.
func (r *RedisStore) Clear(ctx context.Context, assetID string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, alertActivePrefix+assetID)
	pipe.SRem(ctx, alertIndexKey, assetID)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.WrapTransient(err, "store", "Clear", "delete alert")
	}
	return nil
}

// ListActive returns unexpired alerts. Index entries whose TTL key has
// expired are pruned as they are discovered.
func (r *RedisStore) ListActive(ctx context.Context) ([]Alert, error) {
	assetIDs, err := r.client.SMembers(ctx, alertIndexKey).Result()
	if err != nil {
		return nil, errors.WrapTransient(err, "store", "ListActive", "read alert index")
	}

	out := make([]Alert, 0, len(assetIDs))
	for _, assetID := range assetIDs {
		data, err := r.client.Get(ctx, alertActivePrefix+assetID).Bytes()
		if err == redis.Nil {
			// Expired; prune the stale index entry.
			if err := r.client.SRem(ctx, alertIndexKey, assetID).Err(); err != nil {
				r.logger.Warn("Failed to prune expired alert from index", "asset_id", assetID, "error", err)
			}
			continue
		}
		if err != nil {
			return nil, errors.WrapTransient(err, "store", "ListActive", "read alert")
		}

		var alert Alert
		if err := json.Unmarshal(data, &alert); err != nil {
			r.logger.Warn("Skipping undecodable alert", "asset_id", assetID, "error", err)
			continue
		}
		alert.AssetID = assetID
		out = append(out, alert)
	}
	return out, nil
}
