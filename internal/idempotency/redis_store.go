package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStoreConfig 描述 Redis 幂等存储的连接参数。
type RedisStoreConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	Retention time.Duration
}

// RedisStore 使用 Redis 实现幂等存储。门闩通过 SET NX 实现 CAS 语义，
// 步骤结果按保留时间写入带 TTL 的键。
type RedisStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

// NewRedisStore 创建 RedisStore 实例。
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "idolly:idem"
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisStore{client: client, prefix: prefix, retention: retention}, nil
}

// Acquire 实现 Store 接口。
func (r *RedisStore) Acquire(ctx context.Context, fingerprint string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	ok, err := r.client.SetNX(ctx, r.lockKey(fingerprint), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("Redis 占据指纹失败: %w", err)
	}
	return ok, nil
}

// Release 实现 Store 接口。
func (r *RedisStore) Release(ctx context.Context, fingerprint string) error {
	if err := r.client.Del(ctx, r.lockKey(fingerprint)).Err(); err != nil {
		return fmt.Errorf("Redis 释放指纹失败: %w", err)
	}
	return nil
}

// GetStep 实现 Store 接口。
func (r *RedisStore) GetStep(ctx context.Context, stepFingerprint string) (json.RawMessage, bool, error) {
	raw, err := r.client.Get(ctx, r.stepKey(stepFingerprint)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("Redis 查询步骤结果失败: %w", err)
	}
	return json.RawMessage(raw), true, nil
}

// PutStep 实现 Store 接口。
func (r *RedisStore) PutStep(ctx context.Context, stepFingerprint string, outcome json.RawMessage) error {
	if err := r.client.Set(ctx, r.stepKey(stepFingerprint), []byte(outcome), r.retention).Err(); err != nil {
		return fmt.Errorf("Redis 记录步骤结果失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (r *RedisStore) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *RedisStore) lockKey(fingerprint string) string {
	return r.prefix + ":lock:" + fingerprint
}

func (r *RedisStore) stepKey(fingerprint string) string {
	return r.prefix + ":step:" + fingerprint
}

var _ Store = (*RedisStore)(nil)
