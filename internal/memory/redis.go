package memory

import (
	"context"
	stdErrors "errors"
	"iter"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "github.com/moix-hash/research-agent-system/internal/errors"
)

// RedisConfig 描述 Redis 存储的连接参数。
type RedisConfig struct {
	Address          string
	Password         string
	DB               int
	Namespace        string
	DialTimeout      time.Duration
	OperationTimeout time.Duration
	ScanCount        int64
}

// RedisStore 使用 Redis 字符串键实现 Store，所有键带有命名空间前缀。
type RedisStore struct {
	client    *redis.Client
	namespace string
	timeout   time.Duration
	scanCount int64
}

// NewRedisStore 连接 Redis 并以 PING 确认可达。不可达时返回 STORE_UNAVAILABLE。
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "memory:"
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 2 * time.Second
	}
	opTimeout := cfg.OperationTimeout
	if opTimeout <= 0 {
		opTimeout = time.Second
	}
	scanCount := cfg.ScanCount
	if scanCount <= 0 {
		scanCount = 100
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  dialTimeout,
		ReadTimeout:  opTimeout,
		WriteTimeout: opTimeout,
		MaxRetries:   1,
	})
	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, Unavailable(err, "连接 Redis 失败")
	}
	return &RedisStore{client: client, namespace: namespace, timeout: opTimeout, scanCount: scanCount}, nil
}

// Put 实现 Store。
func (s *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Set(opCtx, s.namespace+key, value, ttl).Err(); err != nil {
		return s.classify(ctx, err, "Redis 写入失败")
	}
	return nil
}

// Get 实现 Store。
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	value, err := s.client.Get(opCtx, s.namespace+key).Bytes()
	if err != nil {
		if stdErrors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, s.classify(ctx, err, "Redis 读取失败")
	}
	return value, nil
}

// Delete 实现 Store。
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	removed, err := s.client.Del(opCtx, s.namespace+key).Result()
	if err != nil {
		return s.classify(ctx, err, "Redis 删除失败")
	}
	if removed == 0 {
		return ErrNotFound
	}
	return nil
}

// Keys 实现 Store，基于 SCAN 游标惰性读取。SCAN 可能重复返回同一个键，这里做了去重。
func (s *RedisStore) Keys(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		pattern := escapeGlob(s.namespace+prefix) + "*"
		seen := make(map[string]struct{})
		var cursor uint64
		for {
			opCtx, cancel := context.WithTimeout(ctx, s.timeout)
			keys, next, err := s.client.Scan(opCtx, cursor, pattern, s.scanCount).Result()
			cancel()
			if err != nil {
				yield("", s.classify(ctx, err, "Redis 扫描失败"))
				return
			}
			for _, raw := range keys {
				if _, dup := seen[raw]; dup {
					continue
				}
				seen[raw] = struct{}{}
				if !yield(strings.TrimPrefix(raw, s.namespace), nil) {
					return
				}
			}
			if next == 0 {
				return
			}
			cursor = next
		}
	}
}

// Ping 检查 Redis 连通性。
func (s *RedisStore) Ping(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Ping(opCtx).Err(); err != nil {
		return s.classify(ctx, err, "Redis PING 失败")
	}
	return nil
}

// Health 实现 HealthReporter。
func (s *RedisStore) Health() Health {
	return Health{Backend: "redis"}
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// classify 区分调用方自身的取消与后端不可用。
func (s *RedisStore) classify(ctx context.Context, err error, message string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return Unavailable(err, message)
}

func escapeGlob(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

var _ Store = (*RedisStore)(nil)
