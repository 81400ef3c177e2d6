package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"TandemSync/internal/apperr"
	"TandemSync/internal/config"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Locker 流水线运行锁：获取失败返回 apperr.ErrRunInProgress
type Locker interface {
	TryLock(ctx context.Context) (release func(), err error)
}

// LocalLocker 进程内锁
type LocalLocker struct {
	mu sync.Mutex
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{}
}

func (l *LocalLocker) TryLock(_ context.Context) (func(), error) {
	if !l.mu.TryLock() {
		return nil, apperr.ErrRunInProgress
	}
	var once sync.Once
	return func() { once.Do(l.mu.Unlock) }, nil
}

// 仅当值仍为本次 token 时才删除，避免释放别人的锁
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker 跨进程锁：SET NX PX，过期时间兜底异常退出
type RedisLocker struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewRedisLocker(client *redis.Client, key string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisLocker{client: client, key: key, ttl: ttl}
}

func (l *RedisLocker) TryLock(ctx context.Context) (func(), error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("获取运行锁失败: %w", err)
	}
	if !ok {
		return nil, apperr.ErrRunInProgress
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, l.client, []string{l.key}, token).Err()
		})
	}, nil
}

// New redis.addr 为空时使用进程内锁；返回的 closer 用于关闭 Redis 连接
func New(ctx context.Context, cfg config.RedisConfig) (Locker, func() error, error) {
	if cfg.Addr == "" {
		return NewLocalLocker(), func() error { return nil }, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("连接Redis失败: %w", err)
	}
	return NewRedisLocker(client, cfg.LockKey, cfg.LockTTL), client.Close, nil
}
