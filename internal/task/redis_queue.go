package task

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	xerrors "github.com/moix-hash/research-agent-system/internal/errors"
	"github.com/moix-hash/research-agent-system/pkg/logger"
)

// DefaultRedisQueue 是默认的 Redis list 名称。
const DefaultRedisQueue = "research:tasks"

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 使用 Redis list 实现任务派发队列，LPUSH 入队，BRPOP 出队。
type RedisQueue struct {
	client *redis.Client
	queue  string
	wait   time.Duration
	log    *slog.Logger
}

// NewRedisQueue 创建 Redis 队列实例。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = DefaultRedisQueue
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败",
			xerrors.WithMetadata("address", cfg.Address))
	}
	return &RedisQueue{client: client, queue: queue, wait: wait, log: logger.Component("task.queue")}, nil
}

// Publish 将任务投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, taskID string) error {
	if err := q.client.LPush(ctx, q.queue, taskID).Err(); err != nil {
		if errors.Is(err, redis.ErrClosed) {
			return ErrQueueClosed
		}
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布任务失败",
			xerrors.WithTask(taskID))
	}
	return nil
}

// Len 返回队列中等待的任务数量。
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.queue).Result()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeQueueFailure, err, "读取队列长度失败")
	}
	return n, nil
}

// Consume 通过 BRPOP 获取任务。处理返回可重试错误时任务会重新入队。
// 任一工作协程遇到 Redis 错误时其余协程随之退出。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workerCount; i++ {
		g.Go(func() error {
			for {
				if gctx.Err() != nil {
					return nil
				}
				values, err := q.client.BRPop(gctx, q.wait, q.queue).Result()
				if err != nil {
					switch {
					case errors.Is(err, redis.Nil):
						continue
					case gctx.Err() != nil, errors.Is(err, redis.ErrClosed):
						return nil
					}
					return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取任务失败")
				}
				if len(values) != 2 {
					continue
				}
				taskID := values[1]
				if err := handler(gctx, taskID); err != nil {
					q.log.Warn("任务处理失败", slog.String("task_id", taskID), slog.Any("error", err))
					if xerrors.RetryableError(err) && gctx.Err() == nil {
						if err := q.client.RPush(gctx, q.queue, taskID).Err(); err != nil {
							q.log.Error("任务重新入队失败", slog.String("task_id", taskID), slog.Any("error", err))
						}
					}
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
