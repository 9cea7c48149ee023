package task

import (
	"context"

	xerrors "github.com/moix-hash/research-agent-system/internal/errors"
)

// Handler 处理来自派发队列的任务 ID。
type Handler func(ctx context.Context, taskID string) error

// Producer 负责向队列投递任务。
type Producer interface {
	Publish(ctx context.Context, taskID string) error
	Close() error
}

// Consumer 负责从队列中消费任务。Consume 阻塞直到 ctx 结束或队列关闭。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// ErrQueueClosed 表示队列已关闭。
var ErrQueueClosed = xerrors.New(xerrors.CodeQueueFailure, "queue closed")
