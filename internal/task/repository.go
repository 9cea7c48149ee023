package task

import (
	"context"
)

// Repository 持久化任务快照。Registry 在每次变更后写入，失败只记录日志。
type Repository interface {
	Save(ctx context.Context, t *Task) error
	Load(ctx context.Context) ([]*Task, error)
	Delete(ctx context.Context, id string) error
	Close() error
}
