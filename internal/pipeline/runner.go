// Package pipeline 按固定顺序执行研究、写作、分析三个阶段，并负责超时、重试与降级。
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	xerrors "github.com/moix-hash/research-agent-system/internal/errors"
	"github.com/moix-hash/research-agent-system/internal/observability/events"
	"github.com/moix-hash/research-agent-system/internal/session"
	"github.com/moix-hash/research-agent-system/internal/task"
	"github.com/moix-hash/research-agent-system/internal/worker"
	"github.com/moix-hash/research-agent-system/pkg/logger"
)

// LatestKey 是阶段最新产出在会话上下文中的键后缀。
const LatestKey = "latest"

var (
	errNotPending  = errors.New("task is not pending")
	errEmptyOutput = worker.Permanent(xerrors.New(xerrors.CodeInvalidArgument, "worker returned no output"))
)

// Runner 驱动单个任务走完流水线。所有任务状态变更都经由 task.Registry。
type Runner struct {
	registry *task.Registry
	workers  worker.Set
	sessions *session.Manager
	policy   Policy
	sink     events.Sink
	now      func() time.Time
	log      *slog.Logger
}

// Option 定义 Runner 的可选配置。
type Option func(*Runner)

// WithPolicy 替换默认的阶段策略。
func WithPolicy(policy Policy) Option {
	return func(r *Runner) { r.policy = policy.normalized() }
}

// WithSessions 配置会话管理器，阶段产出会写入任务所属会话的上下文。
func WithSessions(sessions *session.Manager) Option {
	return func(r *Runner) { r.sessions = sessions }
}

// WithEventSink 配置阶段结果事件的接收方。
func WithEventSink(sink events.Sink) Option {
	return func(r *Runner) { r.sink = sink }
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRunner 创建 Runner。
func NewRunner(registry *task.Registry, workers worker.Set, opts ...Option) *Runner {
	r := &Runner{
		registry: registry,
		workers:  workers,
		policy:   DefaultPolicy().normalized(),
		now:      time.Now,
		log:      logger.Component("pipeline"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Policy 返回当前生效的策略副本。
func (r *Runner) Policy() Policy {
	return r.policy.normalized()
}

// Workers 返回流水线使用的 worker 集合。
func (r *Runner) Workers() worker.Set {
	return r.workers
}

// Run 执行任务直到终态并返回终态。
//
// 只有 pending 任务会被领取，其余任务直接返回当前状态。任务失败记录在任务本身，
// 只有 Registry 读写失败才会作为 error 返回。
func (r *Runner) Run(ctx context.Context, taskID string) (task.Status, error) {
	current, err := r.registry.Get(ctx, taskID)
	if err != nil {
		return "", err
	}
	if current.Status != task.StatusPending {
		r.log.Debug("跳过非 pending 任务", slog.String("task_id", taskID), slog.String("status", string(current.Status)))
		return current.Status, nil
	}

	// 取消之后仍需写回终态，状态写入不跟随调用方的取消。
	writeCtx := context.WithoutCancel(ctx)

	if err := current.Request().Validate(); err != nil {
		return r.abort(writeCtx, taskID, nil, &task.Failure{Code: task.CodeTaskValidation, Message: xerrors.MessageOf(err)})
	}
	if current.CancelRequested || ctx.Err() != nil {
		return r.abort(writeCtx, taskID, nil, canceledFailure(""))
	}
	if !r.workers.Complete() {
		return r.abort(writeCtx, taskID, nil, &task.Failure{Code: xerrors.CodeInitializationFailure, Message: "worker 未完整配置"})
	}

	claimed, err := r.registry.Update(writeCtx, taskID, func(t *task.Task) error {
		if t.Status != task.StatusPending {
			return errNotPending
		}
		t.Status = task.StatusRunning
		t.CurrentStage = worker.StageResearch
		return nil
	})
	if err != nil {
		if errors.Is(err, errNotPending) {
			return r.latestStatus(writeCtx, taskID, err)
		}
		return r.statusAfterError(writeCtx, taskID, err)
	}

	run := &execution{task: claimed}
	if claimed.SessionID != "" && r.sessions != nil {
		if err := r.sessions.AttachTask(writeCtx, claimed.SessionID, taskID); err != nil {
			r.log.Warn("关联会话失败", slog.String("task_id", taskID), slog.String("session_id", claimed.SessionID), slog.Any("error", err))
		}
	}

	stages := worker.Stages()
	for i, stage := range stages {
		if r.cancelRequested(ctx, taskID) {
			return r.abort(writeCtx, taskID, nil, canceledFailure(stage))
		}

		result, output := r.runStage(ctx, run, stage)
		if result.Status == task.StageFailed {
			return r.abort(writeCtx, taskID, &result, &task.Failure{
				Code:    result.ErrorCode,
				Message: result.Error,
				Stage:   stage,
			})
		}
		run.record(stage, output, result.Status)

		next := stage
		if i+1 < len(stages) {
			next = stages[i+1]
		}
		if _, err := r.registry.Update(writeCtx, taskID, func(t *task.Task) error {
			t.Stages = append(t.Stages, result)
			t.CurrentStage = next
			return nil
		}); err != nil {
			return r.statusAfterError(writeCtx, taskID, err)
		}
		r.saveOutput(writeCtx, run, stage, output)
	}
	return r.complete(writeCtx, run)
}

// runStage 在重试预算内执行一个阶段，必要时使用降级结果。
func (r *Runner) runStage(ctx context.Context, run *execution, stage worker.Stage) (task.StageResult, any) {
	started := r.now()
	var (
		output   any
		err      error
		attempts int
	)
	for attempts = 1; ; attempts++ {
		output, err = r.attempt(ctx, run, stage)
		if err == nil {
			break
		}
		if ctx.Err() != nil || !worker.IsTransient(err) || attempts > r.policy.MaxRetries {
			break
		}
		wait := r.policy.BackoffFor(attempts)
		r.log.Warn("阶段执行失败，准备重试",
			slog.String("task_id", run.task.ID),
			slog.String("stage", string(stage)),
			slog.Int("attempt", attempts),
			slog.Duration("backoff", wait),
			slog.Any("error", err),
		)
		if sleepErr := sleep(ctx, wait); sleepErr != nil {
			err = sleepErr
			break
		}
	}

	result := task.StageResult{Stage: stage, Attempts: attempts, StartedAt: started.UTC()}
	switch {
	case err == nil:
		result.Status = task.StageSuccess
	case ctx.Err() != nil:
		output = nil
		result.Status = task.StageFailed
		result.ErrorCode = task.CodeTaskCanceled
		result.Error = "任务已被取消"
	case r.policy.FallbackEnabled(stage):
		output = run.fallback(stage)
		result.Status = task.StageFallback
		result.ErrorCode = worker.CodeOf(err)
		result.Error = err.Error()
	default:
		output = nil
		result.Status = task.StageFailed
		result.ErrorCode = worker.CodeOf(err)
		result.Error = err.Error()
	}
	if output != nil {
		if payload, marshalErr := json.Marshal(output); marshalErr == nil {
			result.Payload = payload
		}
	}
	finished := r.now()
	result.FinishedAt = finished.UTC()
	result.Duration = finished.Sub(started)

	r.publishOutcome(context.WithoutCancel(ctx), run.task.ID, result)
	return result, output
}

// attempt 执行一次 worker 调用。会话上下文读取失败视为本次调用的瞬时错误。
func (r *Runner) attempt(ctx context.Context, run *execution, stage worker.Stage) (any, error) {
	sessionContext, err := r.sessionContext(ctx, run.task.SessionID, run.task.ID)
	if err != nil {
		return nil, worker.Transient(err)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.policy.StageTimeout)
	defer cancel()

	var output any
	switch stage {
	case worker.StageResearch:
		var findings *worker.Findings
		findings, err = r.workers.Researcher.Research(callCtx, run.researchInput(sessionContext))
		if err == nil && findings != nil {
			output = findings
		}
	case worker.StageWriting:
		var draft *worker.Draft
		draft, err = r.workers.Writer.Write(callCtx, run.writingInput(sessionContext))
		if err == nil && draft != nil {
			output = draft
		}
	case worker.StageAnalysis:
		var report *worker.QualityReport
		report, err = r.workers.Analyst.Analyze(callCtx, run.analysisInput(sessionContext))
		if err == nil && report != nil {
			output = report
		}
	default:
		return nil, worker.Permanent(xerrors.New(xerrors.CodeInvalidArgument, "unknown stage "+string(stage)))
	}

	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			err = worker.Transient(xerrors.Wrap(xerrors.CodeTimeout, err, "阶段执行超时",
				xerrors.WithTask(run.task.ID), xerrors.WithStage(string(stage))))
		}
		return nil, err
	}
	if output == nil {
		return nil, errEmptyOutput
	}
	return output, nil
}

// sessionContext 返回交给 worker 的会话上下文。其他任务按 <stage>:<taskID> 写入的阶段产出
// 不会传入，只保留 <stage>:latest、本任务自己的产出以及调用方写入的其他键。
func (r *Runner) sessionContext(ctx context.Context, sessionID, taskID string) (map[string]json.RawMessage, error) {
	if sessionID == "" || r.sessions == nil {
		return nil, nil
	}
	snap, err := r.sessions.Snapshot(ctx, sessionID)
	if err != nil {
		if xerrors.HasCode(err, session.CodeSessionNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return scopeContext(snap.Context, taskID), nil
}

func scopeContext(all map[string]json.RawMessage, taskID string) map[string]json.RawMessage {
	if len(all) == 0 {
		return all
	}
	scoped := make(map[string]json.RawMessage, len(all))
	for key, value := range all {
		stage, suffix, ok := strings.Cut(key, ":")
		if ok && worker.Stage(stage).Valid() && suffix != LatestKey && suffix != taskID {
			continue
		}
		scoped[key] = value
	}
	return scoped
}

func (r *Runner) saveOutput(ctx context.Context, run *execution, stage worker.Stage, output any) {
	sessionID := run.task.SessionID
	if sessionID == "" || r.sessions == nil || output == nil {
		return
	}
	for _, key := range []string{string(stage) + ":" + run.task.ID, string(stage) + ":" + LatestKey} {
		if err := r.sessions.SetContext(ctx, sessionID, key, output); err != nil {
			r.log.Warn("写入会话上下文失败",
				slog.String("task_id", run.task.ID),
				slog.String("session_id", sessionID),
				slog.String("key", key),
				slog.Any("error", err),
			)
		}
	}
}

func (r *Runner) complete(ctx context.Context, run *execution) (task.Status, error) {
	status := task.StatusCompleted
	if len(run.fallbacks) > 0 {
		status = task.StatusPartial
	}
	artifact := run.artifact()
	final, err := r.registry.Update(ctx, run.task.ID, func(t *task.Task) error {
		t.Status = status
		t.Artifact = artifact
		return nil
	})
	if err != nil {
		return r.statusAfterError(ctx, run.task.ID, err)
	}

	fallbackStages := make([]string, len(run.fallbacks))
	for i, s := range run.fallbacks {
		fallbackStages[i] = string(s)
	}
	logger.Audit().Info("任务执行结束",
		slog.String("task_id", final.ID),
		slog.String("topic", final.Topic),
		slog.String("status", string(final.Status)),
		slog.Any("fallback_stages", fallbackStages),
	)
	return final.Status, nil
}

func (r *Runner) abort(ctx context.Context, taskID string, result *task.StageResult, failure *task.Failure) (task.Status, error) {
	final, err := r.registry.Update(ctx, taskID, func(t *task.Task) error {
		if result != nil {
			t.Stages = append(t.Stages, *result)
		}
		t.Status = task.StatusFailed
		t.Error = failure
		return nil
	})
	if err != nil {
		return r.statusAfterError(ctx, taskID, err)
	}
	logger.Audit().Warn("任务执行失败",
		slog.String("task_id", taskID),
		slog.String("stage", string(failure.Stage)),
		slog.String("code", string(failure.Code)),
		slog.String("message", failure.Message),
	)
	return final.Status, nil
}

// statusAfterError 在任务已被其他调用方推入终态时返回该终态。
func (r *Runner) statusAfterError(ctx context.Context, taskID string, err error) (task.Status, error) {
	if errors.Is(err, task.ErrTaskTerminal) {
		return r.latestStatus(ctx, taskID, err)
	}
	return "", err
}

func (r *Runner) latestStatus(ctx context.Context, taskID string, cause error) (task.Status, error) {
	latest, getErr := r.registry.Get(ctx, taskID)
	if getErr != nil {
		return "", errors.Join(cause, getErr)
	}
	return latest.Status, nil
}

func (r *Runner) cancelRequested(ctx context.Context, taskID string) bool {
	if ctx.Err() != nil {
		return true
	}
	current, err := r.registry.Get(ctx, taskID)
	return err == nil && current.CancelRequested
}

func (r *Runner) publishOutcome(ctx context.Context, taskID string, result task.StageResult) {
	event := events.Event{
		Kind:       events.KindStageOutcome,
		TaskID:     taskID,
		Stage:      string(result.Stage),
		Outcome:    string(result.Status),
		Attempts:   result.Attempts,
		Duration:   result.Duration,
		Code:       result.ErrorCode,
		Message:    result.Error,
		OccurredAt: result.FinishedAt,
	}
	if result.ErrorCode != "" {
		event.Severity = xerrors.AttributesOf(result.ErrorCode).Severity
	}
	events.Publish(ctx, r.sink, event)
}

func canceledFailure(stage worker.Stage) *task.Failure {
	return &task.Failure{Code: task.CodeTaskCanceled, Message: "任务已被取消", Stage: stage}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
