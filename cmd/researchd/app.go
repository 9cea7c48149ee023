package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/moix-hash/research-agent-system/internal/agent"
	"github.com/moix-hash/research-agent-system/internal/api"
	"github.com/moix-hash/research-agent-system/internal/config"
	"github.com/moix-hash/research-agent-system/internal/coordinator"
	"github.com/moix-hash/research-agent-system/internal/knowledge"
	"github.com/moix-hash/research-agent-system/internal/llm"
	"github.com/moix-hash/research-agent-system/internal/llm/openai"
	"github.com/moix-hash/research-agent-system/internal/llm/pythonbridge"
	"github.com/moix-hash/research-agent-system/internal/memory"
	"github.com/moix-hash/research-agent-system/internal/observability/alerting"
	"github.com/moix-hash/research-agent-system/internal/observability/events"
	"github.com/moix-hash/research-agent-system/internal/observability/metrics"
	"github.com/moix-hash/research-agent-system/internal/pipeline"
	"github.com/moix-hash/research-agent-system/internal/session"
	"github.com/moix-hash/research-agent-system/internal/task"
	"github.com/moix-hash/research-agent-system/internal/worker"
	"github.com/moix-hash/research-agent-system/pkg/logger"
)

// app 持有守护进程运行期间的全部组件。
type app struct {
	cfg      *config.Config
	store    *memory.DegradingStore
	registry *task.Registry
	coord    *coordinator.Coordinator
	server   *api.Server
	metrics  *metrics.Collector
	closers  []io.Closer
	log      *slog.Logger
}

// newApp 按配置组装组件。持久存储不可达时降级运行，其余初始化失败直接返回错误。
func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	if err := logger.Init(loggerConfig(cfg.Logging)); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	a := &app{cfg: cfg, metrics: metrics.NewCollector(), log: logger.Component("researchd")}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	sink := a.eventSink()

	a.store = a.openStore(ctx, sink)
	a.closers = append(a.closers, a.store)
	sessions := session.NewManager(a.store, session.WithTTL(cfg.Session.TTL()))

	registryOpts := []task.RegistryOption{task.WithEventSink(sink)}
	repo, err := openRepository(ctx, cfg.Repository)
	if err != nil {
		return nil, err
	}
	if repo != nil {
		a.closers = append(a.closers, repo)
		registryOpts = append(registryOpts, task.WithRepository(repo))
	}
	a.registry = task.NewRegistry(registryOpts...)

	workers, err := buildWorkers(cfg.LLM)
	if err != nil {
		return nil, err
	}
	runner := pipeline.NewRunner(a.registry, workers,
		pipeline.WithPolicy(buildPolicy(cfg.Pipeline)),
		pipeline.WithSessions(sessions),
		pipeline.WithEventSink(sink),
	)

	queue, err := openQueue(ctx, cfg.Tasks.Queue)
	if err != nil {
		return nil, err
	}
	a.coord = coordinator.New(a.registry, runner,
		coordinator.WithQueue(queue),
		coordinator.WithWorkerCount(cfg.Tasks.Workers),
		coordinator.WithSessions(sessions),
		coordinator.WithStore(a.store),
		coordinator.WithSweepInterval(cfg.Store.SweepInterval()),
	)
	a.server = api.NewServer(cfg.Server.Address, a.coord,
		api.WithMetrics(a.metrics),
		api.WithTimeouts(cfg.Server.ReadHeaderTimeout(), cfg.Server.ShutdownTimeout()),
	)

	a.log.Info("组件初始化完成",
		slog.String("store", cfg.Store.Driver),
		slog.String("queue", cfg.Tasks.Queue.Driver),
		slog.String("repository", cfg.Repository.Driver),
		slog.String("llm", cfg.LLM.Provider),
		slog.Int("workers", cfg.Tasks.Workers),
	)
	return a, nil
}

// run 并发运行任务消费与 HTTP 服务，任一退出都会停止另一个。
// HTTP 服务停止后不再接收新任务，在途流水线在关闭超时内继续执行。
func (a *app) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	coordCtx, cancelCoord := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelCoord()

	g.Go(func() error {
		return a.coord.Start(coordCtx)
	})
	g.Go(func() error {
		err := a.server.Start(gctx)
		a.drain(cancelCoord)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	return g.Wait()
}

// drain 关闭派发队列并等待在途任务，超时后中断它们。
func (a *app) drain(cancel context.CancelFunc) {
	done := make(chan error, 1)
	go func() { done <- a.coord.Close() }()

	timer := time.NewTimer(a.cfg.Server.ShutdownTimeout())
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("关闭任务队列失败", slog.Any("error", err))
		}
	case <-timer.C:
		a.log.Warn("等待在途任务超时，中断执行", slog.Int("in_flight", a.coord.InFlight()))
		cancel()
		<-done
	}
}

// close 按依赖的逆序释放资源。
func (a *app) close() {
	if a.coord != nil {
		if err := a.coord.Close(); err != nil {
			a.log.Warn("关闭 coordinator 失败", slog.Any("error", err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.log.Warn("释放资源失败", slog.Any("error", err))
		}
	}
	a.closers = nil
	_ = logger.Sync()
}

// eventSink 组合日志、指标、告警与可选的 RabbitMQ 发布。RabbitMQ 不可达只记录警告。
func (a *app) eventSink() events.Sink {
	sinks := []events.Sink{events.LogSink{}, a.metrics}
	if alerts := a.alertSink(); alerts != nil {
		sinks = append(sinks, alerts)
	}
	amqpCfg := a.cfg.Events.AMQP
	if amqpCfg.Enabled {
		publisher, err := events.NewAMQPPublisher(events.AMQPConfig{
			URL:            amqpCfg.URL,
			Exchange:       amqpCfg.Exchange,
			Durable:        amqpCfg.Durable,
			PublishTimeout: amqpCfg.PublishTimeout(),
		})
		if err != nil {
			a.log.Warn("RabbitMQ 事件发布不可用", slog.Any("error", err))
		} else {
			a.closers = append(a.closers, publisher)
			sinks = append(sinks, publisher)
		}
	}
	return events.NewFanout(sinks...)
}

func (a *app) alertSink() *alerting.Sink {
	cfg := a.cfg.Events.Alerts
	if !cfg.Enabled {
		return nil
	}
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:    cfg.WebhookURL,
			Client: &http.Client{Timeout: cfg.Timeout()},
		})
	}
	return alerting.NewSink(alerting.NewFanout(notifiers...), alerting.WithThrottle(cfg.Throttle()))
}

func (a *app) openStore(ctx context.Context, sink events.Sink) *memory.DegradingStore {
	cfg := a.cfg.Store
	opts := []memory.DegradingOption{
		memory.WithEventSink(sink),
		memory.WithCooldown(cfg.Cooldown()),
		memory.WithBackendName(cfg.Driver),
	}
	if cfg.Driver != "redis" {
		return memory.NewDegradingStore(nil, nil, opts...)
	}
	primary, err := memory.NewRedisStore(ctx, memory.RedisConfig{
		Address:          cfg.Redis.Address,
		Password:         cfg.Redis.Password,
		DB:               cfg.Redis.DB,
		Namespace:        cfg.Redis.Namespace,
		DialTimeout:      cfg.Redis.DialTimeout(),
		OperationTimeout: cfg.Redis.OperationTimeout(),
	})
	if err != nil {
		a.log.Warn("Redis 不可达，使用进程内存储", slog.String("addr", cfg.Redis.Address), slog.Any("error", err))
		return memory.NewDegradingStore(nil, err, opts...)
	}
	return memory.NewDegradingStore(primary, nil, opts...)
}

func openRepository(ctx context.Context, cfg config.RepositoryConfig) (*task.SQLRepository, error) {
	if cfg.Driver == "none" {
		return nil, nil
	}
	if cfg.Driver == task.DialectSQLite {
		if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0o755); err != nil {
			return nil, fmt.Errorf("创建数据目录失败: %w", err)
		}
	}
	return task.NewSQLRepository(ctx, task.SQLConfig{
		Driver:          cfg.Driver,
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime(),
		ConnMaxIdleTime: cfg.ConnMaxIdleTime(),
	})
}

func openQueue(ctx context.Context, cfg config.QueueConfig) (task.Queue, error) {
	if cfg.Driver != "redis" {
		return task.NewMemoryQueue(cfg.Size), nil
	}
	return task.NewRedisQueue(ctx, task.RedisQueueConfig{
		Address:   cfg.Redis.Address,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		Queue:     cfg.Redis.Queue,
		BlockWait: cfg.Redis.BlockWait(),
	})
}

// buildWorkers 根据 provider 选择 worker 实现。
func buildWorkers(cfg config.LLMConfig) (worker.Set, error) {
	var (
		client llm.Client
		name   string
	)
	switch cfg.Provider {
	case "openai":
		oc, err := openai.NewClient(openai.Config{
			APIKey:  cfg.OpenAI.ResolveAPIKey(),
			BaseURL: cfg.OpenAI.BaseURL,
			Model:   cfg.OpenAI.Model,
			Timeout: cfg.OpenAI.Timeout(),
		})
		if err != nil {
			return worker.Set{}, err
		}
		client, name = oc, "openai:"+oc.Model()
	case "python_bridge":
		pc, err := pythonbridge.NewClient(cfg.Python.PythonExecutable, cfg.Python.ScriptPath, cfg.Python.WorkingDir,
			pythonbridge.WithEnv(cfg.Python.Env...),
		)
		if err != nil {
			return worker.Set{}, err
		}
		client, name = pc, "python_bridge"
	default:
		return worker.Offline(), nil
	}
	opts := []agent.Option{
		agent.WithContextDepth(cfg.ContextDepth),
		agent.WithName(name),
	}
	if cfg.Knowledge.Path != "" {
		kb, err := knowledge.LoadStaticProvider(cfg.Knowledge.Path, cfg.Knowledge.MaxResults)
		if err != nil {
			return worker.Set{}, err
		}
		opts = append(opts, agent.WithKnowledge(kb))
	}
	return agent.New(client, opts...).Set(), nil
}

func buildPolicy(cfg config.PipelineConfig) pipeline.Policy {
	policy := pipeline.DefaultPolicy()
	policy.StageTimeout = cfg.StageTimeout()
	policy.MaxRetries = cfg.MaxRetries
	policy.Backoff = cfg.Backoff()
	for stage, enabled := range cfg.Fallbacks {
		policy.Fallbacks[worker.Stage(stage)] = enabled
	}
	return policy
}

func loggerConfig(cfg config.LoggingConfig) logger.Config {
	return logger.Config{
		Level:       cfg.Level,
		Format:      cfg.Format,
		OutputPaths: cfg.Outputs,
		AddSource:   cfg.AddSource,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Audit.Enabled,
			Path:       cfg.Audit.Path,
			MaxSizeMB:  cfg.Audit.MaxSizeMB,
			MaxBackups: cfg.Audit.MaxBackups,
			MaxAgeDays: cfg.Audit.MaxAgeDays,
		},
	}
}
