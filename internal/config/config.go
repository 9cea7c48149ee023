package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	xerrors "github.com/moix-hash/research-agent-system/internal/errors"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "RESEARCH_CONFIG"

// Config 描述了守护进程在启动阶段需要加载的全部配置。
type Config struct {
	Server     ServerConfig     `json:"server" yaml:"server" toml:"server"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging" toml:"logging"`
	Store      StoreConfig      `json:"store" yaml:"store" toml:"store"`
	Session    SessionConfig    `json:"session" yaml:"session" toml:"session"`
	Tasks      TasksConfig      `json:"tasks" yaml:"tasks" toml:"tasks"`
	Repository RepositoryConfig `json:"repository" yaml:"repository" toml:"repository"`
	Pipeline   PipelineConfig   `json:"pipeline" yaml:"pipeline" toml:"pipeline"`
	LLM        LLMConfig        `json:"llm" yaml:"llm" toml:"llm"`
	Events     EventsConfig     `json:"events" yaml:"events" toml:"events"`
	Runtime    RuntimeConfig    `json:"runtime" yaml:"runtime" toml:"runtime"`
}

// ServerConfig 控制 HTTP 服务的监听地址与超时。
type ServerConfig struct {
	Address                  string `json:"address" yaml:"address" toml:"address"`
	ReadHeaderTimeoutSeconds int    `json:"read_header_timeout_seconds" yaml:"read_header_timeout_seconds" toml:"read_header_timeout_seconds"`
	ShutdownTimeoutSeconds   int    `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds" toml:"shutdown_timeout_seconds"`
}

// ReadHeaderTimeout 返回读取请求头的超时时间。
func (c ServerConfig) ReadHeaderTimeout() time.Duration {
	return seconds(c.ReadHeaderTimeoutSeconds)
}

// ShutdownTimeout 返回优雅关闭的等待时间。
func (c ServerConfig) ShutdownTimeout() time.Duration {
	return seconds(c.ShutdownTimeoutSeconds)
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level     string      `json:"level" yaml:"level" toml:"level"`
	Format    string      `json:"format" yaml:"format" toml:"format"`
	Outputs   []string    `json:"outputs" yaml:"outputs" toml:"outputs"`
	AddSource bool        `json:"add_source" yaml:"add_source" toml:"add_source"`
	Audit     AuditConfig `json:"audit" yaml:"audit" toml:"audit"`
}

// AuditConfig 控制审计日志文件及其滚动策略。
type AuditConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Path       string `json:"path" yaml:"path" toml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days" toml:"max_age_days"`
}

// StoreConfig 描述共享内存存储。driver 为 redis 时连接失败会降级到进程内存储。
type StoreConfig struct {
	Driver               string      `json:"driver" yaml:"driver" toml:"driver"`
	Redis                RedisConfig `json:"redis" yaml:"redis" toml:"redis"`
	CooldownSeconds      int         `json:"cooldown_seconds" yaml:"cooldown_seconds" toml:"cooldown_seconds"`
	SweepIntervalSeconds int         `json:"sweep_interval_seconds" yaml:"sweep_interval_seconds" toml:"sweep_interval_seconds"`
}

// Cooldown 返回降级后重新探测主存储的间隔。
func (c StoreConfig) Cooldown() time.Duration { return seconds(c.CooldownSeconds) }

// SweepInterval 返回进程内存储清理过期记录的周期。
func (c StoreConfig) SweepInterval() time.Duration { return seconds(c.SweepIntervalSeconds) }

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address                string `json:"address" yaml:"address" toml:"address"`
	Password               string `json:"password" yaml:"password" toml:"password"`
	DB                     int    `json:"db" yaml:"db" toml:"db"`
	Namespace              string `json:"namespace" yaml:"namespace" toml:"namespace"`
	DialTimeoutMillis      int    `json:"dial_timeout_ms" yaml:"dial_timeout_ms" toml:"dial_timeout_ms"`
	OperationTimeoutMillis int    `json:"operation_timeout_ms" yaml:"operation_timeout_ms" toml:"operation_timeout_ms"`
}

// DialTimeout 返回建立连接的超时时间。
func (c RedisConfig) DialTimeout() time.Duration { return millis(c.DialTimeoutMillis) }

// OperationTimeout 返回单次命令的超时时间。
func (c RedisConfig) OperationTimeout() time.Duration { return millis(c.OperationTimeoutMillis) }

// SessionConfig 控制会话的保留时间。
type SessionConfig struct {
	TTLSeconds int `json:"ttl_seconds" yaml:"ttl_seconds" toml:"ttl_seconds"`
}

// TTL 返回会话保留时间。
func (c SessionConfig) TTL() time.Duration { return seconds(c.TTLSeconds) }

// TasksConfig 控制任务派发。
type TasksConfig struct {
	Workers int         `json:"workers" yaml:"workers" toml:"workers"`
	Queue   QueueConfig `json:"queue" yaml:"queue" toml:"queue"`
}

// QueueConfig 选择派发队列的实现。Size 是内存队列积压区的初始容量，超出后继续增长，
// 投递不会阻塞。
type QueueConfig struct {
	Driver string           `json:"driver" yaml:"driver" toml:"driver"`
	Size   int              `json:"size" yaml:"size" toml:"size"`
	Redis  RedisQueueConfig `json:"redis" yaml:"redis" toml:"redis"`
}

// RedisQueueConfig 描述基于 Redis list 的派发队列。
type RedisQueueConfig struct {
	Address          string `json:"address" yaml:"address" toml:"address"`
	Password         string `json:"password" yaml:"password" toml:"password"`
	DB               int    `json:"db" yaml:"db" toml:"db"`
	Queue            string `json:"queue" yaml:"queue" toml:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds" yaml:"block_wait_seconds" toml:"block_wait_seconds"`
}

// BlockWait 返回 BRPOP 的阻塞时间。
func (c RedisQueueConfig) BlockWait() time.Duration { return seconds(c.BlockWaitSeconds) }

// RepositoryConfig 描述任务持久化。driver 为 none 时任务只保存在内存中。
type RepositoryConfig struct {
	Driver                 string `json:"driver" yaml:"driver" toml:"driver"`
	DSN                    string `json:"dsn" yaml:"dsn" toml:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns" toml:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns" toml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds" toml:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds" yaml:"conn_max_idle_time_seconds" toml:"conn_max_idle_time_seconds"`
}

// ConnMaxLifetime 返回连接最长存活时间。
func (c RepositoryConfig) ConnMaxLifetime() time.Duration { return seconds(c.ConnMaxLifetimeSeconds) }

// ConnMaxIdleTime 返回连接最长空闲时间。
func (c RepositoryConfig) ConnMaxIdleTime() time.Duration { return seconds(c.ConnMaxIdleTimeSeconds) }

// PipelineConfig 描述阶段超时、重试与降级策略。
type PipelineConfig struct {
	StageTimeoutSeconds int             `json:"stage_timeout_seconds" yaml:"stage_timeout_seconds" toml:"stage_timeout_seconds"`
	MaxRetries          int             `json:"max_retries" yaml:"max_retries" toml:"max_retries"`
	BackoffMillis       int             `json:"backoff_ms" yaml:"backoff_ms" toml:"backoff_ms"`
	Fallbacks           map[string]bool `json:"fallbacks" yaml:"fallbacks" toml:"fallbacks"`
}

// StageTimeout 返回单次 worker 调用的超时时间。
func (c PipelineConfig) StageTimeout() time.Duration { return seconds(c.StageTimeoutSeconds) }

// Backoff 返回重试的基础退避时间。
func (c PipelineConfig) Backoff() time.Duration { return millis(c.BackoffMillis) }

// LLMConfig 选择 worker 的实现。offline 使用确定性的本地实现。
type LLMConfig struct {
	Provider     string             `json:"provider" yaml:"provider" toml:"provider"`
	ContextDepth int                `json:"context_depth" yaml:"context_depth" toml:"context_depth"`
	OpenAI       OpenAIConfig       `json:"openai" yaml:"openai" toml:"openai"`
	Python       PythonBridgeConfig `json:"python_bridge" yaml:"python_bridge" toml:"python_bridge"`
	Knowledge    KnowledgeConfig    `json:"knowledge" yaml:"knowledge" toml:"knowledge"`
}

// KnowledgeConfig 指向研究阶段使用的本地资料库文件（JSON 或 YAML）。
type KnowledgeConfig struct {
	Path       string `json:"path" yaml:"path" toml:"path"`
	MaxResults int    `json:"max_results" yaml:"max_results" toml:"max_results"`
}

// PythonBridgeConfig 描述通过 Python 脚本完成推理时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string   `json:"python_executable" yaml:"python_executable" toml:"python_executable"`
	ScriptPath       string   `json:"script_path" yaml:"script_path" toml:"script_path"`
	WorkingDir       string   `json:"working_dir" yaml:"working_dir" toml:"working_dir"`
	Env              []string `json:"env" yaml:"env" toml:"env"`
}

// OpenAIConfig 描述 OpenAI 兼容服务。
type OpenAIConfig struct {
	APIKey         string `json:"api_key" yaml:"api_key" toml:"api_key"`
	APIKeyEnv      string `json:"api_key_env" yaml:"api_key_env" toml:"api_key_env"`
	BaseURL        string `json:"base_url" yaml:"base_url" toml:"base_url"`
	Model          string `json:"model" yaml:"model" toml:"model"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds" toml:"timeout_seconds"`
}

// Timeout 返回 HTTP 调用超时时间。
func (c OpenAIConfig) Timeout() time.Duration { return seconds(c.TimeoutSeconds) }

// ResolveAPIKey 优先使用显式配置的 key，其次读取 api_key_env 指定的环境变量。
func (c OpenAIConfig) ResolveAPIKey() string {
	if key := strings.TrimSpace(c.APIKey); key != "" {
		return key
	}
	if c.APIKeyEnv != "" {
		return strings.TrimSpace(os.Getenv(c.APIKeyEnv))
	}
	return ""
}

// EventsConfig 描述事件的外部投递。
type EventsConfig struct {
	AMQP   AMQPConfig   `json:"amqp" yaml:"amqp" toml:"amqp"`
	Alerts AlertsConfig `json:"alerts" yaml:"alerts" toml:"alerts"`
}

// AlertsConfig 描述告警投递。告警始终写入审计日志，配置 webhook_url 后额外推送。
type AlertsConfig struct {
	Enabled         bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	WebhookURL      string `json:"webhook_url" yaml:"webhook_url" toml:"webhook_url"`
	ThrottleSeconds int    `json:"throttle_seconds" yaml:"throttle_seconds" toml:"throttle_seconds"`
	TimeoutSeconds  int    `json:"timeout_seconds" yaml:"timeout_seconds" toml:"timeout_seconds"`
}

// Throttle 返回同一错误码两次告警之间的最小间隔。
func (c AlertsConfig) Throttle() time.Duration { return seconds(c.ThrottleSeconds) }

// Timeout 返回 webhook 请求超时。
func (c AlertsConfig) Timeout() time.Duration { return seconds(c.TimeoutSeconds) }

// AMQPConfig 描述 RabbitMQ 事件发布。
type AMQPConfig struct {
	Enabled               bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	URL                   string `json:"url" yaml:"url" toml:"url"`
	Exchange              string `json:"exchange" yaml:"exchange" toml:"exchange"`
	Durable               bool   `json:"durable" yaml:"durable" toml:"durable"`
	PublishTimeoutSeconds int    `json:"publish_timeout_seconds" yaml:"publish_timeout_seconds" toml:"publish_timeout_seconds"`
}

// PublishTimeout 返回单条事件的发布超时。
func (c AMQPConfig) PublishTimeout() time.Duration { return seconds(c.PublishTimeoutSeconds) }

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir" toml:"data_dir"`
}

// Default 返回未加载任何文件时的配置。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults("")
	return cfg
}

// Load 解析指定路径的配置文件，按扩展名选择 YAML、TOML 或 JSON。
// 路径为空时只使用默认值与环境变量。
func Load(path string) (*Config, error) {
	cfg := &Config{}
	baseDir := ""
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := decode(path, content, cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
		baseDir = filepath.Dir(path)
		if abs, err := filepath.Abs(baseDir); err == nil {
			baseDir = abs
		}
	}

	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, content []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(content))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	case ".toml":
		meta, err := toml.Decode(string(content), cfg)
		if err != nil {
			return err
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("未知的配置项: %v", undecoded)
		}
		return nil
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(content))
		dec.DisallowUnknownFields()
		return dec.Decode(cfg)
	default:
		return fmt.Errorf("不支持的配置文件格式: %s", filepath.Ext(path))
	}
}

// applyEnv 用环境变量覆盖部署相关与敏感字段。
func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("RESEARCH_SERVER_ADDR"); v != "" {
		c.Server.Address = v
	}
	if v := getenv("RESEARCH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := getenv("RESEARCH_REDIS_ADDR"); v != "" {
		c.Store.Driver = "redis"
		c.Store.Redis.Address = v
		if c.Tasks.Queue.Redis.Address == "" {
			c.Tasks.Queue.Redis.Address = v
		}
	}
	if v := getenv("RESEARCH_REDIS_PASSWORD"); v != "" {
		c.Store.Redis.Password = v
		if c.Tasks.Queue.Redis.Password == "" {
			c.Tasks.Queue.Redis.Password = v
		}
	}
	if v := getenv("RESEARCH_QUEUE_DRIVER"); v != "" {
		c.Tasks.Queue.Driver = v
	}
	if v := getenv("RESEARCH_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Tasks.Workers = n
		}
	}
	if v := getenv("RESEARCH_REPOSITORY_DRIVER"); v != "" {
		c.Repository.Driver = v
	}
	if v := getenv("RESEARCH_REPOSITORY_DSN"); v != "" {
		c.Repository.DSN = v
	}
	if v := getenv("RESEARCH_OPENAI_API_KEY"); v != "" {
		c.LLM.Provider = "openai"
		c.LLM.OpenAI.APIKey = v
	}
	if v := getenv("RESEARCH_AMQP_URL"); v != "" {
		c.Events.AMQP.Enabled = true
		c.Events.AMQP.URL = v
	}
	if v := getenv("RESEARCH_ALERT_WEBHOOK_URL"); v != "" {
		c.Events.Alerts.Enabled = true
		c.Events.Alerts.WebhookURL = v
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadHeaderTimeoutSeconds <= 0 {
		c.Server.ReadHeaderTimeoutSeconds = 5
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 10
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if len(c.Logging.Outputs) == 0 {
		c.Logging.Outputs = []string{"stdout"}
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}

	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Store.Redis.Namespace == "" {
		c.Store.Redis.Namespace = "memory:"
	}
	if c.Store.CooldownSeconds <= 0 {
		c.Store.CooldownSeconds = 30
	}
	if c.Store.SweepIntervalSeconds == 0 {
		c.Store.SweepIntervalSeconds = 60
	}

	if c.Session.TTLSeconds <= 0 {
		c.Session.TTLSeconds = 3600
	}

	if c.Tasks.Workers <= 0 {
		c.Tasks.Workers = 4
	}
	c.Tasks.Queue.Driver = strings.ToLower(strings.TrimSpace(c.Tasks.Queue.Driver))
	if c.Tasks.Queue.Driver == "" {
		c.Tasks.Queue.Driver = "memory"
	}
	if c.Tasks.Queue.Size <= 0 {
		c.Tasks.Queue.Size = 1024
	}
	if c.Tasks.Queue.Redis.Address == "" {
		c.Tasks.Queue.Redis.Address = c.Store.Redis.Address
	}
	if c.Tasks.Queue.Redis.Queue == "" {
		c.Tasks.Queue.Redis.Queue = "research:tasks"
	}
	if c.Tasks.Queue.Redis.BlockWaitSeconds <= 0 {
		c.Tasks.Queue.Redis.BlockWaitSeconds = 5
	}

	c.Repository.Driver = strings.ToLower(strings.TrimSpace(c.Repository.Driver))
	if c.Repository.Driver == "" {
		c.Repository.Driver = "sqlite"
	}
	if c.Repository.Driver == "sqlite" && c.Repository.DSN == "" {
		c.Repository.DSN = filepath.Join(c.Runtime.DataDir, "research.db")
	}

	if c.Pipeline.StageTimeoutSeconds <= 0 {
		c.Pipeline.StageTimeoutSeconds = 60
	}
	if c.Pipeline.MaxRetries < 0 {
		c.Pipeline.MaxRetries = 0
	}
	if c.Pipeline.BackoffMillis <= 0 {
		c.Pipeline.BackoffMillis = 500
	}

	c.LLM.Provider = strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	if c.LLM.Provider == "" {
		c.LLM.Provider = "offline"
	}
	if c.LLM.ContextDepth <= 0 {
		c.LLM.ContextDepth = 5
	}
	if c.LLM.Knowledge.Path != "" && !filepath.IsAbs(c.LLM.Knowledge.Path) {
		c.LLM.Knowledge.Path = filepath.Join(baseDir, c.LLM.Knowledge.Path)
	}
	if c.LLM.Knowledge.MaxResults <= 0 {
		c.LLM.Knowledge.MaxResults = 3
	}
	if c.LLM.OpenAI.TimeoutSeconds <= 0 {
		c.LLM.OpenAI.TimeoutSeconds = 60
	}
	if c.LLM.Python.PythonExecutable == "" {
		c.LLM.Python.PythonExecutable = "python3"
	}
	if c.LLM.Python.WorkingDir == "" {
		c.LLM.Python.WorkingDir = baseDir
	} else if !filepath.IsAbs(c.LLM.Python.WorkingDir) {
		c.LLM.Python.WorkingDir = filepath.Join(baseDir, c.LLM.Python.WorkingDir)
	}

	if c.Events.AMQP.Exchange == "" {
		c.Events.AMQP.Exchange = "research.events"
	}
	if c.Events.AMQP.PublishTimeoutSeconds <= 0 {
		c.Events.AMQP.PublishTimeoutSeconds = 5
	}
	if c.Events.Alerts.ThrottleSeconds <= 0 {
		c.Events.Alerts.ThrottleSeconds = 60
	}
	if c.Events.Alerts.TimeoutSeconds <= 0 {
		c.Events.Alerts.TimeoutSeconds = 5
	}
}

// Validate 检查配置是否自洽，返回的错误汇总了全部问题。
func (c *Config) Validate() error {
	var problems []error
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(c.Server.Address) == "" {
		add("server.address 不能为空")
	}
	switch c.Store.Driver {
	case "memory":
	case "redis":
		if c.Store.Redis.Address == "" {
			add("store.redis.address 不能为空")
		}
	default:
		add("未知的 store.driver: %s", c.Store.Driver)
	}
	if c.Tasks.Workers <= 0 {
		add("tasks.workers 必须大于 0")
	}
	switch c.Tasks.Queue.Driver {
	case "memory":
	case "redis":
		if c.Tasks.Queue.Redis.Address == "" {
			add("tasks.queue.redis.address 不能为空")
		}
	default:
		add("未知的 tasks.queue.driver: %s", c.Tasks.Queue.Driver)
	}
	switch c.Repository.Driver {
	case "none":
	case "sqlite", "mysql":
		if c.Repository.DSN == "" {
			add("repository.dsn 不能为空")
		}
	default:
		add("未知的 repository.driver: %s", c.Repository.Driver)
	}
	for stage := range c.Pipeline.Fallbacks {
		switch stage {
		case "research", "writing", "analysis":
		default:
			add("未知的 pipeline.fallbacks 阶段: %s", stage)
		}
	}
	switch c.LLM.Provider {
	case "offline":
	case "openai":
		if c.LLM.OpenAI.ResolveAPIKey() == "" {
			add("openai provider 需要配置 api_key 或 api_key_env")
		}
	case "python_bridge":
		if c.LLM.Python.ScriptPath == "" {
			add("python_bridge provider 需要配置 script_path")
		}
	default:
		add("未知的 llm.provider: %s", c.LLM.Provider)
	}
	if c.Events.AMQP.Enabled && c.Events.AMQP.URL == "" {
		add("events.amqp.url 不能为空")
	}

	if len(problems) == 0 {
		return nil
	}
	return xerrors.Wrap(xerrors.CodeInvalidArgument, errors.Join(problems...), "配置校验失败")
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }
