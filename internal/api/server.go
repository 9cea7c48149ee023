package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/moix-hash/research-agent-system/internal/coordinator"
	xerrors "github.com/moix-hash/research-agent-system/internal/errors"
	"github.com/moix-hash/research-agent-system/internal/observability/metrics"
	"github.com/moix-hash/research-agent-system/internal/session"
	"github.com/moix-hash/research-agent-system/internal/task"
	"github.com/moix-hash/research-agent-system/pkg/logger"
)

const (
	defaultListLimit   = 20
	maxListLimit       = 200
	maxRequestBodySize = 1 << 20
)

// Server 负责暴露 REST 接口，供外部提交与跟踪研究任务。
type Server struct {
	addr              string
	coord             *coordinator.Coordinator
	metrics           *metrics.Collector
	readHeaderTimeout time.Duration
	shutdownTimeout   time.Duration
	log               *slog.Logger
}

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithMetrics 挂载 /metrics 并记录请求指标。
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) { s.metrics = c }
}

// WithTimeouts 设置读取请求头与优雅关闭的超时时间。
func WithTimeouts(readHeader, shutdown time.Duration) Option {
	return func(s *Server) {
		if readHeader > 0 {
			s.readHeaderTimeout = readHeader
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, coord *coordinator.Coordinator, opts ...Option) *Server {
	s := &Server{
		addr:              addr,
		coord:             coord,
		readHeaderTimeout: 5 * time.Second,
		shutdownTimeout:   5 * time.Second,
		log:               logger.Component("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回挂载了全部路由的 chi 路由器。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/research", s.handleSubmit)
		r.Get("/status", s.handleStatus)
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Get("/{id}", s.handleTaskDetail)
			r.Delete("/{id}", s.handlePurgeTask)
			r.Post("/{id}/cancel", s.handleCancelTask)
		})
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.readHeaderTimeout,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP 服务启动", slog.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("HTTP 服务关闭超时", slog.Any("error", err))
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type submitResponse struct {
	TaskID string      `json:"task_id"`
	Status task.Status `json:"status"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req coordinator.SubmitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err := dec.Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}

	id, err := s.coord.Submit(r.Context(), req)
	if err != nil {
		if id != "" {
			writeJSON(w, statusFor(err), map[string]any{
				"task_id": id,
				"status":  task.StatusFailed,
				"error":   errorBody(err),
			})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{TaskID: id, Status: task.StatusPending})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	tasks, err := s.coord.ListTasks(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	t, err := s.coord.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.coord.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, t)
}

func (s *Server) handlePurgeTask(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.Purge(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.SystemStatus(r.Context()))
}

// handleHealth 在存储降级时仍返回 200，降级只体现在响应体中。
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.coord.SystemStatus(r.Context())
	state := "ok"
	if !status.Healthy() {
		state = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         state,
		"store_degraded": status.StoreDegraded,
		"checked_at":     status.CheckedAt,
	})
}

// parseListOptions 解析 limit、offset、status、session_id、q、order、since、until 查询参数。
func parseListOptions(r *http.Request) ([]task.ListOption, error) {
	query := r.URL.Query()
	limit := defaultListLimit
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须是正整数")
		}
		limit = min(parsed, maxListLimit)
	}
	opts := []task.ListOption{task.WithLimit(limit)}

	if raw := query.Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "offset 必须是非负整数")
		}
		opts = append(opts, task.WithOffset(parsed))
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.ToLower(strings.TrimSpace(part)))
			if !task.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的任务状态",
					xerrors.WithMetadata("status", part))
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if raw := query.Get("session_id"); raw != "" {
		opts = append(opts, task.WithSession(raw))
	}
	if raw := query.Get("q"); raw != "" {
		opts = append(opts, task.WithQuery(raw))
	}
	if strings.EqualFold(query.Get("order"), "asc") {
		opts = append(opts, task.WithSortOrder(task.SortByCreatedAsc))
	}
	for key, apply := range map[string]func(time.Time) task.ListOption{
		"since": task.WithCreatedSince,
		"until": task.WithCreatedUntil,
	} {
		raw := query.Get(key)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, key+" 必须是 RFC3339 时间")
		}
		opts = append(opts, apply(ts))
	}
	return opts, nil
}

// statusFor 将错误码映射为 HTTP 状态码。
func statusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case task.CodeTaskNotFound, session.CodeSessionNotFound, xerrors.CodeNotFound:
		return http.StatusNotFound
	case task.CodeTaskValidation, xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case task.CodeTaskConflict, task.CodeTaskTerminal, xerrors.CodeConflict:
		return http.StatusConflict
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	case xerrors.CodeCanceled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) map[string]any {
	body := map[string]any{
		"code":    xerrors.CodeOf(err),
		"message": xerrors.MessageOf(err),
	}
	if coded, ok := xerrors.From(err); ok {
		if meta := coded.Metadata(); len(meta) > 0 {
			body["metadata"] = meta
		}
	}
	return body
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]any{"error": errorBody(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
