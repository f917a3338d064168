package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	xerrors "SoroTask/internal/errors"
	"SoroTask/internal/task"
	"SoroTask/pkg/logger"
)

// TaskService 定义 API 依赖的任务能力，由 task.Engine 实现。
type TaskService interface {
	Register(ctx context.Context, id uint64, t *task.Task) error
	GetTask(ctx context.Context, id uint64) (*task.Task, error)
	List(ctx context.Context, opts ...task.ListOption) ([]task.Record, error)
	Execute(ctx context.Context, id uint64) (task.Outcome, error)
	Monitor(ctx context.Context) error
}

// Triggerer 将执行请求投递到队列。
type Triggerer interface {
	Trigger(ctx context.Context, id uint64) error
}

// HTTPMetrics 记录请求指标并暴露采集端点。
type HTTPMetrics interface {
	ObserveHTTPRequest(handler, method string, status int, duration time.Duration)
	Handler() http.Handler
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr     string
	tasks    TaskService
	trigger  Triggerer
	metrics  HTTPMetrics
	logger   *slog.Logger
	router   chi.Router
	shutdown time.Duration
}

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithTriggerer 启用异步触发接口。
func WithTriggerer(t Triggerer) Option {
	return func(s *Server) {
		s.trigger = t
	}
}

// WithMetrics 启用请求指标与 /metrics 端点。
func WithMetrics(m HTTPMetrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithShutdownTimeout 设置优雅退出的等待时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdown = d
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, tasks TaskService, opts ...Option) *Server {
	s := &Server{
		addr:     addr,
		tasks:    tasks,
		logger:   logger.Named("api"),
		shutdown: 5 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.router = s.routes()
	return s
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.observe, middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/tasks", s.handleListTasks)
		r.Put("/tasks/{id}", s.handleRegisterTask)
		r.Get("/tasks/{id}", s.handleTaskDetail)
		r.Post("/tasks/{id}/execute", s.handleExecuteTask)
		r.Post("/tasks/{id}/trigger", s.handleTriggerTask)
		r.Post("/monitor", s.handleMonitor)
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.router),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdown)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type registerResponse struct {
	ID uint64 `json:"id"`
}

func (s *Server) handleRegisterTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	var t task.Task
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		s.writeError(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	if strings.TrimSpace(t.Target) == "" || strings.TrimSpace(t.Function) == "" {
		s.writeError(w, r, xerrors.New(task.CodeTaskValidation, "target 与 function 不能为空"))
		return
	}
	if err := s.tasks.Register(r.Context(), id, &t); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, registerResponse{ID: id})
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	t, err := s.tasks.GetTask(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task.Record{ID: id, Task: t})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	records, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []task.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

type executeResponse struct {
	ID      uint64       `json:"id"`
	Outcome task.Outcome `json:"outcome"`
}

func (s *Server) handleExecuteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	outcome, err := s.tasks.Execute(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, executeResponse{ID: id, Outcome: outcome})
}

func (s *Server) handleTriggerTask(w http.ResponseWriter, r *http.Request) {
	if s.trigger == nil {
		s.writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "未启用执行队列"))
		return
	}
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	if err := s.trigger.Trigger(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, registerResponse{ID: id})
}

func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	if err := s.tasks.Monitor(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) taskID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		s.writeError(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("非法的任务 id %q", raw)))
		return 0, false
	}
	return id, true
}

func parseListOptions(r *http.Request) ([]task.ListOption, error) {
	query := r.URL.Query()
	var opts []task.ListOption
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "limit 必须是整数")
		}
		opts = append(opts, task.WithLimit(limit))
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "offset 必须是整数")
		}
		opts = append(opts, task.WithOffset(offset))
	}
	if target := query.Get("target"); target != "" {
		opts = append(opts, task.WithTarget(target))
	}
	if raw := query.Get("has_resolver"); raw != "" {
		has, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "has_resolver 必须是布尔值")
		}
		opts = append(opts, task.WithResolverPresence(has))
	}
	switch strings.ToLower(query.Get("order")) {
	case "", "asc":
	case "desc":
		opts = append(opts, task.WithSortOrder(task.SortByIDDesc))
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "order 只能是 asc 或 desc")
	}
	return opts, nil
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := xerrors.HTTPStatusOf(err)
	resp := errorResponse{Code: string(xerrors.CodeOf(err)), Message: err.Error()}
	if e, ok := xerrors.From(err); ok && e.Message() != "" {
		resp.Message = e.Message()
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("请求处理失败",
			slog.String("path", r.URL.Path),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.Any("error", err))
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// observe 按路由模板记录请求指标。
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		pattern := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			pattern = rctx.RoutePattern()
		}
		if s.metrics != nil {
			s.metrics.ObserveHTTPRequest(pattern, r.Method, status, time.Since(started))
		}
		s.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("route", pattern),
			slog.Int("status", status),
			slog.Duration("duration", time.Since(started)))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
