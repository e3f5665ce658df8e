package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"Idolly-Chain/internal/catalog"
	xerrors "Idolly-Chain/internal/errors"
	"Idolly-Chain/internal/observability/metrics"
	"Idolly-Chain/internal/registry"
	"Idolly-Chain/internal/workflow"
)

// Server 负责暴露 REST 接口：智能体生命周期管理、工作流触发与状态订阅。
type Server struct {
	addr     string
	registry *registry.Registry
	service  *workflow.Service
	catalog  catalog.Store
}

// NewServer 构造 API 服务实例。catalog 可以为空，此时资产查询返回 404。
func NewServer(addr string, reg *registry.Registry, service *workflow.Service, cat catalog.Store) *Server {
	return &Server{addr: addr, registry: reg, service: service, catalog: cat}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Routes 返回完整的路由表，测试可以直接挂到 httptest 上。
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/agents", s.instrument("agents", s.handleAgents))
	mux.HandleFunc("/api/v1/agents/", s.instrument("agent_detail", s.handleAgentDetail))
	mux.HandleFunc("/api/v1/triggers", s.instrument("triggers", s.handleTriggers))
	mux.HandleFunc("/api/v1/workflows", s.instrument("workflows", s.handleWorkflows))
	mux.HandleFunc("/api/v1/workflows/stats", s.instrument("workflow_stats", s.handleWorkflowStats))
	mux.HandleFunc("/api/v1/workflows/", s.instrument("workflow_detail", s.handleWorkflowDetail))
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// instrument 包装处理器，记录请求级指标。
func (s *Server) instrument(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.written {
		r.status = status
		r.written = true
	}
	r.ResponseWriter.WriteHeader(status)
}

// Flush 透传给底层，SSE 推送依赖它。
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// handleHealth 汇总智能体数量与工作流统计，作为就绪探针。
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	agents, err := s.registry.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.service.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"agents":    len(agents),
		"workflows": stats,
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

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError 按错误码映射 HTTP 状态。
func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case xerrors.CodeInvalidArgument, workflow.CodeWorkflowValidation:
		status = http.StatusBadRequest
	case xerrors.CodeNotFound, workflow.CodeWorkflowNotFound:
		status = http.StatusNotFound
	case xerrors.CodeConflict, workflow.CodeWorkflowConflict:
		status = http.StatusConflict
	case xerrors.CodeInvalidState, xerrors.CodeInvalidTransition, xerrors.CodePolicyRejected:
		status = http.StatusUnprocessableEntity
	case xerrors.CodeAdmissionRejected:
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, errorBody{Code: string(code), Message: err.Error()})
}
