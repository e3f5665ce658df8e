package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	xerrors "Idolly-Chain/internal/errors"
	"Idolly-Chain/internal/registry"
	"Idolly-Chain/internal/workflow"
)

// handleAgents 处理智能体集合：创建与列表。
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateAgent(w, r)
	case http.MethodGet:
		s.handleListAgents(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req registry.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	agent, err := s.registry.Register(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.registry.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

// handleAgentDetail 分派 /api/v1/agents/{id}[/stop|/resume|/assets|/claims]。
func (s *Server) handleAgentDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/agents/")
	if rest == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少智能体标识"))
		return
	}
	id, action, _ := strings.Cut(rest, "/")

	switch action {
	case "":
		if r.Method != http.MethodGet {
			http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
			return
		}
		agent, err := s.registry.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, agent)
	case "stop":
		if r.Method != http.MethodPost {
			http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
			return
		}
		agent, err := s.registry.Deactivate(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, agent)
	case "resume":
		if r.Method != http.MethodPost {
			http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
			return
		}
		agent, err := s.registry.Resume(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, agent)
	case "assets":
		if r.Method != http.MethodGet {
			http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
			return
		}
		if s.catalog == nil {
			writeError(w, xerrors.New(xerrors.CodeNotFound, "资产目录未启用"))
			return
		}
		assets, err := s.catalog.ListAssetsByAgent(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, assets)
	case "stats":
		if r.Method != http.MethodGet {
			http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
			return
		}
		if _, err := s.registry.Get(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		stats, err := s.service.Stats(r.Context(), workflow.WithAgent(id))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	case "claims":
		if r.Method != http.MethodGet {
			http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
			return
		}
		if s.catalog == nil {
			writeError(w, xerrors.New(xerrors.CodeNotFound, "资产目录未启用"))
			return
		}
		claims, err := s.catalog.ListClaims(r.Context(), id, parseLimit(r, 20))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, claims)
	default:
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "未知操作: "+action))
	}
}

// handleTriggers 受理工作流触发。重复提交返回既有工作流而不是报错。
func (s *Server) handleTriggers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req workflow.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	record, err := s.service.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, record)
}

// handleWorkflows 按过滤条件返回工作流列表。
func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	opts := listOptionsFromQuery(r)
	records, err := s.service.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleWorkflowStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.service.Stats(r.Context(), listOptionsFromQuery(r)...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleWorkflowDetail 分派 /api/v1/workflows/{id}[/watch]。
func (s *Server) handleWorkflowDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/workflows/")
	if rest == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少工作流标识"))
		return
	}
	id, action, _ := strings.Cut(rest, "/")

	switch action {
	case "":
		record, err := s.service.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, record)
	case "watch":
		s.handleWorkflowWatch(w, r, id)
	default:
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "未知操作: "+action))
	}
}

// handleWorkflowWatch 以 SSE 推送工作流状态变化，直到工作流进入终态
// 或客户端断开。
func (s *Server) handleWorkflowWatch(w http.ResponseWriter, r *http.Request, id string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "不支持流式响应", http.StatusNotImplemented)
		return
	}

	record, err := s.service.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	updates, cancel, err := s.service.Watch(id)
	if err != nil {
		writeError(w, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// 先推一份当前快照，订阅建立前的历史不会重放。
	writeEvent(w, workflow.Update{
		WorkflowID: record.ID,
		AgentID:    record.AgentID,
		Type:       record.Type,
		Status:     record.Status,
		StepIndex:  record.StepIndex,
		ErrorCode:  record.ErrorCode,
		UpdatedAt:  record.UpdatedAt,
	})
	flusher.Flush()
	if record.Terminal() {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case update, open := <-updates:
			if !open {
				return
			}
			writeEvent(w, update)
			flusher.Flush()
			if workflow.IsTerminalStatus(update.Status) {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, update workflow.Update) {
	payload, err := json.Marshal(update)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

// listOptionsFromQuery 把查询参数翻译为列表过滤条件。
func listOptionsFromQuery(r *http.Request) []workflow.ListOption {
	query := r.URL.Query()
	opts := make([]workflow.ListOption, 0, 4)
	if agentID := query.Get("agent_id"); agentID != "" {
		opts = append(opts, workflow.WithAgent(agentID))
	}
	if raw := query.Get("type"); raw != "" {
		types := make([]workflow.Type, 0, 4)
		for _, value := range strings.Split(raw, ",") {
			types = append(types, workflow.Type(strings.TrimSpace(value)))
		}
		opts = append(opts, workflow.WithTypes(types...))
	}
	if raw := query.Get("status"); raw != "" {
		statuses := make([]workflow.Status, 0, 6)
		for _, value := range strings.Split(raw, ",") {
			statuses = append(statuses, workflow.Status(strings.TrimSpace(value)))
		}
		opts = append(opts, workflow.WithStatuses(statuses...))
	}
	if limit := parseLimit(r, 0); limit > 0 {
		opts = append(opts, workflow.WithLimit(limit))
	}
	if raw := query.Get("offset"); raw != "" {
		if offset, err := strconv.Atoi(raw); err == nil && offset > 0 {
			opts = append(opts, workflow.WithOffset(offset))
		}
	}
	return opts
}

func parseLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
		return parsed
	}
	return fallback
}
