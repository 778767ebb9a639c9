package api

import (
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"LedgerFlow/internal/auth"
	xerrors "LedgerFlow/internal/errors"
	"LedgerFlow/internal/flow"
	"LedgerFlow/internal/recovery"
	"LedgerFlow/internal/run"
	"LedgerFlow/pkg/logger"

	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 1 << 20

type submitRunRequest struct {
	ID        string          `json:"id"`
	Benchmark *bool           `json:"benchmark"`
	Plan      json.RawMessage `json:"plan"`
}

type resumeRequest struct {
	Response string `json:"response"`
}

type listRunsResponse struct {
	Runs  []*run.Run `json:"runs"`
	Stats run.Stats  `json:"stats"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type router struct {
	deps   Deps
	logger *slog.Logger
}

// NewRouter 构造 HTTP 路由。
func NewRouter(deps Deps) http.Handler {
	log := deps.Logger
	if log == nil {
		log = logger.Named("api")
	}
	h := &router{deps: deps, logger: log}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(observeMiddleware(log, deps.Metrics))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	r.Route("/runs", func(runs chi.Router) {
		runs.Use(deps.Auth.Middleware(auth.MiddlewareConfig{
			RequiredPermissions: map[string][]string{
				http.MethodGet:  {auth.PermRunsRead},
				http.MethodPost: {auth.PermRunsWrite},
			},
			AuditEvent: "runs",
		}))
		runs.Post("/", h.submitRun)
		runs.Get("/", h.listRuns)
		runs.Get("/{id}", h.getRun)
		runs.Post("/{id}/resume", h.resumeRun)
	})
	r.With(deps.Auth.Middleware(auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{"*": {auth.PermResultsRead}},
		AuditEvent:          "results",
	})).Get("/results", h.listResults)
	return r
}

func (h *router) submitRun(w http.ResponseWriter, r *http.Request) {
	if h.deps.Runs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "运行服务未初始化"))
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取请求体失败"))
		return
	}

	req := run.SubmitRequest{Benchmark: h.deps.Benchmark}
	if isYAML(r.Header.Get("Content-Type")) {
		req.Plan, err = flow.ParsePlan(body)
		req.ID = r.URL.Query().Get("id")
	} else {
		var payload submitRunRequest
		if err = json.Unmarshal(body, &payload); err != nil {
			writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
			return
		}
		if len(payload.Plan) == 0 {
			writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少 plan 字段"))
			return
		}
		req.ID = payload.ID
		if payload.Benchmark != nil {
			req.Benchmark = *payload.Benchmark
		}
		// 计划沿用文件格式，JSON 是 YAML 的子集。
		req.Plan, err = flow.ParsePlan(payload.Plan)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	created, err := h.deps.Runs.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

func (h *router) listRuns(w http.ResponseWriter, r *http.Request) {
	if h.deps.Runs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "运行服务未初始化"))
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	runs, err := h.deps.Runs.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := h.deps.Runs.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	for _, item := range runs {
		item.Plan = nil
	}
	writeJSON(w, http.StatusOK, listRunsResponse{Runs: runs, Stats: stats})
}

func (h *router) getRun(w http.ResponseWriter, r *http.Request) {
	if h.deps.Runs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "运行服务未初始化"))
		return
	}
	item, err := h.deps.Runs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *router) resumeRun(w http.ResponseWriter, r *http.Request) {
	if h.deps.Runs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "运行服务未初始化"))
		return
	}
	var req resumeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	resp, err := recovery.ParseResponse(req.Response)
	if err != nil {
		writeError(w, err)
		return
	}
	item, err := h.deps.Runs.Resume(r.Context(), chi.URLParam(r, "id"), resp)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, item)
}

func (h *router) listResults(w http.ResponseWriter, r *http.Request) {
	if h.deps.Results == nil {
		writeJSON(w, http.StatusOK, []*flow.TestResult{})
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	results, err := h.deps.Results.ListLatest(r.Context(), limit)
	if err != nil {
		h.logger.Error("读取评测结果失败", slog.Any("error", err))
		writeError(w, err)
		return
	}
	if results == nil {
		results = []*flow.TestResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

func parseListOptions(r *http.Request) ([]run.ListOption, error) {
	q := r.URL.Query()
	var opts []run.ListOption

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("limit 参数无效: %q", raw))
		}
		opts = append(opts, run.WithLimit(limit))
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("offset 参数无效: %q", raw))
		}
		opts = append(opts, run.WithOffset(offset))
	}
	if raw := q.Get("status"); raw != "" {
		var statuses []run.Status
		for _, part := range strings.Split(raw, ",") {
			status := run.Status(strings.ToLower(strings.TrimSpace(part)))
			if status == "" {
				continue
			}
			if !run.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的运行状态: %q", part))
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, run.WithStatuses(statuses...))
	}
	if raw := q.Get("flow_id"); raw != "" {
		opts = append(opts, run.WithFlowID(raw))
	}
	if raw := q.Get("q"); raw != "" {
		opts = append(opts, run.WithQuery(raw))
	}
	if raw := q.Get("order"); raw != "" {
		switch strings.ToLower(raw) {
		case "asc":
			opts = append(opts, run.WithSortOrder(run.SortByUpdatedAsc))
		case "desc":
			opts = append(opts, run.WithSortOrder(run.SortByUpdatedDesc))
		default:
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("order 参数无效: %q", raw))
		}
	}
	for key, apply := range map[string]func(time.Time) run.ListOption{
		"since": run.WithUpdatedSince,
		"until": run.WithUpdatedUntil,
	} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("%s 参数需要 RFC3339 时间", key))
		}
		opts = append(opts, apply(ts))
	}
	if raw := q.Get("has_result"); raw != "" {
		has, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("has_result 参数无效: %q", raw))
		}
		opts = append(opts, run.WithResultPresence(has))
	}
	return opts, nil
}

func isYAML(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.Contains(mediaType, "yaml")
}

func statusFor(err error) int {
	code := xerrors.CodeOf(err)
	switch code {
	case xerrors.CodeInvalidArgument, xerrors.CodeUnresolvedPlaceholder, run.CodeRunValidation:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, run.CodeRunNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, run.CodeRunConflict, run.CodeRunCompleted:
		return http.StatusConflict
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	}
	if stdErrors.Is(err, run.ErrRunNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Code: string(xerrors.CodeOf(err)), Message: err.Error()}
	if e, ok := xerrors.From(err); ok {
		body.Message = e.Message()
	}
	writeJSON(w, statusFor(err), map[string]errorBody{"error": body})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
