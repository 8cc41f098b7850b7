package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"UPAgent-Chain/internal/action"
	"UPAgent-Chain/internal/actionlog"
	"UPAgent-Chain/internal/dispatch"
	xerrors "UPAgent-Chain/internal/errors"
	"UPAgent-Chain/internal/metrics"
	obsmetrics "UPAgent-Chain/internal/observability/metrics"
	"UPAgent-Chain/internal/recommend"
	"UPAgent-Chain/internal/targets"

	"github.com/ethereum/go-ethereum/common"
)

// Server 负责暴露 REST 接口，供外部驱动代理推荐与执行动作。
type Server struct {
	addr        string
	recommender *recommend.Service
	runner      dispatch.Runner
	dispatcher  *dispatch.Dispatcher
	log         *actionlog.Log
	profile     common.Address
	targets     targets.Provider
}

// NewServer 构造 API 服务实例。dispatcher 与 targets 可以为空，
// 对应的接口返回 503。
func NewServer(addr string, recommender *recommend.Service, runner dispatch.Runner, dispatcher *dispatch.Dispatcher, log *actionlog.Log, profile common.Address, provider targets.Provider) *Server {
	return &Server{
		addr:        addr,
		recommender: recommender,
		runner:      runner,
		dispatcher:  dispatcher,
		log:         log,
		profile:     profile,
		targets:     provider,
	}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
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

// Handler 返回完整路由，测试可直接挂到 httptest 上。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/recommend-action", s.instrument("recommend-action", s.handleRecommend))
	mux.HandleFunc("/api/v1/execute-action", s.instrument("execute-action", s.handleExecute))
	mux.HandleFunc("/api/v1/action-log", s.instrument("action-log", s.handleActionLog))
	mux.HandleFunc("/api/v1/targets", s.instrument("targets", s.handleTargets))
	mux.Handle("/metrics", obsmetrics.Handler())
	return mux
}

// recommendRequest 是推荐接口的请求体。metrics 缺省时从链上读取。
type recommendRequest struct {
	Profile string `json:"profile"`
	Explore bool   `json:"explore"`
	Metrics *struct {
		Followers      float64 `json:"followers"`
		Posts          float64 `json:"posts"`
		EngagementRate float64 `json:"engagement_rate"`
	} `json:"metrics"`
}

func (s *Server) handleRecommend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.recommender == nil {
		http.Error(w, "推荐服务未初始化", http.StatusServiceUnavailable)
		return
	}

	var req recommendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	profile := s.profile
	if req.Profile != "" {
		if !common.IsHexAddress(req.Profile) {
			writeError(w, xerrors.New(xerrors.CodeInvalidParameters, "档案地址格式不合法"))
			return
		}
		profile = common.HexToAddress(req.Profile)
	}

	var raw *metrics.Raw
	if req.Metrics != nil {
		raw = &metrics.Raw{
			Followers:      req.Metrics.Followers,
			Posts:          req.Metrics.Posts,
			EngagementRate: req.Metrics.EngagementRate,
		}
	}

	rec, err := s.recommender.Recommend(r.Context(), profile, raw, req.Explore)
	if err != nil {
		writeError(w, err)
		return
	}
	obsmetrics.ObserveRecommendation(rec.ActionName)
	writeJSON(w, http.StatusOK, rec)
}

// executeRequest 是执行接口的请求体。queued=true 时走异步队列，
// 仅返回请求 ID；否则同步等待终态。
type executeRequest struct {
	ActionID  int    `json:"action_id"`
	Profile   string `json:"profile"`
	Target    string `json:"target"`
	Content   string `json:"content_cid"`
	AmountWei string `json:"amount_wei"`
	Queued    bool   `json:"queued"`
}

// queuedResponse 是异步路径的响应。
type queuedResponse struct {
	RequestID string `json:"request_id"`
	State     string `json:"state"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	profile := req.Profile
	if profile == "" && s.profile != (common.Address{}) {
		profile = s.profile.Hex()
	}
	built, err := action.Build(action.ID(req.ActionID), action.Params{
		Profile:    profile,
		Target:     req.Target,
		ContentCID: req.Content,
		AmountWei:  req.AmountWei,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if req.Queued {
		if s.dispatcher == nil {
			http.Error(w, "异步执行未启用", http.StatusServiceUnavailable)
			return
		}
		id, err := s.dispatcher.Enqueue(r.Context(), built)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, queuedResponse{RequestID: id, State: "queued"})
		return
	}

	if s.runner == nil {
		http.Error(w, "执行器未初始化", http.StatusServiceUnavailable)
		return
	}
	result, err := s.runner.Execute(r.Context(), built)
	if s.log != nil {
		s.log.Append(result)
	}
	obsmetrics.ObserveExecution(result.ActionName, string(result.State))
	if err != nil {
		// 终态结果随错误一起返回，客户端可以读取尝试次数与回滚原因。
		writeJSON(w, statusOf(err), result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleActionLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.log == nil {
		http.Error(w, "行为日志未启用", http.StatusServiceUnavailable)
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	writeJSON(w, http.StatusOK, s.log.Recent(limit))
}

func (s *Server) handleTargets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.targets == nil {
		http.Error(w, "目标档案目录未启用", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.targets.Candidates(r.URL.Query().Get("tag")))
}

// instrument 为处理函数加上指标采集。
func (s *Server) instrument(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, r)
		obsmetrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// errorResponse 是错误响应体。
type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), errorResponse{
		Code:  string(xerrors.CodeOf(err)),
		Error: err.Error(),
	})
}

// statusOf 将统一错误码映射到 HTTP 状态码。
func statusOf(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidParameters:
		return http.StatusBadRequest
	case xerrors.CodeConflictingExecution:
		return http.StatusConflict
	case xerrors.CodeMetricsUnavailable:
		return http.StatusServiceUnavailable
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeSubmission, xerrors.CodeExecutionReverted:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
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
