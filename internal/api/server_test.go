package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"UPAgent-Chain/internal/action"
	"UPAgent-Chain/internal/actionlog"
	xerrors "UPAgent-Chain/internal/errors"
	"UPAgent-Chain/internal/executor"
	"UPAgent-Chain/internal/policy"
	"UPAgent-Chain/internal/recommend"
	"UPAgent-Chain/internal/targets"

	"github.com/ethereum/go-ethereum/common"
)

var apiProfile = common.HexToAddress("0x1111111111111111111111111111111111111111")

type stubRunner struct {
	err   error
	calls int
}

func (s *stubRunner) Execute(_ context.Context, req action.Request) (executor.Result, error) {
	s.calls++
	result := executor.Result{
		Action:     req.Action(),
		ActionName: action.NameOf(req.Action()),
		Profile:    req.Profile(),
		State:      executor.StateConfirmed,
		TxHash:     common.HexToHash("0x05"),
		Attempts:   1,
		FinishedAt: time.Now(),
	}
	if s.err != nil {
		result.State = executor.StateFailed
		result.Err = s.err.Error()
		return result, s.err
	}
	return result, nil
}

func testServer(t *testing.T, runner *stubRunner) *Server {
	t.Helper()
	// 偏向动作 1 的策略，贪心推荐应稳定给出 Follow Profile。
	art := policy.NewArtifact(10)
	for s := 0; s < len(art.Values)/art.ActionDims; s++ {
		art.Values[s*art.ActionDims+1] = 1.0
	}
	session := policy.NewSessionWithSeed(art, policy.EpsilonSchedule{}, 1)
	recommender, err := recommend.NewService(session, nil)
	if err != nil {
		t.Fatalf("recommender setup failed: %v", err)
	}
	catalog := targets.NewCatalog([]targets.Profile{
		{Address: "0x2222222222222222222222222222222222222222", Name: "Creator Hub", Tags: []string{"creator"}, Priority: 10},
	}, 3)
	return NewServer(":0", recommender, runner, nil, actionlog.New(16), apiProfile, catalog)
}

func TestRecommendEndpoint(t *testing.T) {
	server := testServer(t, &stubRunner{})
	body := `{"metrics":{"followers":2000,"posts":100,"engagement_rate":0.025}}`

	req := httptest.NewRequest(http.MethodPost, "/api/v1/recommend-action", strings.NewReader(body))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		ActionID   int    `json:"action_id"`
		ActionName string `json:"action_name"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if payload.ActionID != 1 || payload.ActionName != "Follow Profile" {
		t.Fatalf("unexpected recommendation: %+v", payload)
	}
}

func TestExecuteEndpointSync(t *testing.T) {
	runner := &stubRunner{}
	server := testServer(t, runner)
	body := `{"action_id":0,"content_cid":"QmHello"}`

	req := httptest.NewRequest(http.MethodPost, "/api/v1/execute-action", strings.NewReader(body))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	if runner.calls != 1 {
		t.Fatalf("expected one execution, got %d", runner.calls)
	}
	var result executor.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if result.State != executor.StateConfirmed {
		t.Fatalf("expected confirmed result, got %s", result.State)
	}
}

func TestExecuteEndpointRejectsBadParameters(t *testing.T) {
	runner := &stubRunner{}
	server := testServer(t, runner)
	// 奖励动作缺少 target 与 amount。
	body := `{"action_id":2}`

	req := httptest.NewRequest(http.MethodPost, "/api/v1/execute-action", strings.NewReader(body))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if runner.calls != 0 {
		t.Fatalf("invalid request must not reach the executor")
	}
}

func TestExecuteEndpointMapsConflictTo409(t *testing.T) {
	runner := &stubRunner{err: xerrors.New(xerrors.CodeConflictingExecution, "档案已有执行在途")}
	server := testServer(t, runner)
	body := `{"action_id":0,"content_cid":"QmHello"}`

	req := httptest.NewRequest(http.MethodPost, "/api/v1/execute-action", strings.NewReader(body))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestActionLogEndpoint(t *testing.T) {
	runner := &stubRunner{}
	server := testServer(t, runner)

	// 先执行一次，再读取日志。
	exec := httptest.NewRequest(http.MethodPost, "/api/v1/execute-action",
		strings.NewReader(`{"action_id":0,"content_cid":"QmHello"}`))
	server.Handler().ServeHTTP(httptest.NewRecorder(), exec)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/action-log?limit=5", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var entries []executor.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(entries) != 1 || entries[0].ActionName != "Make Post" {
		t.Fatalf("unexpected log entries: %+v", entries)
	}
}

func TestActionLogRecordsFailedExecution(t *testing.T) {
	runner := &stubRunner{err: xerrors.New(xerrors.CodeExecutionReverted, "交易被链上回滚")}
	server := testServer(t, runner)

	exec := httptest.NewRequest(http.MethodPost, "/api/v1/execute-action",
		strings.NewReader(`{"action_id":0,"content_cid":"QmHello"}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, exec)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}

	// 失败的执行同样要留下一条终态日志。
	req := httptest.NewRequest(http.MethodGet, "/api/v1/action-log?limit=5", nil)
	logRec := httptest.NewRecorder()
	server.Handler().ServeHTTP(logRec, req)

	var entries []executor.Result
	if err := json.Unmarshal(logRec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(entries) != 1 || entries[0].State != executor.StateFailed {
		t.Fatalf("failed attempt missing from log: %+v", entries)
	}
}

func TestTargetsEndpoint(t *testing.T) {
	server := testServer(t, &stubRunner{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/targets?tag=creator", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var profiles []targets.Profile
	if err := json.Unmarshal(rec.Body.Bytes(), &profiles); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(profiles) != 1 || profiles[0].Name != "Creator Hub" {
		t.Fatalf("unexpected candidates: %+v", profiles)
	}
}

func TestMetricsEndpointServesPrometheusText(t *testing.T) {
	server := testServer(t, &stubRunner{})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "upagent_http_requests_total") {
		t.Fatalf("metrics output missing counters: %s", rec.Body.String())
	}
}
