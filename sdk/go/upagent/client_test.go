package upagent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRecommendAction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/recommend-action" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		var req RecommendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if req.Metrics == nil || req.Metrics.Followers != 2000 {
			t.Fatalf("metrics not forwarded: %+v", req.Metrics)
		}
		_ = json.NewEncoder(w).Encode(Recommendation{
			ActionID:    1,
			ActionName:  "Follow Profile",
			Observation: [3]float64{0.2, 0.1, 0.05},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	rec, err := client.RecommendAction(context.Background(), RecommendRequest{
		Metrics: &Metrics{Followers: 2000, Posts: 100, EngagementRate: 0.025},
	})
	if err != nil {
		t.Fatalf("recommend: %v", err)
	}
	if rec.ActionID != 1 || rec.ActionName != "Follow Profile" {
		t.Fatalf("unexpected recommendation: %+v", rec)
	}
}

func TestQueueActionSetsQueuedFlag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/execute-action" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		var payload struct {
			ActionID int  `json:"action_id"`
			Queued   bool `json:"queued"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if !payload.Queued {
			t.Fatal("queued flag must be set on the async path")
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(QueuedExecution{RequestID: "req-1", State: "queued"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	queued, err := client.QueueAction(context.Background(), ExecuteRequest{ActionID: 0, ContentCID: "QmX"})
	if err != nil {
		t.Fatalf("queue action: %v", err)
	}
	if queued.RequestID != "req-1" || queued.State != "queued" {
		t.Fatalf("unexpected acknowledgement: %+v", queued)
	}
}

func TestExecuteActionSurfacesFailedResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(ExecutionResult{
			ActionID:     0,
			ActionName:   "Make Post",
			State:        "failed",
			Attempts:     1,
			RevertReason: "NotAuthorised",
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	result, err := client.ExecuteAction(context.Background(), ExecuteRequest{ActionID: 0, ContentCID: "QmX"})
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("unexpected status: %d", apiErr.StatusCode)
	}
	if result.State != "failed" || result.RevertReason != "NotAuthorised" {
		t.Fatalf("terminal result not surfaced: %+v", result)
	}
}

func TestExecuteActionValidationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(struct {
			Code  string `json:"code"`
			Error string `json:"error"`
		}{Code: "INVALID_PARAMETERS", Error: "missing content cid"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	_, err := client.ExecuteAction(context.Background(), ExecuteRequest{ActionID: 0})
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != "INVALID_PARAMETERS" {
		t.Fatalf("unexpected error code: %s", apiErr.Code)
	}
}

func TestActionLogPassesLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/action-log" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("limit"); got != "5" {
			t.Fatalf("unexpected limit: %q", got)
		}
		_ = json.NewEncoder(w).Encode([]ExecutionResult{
			{ActionName: "Make Post", State: "confirmed"},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	entries, err := client.ActionLog(context.Background(), 5)
	if err != nil {
		t.Fatalf("action log: %v", err)
	}
	if len(entries) != 1 || entries[0].ActionName != "Make Post" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}
