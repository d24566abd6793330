package monad

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewClientRejectsRelativeURL(t *testing.T) {
	if _, err := NewClient("localhost:8080", nil); err == nil {
		t.Fatal("expected error for url without scheme")
	}
}

func TestSubmitTaskSendsSpecAndToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tasks" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Fatalf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		var spec TaskSpec
		if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if spec.Type != "sequential" || len(spec.Subtasks) != 2 || spec.Subtasks[0].Params["amount"] != "0.1" {
			t.Fatalf("unexpected spec: %+v", spec)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(Job{ID: "job-1", Spec: spec, Status: StatusPending, MaxRetries: 3})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetAccessToken("token")

	job, err := client.SubmitTask(context.Background(), TaskSpec{
		Type:   "sequential",
		Wallet: "alice",
		Subtasks: []TaskSpec{
			{Type: "native_transfer", Params: map[string]any{"to": "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23", "amount": "0.1"}},
			{Type: "balance"},
		},
	})
	if err != nil {
		t.Fatalf("submit task: %v", err)
	}
	if job.ID != "job-1" || job.Status != StatusPending || job.Done() {
		t.Fatalf("unexpected job: %+v", job)
	}
}

func TestGetTaskError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/tasks/job-404" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(APIError{Code: "JOB_NOT_FOUND", Message: "missing"})
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.GetTask(context.Background(), "job-404")
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != "JOB_NOT_FOUND" || !IsNotFound(err) {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestWaitTaskPollsUntilDone(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := StatusRunning
		if calls.Add(1) >= 3 {
			status = StatusSucceeded
		}
		_ = json.NewEncoder(w).Encode(Job{
			ID:     "job-1",
			Status: status,
			Result: &TaskResult{TaskName: "native_transfer", Status: "success", TxHash: "0xabc"},
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	job, err := client.WaitTask(ctx, "job-1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait task: %v", err)
	}
	if job.Status != StatusSucceeded || job.Result.TxHash != "0xabc" {
		t.Fatalf("unexpected job: %+v", job)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 polls, got %d", calls.Load())
	}
}

func TestListTasksEncodesFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("status") != "failed,pending" || query.Get("limit") != "5" || query.Get("q") != "alice" || query.Get("wallet") != "alice" {
			t.Fatalf("unexpected query: %s", r.URL.RawQuery)
		}
		if query.Has("offset") || query.Has("type") {
			t.Fatalf("zero values should be omitted")
		}
		_ = json.NewEncoder(w).Encode(JobList{Jobs: []Job{{ID: "job-1"}}, Stats: JobStats{Total: 1, Failed: 1}})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	list, err := client.ListTasks(context.Background(), ListOptions{
		Statuses: []string{StatusFailed, StatusPending},
		Wallet:   "alice",
		Query:    "alice",
		Limit:    5,
	})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(list.Jobs) != 1 || list.Stats.Failed != 1 {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestWalletBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/wallets/alice/balance" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(Balance{Name: "alice", BalanceWei: "1500000000000000000", Balance: "1.5"})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	balance, err := client.WalletBalance(context.Background(), "alice")
	if err != nil {
		t.Fatalf("wallet balance: %v", err)
	}
	if balance.Balance != "1.5" {
		t.Fatalf("unexpected balance: %+v", balance)
	}
}

func TestWalletManagement(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/wallets":
			var spec NewWallet
			if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
				t.Fatalf("unexpected body: %v", err)
			}
			if spec.Name != "watch" || spec.Address == "" || spec.PrivateKey != "" {
				t.Fatalf("unexpected spec: %+v", spec)
			}
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(Wallet{Name: spec.Name, Address: spec.Address})
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/wallets/watch/active":
			_ = json.NewEncoder(w).Encode(Wallet{Name: "watch", IsActive: true})
		case r.Method == http.MethodDelete && r.URL.Path == "/api/v1/wallets/watch":
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(APIError{Code: "WALLET_NOT_FOUND", Message: "missing"})
		default:
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()

	created, err := client.CreateWallet(ctx, NewWallet{Name: "watch", Address: "0x000000000000000000000000000000000000dEaD"})
	if err != nil || created.Name != "watch" || created.HasPrivateKey {
		t.Fatalf("create wallet: %+v, %v", created, err)
	}
	active, err := client.SetActiveWallet(ctx, "watch")
	if err != nil || !active.IsActive {
		t.Fatalf("set active: %+v, %v", active, err)
	}
	if err := client.DeleteWallet(ctx, "watch"); err != nil {
		t.Fatalf("delete wallet: %v", err)
	}
	if err := client.DeleteWallet(ctx, "gone"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}
