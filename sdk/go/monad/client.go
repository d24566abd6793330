// Package monad is a small Go client for the monadd REST API.
package monad

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Job statuses reported by the daemon.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Client wraps the HTTP interactions with the monadd REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// TaskSpec describes a task to submit. Composite types ("sequential",
// "parallel") carry their children in Subtasks.
type TaskSpec struct {
	Type     string         `json:"type"`
	Name     string         `json:"name,omitempty"`
	Wallet   string         `json:"wallet,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
	Subtasks []TaskSpec     `json:"subtasks,omitempty"`
	Limit    int            `json:"limit,omitempty"`
}

// TaskResult is the outcome of a finished task run.
type TaskResult struct {
	TaskID        string         `json:"task_id"`
	TaskName      string         `json:"task_name"`
	Status        string         `json:"status"`
	TxHash        string         `json:"tx_hash,omitempty"`
	Data          map[string]any `json:"result_data,omitempty"`
	Error         string         `json:"error,omitempty"`
	ErrorCode     string         `json:"error_code,omitempty"`
	ExecutionTime float64        `json:"execution_time"`
}

// Job is the daemon's record of a submitted task.
type Job struct {
	ID         string      `json:"id"`
	Spec       TaskSpec    `json:"spec"`
	Status     string      `json:"status"`
	Attempts   int         `json:"attempts"`
	MaxRetries int         `json:"max_retries"`
	LastError  string      `json:"last_error,omitempty"`
	ErrorCode  string      `json:"error_code,omitempty"`
	Result     *TaskResult `json:"result,omitempty"`
	CreatedAt  int64       `json:"created_at"`
	UpdatedAt  int64       `json:"updated_at"`
}

// Done reports whether the job reached a terminal status.
func (j *Job) Done() bool {
	return j != nil && (j.Status == StatusSucceeded || j.Status == StatusFailed)
}

// JobStats summarises the jobs matching a listing.
type JobStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// JobList is a page of jobs plus aggregate counts.
type JobList struct {
	Jobs  []Job    `json:"jobs"`
	Stats JobStats `json:"stats"`
}

// ListOptions filters ListTasks. Zero values are omitted.
type ListOptions struct {
	Statuses  []string
	TaskType  string
	Wallet    string
	ErrorCode string
	Query     string
	Limit     int
	Offset    int
}

// Wallet is the public view of a stored wallet.
type Wallet struct {
	Name          string `json:"name"`
	Address       string `json:"address"`
	HasPrivateKey bool   `json:"has_private_key"`
	IsActive      bool   `json:"is_active"`
}

// Balance is the native balance of a wallet.
type Balance struct {
	Name       string `json:"name"`
	Address    string `json:"address"`
	BalanceWei string `json:"balance_wei"`
	Balance    string `json:"balance"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("monad api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("monad api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the monadd API. When httpClient is nil,
// a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url: %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken sets the bearer token sent with every /api/v1 call.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// Health returns nil when the daemon reports a connected chain.
func (c *Client) Health(ctx context.Context) error {
	return c.get(ctx, "/healthz", nil, nil)
}

// SubmitTask queues a task and returns the pending job.
func (c *Client) SubmitTask(ctx context.Context, spec TaskSpec) (Job, error) {
	var job Job
	if err := c.post(ctx, "/api/v1/tasks", spec, &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// GetTask fetches a job by identifier.
func (c *Client) GetTask(ctx context.Context, id string) (Job, error) {
	var job Job
	if err := c.get(ctx, "/api/v1/tasks/"+url.PathEscape(id), nil, &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// ListTasks returns jobs matching opts together with their stats.
func (c *Client) ListTasks(ctx context.Context, opts ListOptions) (JobList, error) {
	query := url.Values{}
	if len(opts.Statuses) > 0 {
		query.Set("status", strings.Join(opts.Statuses, ","))
	}
	if opts.Query != "" {
		query.Set("q", opts.Query)
	}
	for key, value := range map[string]string{"type": opts.TaskType, "wallet": opts.Wallet, "error_code": opts.ErrorCode} {
		if value != "" {
			query.Set(key, value)
		}
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		query.Set("offset", strconv.Itoa(opts.Offset))
	}
	var list JobList
	if err := c.get(ctx, "/api/v1/tasks", query, &list); err != nil {
		return JobList{}, err
	}
	return list, nil
}

// WaitTask polls a job until it finishes or ctx is done.
func (c *Client) WaitTask(ctx context.Context, id string, interval time.Duration) (Job, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.GetTask(ctx, id)
		if err != nil {
			return Job{}, err
		}
		if job.Done() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ListWallets returns every wallet known to the daemon.
func (c *Client) ListWallets(ctx context.Context) ([]Wallet, error) {
	var wallets []Wallet
	if err := c.get(ctx, "/api/v1/wallets", nil, &wallets); err != nil {
		return nil, err
	}
	return wallets, nil
}

// WalletBalance returns the native balance of the named wallet.
func (c *Client) WalletBalance(ctx context.Context, name string) (Balance, error) {
	var balance Balance
	if err := c.get(ctx, "/api/v1/wallets/"+url.PathEscape(name)+"/balance", nil, &balance); err != nil {
		return Balance{}, err
	}
	return balance, nil
}

// NewWallet describes a wallet to create. At most one of PrivateKey, Mnemonic
// and Address may be set; when all are empty the daemon generates a key.
type NewWallet struct {
	Name       string `json:"name"`
	PrivateKey string `json:"private_key,omitempty"`
	Mnemonic   string `json:"mnemonic,omitempty"`
	Address    string `json:"address,omitempty"`
}

// CreateWallet registers a wallet on the daemon.
func (c *Client) CreateWallet(ctx context.Context, spec NewWallet) (Wallet, error) {
	var wallet Wallet
	if err := c.post(ctx, "/api/v1/wallets", spec, &wallet); err != nil {
		return Wallet{}, err
	}
	return wallet, nil
}

// DeleteWallet removes the named wallet and its key file.
func (c *Client) DeleteWallet(ctx context.Context, name string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/api/v1/wallets/"+url.PathEscape(name), nil, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// SetActiveWallet makes name the daemon's active wallet.
func (c *Client) SetActiveWallet(ctx context.Context, name string) (Wallet, error) {
	var wallet Wallet
	if err := c.post(ctx, "/api/v1/wallets/"+url.PathEscape(name)+"/active", struct{}{}, &wallet); err != nil {
		return Wallet{}, err
	}
	return wallet, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query.Encode()}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// IsNotFound reports whether err is an API 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
