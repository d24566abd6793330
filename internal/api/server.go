package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"Monad-Automation/internal/auth"
	xerrors "Monad-Automation/internal/errors"
	"Monad-Automation/internal/observability/metrics"
	"Monad-Automation/internal/storage/mysql"
	"Monad-Automation/internal/task"
	"Monad-Automation/internal/units"
	"Monad-Automation/internal/wallet"
	"Monad-Automation/internal/web3"
	"Monad-Automation/pkg/logger"
)

// maxBodyBytes 限制请求体的大小。
const maxBodyBytes = 1 << 20

// Chain 是 API 所需的链查询能力。
type Chain interface {
	Snapshot(ctx context.Context) web3.ChainSnapshot
	Balance(ctx context.Context, account common.Address) (*big.Int, error)
}

// Wallets 是 API 所需的钱包查询与管理能力，由 *wallet.Store 实现。
type Wallets interface {
	List() []wallet.Info
	Get(name string) (*wallet.Wallet, error)
	Generate(name string) (*wallet.Wallet, error)
	ImportPrivateKey(name, hexKey string) (*wallet.Wallet, error)
	ImportMnemonic(name, phrase string) (*wallet.Wallet, error)
	AddWatchOnly(name string, address common.Address) (*wallet.Wallet, error)
	Remove(name string) error
	SetActive(name string) error
}

var _ Wallets = (*wallet.Store)(nil)

// walletRequest 是创建钱包的请求体。private_key、mnemonic 与 address 至多填写一项，
// 都为空时生成新钱包。
type walletRequest struct {
	Name       string `json:"name"`
	PrivateKey string `json:"private_key,omitempty"`
	Mnemonic   string `json:"mnemonic,omitempty"`
	Address    string `json:"address,omitempty"`
}

// Results 提供已归档结果的只读访问。
type Results interface {
	Get(ctx context.Context, jobID string) (*mysql.ResultRecord, error)
	ListLatest(ctx context.Context, limit int) ([]mysql.ResultRecord, error)
}

// Dependencies 汇总 API 使用的服务，未配置的依赖对应接口返回 503。
// Auth 为 nil 时 /api/v1 路由不做认证。
type Dependencies struct {
	Tasks   *task.Service
	Wallets Wallets
	Chain   Chain
	Results Results
	Auth    *auth.Authenticator
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr string
	deps Dependencies
	log  *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Dependencies) *Server {
	return &Server{addr: addr, deps: deps, log: logger.Named("api")}
}

// Handler 返回注册了全部路由的 http.Handler。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/healthz", instrument("healthz", s.handleHealth))
	mux.Handle("/api/v1/wallets", s.protected("wallets", s.handleWallets))
	mux.Handle("/api/v1/wallets/", s.protected("wallet_detail", s.handleWalletDetail))
	mux.Handle("/api/v1/tasks", s.protected("tasks", s.handleTasks))
	mux.Handle("/api/v1/tasks/", s.protected("task_detail", s.handleTaskDetail))
	mux.Handle("/api/v1/results", s.protected("results", s.handleResults))
	mux.Handle("/api/v1/results/", s.protected("result_detail", s.handleResultDetail))
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func (s *Server) protected(name string, fn http.HandlerFunc) http.Handler {
	return instrument(name, s.deps.Auth.Middleware(fn).ServeHTTP)
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
	s.log.Info("API 服务已启动", slog.String("addr", s.addr))

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

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if s.deps.Chain == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
		return
	}
	snapshot := s.deps.Chain.Snapshot(r.Context())
	status, code := "ok", http.StatusOK
	if !snapshot.Connected {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "chain": snapshot})
}

func (s *Server) handleWallets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
		return
	}
	if s.deps.Wallets == nil {
		unavailable(w, "钱包存储未初始化")
		return
	}
	if r.Method == http.MethodPost {
		s.handleCreateWallet(w, r)
		return
	}
	infos := s.deps.Wallets.List()
	if infos == nil {
		infos = []wallet.Info{}
	}
	writeJSON(w, http.StatusOK, infos)
}

// handleCreateWallet 生成、导入或登记只读钱包。响应中不包含私钥。
func (s *Server) handleCreateWallet(w http.ResponseWriter, r *http.Request) {
	var req walletRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}

	sources := 0
	for _, v := range []string{req.PrivateKey, req.Mnemonic, req.Address} {
		if strings.TrimSpace(v) != "" {
			sources++
		}
	}
	if sources > 1 {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "private_key、mnemonic 与 address 只能填写一项"))
		return
	}

	var (
		created *wallet.Wallet
		err     error
		source  = "generated"
	)
	switch {
	case req.PrivateKey != "":
		source = "private_key"
		created, err = s.deps.Wallets.ImportPrivateKey(req.Name, req.PrivateKey)
	case req.Mnemonic != "":
		source = "mnemonic"
		created, err = s.deps.Wallets.ImportMnemonic(req.Name, req.Mnemonic)
	case req.Address != "":
		source = "watch_only"
		if !common.IsHexAddress(req.Address) {
			writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "address 不是合法的十六进制地址"))
			return
		}
		created, err = s.deps.Wallets.AddWatchOnly(req.Name, common.HexToAddress(req.Address))
	default:
		created, err = s.deps.Wallets.Generate(req.Name)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	s.log.Info("钱包已创建", slog.String("wallet", created.Name()), slog.String("source", source))
	w.Header().Set("Location", "/api/v1/wallets/"+created.Name())
	writeJSON(w, http.StatusCreated, s.walletInfo(created.Name()))
}

// handleWalletDetail 处理 DELETE /api/v1/wallets/{name}、POST /api/v1/wallets/{name}/active
// 与 GET /api/v1/wallets/{name}/balance。
func (s *Server) handleWalletDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/wallets/"), "/")
	name, action, _ := strings.Cut(rest, "/")
	if name == "" {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "未知的钱包接口"))
		return
	}

	var allowed string
	switch action {
	case "":
		allowed = http.MethodDelete
	case "active":
		allowed = http.MethodPost
	case "balance":
		allowed = http.MethodGet
	default:
		writeError(w, xerrors.New(xerrors.CodeNotFound, "未知的钱包接口"))
		return
	}
	if r.Method != allowed {
		methodNotAllowed(w, allowed)
		return
	}
	if s.deps.Wallets == nil {
		unavailable(w, "钱包存储未初始化")
		return
	}

	switch action {
	case "":
		if err := s.deps.Wallets.Remove(name); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case "active":
		if err := s.deps.Wallets.SetActive(name); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.walletInfo(name))
	case "balance":
		s.handleWalletBalance(w, r, name)
	}
}

func (s *Server) handleWalletBalance(w http.ResponseWriter, r *http.Request, name string) {
	if s.deps.Chain == nil {
		unavailable(w, "链网关未初始化")
		return
	}
	wal, err := s.deps.Wallets.Get(name)
	if err != nil {
		writeError(w, err)
		return
	}
	balance, err := s.deps.Chain.Balance(r.Context(), wal.Address())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":        wal.Name(),
		"address":     wal.Address().Hex(),
		"balance_wei": balance.String(),
		"balance":     units.FromWei(balance, units.EtherDecimals),
	})
}

func (s *Server) walletInfo(name string) wallet.Info {
	for _, info := range s.deps.Wallets.List() {
		if info.Name == name {
			return info
		}
	}
	return wallet.Info{Name: name}
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateTask(w, r)
	case http.MethodGet:
		s.handleListTasks(w, r)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

// handleCreateTask 接收 JSON 格式的 task.Spec 并提交执行。
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		unavailable(w, "任务服务未初始化")
		return
	}
	var spec task.Spec
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.UseNumber()
	if err := decoder.Decode(&spec); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	job, err := s.deps.Tasks.Submit(r.Context(), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/tasks/"+job.ID)
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		unavailable(w, "任务服务未初始化")
		return
	}
	query := r.URL.Query()
	var opts []task.ListOption
	if limit, ok := positiveInt(query.Get("limit")); ok {
		opts = append(opts, task.WithLimit(limit))
	}
	if offset, ok := positiveInt(query.Get("offset")); ok {
		opts = append(opts, task.WithOffset(offset))
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []task.JobStatus
		for _, part := range strings.Split(raw, ",") {
			status := task.JobStatus(strings.ToLower(strings.TrimSpace(part)))
			if !task.IsValidStatus(status) {
				writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "未知的任务状态: "+part))
				return
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if q := query.Get("q"); q != "" {
		opts = append(opts, task.WithQuery(q))
	}
	if v := query.Get("type"); v != "" {
		opts = append(opts, task.WithTaskType(v))
	}
	if v := query.Get("wallet"); v != "" {
		opts = append(opts, task.WithWallet(v))
	}
	if v := query.Get("error_code"); v != "" {
		opts = append(opts, task.WithErrorCode(strings.ToUpper(v)))
	}

	jobs, err := s.deps.Tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.deps.Tasks.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*task.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "stats": stats})
}

// handleTaskDetail 处理 /api/v1/tasks/{id}。
func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/"), "/")
	if id == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空"))
		return
	}
	if s.deps.Tasks == nil {
		unavailable(w, "任务服务未初始化")
		return
	}
	job, err := s.deps.Tasks.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if s.deps.Results == nil {
		unavailable(w, "结果存储未初始化")
		return
	}
	limit, _ := positiveInt(r.URL.Query().Get("limit"))
	records, err := s.deps.Results.ListLatest(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []mysql.ResultRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// handleResultDetail 处理 /api/v1/results/{job_id}。
func (s *Server) handleResultDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/results/"), "/")
	if id == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空"))
		return
	}
	if s.deps.Results == nil {
		unavailable(w, "结果存储未初始化")
		return
	}
	record, err := s.deps.Results.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func positiveInt(raw string) (int, bool) {
	if raw == "" {
		return 0, false
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return 0, false
	}
	return parsed, true
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			unavailable(w, "服务已关闭")
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
