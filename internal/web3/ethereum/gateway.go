package ethereum

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "Monad-Automation/internal/errors"
	"Monad-Automation/internal/web3"
	"Monad-Automation/pkg/logger"
)

const (
	defaultMultiplier     = 1.1
	defaultGasLimit       = 3_000_000
	defaultConfirmTimeout = 300 * time.Second
	defaultPollInterval   = 100 * time.Millisecond
)

var defaultGasPriceWei = big.NewInt(10_000_000_000)

// Config describes one RPC endpoint / chain id pair and the gas policy used
// against it.
type Config struct {
	Name            string
	RPCURL          string
	ChainID         int64
	GasMultiplier   float64
	DefaultGasPrice *big.Int
	DefaultGasLimit uint64
	RequestTimeout  time.Duration
}

// Gateway is a thin client over a single EVM JSON-RPC endpoint.
type Gateway struct {
	name           string
	backend        web3.Backend
	chainID        *big.Int
	multiplier     float64
	defaultPrice   *big.Int
	defaultLimit   uint64
	requestTimeout time.Duration
	logger         *slog.Logger

	closeOnce sync.Once
	closeFn   func()
}

// Dial connects to the configured RPC endpoint and verifies the node answers
// with the expected chain id.
func Dial(ctx context.Context, cfg Config) (*Gateway, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeConnection, "未配置 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnection, err, "连接链节点失败",
			xerrors.WithMetadata("rpc_url", rpcURL))
	}
	client := ethclient.NewClient(rpcClient)

	gw := New(client, cfg)
	gw.closeFn = client.Close

	probeCtx, cancel := gw.callContext(ctx)
	defer cancel()
	remoteID, err := client.ChainID(probeCtx)
	if err != nil {
		gw.Close()
		return nil, xerrors.Wrap(xerrors.CodeConnection, err, "链节点无响应",
			xerrors.WithMetadata("rpc_url", rpcURL))
	}
	if cfg.ChainID > 0 && remoteID.Cmp(gw.chainID) != 0 {
		gw.Close()
		return nil, xerrors.New(xerrors.CodeConnection,
			fmt.Sprintf("链 ID 不匹配: 配置 %s, 节点 %s", gw.chainID, remoteID),
			xerrors.WithRetryable(false))
	}
	if cfg.ChainID <= 0 {
		gw.chainID = remoteID
	}

	gw.logger.Info("connected to chain node",
		slog.String("network", gw.name),
		slog.String("chain_id", gw.chainID.String()))
	return gw, nil
}

// New wraps an existing backend such as the go-ethereum simulated backend.
func New(backend web3.Backend, cfg Config) *Gateway {
	multiplier := cfg.GasMultiplier
	if multiplier <= 0 {
		multiplier = defaultMultiplier
	}
	price := defaultGasPriceWei
	if cfg.DefaultGasPrice != nil && cfg.DefaultGasPrice.Sign() > 0 {
		price = cfg.DefaultGasPrice
	}
	limit := cfg.DefaultGasLimit
	if limit == 0 {
		limit = defaultGasLimit
	}
	name := cfg.Name
	if name == "" {
		name = "default"
	}
	return &Gateway{
		name:           name,
		backend:        backend,
		chainID:        big.NewInt(cfg.ChainID),
		multiplier:     multiplier,
		defaultPrice:   new(big.Int).Set(price),
		defaultLimit:   limit,
		requestTimeout: cfg.RequestTimeout,
		logger:         logger.Named("gateway").With(slog.String("network", name)),
	}
}

// Name returns the network name the gateway was configured with.
func (g *Gateway) Name() string { return g.name }

// ChainID returns a copy of the chain id used for signing.
func (g *Gateway) ChainID() *big.Int { return new(big.Int).Set(g.chainID) }

// IsConnected reports whether the node answers. Transport errors yield false.
func (g *Gateway) IsConnected(ctx context.Context) bool {
	if g == nil || g.backend == nil {
		return false
	}
	callCtx, cancel := g.callContext(ctx)
	defer cancel()
	_, err := g.backend.ChainID(callCtx)
	return err == nil
}

// Snapshot summarizes connectivity for health endpoints.
func (g *Gateway) Snapshot(ctx context.Context) web3.ChainSnapshot {
	return web3.ChainSnapshot{
		Network:   g.name,
		ChainID:   g.chainID.String(),
		Connected: g.IsConnected(ctx),
	}
}

// GasPrice returns the suggested gas price scaled by the configured
// multiplier, or the static default when the node cannot be queried.
func (g *Gateway) GasPrice(ctx context.Context) *big.Int {
	callCtx, cancel := g.callContext(ctx)
	defer cancel()
	price, err := g.backend.SuggestGasPrice(callCtx)
	if err != nil || price == nil {
		g.logger.Warn("gas price query failed, using default",
			slog.Any("error", err),
			slog.String("default_wei", g.defaultPrice.String()))
		return new(big.Int).Set(g.defaultPrice)
	}
	return scaleBig(price, g.multiplier)
}

// EstimateGas returns the estimated gas scaled by the configured multiplier,
// or the static default limit when estimation fails.
func (g *Gateway) EstimateGas(ctx context.Context, msg gethcore.CallMsg) uint64 {
	callCtx, cancel := g.callContext(ctx)
	defer cancel()
	estimate, err := g.backend.EstimateGas(callCtx, msg)
	if err != nil {
		g.logger.Warn("gas estimation failed, using default",
			slog.Any("error", err),
			slog.Uint64("default_limit", g.defaultLimit))
		return g.defaultLimit
	}
	return uint64(float64(estimate) * g.multiplier)
}

// Nonce returns the pending transaction count of the account.
func (g *Gateway) Nonce(ctx context.Context, account common.Address) (uint64, error) {
	callCtx, cancel := g.callContext(ctx)
	defer cancel()
	nonce, err := g.backend.PendingNonceAt(callCtx, account)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeConnection, err, "查询 nonce 失败",
			xerrors.WithMetadata("address", account.Hex()))
	}
	return nonce, nil
}

// Balance returns the latest native balance of the account in wei.
func (g *Gateway) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	callCtx, cancel := g.callContext(ctx)
	defer cancel()
	balance, err := g.backend.BalanceAt(callCtx, account, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnection, err, "查询余额失败",
			xerrors.WithMetadata("address", account.Hex()))
	}
	return balance, nil
}

// Call executes a read-only contract call against the latest block.
func (g *Gateway) Call(ctx context.Context, msg gethcore.CallMsg) ([]byte, error) {
	callCtx, cancel := g.callContext(ctx)
	defer cancel()
	out, err := g.backend.CallContract(callCtx, msg, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeContract, err, "合约调用失败")
	}
	return out, nil
}

// Submit broadcasts a signed transaction and returns its hash. A node-side
// balance rejection is reported as INSUFFICIENT_FUNDS and any other JSON-RPC
// rejection as TRANSACTION_FAILED. Transport failures and timeouts leave the
// outcome unknown and are reported as TRANSACTION_SUBMIT_UNKNOWN, which is
// never retried.
func (g *Gateway) Submit(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	if tx == nil {
		return common.Hash{}, xerrors.New(xerrors.CodeTransaction, "交易为空")
	}
	callCtx, cancel := g.callContext(ctx)
	defer cancel()
	if err := g.backend.SendTransaction(callCtx, tx); err != nil {
		if isInsufficientFunds(err) {
			return common.Hash{}, xerrors.Wrap(xerrors.CodeInsufficientFunds, err, "余额不足以支付交易",
				xerrors.WithMetadata("tx_hash", tx.Hash().Hex()))
		}
		var rejected gethrpc.Error
		if stdErrors.As(err, &rejected) {
			return common.Hash{}, xerrors.Wrap(xerrors.CodeTransaction, err, "节点拒绝交易",
				xerrors.WithMetadata("tx_hash", tx.Hash().Hex()))
		}
		// 传输层失败时交易可能已进入节点内存池，重发会造成重复转账。
		return common.Hash{}, xerrors.Wrap(xerrors.CodeTransactionUnknown, err, "发送交易结果未知",
			xerrors.WithMetadata("tx_hash", tx.Hash().Hex()))
	}
	logger.Audit().Info("transaction submitted",
		slog.String("network", g.name),
		slog.String("tx_hash", tx.Hash().Hex()),
		slog.Uint64("nonce", tx.Nonce()))
	return tx.Hash(), nil
}

// WaitForReceipt polls for the receipt until it is mined or the timeout
// elapses. A mined receipt with failed status is returned immediately with a
// TRANSACTION_REVERTED error; "not yet mined" answers are retried.
func (g *Gateway) WaitForReceipt(ctx context.Context, hash common.Hash, timeout, pollInterval time.Duration) (*types.Receipt, error) {
	if timeout <= 0 {
		timeout = defaultConfirmTimeout
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	deadline := time.Now().Add(timeout)

	for {
		callCtx, cancel := g.callContext(ctx)
		receipt, err := g.backend.TransactionReceipt(callCtx, hash)
		cancel()

		switch {
		case err == nil && receipt != nil:
			if receipt.Status == types.ReceiptStatusSuccessful {
				logger.Audit().Info("transaction confirmed",
					slog.String("network", g.name),
					slog.String("tx_hash", hash.Hex()),
					slog.String("block", blockString(receipt)),
					slog.Uint64("gas_used", receipt.GasUsed))
				return receipt, nil
			}
			logger.Audit().Warn("transaction reverted",
				slog.String("network", g.name),
				slog.String("tx_hash", hash.Hex()),
				slog.String("block", blockString(receipt)))
			return receipt, xerrors.New(xerrors.CodeTransactionReverted,
				fmt.Sprintf("transaction %s reverted in block %s", hash.Hex(), blockString(receipt)),
				xerrors.WithMetadata("tx_hash", hash.Hex()))
		case err != nil && !stdErrors.Is(err, gethcore.NotFound):
			g.logger.Debug("receipt query failed, retrying",
				slog.String("tx_hash", hash.Hex()),
				slog.Any("error", err))
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, xerrors.New(xerrors.CodeTransactionTimeout,
				fmt.Sprintf("transaction %s timed out after %d seconds", hash.Hex(), int(timeout.Seconds())),
				xerrors.WithMetadata("tx_hash", hash.Hex()))
		}
		wait := pollInterval
		if remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, xerrors.Wrap(xerrors.CodeTransactionTimeout, ctx.Err(), "等待交易回执被取消",
				xerrors.WithMetadata("tx_hash", hash.Hex()))
		case <-timer.C:
		}
	}
}

// Close releases the underlying RPC connection, if any.
func (g *Gateway) Close() {
	if g == nil {
		return
	}
	g.closeOnce.Do(func() {
		if g.closeFn != nil {
			g.closeFn()
		}
	})
}

func (g *Gateway) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.requestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.requestTimeout)
}

func scaleBig(value *big.Int, multiplier float64) *big.Int {
	scaled := new(big.Float).SetInt(value)
	scaled.Mul(scaled, big.NewFloat(multiplier))
	out, _ := scaled.Int(nil)
	return out
}

func isInsufficientFunds(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "insufficient funds")
}

func blockString(receipt *types.Receipt) string {
	if receipt == nil || receipt.BlockNumber == nil {
		return "pending"
	}
	return receipt.BlockNumber.String()
}
