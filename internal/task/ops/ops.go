// Package ops provides the built-in chain operations (native transfers, ERC20
// transfers and approvals, balance queries) as tasks, and the Builder that
// turns task specs into runnable tasks.
package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Monad-Automation/internal/errors"
	"Monad-Automation/internal/transaction"
	"Monad-Automation/internal/units"
	"Monad-Automation/internal/wallet"
)

// 内置任务类型。
const (
	TypeNativeTransfer = "native_transfer"
	TypeERC20Transfer  = "erc20_transfer"
	TypeERC20Approve   = "erc20_approve"
	TypeBalance        = "balance"
)

// Unlimited 作为授权额度时表示 2^256-1。
const Unlimited = "unlimited"

// Wallets 按名称解析签名上下文，空名称表示当前活跃钱包。
type Wallets interface {
	Resolve(name string) (wallet.Signer, error)
}

// Chain 是只读查询所需的链接口。
type Chain interface {
	Balance(ctx context.Context, account common.Address) (*big.Int, error)
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, uint8, error)
	TokenDecimals(ctx context.Context, token common.Address) (uint8, error)
}

// Sender 负责准备、签名、提交并确认交易。
type Sender interface {
	Transfer(ctx context.Context, signer transaction.Signer, params transaction.Params) (*transaction.Receipt, error)
}

// Env 汇总任务执行所需的依赖。
type Env struct {
	Wallets Wallets
	Chain   Chain
	Sender  Sender
}

func (e *Env) signer(name string) (transaction.Signer, error) {
	if e == nil || e.Wallets == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "wallet store is not configured")
	}
	return e.Wallets.Resolve(name)
}

func (e *Env) sender() (Sender, error) {
	if e == nil || e.Sender == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "transaction pipeline is not configured")
	}
	return e.Sender, nil
}

func (e *Env) chain() (Chain, error) {
	if e == nil || e.Chain == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "chain gateway is not configured")
	}
	return e.Chain, nil
}

func invalid(format string, args ...any) error {
	return xerrors.New(xerrors.CodeTaskConfiguration, fmt.Sprintf(format, args...))
}

func requireAddress(field, raw string) (common.Address, error) {
	if strings.TrimSpace(raw) == "" {
		return common.Address{}, invalid("%s is required", field)
	}
	addr, err := units.ParseAddress(raw)
	if err != nil {
		return common.Address{}, xerrors.Wrap(xerrors.CodeTaskConfiguration, err, fmt.Sprintf("invalid %s", field))
	}
	return addr, nil
}

// requireAmount 解析正数金额；decimals 决定最小单位。
func requireAmount(field, raw string, decimals uint8) (*big.Int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, invalid("%s is required", field)
	}
	value, err := units.ToWei(raw, decimals)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTaskConfiguration, err, fmt.Sprintf("invalid %s", field))
	}
	if value.Sign() <= 0 {
		return nil, invalid("%s must be positive, got %q", field, raw)
	}
	return value, nil
}

// checkAmountFormat 在 decimals 未知时只校验金额格式与符号。
func checkAmountFormat(field, raw string) error {
	_, err := requireAmount(field, raw, 255)
	return err
}

// paramString 读取字符串参数，JSON 数字会按十进制文本返回。
func paramString(params map[string]any, key string) string {
	raw, ok := params[key]
	if !ok || raw == nil {
		return ""
	}
	switch v := raw.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case json.Number:
		return v.String()
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func paramUint(params map[string]any, key string) (uint64, error) {
	raw := paramString(params, key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, invalid("%s must be a non-negative integer, got %q", key, raw)
	}
	return n, nil
}
