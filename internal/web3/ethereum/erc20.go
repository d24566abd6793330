package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	xerrors "Monad-Automation/internal/errors"
)

const erc20ABIJSON = `[
  {"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
  {"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"},
  {"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"},
  {"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
  {"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

var erc20ABI = mustParseABI(erc20ABIJSON)

// MaxUint256 is the allowance used for "unlimited" approvals.
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse erc20 abi: %v", err))
	}
	return parsed
}

// PackTransfer encodes transfer(to, amount) calldata.
func PackTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("transfer", to, amount)
}

// PackApprove encodes approve(spender, amount) calldata.
func PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("approve", spender, amount)
}

// TokenBalance returns the raw token balance of owner together with the
// token's decimals.
func (g *Gateway) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, uint8, error) {
	balanceData, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, 0, xerrors.Wrap(xerrors.CodeContract, err, "编码 balanceOf 失败")
	}
	out, err := g.Call(ctx, gethcore.CallMsg{To: &token, Data: balanceData})
	if err != nil {
		return nil, 0, err
	}
	values, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil || len(values) != 1 {
		return nil, 0, xerrors.Wrap(xerrors.CodeContract, err, "解析 balanceOf 返回值失败",
			xerrors.WithMetadata("token", token.Hex()))
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, 0, xerrors.New(xerrors.CodeContract, "balanceOf 返回类型异常")
	}

	decimals, err := g.TokenDecimals(ctx, token)
	if err != nil {
		return nil, 0, err
	}
	return balance, decimals, nil
}

// TokenDecimals queries decimals() of an ERC20 token.
func (g *Gateway) TokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	data, err := erc20ABI.Pack("decimals")
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeContract, err, "编码 decimals 失败")
	}
	out, err := g.Call(ctx, gethcore.CallMsg{To: &token, Data: data})
	if err != nil {
		return 0, err
	}
	values, err := erc20ABI.Unpack("decimals", out)
	if err != nil || len(values) != 1 {
		return 0, xerrors.Wrap(xerrors.CodeContract, err, "解析 decimals 返回值失败",
			xerrors.WithMetadata("token", token.Hex()))
	}
	decimals, ok := values[0].(uint8)
	if !ok {
		return 0, xerrors.New(xerrors.CodeContract, "decimals 返回类型异常")
	}
	return decimals, nil
}
