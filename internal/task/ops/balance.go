package ops

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"Monad-Automation/internal/task"
	"Monad-Automation/internal/units"
)

// Balance 查询原生或 ERC20 余额。Address 为空时查询钱包地址，Token 为空时查询原生余额。
type Balance struct {
	task.Base
	env     *Env
	Wallet  string
	Address string
	Token   string
}

// NewBalance 创建余额查询任务。
func NewBalance(env *Env, wallet, address, token string) *Balance {
	return &Balance{Base: task.NewBase(TypeBalance), env: env, Wallet: wallet, Address: address, Token: token}
}

// Validate 检查可选的地址参数。
func (t *Balance) Validate() error {
	if strings.TrimSpace(t.Address) != "" {
		if _, err := requireAddress("address", t.Address); err != nil {
			return err
		}
	}
	if strings.TrimSpace(t.Token) != "" {
		if _, err := requireAddress("token", t.Token); err != nil {
			return err
		}
	}
	return nil
}

// Execute 返回原始余额与按 decimals 格式化后的余额。
func (t *Balance) Execute(ctx context.Context) (task.Outcome, error) {
	owner, err := t.owner()
	if err != nil {
		return nil, err
	}
	chain, err := t.env.chain()
	if err != nil {
		return nil, err
	}

	payload := map[string]any{"address": owner.Hex()}
	var (
		balance  *big.Int
		decimals uint8 = units.EtherDecimals
	)
	if strings.TrimSpace(t.Token) == "" {
		balance, err = chain.Balance(ctx, owner)
	} else {
		token, tokenErr := requireAddress("token", t.Token)
		if tokenErr != nil {
			return nil, tokenErr
		}
		payload["token"] = token.Hex()
		balance, decimals, err = chain.TokenBalance(ctx, token, owner)
	}
	if err != nil {
		return nil, err
	}
	payload["balance_raw"] = balance.String()
	payload["balance"] = units.FromWei(balance, decimals)
	payload["decimals"] = decimals
	return task.DataOutcome{Payload: payload}, nil
}

func (t *Balance) owner() (common.Address, error) {
	if strings.TrimSpace(t.Address) != "" {
		return requireAddress("address", t.Address)
	}
	signer, err := t.env.signer(t.Wallet)
	if err != nil {
		return common.Address{}, err
	}
	return signer.Address(), nil
}
