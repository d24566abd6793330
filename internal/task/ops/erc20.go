package ops

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Monad-Automation/internal/errors"
	"Monad-Automation/internal/task"
	"Monad-Automation/internal/transaction"
	"Monad-Automation/internal/units"
	"Monad-Automation/internal/web3/ethereum"
)

// ERC20Transfer 调用代币合约的 transfer。Amount 以代币单位计，按合约 decimals 换算。
type ERC20Transfer struct {
	task.Base
	env      *Env
	Wallet   string
	Token    string
	To       string
	Amount   string
	GasLimit uint64
}

// NewERC20Transfer 创建 ERC20 转账任务。
func NewERC20Transfer(env *Env, wallet, token, to, amount string) *ERC20Transfer {
	return &ERC20Transfer{Base: task.NewBase(TypeERC20Transfer), env: env, Wallet: wallet, Token: token, To: to, Amount: amount}
}

// Validate 检查代币地址、收款地址与金额格式。
func (t *ERC20Transfer) Validate() error {
	if _, err := requireAddress("token", t.Token); err != nil {
		return err
	}
	if _, err := requireAddress("to", t.To); err != nil {
		return err
	}
	return checkAmountFormat("amount", t.Amount)
}

// Execute 查询 decimals 换算金额后发送 transfer 交易。
func (t *ERC20Transfer) Execute(ctx context.Context) (task.Outcome, error) {
	token, err := requireAddress("token", t.Token)
	if err != nil {
		return nil, err
	}
	to, err := requireAddress("to", t.To)
	if err != nil {
		return nil, err
	}
	amount, decimals, err := t.env.tokenAmount(ctx, token, t.Amount)
	if err != nil {
		return nil, err
	}
	data, err := ethereum.PackTransfer(to, amount)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeContract, err, "encode transfer calldata")
	}
	payload := map[string]any{
		"token":      token.Hex(),
		"to":         to.Hex(),
		"amount":     units.FromWei(amount, decimals),
		"amount_raw": amount.String(),
		"decimals":   decimals,
	}
	return t.env.sendContractCall(ctx, t.Wallet, token, data, t.GasLimit, payload)
}

// ERC20Approve 授权 spender 使用代币，Amount 为 "unlimited" 时授权最大额度。
type ERC20Approve struct {
	task.Base
	env      *Env
	Wallet   string
	Token    string
	Spender  string
	Amount   string
	GasLimit uint64
}

// NewERC20Approve 创建授权任务。
func NewERC20Approve(env *Env, wallet, token, spender, amount string) *ERC20Approve {
	return &ERC20Approve{Base: task.NewBase(TypeERC20Approve), env: env, Wallet: wallet, Token: token, Spender: spender, Amount: amount}
}

// Validate 检查代币地址、被授权地址与额度。
func (t *ERC20Approve) Validate() error {
	if _, err := requireAddress("token", t.Token); err != nil {
		return err
	}
	if _, err := requireAddress("spender", t.Spender); err != nil {
		return err
	}
	if isUnlimited(t.Amount) {
		return nil
	}
	return checkAmountFormat("amount", t.Amount)
}

// Execute 发送 approve 交易。
func (t *ERC20Approve) Execute(ctx context.Context) (task.Outcome, error) {
	token, err := requireAddress("token", t.Token)
	if err != nil {
		return nil, err
	}
	spender, err := requireAddress("spender", t.Spender)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"token":   token.Hex(),
		"spender": spender.Hex(),
	}
	amount := cloneBig(ethereum.MaxUint256)
	if isUnlimited(t.Amount) {
		payload["amount"] = Unlimited
	} else {
		var decimals uint8
		amount, decimals, err = t.env.tokenAmount(ctx, token, t.Amount)
		if err != nil {
			return nil, err
		}
		payload["amount"] = units.FromWei(amount, decimals)
		payload["decimals"] = decimals
	}
	payload["amount_raw"] = amount.String()

	data, err := ethereum.PackApprove(spender, amount)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeContract, err, "encode approve calldata")
	}
	return t.env.sendContractCall(ctx, t.Wallet, token, data, t.GasLimit, payload)
}

func isUnlimited(amount string) bool {
	switch strings.ToLower(strings.TrimSpace(amount)) {
	case Unlimited, "max":
		return true
	}
	return false
}

func (e *Env) tokenAmount(ctx context.Context, token common.Address, amount string) (*big.Int, uint8, error) {
	chain, err := e.chain()
	if err != nil {
		return nil, 0, err
	}
	decimals, err := chain.TokenDecimals(ctx, token)
	if err != nil {
		return nil, 0, err
	}
	value, err := requireAmount("amount", amount, decimals)
	if err != nil {
		return nil, 0, err
	}
	return value, decimals, nil
}

func (e *Env) sendContractCall(ctx context.Context, walletName string, contract common.Address, data []byte, gasLimit uint64, payload map[string]any) (task.Outcome, error) {
	signer, err := e.signer(walletName)
	if err != nil {
		return nil, err
	}
	sender, err := e.sender()
	if err != nil {
		return nil, err
	}
	payload["from"] = signer.Address().Hex()
	receipt, err := sender.Transfer(ctx, signer, transaction.Params{To: &contract, Data: data, GasLimit: gasLimit})
	return transactionOutcome(receipt, payload), err
}
