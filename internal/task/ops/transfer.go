package ops

import (
	"context"
	"math/big"

	"Monad-Automation/internal/task"
	"Monad-Automation/internal/transaction"
	"Monad-Automation/internal/units"
)

// NativeTransfer 发送原生代币。Amount 以 ether 为单位，例如 "0.5"。
type NativeTransfer struct {
	task.Base
	env      *Env
	Wallet   string
	To       string
	Amount   string
	GasLimit uint64
}

// NewNativeTransfer 创建原生转账任务，wallet 为空时使用活跃钱包。
func NewNativeTransfer(env *Env, wallet, to, amount string) *NativeTransfer {
	return &NativeTransfer{Base: task.NewBase(TypeNativeTransfer), env: env, Wallet: wallet, To: to, Amount: amount}
}

// Validate 检查收款地址与金额。
func (t *NativeTransfer) Validate() error {
	if _, err := requireAddress("to", t.To); err != nil {
		return err
	}
	_, err := requireAmount("amount", t.Amount, units.EtherDecimals)
	return err
}

// Execute 通过交易管道发送并等待确认。
func (t *NativeTransfer) Execute(ctx context.Context) (task.Outcome, error) {
	to, err := requireAddress("to", t.To)
	if err != nil {
		return nil, err
	}
	value, err := requireAmount("amount", t.Amount, units.EtherDecimals)
	if err != nil {
		return nil, err
	}
	signer, err := t.env.signer(t.Wallet)
	if err != nil {
		return nil, err
	}
	sender, err := t.env.sender()
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"from":      signer.Address().Hex(),
		"to":        to.Hex(),
		"amount":    units.FromWei(value, units.EtherDecimals),
		"value_wei": value.String(),
	}
	receipt, err := sender.Transfer(ctx, signer, transaction.Params{To: &to, Value: value, GasLimit: t.GasLimit})
	return transactionOutcome(receipt, payload), err
}

// transactionOutcome 在确认失败时也保留已提交交易的哈希。
func transactionOutcome(receipt *transaction.Receipt, payload map[string]any) task.Outcome {
	if receipt == nil {
		return task.DataOutcome{Payload: payload}
	}
	if receipt.BlockNumber > 0 {
		payload["block_number"] = receipt.BlockNumber
		payload["gas_used"] = receipt.GasUsed
		payload["status"] = receipt.Status
	}
	return task.TransactionOutcome{Hash: receipt.Hash, Payload: payload}
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
