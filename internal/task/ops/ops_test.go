package ops

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "Monad-Automation/internal/errors"
	"Monad-Automation/internal/task"
	"Monad-Automation/internal/transaction"
	"Monad-Automation/internal/wallet"
	"Monad-Automation/internal/web3/ethereum"
)

const aliceKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

var (
	aliceAddr = common.HexToAddress("0x2c7536E3605D9C16a7a3D7b1898e529396a65c23")
	recipient = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	tokenAddr = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

type fakeWallets map[string]*wallet.Wallet

func (f fakeWallets) Resolve(name string) (wallet.Signer, error) {
	if name == "" {
		name = "alice"
	}
	w, ok := f[name]
	if !ok {
		return nil, xerrors.New(xerrors.CodeWalletNotFound, name)
	}
	return w, nil
}

type fakeChain struct {
	mu            sync.Mutex
	decimals      uint8
	decimalsCalls int
	balances      map[common.Address]*big.Int
	tokenBalance  *big.Int
}

func (c *fakeChain) Balance(_ context.Context, account common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.balances[account]; ok {
		return b, nil
	}
	return big.NewInt(0), nil
}

func (c *fakeChain) TokenBalance(ctx context.Context, _ common.Address, _ common.Address) (*big.Int, uint8, error) {
	return c.tokenBalance, c.decimals, nil
}

func (c *fakeChain) TokenDecimals(context.Context, common.Address) (uint8, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decimalsCalls++
	return c.decimals, nil
}

type fakeSender struct {
	mu      sync.Mutex
	sent    []transaction.Params
	signers []common.Address
	receipt *transaction.Receipt
	err     error
}

func (s *fakeSender) Transfer(_ context.Context, signer transaction.Signer, params transaction.Params) (*transaction.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, params)
	s.signers = append(s.signers, signer.Address())
	return s.receipt, s.err
}

type fixture struct {
	chain   *fakeChain
	sender  *fakeSender
	builder *Builder
	bob     *wallet.Wallet
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	alice, err := wallet.FromPrivateKey("alice", aliceKey)
	require.NoError(t, err)
	bob, err := wallet.Generate("bob")
	require.NoError(t, err)

	chain := &fakeChain{decimals: 6, balances: map[common.Address]*big.Int{}}
	sender := &fakeSender{receipt: &transaction.Receipt{
		Hash:        common.HexToHash("0x1234"),
		Status:      1,
		BlockNumber: 7,
		GasUsed:     21000,
	}}
	env := &Env{Wallets: fakeWallets{"alice": alice, "bob": bob}, Chain: chain, Sender: sender}
	return &fixture{chain: chain, sender: sender, builder: NewBuilder(env, WithParallelLimit(2)), bob: bob}
}

func (f *fixture) run(t *testing.T, spec task.Spec) *task.Result {
	t.Helper()
	built, err := f.builder.Build(spec)
	require.NoError(t, err)
	return task.Run(context.Background(), built)
}

func ether(whole, frac int64) *big.Int {
	wei := new(big.Int).Mul(big.NewInt(whole), big.NewInt(1e18))
	return wei.Add(wei, new(big.Int).Mul(big.NewInt(frac), big.NewInt(1e17)))
}

func TestNativeTransferSendsEtherAmount(t *testing.T) {
	f := newFixture(t)

	res := f.run(t, task.Spec{
		Type:   TypeNativeTransfer,
		Wallet: "alice",
		Params: map[string]any{"to": recipient.Hex(), "amount": "1.5", "gas_limit": 21000},
	})

	require.True(t, res.Succeeded(), res.Error)
	assert.Equal(t, common.HexToHash("0x1234").Hex(), res.TxHash)
	assert.Equal(t, uint64(7), res.Data["block_number"])
	assert.Equal(t, "1.5", res.Data["amount"])
	assert.Equal(t, aliceAddr.Hex(), res.Data["from"])

	require.Len(t, f.sender.sent, 1)
	sent := f.sender.sent[0]
	assert.Equal(t, recipient, *sent.To)
	assert.Equal(t, 0, ether(1, 5).Cmp(sent.Value))
	assert.Equal(t, uint64(21000), sent.GasLimit)
	assert.Equal(t, aliceAddr, f.sender.signers[0])
}

func TestNativeTransferAcceptsNumericAmount(t *testing.T) {
	f := newFixture(t)

	res := f.run(t, task.Spec{
		Type:   TypeNativeTransfer,
		Params: map[string]any{"to": recipient.Hex(), "amount": 0.5},
	})

	require.True(t, res.Succeeded(), res.Error)
	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, 0, ether(0, 5).Cmp(f.sender.sent[0].Value))
}

func TestNativeTransferValidation(t *testing.T) {
	cases := map[string]map[string]any{
		"missing recipient": {"amount": "1"},
		"bad recipient":     {"to": "0x1234", "amount": "1"},
		"bad checksum":      {"to": "0x2C7536E3605D9C16a7a3D7b1898e529396a65c23", "amount": "1"},
		"missing amount":    {"to": recipient.Hex()},
		"zero amount":       {"to": recipient.Hex(), "amount": "0"},
		"negative amount":   {"to": recipient.Hex(), "amount": "-1"},
		"too many decimals": {"to": recipient.Hex(), "amount": "0.0000000000000000001"},
		"not a number":      {"to": recipient.Hex(), "amount": "ten"},
	}
	for name, params := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			res := f.run(t, task.Spec{Type: TypeNativeTransfer, Params: params})
			assert.Equal(t, task.StatusFailed, res.Status)
			assert.Equal(t, string(xerrors.CodeTaskConfiguration), res.ErrorCode)
			assert.Empty(t, f.sender.sent)
		})
	}
}

func TestRevertedTransferKeepsHash(t *testing.T) {
	f := newFixture(t)
	f.sender.receipt = &transaction.Receipt{Hash: common.HexToHash("0xdead")}
	f.sender.err = xerrors.New(xerrors.CodeTransactionReverted, "status 0")

	res := f.run(t, task.Spec{
		Type:   TypeNativeTransfer,
		Params: map[string]any{"to": recipient.Hex(), "amount": "1"},
	})

	assert.Equal(t, task.StatusFailed, res.Status)
	assert.Equal(t, string(xerrors.CodeTransactionReverted), res.ErrorCode)
	assert.Equal(t, common.HexToHash("0xdead").Hex(), res.TxHash)
	assert.NotContains(t, res.Data, "block_number")
}

func TestSubmitTimeoutIsNotRetriedByProcessor(t *testing.T) {
	f := newFixture(t)
	f.sender.receipt = nil
	f.sender.err = xerrors.Wrap(xerrors.CodeTransactionUnknown, context.DeadlineExceeded, "send transaction")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store := task.NewMemoryStore()
	queue := task.NewMemoryQueue(16)
	service := task.NewService(store, queue, f.builder, 3)
	processor := task.NewProcessor(f.builder, store, queue, queue)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = processor.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	job, err := service.Submit(ctx, task.Spec{
		Type:   TypeNativeTransfer,
		Params: map[string]any{"to": recipient.Hex(), "amount": "1"},
	})
	require.NoError(t, err)
	finished, err := service.WaitUntilCompleted(ctx, job.ID, 5*time.Millisecond)
	require.NoError(t, err)

	assert.Equal(t, task.JobFailed, finished.Status)
	assert.Equal(t, 1, finished.Attempts)
	assert.Equal(t, string(xerrors.CodeTransactionUnknown), finished.ErrorCode)
	f.sender.mu.Lock()
	defer f.sender.mu.Unlock()
	assert.Len(t, f.sender.sent, 1, "a transfer that may have reached the node must not be sent again")
}

func TestUnknownWalletFailsRun(t *testing.T) {
	f := newFixture(t)

	res := f.run(t, task.Spec{
		Type:   TypeNativeTransfer,
		Wallet: "carol",
		Params: map[string]any{"to": recipient.Hex(), "amount": "1"},
	})

	assert.Equal(t, string(xerrors.CodeWalletNotFound), res.ErrorCode)
	assert.Empty(t, f.sender.sent)
}

func TestERC20TransferUsesTokenDecimals(t *testing.T) {
	f := newFixture(t)

	res := f.run(t, task.Spec{
		Type: TypeERC20Transfer,
		Params: map[string]any{
			"token":  tokenAddr.Hex(),
			"to":     recipient.Hex(),
			"amount": "12.5",
		},
	})

	require.True(t, res.Succeeded(), res.Error)
	assert.Equal(t, "12500000", res.Data["amount_raw"])

	want, err := ethereum.PackTransfer(recipient, big.NewInt(12_500_000))
	require.NoError(t, err)
	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, tokenAddr, *f.sender.sent[0].To)
	assert.Equal(t, want, f.sender.sent[0].Data)
	assert.Nil(t, f.sender.sent[0].Value)
}

func TestERC20TransferRejectsPrecisionBeyondDecimals(t *testing.T) {
	f := newFixture(t)

	res := f.run(t, task.Spec{
		Type:   TypeERC20Transfer,
		Params: map[string]any{"token": tokenAddr.Hex(), "to": recipient.Hex(), "amount": "0.0000001"},
	})

	assert.Equal(t, string(xerrors.CodeTaskConfiguration), res.ErrorCode)
	assert.Empty(t, f.sender.sent)
}

func TestERC20ApproveUnlimited(t *testing.T) {
	f := newFixture(t)

	res := f.run(t, task.Spec{
		Type:   TypeERC20Approve,
		Params: map[string]any{"token": tokenAddr.Hex(), "spender": recipient.Hex(), "amount": "unlimited"},
	})

	require.True(t, res.Succeeded(), res.Error)
	assert.Equal(t, Unlimited, res.Data["amount"])
	assert.Zero(t, f.chain.decimalsCalls)

	want, err := ethereum.PackApprove(recipient, ethereum.MaxUint256)
	require.NoError(t, err)
	assert.Equal(t, want, f.sender.sent[0].Data)
}

func TestERC20ApproveAmount(t *testing.T) {
	f := newFixture(t)

	res := f.run(t, task.Spec{
		Type:   TypeERC20Approve,
		Params: map[string]any{"token": tokenAddr.Hex(), "spender": recipient.Hex(), "amount": "3"},
	})

	require.True(t, res.Succeeded(), res.Error)
	want, err := ethereum.PackApprove(recipient, big.NewInt(3_000_000))
	require.NoError(t, err)
	assert.Equal(t, want, f.sender.sent[0].Data)
	assert.Equal(t, 1, f.chain.decimalsCalls)
}

func TestBalanceFormatsTokenAmount(t *testing.T) {
	f := newFixture(t)
	f.chain.decimals = 4
	f.chain.tokenBalance = big.NewInt(1_234_500)

	res := f.run(t, task.Spec{Type: TypeBalance, Params: map[string]any{"token": tokenAddr.Hex()}})

	require.True(t, res.Succeeded(), res.Error)
	assert.Equal(t, "123.45", res.Data["balance"])
	assert.Equal(t, aliceAddr.Hex(), res.Data["address"])
	assert.Empty(t, res.TxHash)
}

func TestBalanceOfExplicitAddress(t *testing.T) {
	f := newFixture(t)
	f.chain.balances[recipient] = ether(2, 0)

	res := f.run(t, task.Spec{Type: TypeBalance, Params: map[string]any{"address": recipient.Hex()}})

	require.True(t, res.Succeeded(), res.Error)
	assert.Equal(t, "2", res.Data["balance"])
	assert.Equal(t, "2000000000000000000", res.Data["balance_raw"])
}

func TestBuilderNestedCompositeInheritsWallet(t *testing.T) {
	f := newFixture(t)
	f.chain.balances[f.bob.Address()] = ether(1, 0)

	spec := task.Spec{
		Type:   task.TypeSequential,
		Name:   "payroll",
		Wallet: "bob",
		Subtasks: []task.Spec{
			{Type: TypeBalance},
			{Type: task.TypeParallel, Subtasks: []task.Spec{
				{Type: TypeNativeTransfer, Params: map[string]any{"to": recipient.Hex(), "amount": "0.1"}},
				{Type: TypeNativeTransfer, Wallet: "alice", Params: map[string]any{"to": recipient.Hex(), "amount": "0.2"}},
			}},
		},
	}
	built, err := f.builder.Build(spec)
	require.NoError(t, err)
	assert.Equal(t, "payroll", built.Name())

	res := task.Run(context.Background(), built)
	require.True(t, res.Succeeded(), res.Error)

	subtasks, ok := res.Data[task.SubtaskResultsKey].(map[string]*task.Result)
	require.True(t, ok)
	require.Len(t, subtasks, 2)

	var balance *task.Result
	for _, sub := range subtasks {
		if sub.TaskName == TypeBalance {
			balance = sub
		}
	}
	require.NotNil(t, balance)
	assert.Equal(t, f.bob.Address().Hex(), balance.Data["address"])

	require.Len(t, f.sender.signers, 2)
	assert.ElementsMatch(t, []common.Address{f.bob.Address(), aliceAddr}, f.sender.signers)
}

func TestBuilderRejectsInvalidSpecs(t *testing.T) {
	f := newFixture(t)

	cases := map[string]task.Spec{
		"unknown type":     {Type: "swap"},
		"empty type":       {},
		"empty composite":  {Type: task.TypeParallel},
		"bad gas limit":    {Type: TypeNativeTransfer, Params: map[string]any{"gas_limit": "lots"}},
		"bad nested child": {Type: task.TypeSequential, Subtasks: []task.Spec{{Type: "swap"}}},
		"erc20 bad gas":    {Type: TypeERC20Transfer, Params: map[string]any{"gas_limit": -1}},
		"approve bad gas":  {Type: TypeERC20Approve, Params: map[string]any{"gas_limit": "1.5"}},
	}
	for name, spec := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.builder.Build(spec)
			require.Error(t, err)
			assert.True(t, xerrors.HasCode(err, xerrors.CodeTaskConfiguration), err.Error())
		})
	}
}
