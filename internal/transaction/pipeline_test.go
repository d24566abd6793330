package transaction

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "Monad-Automation/internal/errors"
	"Monad-Automation/internal/wallet"
)

type fakeChain struct {
	mu sync.Mutex

	balance    *big.Int
	gasPrice   *big.Int
	estimate   uint64
	nonce      uint64
	nonceCalls int
	submitErr  error
	submitted  []*types.Transaction
	receipt    *types.Receipt
	receiptErr error
	lastWait   time.Duration
}

var _ Chain = (*fakeChain)(nil)

func (f *fakeChain) ChainID() *big.Int { return big.NewInt(2442) }
func (f *fakeChain) GasPrice(context.Context) *big.Int { return f.gasPrice }
func (f *fakeChain) EstimateGas(context.Context, gethcore.CallMsg) uint64 { return f.estimate }

func (f *fakeChain) Nonce(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonceCalls++
	return f.nonce, nil
}

func (f *fakeChain) Balance(context.Context, common.Address) (*big.Int, error) {
	return f.balance, nil
}

func (f *fakeChain) Submit(_ context.Context, tx *types.Transaction) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return common.Hash{}, f.submitErr
	}
	f.submitted = append(f.submitted, tx)
	return tx.Hash(), nil
}

func (f *fakeChain) WaitForReceipt(_ context.Context, hash common.Hash, timeout, _ time.Duration) (*types.Receipt, error) {
	f.mu.Lock()
	f.lastWait = timeout
	f.mu.Unlock()
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	r := *f.receipt
	r.TxHash = hash
	return &r, nil
}

func testSigner(t *testing.T) *wallet.Wallet {
	t.Helper()
	w, err := wallet.FromPrivateKey("alice", "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	require.NoError(t, err)
	return w
}

func newChain() *fakeChain {
	return &fakeChain{
		balance:  big.NewInt(1_000_000),
		gasPrice: big.NewInt(1),
		estimate: 21000,
		nonce:    5,
		receipt:  &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(9), GasUsed: 21000},
	}
}

var recipient = common.HexToAddress("0x000000000000000000000000000000000000dEaD")

func TestPrepareFillsMissingFields(t *testing.T) {
	chain := newChain()
	p := NewPipeline(chain)

	req, err := p.Prepare(context.Background(), testSigner(t), Params{To: &recipient, Value: big.NewInt(10)})
	require.NoError(t, err)
	assert.Equal(t, uint64(21000), req.GasLimit)
	assert.Equal(t, big.NewInt(1), req.GasPrice)
	assert.Equal(t, uint64(5), req.Nonce)
	assert.Equal(t, big.NewInt(2442), req.ChainID)

	limit := uint64(50000)
	nonce := uint64(42)
	req, err = p.Prepare(context.Background(), testSigner(t), Params{
		To: &recipient, GasLimit: limit, GasPrice: big.NewInt(3), Nonce: &nonce,
	})
	require.NoError(t, err)
	assert.Equal(t, limit, req.GasLimit)
	assert.Equal(t, big.NewInt(3), req.GasPrice)
	assert.Equal(t, nonce, req.Nonce)
	assert.Equal(t, 0, req.Value.Sign())
}

func TestPrepareFetchesNonceEveryCallAndNeverReuses(t *testing.T) {
	chain := newChain()
	p := NewPipeline(chain)
	signer := testSigner(t)

	first, err := p.Prepare(context.Background(), signer, Params{To: &recipient})
	require.NoError(t, err)
	second, err := p.Prepare(context.Background(), signer, Params{To: &recipient})
	require.NoError(t, err)

	assert.Equal(t, 2, chain.nonceCalls)
	assert.Equal(t, uint64(5), first.Nonce)
	assert.Equal(t, uint64(6), second.Nonce)

	chain.nonce = 10
	third, err := p.Prepare(context.Background(), signer, Params{To: &recipient})
	require.NoError(t, err)
	assert.Equal(t, uint64(10), third.Nonce)
}

func TestPrepareRequiresSigningKey(t *testing.T) {
	p := NewPipeline(newChain())
	watch, err := wallet.WatchOnly("watch", recipient)
	require.NoError(t, err)

	_, err = p.Prepare(context.Background(), watch, Params{To: &recipient})
	assert.Equal(t, xerrors.CodeWalletNoSigningKey, xerrors.CodeOf(err))

	_, err = p.Prepare(context.Background(), nil, Params{To: &recipient})
	assert.Equal(t, xerrors.CodeWalletNoSigningKey, xerrors.CodeOf(err))
}

func TestSendInsufficientFundsNeverSubmits(t *testing.T) {
	chain := newChain()
	chain.balance = big.NewInt(100)
	p := NewPipeline(chain)

	req, err := p.Prepare(context.Background(), testSigner(t), Params{
		To: &recipient, Value: big.NewInt(95), GasLimit: 10, GasPrice: big.NewInt(1),
	})
	require.NoError(t, err)

	_, err = p.Send(context.Background(), testSigner(t), req)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeInsufficientFunds, xerrors.CodeOf(err))
	assert.Empty(t, chain.submitted)

	// the reservation was released, so the next prepare reuses the nonce
	again, err := p.Prepare(context.Background(), testSigner(t), Params{To: &recipient, GasLimit: 10, GasPrice: big.NewInt(1)})
	require.NoError(t, err)
	assert.Equal(t, req.Nonce, again.Nonce)
}

func TestSendExactBalanceSubmits(t *testing.T) {
	chain := newChain()
	chain.balance = big.NewInt(105)
	p := NewPipeline(chain)
	signer := testSigner(t)

	req, err := p.Prepare(context.Background(), signer, Params{
		To: &recipient, Value: big.NewInt(95), GasLimit: 10, GasPrice: big.NewInt(1),
	})
	require.NoError(t, err)
	hash, err := p.Send(context.Background(), signer, req)
	require.NoError(t, err)
	require.Len(t, chain.submitted, 1)

	tx := chain.submitted[0]
	assert.Equal(t, hash, tx.Hash())
	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(2442)), tx)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), sender)
	assert.Equal(t, uint64(5), tx.Nonce())
}

func TestSendReleasesNonceOnSubmitFailure(t *testing.T) {
	chain := newChain()
	chain.submitErr = xerrors.New(xerrors.CodeTransaction, "rejected")
	p := NewPipeline(chain)
	signer := testSigner(t)

	req, err := p.Prepare(context.Background(), signer, Params{To: &recipient})
	require.NoError(t, err)
	_, err = p.Send(context.Background(), signer, req)
	require.Error(t, err)

	chain.submitErr = nil
	again, err := p.Prepare(context.Background(), signer, Params{To: &recipient})
	require.NoError(t, err)
	assert.Equal(t, req.Nonce, again.Nonce)
}

func TestTransferReturnsReceiptSummary(t *testing.T) {
	chain := newChain()
	p := NewPipeline(chain, WithConfirmTimeout(time.Minute))

	receipt, err := p.Transfer(context.Background(), testSigner(t), Params{To: &recipient, Value: big.NewInt(1)})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), receipt.Status)
	assert.Equal(t, uint64(9), receipt.BlockNumber)
	assert.Equal(t, uint64(21000), receipt.GasUsed)
	assert.Equal(t, time.Minute, chain.lastWait)
}

func TestTransferSurfacesRevertWithHash(t *testing.T) {
	chain := newChain()
	chain.receiptErr = xerrors.New(xerrors.CodeTransactionReverted, "reverted")
	p := NewPipeline(chain)

	receipt, err := p.Transfer(context.Background(), testSigner(t), Params{To: &recipient})
	require.Error(t, err)
	assert.True(t, errors.Is(err, xerrors.New(xerrors.CodeTransaction, "")))
	require.NotNil(t, receipt)
	assert.NotEqual(t, common.Hash{}, receipt.Hash)
}

func TestMemoryNonceSourceConcurrentReservations(t *testing.T) {
	src := NewMemoryNonceSource()
	account := recipient

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[uint64]bool)
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := src.Reserve(context.Background(), account, 3)
			assert.NoError(t, err)
			mu.Lock()
			assert.False(t, seen[n], "nonce %d reused", n)
			seen[n] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 50)
	for n := uint64(3); n < 53; n++ {
		assert.True(t, seen[n])
	}

	require.NoError(t, src.Release(context.Background(), account, 10))
	n, err := src.Reserve(context.Background(), account, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), n, "a released nonce is handed out before the mark advances")

	n, err = src.Reserve(context.Background(), account, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(53), n)
}

func TestMemoryNonceSourceIgnoresUnknownNonces(t *testing.T) {
	src := NewMemoryNonceSource()
	ctx := context.Background()

	first, err := src.Reserve(ctx, recipient, 5)
	require.NoError(t, err)
	second, err := src.Reserve(ctx, recipient, 5)
	require.NoError(t, err)
	require.NoError(t, src.Commit(ctx, recipient, first))

	// committed and never-reserved nonces cannot be released
	require.NoError(t, src.Release(ctx, recipient, first))
	require.NoError(t, src.Release(ctx, recipient, 99))
	third, err := src.Reserve(ctx, recipient, 5)
	require.NoError(t, err)
	assert.Equal(t, second+1, third)
}

func TestFailedSendDoesNotStallLaterNonces(t *testing.T) {
	chain := newChain()
	chain.balance = big.NewInt(1_000)
	p := NewPipeline(chain)
	signer := testSigner(t)
	gas := Params{To: &recipient, GasLimit: 10, GasPrice: big.NewInt(1)}

	tooBig := gas
	tooBig.Value = big.NewInt(5_000)
	a, err := p.Prepare(context.Background(), signer, tooBig)
	require.NoError(t, err)
	b, err := p.Prepare(context.Background(), signer, gas)
	require.NoError(t, err)
	require.Equal(t, uint64(5), a.Nonce)
	require.Equal(t, uint64(6), b.Nonce)

	_, err = p.Send(context.Background(), signer, a)
	assert.Equal(t, xerrors.CodeInsufficientFunds, xerrors.CodeOf(err))
	_, err = p.Send(context.Background(), signer, b)
	require.NoError(t, err)

	// b sits behind the hole at 5, so the node still reports 5 as pending.
	next, err := p.Prepare(context.Background(), signer, gas)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), next.Nonce)
}

func TestUnknownSubmitOutcomeKeepsNonceSpent(t *testing.T) {
	chain := newChain()
	chain.submitErr = xerrors.Wrap(xerrors.CodeTransactionUnknown, context.DeadlineExceeded, "send")
	p := NewPipeline(chain)
	signer := testSigner(t)
	gas := Params{To: &recipient, GasLimit: 10, GasPrice: big.NewInt(1)}

	pending, err := p.Prepare(context.Background(), signer, gas)
	require.NoError(t, err)
	held, err := p.Prepare(context.Background(), signer, gas)
	require.NoError(t, err)

	_, err = p.Send(context.Background(), signer, pending)
	require.Error(t, err)
	assert.False(t, xerrors.RetryableError(err))

	// the timed-out transaction may be in the mempool, so its nonce is not reissued
	next, err := p.Prepare(context.Background(), signer, gas)
	require.NoError(t, err)
	assert.NotEqual(t, pending.Nonce, next.Nonce)
	assert.NotEqual(t, held.Nonce, next.Nonce)
}
