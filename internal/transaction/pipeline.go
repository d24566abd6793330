// Package transaction builds, signs, submits and confirms native and contract
// transactions on behalf of an explicit signer.
package transaction

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	xerrors "Monad-Automation/internal/errors"
	"Monad-Automation/internal/observability/metrics"
	"Monad-Automation/pkg/logger"
)

const (
	defaultConfirmTimeout = 300 * time.Second
	defaultPollInterval   = 100 * time.Millisecond
)

// Chain is the subset of the gateway the pipeline drives.
type Chain interface {
	ChainID() *big.Int
	GasPrice(ctx context.Context) *big.Int
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) uint64
	Nonce(ctx context.Context, account common.Address) (uint64, error)
	Balance(ctx context.Context, account common.Address) (*big.Int, error)
	Submit(ctx context.Context, tx *types.Transaction) (common.Hash, error)
	WaitForReceipt(ctx context.Context, hash common.Hash, timeout, pollInterval time.Duration) (*types.Receipt, error)
}

// Signer is the signing context a transaction is sent with.
type Signer interface {
	Address() common.Address
	CanSign() bool
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// Params are the caller supplied fields. Nil fields are resolved by Prepare.
type Params struct {
	To       *common.Address
	Value    *big.Int
	Data     []byte
	GasLimit uint64
	GasPrice *big.Int
	Nonce    *uint64
}

// Request is a fully populated transaction ready to sign.
type Request struct {
	From     common.Address
	To       *common.Address
	Value    *big.Int
	Data     []byte
	GasLimit uint64
	GasPrice *big.Int
	Nonce    uint64
	ChainID  *big.Int

	reserved bool
}

// Cost returns value + gasLimit*gasPrice.
func (r *Request) Cost() *big.Int {
	cost := new(big.Int).Mul(new(big.Int).SetUint64(r.GasLimit), r.GasPrice)
	return cost.Add(cost, r.Value)
}

// Receipt summarises a confirmed transaction.
type Receipt struct {
	Hash        common.Hash `json:"hash"`
	Status      uint64      `json:"status"`
	BlockNumber uint64      `json:"block_number"`
	GasUsed     uint64      `json:"gas_used"`
}

// Pipeline turns Params into confirmed transactions.
type Pipeline struct {
	chain          Chain
	nonces         NonceSource
	confirmTimeout time.Duration
	pollInterval   time.Duration
	log            *slog.Logger
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithNonceSource replaces the in-memory nonce allocator.
func WithNonceSource(src NonceSource) Option {
	return func(p *Pipeline) {
		if src != nil {
			p.nonces = src
		}
	}
}

// WithConfirmTimeout sets the default deadline used by Confirm.
func WithConfirmTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.confirmTimeout = d
		}
	}
}

// WithPollInterval sets the receipt polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// NewPipeline creates a pipeline over chain.
func NewPipeline(chain Chain, opts ...Option) *Pipeline {
	p := &Pipeline{
		chain:          chain,
		nonces:         NewMemoryNonceSource(),
		confirmTimeout: defaultConfirmTimeout,
		pollInterval:   defaultPollInterval,
		log:            logger.Named("transaction"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Prepare fills every missing field. The pending nonce is fetched from the
// node on each call and reconciled with earlier reservations for the sender.
func (p *Pipeline) Prepare(ctx context.Context, signer Signer, params Params) (*Request, error) {
	if err := requireSigner(signer); err != nil {
		return nil, err
	}
	req := &Request{
		From:     signer.Address(),
		To:       params.To,
		Value:    params.Value,
		Data:     params.Data,
		GasLimit: params.GasLimit,
		GasPrice: params.GasPrice,
		ChainID:  p.chain.ChainID(),
	}
	if req.Value == nil {
		req.Value = new(big.Int)
	}
	if req.Value.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeValidation, "value must not be negative")
	}
	if req.GasPrice == nil {
		req.GasPrice = p.chain.GasPrice(ctx)
	}
	if req.GasLimit == 0 {
		req.GasLimit = p.chain.EstimateGas(ctx, gethcore.CallMsg{
			From:     req.From,
			To:       req.To,
			GasPrice: req.GasPrice,
			Value:    req.Value,
			Data:     req.Data,
		})
	}

	if params.Nonce != nil {
		req.Nonce = *params.Nonce
		return req, nil
	}
	pending, err := p.chain.Nonce(ctx, req.From)
	if err != nil {
		return nil, err
	}
	nonce, err := p.nonces.Reserve(ctx, req.From, pending)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransaction, err, "reserve nonce",
			xerrors.WithMetadata("from", req.From.Hex()))
	}
	req.Nonce = nonce
	req.reserved = true
	return req, nil
}

// Send checks the sender can cover value plus maximum fee, signs and submits.
// Nothing reaches the node when the balance is short.
func (p *Pipeline) Send(ctx context.Context, signer Signer, req *Request) (hash common.Hash, err error) {
	if err := requireSigner(signer); err != nil {
		return common.Hash{}, err
	}
	if req == nil {
		return common.Hash{}, xerrors.New(xerrors.CodeValidation, "transaction request is nil")
	}
	defer func() {
		if err == nil {
			p.settle(req, true)
			return
		}
		metrics.ObserveTransaction(metrics.TxFailed)
		// The node may hold the transaction, so its nonce stays spent.
		p.settle(req, xerrors.HasCode(err, xerrors.CodeTransactionUnknown))
	}()

	balance, err := p.chain.Balance(ctx, req.From)
	if err != nil {
		return common.Hash{}, err
	}
	required := req.Cost()
	if balance.Cmp(required) < 0 {
		return common.Hash{}, xerrors.New(xerrors.CodeInsufficientFunds,
			fmt.Sprintf("insufficient balance: have %s wei, need %s wei", balance, required),
			xerrors.WithMetadata("from", req.From.Hex()),
			xerrors.WithMetadata("balance", balance.String()),
			xerrors.WithMetadata("required", required.String()),
		)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    req.Nonce,
		To:       req.To,
		Value:    req.Value,
		Gas:      req.GasLimit,
		GasPrice: req.GasPrice,
		Data:     req.Data,
	})
	signed, err := signer.SignTx(tx, req.ChainID)
	if err != nil {
		return common.Hash{}, err
	}
	hash, err = p.chain.Submit(ctx, signed)
	if err != nil {
		return common.Hash{}, err
	}

	metrics.ObserveTransaction(metrics.TxSubmitted)
	p.log.Debug("transaction sent",
		slog.String("hash", hash.Hex()),
		slog.String("from", req.From.Hex()),
		slog.Uint64("nonce", req.Nonce),
		slog.Uint64("gas_limit", req.GasLimit),
		slog.String("gas_price", req.GasPrice.String()),
	)
	return hash, nil
}

// Confirm waits for the receipt. A timeout <= 0 uses the pipeline default.
func (p *Pipeline) Confirm(ctx context.Context, hash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	if timeout <= 0 {
		timeout = p.confirmTimeout
	}
	receipt, err := p.chain.WaitForReceipt(ctx, hash, timeout, p.pollInterval)
	switch {
	case err == nil:
		metrics.ObserveTransaction(metrics.TxConfirmed)
	case xerrors.HasCode(err, xerrors.CodeTransactionReverted):
		metrics.ObserveTransaction(metrics.TxReverted)
	case xerrors.HasCode(err, xerrors.CodeTransactionTimeout):
		metrics.ObserveTransaction(metrics.TxTimeout)
	}
	return receipt, err
}

// Transfer runs Prepare, Send and Confirm in order.
func (p *Pipeline) Transfer(ctx context.Context, signer Signer, params Params) (*Receipt, error) {
	req, err := p.Prepare(ctx, signer, params)
	if err != nil {
		return nil, err
	}
	hash, err := p.Send(ctx, signer, req)
	if err != nil {
		return nil, err
	}
	receipt, err := p.Confirm(ctx, hash, 0)
	if err != nil {
		return &Receipt{Hash: hash}, err
	}
	return summarize(hash, receipt), nil
}

// settle ends the nonce reservation of req. A consumed nonce is committed,
// any other is released for reuse.
func (p *Pipeline) settle(req *Request, consumed bool) {
	if !req.reserved {
		return
	}
	// The caller's context may already be cancelled; settling must still run.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	op, settle := "release", p.nonces.Release
	if consumed {
		op, settle = "commit", p.nonces.Commit
	}
	if err := settle(ctx, req.From, req.Nonce); err != nil {
		p.log.Warn(op+" nonce failed",
			slog.String("from", req.From.Hex()),
			slog.Uint64("nonce", req.Nonce),
			slog.Any("error", err),
		)
	}
	req.reserved = false
}

func summarize(hash common.Hash, receipt *types.Receipt) *Receipt {
	out := &Receipt{Hash: hash, Status: receipt.Status, GasUsed: receipt.GasUsed}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return out
}

func requireSigner(signer Signer) error {
	if signer == nil || !signer.CanSign() {
		return xerrors.New(xerrors.CodeWalletNoSigningKey, "no signing key available for transaction")
	}
	return nil
}
