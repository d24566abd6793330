package wallet

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "Monad-Automation/internal/errors"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

// Signer is the explicit signing context handed to transaction code.
type Signer interface {
	Address() common.Address
	CanSign() bool
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// Wallet is a named identity. The address is always derived from the key when
// one is held, so the two can never disagree.
type Wallet struct {
	name    string
	address common.Address
	key     *ecdsa.PrivateKey
}

var _ Signer = (*Wallet)(nil)

// Info is the listing view of a wallet.
type Info struct {
	Name          string `json:"name"`
	Address       string `json:"address"`
	HasPrivateKey bool   `json:"has_private_key"`
	IsActive      bool   `json:"is_active"`
}

// FromPrivateKey builds a wallet from a hex encoded secp256k1 key, with or
// without the 0x prefix.
func FromPrivateKey(name, hexKey string) (*Wallet, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	trimmed := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"), "0X")
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeWalletInvalid, err, "invalid private key",
			xerrors.WithMetadata("wallet", name))
	}
	return fromKey(name, key), nil
}

// Generate creates a wallet with a fresh key drawn from crypto/rand.
func Generate(name string) (*Wallet, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeWallet, err, "generate key")
	}
	return fromKey(name, key), nil
}

// WatchOnly creates a wallet that can be queried but never signs.
func WatchOnly(name string, address common.Address) (*Wallet, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if address == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeWalletInvalid, "watch-only wallet requires an address")
	}
	return &Wallet{name: name, address: address}, nil
}

func fromKey(name string, key *ecdsa.PrivateKey) *Wallet {
	return &Wallet{name: name, address: crypto.PubkeyToAddress(key.PublicKey), key: key}
}

// Name returns the unique wallet name.
func (w *Wallet) Name() string { return w.name }

// Address returns the wallet address.
func (w *Wallet) Address() common.Address { return w.address }

// CanSign reports whether a private key is held in memory.
func (w *Wallet) CanSign() bool { return w != nil && w.key != nil }

// SignTx signs the transaction for the given chain id.
func (w *Wallet) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if !w.CanSign() {
		return nil, xerrors.New(xerrors.CodeWalletNoSigningKey,
			fmt.Sprintf("wallet %s is watch-only", w.name))
	}
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), w.key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeWallet, err, "sign transaction",
			xerrors.WithMetadata("wallet", w.name))
	}
	return signed, nil
}

func (w *Wallet) keyBytes() []byte {
	if w.key == nil {
		return nil
	}
	return crypto.FromECDSA(w.key)
}

func (w *Wallet) String() string {
	return fmt.Sprintf("%s (%s)", w.name, w.address.Hex())
}

func validateName(name string) error {
	if !namePattern.MatchString(name) {
		return xerrors.New(xerrors.CodeWalletInvalid,
			fmt.Sprintf("invalid wallet name %q: use letters, digits, '.', '_' or '-'", name))
	}
	return nil
}
