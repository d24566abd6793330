package wallet

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
	"github.com/vulpemventures/go-bip32"

	xerrors "Monad-Automation/internal/errors"
)

// DefaultDerivationPath is the first account of the standard Ethereum path.
const DefaultDerivationPath = "m/44'/60'/0'/0/0"

// FromMnemonic derives a wallet from a BIP-39 phrase along the given BIP-32
// path. An empty path uses DefaultDerivationPath.
func FromMnemonic(name, phrase, path string) (*Wallet, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	phrase = strings.Join(strings.Fields(phrase), " ")
	if !bip39.IsMnemonicValid(phrase) {
		return nil, xerrors.New(xerrors.CodeWalletInvalid, "invalid mnemonic phrase")
	}
	if path == "" {
		path = DefaultDerivationPath
	}
	derivation, err := accounts.ParseDerivationPath(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeWalletInvalid, err, "invalid derivation path")
	}

	seed := bip39.NewSeed(phrase, "")
	node, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeWallet, err, "derive master key")
	}
	for _, index := range derivation {
		node, err = node.NewChildKey(index)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeWallet, err, "derive child key")
		}
	}

	key, err := crypto.ToECDSA(node.Key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeWallet, err, "derived key is not a valid secp256k1 key")
	}
	return fromKey(name, key), nil
}
