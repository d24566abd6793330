// Package units converts between human readable amounts and base units and
// validates account addresses.
package units

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Monad-Automation/internal/errors"
)

// EtherDecimals is the number of decimals of the native currency.
const EtherDecimals = 18

var ten = big.NewInt(10)

// ToWei parses a decimal amount such as "1.5" into base units with the given
// number of decimals. Fractions finer than the token supports are rejected.
func ToWei(amount string, decimals uint8) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "amount is empty")
	}
	if strings.HasPrefix(amount, "-") {
		return nil, xerrors.New(xerrors.CodeValidation, fmt.Sprintf("amount %q is negative", amount))
	}
	whole, frac, _ := strings.Cut(amount, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > int(decimals) {
		trimmed := strings.TrimRight(frac, "0")
		if len(trimmed) > int(decimals) {
			return nil, xerrors.New(xerrors.CodeValidation,
				fmt.Sprintf("amount %q has more than %d decimals", amount, decimals))
		}
		frac = trimmed
	}
	frac += strings.Repeat("0", int(decimals)-len(frac))

	value, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, xerrors.New(xerrors.CodeValidation, fmt.Sprintf("amount %q is not a decimal number", amount))
	}
	return value, nil
}

// FromWei renders base units as a decimal string without trailing zeros.
func FromWei(value *big.Int, decimals uint8) string {
	if value == nil {
		return "0"
	}
	sign := ""
	abs := new(big.Int).Set(value)
	if abs.Sign() < 0 {
		sign = "-"
		abs.Neg(abs)
	}
	unit := new(big.Int).Exp(ten, big.NewInt(int64(decimals)), nil)
	whole, rem := new(big.Int).QuoRem(abs, unit, new(big.Int))
	if rem.Sign() == 0 {
		return sign + whole.String()
	}
	frac := rem.String()
	frac = strings.Repeat("0", int(decimals)-len(frac)) + frac
	return sign + whole.String() + "." + strings.TrimRight(frac, "0")
}

// Gwei converts a gwei amount into wei.
func Gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000))
}

// ParseAddress validates a hex address. Mixed-case input must carry a valid
// EIP-55 checksum; all-lowercase or all-uppercase input is accepted as is.
func ParseAddress(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, xerrors.New(xerrors.CodeValidation, fmt.Sprintf("invalid address %q", raw))
	}
	addr := common.HexToAddress(raw)
	body := strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	if body != strings.ToLower(body) && body != strings.ToUpper(body) {
		if addr.Hex()[2:] != body {
			return common.Address{}, xerrors.New(xerrors.CodeValidation, fmt.Sprintf("address %q has an invalid checksum", raw))
		}
	}
	return addr, nil
}
