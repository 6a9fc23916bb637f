// Package coin provides integer base-unit amounts paired with a denom.
//
// Amounts carry no decimal point: 1 coin of denom "untrn" is one
// indivisible base unit. All arithmetic is big.Int to avoid overflow
// on large balances.
package coin

import (
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

// DefaultDenom is the asset used when a tool does not specify one.
const DefaultDenom = "untrn"

var denomRe = regexp.MustCompile(`^[a-z][a-z0-9/]{2,127}$`)

var (
	ErrInvalidAmount = errors.New("invalid amount")
	ErrInvalidDenom  = errors.New("invalid denom")
)

// Coin is an amount of a single asset in base units.
type Coin struct {
	Denom  string   `json:"denom"`
	Amount *big.Int `json:"amount"`
}

// New returns a Coin for the given base-unit amount and denom.
func New(amount int64, denom string) Coin {
	return Coin{Denom: denom, Amount: big.NewInt(amount)}
}

// ParseAmount converts a base-10 integer string to a big.Int amount.
// Negative amounts and non-digit input are rejected.
func ParseAmount(s string) (*big.Int, error) {
	if s == "" {
		return nil, ErrInvalidAmount
	}
	if strings.HasPrefix(s, "-") {
		return nil, ErrInvalidAmount
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, ErrInvalidAmount
	}
	return n, nil
}

// Parse converts a string like "100untrn" into a Coin.
func Parse(s string) (Coin, error) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return Coin{}, ErrInvalidAmount
	}
	amount, err := ParseAmount(s[:i])
	if err != nil {
		return Coin{}, err
	}
	denom := s[i:]
	if err := ValidateDenom(denom); err != nil {
		return Coin{}, err
	}
	return Coin{Denom: denom, Amount: amount}, nil
}

// ValidateDenom checks a denom against the allowed character set.
func ValidateDenom(denom string) error {
	if !denomRe.MatchString(denom) {
		return ErrInvalidDenom
	}
	return nil
}

// Validate checks that the coin has a well-formed denom and a
// non-nil, non-negative amount.
func (c Coin) Validate() error {
	if err := ValidateDenom(c.Denom); err != nil {
		return err
	}
	if c.Amount == nil || c.Amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	return nil
}

// IsPositive reports whether the amount is strictly greater than zero.
func (c Coin) IsPositive() bool {
	return c.Amount != nil && c.Amount.Sign() > 0
}

// IsZero reports whether the amount is zero or unset.
func (c Coin) IsZero() bool {
	return c.Amount == nil || c.Amount.Sign() == 0
}

// Equal reports whether both denom and amount match exactly.
func (c Coin) Equal(other Coin) bool {
	if c.Denom != other.Denom {
		return false
	}
	if c.Amount == nil || other.Amount == nil {
		return c.IsZero() && other.IsZero()
	}
	return c.Amount.Cmp(other.Amount) == 0
}

// Add returns c + other. Panics on denom mismatch; callers must have
// validated denoms first.
func (c Coin) Add(other Coin) Coin {
	if c.Denom != other.Denom {
		panic(fmt.Sprintf("coin: add %s to %s", other.Denom, c.Denom))
	}
	return Coin{Denom: c.Denom, Amount: new(big.Int).Add(c.Amount, other.Amount)}
}

// Sub returns c - other. Panics on denom mismatch.
func (c Coin) Sub(other Coin) Coin {
	if c.Denom != other.Denom {
		panic(fmt.Sprintf("coin: sub %s from %s", other.Denom, c.Denom))
	}
	return Coin{Denom: c.Denom, Amount: new(big.Int).Sub(c.Amount, other.Amount)}
}

// String renders the coin as "<amount><denom>", e.g. "100untrn".
func (c Coin) String() string {
	if c.Amount == nil {
		return "0" + c.Denom
	}
	return c.Amount.String() + c.Denom
}
