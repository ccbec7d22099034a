package types

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Token enumerates the fungible balances tracked by the pool ledger.
type Token uint8

const (
	// TokenCurrency is the pool's settlement currency.
	TokenCurrency Token = iota
	// TokenSeniorShare is the senior tranche share token.
	TokenSeniorShare
	// TokenJuniorShare is the junior tranche share token.
	TokenJuniorShare
)

func (t Token) String() string {
	switch t {
	case TokenCurrency:
		return "currency"
	case TokenSeniorShare:
		return "senior-share"
	case TokenJuniorShare:
		return "junior-share"
	default:
		return fmt.Sprintf("token(%d)", uint8(t))
	}
}

// Account captures the ledger balances for a single address. Amounts are
// denominated in wei and expressed as 256-bit unsigned integers to match
// on-chain precision.
type Account struct {
	BalanceCurrency *uint256.Int
	BalanceSenior   *uint256.Int
	BalanceJunior   *uint256.Int
}

// NewAccount returns an account with all balances initialised to zero.
func NewAccount() *Account {
	return &Account{
		BalanceCurrency: uint256.NewInt(0),
		BalanceSenior:   uint256.NewInt(0),
		BalanceJunior:   uint256.NewInt(0),
	}
}

// Normalize replaces nil balances with zero so callers never dereference nil.
func (a *Account) Normalize() *Account {
	if a.BalanceCurrency == nil {
		a.BalanceCurrency = uint256.NewInt(0)
	}
	if a.BalanceSenior == nil {
		a.BalanceSenior = uint256.NewInt(0)
	}
	if a.BalanceJunior == nil {
		a.BalanceJunior = uint256.NewInt(0)
	}
	return a
}

// Balance returns the live balance pointer for the given token.
func (a *Account) Balance(tok Token) *uint256.Int {
	a.Normalize()
	switch tok {
	case TokenSeniorShare:
		return a.BalanceSenior
	case TokenJuniorShare:
		return a.BalanceJunior
	default:
		return a.BalanceCurrency
	}
}

// SetBalance overwrites the balance of the given token.
func (a *Account) SetBalance(tok Token, amount *uint256.Int) {
	a.Normalize()
	value := uint256.NewInt(0)
	if amount != nil {
		value = new(uint256.Int).Set(amount)
	}
	switch tok {
	case TokenSeniorShare:
		a.BalanceSenior = value
	case TokenJuniorShare:
		a.BalanceJunior = value
	default:
		a.BalanceCurrency = value
	}
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return NewAccount()
	}
	a.Normalize()
	return &Account{
		BalanceCurrency: new(uint256.Int).Set(a.BalanceCurrency),
		BalanceSenior:   new(uint256.Int).Set(a.BalanceSenior),
		BalanceJunior:   new(uint256.Int).Set(a.BalanceJunior),
	}
}
