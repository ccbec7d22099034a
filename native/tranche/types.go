package tranche

import (
	"fmt"

	"github.com/holiman/uint256"

	"tranchex/core/types"
	"tranchex/crypto"
)

// Class identifies the tranche position in the capital structure.
type Class uint8

const (
	Senior Class = iota + 1
	Junior
)

func (c Class) String() string {
	switch c {
	case Senior:
		return "senior"
	case Junior:
		return "junior"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

// Token returns the share token minted and burned by this tranche.
func (c Class) Token() types.Token {
	if c == Junior {
		return types.TokenJuniorShare
	}
	return types.TokenSeniorShare
}

// Order is an investor's outstanding request against the tranche. A new
// supply or redeem call replaces the corresponding amount instead of adding
// to it.
type Order struct {
	// Investor is the account the order belongs to.
	Investor crypto.Address
	// OrderedInEpoch records the epoch the order was last placed or rolled
	// into by a disbursement. Zero means the investor never ordered.
	OrderedInEpoch uint64
	// SupplyCurrency is the escrowed currency waiting for investment.
	SupplyCurrency *uint256.Int
	// RedeemToken is the escrowed share token amount waiting for redemption.
	RedeemToken *uint256.Int
}

func (o *Order) Normalize() *Order {
	if o.SupplyCurrency == nil {
		o.SupplyCurrency = uint256.NewInt(0)
	}
	if o.RedeemToken == nil {
		o.RedeemToken = uint256.NewInt(0)
	}
	return o
}

func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	o.Normalize()
	return &Order{
		Investor:       o.Investor,
		OrderedInEpoch: o.OrderedInEpoch,
		SupplyCurrency: new(uint256.Int).Set(o.SupplyCurrency),
		RedeemToken:    new(uint256.Int).Set(o.RedeemToken),
	}
}

// Epoch freezes the settlement outcome of one closed epoch. Records are
// write-once: disbursement math depends on them never changing.
type Epoch struct {
	// SupplyFulfillment is the ray fraction of supply orders honored.
	SupplyFulfillment *uint256.Int
	// RedeemFulfillment is the ray fraction of redeem orders honored.
	RedeemFulfillment *uint256.Int
	// TokenPrice is the share token price snapshotted when the epoch closed.
	TokenPrice *uint256.Int
	// SupplyOrdered is the total supply ordered for the epoch, in currency.
	SupplyOrdered *uint256.Int
	// RedeemOrdered is the total redemption ordered for the epoch, in tokens.
	RedeemOrdered *uint256.Int
}

func (e *Epoch) Normalize() *Epoch {
	if e.SupplyFulfillment == nil {
		e.SupplyFulfillment = uint256.NewInt(0)
	}
	if e.RedeemFulfillment == nil {
		e.RedeemFulfillment = uint256.NewInt(0)
	}
	if e.TokenPrice == nil {
		e.TokenPrice = uint256.NewInt(0)
	}
	if e.SupplyOrdered == nil {
		e.SupplyOrdered = uint256.NewInt(0)
	}
	if e.RedeemOrdered == nil {
		e.RedeemOrdered = uint256.NewInt(0)
	}
	return e
}

func (e *Epoch) Clone() *Epoch {
	if e == nil {
		return nil
	}
	e.Normalize()
	return &Epoch{
		SupplyFulfillment: new(uint256.Int).Set(e.SupplyFulfillment),
		RedeemFulfillment: new(uint256.Int).Set(e.RedeemFulfillment),
		TokenPrice:        new(uint256.Int).Set(e.TokenPrice),
		SupplyOrdered:     new(uint256.Int).Set(e.SupplyOrdered),
		RedeemOrdered:     new(uint256.Int).Set(e.RedeemOrdered),
	}
}

// Meta carries the tranche's running order-book totals and settlement
// bookkeeping between epochs.
type Meta struct {
	// TotalSupply is the sum of open supply orders, in currency.
	TotalSupply *uint256.Int
	// TotalRedeem is the sum of open redeem orders, in share tokens.
	TotalRedeem *uint256.Int
	// LastEpochExecuted is the id of the latest epoch with a recorded
	// fulfillment tuple.
	LastEpochExecuted uint64
	// WaitingForUpdate blocks new orders between CloseEpoch and EpochUpdate.
	WaitingForUpdate bool
	// RequestedCurrency is fulfilled supply currency owed to the reserve.
	RequestedCurrency *uint256.Int
	// RedemptionOwed is fulfilled redemption currency owed from the reserve.
	RedemptionOwed *uint256.Int
}

func (m *Meta) Normalize() *Meta {
	if m.TotalSupply == nil {
		m.TotalSupply = uint256.NewInt(0)
	}
	if m.TotalRedeem == nil {
		m.TotalRedeem = uint256.NewInt(0)
	}
	if m.RequestedCurrency == nil {
		m.RequestedCurrency = uint256.NewInt(0)
	}
	if m.RedemptionOwed == nil {
		m.RedemptionOwed = uint256.NewInt(0)
	}
	return m
}

func (m *Meta) Clone() *Meta {
	if m == nil {
		return nil
	}
	m.Normalize()
	return &Meta{
		TotalSupply:       new(uint256.Int).Set(m.TotalSupply),
		TotalRedeem:       new(uint256.Int).Set(m.TotalRedeem),
		LastEpochExecuted: m.LastEpochExecuted,
		WaitingForUpdate:  m.WaitingForUpdate,
		RequestedCurrency: new(uint256.Int).Set(m.RequestedCurrency),
		RedemptionOwed:    new(uint256.Int).Set(m.RedemptionOwed),
	}
}

// Disbursement reports the outcome of a disbursement walk.
type Disbursement struct {
	// PayoutCurrency is the redemption currency owed to the investor.
	PayoutCurrency *uint256.Int
	// PayoutToken is the share token amount owed to the investor.
	PayoutToken *uint256.Int
	// RemainingSupplyCurrency is the unfulfilled supply carried forward.
	RemainingSupplyCurrency *uint256.Int
	// RemainingRedeemToken is the unfulfilled redemption carried forward.
	RemainingRedeemToken *uint256.Int
}
