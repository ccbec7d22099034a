package tranche

import (
	"math"

	"github.com/holiman/uint256"

	"tranchex/core/types"
	"tranchex/crypto"
	"tranchex/native/common"
	"tranchex/native/fixedmath"
)

// CalcDisburse computes the investor's proportional payouts across every
// executed epoch since the order was placed, without mutating state.
func (t *Tranche) CalcDisburse(investor crypto.Address) (Disbursement, error) {
	return t.CalcDisburseUntil(investor, math.MaxUint64)
}

// CalcDisburseUntil is CalcDisburse with an epoch ceiling, so very long
// unclaimed histories can be worked off across several calls.
func (t *Tranche) CalcDisburseUntil(investor crypto.Address, endEpoch uint64) (Disbursement, error) {
	if t.state == nil {
		return Disbursement{}, ErrNilState
	}
	meta, err := t.ensureMeta()
	if err != nil {
		return Disbursement{}, err
	}
	order, err := t.ensureOrder(investor)
	if err != nil {
		return Disbursement{}, err
	}
	result, _, err := t.calcDisburse(order, meta, endEpoch)
	return result, err
}

// Disburse transfers the payouts computed by CalcDisburse and rolls the
// investor's remaining order forward to the epoch after the one reached.
func (t *Tranche) Disburse(investor crypto.Address) (Disbursement, error) {
	return t.DisburseUntil(investor, math.MaxUint64)
}

// DisburseUntil is Disburse with an epoch ceiling.
func (t *Tranche) DisburseUntil(investor crypto.Address, endEpoch uint64) (Disbursement, error) {
	if t.state == nil {
		return Disbursement{}, ErrNilState
	}
	if err := common.Guard(t.pauses, moduleName); err != nil {
		return Disbursement{}, err
	}
	meta, err := t.ensureMeta()
	if err != nil {
		return Disbursement{}, err
	}
	order, err := t.ensureOrder(investor)
	if err != nil {
		return Disbursement{}, err
	}
	result, reached, err := t.calcDisburse(order, meta, endEpoch)
	if err != nil {
		return Disbursement{}, err
	}
	if reached == 0 {
		return result, nil
	}

	rev := t.state.Snapshot()
	if err := t.applyDisburse(order, result, reached); err != nil {
		t.state.RevertToSnapshot(rev)
		return Disbursement{}, err
	}
	if err := t.state.Flush(); err != nil {
		return Disbursement{}, err
	}
	return result, nil
}

func (t *Tranche) applyDisburse(order *Order, result Disbursement, reached uint64) error {
	if err := t.transfer(t.escrow, order.Investor, t.class.Token(), result.PayoutToken); err != nil {
		return err
	}
	if err := t.transfer(t.escrow, order.Investor, types.TokenCurrency, result.PayoutCurrency); err != nil {
		return err
	}
	order.SupplyCurrency = new(uint256.Int).Set(result.RemainingSupplyCurrency)
	order.RedeemToken = new(uint256.Int).Set(result.RemainingRedeemToken)
	order.OrderedInEpoch = reached + 1
	return t.state.PutOrder(t.class, order)
}

// calcDisburse walks executed epochs from the order's epoch to the ceiling,
// applying each epoch's fulfillment ratio to the remaining (not original)
// amounts. Every division rounds down: cumulative rounding error must never
// pay an investor more than their true pro-rata share.
func (t *Tranche) calcDisburse(order *Order, meta *Meta, endEpoch uint64) (Disbursement, uint64, error) {
	result := Disbursement{
		PayoutCurrency:          uint256.NewInt(0),
		PayoutToken:             uint256.NewInt(0),
		RemainingSupplyCurrency: new(uint256.Int).Set(order.SupplyCurrency),
		RemainingRedeemToken:    new(uint256.Int).Set(order.RedeemToken),
	}
	start := order.OrderedInEpoch
	if start == 0 || (order.SupplyCurrency.IsZero() && order.RedeemToken.IsZero()) {
		return result, 0, nil
	}
	if endEpoch > meta.LastEpochExecuted {
		endEpoch = meta.LastEpochExecuted
	}
	if start > endEpoch {
		return result, 0, nil
	}
	if t.disburseRounds > 0 && endEpoch-start >= t.disburseRounds {
		endEpoch = start + t.disburseRounds - 1
	}

	for id := start; id <= endEpoch; id++ {
		record, err := t.state.GetEpoch(t.class, id)
		if err != nil {
			return Disbursement{}, 0, err
		}
		if record == nil {
			return Disbursement{}, 0, ErrEpochSequence
		}
		record.Normalize()
		if record.TokenPrice.IsZero() {
			continue
		}
		if !result.RemainingSupplyCurrency.IsZero() && !record.SupplyFulfillment.IsZero() {
			fulfilled, err := fixedmath.MulRayDown(result.RemainingSupplyCurrency, record.SupplyFulfillment)
			if err != nil {
				return Disbursement{}, 0, err
			}
			if !fulfilled.IsZero() {
				tokens, err := fixedmath.DivRayDown(fulfilled, record.TokenPrice)
				if err != nil {
					return Disbursement{}, 0, err
				}
				if result.PayoutToken, err = fixedmath.SafeAdd(result.PayoutToken, tokens); err != nil {
					return Disbursement{}, 0, err
				}
				if result.RemainingSupplyCurrency, err = fixedmath.SafeSub(result.RemainingSupplyCurrency, fulfilled); err != nil {
					return Disbursement{}, 0, err
				}
			}
		}
		if !result.RemainingRedeemToken.IsZero() && !record.RedeemFulfillment.IsZero() {
			fulfilled, err := fixedmath.MulRayDown(result.RemainingRedeemToken, record.RedeemFulfillment)
			if err != nil {
				return Disbursement{}, 0, err
			}
			if !fulfilled.IsZero() {
				currency, err := fixedmath.MulRayDown(fulfilled, record.TokenPrice)
				if err != nil {
					return Disbursement{}, 0, err
				}
				if result.PayoutCurrency, err = fixedmath.SafeAdd(result.PayoutCurrency, currency); err != nil {
					return Disbursement{}, 0, err
				}
				if result.RemainingRedeemToken, err = fixedmath.SafeSub(result.RemainingRedeemToken, fulfilled); err != nil {
					return Disbursement{}, 0, err
				}
			}
		}
	}
	return result, endEpoch, nil
}
