package tranche

import (
	"github.com/holiman/uint256"

	"tranchex/core/types"
	"tranchex/crypto"
	"tranchex/native/common"
	"tranchex/native/fixedmath"
)

const moduleName = "tranche"

// defaultDisburseRounds bounds how many historical epochs a single disburse
// call may walk; longer histories are claimed over multiple calls.
const defaultDisburseRounds = 100

// State is the persistence layer the tranche operates against. Writes take
// effect in memory immediately; Flush makes them durable. Snapshot and
// RevertToSnapshot give mutating operations all-or-nothing semantics.
type State interface {
	GetMeta(class Class) (*Meta, error)
	PutMeta(class Class, meta *Meta) error
	GetOrder(class Class, investor crypto.Address) (*Order, error)
	PutOrder(class Class, order *Order) error
	GetEpoch(class Class, id uint64) (*Epoch, error)
	PutEpoch(class Class, id uint64, epoch *Epoch) error
	GetAccount(addr crypto.Address) (*types.Account, error)
	PutAccount(addr crypto.Address, account *types.Account) error
	TokenSupply(tok types.Token) (*uint256.Int, error)
	PutTokenSupply(tok types.Token, supply *uint256.Int) error
	Snapshot() int
	RevertToSnapshot(id int)
	Flush() error
}

// EpochSource reports the id of the epoch currently open for orders.
type EpochSource interface {
	CurrentEpoch() (uint64, error)
}

// Tranche is the per-class order book. It accumulates replace-style supply
// and redeem orders, realizes the fulfillment tuples handed down by the
// coordinator, and lets investors disburse proportional payouts lazily.
//
// Methods are not safe for concurrent use; callers serialize access the way
// the gateway does.
type Tranche struct {
	class          Class
	state          State
	escrow         crypto.Address
	reserve        crypto.Address
	epochs         EpochSource
	pauses         common.PauseView
	disburseRounds uint64
}

// New constructs a tranche engine bound to its escrow and the pool reserve.
func New(class Class, escrow, reserve crypto.Address) *Tranche {
	return &Tranche{
		class:          class,
		escrow:         escrow,
		reserve:        reserve,
		disburseRounds: defaultDisburseRounds,
	}
}

// SetState wires the tranche to the external persistence layer.
func (t *Tranche) SetState(state State) { t.state = state }

// SetEpochSource wires the coordinator's epoch clock.
func (t *Tranche) SetEpochSource(src EpochSource) { t.epochs = src }

func (t *Tranche) SetPauses(p common.PauseView) { t.pauses = p }

// Class returns the tranche's position in the capital structure.
func (t *Tranche) Class() Class { return t.class }

// Escrow returns the module account holding escrowed orders and payouts.
func (t *Tranche) Escrow() crypto.Address { return t.escrow }

// SupplyOrder replaces the investor's outstanding supply order with
// newAmount, escrowing or refunding the currency delta.
func (t *Tranche) SupplyOrder(investor crypto.Address, newAmount *uint256.Int) error {
	return t.placeOrder(investor, newAmount, false)
}

// RedeemOrder replaces the investor's outstanding redeem order with
// newAmount share tokens, escrowing or refunding the token delta.
func (t *Tranche) RedeemOrder(investor crypto.Address, newAmount *uint256.Int) error {
	return t.placeOrder(investor, newAmount, true)
}

func (t *Tranche) placeOrder(investor crypto.Address, newAmount *uint256.Int, redeem bool) error {
	if t.state == nil {
		return ErrNilState
	}
	if t.epochs == nil {
		return ErrNoEpochSource
	}
	if err := common.Guard(t.pauses, moduleName); err != nil {
		return err
	}
	if newAmount == nil {
		newAmount = uint256.NewInt(0)
	}
	meta, err := t.ensureMeta()
	if err != nil {
		return err
	}
	if meta.WaitingForUpdate {
		return ErrEpochClosed
	}
	order, err := t.ensureOrder(investor)
	if err != nil {
		return err
	}
	current, err := t.epochs.CurrentEpoch()
	if err != nil {
		return err
	}
	if !orderAllowed(order, current) {
		return ErrPendingDisbursement
	}

	rev := t.state.Snapshot()
	if err := t.applyOrder(meta, order, investor, newAmount, current, redeem); err != nil {
		t.state.RevertToSnapshot(rev)
		return err
	}
	return t.state.Flush()
}

func (t *Tranche) applyOrder(meta *Meta, order *Order, investor crypto.Address, newAmount *uint256.Int, current uint64, redeem bool) error {
	outstanding := order.SupplyCurrency
	total := meta.TotalSupply
	tok := types.TokenCurrency
	if redeem {
		outstanding = order.RedeemToken
		total = meta.TotalRedeem
		tok = t.class.Token()
	}

	switch newAmount.Cmp(outstanding) {
	case 1:
		delta, err := fixedmath.SafeSub(newAmount, outstanding)
		if err != nil {
			return err
		}
		if err := t.transfer(investor, t.escrow, tok, delta); err != nil {
			return err
		}
		grown, err := fixedmath.SafeAdd(total, delta)
		if err != nil {
			return err
		}
		total.Set(grown)
	case -1:
		delta, err := fixedmath.SafeSub(outstanding, newAmount)
		if err != nil {
			return err
		}
		if err := t.transfer(t.escrow, investor, tok, delta); err != nil {
			return err
		}
		shrunk, err := fixedmath.SafeSub(total, delta)
		if err != nil {
			return err
		}
		total.Set(shrunk)
	}

	outstanding.Set(newAmount)
	order.OrderedInEpoch = current
	if err := t.state.PutOrder(t.class, order); err != nil {
		return err
	}
	return t.state.PutMeta(t.class, meta)
}

// orderAllowed rejects changes while the investor still has disbursable
// history from a previous epoch.
func orderAllowed(order *Order, currentEpoch uint64) bool {
	if order.OrderedInEpoch == 0 || order.OrderedInEpoch == currentEpoch {
		return true
	}
	return order.SupplyCurrency.IsZero() && order.RedeemToken.IsZero()
}

// CloseEpoch freezes the open order totals and blocks new orders until the
// matching EpochUpdate arrives. Called by the coordinator, which also owns
// persistence of the enclosing operation.
func (t *Tranche) CloseEpoch() (totalSupply, totalRedeem *uint256.Int, err error) {
	if t.state == nil {
		return nil, nil, ErrNilState
	}
	meta, err := t.ensureMeta()
	if err != nil {
		return nil, nil, err
	}
	if meta.WaitingForUpdate {
		return nil, nil, ErrEpochClosed
	}
	meta.WaitingForUpdate = true
	if err := t.state.PutMeta(t.class, meta); err != nil {
		return nil, nil, err
	}
	return new(uint256.Int).Set(meta.TotalSupply), new(uint256.Int).Set(meta.TotalRedeem), nil
}

// EpochUpdate records the immutable fulfillment tuple for epochID, mints
// share tokens for the fulfilled supply portion, burns tokens for the
// fulfilled redemption portion, and reopens the order book. The fulfilled
// currency legs are settled with the reserve through
// PayoutRequestedCurrency and CollectRedemptionCurrency.
func (t *Tranche) EpochUpdate(epochID uint64, supplyFulfillment, redeemFulfillment, tokenPrice, supplyCurrency, redeemCurrency *uint256.Int) error {
	if t.state == nil {
		return ErrNilState
	}
	meta, err := t.ensureMeta()
	if err != nil {
		return err
	}
	if !meta.WaitingForUpdate {
		return ErrNotClosed
	}
	if epochID != meta.LastEpochExecuted+1 {
		return ErrEpochSequence
	}
	if existing, err := t.state.GetEpoch(t.class, epochID); err != nil {
		return err
	} else if existing != nil {
		return ErrEpochFinalized
	}

	supplyFulfillment = orZero(supplyFulfillment)
	redeemFulfillment = orZero(redeemFulfillment)
	tokenPrice = orZero(tokenPrice)
	supplyCurrency = orZero(supplyCurrency)
	redeemCurrency = orZero(redeemCurrency)

	fulfilledSupply, err := fixedmath.MulRayDown(supplyCurrency, supplyFulfillment)
	if err != nil {
		return err
	}
	fulfilledRedeem, err := fixedmath.MulRayDown(redeemCurrency, redeemFulfillment)
	if err != nil {
		return err
	}

	mintTokens := uint256.NewInt(0)
	burnTokens := uint256.NewInt(0)
	if !tokenPrice.IsZero() {
		if mintTokens, err = fixedmath.DivRayDown(fulfilledSupply, tokenPrice); err != nil {
			return err
		}
		if burnTokens, err = fixedmath.DivRayDown(fulfilledRedeem, tokenPrice); err != nil {
			return err
		}
		// Rounding drift from the currency conversion must never burn more
		// than the frozen redeem total.
		if burnTokens.Gt(meta.TotalRedeem) {
			burnTokens = new(uint256.Int).Set(meta.TotalRedeem)
		}
	}

	record := &Epoch{
		SupplyFulfillment: new(uint256.Int).Set(supplyFulfillment),
		RedeemFulfillment: new(uint256.Int).Set(redeemFulfillment),
		TokenPrice:        new(uint256.Int).Set(tokenPrice),
		SupplyOrdered:     new(uint256.Int).Set(supplyCurrency),
		RedeemOrdered:     new(uint256.Int).Set(meta.TotalRedeem),
	}

	if err := t.mint(t.escrow, mintTokens); err != nil {
		return err
	}
	if err := t.burn(t.escrow, burnTokens); err != nil {
		return err
	}

	if meta.RequestedCurrency, err = fixedmath.SafeAdd(meta.RequestedCurrency, fulfilledSupply); err != nil {
		return err
	}
	if meta.RedemptionOwed, err = fixedmath.SafeAdd(meta.RedemptionOwed, fulfilledRedeem); err != nil {
		return err
	}
	if meta.TotalSupply, err = fixedmath.SafeSub(meta.TotalSupply, fulfilledSupply); err != nil {
		return err
	}
	if meta.TotalRedeem, err = fixedmath.SafeSub(meta.TotalRedeem, burnTokens); err != nil {
		return err
	}
	meta.LastEpochExecuted = epochID
	meta.WaitingForUpdate = false

	if err := t.state.PutEpoch(t.class, epochID, record); err != nil {
		return err
	}
	return t.state.PutMeta(t.class, meta)
}

// PayoutRequestedCurrency moves fulfilled supply currency from the escrow to
// the pool reserve. The coordinator calls this for both tranches before any
// redemption currency is collected, so a feasible solution can never drain
// the reserve below zero mid-settlement.
func (t *Tranche) PayoutRequestedCurrency() error {
	if t.state == nil {
		return ErrNilState
	}
	meta, err := t.ensureMeta()
	if err != nil {
		return err
	}
	if meta.RequestedCurrency.IsZero() {
		return nil
	}
	if err := t.transfer(t.escrow, t.reserve, types.TokenCurrency, meta.RequestedCurrency); err != nil {
		return err
	}
	meta.RequestedCurrency = uint256.NewInt(0)
	return t.state.PutMeta(t.class, meta)
}

// CollectRedemptionCurrency draws fulfilled redemption currency from the
// reserve into the escrow where disbursements are paid from.
func (t *Tranche) CollectRedemptionCurrency() error {
	if t.state == nil {
		return ErrNilState
	}
	meta, err := t.ensureMeta()
	if err != nil {
		return err
	}
	if meta.RedemptionOwed.IsZero() {
		return nil
	}
	if err := t.transfer(t.reserve, t.escrow, types.TokenCurrency, meta.RedemptionOwed); err != nil {
		return err
	}
	meta.RedemptionOwed = uint256.NewInt(0)
	return t.state.PutMeta(t.class, meta)
}

// --- ledger helpers ---

func (t *Tranche) ensureMeta() (*Meta, error) {
	meta, err := t.state.GetMeta(t.class)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		meta = &Meta{}
	}
	return meta.Normalize(), nil
}

func (t *Tranche) ensureOrder(investor crypto.Address) (*Order, error) {
	order, err := t.state.GetOrder(t.class, investor)
	if err != nil {
		return nil, err
	}
	if order == nil {
		order = &Order{Investor: investor}
	}
	return order.Normalize(), nil
}

func (t *Tranche) ensureAccount(addr crypto.Address) (*types.Account, error) {
	acc, err := t.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		acc = types.NewAccount()
	}
	return acc.Normalize(), nil
}

func (t *Tranche) transfer(from, to crypto.Address, tok types.Token, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	fromAcc, err := t.ensureAccount(from)
	if err != nil {
		return err
	}
	if fromAcc.Balance(tok).Lt(amount) {
		return ErrInsufficientBalance
	}
	toAcc, err := t.ensureAccount(to)
	if err != nil {
		return err
	}
	debited, err := fixedmath.SafeSub(fromAcc.Balance(tok), amount)
	if err != nil {
		return err
	}
	credited, err := fixedmath.SafeAdd(toAcc.Balance(tok), amount)
	if err != nil {
		return err
	}
	fromAcc.SetBalance(tok, debited)
	toAcc.SetBalance(tok, credited)
	if err := t.state.PutAccount(from, fromAcc); err != nil {
		return err
	}
	return t.state.PutAccount(to, toAcc)
}

func (t *Tranche) mint(to crypto.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	tok := t.class.Token()
	supply, err := t.state.TokenSupply(tok)
	if err != nil {
		return err
	}
	grown, err := fixedmath.SafeAdd(orZero(supply), amount)
	if err != nil {
		return err
	}
	acc, err := t.ensureAccount(to)
	if err != nil {
		return err
	}
	credited, err := fixedmath.SafeAdd(acc.Balance(tok), amount)
	if err != nil {
		return err
	}
	acc.SetBalance(tok, credited)
	if err := t.state.PutTokenSupply(tok, grown); err != nil {
		return err
	}
	return t.state.PutAccount(to, acc)
}

func (t *Tranche) burn(from crypto.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	tok := t.class.Token()
	acc, err := t.ensureAccount(from)
	if err != nil {
		return err
	}
	if acc.Balance(tok).Lt(amount) {
		return ErrInsufficientBalance
	}
	supply, err := t.state.TokenSupply(tok)
	if err != nil {
		return err
	}
	shrunk, err := fixedmath.SafeSub(orZero(supply), amount)
	if err != nil {
		return err
	}
	debited, err := fixedmath.SafeSub(acc.Balance(tok), amount)
	if err != nil {
		return err
	}
	acc.SetBalance(tok, debited)
	if err := t.state.PutTokenSupply(tok, shrunk); err != nil {
		return err
	}
	return t.state.PutAccount(from, acc)
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return uint256.NewInt(0)
	}
	return v
}
