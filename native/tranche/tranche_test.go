package tranche

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"

	"tranchex/core/types"
	"tranchex/crypto"
	"tranchex/native/fixedmath"
)

type mockState struct {
	metas    map[Class]*Meta
	orders   map[Class]map[string]*Order
	epochs   map[Class]map[uint64]*Epoch
	accounts map[string]*types.Account
	supplies map[types.Token]*uint256.Int
	snaps    []*mockState
	flushes  int
}

func newMockState() *mockState {
	return &mockState{
		metas:    make(map[Class]*Meta),
		orders:   make(map[Class]map[string]*Order),
		epochs:   make(map[Class]map[uint64]*Epoch),
		accounts: make(map[string]*types.Account),
		supplies: make(map[types.Token]*uint256.Int),
	}
}

func (m *mockState) copy() *mockState {
	c := newMockState()
	for class, meta := range m.metas {
		c.metas[class] = meta.Clone()
	}
	for class, orders := range m.orders {
		c.orders[class] = make(map[string]*Order, len(orders))
		for k, o := range orders {
			c.orders[class][k] = o.Clone()
		}
	}
	for class, epochs := range m.epochs {
		c.epochs[class] = make(map[uint64]*Epoch, len(epochs))
		for id, e := range epochs {
			c.epochs[class][id] = e.Clone()
		}
	}
	for k, acc := range m.accounts {
		c.accounts[k] = acc.Clone()
	}
	for tok, s := range m.supplies {
		c.supplies[tok] = new(uint256.Int).Set(s)
	}
	return c
}

func (m *mockState) restore(c *mockState) {
	m.metas = c.metas
	m.orders = c.orders
	m.epochs = c.epochs
	m.accounts = c.accounts
	m.supplies = c.supplies
}

func (m *mockState) GetMeta(class Class) (*Meta, error) { return m.metas[class].Clone(), nil }

func (m *mockState) PutMeta(class Class, meta *Meta) error {
	m.metas[class] = meta.Clone()
	return nil
}

func (m *mockState) GetOrder(class Class, investor crypto.Address) (*Order, error) {
	if orders, ok := m.orders[class]; ok {
		return orders[investor.Key()].Clone(), nil
	}
	return nil, nil
}

func (m *mockState) PutOrder(class Class, order *Order) error {
	if m.orders[class] == nil {
		m.orders[class] = make(map[string]*Order)
	}
	m.orders[class][order.Investor.Key()] = order.Clone()
	return nil
}

func (m *mockState) GetEpoch(class Class, id uint64) (*Epoch, error) {
	if epochs, ok := m.epochs[class]; ok {
		return epochs[id].Clone(), nil
	}
	return nil, nil
}

func (m *mockState) PutEpoch(class Class, id uint64, epoch *Epoch) error {
	if m.epochs[class] == nil {
		m.epochs[class] = make(map[uint64]*Epoch)
	}
	m.epochs[class][id] = epoch.Clone()
	return nil
}

func (m *mockState) GetAccount(addr crypto.Address) (*types.Account, error) {
	return m.accounts[addr.Key()].Clone(), nil
}

func (m *mockState) PutAccount(addr crypto.Address, account *types.Account) error {
	m.accounts[addr.Key()] = account.Clone()
	return nil
}

func (m *mockState) TokenSupply(tok types.Token) (*uint256.Int, error) {
	if s, ok := m.supplies[tok]; ok {
		return new(uint256.Int).Set(s), nil
	}
	return uint256.NewInt(0), nil
}

func (m *mockState) PutTokenSupply(tok types.Token, supply *uint256.Int) error {
	m.supplies[tok] = new(uint256.Int).Set(supply)
	return nil
}

func (m *mockState) Snapshot() int {
	m.snaps = append(m.snaps, m.copy())
	return len(m.snaps) - 1
}

func (m *mockState) RevertToSnapshot(id int) {
	m.restore(m.snaps[id])
	m.snaps = m.snaps[:id]
}

func (m *mockState) Flush() error {
	m.flushes++
	return nil
}

type mockEpochs struct {
	current uint64
}

func (m *mockEpochs) CurrentEpoch() (uint64, error) { return m.current, nil }

var (
	escrowAddr  = crypto.SystemAddress("tranche/senior/escrow")
	reserveAddr = crypto.SystemAddress("pool/reserve")
	investor    = crypto.SystemAddress("test/investor")
)

func newTestTranche(t *testing.T, class Class) (*Tranche, *mockState, *mockEpochs) {
	t.Helper()
	state := newMockState()
	epochs := &mockEpochs{current: 1}
	tr := New(class, escrowAddr, reserveAddr)
	tr.SetState(state)
	tr.SetEpochSource(epochs)
	return tr, state, epochs
}

func fund(state *mockState, addr crypto.Address, tok types.Token, amount uint64) {
	acc := state.accounts[addr.Key()]
	if acc == nil {
		acc = types.NewAccount()
	}
	acc.SetBalance(tok, uint256.NewInt(amount))
	state.accounts[addr.Key()] = acc
	if tok != types.TokenCurrency {
		supply := state.supplies[tok]
		if supply == nil {
			supply = uint256.NewInt(0)
		}
		state.supplies[tok] = new(uint256.Int).Add(supply, uint256.NewInt(amount))
	}
}

func balance(state *mockState, addr crypto.Address, tok types.Token) *uint256.Int {
	acc := state.accounts[addr.Key()]
	if acc == nil {
		return uint256.NewInt(0)
	}
	return acc.Normalize().Balance(tok)
}

// fraction returns n/d as a ray ratio.
func fraction(n, d uint64) *uint256.Int {
	v := new(uint256.Int).Mul(fixedmath.One(), uint256.NewInt(n))
	return v.Div(v, uint256.NewInt(d))
}

func TestSupplyOrderReplacesAndMovesDelta(t *testing.T) {
	tr, state, _ := newTestTranche(t, Senior)
	fund(state, investor, types.TokenCurrency, 100)

	if err := tr.SupplyOrder(investor, uint256.NewInt(100)); err != nil {
		t.Fatalf("supply order: %v", err)
	}
	if got := balance(state, escrowAddr, types.TokenCurrency); !got.Eq(uint256.NewInt(100)) {
		t.Fatalf("escrow currency = %s, want 100", got)
	}

	// Shrinking the order refunds the difference.
	if err := tr.SupplyOrder(investor, uint256.NewInt(40)); err != nil {
		t.Fatalf("shrink order: %v", err)
	}
	if got := balance(state, investor, types.TokenCurrency); !got.Eq(uint256.NewInt(60)) {
		t.Fatalf("investor currency = %s, want 60", got)
	}

	// Growing it again escrows only the delta.
	if err := tr.SupplyOrder(investor, uint256.NewInt(70)); err != nil {
		t.Fatalf("grow order: %v", err)
	}
	if got := balance(state, escrowAddr, types.TokenCurrency); !got.Eq(uint256.NewInt(70)) {
		t.Fatalf("escrow currency = %s, want 70", got)
	}
	meta := state.metas[Senior]
	if !meta.TotalSupply.Eq(uint256.NewInt(70)) {
		t.Fatalf("total supply = %s, want 70", meta.TotalSupply)
	}
	if state.flushes == 0 {
		t.Fatal("order placement never flushed state")
	}
}

func TestSupplyOrderInsufficientBalanceReverts(t *testing.T) {
	tr, state, _ := newTestTranche(t, Senior)
	fund(state, investor, types.TokenCurrency, 10)

	err := tr.SupplyOrder(investor, uint256.NewInt(100))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	if got := balance(state, investor, types.TokenCurrency); !got.Eq(uint256.NewInt(10)) {
		t.Fatalf("investor currency = %s after revert, want 10", got)
	}
	if meta := state.metas[Senior]; meta != nil && !meta.TotalSupply.IsZero() {
		t.Fatalf("total supply = %s after revert, want 0", meta.TotalSupply)
	}
}

func TestOrdersBlockedWhileWaitingForUpdate(t *testing.T) {
	tr, state, _ := newTestTranche(t, Senior)
	fund(state, investor, types.TokenCurrency, 100)

	if _, _, err := tr.CloseEpoch(); err != nil {
		t.Fatalf("close epoch: %v", err)
	}
	if err := tr.SupplyOrder(investor, uint256.NewInt(50)); !errors.Is(err, ErrEpochClosed) {
		t.Fatalf("err = %v, want ErrEpochClosed", err)
	}
	if _, _, err := tr.CloseEpoch(); !errors.Is(err, ErrEpochClosed) {
		t.Fatalf("double close err = %v, want ErrEpochClosed", err)
	}
}

func TestOrderChangeRequiresDisburse(t *testing.T) {
	tr, state, epochs := newTestTranche(t, Senior)
	fund(state, investor, types.TokenCurrency, 100)

	if err := tr.SupplyOrder(investor, uint256.NewInt(100)); err != nil {
		t.Fatalf("supply order: %v", err)
	}
	executeEpoch(t, tr, epochs, 1, fraction(6, 10), uint256.NewInt(0), fixedmath.One())

	if err := tr.SupplyOrder(investor, uint256.NewInt(10)); !errors.Is(err, ErrPendingDisbursement) {
		t.Fatalf("err = %v, want ErrPendingDisbursement", err)
	}
	if _, err := tr.Disburse(investor); err != nil {
		t.Fatalf("disburse: %v", err)
	}
	if err := tr.SupplyOrder(investor, uint256.NewInt(10)); err != nil {
		t.Fatalf("order after disburse: %v", err)
	}
}

// executeEpoch drives the close/update handshake the coordinator performs,
// advancing the mock epoch clock past id.
func executeEpoch(t *testing.T, tr *Tranche, epochs *mockEpochs, id uint64, supplyF, redeemF, price *uint256.Int) {
	t.Helper()
	supply, redeem, err := tr.CloseEpoch()
	if err != nil {
		t.Fatalf("close epoch %d: %v", id, err)
	}
	redeemCurrency, err := fixedmath.MulRayDown(redeem, price)
	if err != nil {
		t.Fatalf("redeem currency: %v", err)
	}
	if err := tr.EpochUpdate(id, supplyF, redeemF, price, supply, redeemCurrency); err != nil {
		t.Fatalf("epoch update %d: %v", id, err)
	}
	if err := tr.PayoutRequestedCurrency(); err != nil {
		t.Fatalf("payout requested: %v", err)
	}
	if err := tr.CollectRedemptionCurrency(); err != nil {
		t.Fatalf("collect redemption: %v", err)
	}
	epochs.current = id + 1
}

func TestEpochUpdateMintsAndSettlesSupply(t *testing.T) {
	tr, state, _ := newTestTranche(t, Senior)
	fund(state, investor, types.TokenCurrency, 100)
	if err := tr.SupplyOrder(investor, uint256.NewInt(100)); err != nil {
		t.Fatalf("supply order: %v", err)
	}
	if _, _, err := tr.CloseEpoch(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// 60% of 100 currency fulfilled at a price of ONE mints 60 share tokens
	// to the escrow and owes the reserve 60 currency.
	if err := tr.EpochUpdate(1, fraction(6, 10), uint256.NewInt(0), fixedmath.One(), uint256.NewInt(100), uint256.NewInt(0)); err != nil {
		t.Fatalf("epoch update: %v", err)
	}
	if got := balance(state, escrowAddr, types.TokenSeniorShare); !got.Eq(uint256.NewInt(60)) {
		t.Fatalf("escrow tokens = %s, want 60", got)
	}
	meta := state.metas[Senior]
	if !meta.RequestedCurrency.Eq(uint256.NewInt(60)) {
		t.Fatalf("requested currency = %s, want 60", meta.RequestedCurrency)
	}
	if !meta.TotalSupply.Eq(uint256.NewInt(40)) {
		t.Fatalf("total supply = %s, want 40", meta.TotalSupply)
	}
	if meta.WaitingForUpdate {
		t.Fatal("order book still closed after update")
	}

	if err := tr.PayoutRequestedCurrency(); err != nil {
		t.Fatalf("payout requested: %v", err)
	}
	if got := balance(state, reserveAddr, types.TokenCurrency); !got.Eq(uint256.NewInt(60)) {
		t.Fatalf("reserve currency = %s, want 60", got)
	}
	if got := balance(state, escrowAddr, types.TokenCurrency); !got.Eq(uint256.NewInt(40)) {
		t.Fatalf("escrow currency = %s, want 40", got)
	}

	// Replaying the same epoch is rejected.
	if _, _, err := tr.CloseEpoch(); err != nil {
		t.Fatalf("reclose: %v", err)
	}
	if err := tr.EpochUpdate(1, fixedmath.One(), uint256.NewInt(0), fixedmath.One(), uint256.NewInt(0), uint256.NewInt(0)); !errors.Is(err, ErrEpochSequence) {
		t.Fatalf("replay err = %v, want ErrEpochSequence", err)
	}
	if err := tr.EpochUpdate(3, fixedmath.One(), uint256.NewInt(0), fixedmath.One(), uint256.NewInt(0), uint256.NewInt(0)); !errors.Is(err, ErrEpochSequence) {
		t.Fatalf("skip err = %v, want ErrEpochSequence", err)
	}
}

func TestEpochUpdateRequiresClose(t *testing.T) {
	tr, _, _ := newTestTranche(t, Senior)
	err := tr.EpochUpdate(1, fixedmath.One(), fixedmath.One(), fixedmath.One(), uint256.NewInt(0), uint256.NewInt(0))
	if !errors.Is(err, ErrNotClosed) {
		t.Fatalf("err = %v, want ErrNotClosed", err)
	}
}

func TestDisburseSupplyPartialFulfillment(t *testing.T) {
	tr, state, epochs := newTestTranche(t, Senior)
	fund(state, investor, types.TokenCurrency, 100)
	if err := tr.SupplyOrder(investor, uint256.NewInt(100)); err != nil {
		t.Fatalf("supply order: %v", err)
	}
	executeEpoch(t, tr, epochs, 1, fraction(6, 10), uint256.NewInt(0), fixedmath.One())

	got, err := tr.Disburse(investor)
	if err != nil {
		t.Fatalf("disburse: %v", err)
	}
	if !got.PayoutToken.Eq(uint256.NewInt(60)) {
		t.Fatalf("payout tokens = %s, want 60", got.PayoutToken)
	}
	if !got.RemainingSupplyCurrency.Eq(uint256.NewInt(40)) {
		t.Fatalf("remaining supply = %s, want 40", got.RemainingSupplyCurrency)
	}
	if got := balance(state, investor, types.TokenSeniorShare); !got.Eq(uint256.NewInt(60)) {
		t.Fatalf("investor tokens = %s, want 60", got)
	}
	order := state.orders[Senior][investor.Key()]
	if order.OrderedInEpoch != 2 {
		t.Fatalf("order rolled to epoch %d, want 2", order.OrderedInEpoch)
	}
	if !order.SupplyCurrency.Eq(uint256.NewInt(40)) {
		t.Fatalf("order supply = %s, want 40", order.SupplyCurrency)
	}

	// A second disburse with no new executed epoch pays nothing.
	again, err := tr.Disburse(investor)
	if err != nil {
		t.Fatalf("second disburse: %v", err)
	}
	if !again.PayoutToken.IsZero() {
		t.Fatalf("second payout = %s, want 0", again.PayoutToken)
	}
}

func TestDisburseSequentialRedeemFulfillments(t *testing.T) {
	tr, state, epochs := newTestTranche(t, Junior)
	fund(state, investor, types.TokenJuniorShare, 100)
	fund(state, reserveAddr, types.TokenCurrency, 1000)

	if err := tr.RedeemOrder(investor, uint256.NewInt(100)); err != nil {
		t.Fatalf("redeem order: %v", err)
	}
	// Epoch 1 honors 70% of redemptions, epoch 2 honors 50% of the rest,
	// both at a price of ONE: 70 + 15 currency out, 15 tokens left standing.
	executeEpoch(t, tr, epochs, 1, uint256.NewInt(0), fraction(7, 10), fixedmath.One())
	executeEpoch(t, tr, epochs, 2, uint256.NewInt(0), fraction(5, 10), fixedmath.One())

	got, err := tr.Disburse(investor)
	if err != nil {
		t.Fatalf("disburse: %v", err)
	}
	if !got.PayoutCurrency.Eq(uint256.NewInt(85)) {
		t.Fatalf("payout currency = %s, want 85", got.PayoutCurrency)
	}
	if !got.RemainingRedeemToken.Eq(uint256.NewInt(15)) {
		t.Fatalf("remaining redeem = %s, want 15", got.RemainingRedeemToken)
	}
	if got := balance(state, investor, types.TokenCurrency); !got.Eq(uint256.NewInt(85)) {
		t.Fatalf("investor currency = %s, want 85", got)
	}
	// 85 tokens were burned against the order.
	if supply := state.supplies[types.TokenJuniorShare]; !supply.Eq(uint256.NewInt(15)) {
		t.Fatalf("token supply = %s, want 15", supply)
	}
}

func TestDisbursePartialWalkMatchesSingleWalk(t *testing.T) {
	run := func(t *testing.T, split bool) *uint256.Int {
		tr, state, epochs := newTestTranche(t, Junior)
		fund(state, investor, types.TokenJuniorShare, 100)
		fund(state, reserveAddr, types.TokenCurrency, 1000)
		if err := tr.RedeemOrder(investor, uint256.NewInt(100)); err != nil {
			t.Fatalf("redeem order: %v", err)
		}
		executeEpoch(t, tr, epochs, 1, uint256.NewInt(0), fraction(7, 10), fixedmath.One())
		executeEpoch(t, tr, epochs, 2, uint256.NewInt(0), fraction(5, 10), fixedmath.One())

		total := uint256.NewInt(0)
		if split {
			first, err := tr.DisburseUntil(investor, 1)
			if err != nil {
				t.Fatalf("disburse until 1: %v", err)
			}
			total.Add(total, first.PayoutCurrency)
		}
		rest, err := tr.Disburse(investor)
		if err != nil {
			t.Fatalf("disburse: %v", err)
		}
		return total.Add(total, rest.PayoutCurrency)
	}

	single := run(t, false)
	split := run(t, true)
	if !single.Eq(split) {
		t.Fatalf("split walk paid %s, single walk paid %s", split, single)
	}
}

func TestDisburseRoundsDown(t *testing.T) {
	tr, state, epochs := newTestTranche(t, Senior)
	fund(state, investor, types.TokenCurrency, 20)
	if err := tr.SupplyOrder(investor, uint256.NewInt(20)); err != nil {
		t.Fatalf("supply order: %v", err)
	}
	// 20 currency fully fulfilled at a price of 3 ray buys 6 tokens, never 7.
	price := new(uint256.Int).Mul(fixedmath.One(), uint256.NewInt(3))
	executeEpoch(t, tr, epochs, 1, fixedmath.One(), uint256.NewInt(0), price)

	got, err := tr.Disburse(investor)
	if err != nil {
		t.Fatalf("disburse: %v", err)
	}
	if !got.PayoutToken.Eq(uint256.NewInt(6)) {
		t.Fatalf("payout tokens = %s, want 6", got.PayoutToken)
	}
}

func TestDisburseSkipsZeroPriceEpochs(t *testing.T) {
	tr, state, epochs := newTestTranche(t, Junior)
	fund(state, investor, types.TokenJuniorShare, 100)
	fund(state, reserveAddr, types.TokenCurrency, 1000)
	if err := tr.RedeemOrder(investor, uint256.NewInt(100)); err != nil {
		t.Fatalf("redeem order: %v", err)
	}
	// A wiped-cushion epoch records a zero price and must not consume the
	// order.
	executeEpoch(t, tr, epochs, 1, uint256.NewInt(0), fixedmath.One(), uint256.NewInt(0))
	executeEpoch(t, tr, epochs, 2, uint256.NewInt(0), fraction(5, 10), fixedmath.One())

	got, err := tr.Disburse(investor)
	if err != nil {
		t.Fatalf("disburse: %v", err)
	}
	if !got.PayoutCurrency.Eq(uint256.NewInt(50)) {
		t.Fatalf("payout currency = %s, want 50", got.PayoutCurrency)
	}
	if !got.RemainingRedeemToken.Eq(uint256.NewInt(50)) {
		t.Fatalf("remaining redeem = %s, want 50", got.RemainingRedeemToken)
	}
}
