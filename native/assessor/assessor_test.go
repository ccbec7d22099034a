package assessor

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"

	"tranchex/core/types"
	"tranchex/crypto"
	"tranchex/native/common"
	"tranchex/native/fixedmath"
)

type mockStore struct {
	state    *State
	accounts map[string]*types.Account
	supplies map[types.Token]*uint256.Int
}

func newMockStore() *mockStore {
	return &mockStore{
		accounts: make(map[string]*types.Account),
		supplies: make(map[types.Token]*uint256.Int),
	}
}

func (m *mockStore) GetAssessorState() (*State, error) { return m.state.Clone(), nil }

func (m *mockStore) PutAssessorState(state *State) error {
	m.state = state.Clone()
	return nil
}

func (m *mockStore) GetAccount(addr crypto.Address) (*types.Account, error) {
	if acc, ok := m.accounts[addr.Key()]; ok {
		return acc.Clone(), nil
	}
	return types.NewAccount(), nil
}

func (m *mockStore) TokenSupply(tok types.Token) (*uint256.Int, error) {
	if s, ok := m.supplies[tok]; ok {
		return new(uint256.Int).Set(s), nil
	}
	return uint256.NewInt(0), nil
}

func ray(units uint64) *uint256.Int {
	v, err := fixedmath.SafeMul(uint256.NewInt(units), fixedmath.One())
	if err != nil {
		panic(err)
	}
	return v
}

func newTestAssessor(t *testing.T) (*Assessor, *mockStore, *StaticFeed, crypto.Address) {
	t.Helper()
	store := newMockStore()
	admin := crypto.SystemAddress("test/admin")
	roles := common.NewRoles()
	roles.Grant(admin, common.RoleAdmin)
	feed := NewStaticFeed(roles)
	a := New(crypto.SystemAddress("pool/reserve"))
	a.SetStore(store)
	a.SetNAVFeed(feed)
	a.SetRoles(roles)
	return a, store, feed, admin
}

func setReserve(store *mockStore, amount uint64) {
	acc := types.NewAccount()
	acc.SetBalance(types.TokenCurrency, uint256.NewInt(amount))
	store.accounts[crypto.SystemAddress("pool/reserve").Key()] = acc
}

func TestChangeSeniorAssetSplitsDebtAndBalance(t *testing.T) {
	a, store, feed, admin := newTestAssessor(t)
	if err := feed.SetNAV(admin, uint256.NewInt(600)); err != nil {
		t.Fatalf("set nav: %v", err)
	}
	setReserve(store, 400)

	// Senior supplies 500 into an empty senior position. Expected senior
	// asset 500 of a 1000 pool: ratio 0.5, debt = 0.5 * NAV = 300,
	// balance = 200.
	if err := a.ChangeSeniorAsset(uint256.NewInt(500), uint256.NewInt(0)); err != nil {
		t.Fatalf("change senior asset: %v", err)
	}
	st := store.state
	if want := fixedmath.One(); !st.SeniorRatio.Eq(new(uint256.Int).Div(want, uint256.NewInt(2))) {
		t.Fatalf("senior ratio = %s, want 0.5 ray", st.SeniorRatio)
	}
	if !st.SeniorDebt.Eq(uint256.NewInt(300)) {
		t.Fatalf("senior debt = %s, want 300", st.SeniorDebt)
	}
	if !st.SeniorBalance.Eq(uint256.NewInt(200)) {
		t.Fatalf("senior balance = %s, want 200", st.SeniorBalance)
	}
}

func TestChangeSeniorAssetRedeemFloorsAtZero(t *testing.T) {
	a, store, feed, admin := newTestAssessor(t)
	if err := feed.SetNAV(admin, uint256.NewInt(100)); err != nil {
		t.Fatalf("set nav: %v", err)
	}
	setReserve(store, 100)
	store.state = (&State{SeniorDebt: uint256.NewInt(50), SeniorBalance: uint256.NewInt(10)}).Normalize()

	// Redeeming more than the senior asset clamps expected to zero rather
	// than underflowing.
	if err := a.ChangeSeniorAsset(uint256.NewInt(0), uint256.NewInt(500)); err != nil {
		t.Fatalf("change senior asset: %v", err)
	}
	st := store.state
	if !st.SeniorDebt.IsZero() || !st.SeniorBalance.IsZero() || !st.SeniorRatio.IsZero() {
		t.Fatalf("senior position not zeroed: debt=%s balance=%s ratio=%s",
			st.SeniorDebt, st.SeniorBalance, st.SeniorRatio)
	}
}

func TestChangeSeniorAssetCappedAtPoolValue(t *testing.T) {
	a, store, feed, admin := newTestAssessor(t)
	if err := feed.SetNAV(admin, uint256.NewInt(100)); err != nil {
		t.Fatalf("set nav: %v", err)
	}
	setReserve(store, 50)
	store.state = (&State{SeniorDebt: uint256.NewInt(300), SeniorBalance: uint256.NewInt(0)}).Normalize()

	// Senior asset exceeds pool value after losses: expected caps at 150
	// and the ratio saturates at ONE.
	if err := a.ChangeSeniorAsset(uint256.NewInt(0), uint256.NewInt(0)); err != nil {
		t.Fatalf("change senior asset: %v", err)
	}
	st := store.state
	if !st.SeniorRatio.Eq(fixedmath.One()) {
		t.Fatalf("senior ratio = %s, want ONE", st.SeniorRatio)
	}
	total := new(uint256.Int).Add(st.SeniorDebt, st.SeniorBalance)
	if !total.Eq(uint256.NewInt(150)) {
		t.Fatalf("senior asset = %s, want 150", total)
	}
}

func TestSeniorTokenPrice(t *testing.T) {
	a, store, _, _ := newTestAssessor(t)
	store.state = (&State{SeniorDebt: uint256.NewInt(60), SeniorBalance: uint256.NewInt(40)}).Normalize()

	// No shares outstanding prices at ONE.
	price, err := a.CalcSeniorTokenPrice(uint256.NewInt(100), uint256.NewInt(100))
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if !price.Eq(fixedmath.One()) {
		t.Fatalf("empty-supply price = %s, want ONE", price)
	}

	// 100 senior asset over 80 shares prices at 1.25 ray.
	store.supplies[types.TokenSeniorShare] = uint256.NewInt(80)
	price, err = a.CalcSeniorTokenPrice(uint256.NewInt(100), uint256.NewInt(100))
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	want := new(uint256.Int).Div(ray(5), uint256.NewInt(4))
	if !price.Eq(want) {
		t.Fatalf("price = %s, want %s", price, want)
	}

	// Senior asset caps at pool value.
	price, err = a.CalcSeniorTokenPrice(uint256.NewInt(10), uint256.NewInt(10))
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	want = new(uint256.Int).Div(ray(1), uint256.NewInt(4))
	if !price.Eq(want) {
		t.Fatalf("capped price = %s, want %s", price, want)
	}
}

func TestJuniorTokenPriceWipedCushion(t *testing.T) {
	a, store, _, _ := newTestAssessor(t)
	store.state = (&State{SeniorDebt: uint256.NewInt(200), SeniorBalance: uint256.NewInt(0)}).Normalize()
	store.supplies[types.TokenJuniorShare] = uint256.NewInt(50)

	// Pool value 150 is entirely senior: junior price collapses to zero.
	price, err := a.CalcJuniorTokenPrice(uint256.NewInt(100), uint256.NewInt(50))
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if !price.IsZero() {
		t.Fatalf("wiped junior price = %s, want 0", price)
	}

	// With pool value 300 the junior tranche owns 100 over 50 shares.
	price, err = a.CalcJuniorTokenPrice(uint256.NewInt(200), uint256.NewInt(100))
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if !price.Eq(ray(2)) {
		t.Fatalf("junior price = %s, want 2 ray", price)
	}
}

func TestAdminSettersGated(t *testing.T) {
	a, store, _, admin := newTestAssessor(t)
	stranger := crypto.SystemAddress("test/stranger")

	if err := a.SetMaxReserve(stranger, uint256.NewInt(1000)); !errors.Is(err, common.ErrNotAuthorized) {
		t.Fatalf("stranger SetMaxReserve err = %v, want ErrNotAuthorized", err)
	}
	if err := a.SetMaxReserve(admin, uint256.NewInt(1000)); err != nil {
		t.Fatalf("admin SetMaxReserve: %v", err)
	}
	if !store.state.MaxReserve.Eq(uint256.NewInt(1000)) {
		t.Fatalf("max reserve = %s, want 1000", store.state.MaxReserve)
	}

	if err := a.SetSeniorRatioBounds(admin, ray(2), ray(1)); !errors.Is(err, ErrBadBounds) {
		t.Fatalf("inverted bounds err = %v, want ErrBadBounds", err)
	}
	minR := new(uint256.Int).Div(fixedmath.One(), uint256.NewInt(10))
	maxR := new(uint256.Int).Div(new(uint256.Int).Mul(fixedmath.One(), uint256.NewInt(9)), uint256.NewInt(10))
	if err := a.SetSeniorRatioBounds(admin, minR, maxR); err != nil {
		t.Fatalf("set bounds: %v", err)
	}
	gotMin, gotMax, err := a.SeniorRatioBounds()
	if err != nil {
		t.Fatalf("bounds: %v", err)
	}
	if !gotMin.Eq(minR) || !gotMax.Eq(maxR) {
		t.Fatalf("bounds = [%s, %s], want [%s, %s]", gotMin, gotMax, minR, maxR)
	}
}

type navRecorder struct {
	nav *uint256.Int
}

func (r *navRecorder) GetNAV() (*uint256.Int, error) {
	if r.nav == nil {
		return uint256.NewInt(0), nil
	}
	return new(uint256.Int).Set(r.nav), nil
}

func (r *navRecorder) PutNAV(nav *uint256.Int) error {
	r.nav = new(uint256.Int).Set(nav)
	return nil
}

func TestStaticFeedWritesThroughStore(t *testing.T) {
	roles := common.NewRoles()
	admin := crypto.SystemAddress("test/admin")
	roles.Grant(admin, common.RoleAdmin)

	feed := NewStaticFeed(roles)
	store := &navRecorder{}
	feed.SetStore(store)

	if err := feed.SetNAV(admin, uint256.NewInt(900)); err != nil {
		t.Fatalf("set nav: %v", err)
	}
	if store.nav == nil || !store.nav.Eq(uint256.NewInt(900)) {
		t.Fatalf("store nav = %v, want 900", store.nav)
	}

	// A second feed over the same store sees the value, as after a restart.
	fresh := NewStaticFeed(roles)
	fresh.SetStore(store)
	nav, err := fresh.CalcUpdateNAV()
	if err != nil {
		t.Fatalf("calc nav: %v", err)
	}
	if !nav.Eq(uint256.NewInt(900)) {
		t.Fatalf("nav = %s, want 900", nav)
	}
}

func TestBorrowAmountEpoch(t *testing.T) {
	a, _, _, _ := newTestAssessor(t)
	if err := a.ChangeBorrowAmountEpoch(uint256.NewInt(777)); err != nil {
		t.Fatalf("change borrow amount: %v", err)
	}
	got, err := a.BorrowAmountEpoch()
	if err != nil {
		t.Fatalf("borrow amount: %v", err)
	}
	if !got.Eq(uint256.NewInt(777)) {
		t.Fatalf("borrow amount = %s, want 777", got)
	}
}
