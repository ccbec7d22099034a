// Package assessor values the pool's capital structure: senior/junior token
// prices, the senior debt/balance split, and the reserve ceiling the
// coordinator validates solutions against.
package assessor

import (
	"errors"

	"github.com/holiman/uint256"

	"tranchex/core/types"
	"tranchex/crypto"
	"tranchex/native/common"
	"tranchex/native/fixedmath"
)

var (
	ErrNilStore  = errors.New("assessor: store not configured")
	ErrBadBounds = errors.New("assessor: min senior ratio above max")
)

// NAVFeed supplies the current net asset value of the loan portfolio. The
// accrual bookkeeping behind it is external to the settlement core.
type NAVFeed interface {
	CalcUpdateNAV() (*uint256.Int, error)
}

// State is the assessor's persisted record.
type State struct {
	// SeniorDebt is the senior share of deployed (NAV-backed) assets.
	SeniorDebt *uint256.Int
	// SeniorBalance is the senior share of undeployed reserve currency.
	SeniorBalance *uint256.Int
	// SeniorRatio is the current senior-asset share of total assets, in ray.
	SeniorRatio *uint256.Int
	// MinSeniorRatio and MaxSeniorRatio bound the ratio after settlement.
	MinSeniorRatio *uint256.Int
	MaxSeniorRatio *uint256.Int
	// MaxReserve caps the reserve after settlement.
	MaxReserve *uint256.Int
	// BorrowAmountEpoch is the currency made available to the borrow side
	// for the following epoch.
	BorrowAmountEpoch *uint256.Int
}

func (s *State) Normalize() *State {
	if s.SeniorDebt == nil {
		s.SeniorDebt = uint256.NewInt(0)
	}
	if s.SeniorBalance == nil {
		s.SeniorBalance = uint256.NewInt(0)
	}
	if s.SeniorRatio == nil {
		s.SeniorRatio = uint256.NewInt(0)
	}
	if s.MinSeniorRatio == nil {
		s.MinSeniorRatio = uint256.NewInt(0)
	}
	if s.MaxSeniorRatio == nil {
		s.MaxSeniorRatio = fixedmath.One()
	}
	if s.MaxReserve == nil {
		s.MaxReserve = uint256.NewInt(0)
	}
	if s.BorrowAmountEpoch == nil {
		s.BorrowAmountEpoch = uint256.NewInt(0)
	}
	return s
}

func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	s.Normalize()
	return &State{
		SeniorDebt:        new(uint256.Int).Set(s.SeniorDebt),
		SeniorBalance:     new(uint256.Int).Set(s.SeniorBalance),
		SeniorRatio:       new(uint256.Int).Set(s.SeniorRatio),
		MinSeniorRatio:    new(uint256.Int).Set(s.MinSeniorRatio),
		MaxSeniorRatio:    new(uint256.Int).Set(s.MaxSeniorRatio),
		MaxReserve:        new(uint256.Int).Set(s.MaxReserve),
		BorrowAmountEpoch: new(uint256.Int).Set(s.BorrowAmountEpoch),
	}
}

// Store is the persistence layer the assessor reads and writes through.
type Store interface {
	GetAssessorState() (*State, error)
	PutAssessorState(state *State) error
	GetAccount(addr crypto.Address) (*types.Account, error)
	TokenSupply(tok types.Token) (*uint256.Int, error)
}

// Assessor mutates and reports the senior/junior capital split. Not safe for
// concurrent use; callers serialize access.
type Assessor struct {
	store   Store
	feed    NAVFeed
	reserve crypto.Address
	roles   *common.Roles
}

// New constructs an assessor bound to the pool reserve account.
func New(reserve crypto.Address) *Assessor {
	return &Assessor{reserve: reserve}
}

// SetStore wires the assessor to the external persistence layer.
func (a *Assessor) SetStore(store Store) { a.store = store }

// SetNAVFeed wires the external portfolio valuation source.
func (a *Assessor) SetNAVFeed(feed NAVFeed) { a.feed = feed }

// SetRoles wires the capability table guarding administrative setters.
func (a *Assessor) SetRoles(roles *common.Roles) { a.roles = roles }

// CalcUpdateNAV refreshes and returns the portfolio net asset value.
func (a *Assessor) CalcUpdateNAV() (*uint256.Int, error) {
	if a.feed == nil {
		return uint256.NewInt(0), nil
	}
	nav, err := a.feed.CalcUpdateNAV()
	if err != nil {
		return nil, err
	}
	if nav == nil {
		nav = uint256.NewInt(0)
	}
	return new(uint256.Int).Set(nav), nil
}

// TotalBalance returns the pool reserve's currency balance.
func (a *Assessor) TotalBalance() (*uint256.Int, error) {
	if a.store == nil {
		return nil, ErrNilStore
	}
	acc, err := a.store.GetAccount(a.reserve)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return uint256.NewInt(0), nil
	}
	return new(uint256.Int).Set(acc.Balance(types.TokenCurrency)), nil
}

func (a *Assessor) SeniorDebt() (*uint256.Int, error) {
	st, err := a.ensureState()
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).Set(st.SeniorDebt), nil
}

func (a *Assessor) SeniorBalance() (*uint256.Int, error) {
	st, err := a.ensureState()
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).Set(st.SeniorBalance), nil
}

// SeniorRatioBounds returns the configured [min, max] senior ratio window.
func (a *Assessor) SeniorRatioBounds() (minRatio, maxRatio *uint256.Int, err error) {
	st, err := a.ensureState()
	if err != nil {
		return nil, nil, err
	}
	return new(uint256.Int).Set(st.MinSeniorRatio), new(uint256.Int).Set(st.MaxSeniorRatio), nil
}

func (a *Assessor) MaxReserve() (*uint256.Int, error) {
	st, err := a.ensureState()
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).Set(st.MaxReserve), nil
}

// CalcSeniorTokenPrice values one senior share against the given NAV and
// reserve snapshot. A pool with no shares outstanding prices at ONE.
func (a *Assessor) CalcSeniorTokenPrice(nav, reserve *uint256.Int) (*uint256.Int, error) {
	st, err := a.ensureState()
	if err != nil {
		return nil, err
	}
	supply, err := a.tokenSupply(types.TokenSeniorShare)
	if err != nil {
		return nil, err
	}
	if supply.IsZero() {
		return fixedmath.One(), nil
	}
	asset, err := fixedmath.SafeAdd(st.SeniorDebt, st.SeniorBalance)
	if err != nil {
		return nil, err
	}
	pool, err := fixedmath.SafeAdd(orZero(nav), orZero(reserve))
	if err != nil {
		return nil, err
	}
	if asset.Gt(pool) {
		asset = pool
	}
	if asset.IsZero() {
		return uint256.NewInt(0), nil
	}
	return fixedmath.DivRayDown(asset, supply)
}

// CalcJuniorTokenPrice values one junior share: the junior tranche owns
// whatever pool value is left above the senior asset. A zero price signals a
// pool that lost its entire junior cushion.
func (a *Assessor) CalcJuniorTokenPrice(nav, reserve *uint256.Int) (*uint256.Int, error) {
	st, err := a.ensureState()
	if err != nil {
		return nil, err
	}
	supply, err := a.tokenSupply(types.TokenJuniorShare)
	if err != nil {
		return nil, err
	}
	if supply.IsZero() {
		return fixedmath.One(), nil
	}
	pool, err := fixedmath.SafeAdd(orZero(nav), orZero(reserve))
	if err != nil {
		return nil, err
	}
	seniorAsset, err := fixedmath.SafeAdd(st.SeniorDebt, st.SeniorBalance)
	if err != nil {
		return nil, err
	}
	if seniorAsset.Gt(pool) {
		seniorAsset = pool
	}
	juniorAsset := new(uint256.Int).Sub(pool, seniorAsset)
	if juniorAsset.IsZero() {
		return uint256.NewInt(0), nil
	}
	return fixedmath.DivRayDown(juniorAsset, supply)
}

// ChangeSeniorAsset nets the settled supply/redeem delta into the senior
// asset and re-splits it into debt (the senior share of NAV) and balance
// (the senior share of the reserve) at the resulting ratio.
func (a *Assessor) ChangeSeniorAsset(supply, redeem *uint256.Int) error {
	st, err := a.ensureState()
	if err != nil {
		return err
	}
	nav, err := a.CalcUpdateNAV()
	if err != nil {
		return err
	}
	reserve, err := a.TotalBalance()
	if err != nil {
		return err
	}

	expected, err := fixedmath.SafeAdd(st.SeniorDebt, st.SeniorBalance)
	if err != nil {
		return err
	}
	if expected, err = fixedmath.SafeAdd(expected, orZero(supply)); err != nil {
		return err
	}
	if expected.Lt(orZero(redeem)) {
		expected = uint256.NewInt(0)
	} else {
		expected = new(uint256.Int).Sub(expected, orZero(redeem))
	}

	pool, err := fixedmath.SafeAdd(nav, reserve)
	if err != nil {
		return err
	}
	if expected.Gt(pool) {
		expected = new(uint256.Int).Set(pool)
	}

	ratio := uint256.NewInt(0)
	if !pool.IsZero() {
		if ratio, err = fixedmath.DivRayDown(expected, pool); err != nil {
			return err
		}
	}

	seniorDebt, err := fixedmath.MulRayDown(nav, ratio)
	if err != nil {
		return err
	}
	if seniorDebt.Gt(expected) {
		seniorDebt = new(uint256.Int).Set(expected)
	}

	st.SeniorRatio = ratio
	st.SeniorDebt = seniorDebt
	st.SeniorBalance = new(uint256.Int).Sub(expected, seniorDebt)
	return a.store.PutAssessorState(st)
}

// ChangeBorrowAmountEpoch records the currency available to the borrow side
// for the next epoch.
func (a *Assessor) ChangeBorrowAmountEpoch(amount *uint256.Int) error {
	st, err := a.ensureState()
	if err != nil {
		return err
	}
	st.BorrowAmountEpoch = new(uint256.Int).Set(orZero(amount))
	return a.store.PutAssessorState(st)
}

// BorrowAmountEpoch reports the currency released to the borrow side.
func (a *Assessor) BorrowAmountEpoch() (*uint256.Int, error) {
	st, err := a.ensureState()
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).Set(st.BorrowAmountEpoch), nil
}

// --- administrative setters, capability-gated ---

// SetSeniorRatioBounds updates the allowed senior ratio window.
func (a *Assessor) SetSeniorRatioBounds(caller crypto.Address, minRatio, maxRatio *uint256.Int) error {
	if err := common.RequireAdmin(a.roles, caller); err != nil {
		return err
	}
	if orZero(minRatio).Gt(orZero(maxRatio)) {
		return ErrBadBounds
	}
	st, err := a.ensureState()
	if err != nil {
		return err
	}
	st.MinSeniorRatio = new(uint256.Int).Set(orZero(minRatio))
	st.MaxSeniorRatio = new(uint256.Int).Set(orZero(maxRatio))
	return a.store.PutAssessorState(st)
}

// SetMaxReserve updates the reserve ceiling.
func (a *Assessor) SetMaxReserve(caller crypto.Address, max *uint256.Int) error {
	if err := common.RequireAdmin(a.roles, caller); err != nil {
		return err
	}
	st, err := a.ensureState()
	if err != nil {
		return err
	}
	st.MaxReserve = new(uint256.Int).Set(orZero(max))
	return a.store.PutAssessorState(st)
}

// SetSeniorAssets bootstraps or corrects the senior debt/balance split, for
// pool genesis and migrations.
func (a *Assessor) SetSeniorAssets(caller crypto.Address, debt, balance *uint256.Int) error {
	if err := common.RequireAdmin(a.roles, caller); err != nil {
		return err
	}
	st, err := a.ensureState()
	if err != nil {
		return err
	}
	st.SeniorDebt = new(uint256.Int).Set(orZero(debt))
	st.SeniorBalance = new(uint256.Int).Set(orZero(balance))
	return a.store.PutAssessorState(st)
}

func (a *Assessor) ensureState() (*State, error) {
	if a.store == nil {
		return nil, ErrNilStore
	}
	st, err := a.store.GetAssessorState()
	if err != nil {
		return nil, err
	}
	if st == nil {
		st = &State{}
	}
	return st.Normalize(), nil
}

func (a *Assessor) tokenSupply(tok types.Token) (*uint256.Int, error) {
	supply, err := a.store.TokenSupply(tok)
	if err != nil {
		return nil, err
	}
	return orZero(supply), nil
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return uint256.NewInt(0)
	}
	return v
}
