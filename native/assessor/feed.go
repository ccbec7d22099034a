package assessor

import (
	"github.com/holiman/uint256"

	"tranchex/crypto"
	"tranchex/native/common"
)

// NAVStore persists the administratively attested portfolio valuation so
// it survives restarts alongside the rest of the risk state.
type NAVStore interface {
	GetNAV() (*uint256.Int, error)
	PutNAV(nav *uint256.Int) error
}

// StaticFeed is a NAVFeed whose value is set administratively. Pools without
// an automated valuation pipeline run on it; others replace it.
type StaticFeed struct {
	store NAVStore
	nav   *uint256.Int
	roles *common.Roles
}

// NewStaticFeed returns a feed reporting a zero NAV until set.
func NewStaticFeed(roles *common.Roles) *StaticFeed {
	return &StaticFeed{nav: uint256.NewInt(0), roles: roles}
}

// SetStore directs the feed at persistent storage. Without one the value
// lives in process memory only, which is acceptable for tests.
func (f *StaticFeed) SetStore(store NAVStore) { f.store = store }

// SetNAV records a new portfolio valuation.
func (f *StaticFeed) SetNAV(caller crypto.Address, nav *uint256.Int) error {
	if err := common.RequireAdmin(f.roles, caller); err != nil {
		return err
	}
	if f.store != nil {
		return f.store.PutNAV(orZero(nav))
	}
	f.nav = new(uint256.Int).Set(orZero(nav))
	return nil
}

// CalcUpdateNAV implements NAVFeed.
func (f *StaticFeed) CalcUpdateNAV() (*uint256.Int, error) {
	if f.store != nil {
		return f.store.GetNAV()
	}
	return new(uint256.Int).Set(f.nav), nil
}
