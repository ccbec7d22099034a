// Package state holds the pool's entire mutable state in memory behind a
// journal, and persists it to the backing database as one atomic record.
// Engines snapshot before a mutating operation and revert on failure, so a
// half-applied operation never becomes visible.
package state

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"tranchex/core/types"
	"tranchex/crypto"
	"tranchex/native/assessor"
	"tranchex/native/coordinator"
	"tranchex/native/tranche"
	"tranchex/storage"
)

// Ledger is the single source of truth for accounts, orders, epochs and
// module state. Not safe for concurrent use.
type Ledger struct {
	db storage.Database

	metas    map[tranche.Class]*tranche.Meta
	orders   map[tranche.Class]map[string]*tranche.Order
	epochs   map[tranche.Class]map[uint64]*tranche.Epoch
	accounts map[string]*types.Account
	supplies map[types.Token]*uint256.Int
	coord    *coordinator.State
	assessor *assessor.State
	nav      *uint256.Int
	paused   map[string]bool

	journal []func()
}

// NewLedger opens the ledger, loading the persisted record if one exists.
func NewLedger(db storage.Database) (*Ledger, error) {
	l := &Ledger{
		db:       db,
		metas:    make(map[tranche.Class]*tranche.Meta),
		orders:   make(map[tranche.Class]map[string]*tranche.Order),
		epochs:   make(map[tranche.Class]map[uint64]*tranche.Epoch),
		accounts: make(map[string]*types.Account),
		supplies: make(map[types.Token]*uint256.Int),
		paused:   make(map[string]bool),
	}
	if err := l.load(); err != nil {
		return nil, fmt.Errorf("state: load ledger: %w", err)
	}
	return l, nil
}

// Snapshot marks the current journal position.
func (l *Ledger) Snapshot() int { return len(l.journal) }

// RevertToSnapshot unwinds every mutation recorded since the snapshot.
func (l *Ledger) RevertToSnapshot(id int) {
	for i := len(l.journal) - 1; i >= id; i-- {
		l.journal[i]()
	}
	l.journal = l.journal[:id]
}

// Flush persists the whole ledger as one record and clears the journal.
func (l *Ledger) Flush() error {
	blob, err := l.encode()
	if err != nil {
		return fmt.Errorf("state: encode ledger: %w", err)
	}
	if err := l.db.Put(ledgerKey, blob); err != nil {
		return fmt.Errorf("state: persist ledger: %w", err)
	}
	l.journal = l.journal[:0]
	return nil
}

// --- tranche.State ---

func (l *Ledger) GetMeta(class tranche.Class) (*tranche.Meta, error) {
	return l.metas[class].Clone(), nil
}

func (l *Ledger) PutMeta(class tranche.Class, meta *tranche.Meta) error {
	prev := l.metas[class]
	l.journal = append(l.journal, func() {
		if prev == nil {
			delete(l.metas, class)
			return
		}
		l.metas[class] = prev
	})
	l.metas[class] = meta.Clone()
	return nil
}

func (l *Ledger) GetOrder(class tranche.Class, investor crypto.Address) (*tranche.Order, error) {
	if orders, ok := l.orders[class]; ok {
		return orders[investor.Key()].Clone(), nil
	}
	return nil, nil
}

func (l *Ledger) PutOrder(class tranche.Class, order *tranche.Order) error {
	if l.orders[class] == nil {
		l.orders[class] = make(map[string]*tranche.Order)
	}
	key := order.Investor.Key()
	orders := l.orders[class]
	prev, existed := orders[key]
	l.journal = append(l.journal, func() {
		if !existed {
			delete(orders, key)
			return
		}
		orders[key] = prev
	})
	orders[key] = order.Clone()
	return nil
}

func (l *Ledger) GetEpoch(class tranche.Class, id uint64) (*tranche.Epoch, error) {
	if epochs, ok := l.epochs[class]; ok {
		return epochs[id].Clone(), nil
	}
	return nil, nil
}

func (l *Ledger) PutEpoch(class tranche.Class, id uint64, epoch *tranche.Epoch) error {
	if l.epochs[class] == nil {
		l.epochs[class] = make(map[uint64]*tranche.Epoch)
	}
	epochs := l.epochs[class]
	prev, existed := epochs[id]
	l.journal = append(l.journal, func() {
		if !existed {
			delete(epochs, id)
			return
		}
		epochs[id] = prev
	})
	epochs[id] = epoch.Clone()
	return nil
}

func (l *Ledger) GetAccount(addr crypto.Address) (*types.Account, error) {
	if acc, ok := l.accounts[addr.Key()]; ok {
		return acc.Clone(), nil
	}
	return nil, nil
}

func (l *Ledger) PutAccount(addr crypto.Address, account *types.Account) error {
	key := addr.Key()
	prev, existed := l.accounts[key]
	l.journal = append(l.journal, func() {
		if !existed {
			delete(l.accounts, key)
			return
		}
		l.accounts[key] = prev
	})
	l.accounts[key] = account.Clone()
	return nil
}

func (l *Ledger) TokenSupply(tok types.Token) (*uint256.Int, error) {
	if s, ok := l.supplies[tok]; ok {
		return new(uint256.Int).Set(s), nil
	}
	return uint256.NewInt(0), nil
}

func (l *Ledger) PutTokenSupply(tok types.Token, supply *uint256.Int) error {
	prev, existed := l.supplies[tok]
	l.journal = append(l.journal, func() {
		if !existed {
			delete(l.supplies, tok)
			return
		}
		l.supplies[tok] = prev
	})
	if supply == nil {
		supply = uint256.NewInt(0)
	}
	l.supplies[tok] = new(uint256.Int).Set(supply)
	return nil
}

// --- coordinator.Store ---

func (l *Ledger) GetCoordinatorState() (*coordinator.State, error) {
	return l.coord.Clone(), nil
}

func (l *Ledger) PutCoordinatorState(state *coordinator.State) error {
	prev := l.coord
	l.journal = append(l.journal, func() { l.coord = prev })
	l.coord = state.Clone()
	return nil
}

// --- assessor.Store ---

func (l *Ledger) GetAssessorState() (*assessor.State, error) {
	return l.assessor.Clone(), nil
}

func (l *Ledger) PutAssessorState(state *assessor.State) error {
	prev := l.assessor
	l.journal = append(l.journal, func() { l.assessor = prev })
	l.assessor = state.Clone()
	return nil
}

// --- assessor.NAVStore ---

func (l *Ledger) GetNAV() (*uint256.Int, error) {
	if l.nav == nil {
		return uint256.NewInt(0), nil
	}
	return new(uint256.Int).Set(l.nav), nil
}

func (l *Ledger) PutNAV(nav *uint256.Int) error {
	prev := l.nav
	l.journal = append(l.journal, func() { l.nav = prev })
	if nav == nil {
		nav = uint256.NewInt(0)
	}
	l.nav = new(uint256.Int).Set(nav)
	return nil
}

// --- common.PauseView ---

// IsPaused reports whether a module's mutating entry points are halted.
func (l *Ledger) IsPaused(module string) bool {
	return l.paused[module]
}

// SetPaused flips a module's pause flag. Only set flags are persisted.
func (l *Ledger) SetPaused(module string, paused bool) error {
	prev, existed := l.paused[module]
	l.journal = append(l.journal, func() {
		if !existed {
			delete(l.paused, module)
			return
		}
		l.paused[module] = prev
	})
	if paused {
		l.paused[module] = true
	} else {
		delete(l.paused, module)
	}
	return nil
}

func (l *Ledger) load() error {
	blob, err := l.db.Get(ledgerKey)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil
		}
		return err
	}
	return l.decode(blob)
}
