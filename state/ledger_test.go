package state

import (
	"testing"

	"github.com/holiman/uint256"

	"tranchex/core/types"
	"tranchex/crypto"
	"tranchex/native/assessor"
	"tranchex/native/coordinator"
	"tranchex/native/tranche"
	"tranchex/storage"
)

func TestRevertUnwindsMutations(t *testing.T) {
	l, err := NewLedger(storage.NewMemDB())
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	investor := crypto.SystemAddress("test/investor")

	acc := types.NewAccount()
	acc.SetBalance(types.TokenCurrency, uint256.NewInt(100))
	if err := l.PutAccount(investor, acc); err != nil {
		t.Fatalf("put account: %v", err)
	}

	rev := l.Snapshot()
	acc.SetBalance(types.TokenCurrency, uint256.NewInt(5))
	if err := l.PutAccount(investor, acc); err != nil {
		t.Fatalf("put account: %v", err)
	}
	if err := l.PutOrder(tranche.Senior, &tranche.Order{
		Investor:       investor,
		OrderedInEpoch: 1,
		SupplyCurrency: uint256.NewInt(95),
	}); err != nil {
		t.Fatalf("put order: %v", err)
	}
	if err := l.PutTokenSupply(types.TokenSeniorShare, uint256.NewInt(42)); err != nil {
		t.Fatalf("put supply: %v", err)
	}

	l.RevertToSnapshot(rev)

	got, err := l.GetAccount(investor)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if !got.Balance(types.TokenCurrency).Eq(uint256.NewInt(100)) {
		t.Fatalf("balance after revert = %s, want 100", got.Balance(types.TokenCurrency))
	}
	order, err := l.GetOrder(tranche.Senior, investor)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order != nil {
		t.Fatalf("order survived revert: %+v", order)
	}
	supply, err := l.TokenSupply(types.TokenSeniorShare)
	if err != nil {
		t.Fatalf("token supply: %v", err)
	}
	if !supply.IsZero() {
		t.Fatalf("token supply after revert = %s, want 0", supply)
	}
}

func TestFlushLoadRoundTrip(t *testing.T) {
	db := storage.NewMemDB()
	l, err := NewLedger(db)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}

	investor := crypto.SystemAddress("test/investor")
	acc := types.NewAccount()
	acc.SetBalance(types.TokenCurrency, uint256.NewInt(250))
	acc.SetBalance(types.TokenJuniorShare, uint256.NewInt(7))
	if err := l.PutAccount(investor, acc); err != nil {
		t.Fatalf("put account: %v", err)
	}
	if err := l.PutMeta(tranche.Junior, &tranche.Meta{
		TotalSupply:       uint256.NewInt(250),
		LastEpochExecuted: 3,
		WaitingForUpdate:  true,
	}); err != nil {
		t.Fatalf("put meta: %v", err)
	}
	if err := l.PutOrder(tranche.Junior, &tranche.Order{
		Investor:       investor,
		OrderedInEpoch: 4,
		SupplyCurrency: uint256.NewInt(250),
	}); err != nil {
		t.Fatalf("put order: %v", err)
	}
	if err := l.PutEpoch(tranche.Junior, 3, &tranche.Epoch{
		SupplyFulfillment: uint256.NewInt(1),
		TokenPrice:        uint256.NewInt(2),
		SupplyOrdered:     uint256.NewInt(500),
	}); err != nil {
		t.Fatalf("put epoch: %v", err)
	}
	if err := l.PutTokenSupply(types.TokenJuniorShare, uint256.NewInt(7)); err != nil {
		t.Fatalf("put supply: %v", err)
	}
	if err := l.PutCoordinatorState(&coordinator.State{
		CurrentEpoch:      4,
		LastEpochClosed:   1700000000,
		LastEpochExecuted: 3,
		SubmissionPeriod:  true,
		BestSubmission: &coordinator.Submission{
			SeniorRedeem: uint256.NewInt(11),
		},
		MinChallengePeriodEnd: 1700001800,
	}); err != nil {
		t.Fatalf("put coordinator state: %v", err)
	}
	if err := l.PutAssessorState(&assessor.State{
		SeniorDebt:    uint256.NewInt(60),
		SeniorBalance: uint256.NewInt(40),
		MaxReserve:    uint256.NewInt(10000),
	}); err != nil {
		t.Fatalf("put assessor state: %v", err)
	}
	if err := l.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	reloaded, err := NewLedger(db)
	if err != nil {
		t.Fatalf("reload ledger: %v", err)
	}
	gotAcc, err := reloaded.GetAccount(investor)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if !gotAcc.Balance(types.TokenCurrency).Eq(uint256.NewInt(250)) ||
		!gotAcc.Balance(types.TokenJuniorShare).Eq(uint256.NewInt(7)) {
		t.Fatalf("reloaded balances = %s currency, %s junior",
			gotAcc.Balance(types.TokenCurrency), gotAcc.Balance(types.TokenJuniorShare))
	}
	meta, err := reloaded.GetMeta(tranche.Junior)
	if err != nil {
		t.Fatalf("get meta: %v", err)
	}
	if meta == nil || meta.LastEpochExecuted != 3 || !meta.WaitingForUpdate {
		t.Fatalf("reloaded meta = %+v", meta)
	}
	order, err := reloaded.GetOrder(tranche.Junior, investor)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order == nil || order.OrderedInEpoch != 4 || !order.SupplyCurrency.Eq(uint256.NewInt(250)) {
		t.Fatalf("reloaded order = %+v", order)
	}
	if !order.Investor.Equal(investor) {
		t.Fatalf("reloaded investor = %s, want %s", order.Investor, investor)
	}
	epoch, err := reloaded.GetEpoch(tranche.Junior, 3)
	if err != nil {
		t.Fatalf("get epoch: %v", err)
	}
	if epoch == nil || !epoch.SupplyOrdered.Eq(uint256.NewInt(500)) {
		t.Fatalf("reloaded epoch = %+v", epoch)
	}
	coordState, err := reloaded.GetCoordinatorState()
	if err != nil {
		t.Fatalf("get coordinator state: %v", err)
	}
	if coordState.CurrentEpoch != 4 || !coordState.SubmissionPeriod ||
		coordState.MinChallengePeriodEnd != 1700001800 {
		t.Fatalf("reloaded coordinator state = %+v", coordState)
	}
	if coordState.BestSubmission == nil || !coordState.BestSubmission.SeniorRedeem.Eq(uint256.NewInt(11)) {
		t.Fatalf("reloaded best submission = %+v", coordState.BestSubmission)
	}
	assessorState, err := reloaded.GetAssessorState()
	if err != nil {
		t.Fatalf("get assessor state: %v", err)
	}
	if !assessorState.SeniorDebt.Eq(uint256.NewInt(60)) || !assessorState.MaxReserve.Eq(uint256.NewInt(10000)) {
		t.Fatalf("reloaded assessor state = %+v", assessorState)
	}
}

func TestNAVAndPauseDurability(t *testing.T) {
	db := storage.NewMemDB()
	l, err := NewLedger(db)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	if nav, err := l.GetNAV(); err != nil || !nav.IsZero() {
		t.Fatalf("fresh nav = %s, err %v", nav, err)
	}

	if err := l.PutNAV(uint256.NewInt(777)); err != nil {
		t.Fatalf("put nav: %v", err)
	}
	if err := l.SetPaused("coordinator", true); err != nil {
		t.Fatalf("set paused: %v", err)
	}
	if err := l.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	reloaded, err := NewLedger(db)
	if err != nil {
		t.Fatalf("reload ledger: %v", err)
	}
	nav, err := reloaded.GetNAV()
	if err != nil {
		t.Fatalf("get nav: %v", err)
	}
	if !nav.Eq(uint256.NewInt(777)) {
		t.Fatalf("reloaded nav = %s, want 777", nav)
	}
	if !reloaded.IsPaused("coordinator") {
		t.Fatalf("coordinator pause flag lost across reload")
	}
	if reloaded.IsPaused("tranche") {
		t.Fatalf("tranche paused without being set")
	}

	rev := reloaded.Snapshot()
	if err := reloaded.PutNAV(uint256.NewInt(1)); err != nil {
		t.Fatalf("put nav: %v", err)
	}
	if err := reloaded.SetPaused("coordinator", false); err != nil {
		t.Fatalf("set paused: %v", err)
	}
	if err := reloaded.SetPaused("tranche", true); err != nil {
		t.Fatalf("set paused: %v", err)
	}
	reloaded.RevertToSnapshot(rev)

	nav, err = reloaded.GetNAV()
	if err != nil {
		t.Fatalf("get nav: %v", err)
	}
	if !nav.Eq(uint256.NewInt(777)) {
		t.Fatalf("nav after revert = %s, want 777", nav)
	}
	if !reloaded.IsPaused("coordinator") || reloaded.IsPaused("tranche") {
		t.Fatalf("pause flags after revert: coordinator=%v tranche=%v",
			reloaded.IsPaused("coordinator"), reloaded.IsPaused("tranche"))
	}
}

func TestEmptyLedgerReads(t *testing.T) {
	l, err := NewLedger(storage.NewMemDB())
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	if acc, err := l.GetAccount(crypto.SystemAddress("test/nobody")); err != nil || acc != nil {
		t.Fatalf("empty account = %+v, err %v", acc, err)
	}
	if st, err := l.GetCoordinatorState(); err != nil || st != nil {
		t.Fatalf("empty coordinator state = %+v, err %v", st, err)
	}
	if st, err := l.GetAssessorState(); err != nil || st != nil {
		t.Fatalf("empty assessor state = %+v, err %v", st, err)
	}
}
