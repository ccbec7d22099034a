// Package coordinator runs the epoch lifecycle: it closes epochs on a timer,
// collects and ranks settlement solutions during the submission period, and
// executes the winning solution against both tranches and the assessor.
package coordinator

import (
	"log/slog"
	"time"

	"github.com/holiman/uint256"

	"tranchex/native/common"
	"tranchex/native/fixedmath"
)

const moduleName = "coordinator"

// Tranche is the per-class order book the coordinator settles against.
type Tranche interface {
	CloseEpoch() (totalSupplyCurrency, totalRedeemToken *uint256.Int, err error)
	EpochUpdate(epochID uint64, supplyFulfillment, redeemFulfillment, tokenPrice, supplyCurrency, redeemCurrency *uint256.Int) error
	PayoutRequestedCurrency() error
	CollectRedemptionCurrency() error
}

// Assessor values the capital structure and absorbs the settled senior
// delta.
type Assessor interface {
	CalcUpdateNAV() (*uint256.Int, error)
	TotalBalance() (*uint256.Int, error)
	CalcSeniorTokenPrice(nav, reserve *uint256.Int) (*uint256.Int, error)
	CalcJuniorTokenPrice(nav, reserve *uint256.Int) (*uint256.Int, error)
	SeniorDebt() (*uint256.Int, error)
	SeniorBalance() (*uint256.Int, error)
	SeniorRatioBounds() (minRatio, maxRatio *uint256.Int, err error)
	MaxReserve() (*uint256.Int, error)
	ChangeSeniorAsset(supply, redeem *uint256.Int) error
	ChangeBorrowAmountEpoch(amount *uint256.Int) error
}

// Store is the persistence layer the coordinator reads and writes through.
// Snapshot and RevertToSnapshot cover the tranche and assessor writes made
// inside a coordinator operation as well.
type Store interface {
	GetCoordinatorState() (*State, error)
	PutCoordinatorState(state *State) error
	Snapshot() int
	RevertToSnapshot(id int)
	Flush() error
}

// Coordinator drives epoch settlement. Not safe for concurrent use; callers
// serialize access.
type Coordinator struct {
	cfg      Config
	store    Store
	senior   Tranche
	junior   Tranche
	assessor Assessor
	pauses   common.PauseView
	log      *slog.Logger

	// now is swapped out in tests.
	now func() time.Time
}

// New constructs a coordinator over both tranches and the assessor.
func New(cfg Config, senior, junior Tranche, assessor Assessor) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Coordinator{
		cfg:      cfg,
		senior:   senior,
		junior:   junior,
		assessor: assessor,
		log:      slog.Default(),
		now:      time.Now,
	}, nil
}

// SetStore wires the coordinator to the external persistence layer.
func (c *Coordinator) SetStore(store Store) { c.store = store }

func (c *Coordinator) SetPauses(p common.PauseView) { c.pauses = p }

// SetLogger replaces the default process logger.
func (c *Coordinator) SetLogger(log *slog.Logger) {
	if log != nil {
		c.log = log
	}
}

// SetClock replaces the wall clock the epoch timers read.
func (c *Coordinator) SetClock(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

// CurrentEpoch reports the epoch currently open for orders. It implements
// the tranches' epoch source.
func (c *Coordinator) CurrentEpoch() (uint64, error) {
	st, err := c.ensureState()
	if err != nil {
		return 0, err
	}
	return st.CurrentEpoch, nil
}

// State returns a copy of the coordinator's persisted record.
func (c *Coordinator) State() (*State, error) {
	st, err := c.ensureState()
	if err != nil {
		return nil, err
	}
	return st.Clone(), nil
}

// CloseEpoch freezes the open epoch: it snapshots NAV, reserve and token
// prices, converts the standing orders into currency terms, and either
// settles trivially (no orders, or everything fits) or opens a submission
// period. Anyone may call it once the minimum epoch time has elapsed.
func (c *Coordinator) CloseEpoch() error {
	if c.store == nil {
		return ErrNilStore
	}
	if c.senior == nil || c.junior == nil || c.assessor == nil {
		return ErrNotWired
	}
	if err := common.Guard(c.pauses, moduleName); err != nil {
		return err
	}
	st, err := c.ensureState()
	if err != nil {
		return err
	}
	if st.SubmissionPeriod {
		return ErrInSubmissionPeriod
	}
	now := c.now()
	if st.LastEpochClosed != 0 && now.Unix() < st.LastEpochClosed+int64(c.cfg.MinimumEpochTime/time.Second) {
		return ErrEpochNotClosable
	}

	rev := c.store.Snapshot()
	if err := c.closeEpoch(st, now); err != nil {
		c.store.RevertToSnapshot(rev)
		return err
	}
	return c.store.Flush()
}

func (c *Coordinator) closeEpoch(st *State, now time.Time) error {
	closing := st.CurrentEpoch
	st.CurrentEpoch++
	st.LastEpochClosed = now.Unix()

	seniorSupply, seniorRedeemToken, err := c.senior.CloseEpoch()
	if err != nil {
		return err
	}
	juniorSupply, juniorRedeemToken, err := c.junior.CloseEpoch()
	if err != nil {
		return err
	}

	nav, err := c.assessor.CalcUpdateNAV()
	if err != nil {
		return err
	}
	reserve, err := c.assessor.TotalBalance()
	if err != nil {
		return err
	}
	seniorPrice, err := c.assessor.CalcSeniorTokenPrice(nav, reserve)
	if err != nil {
		return err
	}
	juniorPrice, err := c.assessor.CalcJuniorTokenPrice(nav, reserve)
	if err != nil {
		return err
	}
	seniorDebt, err := c.assessor.SeniorDebt()
	if err != nil {
		return err
	}
	seniorBalance, err := c.assessor.SeniorBalance()
	if err != nil {
		return err
	}

	st.EpochNAV = nav
	st.EpochReserve = reserve
	st.EpochSeniorTokenPrice = seniorPrice
	st.EpochJuniorTokenPrice = juniorPrice
	if st.EpochSeniorAsset, err = fixedmath.SafeAdd(seniorDebt, seniorBalance); err != nil {
		return err
	}
	if juniorPrice.IsZero() {
		// The junior cushion is gone. From here on the pool only winds
		// down: solutions with new supply are rejected.
		st.PoolClosing = true
	}

	seniorRedeem, err := fixedmath.MulRayDown(seniorRedeemToken, seniorPrice)
	if err != nil {
		return err
	}
	juniorRedeem, err := fixedmath.MulRayDown(juniorRedeemToken, juniorPrice)
	if err != nil {
		return err
	}
	st.Order = &OrderSummary{
		SeniorRedeem: seniorRedeem,
		JuniorRedeem: juniorRedeem,
		SeniorSupply: seniorSupply,
		JuniorSupply: juniorSupply,
	}

	if st.Order.IsZero() {
		// Nothing to settle: record the epoch with zero fulfillment so
		// disbursement history stays gapless.
		if err := c.executeEpoch(st, (&Submission{}).Normalize()); err != nil {
			return err
		}
		c.log.Info("epoch closed empty", "epoch", closing)
		return c.store.PutCoordinatorState(st)
	}

	full := &Submission{
		SeniorRedeem: new(uint256.Int).Set(seniorRedeem),
		JuniorRedeem: new(uint256.Int).Set(juniorRedeem),
		SeniorSupply: new(uint256.Int).Set(seniorSupply),
		JuniorSupply: new(uint256.Int).Set(juniorSupply),
	}
	res, err := c.validate(st, full)
	if err != nil {
		return err
	}
	if res == ResultSuccess {
		if err := c.executeEpoch(st, full); err != nil {
			return err
		}
		c.log.Info("epoch closed and settled in full", "epoch", closing)
		return c.store.PutCoordinatorState(st)
	}

	st.SubmissionPeriod = true
	c.log.Info("epoch closed, submission period open",
		"epoch", closing, "constraint", res.String())
	return c.store.PutCoordinatorState(st)
}

// SubmitSolution proposes a settlement for the epoch awaiting execution.
// A feasible solution competes on its weighted score; once constraints make
// full feasibility impossible, submissions compete on how closely they
// approach the ratio and reserve bounds instead.
func (c *Coordinator) SubmitSolution(sub *Submission) (Result, error) {
	if c.store == nil {
		return ResultNotNewBest, ErrNilStore
	}
	if err := common.Guard(c.pauses, moduleName); err != nil {
		return ResultNotNewBest, err
	}
	st, err := c.ensureState()
	if err != nil {
		return ResultNotNewBest, err
	}
	if !st.SubmissionPeriod {
		return ResultNotNewBest, ErrNoSubmissionPeriod
	}
	sub = sub.Clone()
	if sub == nil {
		sub = (&Submission{}).Normalize()
	}

	rev := c.store.Snapshot()
	res, err := c.submitSolution(st, sub)
	if err != nil || res != ResultSuccess {
		c.store.RevertToSnapshot(rev)
		return res, err
	}
	if err := c.store.Flush(); err != nil {
		return ResultNotNewBest, err
	}
	c.log.Info("solution accepted as new best",
		"epoch", st.LastEpochExecuted+1,
		"submission", sub.Digest(),
		"full", st.GotFullValidSolution)
	return res, nil
}

func (c *Coordinator) submitSolution(st *State, sub *Submission) (Result, error) {
	res, err := c.validate(st, sub)
	if err != nil {
		return ResultNotNewBest, err
	}

	switch res {
	case ResultSuccess:
		return c.acceptFeasible(st, sub)
	case ResultMaxReserve, ResultMinSeniorRatio, ResultMaxSeniorRatio:
		// Pool constraints broken. Before any feasible solution arrives,
		// the closest approach to the bounds still wins.
		if st.GotFullValidSolution {
			return res, nil
		}
		return c.acceptImprovement(st, sub)
	default:
		return res, nil
	}
}

func (c *Coordinator) acceptFeasible(st *State, sub *Submission) (Result, error) {
	score, err := c.scoreSolution(sub)
	if err != nil {
		return ResultNotNewBest, err
	}
	if st.GotFullValidSolution {
		if !score.Gt(st.BestSubScore) {
			return ResultNotNewBest, nil
		}
	} else {
		st.GotFullValidSolution = true
		if st.MinChallengePeriodEnd == 0 {
			st.MinChallengePeriodEnd = c.now().Add(c.cfg.ChallengeTime).Unix()
		}
	}
	st.BestSubmission = sub
	st.BestSubScore = score
	return ResultSuccess, c.store.PutCoordinatorState(st)
}

// scoreSolution weights the four legs so that a single unit of senior
// redemption outranks any amount scored by the lower weights.
func (c *Coordinator) scoreSolution(sub *Submission) (*uint256.Int, error) {
	score := uint256.NewInt(0)
	legs := []struct {
		amount *uint256.Int
		weight uint64
	}{
		{sub.SeniorRedeem, c.cfg.Weights.SeniorRedeem},
		{sub.JuniorRedeem, c.cfg.Weights.JuniorRedeem},
		{sub.JuniorSupply, c.cfg.Weights.JuniorSupply},
		{sub.SeniorSupply, c.cfg.Weights.SeniorSupply},
	}
	for _, leg := range legs {
		weighted, err := fixedmath.SafeMul(leg.amount, uint256.NewInt(leg.weight))
		if err != nil {
			return nil, err
		}
		if score, err = fixedmath.SafeAdd(score, weighted); err != nil {
			return nil, err
		}
	}
	return score, nil
}

// ExecuteEpoch applies the best submission once the challenge period has
// run out.
func (c *Coordinator) ExecuteEpoch() error {
	if c.store == nil {
		return ErrNilStore
	}
	if err := common.Guard(c.pauses, moduleName); err != nil {
		return err
	}
	st, err := c.ensureState()
	if err != nil {
		return err
	}
	if !st.SubmissionPeriod || st.MinChallengePeriodEnd == 0 {
		return ErrNoSubmission
	}
	if c.now().Unix() < st.MinChallengePeriodEnd {
		return ErrChallengePeriod
	}
	sub := st.BestSubmission
	if sub == nil {
		sub = (&Submission{}).Normalize()
	}

	rev := c.store.Snapshot()
	if err := c.executeEpoch(st, sub); err != nil {
		c.store.RevertToSnapshot(rev)
		return err
	}
	if err := c.store.PutCoordinatorState(st); err != nil {
		c.store.RevertToSnapshot(rev)
		return err
	}
	return c.store.Flush()
}

// executeEpoch settles the frozen epoch with the given submission: it hands
// each tranche its fulfillment tuple, re-splits the senior asset, moves the
// fulfilled currency legs through the reserve, and reopens the books.
//
// Supply currency is deposited from both escrows before any redemption
// currency is drawn, so one tranche's inflow can fund the other's outflow
// within the same settlement.
func (c *Coordinator) executeEpoch(st *State, sub *Submission) error {
	epochID := st.LastEpochExecuted + 1

	seniorSupplyF, err := fulfillment(sub.SeniorSupply, st.Order.SeniorSupply)
	if err != nil {
		return err
	}
	seniorRedeemF, err := fulfillment(sub.SeniorRedeem, st.Order.SeniorRedeem)
	if err != nil {
		return err
	}
	juniorSupplyF, err := fulfillment(sub.JuniorSupply, st.Order.JuniorSupply)
	if err != nil {
		return err
	}
	juniorRedeemF, err := fulfillment(sub.JuniorRedeem, st.Order.JuniorRedeem)
	if err != nil {
		return err
	}

	if err := c.senior.EpochUpdate(epochID, seniorSupplyF, seniorRedeemF,
		st.EpochSeniorTokenPrice, st.Order.SeniorSupply, st.Order.SeniorRedeem); err != nil {
		return err
	}
	if err := c.junior.EpochUpdate(epochID, juniorSupplyF, juniorRedeemF,
		st.EpochJuniorTokenPrice, st.Order.JuniorSupply, st.Order.JuniorRedeem); err != nil {
		return err
	}
	// Supplied currency must reach the reserve before the senior asset is
	// repriced: the assessor caps the senior asset at live pool value, and
	// both escrows' deposits can fund either tranche's redemptions.
	if err := c.senior.PayoutRequestedCurrency(); err != nil {
		return err
	}
	if err := c.junior.PayoutRequestedCurrency(); err != nil {
		return err
	}
	if err := c.assessor.ChangeSeniorAsset(sub.SeniorSupply, sub.SeniorRedeem); err != nil {
		return err
	}
	if err := c.senior.CollectRedemptionCurrency(); err != nil {
		return err
	}
	if err := c.junior.CollectRedemptionCurrency(); err != nil {
		return err
	}
	// Second pass with no delta re-splits debt and balance against the
	// post-settlement reserve.
	if err := c.assessor.ChangeSeniorAsset(uint256.NewInt(0), uint256.NewInt(0)); err != nil {
		return err
	}

	newReserve, err := settledReserve(st, sub)
	if err != nil {
		return err
	}
	if err := c.assessor.ChangeBorrowAmountEpoch(newReserve); err != nil {
		return err
	}

	st.LastEpochExecuted = epochID
	st.SubmissionPeriod = false
	st.BestSubmission = nil
	st.BestSubScore = uint256.NewInt(0)
	st.GotFullValidSolution = false
	st.MinChallengePeriodEnd = 0
	st.BestRatioImprovement = uint256.NewInt(0)
	st.BestReserveImprovement = uint256.NewInt(0)

	c.log.Info("epoch executed",
		"epoch", epochID,
		"seniorSupply", sub.SeniorSupply.String(),
		"seniorRedeem", sub.SeniorRedeem.String(),
		"juniorSupply", sub.JuniorSupply.String(),
		"juniorRedeem", sub.JuniorRedeem.String(),
		"reserve", newReserve.String())
	return nil
}

// fulfillment is the settled fraction of an ordered leg, in ray. An
// unordered leg settles at zero.
func fulfillment(settled, ordered *uint256.Int) (*uint256.Int, error) {
	if ordered == nil || ordered.IsZero() {
		return uint256.NewInt(0), nil
	}
	return fixedmath.DivRayDown(settled, ordered)
}

// settledReserve is the reserve after applying the submission to the epoch
// snapshot.
func settledReserve(st *State, sub *Submission) (*uint256.Int, error) {
	available, err := fixedmath.SafeAdd(st.EpochReserve, sub.SeniorSupply)
	if err != nil {
		return nil, err
	}
	if available, err = fixedmath.SafeAdd(available, sub.JuniorSupply); err != nil {
		return nil, err
	}
	out, err := fixedmath.SafeAdd(sub.SeniorRedeem, sub.JuniorRedeem)
	if err != nil {
		return nil, err
	}
	return fixedmath.SafeSub(available, out)
}

func (c *Coordinator) ensureState() (*State, error) {
	if c.store == nil {
		return nil, ErrNilStore
	}
	st, err := c.store.GetCoordinatorState()
	if err != nil {
		return nil, err
	}
	if st == nil {
		st = &State{}
	}
	return st.Normalize(), nil
}
