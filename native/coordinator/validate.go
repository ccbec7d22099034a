package coordinator

import (
	"github.com/holiman/uint256"

	"tranchex/native/fixedmath"
)

// ValidateSolution checks a submission against the frozen epoch snapshot
// without mutating anything, so solvers can probe before submitting.
func (c *Coordinator) ValidateSolution(sub *Submission) (Result, error) {
	st, err := c.ensureState()
	if err != nil {
		return ResultNotNewBest, err
	}
	if !st.SubmissionPeriod {
		return ResultNotNewBest, ErrNoSubmissionPeriod
	}
	if sub = sub.Clone(); sub == nil {
		sub = (&Submission{}).Normalize()
	}
	return c.validate(st, sub)
}

// validate returns the first violated constraint, checked in a fixed order:
// the closing-pool supply ban, currency availability, order bounds, reserve
// ceiling, then the senior ratio window.
func (c *Coordinator) validate(st *State, sub *Submission) (Result, error) {
	if st.PoolClosing && (!sub.SeniorSupply.IsZero() || !sub.JuniorSupply.IsZero()) {
		return ResultPoolClosing, nil
	}

	currencyAvailable, err := fixedmath.SafeAdd(st.EpochReserve, sub.SeniorSupply)
	if err != nil {
		return ResultNotNewBest, err
	}
	if currencyAvailable, err = fixedmath.SafeAdd(currencyAvailable, sub.JuniorSupply); err != nil {
		return ResultNotNewBest, err
	}
	currencyOut, err := fixedmath.SafeAdd(sub.SeniorRedeem, sub.JuniorRedeem)
	if err != nil {
		return ResultNotNewBest, err
	}
	if currencyOut.Gt(currencyAvailable) {
		return ResultCurrencyAvailable, nil
	}

	if sub.SeniorRedeem.Gt(st.Order.SeniorRedeem) ||
		sub.JuniorRedeem.Gt(st.Order.JuniorRedeem) ||
		sub.SeniorSupply.Gt(st.Order.SeniorSupply) ||
		sub.JuniorSupply.Gt(st.Order.JuniorSupply) {
		return ResultMaxOrder, nil
	}

	newReserve := new(uint256.Int).Sub(currencyAvailable, currencyOut)
	maxReserve, err := c.assessor.MaxReserve()
	if err != nil {
		return ResultNotNewBest, err
	}
	if newReserve.Gt(maxReserve) {
		return ResultMaxReserve, nil
	}

	ratio, err := c.calcSeniorRatio(st, sub, newReserve)
	if err != nil {
		return ResultNotNewBest, err
	}
	minRatio, maxRatio, err := c.assessor.SeniorRatioBounds()
	if err != nil {
		return ResultNotNewBest, err
	}
	if ratio.Lt(minRatio) {
		return ResultMinSeniorRatio, nil
	}
	if ratio.Gt(maxRatio) {
		return ResultMaxSeniorRatio, nil
	}
	return ResultSuccess, nil
}

// calcSeniorAssetValue is the senior asset after applying the submission's
// senior legs, floored at zero and capped at total pool value.
func (c *Coordinator) calcSeniorAssetValue(st *State, sub *Submission, newReserve *uint256.Int) (*uint256.Int, error) {
	asset, err := fixedmath.SafeAdd(st.EpochSeniorAsset, sub.SeniorSupply)
	if err != nil {
		return nil, err
	}
	if asset.Lt(sub.SeniorRedeem) {
		asset = uint256.NewInt(0)
	} else {
		asset = new(uint256.Int).Sub(asset, sub.SeniorRedeem)
	}
	pool, err := fixedmath.SafeAdd(st.EpochNAV, newReserve)
	if err != nil {
		return nil, err
	}
	if asset.Gt(pool) {
		asset = pool
	}
	return asset, nil
}

// calcSeniorRatio is the post-settlement senior share of pool value, in ray.
// An empty pool reports zero.
func (c *Coordinator) calcSeniorRatio(st *State, sub *Submission, newReserve *uint256.Int) (*uint256.Int, error) {
	asset, err := c.calcSeniorAssetValue(st, sub, newReserve)
	if err != nil {
		return nil, err
	}
	pool, err := fixedmath.SafeAdd(st.EpochNAV, newReserve)
	if err != nil {
		return nil, err
	}
	if pool.IsZero() {
		return uint256.NewInt(0), nil
	}
	return fixedmath.DivRayDown(asset, pool)
}

// acceptImprovement ranks an infeasible submission by how closely it
// approaches the broken pool constraints. The ratio distance strictly
// dominates; the reserve distance breaks ties.
func (c *Coordinator) acceptImprovement(st *State, sub *Submission) (Result, error) {
	newReserve, err := settledReserve(st, sub)
	if err != nil {
		return ResultNotNewBest, err
	}
	ratioScore, err := c.scoreRatioImprovement(st, sub, newReserve)
	if err != nil {
		return ResultNotNewBest, err
	}
	reserveScore, err := c.scoreReserveImprovement(newReserve)
	if err != nil {
		return ResultNotNewBest, err
	}

	switch {
	case ratioScore.Gt(st.BestRatioImprovement):
	case ratioScore.Eq(st.BestRatioImprovement) && reserveScore.Gt(st.BestReserveImprovement):
	default:
		return ResultNotNewBest, nil
	}

	st.BestSubmission = sub
	st.BestSubScore = uint256.NewInt(0)
	st.BestRatioImprovement = ratioScore
	st.BestReserveImprovement = reserveScore
	if st.MinChallengePeriodEnd == 0 {
		st.MinChallengePeriodEnd = c.now().Add(c.cfg.ChallengeTime).Unix()
	}
	return ResultSuccess, c.store.PutCoordinatorState(st)
}

// scoreRatioImprovement saturates when the ratio lands inside the window and
// otherwise decays with the distance to the nearest bound.
func (c *Coordinator) scoreRatioImprovement(st *State, sub *Submission, newReserve *uint256.Int) (*uint256.Int, error) {
	ratio, err := c.calcSeniorRatio(st, sub, newReserve)
	if err != nil {
		return nil, err
	}
	minRatio, maxRatio, err := c.assessor.SeniorRatioBounds()
	if err != nil {
		return nil, err
	}
	var distance *uint256.Int
	switch {
	case ratio.Lt(minRatio):
		distance = new(uint256.Int).Sub(minRatio, ratio)
	case ratio.Gt(maxRatio):
		distance = new(uint256.Int).Sub(ratio, maxRatio)
	default:
		return fixedmath.BigNumber(), nil
	}
	return fixedmath.DivRayDown(fixedmath.One(), distance)
}

// scoreReserveImprovement saturates when the reserve fits under the ceiling
// and otherwise decays with the excess.
func (c *Coordinator) scoreReserveImprovement(newReserve *uint256.Int) (*uint256.Int, error) {
	maxReserve, err := c.assessor.MaxReserve()
	if err != nil {
		return nil, err
	}
	if !newReserve.Gt(maxReserve) {
		return fixedmath.BigNumber(), nil
	}
	excess := new(uint256.Int).Sub(newReserve, maxReserve)
	return fixedmath.DivRayDown(fixedmath.One(), excess)
}
