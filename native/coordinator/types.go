package coordinator

import (
	"encoding/hex"

	"github.com/holiman/uint256"
	"lukechampine.com/blake3"
)

// OrderSummary freezes the total orders of both tranches when an epoch
// closes. All four legs are denominated in currency; redemption tokens were
// converted at the epoch's snapshotted token prices.
type OrderSummary struct {
	SeniorRedeem *uint256.Int
	JuniorRedeem *uint256.Int
	SeniorSupply *uint256.Int
	JuniorSupply *uint256.Int
}

func (o *OrderSummary) Normalize() *OrderSummary {
	if o.SeniorRedeem == nil {
		o.SeniorRedeem = uint256.NewInt(0)
	}
	if o.JuniorRedeem == nil {
		o.JuniorRedeem = uint256.NewInt(0)
	}
	if o.SeniorSupply == nil {
		o.SeniorSupply = uint256.NewInt(0)
	}
	if o.JuniorSupply == nil {
		o.JuniorSupply = uint256.NewInt(0)
	}
	return o
}

func (o *OrderSummary) Clone() *OrderSummary {
	if o == nil {
		return nil
	}
	o.Normalize()
	return &OrderSummary{
		SeniorRedeem: new(uint256.Int).Set(o.SeniorRedeem),
		JuniorRedeem: new(uint256.Int).Set(o.JuniorRedeem),
		SeniorSupply: new(uint256.Int).Set(o.SeniorSupply),
		JuniorSupply: new(uint256.Int).Set(o.JuniorSupply),
	}
}

// IsZero reports whether no orders were standing when the epoch closed.
func (o *OrderSummary) IsZero() bool {
	o.Normalize()
	return o.SeniorRedeem.IsZero() && o.JuniorRedeem.IsZero() &&
		o.SeniorSupply.IsZero() && o.JuniorSupply.IsZero()
}

// Submission is a proposed settlement: how much of each ordered leg to
// honor, in currency, each bounded by the corresponding OrderSummary leg.
type Submission struct {
	SeniorRedeem *uint256.Int
	JuniorRedeem *uint256.Int
	SeniorSupply *uint256.Int
	JuniorSupply *uint256.Int
}

func (s *Submission) Normalize() *Submission {
	if s.SeniorRedeem == nil {
		s.SeniorRedeem = uint256.NewInt(0)
	}
	if s.JuniorRedeem == nil {
		s.JuniorRedeem = uint256.NewInt(0)
	}
	if s.SeniorSupply == nil {
		s.SeniorSupply = uint256.NewInt(0)
	}
	if s.JuniorSupply == nil {
		s.JuniorSupply = uint256.NewInt(0)
	}
	return s
}

func (s *Submission) Clone() *Submission {
	if s == nil {
		return nil
	}
	s.Normalize()
	return &Submission{
		SeniorRedeem: new(uint256.Int).Set(s.SeniorRedeem),
		JuniorRedeem: new(uint256.Int).Set(s.JuniorRedeem),
		SeniorSupply: new(uint256.Int).Set(s.SeniorSupply),
		JuniorSupply: new(uint256.Int).Set(s.JuniorSupply),
	}
}

// Digest identifies a submission in logs without dumping four amounts.
func (s *Submission) Digest() string {
	s.Normalize()
	var buf [128]byte
	sr := s.SeniorRedeem.Bytes32()
	jr := s.JuniorRedeem.Bytes32()
	ss := s.SeniorSupply.Bytes32()
	js := s.JuniorSupply.Bytes32()
	copy(buf[0:32], sr[:])
	copy(buf[32:64], jr[:])
	copy(buf[64:96], ss[:])
	copy(buf[96:128], js[:])
	sum := blake3.Sum256(buf[:])
	return hex.EncodeToString(sum[:8])
}

// State is the coordinator's persisted record: the epoch clock, the frozen
// snapshot taken at close, and the best submission of the open period.
type State struct {
	// CurrentEpoch is the id of the epoch open for orders. Epoch ids start
	// at one; zero never names an epoch.
	CurrentEpoch uint64
	// LastEpochClosed is the unix time the previous epoch was closed.
	LastEpochClosed int64
	// LastEpochExecuted is the id of the latest settled epoch.
	LastEpochExecuted uint64
	// SubmissionPeriod is true between a close that found no trivially
	// feasible settlement and the matching execute.
	SubmissionPeriod bool
	// PoolClosing latches once the junior token price hits zero; from then
	// on only redemptions settle.
	PoolClosing bool

	// Snapshot taken at close, the settlement's input frame.
	EpochNAV              *uint256.Int
	EpochReserve          *uint256.Int
	EpochSeniorAsset      *uint256.Int
	EpochSeniorTokenPrice *uint256.Int
	EpochJuniorTokenPrice *uint256.Int
	Order                 *OrderSummary

	// Best submission bookkeeping for the open period.
	BestSubmission         *Submission
	BestSubScore           *uint256.Int
	GotFullValidSolution   bool
	MinChallengePeriodEnd  int64
	BestRatioImprovement   *uint256.Int
	BestReserveImprovement *uint256.Int
}

func (s *State) Normalize() *State {
	if s.CurrentEpoch == 0 {
		s.CurrentEpoch = 1
	}
	if s.EpochNAV == nil {
		s.EpochNAV = uint256.NewInt(0)
	}
	if s.EpochReserve == nil {
		s.EpochReserve = uint256.NewInt(0)
	}
	if s.EpochSeniorAsset == nil {
		s.EpochSeniorAsset = uint256.NewInt(0)
	}
	if s.EpochSeniorTokenPrice == nil {
		s.EpochSeniorTokenPrice = uint256.NewInt(0)
	}
	if s.EpochJuniorTokenPrice == nil {
		s.EpochJuniorTokenPrice = uint256.NewInt(0)
	}
	if s.Order == nil {
		s.Order = &OrderSummary{}
	}
	s.Order.Normalize()
	if s.BestSubScore == nil {
		s.BestSubScore = uint256.NewInt(0)
	}
	if s.BestRatioImprovement == nil {
		s.BestRatioImprovement = uint256.NewInt(0)
	}
	if s.BestReserveImprovement == nil {
		s.BestReserveImprovement = uint256.NewInt(0)
	}
	return s
}

func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	s.Normalize()
	return &State{
		CurrentEpoch:           s.CurrentEpoch,
		LastEpochClosed:        s.LastEpochClosed,
		LastEpochExecuted:      s.LastEpochExecuted,
		SubmissionPeriod:       s.SubmissionPeriod,
		PoolClosing:            s.PoolClosing,
		EpochNAV:               new(uint256.Int).Set(s.EpochNAV),
		EpochReserve:           new(uint256.Int).Set(s.EpochReserve),
		EpochSeniorAsset:       new(uint256.Int).Set(s.EpochSeniorAsset),
		EpochSeniorTokenPrice:  new(uint256.Int).Set(s.EpochSeniorTokenPrice),
		EpochJuniorTokenPrice:  new(uint256.Int).Set(s.EpochJuniorTokenPrice),
		Order:                  s.Order.Clone(),
		BestSubmission:         s.BestSubmission.Clone(),
		BestSubScore:           new(uint256.Int).Set(s.BestSubScore),
		GotFullValidSolution:   s.GotFullValidSolution,
		MinChallengePeriodEnd:  s.MinChallengePeriodEnd,
		BestRatioImprovement:   new(uint256.Int).Set(s.BestRatioImprovement),
		BestReserveImprovement: new(uint256.Int).Set(s.BestReserveImprovement),
	}
}
