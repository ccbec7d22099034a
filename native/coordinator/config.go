package coordinator

import (
	"fmt"
	"time"
)

// Config describes how epochs are timed and how submitted solutions are
// scored.
type Config struct {
	// MinimumEpochTime is how long an epoch must stay open for orders
	// before it can be closed.
	MinimumEpochTime time.Duration

	// ChallengeTime is the window after the first feasible solution during
	// which competing submissions may still displace it.
	ChallengeTime time.Duration

	// Weights rank feasible solutions. Redemptions outrank supplies and the
	// senior tranche's redemptions outrank the junior tranche's.
	Weights Weights
}

// Weights are the per-leg multipliers of the solution score.
type Weights struct {
	SeniorRedeem uint64
	JuniorRedeem uint64
	JuniorSupply uint64
	SeniorSupply uint64
}

// DefaultConfig returns the production epoch cadence: close just under once
// a day, with a thirty minute challenge window.
func DefaultConfig() Config {
	return Config{
		MinimumEpochTime: 23*time.Hour + 50*time.Minute,
		ChallengeTime:    30 * time.Minute,
		Weights: Weights{
			SeniorRedeem: 1_000_000,
			JuniorRedeem: 100_000,
			JuniorSupply: 10_000,
			SeniorSupply: 1_000,
		},
	}
}

// Validate ensures the configuration is self-consistent.
func (c Config) Validate() error {
	if c.MinimumEpochTime < 0 {
		return fmt.Errorf("minimum epoch time must not be negative")
	}
	if c.ChallengeTime <= 0 {
		return fmt.Errorf("challenge time must be greater than zero")
	}
	w := c.Weights
	if w.SeniorRedeem == 0 || w.JuniorRedeem == 0 || w.JuniorSupply == 0 || w.SeniorSupply == 0 {
		return fmt.Errorf("all score weights must be non-zero")
	}
	return nil
}
