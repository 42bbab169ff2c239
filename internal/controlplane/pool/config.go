package pool

import (
	"errors"
	"fmt"
	"math"
)

// Config holds the pool sizing and scoring policy.
//
// Score weights are applied to 0..100 terms, so with the defaults a worker's
// score is itself on a 0..100 scale.
type Config struct {
	// Cap is the maximum number of workers retained by Initialize and Join.
	Cap int `mapstructure:"cap" yaml:"cap"`

	// SeedAvgCompletionMinutes is the average completion estimate a new worker
	// starts with. It is discarded after the first successful completion.
	SeedAvgCompletionMinutes float64 `mapstructure:"seed_avg_completion_minutes" yaml:"seed_avg_completion_minutes"`

	// DefaultMaxHoursPerWeek applies to candidates that do not declare their own limit.
	DefaultMaxHoursPerWeek float64 `mapstructure:"default_max_hours_per_week" yaml:"default_max_hours_per_week"`

	SuccessWeight float64 `mapstructure:"success_weight" yaml:"success_weight"`
	RecencyWeight float64 `mapstructure:"recency_weight" yaml:"recency_weight"`
	BalanceWeight float64 `mapstructure:"balance_weight" yaml:"balance_weight"`

	// HeartbeatDecayPerMinute is how many recency points a worker loses per
	// minute since its last heartbeat. Recency never drops below zero.
	HeartbeatDecayPerMinute float64 `mapstructure:"heartbeat_decay_per_minute" yaml:"heartbeat_decay_per_minute"`

	// Success rate smoothing: on success rate = rate*SuccessRetain + SuccessBonus
	// (capped at 100); on failure rate = rate*FailureRetain (floored at 0).
	SuccessRetain float64 `mapstructure:"success_retain" yaml:"success_retain"`
	SuccessBonus  float64 `mapstructure:"success_bonus" yaml:"success_bonus"`
	FailureRetain float64 `mapstructure:"failure_retain" yaml:"failure_retain"`
}

// DefaultConfig returns the reference policy.
func DefaultConfig() Config {
	return Config{
		Cap:                      10,
		SeedAvgCompletionMinutes: 30,
		DefaultMaxHoursPerWeek:   40,
		SuccessWeight:            0.5,
		RecencyWeight:            0.3,
		BalanceWeight:            0.2,
		HeartbeatDecayPerMinute:  1,
		SuccessRetain:            0.9,
		SuccessBonus:             10,
		FailureRetain:            0.95,
	}
}

// Validate checks the policy for values that would break the scoring model.
func (c Config) Validate() error {
	if c.Cap <= 0 {
		return fmt.Errorf("pool cap must be > 0, got %d", c.Cap)
	}
	if c.DefaultMaxHoursPerWeek <= 0 {
		return fmt.Errorf("default max hours per week must be > 0, got %v", c.DefaultMaxHoursPerWeek)
	}
	if c.SeedAvgCompletionMinutes < 0 {
		return fmt.Errorf("seed average completion must be >= 0, got %v", c.SeedAvgCompletionMinutes)
	}
	if c.SuccessWeight < 0 || c.RecencyWeight < 0 || c.BalanceWeight < 0 {
		return errors.New("score weights must be non-negative")
	}
	if math.Abs(c.SuccessWeight+c.RecencyWeight+c.BalanceWeight-1) > 1e-9 {
		return fmt.Errorf("score weights must sum to 1, got %v",
			c.SuccessWeight+c.RecencyWeight+c.BalanceWeight)
	}
	if c.HeartbeatDecayPerMinute < 0 {
		return fmt.Errorf("heartbeat decay must be >= 0, got %v", c.HeartbeatDecayPerMinute)
	}
	if c.SuccessRetain < 0 || c.SuccessRetain > 1 || c.FailureRetain < 0 || c.FailureRetain > 1 {
		return errors.New("success and failure retain factors must be within [0, 1]")
	}
	if c.SuccessBonus < 0 {
		return fmt.Errorf("success bonus must be >= 0, got %v", c.SuccessBonus)
	}
	return nil
}
