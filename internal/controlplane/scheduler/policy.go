package scheduler

import (
	"fmt"
	"time"

	"github.com/VerteraIO/agentplane/internal/controlplane/calendar"
	"github.com/VerteraIO/agentplane/internal/controlplane/pool"
)

// Policy groups every tunable the engine consults.
type Policy struct {
	Pool     pool.Config     `mapstructure:"pool" yaml:"pool"`
	Calendar calendar.Config `mapstructure:"calendar" yaml:"calendar"`

	// Workers below LowPerformance are underperformers; workers above
	// HighPerformance can absorb rebalanced work.
	LowPerformance  float64 `mapstructure:"low_performance" yaml:"low_performance"`
	HighPerformance float64 `mapstructure:"high_performance" yaml:"high_performance"`

	// BacklogThreshold is the queue depth above which metrics flag a backed-up queue.
	BacklogThreshold int `mapstructure:"backlog_threshold" yaml:"backlog_threshold"`
	// UnderperformerAlarm is how many underperformers are tolerated before metrics flag them.
	UnderperformerAlarm int `mapstructure:"underperformer_alarm" yaml:"underperformer_alarm"`

	// AssignmentTimeout bounds how long a work item may stay bound to a worker
	// before ExpireStuck fails it. Zero disables expiry.
	AssignmentTimeout time.Duration `mapstructure:"assignment_timeout" yaml:"assignment_timeout"`

	// StrictInvariants panics on internal consistency violations instead of logging them.
	StrictInvariants bool `mapstructure:"strict_invariants" yaml:"strict_invariants"`
}

func DefaultPolicy() Policy {
	return Policy{
		Pool:                pool.DefaultConfig(),
		Calendar:            calendar.DefaultConfig(),
		LowPerformance:      70,
		HighPerformance:     90,
		BacklogThreshold:    5,
		UnderperformerAlarm: 2,
		AssignmentTimeout:   4 * time.Hour,
	}
}

func (p Policy) Validate() error {
	if err := p.Pool.Validate(); err != nil {
		return fmt.Errorf("pool: %w", err)
	}
	if err := p.Calendar.Validate(); err != nil {
		return fmt.Errorf("calendar: %w", err)
	}
	if p.LowPerformance < 0 || p.HighPerformance > 100 || p.LowPerformance >= p.HighPerformance {
		return fmt.Errorf("performance thresholds must satisfy 0 <= low < high <= 100, got %v/%v",
			p.LowPerformance, p.HighPerformance)
	}
	if p.BacklogThreshold < 0 {
		return fmt.Errorf("backlog threshold must be >= 0, got %d", p.BacklogThreshold)
	}
	if p.UnderperformerAlarm < 0 {
		return fmt.Errorf("underperformer alarm must be >= 0, got %d", p.UnderperformerAlarm)
	}
	if p.AssignmentTimeout < 0 {
		return fmt.Errorf("assignment timeout must be >= 0, got %s", p.AssignmentTimeout)
	}
	return nil
}
