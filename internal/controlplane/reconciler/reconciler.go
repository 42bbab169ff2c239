// Package reconciler runs the periodic maintenance passes of the control
// plane: expiring stuck assignments, rebalancing calendars and publishing
// serving health.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/VerteraIO/agentplane/internal/controlplane/scheduler"
)

// Engine is the part of *scheduler.Engine the reconciler drives.
type Engine interface {
	ExpireStuck(now time.Time) []scheduler.Completion
	Rebalance(now time.Time) scheduler.RebalanceResult
	Available() bool
}

// HealthSetter receives the serving status after each pass.
type HealthSetter interface {
	SetServing(serving bool)
}

type Config struct {
	Interval          time.Duration `mapstructure:"interval" yaml:"interval"`
	RebalanceInterval time.Duration `mapstructure:"rebalance_interval" yaml:"rebalance_interval"`
}

func DefaultConfig() Config {
	return Config{Interval: 30 * time.Second, RebalanceInterval: 5 * time.Minute}
}

// Validate allows RebalanceInterval to be zero, which disables rebalancing.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("reconciler interval must be positive, got %s", c.Interval)
	}
	if c.RebalanceInterval < 0 {
		return fmt.Errorf("reconciler rebalance_interval must not be negative, got %s", c.RebalanceInterval)
	}
	return nil
}

type Reconciler struct {
	cfg    Config
	engine Engine
	health HealthSetter
	log    logrus.FieldLogger
	now    func() time.Time

	lastRebalance time.Time
}

// New builds a reconciler. health may be nil.
func New(cfg Config, engine Engine, health HealthSetter, log logrus.FieldLogger) *Reconciler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Reconciler{cfg: cfg, engine: engine, health: health, log: log, now: time.Now}
}

// Run ticks until ctx is done. The first pass runs immediately.
func (r *Reconciler) Run(ctx context.Context) {
	r.log.WithField("interval", r.cfg.Interval).Info("reconciler started")
	t := time.NewTicker(r.cfg.Interval)
	defer t.Stop()
	r.Tick(r.now())
	for {
		select {
		case <-ctx.Done():
			r.log.Info("reconciler stopped")
			return
		case <-t.C:
			r.Tick(r.now())
		}
	}
}

// Tick runs one pass at now.
func (r *Reconciler) Tick(now time.Time) {
	if expired := r.engine.ExpireStuck(now); len(expired) > 0 {
		ids := make([]string, len(expired))
		for i, c := range expired {
			ids[i] = c.WorkItemID
		}
		r.log.WithField("workItems", ids).Warn("expired stuck assignments")
	}

	if r.cfg.RebalanceInterval > 0 && (r.lastRebalance.IsZero() || now.Sub(r.lastRebalance) >= r.cfg.RebalanceInterval) {
		r.lastRebalance = now
		res := r.engine.Rebalance(now)
		if res.Moved > 0 {
			r.log.WithFields(logrus.Fields{
				"moved":     res.Moved,
				"conflicts": len(res.Conflicts),
			}).Info("calendar rebalanced")
		}
	}

	if r.health != nil {
		r.health.SetServing(r.engine.Available())
	}
}
