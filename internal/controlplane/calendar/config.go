package calendar

import (
	"fmt"
	"time"
)

// BreakWindow is a recurring daily window ("HH:MM", 24h clock) during which
// work placements produce a break_collision warning. Windows are evaluated in
// the location of the event being placed.
type BreakWindow struct {
	Start string `mapstructure:"start" yaml:"start" json:"start"`
	End   string `mapstructure:"end" yaml:"end" json:"end"`
}

type Config struct {
	BreakWindows []BreakWindow `mapstructure:"break_windows" yaml:"break_windows"`

	// OverloadCriticalRatio escalates an overload conflict from warning to
	// critical once scheduled hours exceed this multiple of the weekly max.
	OverloadCriticalRatio float64 `mapstructure:"overload_critical_ratio" yaml:"overload_critical_ratio"`
}

func DefaultConfig() Config {
	return Config{
		BreakWindows:          []BreakWindow{{Start: "12:00", End: "13:00"}},
		OverloadCriticalRatio: 1.2,
	}
}

func (c Config) Validate() error {
	if c.OverloadCriticalRatio < 1 {
		return fmt.Errorf("overload critical ratio must be >= 1, got %v", c.OverloadCriticalRatio)
	}
	for i, w := range c.BreakWindows {
		if _, _, err := w.bounds(); err != nil {
			return fmt.Errorf("break window %d: %w", i, err)
		}
	}
	return nil
}

// bounds returns the window as offsets from midnight.
func (w BreakWindow) bounds() (time.Duration, time.Duration, error) {
	start, err := clockOffset(w.Start)
	if err != nil {
		return 0, 0, err
	}
	end, err := clockOffset(w.End)
	if err != nil {
		return 0, 0, err
	}
	if end <= start {
		return 0, 0, fmt.Errorf("end %q must be after start %q", w.End, w.Start)
	}
	return start, end, nil
}

func clockOffset(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
