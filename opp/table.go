// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package opp models discrete operating performance points: the frequency
// and supply voltage pairs a device supports. Points can be disabled at
// runtime, e.g. under thermal pressure, and lookups only consider enabled
// points.
package opp

import (
	"fmt"
	"sync"

	"github.com/soothill/dvfs-coordinator/devfreq"
	apperrors "github.com/soothill/dvfs-coordinator/pkg/errors"
	"github.com/soothill/dvfs-coordinator/pkg/logger"
)

// OperatingPoint is one supported frequency with its supply voltage in
// microvolts.
type OperatingPoint struct {
	Freq    devfreq.Frequency
	Voltage uint64
}

type entry struct {
	OperatingPoint
	enabled bool
}

// Table holds a device's operating points ordered by ascending frequency.
type Table struct {
	mu       sync.RWMutex
	entries  []entry
	onChange []func()
}

// New builds a table from points, which must be strictly ascending by
// frequency. All points start enabled.
func New(points []OperatingPoint) (*Table, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("empty operating point table: %w", apperrors.ErrInvalidArgument)
	}
	entries := make([]entry, len(points))
	for i, p := range points {
		if i > 0 && p.Freq <= points[i-1].Freq {
			return nil, fmt.Errorf("operating points not strictly ascending at index %d: %w",
				i, apperrors.ErrInvalidArgument)
		}
		entries[i] = entry{OperatingPoint: p, enabled: true}
	}
	return &Table{entries: entries}, nil
}

// Recommended picks the enabled operating point matching target under the
// given rounding direction. An upper-bound request prefers the highest
// enabled point at or below the target and falls back to the lowest enabled
// point above it; a lower-bound request does the mirror image.
func (t *Table) Recommended(target devfreq.Frequency, bound devfreq.BoundKind) (OperatingPoint, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if bound == devfreq.LeastUpperBound {
		if p, ok := t.floor(target); ok {
			return p, nil
		}
		if p, ok := t.ceil(target); ok {
			return p, nil
		}
	} else {
		if p, ok := t.ceil(target); ok {
			return p, nil
		}
		if p, ok := t.floor(target); ok {
			return p, nil
		}
	}
	return OperatingPoint{}, fmt.Errorf("no enabled operating point for %d: %w",
		target, apperrors.ErrNotFound)
}

// floor returns the highest enabled point at or below target. Caller holds
// t.mu.
func (t *Table) floor(target devfreq.Frequency) (OperatingPoint, bool) {
	for i := len(t.entries) - 1; i >= 0; i-- {
		e := t.entries[i]
		if e.enabled && e.Freq <= target {
			return e.OperatingPoint, true
		}
	}
	return OperatingPoint{}, false
}

// ceil returns the lowest enabled point at or above target. Caller holds
// t.mu.
func (t *Table) ceil(target devfreq.Frequency) (OperatingPoint, bool) {
	for _, e := range t.entries {
		if e.enabled && e.Freq >= target {
			return e.OperatingPoint, true
		}
	}
	return OperatingPoint{}, false
}

// Enable re-enables the point at freq. Enabling an already enabled point is
// a no-op and triggers no notification.
func (t *Table) Enable(freq devfreq.Frequency) error {
	return t.setEnabled(freq, true)
}

// Disable removes the point at freq from consideration until re-enabled.
func (t *Table) Disable(freq devfreq.Frequency) error {
	return t.setEnabled(freq, false)
}

func (t *Table) setEnabled(freq devfreq.Frequency, enabled bool) error {
	t.mu.Lock()
	var changed bool
	found := false
	for i := range t.entries {
		if t.entries[i].Freq == freq {
			found = true
			changed = t.entries[i].enabled != enabled
			t.entries[i].enabled = enabled
			break
		}
	}
	callbacks := t.onChange
	t.mu.Unlock()

	if !found {
		return fmt.Errorf("no operating point at %d: %w", freq, apperrors.ErrNotFound)
	}
	if changed {
		for _, fn := range callbacks {
			fn()
		}
	}
	return nil
}

// Frequencies returns the enabled frequencies in ascending order.
func (t *Table) Frequencies() []devfreq.Frequency {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]devfreq.Frequency, 0, len(t.entries))
	for _, e := range t.entries {
		if e.enabled {
			out = append(out, e.Freq)
		}
	}
	return out
}

// AllFrequencies returns every frequency in the table, enabled or not, in
// ascending order.
func (t *Table) AllFrequencies() []devfreq.Frequency {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]devfreq.Frequency, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.Freq
	}
	return out
}

// Voltage returns the supply voltage of the point at freq.
func (t *Table) Voltage(freq devfreq.Frequency) (uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.entries {
		if e.Freq == freq {
			return e.Voltage, nil
		}
	}
	return 0, fmt.Errorf("no operating point at %d: %w", freq, apperrors.ErrNotFound)
}

// OnChange registers a callback invoked after every availability change.
// Callbacks run without the table lock and may query the table.
func (t *Table) OnChange(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = append(t.onChange, fn)
}

// NotifyDevice reevaluates the device whenever the table's availability
// changes, so a disabled point the device is sitting on gets vacated
// promptly.
func NotifyDevice(t *Table, d *devfreq.Device) {
	t.OnChange(func() {
		if err := d.Reevaluate(); err != nil {
			logger.Warn().Err(err).Str("device_id", d.ID()).
				Msg("Reevaluation after operating point change failed")
		}
	})
}
