// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package backend provides Backend implementations. Simulated stands in for
// real hardware: it rounds requests against an operating point table and
// exposes a demand knob that load-based governors can read.
package backend

import (
	"sync"

	"github.com/soothill/dvfs-coordinator/devfreq"
	"github.com/soothill/dvfs-coordinator/opp"
	apperrors "github.com/soothill/dvfs-coordinator/pkg/errors"
)

// Simulated is a software device model. It is safe for concurrent use.
type Simulated struct {
	id    string
	table *opp.Table

	mu       sync.Mutex
	current  devfreq.Frequency
	demand   float64
	applyErr error
	closed   bool

	closeOnce sync.Once
}

// NewSimulated models a device with the given operating points, currently
// running at initial, which is rounded up to an enabled point.
func NewSimulated(id string, table *opp.Table, initial devfreq.Frequency) (*Simulated, error) {
	p, err := table.Recommended(initial, devfreq.GreatestLowerBound)
	if err != nil {
		return nil, apperrors.NewBackendError("new", id, err)
	}
	return &Simulated{id: id, table: table, current: p.Freq}, nil
}

// Apply rounds target against the operating point table and makes the
// result the simulated hardware frequency.
func (s *Simulated) Apply(target devfreq.Frequency, bound devfreq.BoundKind) (devfreq.Frequency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, apperrors.NewBackendError("apply", s.id, apperrors.ErrInvalidState)
	}
	if s.applyErr != nil {
		return 0, apperrors.NewBackendError("apply", s.id, s.applyErr)
	}

	p, err := s.table.Recommended(target, bound)
	if err != nil {
		return 0, apperrors.NewBackendError("apply", s.id, err)
	}
	s.current = p.Freq
	return p.Freq, nil
}

// CurrentFrequency reports the simulated hardware frequency.
func (s *Simulated) CurrentFrequency() (devfreq.Frequency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, apperrors.NewBackendError("current_frequency", s.id, apperrors.ErrInvalidState)
	}
	return s.current, nil
}

// Close marks the device as torn down. Further applies fail.
func (s *Simulated) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
	})
	return nil
}

// Table returns the device's operating point table.
func (s *Simulated) Table() *opp.Table { return s.table }

// SetDemand records the device's load fraction, clamped to [0, 1].
func (s *Simulated) SetDemand(demand float64) {
	if demand < 0 {
		demand = 0
	} else if demand > 1 {
		demand = 1
	}
	s.mu.Lock()
	s.demand = demand
	s.mu.Unlock()
}

// Demand returns the last recorded load fraction.
func (s *Simulated) Demand() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.demand
}

// SetApplyError injects a failure into subsequent Apply calls; nil clears
// it. Used to model flaky hardware.
func (s *Simulated) SetApplyError(err error) {
	s.mu.Lock()
	s.applyErr = err
	s.mu.Unlock()
}
