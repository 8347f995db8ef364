// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package devfreq

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/soothill/dvfs-coordinator/pkg/errors"
)

// TransitionStats accumulates time-in-state and transition counts for a
// device with a discrete frequency table. It is not safe for concurrent use;
// the owning Device serializes access under its instance lock.
type TransitionStats struct {
	freqs       []Frequency
	timeInState []time.Duration
	transitions []uint64 // flattened matrix, transitions[prev*n+next]
	totalTrans  uint64
	lastUpdate  time.Time
}

// NewTransitionStats builds stats for the given ascending frequency table.
// The slice is shared with the caller and must not be mutated.
func NewTransitionStats(freqs []Frequency, now time.Time) *TransitionStats {
	n := len(freqs)
	return &TransitionStats{
		freqs:       freqs,
		timeInState: make([]time.Duration, n),
		transitions: make([]uint64, n*n),
		lastUpdate:  now,
	}
}

func (s *TransitionStats) index(f Frequency) int {
	for i, v := range s.freqs {
		if v == f {
			return i
		}
	}
	return -1
}

// Record accounts for a frequency change from prev to next at time now.
//
// The first call establishes the accounting baseline: it stamps the clock
// without crediting time or counting a transition, because there is no known
// epoch to attribute the elapsed time to. On every later call the time since
// the previous update is credited to prev's level before the transition is
// counted. The timestamp always advances, even on error, so a bad sample
// cannot be double counted by the next one.
func (s *TransitionStats) Record(prev, next Frequency, now time.Time) error {
	if s.lastUpdate.IsZero() {
		s.lastUpdate = now
		return nil
	}

	prevIdx := s.index(prev)
	if prevIdx >= 0 {
		s.timeInState[prevIdx] += now.Sub(s.lastUpdate)
	}
	s.lastUpdate = now

	if prevIdx < 0 {
		return apperrors.NewStatsError("record",
			fmt.Errorf("frequency %d not in table: %w", prev, apperrors.ErrInvalidArgument))
	}
	nextIdx := s.index(next)
	if nextIdx < 0 {
		return apperrors.NewStatsError("record",
			fmt.Errorf("frequency %d not in table: %w", next, apperrors.ErrInvalidArgument))
	}

	s.transitions[prevIdx*len(s.freqs)+nextIdx]++
	s.totalTrans++
	return nil
}

// Flush credits the time since the last update to level cur, so that a
// subsequent read reflects elapsed time up to now.
func (s *TransitionStats) Flush(cur Frequency, now time.Time) {
	if s.lastUpdate.IsZero() {
		s.lastUpdate = now
		return
	}
	if i := s.index(cur); i >= 0 {
		s.timeInState[i] += now.Sub(s.lastUpdate)
	}
	s.lastUpdate = now
}

// ResetClock re-stamps the accounting clock without crediting elapsed time,
// used when monitoring resumes after a suspend so suspended time is not
// attributed to any level.
func (s *TransitionStats) ResetClock(now time.Time) {
	s.lastUpdate = now
}

// TotalTransitions returns the number of recorded transitions.
func (s *TransitionStats) TotalTransitions() uint64 {
	return s.totalTrans
}

// TimeInState returns a copy of the accumulated per-level durations.
func (s *TransitionStats) TimeInState() []time.Duration {
	out := make([]time.Duration, len(s.timeInState))
	copy(out, s.timeInState)
	return out
}

// Format renders the transition table in the conventional textual layout:
// one row per level with the time spent there and the count of transitions
// into every other level, the current level marked with an asterisk.
func (s *TransitionStats) Format(current Frequency) string {
	var b strings.Builder
	n := len(s.freqs)

	b.WriteString("     From  :   To\n")
	b.WriteString("           :")
	for _, f := range s.freqs {
		fmt.Fprintf(&b, "%10d", f)
	}
	b.WriteString("   time(ms)\n")

	for i, from := range s.freqs {
		if from == current {
			b.WriteString("*")
		} else {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "%10d:", from)
		for j := 0; j < n; j++ {
			fmt.Fprintf(&b, "%10d", s.transitions[i*n+j])
		}
		fmt.Fprintf(&b, "%10d\n", s.timeInState[i].Milliseconds())
	}
	fmt.Fprintf(&b, "Total transition : %d\n", s.totalTrans)
	return b.String()
}
