// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package devfreq

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/soothill/dvfs-coordinator/pkg/errors"
)

type appliedCall struct {
	target Frequency
	bound  BoundKind
}

// fakeBackend rounds requests against a discrete table, like real hardware
// with operating points would.
type fakeBackend struct {
	mu       sync.Mutex
	table    []Frequency
	current  Frequency
	applyErr error
	readErr  error
	applied  []appliedCall
	closed   int
}

func (b *fakeBackend) Apply(target Frequency, bound BoundKind) (Frequency, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.applied = append(b.applied, appliedCall{target, bound})
	if b.applyErr != nil {
		return 0, b.applyErr
	}
	f := target
	if len(b.table) > 0 {
		f = roundToTable(b.table, target, bound)
	}
	b.current = f
	return f, nil
}

func (b *fakeBackend) CurrentFrequency() (Frequency, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.readErr != nil {
		return 0, b.readErr
	}
	return b.current, nil
}

func (b *fakeBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed++
	return nil
}

func (b *fakeBackend) calls() []appliedCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]appliedCall, len(b.applied))
	copy(out, b.applied)
	return out
}

func roundToTable(table []Frequency, target Frequency, bound BoundKind) Frequency {
	if bound == LeastUpperBound {
		for i := len(table) - 1; i >= 0; i-- {
			if table[i] <= target {
				return table[i]
			}
		}
		return table[0]
	}
	for _, f := range table {
		if f >= target {
			return f
		}
	}
	return table[len(table)-1]
}

// fakeGovernor returns a fixed target and records lifecycle events.
type fakeGovernor struct {
	mu        sync.Mutex
	name      string
	immutable bool
	target    Frequency
	targetErr error
	startErr  error
	stopErr   error
	events    []GovernorEvent
}

func (g *fakeGovernor) Name() string    { return g.name }
func (g *fakeGovernor) Immutable() bool { return g.immutable }

func (g *fakeGovernor) TargetFreq(state DeviceState) (Frequency, error) {
	if g.targetErr != nil {
		return 0, g.targetErr
	}
	return g.target, nil
}

func (g *fakeGovernor) Event(d *Device, event GovernorEvent, payload any) error {
	g.mu.Lock()
	g.events = append(g.events, event)
	g.mu.Unlock()
	switch event {
	case GovernorStart:
		return g.startErr
	case GovernorStop:
		return g.stopErr
	}
	return nil
}

func (g *fakeGovernor) seen() []GovernorEvent {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]GovernorEvent, len(g.events))
	copy(out, g.events)
	return out
}

func newTestDevice(t *testing.T, backend *fakeBackend, gov Governor) *Device {
	t.Helper()
	d := newDevice("dev0", Profile{
		InitialFreq: 100,
		FreqTable:   backend.table,
		Backend:     backend,
	}, nil)
	if gov != nil {
		d.setGovernor(gov, gov.Name())
	}
	return d
}

func TestReevaluateClampsToMinWithFloorRounding(t *testing.T) {
	b := &fakeBackend{table: []Frequency{100, 200, 300}, current: 100}
	g := &fakeGovernor{name: "fake", target: 50}
	d := newTestDevice(t, b, g)
	require.NoError(t, d.SetMaxFreq(250))
	require.NoError(t, d.SetMinFreq(150))

	calls := b.calls()
	require.NotEmpty(t, calls)
	last := calls[len(calls)-1]
	assert.Equal(t, Frequency(150), last.target)
	assert.Equal(t, GreatestLowerBound, last.bound)
	assert.Equal(t, Frequency(200), d.PreviousFreq())
}

func TestReevaluateClampsToMaxWithCeilRounding(t *testing.T) {
	b := &fakeBackend{table: []Frequency{100, 200, 300}, current: 100}
	g := &fakeGovernor{name: "fake", target: 400}
	d := newTestDevice(t, b, g)
	require.NoError(t, d.SetMinFreq(150))
	require.NoError(t, d.SetMaxFreq(250))

	calls := b.calls()
	last := calls[len(calls)-1]
	assert.Equal(t, Frequency(250), last.target)
	assert.Equal(t, LeastUpperBound, last.bound)
	assert.Equal(t, Frequency(200), d.PreviousFreq())
}

func TestReevaluateMaxBoostBypassesGovernor(t *testing.T) {
	b := &fakeBackend{table: []Frequency{100, 200, 300}, current: 100}
	g := &fakeGovernor{name: "fake", target: 100, targetErr: errors.New("must not be consulted")}
	d := newTestDevice(t, b, g)

	require.NoError(t, d.SetMaxBoost(true))

	calls := b.calls()
	last := calls[len(calls)-1]
	assert.Equal(t, Frequency(300), last.target)
	assert.Equal(t, LeastUpperBound, last.bound)
	assert.Equal(t, Frequency(300), d.PreviousFreq())

	// Disabling boost hands control back to the governor, whose error now
	// surfaces.
	err := d.SetMaxBoost(false)
	require.Error(t, err)
	assert.True(t, apperrors.IsGovernorError(err))
}

func TestReevaluateGovernorFailureEmitsNoNotifications(t *testing.T) {
	b := &fakeBackend{table: []Frequency{100, 200, 300}, current: 100}
	g := &fakeGovernor{name: "fake", targetErr: errors.New("no estimate")}
	d := newTestDevice(t, b, g)
	sub := &recordingSubscriber{name: "sub"}
	d.Subscribe(sub)

	err := d.Reevaluate()
	require.Error(t, err)
	assert.Empty(t, sub.events)
	assert.Empty(t, b.calls())
	assert.Equal(t, Frequency(100), d.PreviousFreq())
}

func TestReevaluateBackendFailurePairsNotifications(t *testing.T) {
	b := &fakeBackend{table: []Frequency{100, 200, 300}, current: 100, applyErr: errors.New("bus fault")}
	g := &fakeGovernor{name: "fake", target: 300}
	d := newTestDevice(t, b, g)
	sub := &recordingSubscriber{name: "sub"}
	d.Subscribe(sub)

	err := d.Reevaluate()
	require.Error(t, err)
	assert.True(t, apperrors.IsBackendError(err))

	require.Len(t, sub.events, 2)
	assert.Equal(t, recordedEvent{"dev0", PreChange, FreqChange{100, 300}}, sub.events[0])
	// The post notification announces that nothing changed.
	assert.Equal(t, recordedEvent{"dev0", PostChange, FreqChange{100, 100}}, sub.events[1])
	assert.Equal(t, Frequency(100), d.PreviousFreq())
}

func TestReevaluateSuccessNotifiesAndCommits(t *testing.T) {
	b := &fakeBackend{table: []Frequency{100, 200, 300}, current: 100}
	g := &fakeGovernor{name: "fake", target: 300}
	d := newTestDevice(t, b, g)
	sub := &recordingSubscriber{name: "sub"}
	d.Subscribe(sub)

	require.NoError(t, d.Reevaluate())

	require.Len(t, sub.events, 2)
	assert.Equal(t, recordedEvent{"dev0", PreChange, FreqChange{100, 300}}, sub.events[0])
	assert.Equal(t, recordedEvent{"dev0", PostChange, FreqChange{100, 300}}, sub.events[1])
	assert.Equal(t, Frequency(300), d.PreviousFreq())
	assert.Equal(t, uint64(1), d.stats.TotalTransitions())
}

func TestReevaluateReportsLiveFrequencyAsOld(t *testing.T) {
	// Hardware drifted to 300 behind the coordinator's back. Both
	// notifications carry the live value as the old frequency, while the
	// accounting keeps crediting time to the last committed one.
	b := &fakeBackend{table: []Frequency{100, 200, 300}, current: 300}
	g := &fakeGovernor{name: "fake", target: 200}
	d := newTestDevice(t, b, g)
	sub := &recordingSubscriber{name: "sub"}
	d.Subscribe(sub)

	require.NoError(t, d.Reevaluate())

	require.Len(t, sub.events, 2)
	assert.Equal(t, recordedEvent{"dev0", PreChange, FreqChange{300, 200}}, sub.events[0])
	assert.Equal(t, recordedEvent{"dev0", PostChange, FreqChange{300, 200}}, sub.events[1])
	assert.Equal(t, Frequency(200), d.PreviousFreq())
	assert.Equal(t, uint64(1), d.stats.TotalTransitions())
}

func TestReevaluateBackendFailureAnnouncesLiveFrequency(t *testing.T) {
	b := &fakeBackend{table: []Frequency{100, 200, 300}, current: 300, applyErr: errors.New("bus fault")}
	g := &fakeGovernor{name: "fake", target: 200}
	d := newTestDevice(t, b, g)
	sub := &recordingSubscriber{name: "sub"}
	d.Subscribe(sub)

	require.Error(t, d.Reevaluate())

	require.Len(t, sub.events, 2)
	assert.Equal(t, recordedEvent{"dev0", PreChange, FreqChange{300, 200}}, sub.events[0])
	// Nothing changed, and the post says so in terms of the live value.
	assert.Equal(t, recordedEvent{"dev0", PostChange, FreqChange{300, 300}}, sub.events[1])
	assert.Equal(t, Frequency(100), d.PreviousFreq())
}

func TestReevaluateFallsBackToCommittedFrequencyOnReadFailure(t *testing.T) {
	b := &fakeBackend{table: []Frequency{100, 200, 300}, current: 300, readErr: errors.New("sensor offline")}
	g := &fakeGovernor{name: "fake", target: 200}
	d := newTestDevice(t, b, g)
	sub := &recordingSubscriber{name: "sub"}
	d.Subscribe(sub)

	require.NoError(t, d.Reevaluate())

	require.Len(t, sub.events, 2)
	assert.Equal(t, recordedEvent{"dev0", PreChange, FreqChange{100, 200}}, sub.events[0])
	assert.Equal(t, recordedEvent{"dev0", PostChange, FreqChange{100, 200}}, sub.events[1])
}

func TestReevaluateWithoutGovernor(t *testing.T) {
	b := &fakeBackend{table: []Frequency{100, 200, 300}, current: 100}
	d := newTestDevice(t, b, nil)

	err := d.Reevaluate()
	require.Error(t, err)
	assert.True(t, apperrors.IsInvalidState(err))
}

func TestSetMinFreqAboveMaxRejected(t *testing.T) {
	b := &fakeBackend{table: []Frequency{100, 200, 300}, current: 100}
	g := &fakeGovernor{name: "fake", target: 100}
	d := newTestDevice(t, b, g)
	require.NoError(t, d.SetMaxFreq(200))

	err := d.SetMinFreq(250)
	require.Error(t, err)
	assert.True(t, apperrors.IsInvalidArgument(err))
	assert.Equal(t, Frequency(100), d.MinFreq())
	assert.Equal(t, Frequency(200), d.MaxFreq())
}

func TestSetMaxFreqBelowMinRejected(t *testing.T) {
	b := &fakeBackend{table: []Frequency{100, 200, 300}, current: 100}
	g := &fakeGovernor{name: "fake", target: 100}
	d := newTestDevice(t, b, g)
	require.NoError(t, d.SetMinFreq(200))

	err := d.SetMaxFreq(150)
	require.Error(t, err)
	assert.True(t, apperrors.IsInvalidArgument(err))
	assert.Equal(t, Frequency(300), d.MaxFreq())
}

func TestBoundUpdateSticksWhenReevaluationFails(t *testing.T) {
	b := &fakeBackend{table: []Frequency{100, 200, 300}, current: 100, applyErr: errors.New("bus fault")}
	g := &fakeGovernor{name: "fake", target: 100}
	d := newTestDevice(t, b, g)

	require.NoError(t, d.SetMinFreq(150))
	assert.Equal(t, Frequency(150), d.MinFreq())
}

func TestTransStatUnsupportedWithoutTable(t *testing.T) {
	b := &fakeBackend{current: 100}
	g := &fakeGovernor{name: "fake", target: 100}
	d := newTestDevice(t, b, g)

	assert.Equal(t, "Not Supported.\n", d.TransStat())
}

func TestTransStatFlushesElapsedTime(t *testing.T) {
	b := &fakeBackend{table: []Frequency{100, 200, 300}, current: 100}
	g := &fakeGovernor{name: "fake", target: 100}
	d := newTestDevice(t, b, g)

	base := time.Unix(2000, 0)
	d.stats.lastUpdate = base
	d.now = func() time.Time { return base.Add(3 * time.Second) }

	d.TransStat()
	assert.Equal(t, 3*time.Second, d.stats.TimeInState()[0])
}

func TestMonitorSuspendResumeResyncsFrequency(t *testing.T) {
	b := &fakeBackend{table: []Frequency{100, 200, 300}, current: 100}
	g := &fakeGovernor{name: "fake", target: 100}
	d := newTestDevice(t, b, g)

	base := time.Unix(2000, 0)
	d.stats.lastUpdate = base
	d.now = func() time.Time { return base.Add(2 * time.Second) }

	d.MonitorSuspend()
	assert.Equal(t, 2*time.Second, d.stats.TimeInState()[0])

	// Idempotent: a second suspend must not double count.
	d.now = func() time.Time { return base.Add(5 * time.Second) }
	d.MonitorSuspend()
	assert.Equal(t, 2*time.Second, d.stats.TimeInState()[0])

	// The hardware moved while suspended; resume picks that up and skips
	// the suspended period in the accounting.
	b.mu.Lock()
	b.current = 300
	b.mu.Unlock()
	d.MonitorResume()
	assert.Equal(t, Frequency(300), d.PreviousFreq())
	assert.Equal(t, base.Add(5*time.Second), d.stats.lastUpdate)
}

func TestSuspendResumeForwardToGovernor(t *testing.T) {
	b := &fakeBackend{table: []Frequency{100, 200, 300}, current: 100}
	g := &fakeGovernor{name: "fake", target: 100}
	d := newTestDevice(t, b, g)

	require.NoError(t, d.Suspend())
	require.NoError(t, d.Resume())
	require.NoError(t, d.SetPollInterval(50*time.Millisecond))

	assert.Equal(t, []GovernorEvent{GovernorSuspend, GovernorResume, GovernorInterval}, g.seen())
}

func TestSetPollIntervalRejectsNegative(t *testing.T) {
	b := &fakeBackend{table: []Frequency{100, 200, 300}, current: 100}
	g := &fakeGovernor{name: "fake", target: 100}
	d := newTestDevice(t, b, g)

	err := d.SetPollInterval(-time.Second)
	require.Error(t, err)
	assert.True(t, apperrors.IsInvalidArgument(err))
}
