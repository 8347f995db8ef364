// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package devfreq

import (
	"fmt"
	"io"
	"sync"
	"time"

	apperrors "github.com/soothill/dvfs-coordinator/pkg/errors"
	"github.com/soothill/dvfs-coordinator/pkg/logger"
	"github.com/soothill/dvfs-coordinator/pkg/metrics"
)

// Device is one frequency-scaled device under coordination. Devices are
// created through Manager.AddDevice.
type Device struct {
	id      string
	backend Backend
	reader  CurrentFrequencyReader // nil if the backend cannot report
	data    any

	// eventMu serializes administrative operations (suspend, resume,
	// governor switch, interval change) against each other. It is acquired
	// before mu and never the other way round.
	eventMu sync.Mutex

	// mu guards everything below. It is held across governor target calls
	// and backend apply calls.
	mu           sync.Mutex
	governor     Governor
	governorName string
	previousFreq Frequency
	minFreq      Frequency
	maxFreq      Frequency
	maxBoost     bool
	pollInterval time.Duration
	suspended    bool
	stats        *TransitionStats

	bus     TransitionBus
	monitor monitor

	closeOnce sync.Once

	now func() time.Time // test hook
}

func newDevice(id string, profile Profile, data any) *Device {
	d := &Device{
		id:           id,
		backend:      profile.Backend,
		data:         data,
		previousFreq: profile.InitialFreq,
		minFreq:      0,
		maxFreq:      MaxFreq,
		pollInterval: profile.PollInterval,
		now:          time.Now,
	}
	// Scaling limits start at the table edges so an unbounded target is
	// always clamped, and clamped with the right rounding direction.
	if n := len(profile.FreqTable); n > 0 {
		d.minFreq = profile.FreqTable[0]
		d.maxFreq = profile.FreqTable[n-1]
	}
	if r, ok := profile.Backend.(CurrentFrequencyReader); ok {
		d.reader = r
	}
	if len(profile.FreqTable) > 0 {
		d.stats = NewTransitionStats(profile.FreqTable, d.now())
	}
	d.monitor.d = d
	return d
}

// ID returns the device identifier.
func (d *Device) ID() string { return d.id }

// PreviousFreq returns the last frequency the core believes the device is
// running at.
func (d *Device) PreviousFreq() Frequency {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.previousFreq
}

// MinFreq returns the current lower frequency bound.
func (d *Device) MinFreq() Frequency {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.minFreq
}

// MaxFreq returns the current upper frequency bound.
func (d *Device) MaxFreq() Frequency {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxFreq
}

// PollInterval returns the current load-monitor interval.
func (d *Device) PollInterval() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pollInterval
}

// GovernorName returns the name of the governor currently attached, or the
// empty string if none is.
func (d *Device) GovernorName() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.governorName
}

// FreqTable returns the device's supported frequencies, or nil for a
// continuous-range device. The slice is shared and must not be mutated.
func (d *Device) FreqTable() []Frequency {
	if d.stats == nil {
		return nil
	}
	return d.stats.freqs
}

// Subscribe registers a transition subscriber for this device.
func (d *Device) Subscribe(s TransitionSubscriber) {
	d.bus.Subscribe(s)
}

// Unsubscribe removes a transition subscriber.
func (d *Device) Unsubscribe(s TransitionSubscriber) {
	d.bus.Unsubscribe(s)
}

// state snapshots the fields a governor's target function may read.
// Caller holds d.mu.
func (d *Device) state() DeviceState {
	var table []Frequency
	if d.stats != nil {
		table = d.stats.freqs
	}
	return DeviceState{
		ID:           d.id,
		PreviousFreq: d.previousFreq,
		MinFreq:      d.minFreq,
		MaxFreq:      d.maxFreq,
		FreqTable:    table,
		Data:         d.data,
	}
}

// Reevaluate runs one frequency decision cycle: ask the governor for a
// target, clamp it to the device bounds, apply it through the backend and
// account for the transition.
func (d *Device) Reevaluate() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reevaluate()
}

// reevaluate is the locked core of Reevaluate. Caller holds d.mu.
func (d *Device) reevaluate() error {
	start := time.Now()
	defer func() {
		metrics.ReevaluationDuration.Observe(time.Since(start).Seconds())
	}()
	metrics.ReevaluationsTotal.Inc()

	if d.governor == nil {
		metrics.ReevaluationErrors.Inc()
		return apperrors.NewDeviceError("reevaluate", d.id, apperrors.ErrInvalidState)
	}

	var (
		target Frequency
		err    error
	)
	if d.maxBoost {
		target = MaxFreq
	} else {
		target, err = d.governor.TargetFreq(d.state())
		if err != nil {
			metrics.ReevaluationErrors.Inc()
			return apperrors.NewGovernorError("target", d.governorName, err)
		}
	}

	// Clamp to the device bounds. The min clamp keeps rounding upward so
	// the floor is honored; the max clamp is applied last and switches to
	// downward rounding, giving the upper bound precedence when the bounds
	// conflict.
	bound := GreatestLowerBound
	if target < d.minFreq {
		target = d.minFreq
		bound = GreatestLowerBound
	}
	if target > d.maxFreq {
		target = d.maxFreq
		bound = LeastUpperBound
	}

	// Hardware may have drifted from the last committed frequency, so the
	// notifications report the live value as the old frequency when the
	// backend can supply one.
	old := d.previousFreq
	if d.reader != nil {
		if f, rerr := d.reader.CurrentFrequency(); rerr == nil {
			old = f
		}
	}
	d.bus.Broadcast(d.id, PreChange, FreqChange{Old: old, New: target})

	applied, err := d.backend.Apply(target, bound)
	if err != nil {
		// The pre notification went out, so subscribers must see a paired
		// post announcing that nothing changed.
		d.bus.Broadcast(d.id, PostChange, FreqChange{Old: old, New: old})
		metrics.ReevaluationErrors.Inc()
		return apperrors.NewBackendError("apply", d.id, err)
	}

	d.bus.Broadcast(d.id, PostChange, FreqChange{Old: old, New: applied})

	if d.stats != nil {
		if serr := d.stats.Record(d.previousFreq, applied, d.now()); serr != nil {
			// Bad accounting must not fail an otherwise successful change.
			logger.Warn().Err(serr).Str("device_id", d.id).Msg("Transition stats update failed")
		}
	}

	if applied != d.previousFreq {
		metrics.FrequencyTransitions.WithLabelValues(d.id).Inc()
	}
	metrics.CurrentFrequency.WithLabelValues(d.id).Set(float64(applied))

	d.previousFreq = applied
	return nil
}

// SetMinFreq updates the lower frequency bound and reevaluates. A failed
// reevaluation is logged but the bound sticks; the min may not exceed the
// current max.
func (d *Device) SetMinFreq(f Frequency) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if f > d.maxFreq {
		return apperrors.NewDeviceError("set_min_freq", d.id,
			fmt.Errorf("min %d above max %d: %w", f, d.maxFreq, apperrors.ErrInvalidArgument))
	}
	d.minFreq = f
	if err := d.reevaluate(); err != nil {
		logger.Warn().Err(err).Str("device_id", d.id).Msg("Reevaluation after min bound update failed")
	}
	return nil
}

// SetMaxFreq updates the upper frequency bound and reevaluates. A failed
// reevaluation is logged but the bound sticks; the max may not drop below
// the current min.
func (d *Device) SetMaxFreq(f Frequency) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if f < d.minFreq {
		return apperrors.NewDeviceError("set_max_freq", d.id,
			fmt.Errorf("max %d below min %d: %w", f, d.minFreq, apperrors.ErrInvalidArgument))
	}
	d.maxFreq = f
	if err := d.reevaluate(); err != nil {
		logger.Warn().Err(err).Str("device_id", d.id).Msg("Reevaluation after max bound update failed")
	}
	return nil
}

// SetMaxBoost forces the device to its maximum frequency, bypassing the
// governor, until disabled again.
func (d *Device) SetMaxBoost(enabled bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.maxBoost == enabled {
		return nil
	}
	d.maxBoost = enabled
	return d.reevaluate()
}

// Suspend asks the governor to pause load monitoring for the device.
func (d *Device) Suspend() error {
	d.eventMu.Lock()
	defer d.eventMu.Unlock()

	d.mu.Lock()
	gov := d.governor
	d.mu.Unlock()
	if gov == nil {
		return nil
	}
	if err := gov.Event(d, GovernorSuspend, nil); err != nil {
		return apperrors.NewDeviceError("suspend", d.id, err)
	}
	return nil
}

// Resume asks the governor to restart load monitoring for the device.
func (d *Device) Resume() error {
	d.eventMu.Lock()
	defer d.eventMu.Unlock()

	d.mu.Lock()
	gov := d.governor
	d.mu.Unlock()
	if gov == nil {
		return nil
	}
	if err := gov.Event(d, GovernorResume, nil); err != nil {
		return apperrors.NewDeviceError("resume", d.id, err)
	}
	return nil
}

// SetPollInterval hands a new polling interval to the governor. Governors
// that do not poll ignore the event and the stored interval stays unchanged.
func (d *Device) SetPollInterval(interval time.Duration) error {
	if interval < 0 {
		return apperrors.NewDeviceError("set_poll_interval", d.id,
			fmt.Errorf("negative interval %v: %w", interval, apperrors.ErrInvalidArgument))
	}

	d.eventMu.Lock()
	defer d.eventMu.Unlock()

	d.mu.Lock()
	gov := d.governor
	d.mu.Unlock()
	if gov == nil {
		return apperrors.NewDeviceError("set_poll_interval", d.id, apperrors.ErrInvalidState)
	}
	if err := gov.Event(d, GovernorInterval, interval); err != nil {
		return apperrors.NewDeviceError("set_poll_interval", d.id, err)
	}
	return nil
}

// MonitorStart begins periodic load monitoring at the device's configured
// interval. Intended for governor start handlers.
func (d *Device) MonitorStart() {
	d.mu.Lock()
	interval := d.pollInterval
	d.mu.Unlock()
	d.monitor.start(interval)
}

// MonitorStop halts load monitoring and waits for an in-flight tick to
// finish. Intended for governor stop handlers.
func (d *Device) MonitorStop() {
	d.monitor.cancelSync()
}

// MonitorSuspend pauses load monitoring, flushing accumulated time-in-state
// so the suspended period is not attributed to any level. Idempotent.
func (d *Device) MonitorSuspend() {
	d.mu.Lock()
	if d.suspended {
		d.mu.Unlock()
		return
	}
	d.suspended = true
	if d.stats != nil {
		d.stats.Flush(d.previousFreq, d.now())
	}
	d.mu.Unlock()

	// Waiting for an in-flight tick needs the instance lock released, the
	// tick may be blocked acquiring it.
	d.monitor.cancelSync()
}

// MonitorResume restarts load monitoring after a suspend. The stats clock is
// re-stamped and the believed frequency is resynced from the hardware, which
// may have changed while suspended. Idempotent.
func (d *Device) MonitorResume() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.suspended {
		return
	}

	d.monitor.resume(d.pollInterval)

	if d.stats != nil {
		d.stats.ResetClock(d.now())
	}
	if d.reader != nil {
		if f, err := d.reader.CurrentFrequency(); err == nil {
			d.previousFreq = f
		}
	}
	d.suspended = false
}

// MonitorIntervalUpdate records a new polling interval and reconciles the
// tick timer with it. Intended for governor interval handlers.
func (d *Device) MonitorIntervalUpdate(interval time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	old := d.pollInterval
	d.pollInterval = interval
	d.monitor.updateInterval(old, interval)
}

// TransStat renders the device's transition statistics table. Devices
// without a frequency table report "Not Supported.".
func (d *Device) TransStat() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stats == nil {
		return "Not Supported.\n"
	}
	if !d.suspended {
		d.stats.Flush(d.previousFreq, d.now())
	}
	return d.stats.Format(d.previousFreq)
}

// closeBackend runs the backend's teardown hook, at most once.
func (d *Device) closeBackend() {
	d.closeOnce.Do(func() {
		if c, ok := d.backend.(io.Closer); ok {
			if err := c.Close(); err != nil {
				logger.Warn().Err(err).Str("device_id", d.id).Msg("Backend close failed")
			}
		}
	})
}
