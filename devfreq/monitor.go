// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package devfreq

import (
	"sync"
	"time"

	"github.com/soothill/dvfs-coordinator/pkg/logger"
)

// monitor schedules periodic load-monitor ticks for one device. A tick
// reevaluates the device's frequency and reschedules itself while monitoring
// is active. The zero value is a stopped monitor.
//
// monitor.mu is the innermost lock: tick acquires it briefly to check state,
// releases it before taking the device's instance lock, and re-acquires it
// to reschedule. cancelSync must never be called with the instance lock
// held, because an in-flight tick may be waiting for that lock.
type monitor struct {
	d *Device

	mu        sync.Mutex
	timer     *time.Timer
	pending   bool
	cancelled bool
	inflight  sync.WaitGroup
}

// start begins periodic ticks at the given interval. A zero interval leaves
// the monitor idle until an interval update schedules it.
func (m *monitor) start(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = false
	if interval > 0 && !m.pending {
		m.schedule(interval)
	}
}

// schedule arms the tick timer. Caller holds m.mu.
func (m *monitor) schedule(interval time.Duration) {
	m.pending = true
	m.timer = time.AfterFunc(interval, m.tick)
}

func (m *monitor) tick() {
	m.mu.Lock()
	m.pending = false
	if m.cancelled {
		m.mu.Unlock()
		return
	}
	m.inflight.Add(1)
	m.mu.Unlock()
	defer m.inflight.Done()

	d := m.d
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.reevaluate(); err != nil {
		// A failed reevaluation must not stop the monitor; the next tick
		// gets a fresh chance.
		logger.Warn().Err(err).Str("device_id", d.id).Msg("Load monitor reevaluation failed")
	}

	m.mu.Lock()
	if !m.cancelled && d.pollInterval > 0 && !m.pending {
		m.schedule(d.pollInterval)
	}
	m.mu.Unlock()
}

// cancelSync stops the timer and waits for any in-flight tick to finish.
// Idempotent. Must be called without the device instance lock held.
func (m *monitor) cancelSync() {
	m.mu.Lock()
	m.cancelled = true
	if m.timer != nil {
		m.timer.Stop()
	}
	m.pending = false
	m.mu.Unlock()

	m.inflight.Wait()
}

// resume re-arms the timer after a suspend if nothing is pending and the
// interval is non-zero.
func (m *monitor) resume(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = false
	if interval > 0 && !m.pending {
		m.schedule(interval)
	}
}

// updateInterval reconciles the timer with a changed polling interval:
//
//   - a zero interval cancels any pending tick,
//   - going from zero to non-zero schedules one,
//   - shrinking the interval cancels and reschedules so the shorter cadence
//     takes effect immediately,
//   - growing it lets the already pending tick fire early once; the new
//     interval applies from the reschedule.
func (m *monitor) updateInterval(old, next time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelled {
		return
	}

	switch {
	case next == 0:
		if m.timer != nil {
			m.timer.Stop()
		}
		m.pending = false
	case old == 0:
		if !m.pending {
			m.schedule(next)
		}
	case old > next:
		if m.timer != nil {
			m.timer.Stop()
		}
		m.pending = false
		m.schedule(next)
	}
}
