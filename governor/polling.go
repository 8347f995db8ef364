// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package governor

import (
	"fmt"
	"time"

	"github.com/soothill/dvfs-coordinator/devfreq"
	apperrors "github.com/soothill/dvfs-coordinator/pkg/errors"
)

// TargetFunc computes a desired frequency from a device state snapshot.
type TargetFunc func(state devfreq.DeviceState) (devfreq.Frequency, error)

// Polling adapts a target function into a governor driven by the device's
// load monitor: the function is evaluated on every polling tick. It handles
// the full monitor lifecycle, so devices attached to it suspend, resume and
// change interval correctly.
type Polling struct {
	name      string
	immutable bool
	fn        TargetFunc
}

// NewPolling builds a polling governor around fn.
func NewPolling(name string, fn TargetFunc) *Polling {
	return &Polling{name: name, fn: fn}
}

// NewImmutablePolling builds a polling governor that devices cannot be
// switched away from through the generic switching interface.
func NewImmutablePolling(name string, fn TargetFunc) *Polling {
	return &Polling{name: name, immutable: true, fn: fn}
}

func (g *Polling) Name() string    { return g.name }
func (g *Polling) Immutable() bool { return g.immutable }

func (g *Polling) TargetFreq(state devfreq.DeviceState) (devfreq.Frequency, error) {
	return g.fn(state)
}

func (g *Polling) Event(d *devfreq.Device, event devfreq.GovernorEvent, payload any) error {
	switch event {
	case devfreq.GovernorStart:
		d.MonitorStart()
	case devfreq.GovernorStop:
		d.MonitorStop()
	case devfreq.GovernorSuspend:
		d.MonitorSuspend()
	case devfreq.GovernorResume:
		d.MonitorResume()
	case devfreq.GovernorInterval:
		interval, ok := payload.(time.Duration)
		if !ok {
			return apperrors.NewGovernorError("interval", g.name,
				fmt.Errorf("payload %T is not a duration: %w", payload, apperrors.ErrInvalidArgument))
		}
		d.MonitorIntervalUpdate(interval)
	}
	return nil
}
