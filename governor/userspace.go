// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package governor

import (
	"sync"

	"github.com/soothill/dvfs-coordinator/devfreq"
	apperrors "github.com/soothill/dvfs-coordinator/pkg/errors"
)

type userSetting struct {
	freq  devfreq.Frequency
	valid bool
}

// Userspace lets an external caller pick each device's frequency directly.
// Until a frequency is set for a device, the governor holds it where it is.
type Userspace struct {
	mu       sync.Mutex
	settings map[string]*userSetting
}

// NewUserspace returns the userspace governor.
func NewUserspace() *Userspace {
	return &Userspace{settings: make(map[string]*userSetting)}
}

func (*Userspace) Name() string    { return "userspace" }
func (*Userspace) Immutable() bool { return false }

func (g *Userspace) TargetFreq(state devfreq.DeviceState) (devfreq.Frequency, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.settings[state.ID]; ok && s.valid {
		return s.freq, nil
	}
	return state.PreviousFreq, nil
}

func (g *Userspace) Event(d *devfreq.Device, event devfreq.GovernorEvent, payload any) error {
	switch event {
	case devfreq.GovernorStart:
		g.mu.Lock()
		g.settings[d.ID()] = &userSetting{}
		g.mu.Unlock()
	case devfreq.GovernorStop:
		g.mu.Lock()
		delete(g.settings, d.ID())
		g.mu.Unlock()
	}
	return nil
}

// Set requests a frequency for a device currently attached to this governor
// and reevaluates immediately. The value is clamped to the device bounds
// like any other target.
func (g *Userspace) Set(d *devfreq.Device, f devfreq.Frequency) error {
	g.mu.Lock()
	s, ok := g.settings[d.ID()]
	if !ok {
		g.mu.Unlock()
		return apperrors.NewGovernorError("set", g.Name(),
			apperrors.NewDeviceError("set_freq", d.ID(), apperrors.ErrInvalidState))
	}
	s.freq = f
	s.valid = true
	g.mu.Unlock()

	return d.Reevaluate()
}
