// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package governor

import "github.com/soothill/dvfs-coordinator/devfreq"

// Powersave pins devices at their lowest allowed frequency.
type Powersave struct{}

// NewPowersave returns the powersave governor.
func NewPowersave() *Powersave { return &Powersave{} }

func (*Powersave) Name() string    { return "powersave" }
func (*Powersave) Immutable() bool { return false }

func (*Powersave) TargetFreq(state devfreq.DeviceState) (devfreq.Frequency, error) {
	// Asking for zero lets the clamp pull the target up to the device's
	// lower bound with upward rounding.
	return 0, nil
}

func (*Powersave) Event(d *devfreq.Device, event devfreq.GovernorEvent, payload any) error {
	if event == devfreq.GovernorStart {
		return d.Reevaluate()
	}
	return nil
}
