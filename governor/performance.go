// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package governor

import "github.com/soothill/dvfs-coordinator/devfreq"

// Performance pins devices at their highest allowed frequency. It needs no
// polling; a single reevaluation at start and after bound changes is enough.
type Performance struct{}

// NewPerformance returns the performance governor.
func NewPerformance() *Performance { return &Performance{} }

func (*Performance) Name() string    { return "performance" }
func (*Performance) Immutable() bool { return false }

func (*Performance) TargetFreq(state devfreq.DeviceState) (devfreq.Frequency, error) {
	// Asking for the absolute maximum lets the clamp pull the target down
	// to the device's upper bound with downward rounding.
	return devfreq.MaxFreq, nil
}

func (*Performance) Event(d *devfreq.Device, event devfreq.GovernorEvent, payload any) error {
	if event == devfreq.GovernorStart {
		return d.Reevaluate()
	}
	return nil
}
