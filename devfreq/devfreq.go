// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package devfreq implements a dynamic frequency/voltage scaling (DVFS)
// coordination core for non-CPU devices.
//
// The core decides, periodically or on demand, what operating frequency a
// device should run at. The numeric decision is delegated to a pluggable
// policy (a Governor); the decision is applied through a device-specific
// Backend. The core owns the per-device state machine (start, stop, suspend,
// resume, interval change), the load-monitor scheduler that polls devices at
// a configurable cadence, and the transition statistics that stay consistent
// while frequency changes happen live.
//
// # Concurrency
//
// Three locks are involved, ordered registry → event → instance:
//
//   - The Manager's registry lock guards the device and governor catalogues.
//   - Each Device has an event lock serializing administrative operations
//     (suspend, resume, governor switch, interval change) against each other.
//   - Each Device has an instance lock guarding its mutable frequency state.
//     It is held across governor target calls and backend apply calls, which
//     may block.
//
// All locks are private; public entry points acquire what they need in the
// order above, so callers cannot violate the hierarchy.
package devfreq

import (
	"math"
	"time"
)

// GovernorNameMaxLen bounds governor names, which are the sole external
// identifier for a policy.
const GovernorNameMaxLen = 16

// Frequency is a device operating frequency in Hz.
type Frequency uint64

// MaxFreq is the highest representable frequency. It is used as the target
// when max boost bypasses the governor; backends round it down to their
// highest supported operating point.
const MaxFreq Frequency = math.MaxUint64

// BoundKind tells a backend which direction to round when the exact
// requested frequency is not available.
type BoundKind int

const (
	// GreatestLowerBound marks the requested frequency as a lower bound:
	// the backend should pick the lowest supported frequency at or above it.
	GreatestLowerBound BoundKind = iota

	// LeastUpperBound marks the requested frequency as an upper bound:
	// the backend should pick the highest supported frequency at or below it.
	LeastUpperBound
)

func (b BoundKind) String() string {
	if b == LeastUpperBound {
		return "least-upper-bound"
	}
	return "greatest-lower-bound"
}

// Backend applies frequency decisions to the hardware.
//
// A backend may additionally implement CurrentFrequencyReader to report the
// live hardware frequency, and io.Closer for a teardown hook that the core
// invokes exactly once at device removal.
type Backend interface {
	// Apply requests the backend to run at target. The backend may adjust
	// the value, e.g. round it to a supported operating point, using bound
	// as the rounding-direction hint. It returns the frequency actually
	// applied. Apply is treated as a blocking, non-cancellable foreign call.
	Apply(target Frequency, bound BoundKind) (Frequency, error)
}

// CurrentFrequencyReader is an optional Backend capability for reporting the
// live hardware frequency.
type CurrentFrequencyReader interface {
	CurrentFrequency() (Frequency, error)
}

// Profile describes a device to the coordination core.
type Profile struct {
	// InitialFreq is the frequency the device is running at when registered.
	InitialFreq Frequency

	// PollInterval is the period between load-monitor ticks. Zero means
	// on-demand only: no periodic polling is scheduled.
	PollInterval time.Duration

	// FreqTable lists the discrete frequencies the device supports, in
	// ascending order without duplicates. Nil means the device supports
	// continuous frequencies; such devices record no transition statistics.
	FreqTable []Frequency

	// Backend applies frequency decisions for this device.
	Backend Backend
}

// GovernorEvent identifies a lifecycle transition delivered to a governor's
// event handler.
type GovernorEvent int

const (
	// GovernorStart is delivered when a device starts using the governor.
	GovernorStart GovernorEvent = iota
	// GovernorStop is delivered when a device stops using the governor.
	GovernorStop
	// GovernorSuspend asks the governor to suspend load monitoring.
	GovernorSuspend
	// GovernorResume asks the governor to resume load monitoring.
	GovernorResume
	// GovernorInterval carries a new polling interval (time.Duration payload).
	GovernorInterval
)

func (e GovernorEvent) String() string {
	switch e {
	case GovernorStart:
		return "start"
	case GovernorStop:
		return "stop"
	case GovernorSuspend:
		return "suspend"
	case GovernorResume:
		return "resume"
	case GovernorInterval:
		return "interval"
	default:
		return "unknown"
	}
}

// DeviceState is the read-only snapshot of device state handed to a
// governor's target function. The frequency table is shared, not copied;
// it must not be mutated.
type DeviceState struct {
	ID           string
	PreviousFreq Frequency
	MinFreq      Frequency
	MaxFreq      Frequency
	FreqTable    []Frequency
	Data         any // governor-private data supplied at device registration
}

// Governor is a named frequency policy.
//
// TargetFreq is called with the device's instance lock held (via the state
// snapshot); it must not call back into the device. Event is called without
// the instance lock; handlers are expected to drive the device's Monitor*
// helpers or trigger a Reevaluate as appropriate for each event.
type Governor interface {
	// Name returns the governor's unique name, at most GovernorNameMaxLen
	// bytes.
	Name() string

	// Immutable reports whether devices using this governor may not be
	// switched away from it through the generic switching interface. An
	// immutable governor exists only to be assigned programmatically.
	Immutable() bool

	// TargetFreq computes the desired frequency for the device.
	TargetFreq(state DeviceState) (Frequency, error)

	// Event handles a lifecycle transition. The payload is event specific:
	// GovernorInterval carries a time.Duration, all other events carry nil.
	// Start and stop events may arrive while registry bookkeeping is in
	// progress; handlers must not call back into the Manager.
	Event(d *Device, event GovernorEvent, payload any) error
}
