// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package devfreq

import "sync"

// TransitionPhase distinguishes the two notifications bracketing a frequency
// change.
type TransitionPhase int

const (
	// PreChange is broadcast before the backend applies the new frequency.
	PreChange TransitionPhase = iota
	// PostChange is broadcast after the apply attempt. If the apply failed,
	// the post notification carries New equal to Old.
	PostChange
)

func (p TransitionPhase) String() string {
	if p == PostChange {
		return "post-change"
	}
	return "pre-change"
}

// FreqChange describes a frequency transition delivered to subscribers.
type FreqChange struct {
	Old Frequency
	New Frequency
}

// TransitionSubscriber receives transition notifications. OnTransition is
// called synchronously from the reevaluation path with the device's instance
// lock held; implementations must not call back into the device and should
// return quickly.
type TransitionSubscriber interface {
	OnTransition(deviceID string, phase TransitionPhase, change FreqChange)
}

// TransitionBus fans transition notifications out to subscribers in
// registration order.
type TransitionBus struct {
	mu   sync.RWMutex
	subs []TransitionSubscriber
}

// Subscribe adds a subscriber. Later broadcasts include it; in-flight
// broadcasts that already snapshotted the list do not.
func (b *TransitionBus) Subscribe(s TransitionSubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, s)
}

// Unsubscribe removes a previously registered subscriber. Unknown
// subscribers are ignored.
func (b *TransitionBus) Unsubscribe(s TransitionSubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Broadcast delivers a notification to every subscriber in registration
// order. The subscriber list is snapshotted under the lock and iterated
// outside it, so a subscriber may unsubscribe itself from its callback.
func (b *TransitionBus) Broadcast(deviceID string, phase TransitionPhase, change FreqChange) {
	b.mu.RLock()
	subs := make([]TransitionSubscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		s.OnTransition(deviceID, phase, change)
	}
}
