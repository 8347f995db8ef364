// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package devfreq

import (
	"fmt"
	"sort"
	"sync"

	apperrors "github.com/soothill/dvfs-coordinator/pkg/errors"
	"github.com/soothill/dvfs-coordinator/pkg/logger"
	"github.com/soothill/dvfs-coordinator/pkg/metrics"
)

// Manager owns the catalogues of devices and governors and the pairing
// between them. One registry lock guards both catalogues, so a governor
// cannot disappear while a device migration is walking the device list.
type Manager struct {
	mu        sync.Mutex
	devices   map[string]*Device
	governors map[string]Governor
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{
		devices:   make(map[string]*Device),
		governors: make(map[string]Governor),
	}
}

func validateProfile(profile Profile) error {
	if profile.Backend == nil {
		return fmt.Errorf("nil backend: %w", apperrors.ErrInvalidArgument)
	}
	if profile.PollInterval < 0 {
		return fmt.Errorf("negative poll interval %v: %w", profile.PollInterval, apperrors.ErrInvalidArgument)
	}
	for i := 1; i < len(profile.FreqTable); i++ {
		if profile.FreqTable[i] <= profile.FreqTable[i-1] {
			return fmt.Errorf("frequency table not strictly ascending at index %d: %w", i, apperrors.ErrInvalidArgument)
		}
	}
	return nil
}

// AddDevice registers a device under the named governor and starts it. The
// governor must already be registered. The optional data is handed to the
// governor through the state snapshot.
func (m *Manager) AddDevice(id string, profile Profile, governorName string, data any) (*Device, error) {
	if id == "" {
		return nil, apperrors.NewDeviceError("add", id,
			fmt.Errorf("empty device id: %w", apperrors.ErrInvalidArgument))
	}
	if governorName == "" {
		return nil, apperrors.NewGovernorError("add_device", governorName,
			fmt.Errorf("empty governor name: %w", apperrors.ErrInvalidArgument))
	}
	if err := validateProfile(profile); err != nil {
		return nil, apperrors.NewDeviceError("add", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.devices[id]; exists {
		return nil, apperrors.NewDeviceError("add", id, apperrors.ErrAlreadyExists)
	}
	gov, ok := m.governors[governorName]
	if !ok {
		return nil, apperrors.NewGovernorError("add_device", governorName, apperrors.ErrNotFound)
	}

	d := newDevice(id, profile, data)
	d.setGovernor(gov, governorName)
	m.devices[id] = d

	if err := gov.Event(d, GovernorStart, nil); err != nil {
		delete(m.devices, id)
		d.setGovernor(nil, "")
		d.closeBackend()
		return nil, apperrors.NewGovernorError("start", governorName, err)
	}

	metrics.DevicesManaged.Inc()
	logger.Info().Str("device_id", id).Str("governor", governorName).Msg("Device registered")
	return d, nil
}

// RemoveDevice stops the device's governor, drops the device from the
// registry and runs the backend teardown hook.
func (m *Manager) RemoveDevice(id string) error {
	m.mu.Lock()
	d, ok := m.devices[id]
	if !ok {
		m.mu.Unlock()
		return apperrors.NewDeviceError("remove", id, apperrors.ErrNotFound)
	}
	delete(m.devices, id)

	gov := d.currentGovernor()
	if gov != nil {
		if err := gov.Event(d, GovernorStop, nil); err != nil {
			logger.Warn().Err(err).Str("device_id", id).Msg("Governor stop failed during device removal")
		}
		d.setGovernor(nil, "")
	}
	m.mu.Unlock()

	d.closeBackend()
	metrics.DevicesManaged.Dec()
	logger.Info().Str("device_id", id).Msg("Device removed")
	return nil
}

// Device looks up a registered device by id.
func (m *Manager) Device(id string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, apperrors.NewDeviceError("lookup", id, apperrors.ErrNotFound)
	}
	return d, nil
}

// Devices returns all registered devices ordered by id.
func (m *Manager) Devices() []*Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// RegisterGovernor adds a governor to the catalogue and attaches it, best
// effort, to any device that was registered asking for this name before the
// governor existed or lost it to an earlier unregister.
func (m *Manager) RegisterGovernor(g Governor) error {
	name := g.Name()
	if name == "" || len(name) > GovernorNameMaxLen {
		return apperrors.NewGovernorError("register", name,
			fmt.Errorf("governor name must be 1..%d bytes: %w", GovernorNameMaxLen, apperrors.ErrInvalidArgument))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.governors[name]; exists {
		return apperrors.NewGovernorError("register", name, apperrors.ErrAlreadyExists)
	}
	m.governors[name] = g

	for _, d := range m.devices {
		if d.GovernorName() != name || d.currentGovernor() != nil {
			continue
		}
		d.setGovernor(g, name)
		if err := g.Event(d, GovernorStart, nil); err != nil {
			// Attachment stands; the device stays parked on this governor
			// and a later switch can retry.
			logger.Warn().Err(err).Str("device_id", d.id).Str("governor", name).
				Msg("Governor start failed during migration")
		}
	}

	metrics.GovernorsRegistered.Inc()
	logger.Info().Str("governor", name).Msg("Governor registered")
	return nil
}

// UnregisterGovernor stops the governor on every device using it and removes
// it from the catalogue. The devices keep the governor's name, so
// re-registering it reattaches them.
func (m *Manager) UnregisterGovernor(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.governors[name]; !ok {
		return apperrors.NewGovernorError("unregister", name, apperrors.ErrNotFound)
	}

	for _, d := range m.devices {
		if d.currentGovernor() == nil || d.GovernorName() != name {
			continue
		}
		if err := d.currentGovernor().Event(d, GovernorStop, nil); err != nil {
			logger.Warn().Err(err).Str("device_id", d.id).Str("governor", name).
				Msg("Governor stop failed during unregister")
		}
		d.setGovernorOnly(nil)
	}

	delete(m.governors, name)
	metrics.GovernorsRegistered.Dec()
	logger.Info().Str("governor", name).Msg("Governor unregistered")
	return nil
}

// Governor looks up a registered governor by name.
func (m *Manager) Governor(name string) (Governor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.governors[name]
	if !ok {
		return nil, apperrors.NewGovernorError("lookup", name, apperrors.ErrNotFound)
	}
	return g, nil
}

// Governors returns the names of all registered governors, sorted.
func (m *Manager) Governors() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.governors))
	for name := range m.governors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// AvailableGovernors returns the governors the device may be switched to.
// A device on an immutable governor can only report that governor; otherwise
// every mutable registered governor is offered.
func (m *Manager) AvailableGovernors(deviceID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[deviceID]
	if !ok {
		return nil, apperrors.NewDeviceError("available_governors", deviceID, apperrors.ErrNotFound)
	}
	if gov := d.currentGovernor(); gov != nil && gov.Immutable() {
		return []string{gov.Name()}, nil
	}

	out := make([]string, 0, len(m.governors))
	for name, g := range m.governors {
		if g.Immutable() {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// SwitchGovernor moves a device to another registered governor: the current
// governor is stopped, the new one attached and started. Switching to the
// governor already in use is a no-op; switches involving an immutable
// governor on either side are rejected.
func (m *Manager) SwitchGovernor(deviceID, governorName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[deviceID]
	if !ok {
		return apperrors.NewDeviceError("switch_governor", deviceID, apperrors.ErrNotFound)
	}
	next, ok := m.governors[governorName]
	if !ok {
		return apperrors.NewGovernorError("switch", governorName, apperrors.ErrNotFound)
	}

	d.eventMu.Lock()
	defer d.eventMu.Unlock()

	prev := d.currentGovernor()
	if prev == next {
		return nil
	}
	if (prev != nil && prev.Immutable()) || next.Immutable() {
		return apperrors.NewGovernorError("switch", governorName, apperrors.ErrUnsupported)
	}

	prevName := d.GovernorName()
	if prev != nil {
		if err := prev.Event(d, GovernorStop, nil); err != nil {
			return apperrors.NewGovernorError("stop", prevName, err)
		}
	}

	d.setGovernor(next, governorName)
	if err := next.Event(d, GovernorStart, nil); err != nil {
		logger.Warn().Err(err).Str("device_id", deviceID).Str("governor", governorName).
			Msg("Governor start failed during switch, reverting")
		if prev != nil {
			d.setGovernor(prev, prevName)
			if rerr := prev.Event(d, GovernorStart, nil); rerr != nil {
				d.setGovernor(nil, "")
				return apperrors.NewGovernorError("switch", governorName,
					fmt.Errorf("start failed (%v) and revert to %q failed: %w", err, prevName, rerr))
			}
		} else {
			d.setGovernor(nil, "")
		}
		return apperrors.NewGovernorError("start", governorName, err)
	}

	metrics.GovernorSwitches.Inc()
	logger.Info().Str("device_id", deviceID).Str("from", prevName).Str("to", governorName).
		Msg("Governor switched")
	return nil
}

// Close stops every device's governor and tears down every backend. The
// manager is unusable afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	devs := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		devs = append(devs, d)
	}
	m.devices = make(map[string]*Device)

	for _, d := range devs {
		if gov := d.currentGovernor(); gov != nil {
			if err := gov.Event(d, GovernorStop, nil); err != nil {
				logger.Warn().Err(err).Str("device_id", d.id).Msg("Governor stop failed during shutdown")
			}
			d.setGovernor(nil, "")
		}
		metrics.DevicesManaged.Dec()
	}
	m.mu.Unlock()

	for _, d := range devs {
		d.closeBackend()
	}
	logger.Info().Int("devices", len(devs)).Msg("Frequency coordination shut down")
}

// currentGovernor reads the device's attached governor.
func (d *Device) currentGovernor() Governor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.governor
}

// setGovernor attaches a governor and records its name.
func (d *Device) setGovernor(g Governor, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.governor = g
	d.governorName = name
}

// setGovernorOnly detaches the governor while keeping its name, so a later
// re-register can reattach the device.
func (d *Device) setGovernorOnly(g Governor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.governor = g
}
