// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package devfreq

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/soothill/dvfs-coordinator/pkg/errors"
)

func newTestManager(t *testing.T, govs ...Governor) *Manager {
	t.Helper()
	m := NewManager()
	for _, g := range govs {
		require.NoError(t, m.RegisterGovernor(g))
	}
	return m
}

func testProfile(b *fakeBackend) Profile {
	return Profile{InitialFreq: 100, FreqTable: b.table, Backend: b}
}

func TestAddDeviceStartsGovernor(t *testing.T) {
	g := &fakeGovernor{name: "fake", target: 200}
	m := newTestManager(t, g)
	b := &fakeBackend{table: []Frequency{100, 200, 300}, current: 100}

	d, err := m.AddDevice("dev0", testProfile(b), "fake", nil)
	require.NoError(t, err)
	assert.Equal(t, "dev0", d.ID())
	assert.Equal(t, "fake", d.GovernorName())
	assert.Equal(t, []GovernorEvent{GovernorStart}, g.seen())

	got, err := m.Device("dev0")
	require.NoError(t, err)
	assert.Same(t, d, got)
}

func TestAddDeviceValidation(t *testing.T) {
	g := &fakeGovernor{name: "fake", target: 200}
	m := newTestManager(t, g)
	b := &fakeBackend{table: []Frequency{100, 200, 300}}

	_, err := m.AddDevice("", testProfile(b), "fake", nil)
	assert.True(t, apperrors.IsInvalidArgument(err))

	// A missing governor name is a malformed request, not a miss against
	// the catalogue.
	_, err = m.AddDevice("dev0", testProfile(b), "", nil)
	assert.True(t, apperrors.IsInvalidArgument(err))

	_, err = m.AddDevice("dev0", Profile{Backend: nil}, "fake", nil)
	assert.True(t, apperrors.IsInvalidArgument(err))

	_, err = m.AddDevice("dev0", Profile{
		Backend:   b,
		FreqTable: []Frequency{100, 100, 200},
	}, "fake", nil)
	assert.True(t, apperrors.IsInvalidArgument(err))

	_, err = m.AddDevice("dev0", testProfile(b), "absent", nil)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestAddDeviceDuplicate(t *testing.T) {
	g := &fakeGovernor{name: "fake", target: 200}
	m := newTestManager(t, g)
	b := &fakeBackend{table: []Frequency{100, 200, 300}}

	_, err := m.AddDevice("dev0", testProfile(b), "fake", nil)
	require.NoError(t, err)

	_, err = m.AddDevice("dev0", testProfile(b), "fake", nil)
	assert.True(t, apperrors.IsAlreadyExists(err))
}

func TestAddDeviceRollsBackOnStartFailure(t *testing.T) {
	g := &fakeGovernor{name: "fake", target: 200, startErr: errors.New("refused")}
	m := newTestManager(t, g)
	b := &fakeBackend{table: []Frequency{100, 200, 300}}

	_, err := m.AddDevice("dev0", testProfile(b), "fake", nil)
	require.Error(t, err)

	_, err = m.Device("dev0")
	assert.True(t, apperrors.IsNotFound(err))
	assert.Equal(t, 1, b.closed)
}

func TestRemoveDeviceStopsAndClosesOnce(t *testing.T) {
	g := &fakeGovernor{name: "fake", target: 200}
	m := newTestManager(t, g)
	b := &fakeBackend{table: []Frequency{100, 200, 300}}

	_, err := m.AddDevice("dev0", testProfile(b), "fake", nil)
	require.NoError(t, err)

	require.NoError(t, m.RemoveDevice("dev0"))
	assert.Equal(t, []GovernorEvent{GovernorStart, GovernorStop}, g.seen())
	assert.Equal(t, 1, b.closed)

	err = m.RemoveDevice("dev0")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestRegisterGovernorValidation(t *testing.T) {
	m := NewManager()

	err := m.RegisterGovernor(&fakeGovernor{name: ""})
	assert.True(t, apperrors.IsInvalidArgument(err))

	err = m.RegisterGovernor(&fakeGovernor{name: "name-longer-than-sixteen"})
	assert.True(t, apperrors.IsInvalidArgument(err))

	require.NoError(t, m.RegisterGovernor(&fakeGovernor{name: "fake"}))
	err = m.RegisterGovernor(&fakeGovernor{name: "fake"})
	assert.True(t, apperrors.IsAlreadyExists(err))
}

func TestUnregisterGovernorDetachesDevices(t *testing.T) {
	g := &fakeGovernor{name: "fake", target: 200}
	m := newTestManager(t, g)
	b := &fakeBackend{table: []Frequency{100, 200, 300}, current: 100}

	d, err := m.AddDevice("dev0", testProfile(b), "fake", nil)
	require.NoError(t, err)

	require.NoError(t, m.UnregisterGovernor("fake"))
	assert.Equal(t, []GovernorEvent{GovernorStart, GovernorStop}, g.seen())

	// The device keeps the governor name but has no policy attached.
	assert.Equal(t, "fake", d.GovernorName())
	err = d.Reevaluate()
	assert.True(t, apperrors.IsInvalidState(err))

	err = m.UnregisterGovernor("fake")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestRegisterGovernorReattachesParkedDevices(t *testing.T) {
	g := &fakeGovernor{name: "fake", target: 200}
	m := newTestManager(t, g)
	b := &fakeBackend{table: []Frequency{100, 200, 300}, current: 100}

	d, err := m.AddDevice("dev0", testProfile(b), "fake", nil)
	require.NoError(t, err)
	require.NoError(t, m.UnregisterGovernor("fake"))

	replacement := &fakeGovernor{name: "fake", target: 300}
	require.NoError(t, m.RegisterGovernor(replacement))

	assert.Equal(t, []GovernorEvent{GovernorStart}, replacement.seen())
	require.NoError(t, d.Reevaluate())
	assert.Equal(t, Frequency(300), d.PreviousFreq())
}

func TestSwitchGovernor(t *testing.T) {
	a := &fakeGovernor{name: "a", target: 200}
	b := &fakeGovernor{name: "b", target: 300}
	m := newTestManager(t, a, b)
	be := &fakeBackend{table: []Frequency{100, 200, 300}, current: 100}

	d, err := m.AddDevice("dev0", testProfile(be), "a", nil)
	require.NoError(t, err)

	// Switching to the current governor is a no-op.
	require.NoError(t, m.SwitchGovernor("dev0", "a"))
	assert.Equal(t, []GovernorEvent{GovernorStart}, a.seen())

	require.NoError(t, m.SwitchGovernor("dev0", "b"))
	assert.Equal(t, []GovernorEvent{GovernorStart, GovernorStop}, a.seen())
	assert.Equal(t, []GovernorEvent{GovernorStart}, b.seen())
	assert.Equal(t, "b", d.GovernorName())

	require.NoError(t, d.Reevaluate())
	assert.Equal(t, Frequency(300), d.PreviousFreq())
}

func TestSwitchGovernorNotFound(t *testing.T) {
	a := &fakeGovernor{name: "a", target: 200}
	m := newTestManager(t, a)
	be := &fakeBackend{table: []Frequency{100, 200, 300}}
	_, err := m.AddDevice("dev0", testProfile(be), "a", nil)
	require.NoError(t, err)

	assert.True(t, apperrors.IsNotFound(m.SwitchGovernor("absent", "a")))
	assert.True(t, apperrors.IsNotFound(m.SwitchGovernor("dev0", "absent")))
}

func TestSwitchGovernorImmutableRejected(t *testing.T) {
	pinned := &fakeGovernor{name: "pinned", immutable: true, target: 200}
	free := &fakeGovernor{name: "free", target: 200}
	m := newTestManager(t, pinned, free)
	be := &fakeBackend{table: []Frequency{100, 200, 300}}

	_, err := m.AddDevice("dev0", testProfile(be), "pinned", nil)
	require.NoError(t, err)

	err = m.SwitchGovernor("dev0", "free")
	assert.True(t, apperrors.IsUnsupported(err))

	be2 := &fakeBackend{table: []Frequency{100, 200, 300}}
	_, err = m.AddDevice("dev1", testProfile(be2), "free", nil)
	require.NoError(t, err)

	err = m.SwitchGovernor("dev1", "pinned")
	assert.True(t, apperrors.IsUnsupported(err))
}

func TestSwitchGovernorRevertsOnStartFailure(t *testing.T) {
	a := &fakeGovernor{name: "a", target: 200}
	failing := &fakeGovernor{name: "failing", target: 300, startErr: errors.New("refused")}
	m := newTestManager(t, a, failing)
	be := &fakeBackend{table: []Frequency{100, 200, 300}, current: 100}

	d, err := m.AddDevice("dev0", testProfile(be), "a", nil)
	require.NoError(t, err)

	err = m.SwitchGovernor("dev0", "failing")
	require.Error(t, err)

	// The previous governor is stopped, fails to be replaced, and gets
	// restarted.
	assert.Equal(t, []GovernorEvent{GovernorStart, GovernorStop, GovernorStart}, a.seen())
	assert.Equal(t, "a", d.GovernorName())
	require.NoError(t, d.Reevaluate())
}

func TestAvailableGovernors(t *testing.T) {
	a := &fakeGovernor{name: "a", target: 200}
	b := &fakeGovernor{name: "b", target: 200}
	pinned := &fakeGovernor{name: "pinned", immutable: true, target: 200}
	m := newTestManager(t, a, b, pinned)

	be := &fakeBackend{table: []Frequency{100, 200, 300}}
	_, err := m.AddDevice("dev0", testProfile(be), "a", nil)
	require.NoError(t, err)

	got, err := m.AvailableGovernors("dev0")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)

	be2 := &fakeBackend{table: []Frequency{100, 200, 300}}
	_, err = m.AddDevice("dev1", testProfile(be2), "pinned", nil)
	require.NoError(t, err)

	got, err = m.AvailableGovernors("dev1")
	require.NoError(t, err)
	assert.Equal(t, []string{"pinned"}, got)

	_, err = m.AvailableGovernors("absent")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestManagerDevicesSorted(t *testing.T) {
	g := &fakeGovernor{name: "fake", target: 200}
	m := newTestManager(t, g)
	for _, id := range []string{"gpu1", "dsp0", "nic2"} {
		b := &fakeBackend{table: []Frequency{100, 200, 300}}
		_, err := m.AddDevice(id, testProfile(b), "fake", nil)
		require.NoError(t, err)
	}

	devs := m.Devices()
	require.Len(t, devs, 3)
	assert.Equal(t, "dsp0", devs[0].ID())
	assert.Equal(t, "gpu1", devs[1].ID())
	assert.Equal(t, "nic2", devs[2].ID())

	assert.Equal(t, []string{"fake"}, m.Governors())
}

func TestManagerClose(t *testing.T) {
	g := &fakeGovernor{name: "fake", target: 200}
	m := newTestManager(t, g)
	b := &fakeBackend{table: []Frequency{100, 200, 300}}
	_, err := m.AddDevice("dev0", testProfile(b), "fake", nil)
	require.NoError(t, err)

	m.Close()
	assert.Equal(t, []GovernorEvent{GovernorStart, GovernorStop}, g.seen())
	assert.Equal(t, 1, b.closed)

	_, err = m.Device("dev0")
	assert.True(t, apperrors.IsNotFound(err))
}
