package netmon

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	ifaces []RawIface
}

func (f *fakeSource) List() ([]RawIface, error) { return f.ifaces, nil }

func TestPollComputesDeltaAndPreservesEnabled(t *testing.T) {
	src := &fakeSource{ifaces: []RawIface{{Name: "eth0", IP: "10.0.0.2", TxBytes: 1000}}}
	m := New(src, nil, nil)

	table, changed, err := m.Poll()
	require.NoError(t, err)
	require.True(t, changed, "first observation is always a change")
	require.Equal(t, uint64(0), table["eth0"].TP)
	require.True(t, table["eth0"].Enabled)

	ok, err := m.SetEnabled("eth0", "10.0.0.2", false)
	require.ErrorIs(t, err, ErrWouldDisableAll)
	require.False(t, ok, "the single interface would be left with none enabled")

	src.ifaces[0] = RawIface{Name: "eth0", IP: "10.0.0.2", TxBytes: 1500}
	src.ifaces = append(src.ifaces, RawIface{Name: "wlan0", IP: "10.0.0.3", TxBytes: 10})
	table, changed, err = m.Poll()
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, uint64(500), table["eth0"].TP)
	require.True(t, table["eth0"].Enabled, "enabled flag survives across polls")
}

func TestSetEnabledRequiresMatchingIP(t *testing.T) {
	src := &fakeSource{ifaces: []RawIface{{Name: "eth0", IP: "10.0.0.2", TxBytes: 0}}}
	m := New(src, nil, nil)
	_, _, err := m.Poll()
	require.NoError(t, err)

	ok, err := m.SetEnabled("eth0", "10.0.0.9", false)
	require.NoError(t, err)
	require.False(t, ok, "stale ip must not match")
}

func TestSetEnabledRejectsDisablingLastInterface(t *testing.T) {
	src := &fakeSource{ifaces: []RawIface{
		{Name: "eth0", IP: "10.0.0.2"},
		{Name: "wlan0", IP: "10.0.0.3"},
	}}
	m := New(src, nil, nil)
	_, _, err := m.Poll()
	require.NoError(t, err)

	ok, err := m.SetEnabled("eth0", "10.0.0.2", false)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.SetEnabled("wlan0", "10.0.0.3", false)
	require.ErrorIs(t, err, ErrWouldDisableAll)
	require.False(t, ok)
}

func TestPollDropsVanishedInterfaces(t *testing.T) {
	src := &fakeSource{ifaces: []RawIface{{Name: "eth0", IP: "10.0.0.2"}}}
	m := New(src, nil, nil)
	_, _, err := m.Poll()
	require.NoError(t, err)

	src.ifaces = nil
	table, _, err := m.Poll()
	require.NoError(t, err)
	require.Empty(t, table)
}

func TestExcludedPrefixesAreDropped(t *testing.T) {
	src := &fakeSource{ifaces: []RawIface{
		{Name: "lo", IP: "127.0.0.1"},
		{Name: "docker0", IP: "172.17.0.1"},
		{Name: "eth0", IP: "10.0.0.2"},
	}}
	m := New(src, nil, nil)
	table, _, err := m.Poll()
	require.NoError(t, err)
	require.Len(t, table, 1)
	require.Contains(t, table, "eth0")
}

func TestEnabledUplinkIPsSorted(t *testing.T) {
	src := &fakeSource{ifaces: []RawIface{
		{Name: "b", IP: "10.0.0.9"},
		{Name: "a", IP: "10.0.0.1"},
	}}
	m := New(src, nil, nil)
	_, _, err := m.Poll()
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.1", "10.0.0.9"}, m.EnabledUplinkIPs())
}
