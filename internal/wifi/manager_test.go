package wifi

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/skyforge-av/bondctl/internal/execseam"
)

func scriptedFake() *execseam.Fake {
	return &execseam.Fake{
		RunResults: map[string]execseam.FakeResult{
			"nmcli -t -f UUID,TYPE,802-11-wireless.ssid,802-11-wireless.mac-address,connection.timestamp connection show": {
				Stdout: []byte(
					"uuid-home:802-11-wireless:MyHome:AA\\:BB\\:CC\\:DD\\:EE\\:01:1700000000\n" +
						"uuid-eth:802-3-ethernet:Wired:00\\:00\\:00\\:00\\:00\\:00:1700000001\n"),
			},
			"nmcli -t -f BSSID,SSID,ACTIVE,SIGNAL,SECURITY,FREQ,DEVICE device wifi list": {
				Stdout: []byte(
					"AA\\:BB\\:CC\\:DD\\:EE\\:01:MyHome:yes:80:WPA2:2437 MHz:wlan0\n" +
						"11\\:22\\:33\\:44\\:55\\:66:Guest:no:40:--:5180 MHz:wlan0\n"),
			},
			"nmcli -t -f DEVICE,TYPE,GENERAL.HWADDR,GENERAL.CONNECTION-UUID device show": {
				Stdout: []byte(
					"wlan0:wifi:AA\\:BB\\:CC\\:DD\\:EE\\:01:uuid-home\n" +
						"eth0:ethernet:00\\:00\\:00\\:00\\:00\\:00:\n"),
			},
		},
	}
}

func TestRefreshAllBuildsDeviceIndex(t *testing.T) {
	fake := scriptedFake()
	m := New(zap.NewNop().Sugar(), fake, nil)

	changed, err := m.RefreshAll(context.Background())
	require.NoError(t, err)
	require.True(t, changed)

	devices := m.Devices()
	require.Len(t, devices, 1)
	d := devices[0]
	require.Equal(t, "wlan0", d.IfName)
	require.Equal(t, "uuid-home", d.ActiveConn)
	require.Equal(t, "uuid-home", d.SavedByUUID["MyHome"])
	require.Len(t, d.Networks, 2)
	require.True(t, d.Networks["MyHome"].Active)
}

func TestRefreshAllIsIdempotentOnMembership(t *testing.T) {
	fake := scriptedFake()
	m := New(zap.NewNop().Sugar(), fake, nil)

	changed, err := m.RefreshAll(context.Background())
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = m.RefreshAll(context.Background())
	require.NoError(t, err)
	require.False(t, changed)
}

func TestRefreshAllDropsVanishedDevices(t *testing.T) {
	fake := scriptedFake()
	m := New(zap.NewNop().Sugar(), fake, nil)
	_, err := m.RefreshAll(context.Background())
	require.NoError(t, err)
	require.Len(t, m.Devices(), 1)

	fake.RunResults["nmcli -t -f DEVICE,TYPE,GENERAL.HWADDR,GENERAL.CONNECTION-UUID device show"] = execseam.FakeResult{
		Stdout: []byte(""),
	}
	changed, err := m.RefreshAll(context.Background())
	require.NoError(t, err)
	require.True(t, changed)
	require.Len(t, m.Devices(), 0)
}

func TestDeviceIDsAreStableAcrossRefreshes(t *testing.T) {
	fake := scriptedFake()
	m := New(zap.NewNop().Sugar(), fake, nil)
	_, err := m.RefreshAll(context.Background())
	require.NoError(t, err)
	first := m.Devices()[0].ID

	_, err = m.RefreshAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, first, m.Devices()[0].ID)
}

func TestScanRejectsUnknownDeviceID(t *testing.T) {
	fake := scriptedFake()
	m := New(zap.NewNop().Sugar(), fake, nil)
	err := m.Scan(context.Background(), 999)
	require.Error(t, err)
}

func TestNewConnectionParsesSecretsRequired(t *testing.T) {
	fake := scriptedFake()
	fake.RunResults["nmcli device wifi connect Guest ifname wlan0 password bad"] = execseam.FakeResult{
		Stderr: []byte("Error: Secrets were required, but not provided."),
		Err:    errSentinel,
	}
	m := New(zap.NewNop().Sugar(), fake, nil)
	_, err := m.RefreshAll(context.Background())
	require.NoError(t, err)

	err = m.New(context.Background(), m.Devices()[0].ID, "Guest", "bad")
	var connErr *NewConnectionError
	require.ErrorAs(t, err, &connErr)
	require.Equal(t, "auth", connErr.Kind)
}

var errSentinel = &NewConnectionError{Kind: "generic", Message: "exit status 1"}
