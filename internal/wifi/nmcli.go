package wifi

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/skyforge-av/bondctl/internal/execseam"
	"github.com/skyforge-av/bondctl/internal/proto"
)

const nmcliBin = "nmcli"

// newConnectionTimeout is the 15-second timeout spec.md §4.3 gives the
// "new" operation before it gives up waiting for the connection to come
// up (and the secrets-required vs. generic-failure error gets parsed from
// whatever nmcli produced by then).
const newConnectionTimeout = 15 * time.Second

type savedProfile struct {
	uuid string
	ssid string
	mac  string
	// timestamp is the profile's last successful connection time, used by
	// New's garbage collection of never-successful profiles (spec.md
	// §4.3: "timestamp 0").
	timestamp int64
}

// listSavedConnections implements phase 1 of spec.md §4.3's refresh:
// enumerate stored wireless profiles and read each one's bound MAC, SSID,
// and last-connected timestamp.
func listSavedConnections(ctx context.Context, r execseam.Runner) ([]savedProfile, error) {
	out, _, err := r.Run(ctx, nmcliBin, "-t", "-f",
		"UUID,TYPE,802-11-wireless.ssid,802-11-wireless.mac-address,connection.timestamp",
		"connection", "show")
	if err != nil {
		return nil, errors.Wrap(err, "nmcli connection show")
	}

	var profiles []savedProfile
	for _, row := range splitTerseOutput(string(out)) {
		if field(row, 1) != "802-11-wireless" {
			continue
		}
		ts, _ := strconv.ParseInt(field(row, 4), 10, 64)
		profiles = append(profiles, savedProfile{
			uuid:      field(row, 0),
			ssid:      field(row, 2),
			mac:       strings.ToUpper(field(row, 3)),
			timestamp: ts,
		})
	}
	return profiles, nil
}

// listScanResults implements phase 2: enumerate visible networks,
// deduping by SSID and preferring the entry marked active.
func listScanResults(ctx context.Context, r execseam.Runner) (map[string]map[string]proto.WifiNetwork, error) {
	out, _, err := r.Run(ctx, nmcliBin, "-t", "-f",
		"BSSID,SSID,ACTIVE,SIGNAL,SECURITY,FREQ,DEVICE", "device", "wifi", "list")
	if err != nil {
		return nil, errors.Wrap(err, "nmcli device wifi list")
	}

	byDevice := make(map[string]map[string]proto.WifiNetwork)
	for _, row := range splitTerseOutput(string(out)) {
		ssid := field(row, 1)
		if ssid == "" {
			continue
		}
		dev := field(row, 6)
		active := field(row, 2) == "yes"
		signal, _ := strconv.Atoi(field(row, 3))
		freq, _ := strconv.Atoi(strings.TrimSuffix(field(row, 5), " MHz"))

		net := proto.WifiNetwork{
			SSID:      ssid,
			Active:    active,
			Signal:    signal,
			Security:  field(row, 4),
			Frequency: freq,
		}

		if byDevice[dev] == nil {
			byDevice[dev] = make(map[string]proto.WifiNetwork)
		}
		if existing, ok := byDevice[dev][ssid]; !ok || (!existing.Active && active) {
			byDevice[dev][ssid] = net
		}
	}
	return byDevice, nil
}

type rawDevice struct {
	mac        string
	ifname     string
	activeUUID string
}

// listDevices implements phase 3: enumerate wireless devices.
func listDevices(ctx context.Context, r execseam.Runner) ([]rawDevice, error) {
	out, _, err := r.Run(ctx, nmcliBin, "-t", "-f",
		"DEVICE,TYPE,GENERAL.HWADDR,GENERAL.CONNECTION-UUID", "device", "show")
	if err != nil {
		return nil, errors.Wrap(err, "nmcli device show")
	}

	var devices []rawDevice
	for _, row := range splitTerseOutput(string(out)) {
		if field(row, 1) != "wifi" {
			continue
		}
		devices = append(devices, rawDevice{
			ifname:     field(row, 0),
			mac:        strings.ToUpper(field(row, 2)),
			activeUUID: field(row, 3),
		})
	}
	return devices, nil
}

// rescan issues `nmcli device wifi rescan` on ifname.
func rescan(ctx context.Context, r execseam.Runner, ifname string) error {
	_, _, err := r.Run(ctx, nmcliBin, "device", "wifi", "rescan", "ifname", ifname)
	return err
}

// connectionUp brings uuid up.
func connectionUp(ctx context.Context, r execseam.Runner, uuid string) error {
	_, stderr, err := r.Run(ctx, nmcliBin, "connection", "up", "uuid", uuid)
	if err != nil {
		return errors.Wrap(errors.New(string(stderr)), "nmcli connection up")
	}
	return nil
}

// connectionDown takes uuid down.
func connectionDown(ctx context.Context, r execseam.Runner, uuid string) error {
	_, _, err := r.Run(ctx, nmcliBin, "connection", "down", "uuid", uuid)
	return err
}

// connectionDelete forgets uuid.
func connectionDelete(ctx context.Context, r execseam.Runner, uuid string) error {
	_, _, err := r.Run(ctx, nmcliBin, "connection", "delete", "uuid", uuid)
	return err
}

// secretsRequiredMarker is the nmcli error-stream substring spec.md §4.3
// says to look for when a "new" connection attempt fails because it needs
// a password.
const secretsRequiredMarker = "Secrets were required"

// newConnection implements spec.md §4.3's "new" operation: connect ifname
// to ssid with an optional password, within a 15-second timeout. The
// returned *NewConnectionError's Kind distinguishes "needs a password"
// ("auth") from a generic failure ("generic").
func newConnection(ctx context.Context, r execseam.Runner, ifname, ssid, password string) error {
	ctx, cancel := context.WithTimeout(ctx, newConnectionTimeout)
	defer cancel()

	args := []string{"device", "wifi", "connect", ssid, "ifname", ifname}
	if password != "" {
		args = append(args, "password", password)
	}

	_, stderr, err := r.Run(ctx, nmcliBin, args...)
	if err == nil {
		return nil
	}
	if strings.Contains(string(stderr), secretsRequiredMarker) {
		return &NewConnectionError{Kind: "auth", Message: string(stderr)}
	}
	return &NewConnectionError{Kind: "generic", Message: string(stderr)}
}

// NewConnectionError is returned by Manager.New on failure.
type NewConnectionError struct {
	Kind    string // "auth" | "generic"
	Message string
}

func (e *NewConnectionError) Error() string { return e.Message }
