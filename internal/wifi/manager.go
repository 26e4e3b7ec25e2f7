package wifi

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skyforge-av/bondctl/internal/execseam"
	"github.com/skyforge-av/bondctl/internal/proto"
)

// RescanDelays are the staggered rescan offsets spec.md §4.3 schedules
// after a device appears or disappears from the index: 1s, 3s, 5s, 10s
// after the membership change, so a newly-plugged adapter's scan results
// converge without flooding nmcli with requests.
var RescanDelays = []time.Duration{
	1 * time.Second, 3 * time.Second, 5 * time.Second, 10 * time.Second,
}

// Manager holds the MAC-keyed wireless device index (C4). Numeric device
// IDs are stable only for the process lifetime: they're assigned on first
// sighting of a MAC and never reused, so a client's earlier "device 2"
// reference keeps meaning the same adapter until bondctl restarts.
type Manager struct {
	log    *zap.SugaredLogger
	runner execseam.Runner

	mu      sync.Mutex
	byMAC   map[string]*proto.WifiDevice
	nextID  int
	onChange func()
}

// New constructs a Manager. onChange, if non-nil, is invoked (without the
// manager's lock held) whenever RefreshAll changes device membership, so
// the router can broadcast updated state and schedule rescans.
func New(log *zap.SugaredLogger, runner execseam.Runner, onChange func()) *Manager {
	return &Manager{
		log:      log,
		runner:   runner,
		byMAC:    make(map[string]*proto.WifiDevice),
		nextID:   1,
		onChange: onChange,
	}
}

// Devices returns a snapshot of the current index, sorted by device ID.
func (m *Manager) Devices() []proto.WifiDevice {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]proto.WifiDevice, 0, len(m.byMAC))
	for _, d := range m.byMAC {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RefreshAll implements spec.md §4.3's three-phase rebuild: saved
// connections, then scan results, then the device list itself, merged into
// the MAC-keyed index. Returns true if device membership (the set of MACs
// present) changed, so the caller knows whether to schedule the staggered
// rescans and a broadcast.
func (m *Manager) RefreshAll(ctx context.Context) (bool, error) {
	saved, err := listSavedConnections(ctx, m.runner)
	if err != nil {
		return false, err
	}
	scans, err := listScanResults(ctx, m.runner)
	if err != nil {
		return false, err
	}
	devices, err := listDevices(ctx, m.runner)
	if err != nil {
		return false, err
	}

	savedByMAC := make(map[string][]savedProfile)
	for _, p := range saved {
		savedByMAC[p.mac] = append(savedByMAC[p.mac], p)
	}

	m.mu.Lock()

	before := make(map[string]bool, len(m.byMAC))
	for mac := range m.byMAC {
		before[mac] = true
	}

	seen := make(map[string]bool, len(devices))
	for _, rd := range devices {
		if rd.mac == "" {
			continue
		}
		seen[rd.mac] = true

		dev, ok := m.byMAC[rd.mac]
		if !ok {
			dev = &proto.WifiDevice{ID: m.nextID, MAC: rd.mac}
			m.nextID++
			m.byMAC[rd.mac] = dev
		}
		dev.IfName = rd.ifname
		dev.ActiveConn = rd.activeUUID

		dev.SavedByUUID = make(map[string]string, len(savedByMAC[rd.mac]))
		for _, p := range savedByMAC[rd.mac] {
			dev.SavedByUUID[p.ssid] = p.uuid
		}

		dev.Networks = scans[rd.ifname]
		if dev.Networks == nil {
			dev.Networks = make(map[string]proto.WifiNetwork)
		}
	}

	for mac := range m.byMAC {
		if !seen[mac] {
			delete(m.byMAC, mac)
		}
	}

	changed := len(before) != len(seen)
	if !changed {
		for mac := range seen {
			if !before[mac] {
				changed = true
				break
			}
		}
	}
	m.mu.Unlock()

	if changed && m.onChange != nil {
		m.onChange()
	}
	return changed, nil
}

// ScheduleRescans arms the staggered rescans RescanDelays describes on
// ifname, stopping early if ctx is cancelled. Each rescan failure is
// logged and does not abort the remaining schedule.
func (m *Manager) ScheduleRescans(ctx context.Context, ifname string) {
	for _, d := range RescanDelays {
		d := d
		go func() {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := rescan(ctx, m.runner, ifname); err != nil {
					m.log.Warnw("scheduled wifi rescan failed", "ifname", ifname, "error", err)
				}
			}
		}()
	}
}

// deviceIfname resolves a numeric device ID to its current ifname, or ""
// if unknown.
func (m *Manager) deviceIfname(deviceID int) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.byMAC {
		if d.ID == deviceID {
			return d.IfName, true
		}
	}
	return "", false
}

// Scan triggers an nmcli rescan on deviceID's interface.
func (m *Manager) Scan(ctx context.Context, deviceID int) error {
	ifname, ok := m.deviceIfname(deviceID)
	if !ok {
		return errUnknownDevice
	}
	return rescan(ctx, m.runner, ifname)
}

// Connect brings up a saved connection by UUID.
func (m *Manager) Connect(ctx context.Context, uuid string) error {
	return connectionUp(ctx, m.runner, uuid)
}

// Disconnect takes a connection down by UUID.
func (m *Manager) Disconnect(ctx context.Context, uuid string) error {
	return connectionDown(ctx, m.runner, uuid)
}

// Forget deletes a saved connection by UUID.
func (m *Manager) Forget(ctx context.Context, uuid string) error {
	return connectionDelete(ctx, m.runner, uuid)
}

// New connects deviceID to ssid with an optional password, spec.md
// §4.3's "new" operation. On failure it deletes every saved wireless
// profile whose timestamp is 0 (never successfully connected).
func (m *Manager) New(ctx context.Context, deviceID int, ssid, password string) error {
	ifname, ok := m.deviceIfname(deviceID)
	if !ok {
		return errUnknownDevice
	}
	err := newConnection(ctx, m.runner, ifname, ssid, password)
	if err != nil {
		if saved, lerr := listSavedConnections(ctx, m.runner); lerr == nil {
			for _, p := range saved {
				if p.timestamp == 0 {
					_ = connectionDelete(ctx, m.runner, p.uuid)
				}
			}
		}
	}
	return err
}

var errUnknownDevice = &NewConnectionError{Kind: "generic", Message: "unknown wifi device id"}
