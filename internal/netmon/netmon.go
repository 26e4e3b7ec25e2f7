// Package netmon implements C3: a periodic view of local IPv4 interfaces,
// their transmit-throughput deltas, and per-interface enable flags used to
// pick bonder uplinks.
//
// Enumeration is abstracted behind the Source interface so tests can feed
// canned interface lists the way ap_common/netctl's callers feed canned
// netlink state; the production Source is backed by
// github.com/vishvananda/netlink, the library ap_common/netctl.go uses for
// the same purpose.
package netmon

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/skyforge-av/bondctl/internal/proto"
)

// RawIface is one interface observation from a Source, before exclusion
// filtering or delta computation.
type RawIface struct {
	Name    string
	IP      string // empty if the interface has no IPv4 address
	TxBytes uint64
}

// Source enumerates the host's network interfaces. The production
// implementation is NetlinkSource (netlink.go); tests use a static slice.
type Source interface {
	List() ([]RawIface, error)
}

// ErrWouldDisableAll is returned by SetEnabled when disabling the named
// interface would leave zero enabled interfaces.
var ErrWouldDisableAll = errors.New("would leave zero enabled interfaces")

// Monitor holds the live interface table and the exclusion rules used to
// drop loopback/bridge/internal interfaces from it.
type Monitor struct {
	source Source

	// excludeNames are exact-match exclusions (e.g. "lo"); excludePrefixes
	// are prefix-match exclusions (e.g. "docker", "br-"). Kept as two
	// plain slices rather than a compiled matcher so callers can
	// reconfigure the allow/deny list at construction time, per spec.md
	// §9's suggestion.
	excludeNames    []string
	excludePrefixes []string

	mu    sync.Mutex
	table map[string]*proto.Interface
}

// DefaultExcludePrefixes matches the Docker bridge and the
// platform-internal bridge naming convention called out in spec.md §9.
// Loopback is excluded separately, by the exact name "lo" (see New).
var DefaultExcludePrefixes = []string{"docker", "br-", "veth"}

// New constructs a Monitor. excludeNames/excludePrefixes may be nil to
// accept DefaultExcludePrefixes and no exact-name exclusions beyond "lo".
func New(source Source, excludeNames, excludePrefixes []string) *Monitor {
	if excludeNames == nil {
		excludeNames = []string{"lo"}
	}
	if excludePrefixes == nil {
		excludePrefixes = DefaultExcludePrefixes
	}
	return &Monitor{
		source:          source,
		excludeNames:    excludeNames,
		excludePrefixes: excludePrefixes,
		table:           make(map[string]*proto.Interface),
	}
}

func (m *Monitor) excluded(name string) bool {
	for _, n := range m.excludeNames {
		if name == n {
			return true
		}
	}
	for _, p := range m.excludePrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// Poll enumerates interfaces, computes each one's tx delta, preserves
// enable flags across the previous table, drops entries the OS no longer
// reports, and returns the new snapshot plus whether any surviving or new
// interface's IPv4 address changed since the last poll (the trigger for
// the streaming supervisor's updateUplinks per spec.md §4.2).
func (m *Monitor) Poll() (map[string]proto.Interface, bool, error) {
	raw, err := m.source.List()
	if err != nil {
		return nil, false, errors.Wrap(err, "list interfaces")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ipChanged := false
	seen := make(map[string]bool, len(raw))

	for _, r := range raw {
		if r.IP == "" || m.excluded(r.Name) {
			continue
		}
		seen[r.Name] = true

		prev, existed := m.table[r.Name]
		tp := uint64(0)
		enabled := true
		if existed {
			enabled = prev.Enabled
			if r.TxBytes > prev.TxBytes {
				tp = r.TxBytes - prev.TxBytes
			}
			if prev.IP != r.IP {
				ipChanged = true
			}
		} else {
			ipChanged = true
		}

		m.table[r.Name] = &proto.Interface{
			Name:    r.Name,
			IP:      r.IP,
			TxBytes: r.TxBytes,
			TP:      tp,
			Enabled: enabled,
		}
	}

	for name := range m.table {
		if !seen[name] {
			delete(m.table, name)
		}
	}

	return m.snapshotLocked(), ipChanged, nil
}

// Snapshot returns the current table without polling.
func (m *Monitor) Snapshot() map[string]proto.Interface {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Monitor) snapshotLocked() map[string]proto.Interface {
	out := make(map[string]proto.Interface, len(m.table))
	for name, e := range m.table {
		out[name] = *e
	}
	return out
}

// EnabledUplinkIPs returns the IPv4 addresses of every currently enabled
// interface, sorted for deterministic file output.
func (m *Monitor) EnabledUplinkIPs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ips []string
	for _, e := range m.table {
		if e.Enabled {
			ips = append(ips, e.IP)
		}
	}
	sort.Strings(ips)
	return ips
}

// SetEnabled implements spec.md §4.2's setEnabled: a no-op unless both name
// and ip match the current entry, and a rejection (ErrWouldDisableAll) if
// disabling would leave no enabled interfaces. On success it reports
// whether the change was accepted.
func (m *Monitor) SetEnabled(name, ip string, enabled bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.table[name]
	if !ok || e.IP != ip {
		return false, nil
	}
	if e.Enabled == enabled {
		return true, nil
	}

	if !enabled {
		others := 0
		for n, o := range m.table {
			if n != name && o.Enabled {
				others++
			}
		}
		if others == 0 {
			return false, ErrWouldDisableAll
		}
	}

	e.Enabled = enabled
	return true, nil
}
