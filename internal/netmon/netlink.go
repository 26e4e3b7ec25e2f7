package netmon

import (
	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"
)

// NetlinkSource is the production Source, backed by
// github.com/vishvananda/netlink: the library ap_common/netctl.go uses to
// enumerate and manipulate links on this same platform family.
type NetlinkSource struct{}

// List implements Source.
func (NetlinkSource) List() ([]RawIface, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, errors.Wrap(err, "netlink link list")
	}

	out := make([]RawIface, 0, len(links))
	for _, link := range links {
		attrs := link.Attrs()

		addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
		if err != nil || len(addrs) == 0 {
			out = append(out, RawIface{Name: attrs.Name})
			continue
		}

		stats := attrs.Statistics
		var tx uint64
		if stats != nil {
			tx = stats.TxBytes
		}

		out = append(out, RawIface{
			Name:    attrs.Name,
			IP:      addrs[0].IP.String(),
			TxBytes: tx,
		})
	}
	return out, nil
}
