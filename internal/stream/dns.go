package stream

import (
	"net"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

// Resolver resolves the srtla_addr host supplied to start, per spec.md
// §4.6's validation table. Abstracted so tests don't need a live
// resolver.
type Resolver interface {
	Resolve(host string) error
}

// DNSResolver is the production Resolver. It accepts dotted IPv4/IPv6
// literals outright and otherwise issues an A query against the system
// resolver, using github.com/miekg/dns the way ap.dns4d/dns4d.go and
// ap.relayd/relayd.go build and send DNS messages.
type DNSResolver struct {
	// ResolvConf is the path to the resolver config file; defaults to
	// /etc/resolv.conf when empty.
	ResolvConf string
}

// Resolve returns nil if host is resolvable, or an error describing why
// not.
func (r DNSResolver) Resolve(host string) error {
	if ip := net.ParseIP(host); ip != nil {
		return nil
	}

	confPath := r.ResolvConf
	if confPath == "" {
		confPath = "/etc/resolv.conf"
	}
	conf, err := dns.ClientConfigFromFile(confPath)
	if err != nil {
		return errors.Wrap(err, "load resolver config")
	}
	if len(conf.Servers) == 0 {
		return errors.Errorf("no nameservers in %s", confPath)
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)

	c := new(dns.Client)
	server := net.JoinHostPort(conf.Servers[0], conf.Port)

	resp, _, err := c.Exchange(m, server)
	if err != nil {
		return errors.Wrapf(err, "resolve %s", host)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return errors.Errorf("resolve %s: %s", host, dns.RcodeToString[resp.Rcode])
	}
	for _, rr := range resp.Answer {
		if _, ok := rr.(*dns.A); ok {
			return nil
		}
	}
	return errors.Errorf("no A record for %s", host)
}
