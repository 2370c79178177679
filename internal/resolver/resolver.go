// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package resolver performs reverse (PTR) lookups.
package resolver

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"grimm.is/tripwire/internal/errors"
)

// Unknown is the hostname reported when a lookup fails.
const Unknown = "Unknown"

// DefaultTimeout bounds a single query.
const DefaultTimeout = 2 * time.Second

// Resolver sends PTR queries to a fixed list of nameservers.
type Resolver struct {
	client  *dns.Client
	servers []string
}

// New creates a resolver. With no nameservers the system resolv.conf is used.
func New(nameservers []string, timeout time.Duration) (*Resolver, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	servers := make([]string, 0, len(nameservers))
	for _, ns := range nameservers {
		servers = append(servers, withPort(ns))
	}

	if len(servers) == 0 {
		cc, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, errors.Wrap(err, errors.KindUnavailable, "no nameserver configured and resolv.conf unreadable")
		}
		for _, s := range cc.Servers {
			servers = append(servers, net.JoinHostPort(s, cc.Port))
		}
		if len(servers) == 0 {
			return nil, errors.New(errors.KindUnavailable, "resolv.conf lists no nameservers")
		}
	}

	return &Resolver{
		client:  &dns.Client{Net: "udp", Timeout: timeout},
		servers: servers,
	}, nil
}

// Servers returns the nameservers in query order.
func (r *Resolver) Servers() []string {
	return r.servers
}

// LookupAddr returns the first PTR name for ip, without the trailing dot.
func (r *Resolver) LookupAddr(ctx context.Context, ip string) (string, error) {
	arpa, err := dns.ReverseAddr(ip)
	if err != nil {
		return "", errors.Wrap(err, errors.KindValidation, "invalid address for reverse lookup")
	}

	m := new(dns.Msg)
	m.SetQuestion(arpa, dns.TypePTR)
	m.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, m, server)
		if err != nil {
			lastErr = errors.Wrapf(err, errors.KindUnavailable, "PTR query to %s failed", server)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = errors.Errorf(errors.KindNotFound, "PTR query for %s: %s", ip, dns.RcodeToString[resp.Rcode])
			continue
		}
		for _, rr := range resp.Answer {
			if ptr, ok := rr.(*dns.PTR); ok {
				return strings.TrimSuffix(ptr.Ptr, "."), nil
			}
		}
		lastErr = errors.Errorf(errors.KindNotFound, "no PTR record for %s", ip)
	}

	return "", errors.Attr(lastErr, "ip", ip)
}

func withPort(ns string) string {
	if _, _, err := net.SplitHostPort(ns); err == nil {
		return ns
	}
	return net.JoinHostPort(strings.Trim(ns, "[]"), "53")
}
