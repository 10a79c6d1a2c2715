// Package sortlist implements resolv.conf's "sortlist" directive: ranking
// A/AAAA answers by which configured network they fall in before
// returning them to the caller, per spec.md §4.6/§8.7. The CIDR-matching
// idiom is grounded on the teacher's engine.ACL (net.ParseCIDR plus
// net.IPNet.Contains), re-purposed here from an allow/deny decision into
// an answer ranking.
package sortlist

import (
	"net"
	"sort"
)

// Entry is one sortlist rule: addresses inside Net rank ahead of
// addresses that aren't, in configuration order.
type Entry struct {
	Net *net.IPNet
}

// List is an ordered set of sortlist rules. A nil or empty List leaves
// Apply a no-op, matching c-ares' default of "no sortlist configured".
type List []Entry

// Parse builds a List from CIDR or bare-IP strings (a bare IP is treated
// as a /32 or /128 host route), in the order given.
func Parse(specs []string) (List, error) {
	list := make(List, 0, len(specs))
	for _, s := range specs {
		_, ipnet, err := net.ParseCIDR(s)
		if err != nil {
			ip := net.ParseIP(s)
			if ip == nil {
				return nil, err
			}
			if v4 := ip.To4(); v4 != nil {
				ipnet = &net.IPNet{IP: v4, Mask: net.CIDRMask(32, 32)}
			} else {
				ipnet = &net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)}
			}
		}
		list = append(list, Entry{Net: ipnet})
	}
	return list, nil
}

// Rank returns the index of the first sortlist entry containing ip, or
// len(list) if none match (unmatched addresses sort last). Exposed so
// callers that must reorder something richer than a bare []net.IP (e.g.
// whole resource records) can drive their own stable sort with the same
// ranking Apply uses internally.
func (list List) Rank(ip net.IP) int {
	for i, e := range list {
		if e.Net.Contains(ip) {
			return i
		}
	}
	return len(list)
}

// Apply stable-sorts addrs by sortlist rank, leaving relative order
// unchanged both among addresses that share a rank and among addresses
// that match no entry at all. Applying Apply twice to its own output is
// idempotent: rank is a pure function of each address, so the second
// stable sort finds every adjacent pair already in non-decreasing rank
// order and makes no swaps.
func (list List) Apply(addrs []net.IP) []net.IP {
	if len(list) == 0 || len(addrs) < 2 {
		return addrs
	}
	out := append([]net.IP(nil), addrs...)
	sort.SliceStable(out, func(i, j int) bool {
		return list.Rank(out[i]) < list.Rank(out[j])
	})
	return out
}
