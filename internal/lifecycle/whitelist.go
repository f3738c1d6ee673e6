package lifecycle

import (
	"fmt"
	"net/netip"
	"strings"
)

// Whitelist holds addresses and networks that are never self-banned.
type Whitelist struct {
	prefixes []netip.Prefix
}

// ParseWhitelist accepts single addresses and CIDR prefixes.
func ParseWhitelist(entries []string) (Whitelist, error) {
	var w Whitelist
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return Whitelist{}, fmt.Errorf("whitelist entry %q: %w", e, err)
			}
			w.prefixes = append(w.prefixes, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			return Whitelist{}, fmt.Errorf("whitelist entry %q: %w", e, err)
		}
		a = a.Unmap()
		w.prefixes = append(w.prefixes, netip.PrefixFrom(a, a.BitLen()))
	}
	return w, nil
}

// Contains reports whether ip is whitelisted. Unparseable input never is.
func (w Whitelist) Contains(ip string) bool {
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	a = a.Unmap()
	for _, p := range w.prefixes {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// Len returns the number of entries.
func (w Whitelist) Len() int { return len(w.prefixes) }
