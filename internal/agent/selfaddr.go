package agent

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
)

// ErrNoAddress is returned when no usable interface address is found.
var ErrNoAddress = errors.New("no usable non-loopback interface address")

type interfaceAddrs struct {
	name  string
	flags net.Flags
	addrs []net.Addr
}

// DiscoverAddress returns the first address of the first interface that is
// up and not a loopback. Link-local addresses are skipped.
func DiscoverAddress() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("list interfaces: %w", err)
	}
	candidates := make([]interfaceAddrs, 0, len(ifaces))
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		candidates = append(candidates, interfaceAddrs{name: iface.Name, flags: iface.Flags, addrs: addrs})
	}
	return pickAddress(candidates)
}

func pickAddress(ifaces []interfaceAddrs) (string, error) {
	for _, iface := range ifaces {
		if iface.flags&net.FlagUp == 0 || iface.flags&net.FlagLoopback != 0 {
			continue
		}
		for _, addr := range iface.addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			default:
				continue
			}
			a, ok := netip.AddrFromSlice(ip)
			if !ok {
				continue
			}
			a = a.Unmap()
			if a.IsLoopback() || a.IsUnspecified() || a.IsLinkLocalUnicast() {
				continue
			}
			return a.String(), nil
		}
	}
	return "", ErrNoAddress
}
