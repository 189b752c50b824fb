// Package addrutil normalises user-supplied collector addresses.
package addrutil

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// ErrEmpty is returned for a blank address.
var ErrEmpty = errors.New("addrutil: empty address")

// CollectorAddr turns "host", "host:port", "[v6]:port", a bare IPv6
// address or a "udp://" URL into a dialable "host:port", filling in
// defaultPort when none is given.
func CollectorAddr(addr string, defaultPort int) (string, error) {
	a := strings.TrimSpace(addr)
	a = strings.TrimPrefix(a, "udp://")
	a = strings.TrimSuffix(a, "/")
	if a == "" {
		return "", ErrEmpty
	}

	host, port, err := splitHostPort(a)
	if err != nil {
		return "", err
	}
	if port == 0 {
		port = defaultPort
	}
	if port <= 0 || port > 65535 {
		return "", fmt.Errorf("addrutil: port %d out of range in %q", port, addr)
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// splitHostPort returns port 0 when addr carries none.
func splitHostPort(a string) (string, int, error) {
	// A bare IP, including unbracketed IPv6 with no port.
	if ip, err := netip.ParseAddr(strings.Trim(a, "[]")); err == nil {
		return ip.String(), 0, nil
	}

	if h, p, err := net.SplitHostPort(a); err == nil {
		port, err := strconv.Atoi(p)
		if err != nil {
			return "", 0, fmt.Errorf("addrutil: bad port in %q", a)
		}
		if h == "" {
			return "", 0, fmt.Errorf("addrutil: missing host in %q", a)
		}
		return h, port, nil
	}

	// Unbracketed IPv6 "addr:port": peel off the last segment only when
	// what remains is a valid address.
	if strings.Count(a, ":") > 1 {
		if last := strings.LastIndexByte(a, ':'); last > 0 && last < len(a)-1 {
			if ip, err := netip.ParseAddr(a[:last]); err == nil {
				if port, err := strconv.Atoi(a[last+1:]); err == nil {
					return ip.String(), port, nil
				}
			}
		}
		return "", 0, fmt.Errorf("addrutil: cannot parse %q", a)
	}
	return a, 0, nil
}
