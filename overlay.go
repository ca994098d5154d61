package netsync

import (
	"errors"
	"net"
	"strings"
)

var ErrNoOverlayAddr = errors.New("no usable overlay address")

// ifaceAddrs is a narrow view of net.Interface for testing
type ifaceAddrs struct {
	name  string
	up    bool
	addrs []net.Addr
}

func systemInterfaces() ([]ifaceAddrs, error) {
	ifs, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	r := make([]ifaceAddrs, 0, len(ifs))
	for _, ifc := range ifs {
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		r = append(r, ifaceAddrs{
			name:  ifc.Name,
			up:    ifc.Flags&net.FlagUp != 0,
			addrs: addrs,
		})
	}

	return r, nil
}

func firstIPv4(addrs []net.Addr) net.IP {
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipn.IP.To4()
		if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
			continue
		}
		return ip
	}

	return nil
}

func pickOverlayAddr(ifs []ifaceAddrs, prefix string) (net.IP, error) {
	var fallback net.IP
	for _, ifc := range ifs {
		if !ifc.up {
			continue
		}
		ip := firstIPv4(ifc.addrs)
		if ip == nil {
			continue
		}
		if prefix != "" && strings.HasPrefix(ifc.name, prefix) {
			return ip, nil
		}
		if fallback == nil {
			fallback = ip
		}
	}

	if fallback == nil {
		return nil, ErrNoOverlayAddr
	}
	return fallback, nil
}

// OverlayAddr returns the IPv4 address of the first interface whose name
// starts with prefix (ZeroTier interfaces are named zt*).
// Without such an interface the first non-loopback address is used.
func OverlayAddr(prefix string) (net.IP, error) {
	ifs, err := systemInterfaces()
	if err != nil {
		return nil, err
	}

	return pickOverlayAddr(ifs, prefix)
}
