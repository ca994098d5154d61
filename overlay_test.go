package netsync

import (
	"errors"
	"net"
	"testing"
)

func ipNet(s string) net.Addr {
	ip, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	n.IP = ip
	return n
}

func TestPickOverlayAddr(t *testing.T) {
	lo := ifaceAddrs{name: "lo", up: true, addrs: []net.Addr{ipNet("127.0.0.1/8")}}
	eth := ifaceAddrs{name: "eth0", up: true, addrs: []net.Addr{ipNet("fe80::1/64"), ipNet("192.168.1.5/24")}}
	zt := ifaceAddrs{name: "ztabc123", up: true, addrs: []net.Addr{ipNet("169.254.3.3/16"), ipNet("10.147.20.11/24")}}
	ztDown := ifaceAddrs{name: "ztdead", addrs: []net.Addr{ipNet("10.147.30.1/24")}}

	tests := []struct {
		name   string
		ifs    []ifaceAddrs
		prefix string
		want   string
	}{
		{"overlay wins", []ifaceAddrs{lo, eth, zt}, "zt", "10.147.20.11"},
		{"down overlay skipped", []ifaceAddrs{ztDown, eth}, "zt", "192.168.1.5"},
		{"no prefix", []ifaceAddrs{lo, zt, eth}, "", "10.147.20.11"},
		{"other prefix", []ifaceAddrs{eth, zt}, "wg", "192.168.1.5"},
	}
	for _, tt := range tests {
		ip, err := pickOverlayAddr(tt.ifs, tt.prefix)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if ip.String() != tt.want {
			t.Fatalf("%s: ip = %s, want %s", tt.name, ip, tt.want)
		}
	}

	if _, err := pickOverlayAddr([]ifaceAddrs{lo, ztDown}, "zt"); !errors.Is(err, ErrNoOverlayAddr) {
		t.Fatalf("err = %v, want ErrNoOverlayAddr", err)
	}
}
