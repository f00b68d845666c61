package util

import (
	"net"
	"strconv"
)

// DiscoverAddrs expands the bind address into the concrete host:port pairs
// clients on the LAN can reach. A wildcard bind is resolved against the
// machine's non-link-local IPv4 interfaces.
func DiscoverAddrs(bind string, port int) []string {
	p := strconv.Itoa(port)
	ip := net.ParseIP(bind)
	if bind != "" && (ip == nil || !ip.IsUnspecified()) {
		return []string{net.JoinHostPort(bind, p)}
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return []string{net.JoinHostPort("127.0.0.1", p)}
	}
	var out []string
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok || ipn.IP.To4() == nil || ipn.IP.IsLinkLocalUnicast() {
			continue
		}
		out = append(out, net.JoinHostPort(ipn.IP.String(), p))
	}
	if len(out) == 0 {
		out = append(out, net.JoinHostPort("127.0.0.1", p))
	}
	return out
}
