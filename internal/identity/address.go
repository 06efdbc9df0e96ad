package identity

import (
	"net"
	"net/netip"
	"strings"
)

// NormalizeAddress reduces a client address to a stable form so the same
// caller always maps to one throttle key. It takes the first hop of a
// forwarded chain, drops any port, brackets and zone, and unmaps
// IPv4-mapped IPv6 addresses. Unparseable input is returned trimmed.
func NormalizeAddress(raw string) string {
	addr := strings.TrimSpace(raw)
	if i := strings.IndexByte(addr, ','); i >= 0 {
		addr = strings.TrimSpace(addr[:i])
	}
	if addr == "" {
		return ""
	}

	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	addr = strings.TrimSuffix(strings.TrimPrefix(addr, "["), "]")

	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return strings.ToLower(addr)
	}

	return ip.Unmap().WithZone("").String()
}
