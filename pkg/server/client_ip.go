package server

import (
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// proxyMatcher matches trusted reverse proxies by address or prefix.
type proxyMatcher struct {
	addrs    map[netip.Addr]struct{}
	prefixes []netip.Prefix
}

func newProxyMatcher(entries []string, logger *slog.Logger) *proxyMatcher {
	m := &proxyMatcher{addrs: make(map[netip.Addr]struct{})}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				if logger != nil {
					logger.Warn("invalid trusted proxy CIDR", "entry", entry, "error", err)
				}
				continue
			}
			m.prefixes = append(m.prefixes, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(entry)
		if err != nil {
			if logger != nil {
				logger.Warn("invalid trusted proxy IP", "entry", entry)
			}
			continue
		}
		m.addrs[a.Unmap()] = struct{}{}
	}
	if len(m.addrs) == 0 && len(m.prefixes) == 0 {
		return nil
	}
	return m
}

func (m *proxyMatcher) IsTrusted(a netip.Addr) bool {
	if m == nil || !a.IsValid() {
		return false
	}
	a = a.Unmap()
	if _, ok := m.addrs[a]; ok {
		return true
	}
	for _, p := range m.prefixes {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

func (s *Server) clientIP(r *http.Request) string {
	a := clientIPFromRequest(r, s.trustedProxies)
	if !a.IsValid() {
		return ""
	}
	return a.String()
}

// clientIPFromRequest returns the peer address, or when the peer is a trusted
// proxy the right-most forwarded address that is not itself trusted.
func clientIPFromRequest(r *http.Request, trusted *proxyMatcher) netip.Addr {
	remote := parseHostAddr(r.RemoteAddr)
	if !remote.IsValid() || !trusted.IsTrusted(remote) {
		return remote
	}

	forwarded := parseForwardedFor(r.Header.Get("Forwarded"))
	if len(forwarded) == 0 {
		forwarded = parseXForwardedFor(r.Header.Get("X-Forwarded-For"))
	}
	if len(forwarded) == 0 {
		return remote
	}
	for i := len(forwarded) - 1; i >= 0; i-- {
		if !trusted.IsTrusted(forwarded[i]) {
			return forwarded[i]
		}
	}
	return forwarded[0]
}

func parseForwardedFor(header string) []netip.Addr {
	var out []netip.Addr
	for _, element := range strings.Split(header, ",") {
		for _, pair := range strings.Split(element, ";") {
			key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if !ok || !strings.EqualFold(strings.TrimSpace(key), "for") {
				continue
			}
			if a := parseHostAddr(value); a.IsValid() {
				out = append(out, a)
			}
		}
	}
	return out
}

func parseXForwardedFor(header string) []netip.Addr {
	var out []netip.Addr
	for _, part := range strings.Split(header, ",") {
		if a := parseHostAddr(part); a.IsValid() {
			out = append(out, a)
		}
	}
	return out
}

// parseHostAddr accepts "ip", "ip:port", "[v6]:port" and quoted variants.
func parseHostAddr(value string) netip.Addr {
	value = strings.Trim(strings.TrimSpace(value), "\"")
	if value == "" || strings.EqualFold(value, "unknown") {
		return netip.Addr{}
	}
	host := value
	if h, _, err := net.SplitHostPort(value); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if zone := strings.IndexByte(host, '%'); zone != -1 {
		host = host[:zone]
	}
	a, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}
	}
	return a.Unmap()
}
