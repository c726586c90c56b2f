package server

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// clientIP returns the first public address among, in order:
//  1. X-Forwarded-For entries, left to right
//  2. CloudFront-Viewer-Address ("203.0.113.55:44321", "[2001:db8::1]:443"
//     or the unbracketed "2001:db8::1:443" CloudFront sends)
//  3. RemoteAddr
//
// Returns "" when none is public. The value is only logged; identity
// always comes from the bearer token.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, part := range strings.Split(xff, ",") {
			if addr, ok := parseAddr(part); ok && isPublic(addr) {
				return addr.String()
			}
		}
	}

	if cf := r.Header.Get("CloudFront-Viewer-Address"); cf != "" {
		if addr, ok := viewerAddr(cf); ok && isPublic(addr) {
			return addr.String()
		}
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if addr, ok := parseAddr(host); ok && isPublic(addr) {
			return addr.String()
		}
	}
	return ""
}

func parseAddr(s string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// viewerAddr strips the port from a CloudFront viewer address.
func viewerAddr(s string) (netip.Addr, bool) {
	s = strings.TrimSpace(s)
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().Unmap(), true
	}
	if i := strings.LastIndexByte(s, ':'); i > 0 {
		return parseAddr(s[:i])
	}
	return parseAddr(s)
}

// isPublic is false for private, loopback, link-local and unspecified
// addresses, which are proxy hops rather than the client.
func isPublic(addr netip.Addr) bool {
	switch {
	case !addr.IsValid(), addr.IsUnspecified(), addr.IsPrivate(), addr.IsLoopback():
		return false
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return false
	}
	return true
}
