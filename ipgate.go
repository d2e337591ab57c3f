package grantry

import (
	"net/netip"
	"strings"
)

// MatchIP reports whether addr satisfies any of the restriction patterns.
// An empty pattern list admits every address.
//
// Supported patterns:
//
//	10.0.0.5              exact address
//	10.0.0.0/8            CIDR prefix
//	10.0.*                trailing wildcard over IPv4 octets
//	10.0.0.1-10.0.0.9     inclusive range
//
// Patterns that do not parse never match.
func MatchIP(patterns []string, addr netip.Addr) bool {
	if len(patterns) == 0 {
		return true
	}
	if !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	for _, p := range patterns {
		if matchPattern(strings.TrimSpace(p), addr) {
			return true
		}
	}
	return false
}

func matchPattern(p string, addr netip.Addr) bool {
	switch {
	case p == "":
		return false
	case strings.Contains(p, "/"):
		prefix, err := netip.ParsePrefix(p)
		if err != nil {
			return false
		}
		return prefix.Contains(addr)
	case strings.Contains(p, "-"):
		lo, hi, ok := strings.Cut(p, "-")
		if !ok {
			return false
		}
		from, err := netip.ParseAddr(strings.TrimSpace(lo))
		if err != nil {
			return false
		}
		to, err := netip.ParseAddr(strings.TrimSpace(hi))
		if err != nil {
			return false
		}
		return from.Compare(addr) <= 0 && addr.Compare(to) <= 0
	case strings.HasSuffix(p, "*"):
		if !addr.Is4() {
			return false
		}
		return strings.HasPrefix(addr.String(), strings.TrimSuffix(p, "*"))
	default:
		exact, err := netip.ParseAddr(p)
		if err != nil {
			return false
		}
		return exact.Unmap() == addr
	}
}

// ValidIPPattern reports whether p is a pattern MatchIP understands.
func ValidIPPattern(p string) bool {
	p = strings.TrimSpace(p)
	switch {
	case p == "":
		return false
	case strings.Contains(p, "/"):
		_, err := netip.ParsePrefix(p)
		return err == nil
	case strings.Contains(p, "-"):
		lo, hi, _ := strings.Cut(p, "-")
		from, err := netip.ParseAddr(strings.TrimSpace(lo))
		if err != nil {
			return false
		}
		to, err := netip.ParseAddr(strings.TrimSpace(hi))
		return err == nil && from.Compare(to) <= 0
	case strings.HasSuffix(p, "*"):
		head := strings.TrimSuffix(p, "*")
		if head == "" || strings.Count(head, ".") > 3 {
			return false
		}
		for _, r := range head {
			if r != '.' && (r < '0' || r > '9') {
				return false
			}
		}
		return true
	default:
		_, err := netip.ParseAddr(p)
		return err == nil
	}
}
