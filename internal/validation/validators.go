// Package validation holds the field-level format validators shared by the
// change-set validator and the API layer. Each validator is a pure function
// returning a descriptive error, so individual rules stay unit-testable.
package validation

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

var (
	// Valid identifier: alphanumeric, dash, underscore
	identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// Colon-separated MAC address, e.g. aa:bb:cc:dd:ee:ff
	macRegex = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)

	// Domain label pattern; the leading "*." wildcard is handled separately
	domainRegex = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}$`)

	// Time of day "HH:MM" (24h)
	timeOfDayRegex = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)
)

// ValidateIdentifier validates a general identifier (rule ids, catalog ids).
func ValidateIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(id) > 255 {
		return fmt.Errorf("identifier too long (max 255 characters)")
	}
	if !identifierRegex.MatchString(id) {
		return fmt.Errorf("invalid identifier: %s (must be alphanumeric with -_)", id)
	}
	return nil
}

// ValidateMAC validates a colon-separated MAC address.
func ValidateMAC(mac string) error {
	if mac == "" {
		return fmt.Errorf("MAC address cannot be empty")
	}
	if !macRegex.MatchString(mac) {
		return fmt.Errorf("invalid MAC address: %s", mac)
	}
	return nil
}

// ValidateIP validates an IP address (v4 or v6).
func ValidateIP(s string) error {
	if net.ParseIP(s) == nil {
		return fmt.Errorf("invalid IP address: %s", s)
	}
	return nil
}

// ValidateIPOrCIDR validates an IP address or CIDR range.
func ValidateIPOrCIDR(s string) error {
	if s == "" {
		return fmt.Errorf("IP/CIDR cannot be empty")
	}
	if strings.Contains(s, "/") {
		_, _, err := net.ParseCIDR(s)
		if err != nil {
			return fmt.Errorf("invalid CIDR: %w", err)
		}
		return nil
	}
	if net.ParseIP(s) == nil {
		return fmt.Errorf("invalid IP address: %s", s)
	}
	return nil
}

// ValidateVLAN validates a VLAN ID (1-4094, 4095 is reserved).
func ValidateVLAN(vlan int) error {
	if vlan < 1 || vlan > 4094 {
		return fmt.Errorf("VLAN must be between 1 and 4094, got %d", vlan)
	}
	return nil
}

// ValidatePortNumber validates a port number.
func ValidatePortNumber(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port number: %d (must be 1-65535)", port)
	}
	return nil
}

// ParsePortSpec parses a port spec: a single port ("443") or an
// inclusive range ("10000-20000"). Bounds are 1-65535 with start <= end.
func ParsePortSpec(s string) (start, end int, err error) {
	if s == "" {
		return 0, 0, fmt.Errorf("port spec cannot be empty")
	}
	if lo, hi, ok := strings.Cut(s, "-"); ok {
		start, err = strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return 0, 0, fmt.Errorf("invalid port range start: %s", lo)
		}
		end, err = strconv.Atoi(strings.TrimSpace(hi))
		if err != nil {
			return 0, 0, fmt.Errorf("invalid port range end: %s", hi)
		}
	} else {
		start, err = strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return 0, 0, fmt.Errorf("invalid port: %s", s)
		}
		end = start
	}
	if err := ValidatePortNumber(start); err != nil {
		return 0, 0, err
	}
	if err := ValidatePortNumber(end); err != nil {
		return 0, 0, err
	}
	if start > end {
		return 0, 0, fmt.Errorf("port range start %d greater than end %d", start, end)
	}
	return start, end, nil
}

// ValidateProtocol validates a protocol or application-protocol name.
func ValidateProtocol(proto string) error {
	validProtocols := []string{
		"tcp", "udp", "icmp", "icmpv6", "gre", "esp",
		"http", "https", "quic", "dns", "sip", "rtp", "ssh", "all",
	}
	proto = strings.ToLower(proto)

	for _, valid := range validProtocols {
		if proto == valid {
			return nil
		}
	}

	return fmt.Errorf("invalid protocol: %s (must be one of: %s)", proto, strings.Join(validProtocols, ", "))
}

// ValidateDomainPattern validates an exact domain or a "*.example.com"
// style wildcard pattern.
func ValidateDomainPattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("domain pattern cannot be empty")
	}
	d := pattern
	if strings.HasPrefix(d, "*.") {
		d = d[2:]
	} else if strings.Contains(d, "*") {
		return fmt.Errorf("wildcard only allowed as leading \"*.\": %s", pattern)
	}
	if !domainRegex.MatchString(d) {
		return fmt.Errorf("invalid domain: %s", pattern)
	}
	return nil
}

// ValidateTimeOfDay validates an "HH:MM" 24h time string.
func ValidateTimeOfDay(s string) error {
	if !timeOfDayRegex.MatchString(s) {
		return fmt.Errorf("invalid time of day: %s (expected HH:MM)", s)
	}
	return nil
}

// ValidateAllowlist checks if a value is in an allowed list.
func ValidateAllowlist(value string, allowed []string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("value not in allowlist: %s", value)
}
