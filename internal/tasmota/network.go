package tasmota

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	DefaultRangeStart = 1
	DefaultRangeEnd   = 254
)

var (
	ipv4Pattern   = regexp.MustCompile(`^((25[0-5]|2[0-4]\d|[01]?\d\d?)\.){3}(25[0-5]|2[0-4]\d|[01]?\d\d?)$`)
	schemePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://`)
	portPattern   = regexp.MustCompile(`:\d+$`)
)

// NormalizeIPAddress strips a scheme prefix, a path suffix and a port
// suffix from a user supplied host string
func NormalizeIPAddress(input string) string {
	s := strings.TrimSpace(input)
	s = schemePattern.ReplaceAllString(s, "")
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	return portPattern.ReplaceAllString(s, "")
}

// IsValidIPAddress reports whether ip is a dotted-quad IPv4 address
func IsValidIPAddress(ip string) bool {
	return ipv4Pattern.MatchString(ip)
}

// GenerateIPRange returns the addresses base.start..base.end of the /24
// network containing baseIP
func GenerateIPRange(baseIP string, start, end int) ([]string, error) {
	if !IsValidIPAddress(baseIP) {
		return nil, ValidationError(fmt.Sprintf("invalid base IP address %q", baseIP))
	}
	if start < 0 || end > 255 || start > end {
		return nil, ValidationError(fmt.Sprintf("invalid octet range %d-%d", start, end))
	}

	prefix := baseIP[:strings.LastIndex(baseIP, ".")+1]
	ips := make([]string, 0, end-start+1)
	for i := start; i <= end; i++ {
		ips = append(ips, prefix+strconv.Itoa(i))
	}
	return ips, nil
}

// hostnamePattern follows RFC 1123 labels
var hostnamePattern = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)(\.([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?))*$`)

func isValidHost(host string) bool {
	if host == "" || len(host) > 253 {
		return false
	}
	if IsValidIPAddress(host) {
		return true
	}
	// all-numeric dotted strings that are not IPv4 are malformed addresses
	if strings.Trim(host, "0123456789.") == "" {
		return false
	}
	return hostnamePattern.MatchString(host)
}
