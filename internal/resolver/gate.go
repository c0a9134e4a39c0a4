package resolver

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ValidateHost checks a proposed STUN server host setting. An empty or
// whitespace-only value is accepted: it means STUN is being turned off. A
// value starting with '[' must be a bracketed IPv6 literal; otherwise every
// character must be alphanumeric or a separator consistent with the detected
// address family ('.' for hostnames and IPv4 literals, ':' only inside a
// bracketed IPv6 literal).
//
// ValidateHost is a pure function with no side effects; accepting a value
// never reconfigures a resolver. Only an explicit Start call re-reads
// configuration, because a host change cannot tell whether a companion port
// change is about to follow.
func ValidateHost(host string) error {
	if strings.TrimSpace(host) == "" {
		return nil
	}

	ipv6Expected := false
	if host[0] == '[' {
		if len(host) > 2 && host[len(host)-1] == ']' {
			host = host[1 : len(host)-1]
			ipv6Expected = true
		} else {
			return fmt.Errorf("resolver: invalid address string %q", host)
		}
	}

	for _, c := range host {
		if unicode.IsLetter(c) || unicode.IsDigit(c) {
			continue
		}
		if (c != '.' && c != ':') ||
			(c == '.' && ipv6Expected) ||
			(c == ':' && !ipv6Expected) {
			return fmt.Errorf("resolver: %q is not a valid address nor host name", host)
		}
	}
	return nil
}

// ValidatePort checks a proposed STUN server port setting. An empty or
// whitespace-only value is accepted (STUN off); anything else must parse as
// an integer in [1,65535].
func ValidatePort(port string) error {
	if strings.TrimSpace(port) == "" {
		return nil
	}

	n, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("resolver: %q is not a valid port", port)
	}
	if n < 1 || n > 65535 {
		return fmt.Errorf("resolver: port %d out of range [1,65535]", n)
	}
	return nil
}
