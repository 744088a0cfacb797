package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ParseEndpoint validates a host:port string and returns it in canonical
// form. An empty (or all-whitespace) string means the feature is disabled and
// yields "" with no error. The host may be empty (all interfaces when
// listening) or a name resolved at dial time; the port must be numeric.
func ParseEndpoint(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", s, err)
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return "", fmt.Errorf("invalid port in %q", s)
	}
	if strings.ContainsAny(host, " \t/") {
		return "", fmt.Errorf("invalid host in %q", s)
	}
	return net.JoinHostPort(host, strconv.FormatUint(p, 10)), nil
}
