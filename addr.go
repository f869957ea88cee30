package parley

import "strings"

// SplitAddress guesses the network type for a dial or listen address, so
// that callers can accept either a TCP address or a socket path without
// flagging which. An address of the form [host]:port whose port looks like a
// number or service name is "tcp"; anything else, including paths and
// addresses with an empty or malformed port, is "unix". The address is
// returned unmodified and is not checked for validity.
func SplitAddress(s string) (network, address string) {
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		host, port := s[:i], s[i+1:]
		if isPortName(port) && !strings.Contains(host, "/") {
			return "tcp", s
		}
	}
	return "unix", s
}

// isPortName reports whether s is a plausible port: a nonempty string of
// ASCII letters, digits, and "-".
func isPortName(s string) bool {
	if s == "" {
		return false
	}
	for _, b := range s {
		if b >= '0' && b <= '9' || b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z' || b == '-' {
			continue
		}
		return false
	}
	return true
}
