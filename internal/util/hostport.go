package util

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// ParseHostPort splits "host:port" and validates the port range.
func ParseHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "", 0, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in address %q", addr)
	}
	return host, port, nil
}

// IsTCPOpen reports whether a TCP connect to addr succeeds within timeout.
func IsTCPOpen(addr string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	defer conn.Close()
	return true
}
