package netutil

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"syscall"
)

// ErrAddrInUse is returned when no usable bind address is free.
var ErrAddrInUse = errors.New("bind address in use")

// Candidates returns count consecutive host:port addresses starting at port.
func Candidates(host string, port, count int) []string {
	out := make([]string, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, net.JoinHostPort(host, strconv.Itoa(port+i)))
	}
	return out
}

// SelectBindAddr returns preferred when it is free. Otherwise, with
// fallback enabled, it returns the first free address in candidates.
// Malformed addresses fail immediately instead of being skipped.
func SelectBindAddr(preferred string, candidates []string, fallback bool) (string, error) {
	tried := make(map[string]bool, len(candidates)+1)
	order := candidates
	if preferred != "" {
		order = append([]string{preferred}, candidates...)
	}
	for i, addr := range order {
		if tried[addr] {
			continue
		}
		tried[addr] = true
		free, err := IsAddrAvailable(addr)
		if err != nil {
			return "", err
		}
		if free {
			if i > 0 && preferred != "" {
				slog.Warn("preferred bind address busy, falling back", "preferred", preferred, "addr", addr)
			}
			return addr, nil
		}
		if addr == preferred && !fallback {
			return "", fmt.Errorf("%w: %s", ErrAddrInUse, preferred)
		}
	}
	return "", fmt.Errorf("%w: tried %d addresses", ErrAddrInUse, len(tried))
}

// IsAddrAvailable reports whether addr can be listened on. Only an
// address-in-use or permission failure counts as unavailable; other
// listen errors are returned.
func IsAddrAvailable(addr string) (bool, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return false, fmt.Errorf("invalid bind address %q: %w", addr, err)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) || errors.Is(err, syscall.EACCES) {
			return false, nil
		}
		return false, fmt.Errorf("probe %s: %w", addr, err)
	}
	return true, ln.Close()
}
