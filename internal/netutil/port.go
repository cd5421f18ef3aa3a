// Package netutil binds the HTTP controller to the first free address.
package netutil

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
)

// ErrNoAddress is returned when neither the preferred address nor any
// candidate could be bound.
var ErrNoAddress = errors.New("no available controller bind addresses")

// listen is swapped in tests.
var listen = func(addr string) (net.Listener, error) { return net.Listen("tcp", addr) }

// Listen binds preferred, or the first bindable candidate when autoFallback
// is set. The returned listener is already open, so the address cannot be
// taken between choosing it and serving on it.
func Listen(preferred string, candidates []string, autoFallback bool) (net.Listener, error) {
	if preferred != "" {
		ln, err := listen(preferred)
		if err == nil {
			return ln, nil
		}
		if !autoFallback {
			return nil, fmt.Errorf("preferred bind address %s unavailable: %w", preferred, err)
		}
		slog.Warn("controller bind address unavailable, trying fallbacks", "addr", preferred, "error", err)
	}

	var errs []error
	for _, addr := range candidates {
		if addr == "" || addr == preferred {
			continue
		}
		ln, err := listen(addr)
		if err == nil {
			slog.Info("controller using fallback bind address", "addr", addr)
			return ln, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", addr, err))
	}
	if len(errs) == 0 {
		return nil, ErrNoAddress
	}
	return nil, fmt.Errorf("%w: %w", ErrNoAddress, errors.Join(errs...))
}

// IsAddrAvailable reports whether addr can currently be listened on.
func IsAddrAvailable(addr string) bool {
	ln, err := listen(addr)
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
