// Package netutil picks the listen address for the warden's HTTP
// server. The chosen address is baked into the warning page URL handed
// to the browser, so selection happens once, before anything else is
// wired.
package netutil

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// SelectBindAddr returns the first address the warden can listen on.
// The preferred address wins when free; with autoFallback the fallback
// candidates are probed in order, skipping a duplicate of the
// preferred address. Without autoFallback a busy preferred address is
// an error rather than a silent port change, since the interstitial
// URL derives from it.
func SelectBindAddr(preferred string, fallbacks []string, autoFallback bool) (string, error) {
	var busy []string

	if preferred != "" {
		free, err := IsAddrAvailable(preferred)
		if err != nil {
			return "", fmt.Errorf("probe %s: %w", preferred, err)
		}
		if free {
			return preferred, nil
		}
		if !autoFallback {
			return "", fmt.Errorf("bind address %s is in use and fallback is disabled", preferred)
		}
		busy = append(busy, preferred)
	}

	for _, addr := range fallbacks {
		if addr == preferred {
			continue
		}
		free, err := IsAddrAvailable(addr)
		if err != nil {
			return "", fmt.Errorf("probe %s: %w", addr, err)
		}
		if free {
			return addr, nil
		}
		busy = append(busy, addr)
	}

	if len(busy) == 0 {
		return "", errors.New("no bind address configured")
	}
	return "", fmt.Errorf("all bind addresses in use: %s", strings.Join(busy, ", "))
}

// IsAddrAvailable reports whether the address can be listened on right
// now. A listen failure means busy, not an error; only a failure to
// release the probe listener is reported.
func IsAddrAvailable(addr string) (bool, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return false, nil
	}
	if closeErr := ln.Close(); closeErr != nil {
		return false, closeErr
	}
	return true, nil
}
