package scpi

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"

	"github.com/mzyy94/scopecap/internal/visa"
)

// Lister enumerates transport addresses. *visa.Manager implements it.
type Lister interface {
	List(ctx context.Context) ([]string, error)
}

// ScopeVendors maps USB vendor ids of oscilloscope manufacturers, used when
// the hint matches nothing.
var ScopeVendors = map[uint16]string{
	0x0957: "Agilent",
	0x2A8D: "Keysight",
	0x1AB1: "Rigol",
	0x0699: "Tektronix",
	0xF4EC: "Siglent",
	0xF4ED: "Siglent",
}

// Discover lists every address and selects one with MatchAddress.
func Discover(ctx context.Context, lister Lister, hint string) (string, error) {
	addrs, err := lister.List(ctx)
	if err != nil {
		return "", &DiscoveryError{Hint: hint, Err: err}
	}
	return MatchAddress(addrs, hint)
}

// MatchAddress returns the first address, in lexicographic order, containing
// hint. When none does it falls back to the first USB address from a known
// oscilloscope vendor. Extra hint matches are logged, not treated as errors.
func MatchAddress(addrs []string, hint string) (string, error) {
	sorted := append([]string(nil), addrs...)
	sort.Strings(sorted)

	if hint != "" {
		var matches []string
		for _, a := range sorted {
			if strings.Contains(a, hint) {
				matches = append(matches, a)
			}
		}
		if len(matches) > 0 {
			if len(matches) > 1 {
				slog.Warn("several instruments match hint, using first", "hint", hint, "addr", matches[0], "others", matches[1:])
			}
			return matches[0], nil
		}
	}

	for _, a := range sorted {
		addr, err := visa.ParseAddress(a)
		if err != nil || addr.Interface != visa.InterfaceUSB {
			continue
		}
		if vendor, ok := ScopeVendors[addr.Vendor]; ok {
			slog.Info("no address matched hint, using vendor match", "hint", hint, "vendor", vendor, "addr", a)
			return a, nil
		}
	}
	return "", &DiscoveryError{Hint: hint, Addresses: sorted, Err: errors.New("no address matched")}
}
