// Package visa provides the byte-stream transports a SCPI session runs on:
// raw TCP sockets, USBTMC and Prologix GPIB adapters, plus a Manager that
// routes resource addresses to the right bus.
package visa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// ErrTimeout is wrapped by every transport read or write that ran out of time.
var ErrTimeout = errors.New("visa: timeout")

// Default transport settings.
const (
	DefaultTimeout         = 30 * time.Second
	DefaultWriteTerminator = "\n"
)

// Options configures a handle at open time.
type Options struct {
	Timeout         time.Duration
	WriteTerminator string
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.WriteTerminator == "" {
		o.WriteTerminator = DefaultWriteTerminator
	}
	return o
}

// Handle is an open byte stream to one instrument.
//
// WriteLine appends the write terminator. ReadLine returns one response line
// without its '\n'. ReadBytes returns between 1 and max raw bytes and never
// interprets terminators, so it is safe for binary payloads.
type Handle interface {
	WriteLine(s string) error
	ReadLine() (string, error)
	ReadBytes(max int) ([]byte, error)
	SetTimeout(d time.Duration) error
	Close() error
}

// Bus enumerates and opens resources of one interface type.
type Bus interface {
	List(ctx context.Context) ([]string, error)
	Open(ctx context.Context, addr Address, opts Options) (Handle, error)
}

// Manager routes addresses to registered buses by interface type.
type Manager struct {
	buses map[Interface]Bus
	order []Interface
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{buses: make(map[Interface]Bus)}
}

// Register attaches a bus for the given interface, replacing any previous one.
func (m *Manager) Register(iface Interface, b Bus) {
	if _, ok := m.buses[iface]; !ok {
		m.order = append(m.order, iface)
	}
	m.buses[iface] = b
}

// List returns the addresses of every registered bus, sorted and de-duplicated.
// A failing bus is logged and skipped so one missing driver does not hide the
// others.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	var errs []error
	for _, iface := range m.order {
		addrs, err := m.buses[iface].List(ctx)
		if err != nil {
			slog.Debug("bus enumeration failed", "bus", iface, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", iface, err))
			continue
		}
		for _, a := range addrs {
			if !seen[a] {
				seen[a] = true
				out = append(out, a)
			}
		}
	}
	sort.Strings(out)
	if len(out) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// Open parses address and opens it on the matching bus.
func (m *Manager) Open(ctx context.Context, address string, opts Options) (Handle, error) {
	addr, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	b, ok := m.buses[addr.Interface]
	if !ok {
		return nil, fmt.Errorf("visa: no bus registered for %s", addr.Interface)
	}
	return b.Open(ctx, addr, opts.withDefaults())
}
