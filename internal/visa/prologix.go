package visa

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// FTDI identifiers used by Prologix GPIB-USB adapters.
const (
	prologixVID = "0403"
	prologixPID = "6001"
)

const esc = 0x1B

// prologixInit configures the adapter as controller with manual read-after-write.
var prologixInit = []string{
	"++mode 1",
	"++auto 0",
	"++eoi 1",
	"++eos 2",
	"++eot_enable 0",
	"++read_tmo_ms 3000",
}

// escapePrologix escapes bytes the adapter would otherwise interpret.
func escapePrologix(s string) []byte {
	out := make([]byte, 0, len(s)+4)
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\r', '\n', esc, '+':
			out = append(out, esc, c)
		default:
			out = append(out, c)
		}
	}
	return out
}

// PrologixBus drives GPIB instruments behind a Prologix GPIB-USB adapter.
// Board N of a GPIB address selects the Nth adapter port.
type PrologixBus struct {
	Ports     []string // serial device paths; empty enumerates FTDI adapters
	Addresses []int    // GPIB primary addresses reported by List
	BaudRate  int
}

func (b *PrologixBus) ports() ([]string, error) {
	if len(b.Ports) > 0 {
		return b.Ports, nil
	}
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("serial enumerate: %w", err)
	}
	var out []string
	for _, d := range details {
		if d.IsUSB && strings.EqualFold(d.VID, prologixVID) && strings.EqualFold(d.PID, prologixPID) {
			out = append(out, d.Name)
		}
	}
	return out, nil
}

// List reports the configured primary addresses on every adapter found. The
// GPIB bus has no enumeration, so nothing is probed.
func (b *PrologixBus) List(ctx context.Context) ([]string, error) {
	ports, err := b.ports()
	if err != nil {
		return nil, err
	}
	var out []string
	for board := range ports {
		for _, p := range b.Addresses {
			if p < 0 || p > 30 {
				continue
			}
			out = append(out, Address{Interface: InterfaceGPIB, Board: board, Primary: p, Resource: ResourceInstr}.String())
		}
	}
	return out, nil
}

// Open opens the adapter port for addr.Board and selects addr.Primary.
func (b *PrologixBus) Open(ctx context.Context, addr Address, opts Options) (Handle, error) {
	opts = opts.withDefaults()
	ports, err := b.ports()
	if err != nil {
		return nil, err
	}
	if addr.Board >= len(ports) {
		return nil, fmt.Errorf("prologix: no adapter for board %d", addr.Board)
	}
	baud := b.BaudRate
	if baud <= 0 {
		baud = 115200
	}
	port, err := serial.Open(ports[addr.Board], &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("prologix open %s: %w", ports[addr.Board], err)
	}
	h := &prologixHandle{port: port, term: opts.WriteTerminator}
	if err := h.SetTimeout(opts.Timeout); err != nil {
		port.Close()
		return nil, err
	}
	for _, cmd := range append(prologixInit, fmt.Sprintf("++addr %d", addr.Primary)) {
		if err := h.command(cmd); err != nil {
			port.Close()
			return nil, err
		}
	}
	slog.Debug("prologix adapter opened", "port", ports[addr.Board], "gpib", addr.Primary)
	return h, nil
}

type prologixHandle struct {
	port    serial.Port
	term    string
	mu      sync.Mutex
	armed   bool
	pending []byte
}

func (h *prologixHandle) command(cmd string) error {
	if _, err := h.port.Write([]byte(cmd + "\n")); err != nil {
		return fmt.Errorf("prologix %q: %w", cmd, err)
	}
	return nil
}

// WriteLine sends s to the instrument. The adapter appends the LF itself
// (++eos 2), so the terminator is implied.
func (h *prologixHandle) WriteLine(s string) error {
	s = strings.TrimSuffix(s, h.term)
	if _, err := h.port.Write(append(escapePrologix(s), '\n')); err != nil {
		return fmt.Errorf("prologix write: %w", err)
	}
	h.armed = true
	h.pending = nil
	return nil
}

// fill tells the adapter to address the instrument to talk, on first use
// after a write, then reads what is available.
func (h *prologixHandle) fill(max int) error {
	if h.armed {
		if err := h.command("++read eoi"); err != nil {
			return err
		}
		h.armed = false
	}
	buf := make([]byte, max)
	n, err := h.port.Read(buf)
	if err != nil {
		return fmt.Errorf("prologix read: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("prologix read: %w", ErrTimeout)
	}
	h.pending = append(h.pending, buf[:n]...)
	return nil
}

func (h *prologixHandle) ReadLine() (string, error) {
	for {
		if i := bytes.IndexByte(h.pending, '\n'); i >= 0 {
			line := strings.TrimRight(string(h.pending[:i]), "\r")
			h.pending = h.pending[i+1:]
			return line, nil
		}
		if err := h.fill(4096); err != nil {
			return "", err
		}
	}
}

func (h *prologixHandle) ReadBytes(max int) ([]byte, error) {
	if max <= 0 {
		return nil, errors.New("read bytes: non-positive size")
	}
	if len(h.pending) == 0 {
		if err := h.fill(max); err != nil {
			return nil, err
		}
	}
	n := min(max, len(h.pending))
	out := h.pending[:n:n]
	h.pending = h.pending[n:]
	return out, nil
}

func (h *prologixHandle) SetTimeout(d time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.port.SetReadTimeout(d); err != nil {
		return fmt.Errorf("prologix timeout: %w", err)
	}
	return nil
}

func (h *prologixHandle) Close() error {
	return h.port.Close()
}
