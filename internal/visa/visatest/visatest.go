// Package visatest provides an in-memory instrument for exercising SCPI code
// without hardware.
package visatest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mzyy94/scopecap/internal/visa"
)

// ErrClosed is returned by a Device after Close.
var ErrClosed = errors.New("visatest: device closed")

// Device is a scripted instrument implementing visa.Handle.
//
// A command whose first token ends in '?' is a query. Its reply comes from
// Raw (verbatim bytes), then Responses (one line), then State keyed by the
// header without '?'. Any other command "HEADER VALUE" stores VALUE in State.
// Reads with nothing queued fail with visa.ErrTimeout.
type Device struct {
	mu sync.Mutex

	Responses map[string]string
	Raw       map[string][]byte
	State     map[string]string
	Fail      map[string]error // keyed by full command or header
	MaxRead   int              // caps each ReadBytes result when > 0

	// Hook runs before each write is interpreted; a non-nil error fails it.
	Hook func(d *Device, cmd string) error

	Writes  []string
	Timeout time.Duration
	Closed  bool

	out []byte
}

// NewDevice returns an empty Device.
func NewDevice() *Device {
	return &Device{
		Responses: make(map[string]string),
		Raw:       make(map[string][]byte),
		State:     make(map[string]string),
		Fail:      make(map[string]error),
	}
}

// Queue appends b to the pending output.
func (d *Device) Queue(b []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.out = append(d.out, b...)
}

// Written returns a copy of every command written so far.
func (d *Device) Written() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.Writes...)
}

// Get returns the stored value for header.
func (d *Device) Get(header string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.State[header]
}

func splitCommand(cmd string) (header, value string) {
	header, value, _ = strings.Cut(strings.TrimSpace(cmd), " ")
	return header, strings.TrimSpace(value)
}

func (d *Device) WriteLine(cmd string) error {
	if hook := d.Hook; hook != nil {
		if err := hook(d, cmd); err != nil {
			return err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Closed {
		return ErrClosed
	}
	d.Writes = append(d.Writes, cmd)

	header, value := splitCommand(cmd)
	if err, ok := d.Fail[cmd]; ok {
		return err
	}
	if err, ok := d.Fail[header]; ok {
		return err
	}
	if strings.HasSuffix(header, "?") {
		switch {
		case d.Raw[cmd] != nil:
			d.out = append(d.out, d.Raw[cmd]...)
		case d.Responses[cmd] != "":
			d.out = append(d.out, d.Responses[cmd]+"\n"...)
		default:
			if v, ok := d.State[strings.TrimSuffix(header, "?")]; ok {
				d.out = append(d.out, v+"\n"...)
			}
		}
		return nil
	}
	d.State[header] = value
	return nil
}

func (d *Device) ReadLine() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Closed {
		return "", ErrClosed
	}
	if len(d.out) == 0 {
		return "", fmt.Errorf("visatest read line: %w", visa.ErrTimeout)
	}
	i := bytes.IndexByte(d.out, '\n')
	if i < 0 {
		line := string(d.out)
		d.out = nil
		return line, nil
	}
	line := string(d.out[:i])
	d.out = d.out[i+1:]
	return line, nil
}

func (d *Device) ReadBytes(max int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Closed {
		return nil, ErrClosed
	}
	if len(d.out) == 0 {
		return nil, fmt.Errorf("visatest read bytes: %w", visa.ErrTimeout)
	}
	n := min(max, len(d.out))
	if d.MaxRead > 0 {
		n = min(n, d.MaxRead)
	}
	b := append([]byte(nil), d.out[:n]...)
	d.out = d.out[n:]
	return b, nil
}

func (d *Device) SetTimeout(t time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Timeout = t
	return nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Closed = true
	return nil
}

// Bus is a visa.Bus serving Devices by canonical address.
type Bus struct {
	Addresses []string
	Devices   map[string]*Device
	ListErr   error
	OpenErr   error

	mu    sync.Mutex
	Opens []string
}

// Add registers dev under address and lists it.
func (b *Bus) Add(address string, dev *Device) {
	if b.Devices == nil {
		b.Devices = make(map[string]*Device)
	}
	b.Addresses = append(b.Addresses, address)
	if a, err := visa.ParseAddress(address); err == nil {
		address = a.String()
	}
	b.Devices[address] = dev
}

func (b *Bus) List(ctx context.Context) ([]string, error) {
	if b.ListErr != nil {
		return nil, b.ListErr
	}
	return append([]string(nil), b.Addresses...), nil
}

func (b *Bus) Open(ctx context.Context, addr visa.Address, opts visa.Options) (visa.Handle, error) {
	b.mu.Lock()
	b.Opens = append(b.Opens, addr.String())
	b.mu.Unlock()
	if b.OpenErr != nil {
		return nil, b.OpenErr
	}
	dev, ok := b.Devices[addr.String()]
	if !ok {
		return nil, fmt.Errorf("visatest: no device at %s", addr)
	}
	dev.mu.Lock()
	dev.Closed = false
	dev.Timeout = opts.Timeout
	dev.mu.Unlock()
	return dev, nil
}

// Manager returns a visa.Manager with b registered for every interface.
func (b *Bus) Manager() *visa.Manager {
	m := visa.NewManager()
	m.Register(visa.InterfaceUSB, b)
	m.Register(visa.InterfaceTCPIP, b)
	m.Register(visa.InterfaceGPIB, b)
	return m
}
