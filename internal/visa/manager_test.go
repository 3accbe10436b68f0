package visa

import (
	"context"
	"errors"
	"testing"
)

type stubBus struct {
	addrs  []string
	err    error
	opened []Address
}

func (b *stubBus) List(ctx context.Context) ([]string, error) { return b.addrs, b.err }

func (b *stubBus) Open(ctx context.Context, addr Address, opts Options) (Handle, error) {
	b.opened = append(b.opened, addr)
	return nil, errors.New("stub")
}

func TestManager_ListMergesSortedUnique(t *testing.T) {
	m := NewManager()
	m.Register(InterfaceUSB, &stubBus{addrs: []string{"USB0::0x0957::0x17BC::B::INSTR", "USB0::0x0957::0x17BC::A::INSTR"}})
	m.Register(InterfaceTCPIP, &stubBus{addrs: []string{"TCPIP0::10.0.0.5::INSTR", "USB0::0x0957::0x17BC::A::INSTR"}})
	m.Register(InterfaceGPIB, &stubBus{err: errors.New("no adapter")})

	got, err := m.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"TCPIP0::10.0.0.5::INSTR",
		"USB0::0x0957::0x17BC::A::INSTR",
		"USB0::0x0957::0x17BC::B::INSTR",
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestManager_ListAllFailing(t *testing.T) {
	m := NewManager()
	m.Register(InterfaceUSB, &stubBus{err: errors.New("libusb missing")})
	if _, err := m.List(context.Background()); err == nil {
		t.Error("List succeeded with every bus failing")
	}
}

func TestManager_OpenRoutesByInterface(t *testing.T) {
	usb, tcp := &stubBus{}, &stubBus{}
	m := NewManager()
	m.Register(InterfaceUSB, usb)
	m.Register(InterfaceTCPIP, tcp)

	m.Open(context.Background(), "TCPIP0::10.0.0.5::INSTR", Options{})
	if len(tcp.opened) != 1 || len(usb.opened) != 0 {
		t.Fatalf("tcp opened %d, usb opened %d", len(tcp.opened), len(usb.opened))
	}
	if tcp.opened[0].Host != "10.0.0.5" {
		t.Errorf("host = %q", tcp.opened[0].Host)
	}

	if _, err := m.Open(context.Background(), "GPIB0::7::INSTR", Options{}); err == nil {
		t.Error("Open on unregistered bus succeeded")
	}
	if _, err := m.Open(context.Background(), "nonsense", Options{}); err == nil {
		t.Error("Open on malformed address succeeded")
	}
}
