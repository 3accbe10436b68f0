package visa

import (
	"fmt"
	"strconv"
	"strings"
)

// Interface identifies the bus family of a resource address.
type Interface string

const (
	InterfaceUSB   Interface = "USB"
	InterfaceTCPIP Interface = "TCPIP"
	InterfaceGPIB  Interface = "GPIB"
)

// Resource classes at the end of an address.
const (
	ResourceInstr  = "INSTR"
	ResourceSocket = "SOCKET"
)

// DefaultSocketPort is the raw SCPI socket port used by LXI instruments.
const DefaultSocketPort = 5025

// Address is a parsed VISA-style resource string.
//
//	USB0::0x0957::0x17BC::MY56310625::INSTR
//	TCPIP0::10.0.0.5::INSTR
//	TCPIP0::10.0.0.5::5025::SOCKET
//	GPIB0::7::INSTR
type Address struct {
	Interface Interface
	Board     int
	Resource  string

	// USB
	Vendor  uint16
	Product uint16
	Serial  string

	// TCPIP
	Host string
	Port int

	// GPIB
	Primary int
}

// ParseAddress parses a resource string. Matching is case-insensitive on the
// interface and resource class; the USB serial and TCP host are kept verbatim.
func ParseAddress(s string) (Address, error) {
	fields := strings.Split(strings.TrimSpace(s), "::")
	if len(fields) < 2 {
		return Address{}, fmt.Errorf("visa: malformed address %q", s)
	}
	head := strings.ToUpper(fields[0])
	var a Address
	var board string
	switch {
	case strings.HasPrefix(head, string(InterfaceUSB)):
		a.Interface, board = InterfaceUSB, head[len(InterfaceUSB):]
	case strings.HasPrefix(head, string(InterfaceTCPIP)):
		a.Interface, board = InterfaceTCPIP, head[len(InterfaceTCPIP):]
	case strings.HasPrefix(head, string(InterfaceGPIB)):
		a.Interface, board = InterfaceGPIB, head[len(InterfaceGPIB):]
	default:
		return Address{}, fmt.Errorf("visa: unsupported interface in %q", s)
	}
	if board != "" {
		n, err := strconv.Atoi(board)
		if err != nil {
			return Address{}, fmt.Errorf("visa: bad board number in %q", s)
		}
		a.Board = n
	}

	rest := fields[1:]
	a.Resource = ResourceInstr
	if last := strings.ToUpper(rest[len(rest)-1]); last == ResourceInstr || last == ResourceSocket {
		a.Resource = last
		rest = rest[:len(rest)-1]
	}

	switch a.Interface {
	case InterfaceUSB:
		if len(rest) < 3 {
			return Address{}, fmt.Errorf("visa: USB address %q needs vendor, product and serial", s)
		}
		vid, err := parseHex16(rest[0])
		if err != nil {
			return Address{}, fmt.Errorf("visa: vendor id in %q: %w", s, err)
		}
		pid, err := parseHex16(rest[1])
		if err != nil {
			return Address{}, fmt.Errorf("visa: product id in %q: %w", s, err)
		}
		a.Vendor, a.Product, a.Serial = vid, pid, rest[2]
	case InterfaceTCPIP:
		if len(rest) < 1 || rest[0] == "" {
			return Address{}, fmt.Errorf("visa: TCPIP address %q needs a host", s)
		}
		a.Host = rest[0]
		a.Port = DefaultSocketPort
		if len(rest) > 1 {
			// TCPIP0::host::inst0::INSTR names a VXI-11 device; only a numeric
			// field is a socket port.
			if p, err := strconv.Atoi(rest[1]); err == nil {
				a.Port = p
			}
		}
	case InterfaceGPIB:
		if len(rest) < 1 {
			return Address{}, fmt.Errorf("visa: GPIB address %q needs a primary address", s)
		}
		p, err := strconv.Atoi(rest[0])
		if err != nil || p < 0 || p > 30 {
			return Address{}, fmt.Errorf("visa: invalid GPIB primary address in %q (must be 0-30)", s)
		}
		a.Primary = p
	}
	return a, nil
}

// String formats the address in canonical form.
func (a Address) String() string {
	switch a.Interface {
	case InterfaceUSB:
		return fmt.Sprintf("USB%d::0x%04X::0x%04X::%s::%s", a.Board, a.Vendor, a.Product, a.Serial, a.Resource)
	case InterfaceTCPIP:
		if a.Resource == ResourceSocket {
			return fmt.Sprintf("TCPIP%d::%s::%d::SOCKET", a.Board, a.Host, a.Port)
		}
		return fmt.Sprintf("TCPIP%d::%s::INSTR", a.Board, a.Host)
	case InterfaceGPIB:
		return fmt.Sprintf("GPIB%d::%d::INSTR", a.Board, a.Primary)
	}
	return ""
}

func parseHex16(s string) (uint16, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}
