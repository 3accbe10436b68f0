package scpi

import (
	"errors"
	"fmt"
)

// ErrNotConnected is wrapped by a ConnectionError when a session is used
// after Disconnect.
var ErrNotConnected = errors.New("scpi: session not connected")

// DiscoveryError reports that no address, or no unique address, matched.
type DiscoveryError struct {
	Hint      string
	Addresses []string
	Err       error
}

func (e *DiscoveryError) Error() string {
	msg := fmt.Sprintf("scpi: no instrument matching %q among %d addresses", e.Hint, len(e.Addresses))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// ConnectionError reports a transport open, configure or I/O failure.
type ConnectionError struct {
	Address string
	Op      string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("scpi %s %s: %v", e.Op, e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed, oversized or truncated binary block.
// The session stays connected.
type ProtocolError struct {
	Query string
	Msg   string
	Err   error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("scpi block %q: %s", e.Query, e.Msg)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// TransferError is returned by a capture whose image transfer failed.
type TransferError struct {
	Mode string
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("capture %s: transfer failed: %v", e.Mode, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// CosmeticSettingError records a display setting that could not be queried,
// applied or restored. It is reported, never returned as a capture failure.
type CosmeticSettingError struct {
	Setting string
	Op      string // "query", "write" or "restore"
	Err     error
}

func (e *CosmeticSettingError) Error() string {
	return fmt.Sprintf("display %s %s: %v", e.Op, e.Setting, e.Err)
}

func (e *CosmeticSettingError) Unwrap() error { return e.Err }
