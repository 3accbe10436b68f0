// Package scpi implements the SCPI instrument session on top of a visa
// transport: line-oriented write/query, the definite-length binary block
// protocol, identification and resource discovery.
package scpi

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mzyy94/scopecap/internal/visa"
)

// Opener opens a transport handle for an address. *visa.Manager implements it.
type Opener interface {
	Open(ctx context.Context, address string, opts visa.Options) (visa.Handle, error)
}

// Options configures a Session.
type Options struct {
	Timeout      time.Duration
	ChunkSize    int
	MaxBlockSize int
}

// DefaultOptions returns the session defaults. Screen captures can take
// several seconds, hence the long timeout.
func DefaultOptions() Options {
	return Options{
		Timeout:      DefaultTimeout,
		ChunkSize:    DefaultChunkSize,
		MaxBlockSize: DefaultMaxBlockSize,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = d.ChunkSize
	}
	if o.MaxBlockSize <= 0 {
		o.MaxBlockSize = d.MaxBlockSize
	}
	return o
}

// Session is a connected SCPI instrument. Operations are serialized; the
// transport is half-duplex and a second command before the previous response
// is drained corrupts framing.
type Session struct {
	address string
	opts    Options

	mu sync.Mutex // serializes operations

	stateMu sync.Mutex
	handle  visa.Handle // nil once disconnected
}

// Connect opens address and prepares the instrument for headerless replies.
func Connect(ctx context.Context, opener Opener, address string, opts Options) (*Session, error) {
	opts = opts.withDefaults()
	h, err := opener.Open(ctx, address, visa.Options{
		Timeout:         opts.Timeout,
		WriteTerminator: "\n",
	})
	if err != nil {
		return nil, &ConnectionError{Address: address, Op: "open", Err: err}
	}
	if err := h.SetTimeout(opts.Timeout); err != nil {
		h.Close()
		return nil, &ConnectionError{Address: address, Op: "configure", Err: err}
	}
	if err := h.WriteLine(CmdHeaderOff); err != nil {
		h.Close()
		return nil, &ConnectionError{Address: address, Op: "configure", Err: err}
	}
	slog.Info("instrument connected", "addr", address, "timeout", opts.Timeout)
	return &Session{address: address, opts: opts, handle: h}, nil
}

// Address returns the resource address the session was opened on.
func (s *Session) Address() string { return s.address }

// Options returns the effective session options.
func (s *Session) Options() Options { return s.opts }

// Connected reports whether the session still owns a transport.
func (s *Session) Connected() bool {
	return s.current() != nil
}

func (s *Session) current() visa.Handle {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.handle
}

// Disconnect closes the transport. It is safe to call more than once and
// from another goroutine while an operation is blocked; the blocked call
// then fails.
func (s *Session) Disconnect() error {
	s.stateMu.Lock()
	h := s.handle
	s.handle = nil
	s.stateMu.Unlock()
	if h == nil {
		return nil
	}
	slog.Info("instrument disconnected", "addr", s.address)
	return h.Close()
}

// drop closes h if it is still the session's handle.
func (s *Session) drop(h visa.Handle) {
	s.stateMu.Lock()
	if s.handle != h {
		s.stateMu.Unlock()
		return
	}
	s.handle = nil
	s.stateMu.Unlock()
	h.Close()
}

// fail converts a transport error into a ConnectionError. Timeouts leave the
// session connected; anything else tears it down.
func (s *Session) fail(h visa.Handle, op string, err error) error {
	if !errors.Is(err, visa.ErrTimeout) {
		slog.Warn("transport failed, closing session", "addr", s.address, "op", op, "err", err)
		s.drop(h)
	}
	return &ConnectionError{Address: s.address, Op: op, Err: err}
}

func (s *Session) acquire(op string) (visa.Handle, error) {
	h := s.current()
	if h == nil {
		return nil, &ConnectionError{Address: s.address, Op: op, Err: ErrNotConnected}
	}
	return h, nil
}

// Write sends one command line.
func (s *Session) Write(cmd string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, err := s.acquire("write")
	if err != nil {
		return err
	}
	slog.Debug("scpi write", "cmd", cmd)
	if err := h.WriteLine(cmd); err != nil {
		return s.fail(h, "write", err)
	}
	return nil
}

// Query sends cmd and returns the reply line with surrounding whitespace
// removed.
func (s *Session) Query(cmd string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, err := s.acquire("query")
	if err != nil {
		return "", err
	}
	if err := h.WriteLine(cmd); err != nil {
		return "", s.fail(h, "query", err)
	}
	line, err := h.ReadLine()
	if err != nil {
		return "", s.fail(h, "query", err)
	}
	line = strings.TrimSpace(line)
	slog.Debug("scpi query", "cmd", cmd, "reply", line)
	return line, nil
}

// IDN queries and parses the instrument identification.
func (s *Session) IDN() (Identity, error) {
	reply, err := s.Query(CmdIdentify)
	if err != nil {
		return Identity{}, err
	}
	return ParseIdentity(reply)
}
