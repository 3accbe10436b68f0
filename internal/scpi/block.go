package scpi

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/mzyy94/scopecap/internal/visa"
)

// EncodeBlock frames payload as a definite-length block: '#', the digit count
// of the length, the length, then the payload.
func EncodeBlock(payload []byte) []byte {
	n := strconv.Itoa(len(payload))
	out := make([]byte, 0, 2+len(n)+len(payload))
	out = append(out, '#', byte('0'+len(n)))
	out = append(out, n...)
	return append(out, payload...)
}

// blockReader accumulates transport reads so the header can be parsed
// without issuing single byte transfers.
type blockReader struct {
	h     visa.Handle
	chunk int
	buf   []byte
}

// need ensures at least n bytes are buffered.
func (r *blockReader) need(n int) error {
	for len(r.buf) < n {
		b, err := r.h.ReadBytes(r.chunk)
		if err != nil {
			return err
		}
		r.buf = append(r.buf, b...)
	}
	return nil
}

func (r *blockReader) take(n int) []byte {
	out := r.buf[:n:n]
	r.buf = r.buf[n:]
	return out
}

// ReadBlock sends query and reads the definite-length block it returns. The
// payload is read by byte count only, so embedded '\n' bytes are preserved.
func (s *Session) ReadBlock(query string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, err := s.acquire("read block")
	if err != nil {
		return nil, err
	}
	slog.Debug("scpi block query", "cmd", query)
	if err := h.WriteLine(query); err != nil {
		return nil, s.fail(h, "read block", err)
	}

	r := &blockReader{h: h, chunk: s.opts.ChunkSize}
	payload, err := s.readBlock(r, query)
	if err != nil {
		var pe *ProtocolError
		if errors.As(err, &pe) {
			s.discard(h)
			return nil, err
		}
		return nil, s.fail(h, "read block", err)
	}
	s.trailer(r)
	slog.Debug("scpi block received", "cmd", query, "bytes", len(payload))
	return payload, nil
}

func (s *Session) readBlock(r *blockReader, query string) ([]byte, error) {
	protoErr := func(msg string, err error) error {
		return &ProtocolError{Query: query, Msg: msg, Err: err}
	}
	readErr := func(what string, err error) error {
		if errors.Is(err, visa.ErrTimeout) {
			return protoErr("timed out reading "+what, err)
		}
		return err
	}

	// Skip a stray terminator left by a previous reply.
	for {
		if err := r.need(1); err != nil {
			return nil, readErr("header", err)
		}
		if c := r.buf[0]; c != '\n' && c != '\r' && c != ' ' {
			break
		}
		r.take(1)
	}
	if err := r.need(2); err != nil {
		return nil, readErr("header", err)
	}
	hdr := r.take(2)
	if hdr[0] != '#' {
		return nil, protoErr(fmt.Sprintf("expected '#', got %q", hdr[0]), nil)
	}
	if hdr[1] == '0' {
		return nil, protoErr("indefinite-length block not supported", nil)
	}
	if hdr[1] < '1' || hdr[1] > '9' {
		return nil, protoErr(fmt.Sprintf("non-digit length count %q", hdr[1]), nil)
	}
	digits := int(hdr[1] - '0')
	if err := r.need(digits); err != nil {
		return nil, readErr("length", err)
	}
	field := r.take(digits)
	for _, c := range field {
		if c < '0' || c > '9' {
			return nil, protoErr(fmt.Sprintf("non-digit length field %q", field), nil)
		}
	}
	n, err := strconv.Atoi(string(field))
	if err != nil {
		return nil, protoErr(fmt.Sprintf("length field %q", field), err)
	}
	if n > s.opts.MaxBlockSize {
		return nil, protoErr(fmt.Sprintf("declared length %d exceeds limit %d", n, s.opts.MaxBlockSize), nil)
	}

	payload := make([]byte, 0, n)
	if len(r.buf) > 0 {
		k := min(n, len(r.buf))
		payload = append(payload, r.take(k)...)
	}
	for len(payload) < n {
		b, err := r.h.ReadBytes(min(s.opts.ChunkSize, n-len(payload)))
		if err != nil {
			if errors.Is(err, visa.ErrTimeout) {
				return nil, protoErr(fmt.Sprintf("short read: %d of %d bytes", len(payload), n), err)
			}
			return nil, err
		}
		payload = append(payload, b...)
	}
	return payload, nil
}

// trailer consumes the terminator that follows a block: any run of '\r'
// up to and including '\n', taken from the buffer first and then from the
// transport until the short trailer timeout expires.
func (s *Session) trailer(r *blockReader) {
	r.h.SetTimeout(trailerTimeout)
	defer r.h.SetTimeout(s.opts.Timeout)
	for {
		if len(r.buf) == 0 {
			b, err := r.h.ReadBytes(1)
			if err != nil || len(b) == 0 {
				return
			}
			r.buf = append(r.buf, b...)
		}
		c := r.take(1)[0]
		if c != '\r' {
			if c != '\n' {
				slog.Debug("unexpected byte after block", "byte", c)
			}
			return
		}
	}
}

// discard drains whatever the instrument is still sending after a protocol
// error so the next command starts on a clean stream.
func (s *Session) discard(h visa.Handle) {
	h.SetTimeout(trailerTimeout)
	defer h.SetTimeout(s.opts.Timeout)
	for {
		if _, err := h.ReadBytes(s.opts.ChunkSize); err != nil {
			return
		}
	}
}

// WriteBlock sends cmd followed by payload as a definite-length block.
func (s *Session) WriteBlock(cmd string, payload []byte) error {
	return s.Write(cmd + " " + string(EncodeBlock(payload)))
}
