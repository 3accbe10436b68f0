package visa

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// SocketBus opens raw SCPI sockets (TCPIP...::SOCKET, or ::INSTR on the
// default port). Addresses are enumerated from the static host list and,
// when BrowseTimeout is set, from an LXI mDNS browse.
type SocketBus struct {
	Hosts         []string      // static "host" or "host:port" entries
	BrowseTimeout time.Duration // 0 disables mDNS browsing
	DialTimeout   time.Duration
}

// List returns the static hosts plus any instruments that answered mDNS.
func (b *SocketBus) List(ctx context.Context) ([]string, error) {
	var out []string
	for _, h := range b.Hosts {
		host, port, err := net.SplitHostPort(h)
		if err != nil {
			out = append(out, Address{Interface: InterfaceTCPIP, Host: h, Port: DefaultSocketPort, Resource: ResourceInstr}.String())
			continue
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("socket host %q: bad port", h)
		}
		out = append(out, Address{Interface: InterfaceTCPIP, Host: host, Port: p, Resource: ResourceSocket}.String())
	}
	if b.BrowseTimeout > 0 {
		found, err := BrowseLXI(ctx, b.BrowseTimeout)
		if err != nil {
			slog.Debug("lxi browse failed", "err", err)
		}
		out = append(out, found...)
	}
	return out, nil
}

// Open dials the instrument socket.
func (b *SocketBus) Open(ctx context.Context, addr Address, opts Options) (Handle, error) {
	opts = opts.withDefaults()
	dialTimeout := b.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	port := addr.Port
	if port == 0 {
		port = DefaultSocketPort
	}
	target := net.JoinHostPort(addr.Host, strconv.Itoa(port))

	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	slog.Debug("socket connected", "addr", target)
	return newSocketHandle(conn, opts), nil
}

type socketHandle struct {
	conn    net.Conn
	reader  *bufio.Reader
	term    string
	mu      sync.Mutex
	timeout time.Duration
}

func newSocketHandle(conn net.Conn, opts Options) *socketHandle {
	return &socketHandle{
		conn:    conn,
		reader:  bufio.NewReaderSize(conn, 64*1024),
		term:    opts.WriteTerminator,
		timeout: opts.Timeout,
	}
}

func (h *socketHandle) deadline() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return time.Now().Add(h.timeout)
}

func (h *socketHandle) WriteLine(s string) error {
	h.conn.SetWriteDeadline(h.deadline())
	if _, err := h.conn.Write([]byte(s + h.term)); err != nil {
		return netErr("write", err)
	}
	return nil
}

func (h *socketHandle) ReadLine() (string, error) {
	h.conn.SetReadDeadline(h.deadline())
	line, err := h.reader.ReadString('\n')
	if err != nil {
		return "", netErr("read line", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (h *socketHandle) ReadBytes(max int) ([]byte, error) {
	if max <= 0 {
		return nil, errors.New("read bytes: non-positive size")
	}
	h.conn.SetReadDeadline(h.deadline())
	buf := make([]byte, max)
	n, err := h.reader.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	return nil, netErr("read bytes", err)
}

func (h *socketHandle) SetTimeout(d time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.timeout = d
	return nil
}

func (h *socketHandle) Close() error {
	return h.conn.Close()
}

// netErr maps net timeouts onto ErrTimeout so callers can test with errors.Is.
func netErr(op string, err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%s: %w: %w", op, ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
