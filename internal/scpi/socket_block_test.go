package scpi

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/mzyy94/scopecap/internal/visa"
)

// serveCRLF answers blockQuery with a CRLF-terminated block and *OPC? with "1".
func serveCRLF(t *testing.T, payload []byte) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		sc := bufio.NewScanner(conn)
		for sc.Scan() {
			switch sc.Text() {
			case blockQuery:
				conn.Write(append(EncodeBlock(payload), "\r\n"...))
			case "*OPC?":
				conn.Write([]byte("1\n"))
			}
		}
	}()
	return fmt.Sprintf("TCPIP0::127.0.0.1::%d::SOCKET", ln.Addr().(*net.TCPAddr).Port)
}

func TestReadBlock_CRLFOverSocket(t *testing.T) {
	payload := []byte("\x89PNG\r\n\x1a\nsocket payload")
	addr := serveCRLF(t, payload)

	m := visa.NewManager()
	m.Register(visa.InterfaceTCPIP, &visa.SocketBus{DialTimeout: time.Second})
	s, err := Connect(context.Background(), m, addr, Options{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Disconnect()

	for i := range 3 {
		got, err := s.ReadBlock(blockQuery)
		if err != nil {
			t.Fatalf("round %d: ReadBlock: %v", i, err)
		}
		if string(got) != string(payload) {
			t.Errorf("round %d: payload = %q", i, got)
		}
		if r, err := s.Query("*OPC?"); err != nil || r != "1" {
			t.Fatalf("round %d: query after CRLF block = %q, %v", i, r, err)
		}
	}
}
