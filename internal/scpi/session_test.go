package scpi

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mzyy94/scopecap/internal/visa"
	"github.com/mzyy94/scopecap/internal/visa/visatest"
)

const testAddr = "USB0::0x0957::0x17BC::MY56310625::INSTR"

func connect(t *testing.T, dev *visatest.Device, opts Options) *Session {
	t.Helper()
	bus := &visatest.Bus{}
	bus.Add(testAddr, dev)
	s, err := Connect(context.Background(), bus.Manager(), testAddr, opts)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return s
}

func TestConnect_DisablesHeaders(t *testing.T) {
	dev := visatest.NewDevice()
	s := connect(t, dev, Options{})
	defer s.Disconnect()

	if w := dev.Written(); len(w) == 0 || w[0] != CmdHeaderOff {
		t.Errorf("first write = %v, want %q", w, CmdHeaderOff)
	}
	if dev.Timeout != DefaultTimeout {
		t.Errorf("timeout = %v, want %v", dev.Timeout, DefaultTimeout)
	}
}

func TestConnect_OpenFailure(t *testing.T) {
	bus := &visatest.Bus{OpenErr: errors.New("device busy")}
	bus.Add(testAddr, visatest.NewDevice())
	_, err := Connect(context.Background(), bus.Manager(), testAddr, Options{})
	var ce *ConnectionError
	if !errors.As(err, &ce) || ce.Op != "open" {
		t.Fatalf("err = %v, want open ConnectionError", err)
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	dev := visatest.NewDevice()
	s := connect(t, dev, Options{})

	if err := s.Disconnect(); err != nil {
		t.Fatalf("first Disconnect: %v", err)
	}
	if err := s.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
	if s.Connected() {
		t.Error("still connected")
	}
	err := s.Write("*CLS")
	var ce *ConnectionError
	if !errors.As(err, &ce) || !errors.Is(err, ErrNotConnected) {
		t.Errorf("Write after disconnect = %v, want ErrNotConnected", err)
	}
	if _, err := s.Query("*IDN?"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Query after disconnect = %v, want ErrNotConnected", err)
	}
}

func TestDisconnect_WhileBlocked(t *testing.T) {
	dev := visatest.NewDevice()
	s := connect(t, dev, Options{})

	entered := make(chan struct{})
	release := make(chan struct{})
	dev.Hook = func(d *visatest.Device, cmd string) error {
		if cmd == ":DISPlay:DATA? PNG,COLor" {
			close(entered)
			<-release
		}
		return nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.ReadBlock(":DISPlay:DATA? PNG,COLor")
		done <- err
	}()
	<-entered

	disconnected := make(chan struct{})
	go func() {
		s.Disconnect()
		close(disconnected)
	}()
	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnect blocked behind a transfer")
	}
	close(release)

	if err := <-done; err == nil {
		t.Error("ReadBlock on a closed session succeeded")
	}
}

func TestWrite_TransportFailure(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		connected bool
	}{
		{"timeout keeps session", fmt.Errorf("stall: %w", visa.ErrTimeout), true},
		{"broken pipe closes session", errors.New("broken pipe"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := visatest.NewDevice()
			s := connect(t, dev, Options{})
			defer s.Disconnect()
			dev.Fail[":RUN"] = tt.err

			err := s.Write(":RUN")
			var ce *ConnectionError
			if !errors.As(err, &ce) {
				t.Fatalf("err = %v, want ConnectionError", err)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("cause not wrapped: %v", err)
			}
			if s.Connected() != tt.connected {
				t.Errorf("Connected() = %v, want %v", s.Connected(), tt.connected)
			}
		})
	}
}

func TestQuery_TrimsReply(t *testing.T) {
	dev := visatest.NewDevice()
	dev.Responses[":DISP:LAB?"] = " 1\r"
	s := connect(t, dev, Options{})
	defer s.Disconnect()

	got, err := s.Query(":DISP:LAB?")
	if err != nil {
		t.Fatal(err)
	}
	if got != "1" {
		t.Errorf("Query = %q, want %q", got, "1")
	}
}

func TestQuery_NoReplyTimesOut(t *testing.T) {
	dev := visatest.NewDevice()
	s := connect(t, dev, Options{})
	defer s.Disconnect()

	_, err := s.Query(":MEASure:RESults?")
	if !errors.Is(err, visa.ErrTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if !s.Connected() {
		t.Error("timeout closed the session")
	}
}

func TestIDN(t *testing.T) {
	dev := visatest.NewDevice()
	dev.Responses[CmdIdentify] = "KEYSIGHT TECHNOLOGIES,DSO-X 3034A,MY56310625,07.50.2021102830"
	s := connect(t, dev, Options{})
	defer s.Disconnect()

	id, err := s.IDN()
	if err != nil {
		t.Fatal(err)
	}
	if id.Model != "DSO-X 3034A" || id.Serial != "MY56310625" {
		t.Errorf("IDN = %+v", id)
	}
}
