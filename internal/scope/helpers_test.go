package scope

import (
	"context"
	"strings"
	"testing"

	"github.com/mzyy94/scopecap/internal/scpi"
	"github.com/mzyy94/scopecap/internal/visa/visatest"
)

const testAddr = "USB0::0x0957::0x17BC::MY56310625::INSTR"

var testPNG = append([]byte("\x89PNG\r\n\x1a\n"), []byte("\x00\x00\x00\rIHDR\n\nbody")...)

func newDevice() *visatest.Device {
	dev := visatest.NewDevice()
	dev.Responses[scpi.CmdIdentify] = "KEYSIGHT TECHNOLOGIES,MSO-X 4154A,MY56310625,07.50.2021102830"
	dev.State[":DISP:LAB"] = "1"
	dev.State[":DISP:GRAT:ALAB"] = "1"
	dev.State[":DISP:GRAT:INT"] = "50"
	return dev
}

func newBus(dev *visatest.Device) *visatest.Bus {
	bus := &visatest.Bus{}
	bus.Add(testAddr, dev)
	return bus
}

func connectSession(t *testing.T, dev *visatest.Device) *scpi.Session {
	t.Helper()
	s, err := scpi.Connect(context.Background(), newBus(dev).Manager(), testAddr, scpi.Options{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { s.Disconnect() })
	return s
}

// commands returns the writes after connect, dropping setting queries so
// only state-changing commands and block queries remain.
func commands(dev *visatest.Device) []string {
	var out []string
	for _, w := range dev.Written() {
		if w == scpi.CmdHeaderOff || w == scpi.CmdIdentify {
			continue
		}
		if strings.HasPrefix(w, ":DISP:") && strings.HasSuffix(w, "?") {
			continue
		}
		out = append(out, w)
	}
	return out
}

func connectedScopeWith(t *testing.T, dev *visatest.Device) *Scope {
	t.Helper()
	sc := New(newBus(dev).Manager(), Config{Address: testAddr})
	if err := sc.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sc.Disconnect() })
	return sc
}
