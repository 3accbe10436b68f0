package scope

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mzyy94/scopecap/internal/monitor"
	"github.com/mzyy94/scopecap/internal/scpi"
	"github.com/mzyy94/scopecap/internal/visa/visatest"
)

func TestScope_DiscoverAndCapture(t *testing.T) {
	dev := newDevice()
	dev.Raw[CmdDataColor] = scpi.EncodeBlock(testPNG)
	bus := newBus(dev)
	bus.Add("TCPIP0::10.0.0.5::INSTR", visatest.NewDevice())

	sc := New(bus.Manager(), Config{Hint: "MY56"})
	m := monitor.New()
	sc.SetMetrics(m)
	if err := sc.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer sc.Disconnect()

	st := sc.Status()
	if !st.Connected || st.Address != testAddr || st.Series != "MSOX" {
		t.Errorf("status = %+v", st)
	}
	if len(st.Channels) != 6 {
		t.Errorf("channels = %v", st.Channels)
	}

	res, err := sc.Capture(ModeNormal)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Image) != len(testPNG) {
		t.Errorf("image %d bytes", len(res.Image))
	}
	if sc.Status().State != "idle" {
		t.Errorf("state = %s", sc.Status().State)
	}
	if sc.Status().LastCapture.IsZero() {
		t.Error("last capture time not recorded")
	}
	if got, err := testutil.GatherAndCount(m.Registry(), "scopecap_captures_total"); err != nil || got != 1 {
		t.Errorf("captures series = %d (%v), want 1", got, err)
	}
}

func TestScope_ProfileOverride(t *testing.T) {
	dev := newDevice()
	dev.Raw[CmdDataScreenColor] = scpi.EncodeBlock(testPNG)
	p := ProfileHardcopyToggle
	sc := New(newBus(dev).Manager(), Config{Address: testAddr, Profile: &p})
	if err := sc.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer sc.Disconnect()

	if _, err := sc.Capture(ModeInkSaver); err != nil {
		t.Fatal(err)
	}
}

func TestScope_UnidentifiedUsesGeneric(t *testing.T) {
	dev := visatest.NewDevice() // no *IDN? reply
	sc := New(newBus(dev).Manager(), Config{Address: testAddr})
	if err := sc.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer sc.Disconnect()
	if f := sc.Family(); f.Series != "Generic" {
		t.Errorf("series = %s", f.Series)
	}
	if sc.Identity().Slug() != "UNKNOWN" {
		t.Errorf("slug = %s", sc.Identity().Slug())
	}
}

func TestScope_NotConnected(t *testing.T) {
	sc := New(newBus(newDevice()).Manager(), Config{Address: testAddr})
	if _, err := sc.Capture(ModeNormal); !errors.Is(err, scpi.ErrNotConnected) {
		t.Errorf("Capture = %v, want ErrNotConnected", err)
	}
	if _, err := sc.Statistics(); !errors.Is(err, scpi.ErrNotConnected) {
		t.Errorf("Statistics = %v, want ErrNotConnected", err)
	}
	if err := sc.Disconnect(); err != nil {
		t.Errorf("Disconnect on unconnected scope: %v", err)
	}
}

func TestScope_DiscoveryFailure(t *testing.T) {
	bus := &visatest.Bus{}
	bus.Add("TCPIP0::10.0.0.5::INSTR", visatest.NewDevice())
	sc := New(bus.Manager(), Config{Hint: "MY56"})
	var de *scpi.DiscoveryError
	if err := sc.Connect(context.Background()); !errors.As(err, &de) {
		t.Errorf("err = %v, want DiscoveryError", err)
	}
}

func TestScope_SetProfile(t *testing.T) {
	dev := newDevice()
	dev.Raw[CmdDataColor] = scpi.EncodeBlock(testPNG)
	dev.Raw[CmdDataScreenColor] = scpi.EncodeBlock(testPNG)
	sc := connectedScopeWith(t, dev)

	hardcopy := ProfileHardcopyToggle
	tests := []struct {
		name    string
		profile *FirmwareProfile
		want    string
		query   string
	}{
		{"override", &hardcopy, "hardcopy-toggle", CmdDataScreenColor},
		{"family_default", nil, "mode-string", CmdDataColor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc.SetProfile(tt.profile)
			if got := sc.Status().Profile; got != tt.want {
				t.Errorf("profile = %s, want %s", got, tt.want)
			}
			if _, err := sc.Capture(ModeNormal); err != nil {
				t.Fatalf("Capture: %v", err)
			}
			var got string
			for _, c := range dev.Written() {
				if strings.HasPrefix(c, ":DISPlay:DATA?") {
					got = c
				}
			}
			if got != tt.query {
				t.Errorf("data query = %q, want %q", got, tt.query)
			}
		})
	}
}
