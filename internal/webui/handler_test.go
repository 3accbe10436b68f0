package webui

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mzyy94/scopecap/internal/config"
	"github.com/mzyy94/scopecap/internal/monitor"
	"github.com/mzyy94/scopecap/internal/scope"
	"github.com/mzyy94/scopecap/internal/scpi"
	"github.com/mzyy94/scopecap/internal/visa/visatest"
)

const testAddr = "TCPIP0::10.0.0.5::INSTR"

var testPNG = []byte("\x89PNG\r\n\x1a\nfake image body")

func newTestHandler(t *testing.T, connect bool) (http.Handler, *visatest.Device) {
	t.Helper()
	dev := visatest.NewDevice()
	dev.Responses[scpi.CmdIdentify] = "RIGOL TECHNOLOGIES,DHO924S,DHO9A0000001,00.01.02"
	dev.Raw[scope.CmdDataColor] = scpi.EncodeBlock(testPNG)
	dev.Responses[scope.CmdMeasureResults] = "Vpp(C1),1.0,0.9,1.1,1.0,0.01,12"
	bus := &visatest.Bus{}
	bus.Add(testAddr, dev)

	sc := scope.New(bus.Manager(), scope.Config{Address: testAddr})
	m := monitor.New()
	sc.SetMetrics(m)
	if connect {
		if err := sc.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { sc.Disconnect() })
	}
	return NewHandler(Options{Scope: sc, Metrics: m, ListenPort: 8080}), dev
}

func do(h http.Handler, method, target string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatus(t *testing.T) {
	h, _ := newTestHandler(t, true)
	rec := do(h, http.MethodGet, "/api/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Instrument.Connected || resp.Instrument.Model != "DHO924S" {
		t.Errorf("instrument = %+v", resp.Instrument)
	}
	if got := strings.Join(resp.Instrument.Channels, ","); got != "CHAN1,CHAN2,CHAN3,CHAN4,POD1,POD2" {
		t.Errorf("channels = %s", got)
	}
}

func TestScreenshot(t *testing.T) {
	h, dev := newTestHandler(t, true)
	tests := []struct {
		target string
		code   int
		query  string
	}{
		{"/api/screenshot", http.StatusOK, scope.CmdDataColor},
		{"/api/screenshot?mode=normal&download=1", http.StatusOK, scope.CmdDataColor},
		{"/api/screenshot?mode=sepia", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			before := len(dev.Written())
			rec := do(h, http.MethodGet, tt.target, nil)
			if rec.Code != tt.code {
				t.Fatalf("code = %d, want %d: %s", rec.Code, tt.code, rec.Body)
			}
			if tt.code != http.StatusOK {
				if len(dev.Written()) != before {
					t.Error("rejected request reached the instrument")
				}
				return
			}
			if !bytes.Equal(rec.Body.Bytes(), testPNG) {
				t.Errorf("body = %q", rec.Body.Bytes())
			}
			if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
				t.Errorf("content type = %s", ct)
			}
			if strings.Contains(tt.target, "download") &&
				!strings.Contains(rec.Header().Get("Content-Disposition"), "DHO924S_screenshot_") {
				t.Errorf("disposition = %q", rec.Header().Get("Content-Disposition"))
			}
		})
	}
}

func TestScreenshot_NotConnected(t *testing.T) {
	h, _ := newTestHandler(t, false)
	if rec := do(h, http.MethodGet, "/api/screenshot", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/api/statistics", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("statistics code = %d, want 503", rec.Code)
	}
}

func TestStatistics(t *testing.T) {
	h, _ := newTestHandler(t, true)
	rec := do(h, http.MethodGet, "/api/statistics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var stats []scope.StatisticsRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if len(stats) != 1 || stats[0].Label != "Vpp(C1)" || stats[0].Count != 12 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestSettings(t *testing.T) {
	h, _ := newTestHandler(t, false)

	rec := do(h, http.MethodGet, "/api/settings", nil)
	var got config.Settings
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got != config.DefaultSettings() {
		t.Errorf("initial = %+v", got)
	}

	tests := []struct {
		name string
		body string
		code int
	}{
		{"valid", `{"mode":"inksaver","format":"tiff"}`, http.StatusOK},
		{"bad json", `{`, http.StatusBadRequest},
		{"bad format", `{"mode":"normal","format":"gif"}`, http.StatusBadRequest},
		{"bad mode", `{"mode":"sepia","format":"png"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(h, http.MethodPut, "/api/settings", []byte(tt.body))
			if rec.Code != tt.code {
				t.Errorf("code = %d, want %d", rec.Code, tt.code)
			}
		})
	}

	rec = do(h, http.MethodGet, "/api/settings", nil)
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Mode != "inksaver" || got.Format != "tiff" {
		t.Errorf("after update = %+v", got)
	}
}

func TestMetrics(t *testing.T) {
	h, _ := newTestHandler(t, true)
	do(h, http.MethodGet, "/api/screenshot", nil)
	rec := do(h, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `scopecap_captures_total{mode="normal",result="ok"} 1`) {
		t.Errorf("capture counter missing from scrape")
	}
}

func TestStaticIndex(t *testing.T) {
	h, _ := newTestHandler(t, false)
	rec := do(h, http.MethodGet, "/", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "api/screenshot") {
		t.Errorf("index: code %d", rec.Code)
	}
}

func TestSettings_ProfileAppliesToCapture(t *testing.T) {
	h, dev := newTestHandler(t, true)
	dev.Raw[scope.CmdDataScreenColor] = scpi.EncodeBlock(testPNG)

	status := func() scope.Status {
		var resp statusResponse
		json.Unmarshal(do(h, http.MethodGet, "/api/status", nil).Body.Bytes(), &resp)
		return resp.Instrument
	}
	lastQuery := func() string {
		w := dev.Written()
		for i := len(w) - 1; i >= 0; i-- {
			if strings.HasPrefix(w[i], ":DISPlay:DATA?") {
				return w[i]
			}
		}
		return ""
	}

	tests := []struct {
		body    string
		code    int
		profile string
		query   string
	}{
		{`{"mode":"normal","format":"png","profile":"hardcopy-toggle"}`, http.StatusOK, "hardcopy-toggle", scope.CmdDataScreenColor},
		{`{"mode":"normal","format":"png","profile":"bogus"}`, http.StatusBadRequest, "hardcopy-toggle", scope.CmdDataScreenColor},
		{`{"mode":"normal","format":"png","profile":""}`, http.StatusOK, "mode-string", scope.CmdDataColor},
	}
	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			if rec := do(h, http.MethodPut, "/api/settings", []byte(tt.body)); rec.Code != tt.code {
				t.Fatalf("PUT code = %d, want %d", rec.Code, tt.code)
			}
			if got := status().Profile; got != tt.profile {
				t.Errorf("profile = %s, want %s", got, tt.profile)
			}
			if rec := do(h, http.MethodGet, "/api/screenshot", nil); rec.Code != http.StatusOK {
				t.Fatalf("screenshot code = %d: %s", rec.Code, rec.Body)
			}
			if q := lastQuery(); q != tt.query {
				t.Errorf("data query = %q, want %q", q, tt.query)
			}
		})
	}
}
