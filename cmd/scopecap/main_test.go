package main

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("SCOPECAP_CONFIG", "")
	t.Setenv("SCOPECAP_ADDRESS", "TCPIP0::10.0.0.5::INSTR")
	t.Setenv("SCOPECAP_TIMEOUT", "5s")
	t.Setenv("SCOPECAP_GPIB_ADDRS", "7, 9")
	t.Setenv("SCOPECAP_HOSTS", "10.0.0.5,,10.0.0.6:5025")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Instrument.Address != "TCPIP0::10.0.0.5::INSTR" || cfg.Instrument.Timeout != 5*time.Second {
		t.Errorf("instrument = %+v", cfg.Instrument)
	}
	if !reflect.DeepEqual(cfg.Transport.Prologix.Addresses, []int{7, 9}) {
		t.Errorf("gpib = %v", cfg.Transport.Prologix.Addresses)
	}
	if !reflect.DeepEqual(cfg.Transport.Hosts, []string{"10.0.0.5", "10.0.0.6:5025"}) {
		t.Errorf("hosts = %v", cfg.Transport.Hosts)
	}

	t.Setenv("SCOPECAP_GPIB_ADDRS", "seven")
	if _, err := loadConfig(); err == nil {
		t.Error("bad GPIB address accepted")
	}
}

func TestLogMiddleware_RecordsStatus(t *testing.T) {
	h := logMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusTeapot {
		t.Errorf("code = %d", rec.Code)
	}
}
