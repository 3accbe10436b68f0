// Package webui serves the HTTP API and status page for a connected
// oscilloscope.
package webui

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/mzyy94/scopecap/internal/config"
	"github.com/mzyy94/scopecap/internal/monitor"
	"github.com/mzyy94/scopecap/internal/scope"
	"github.com/mzyy94/scopecap/internal/scpi"
)

//go:embed static
var staticFS embed.FS

// Options wires the handler to the running instrument.
type Options struct {
	Scope      *scope.Scope
	Adapter    *scope.ESCLAdapter // nil when eSCL is not served
	Jobs       *scope.CaptureJobStatus
	Settings   *config.Store
	Metrics    *monitor.Metrics
	ListenPort int
}

type handler struct {
	opts Options
}

// NewHandler creates the HTTP handler for the API and static page.
func NewHandler(opts Options) http.Handler {
	if opts.Jobs == nil {
		opts.Jobs = &scope.CaptureJobStatus{}
	}
	if opts.Settings == nil {
		opts.Settings = config.NewMemoryStore(config.DefaultSettings())
	}
	h := &handler{opts: opts}
	current := opts.Settings.Get()
	if profile, err := parseProfile(current.Profile); err != nil {
		slog.Warn("stored profile ignored", "profile", current.Profile, "err", err)
		h.apply(current, nil)
	} else {
		h.apply(current, profile)
	}
	mux := http.NewServeMux()
	staticContent, _ := fs.Sub(staticFS, "static")
	mux.HandleFunc("GET /api/status", h.handleStatus)
	mux.HandleFunc("GET /api/settings", h.handleGetSettings)
	mux.HandleFunc("PUT /api/settings", h.handlePutSettings)
	mux.HandleFunc("GET /api/screenshot", h.handleScreenshot)
	mux.HandleFunc("POST /api/capture", h.handleCapture)
	mux.HandleFunc("GET /api/statistics", h.handleStatistics)
	mux.Handle("GET /metrics", opts.Metrics.Handler())
	mux.Handle("GET /", http.FileServer(http.FS(staticContent)))
	return mux
}

type statusResponse struct {
	Instrument scope.Status             `json:"instrument"`
	Job        scope.CaptureJobSnapshot `json:"job"`
	Formats    []string                 `json:"formats"`
	ESCLUrl    string                   `json:"esclUrl,omitempty"`
	UpdatedAt  string                   `json:"updatedAt"`
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Instrument: h.opts.Scope.Status(),
		Job:        h.opts.Jobs.Snapshot(),
		Formats:    []string{scope.FormatPNG, scope.FormatTIFF, scope.FormatPDF},
		UpdatedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	if h.opts.Adapter != nil {
		resp.ESCLUrl = fmt.Sprintf("http://%s:%d/eSCL", localIP(), h.opts.ListenPort)
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Settings API ---

func (h *handler) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.opts.Settings.Get())
}

func (h *handler) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var s config.Settings
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := scope.ParseCaptureMode(s.Mode); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	profile, err := parseProfile(s.Profile)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.opts.Settings.Update(s); err != nil {
		slog.Warn("settings save failed", "err", err)
		http.Error(w, "failed to save settings", http.StatusInternalServerError)
		return
	}
	h.apply(s, profile)
	writeJSON(w, http.StatusOK, s)
}

// parseProfile returns nil for an empty name, meaning the family default.
func parseProfile(name string) (*scope.FirmwareProfile, error) {
	if name == "" {
		return nil, nil
	}
	p, err := scope.ParseProfile(name)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// apply pushes the settings that take effect immediately to the scope and
// the eSCL adapter.
func (h *handler) apply(s config.Settings, profile *scope.FirmwareProfile) {
	if h.opts.Scope != nil {
		h.opts.Scope.SetProfile(profile)
	}
	if h.opts.Adapter != nil {
		h.opts.Adapter.SetFullscreen(s.ESCLFullscreen)
	}
}

// --- Capture API ---

func (h *handler) requestMode(r *http.Request) (scope.CaptureMode, error) {
	m := r.URL.Query().Get("mode")
	if m == "" {
		m = h.opts.Settings.Get().Mode
	}
	return scope.ParseCaptureMode(m)
}

func (h *handler) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	mode, err := h.requestMode(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.opts.Jobs.SetCapturing(true)
	res, err := h.opts.Scope.Capture(mode)
	if err != nil {
		h.opts.Jobs.SetResult(err, 0, "")
		slog.Warn("screenshot failed", "mode", mode, "err", err)
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	h.opts.Jobs.SetResult(nil, len(res.Image), "")

	if v, _ := strconv.ParseBool(r.URL.Query().Get("download")); v {
		name := scope.ScreenshotName(h.opts.Scope.Identity().Slug(), time.Now(), scope.FormatPNG)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Image)))
	w.Write(res.Image)
}

type captureResponse struct {
	Path  string `json:"path"`
	Bytes int    `json:"bytes"`
}

func (h *handler) handleCapture(w http.ResponseWriter, r *http.Request) {
	mode, err := h.requestMode(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s := h.opts.Settings.Get()
	h.opts.Jobs.SetCapturing(true)
	path, n, err := scope.RunSaveJob(h.opts.Scope, scope.SaveJob{Mode: mode, Format: s.Format, Output: s.OutputDir})
	h.opts.Jobs.SetResult(err, n, path)
	if err != nil {
		slog.Warn("capture job failed", "err", err)
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, captureResponse{Path: path, Bytes: n})
}

func (h *handler) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.opts.Scope.Statistics()
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	if stats == nil {
		stats = []scope.StatisticsRecord{}
	}
	writeJSON(w, http.StatusOK, stats)
}

func statusFor(err error) int {
	if errors.Is(err, scpi.ErrNotConnected) {
		return http.StatusServiceUnavailable
	}
	var te *scpi.TransferError
	if errors.As(err, &te) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// localIP returns the address of the interface that routes to the LAN.
func localIP() string {
	conn, err := net.Dial("udp4", "224.0.0.1:80")
	if err != nil {
		return "0.0.0.0"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}
