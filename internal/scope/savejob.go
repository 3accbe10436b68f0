package scope

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Output formats for saved captures.
const (
	FormatPNG  = "png"
	FormatTIFF = "tiff"
	FormatPDF  = "pdf"
)

// CaptureJobSnapshot is a point-in-time copy of a CaptureJobStatus.
type CaptureJobSnapshot struct {
	Capturing   bool   `json:"capturing"`
	LastError   string `json:"lastError,omitempty"`
	LastCapture string `json:"lastCapture,omitempty"` // RFC3339
	Bytes       int    `json:"bytes"`
	FilePath    string `json:"filePath,omitempty"`
	Count       int    `json:"count"`
}

// CaptureJobStatus tracks the state of saved captures (CLI, watch, web).
type CaptureJobStatus struct {
	mu   sync.RWMutex
	snap CaptureJobSnapshot
}

// Snapshot returns a copy of the current status.
func (s *CaptureJobStatus) Snapshot() CaptureJobSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// SetCapturing marks a capture as in progress.
func (s *CaptureJobStatus) SetCapturing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Capturing = v
	if v {
		s.snap.LastError = ""
	}
}

// SetResult records the outcome of a finished job.
func (s *CaptureJobStatus) SetResult(err error, n int, filePath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Capturing = false
	s.snap.LastCapture = time.Now().UTC().Format(time.RFC3339)
	s.snap.Bytes = n
	s.snap.FilePath = filePath
	if err != nil {
		s.snap.LastError = err.Error()
		return
	}
	s.snap.LastError = ""
	s.snap.Count++
}

// ScreenshotName returns {SLUG}_screenshot_{YYYYMMDD}_{HHMM}.{ext}.
func ScreenshotName(slug string, t time.Time, ext string) string {
	return fmt.Sprintf("%s_screenshot_%s.%s", slug, t.Format("20060102_1504"), ext)
}

// OutputPath resolves where a capture named name is written. An existing
// directory, a trailing separator or a base name without an extension is a
// directory; a path with an extension contributes only its directory.
func OutputPath(output, name string) string {
	if output == "" {
		return name
	}
	if st, err := os.Stat(output); err == nil && st.IsDir() {
		return filepath.Join(output, name)
	}
	if strings.HasSuffix(output, "/") || strings.HasSuffix(output, `\`) {
		return filepath.Join(output, name)
	}
	base := filepath.Base(output)
	if strings.Contains(base, ".") && !strings.HasSuffix(base, ".") {
		return filepath.Join(filepath.Dir(output), name)
	}
	return filepath.Join(output, name)
}

// SaveJob describes one capture-and-save.
type SaveJob struct {
	Mode   CaptureMode
	Format string // FormatPNG when empty
	Output string // file or directory, see OutputPath
	Note   string // banner text drawn below the image
	Now    func() time.Time
}

// RunSaveJob captures the screen and writes it. It returns the written
// path and the number of image bytes.
func RunSaveJob(sc *Scope, job SaveJob) (string, int, error) {
	now := time.Now
	if job.Now != nil {
		now = job.Now
	}
	format := strings.ToLower(job.Format)
	if format == "" {
		format = FormatPNG
	}
	switch format {
	case FormatPNG, FormatTIFF, FormatPDF:
	default:
		return "", 0, fmt.Errorf("unsupported output format %q", job.Format)
	}

	slog.Info("capture job starting", "mode", job.Mode, "format", format, "output", job.Output)
	res, err := sc.Capture(job.Mode)
	if err != nil {
		return "", 0, fmt.Errorf("capture: %w", err)
	}
	if len(res.Image) == 0 {
		return "", 0, fmt.Errorf("capture returned no image")
	}

	taken := now()
	id := sc.Identity()
	outPath := OutputPath(job.Output, ScreenshotName(id.Slug(), taken, format))
	if dir := filepath.Dir(outPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", len(res.Image), fmt.Errorf("create output directory: %w", err)
		}
	}

	data, err := Annotate(res.Image, job.Note)
	if err != nil {
		return "", len(res.Image), err
	}
	switch format {
	case FormatTIFF:
		data, err = EncodeTIFF(data, job.Mode.InkSaver())
		if err != nil {
			return "", len(res.Image), err
		}
	case FormatPDF:
		page := ReportPage{Title: id.Serial, Taken: taken, Mode: job.Mode, Image: data}
		data, err = GeneratePDF(id.Model, []ReportPage{page}, nil)
		if err != nil {
			return "", len(res.Image), err
		}
	}
	if err := os.WriteFile(outPath, data, 0644); err != nil {
		return "", len(res.Image), fmt.Errorf("write %s: %w", outPath, err)
	}
	slog.Info("capture saved", "path", outPath, "bytes", len(data))
	return outPath, len(res.Image), nil
}
