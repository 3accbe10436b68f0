package scope

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/OpenPrinting/go-mfp/abstract"
	"github.com/OpenPrinting/go-mfp/util/generic"
	"github.com/OpenPrinting/go-mfp/util/uuid"
)

// Screen captures carry no physical size; they are presented as a platen
// image at this nominal resolution.
const screenDPI = 100

// ESCLAdapter presents the oscilloscope screen as an eSCL flatbed scanner.
// Each scan job is one screen capture.
type ESCLAdapter struct {
	scope      *Scope
	caps       *abstract.ScannerCapabilities
	fullscreen atomic.Bool
}

// NewESCLAdapter wraps s. With fullscreen set, every scan hides the menu
// and labels first.
func NewESCLAdapter(s *Scope, fullscreen bool) *ESCLAdapter {
	a := &ESCLAdapter{scope: s}
	a.fullscreen.Store(fullscreen)
	a.caps = a.buildCapabilities()
	return a
}

// SetFullscreen changes the fullscreen default for later scans.
func (a *ESCLAdapter) SetFullscreen(v bool) {
	a.fullscreen.Store(v)
}

func (a *ESCLAdapter) buildCapabilities() *abstract.ScannerCapabilities {
	profile := abstract.SettingsProfile{
		ColorModes: generic.MakeBitset(
			abstract.ColorModeColor,
			abstract.ColorModeMono,
			abstract.ColorModeBinary,
		),
		Depths: generic.MakeBitset(abstract.ColorDepth8),
		BinaryRenderings: generic.MakeBitset(
			abstract.BinaryRenderingThreshold,
		),
		Resolutions: []abstract.Resolution{
			{XResolution: screenDPI, YResolution: screenDPI},
		},
	}

	platen := &abstract.InputCapabilities{
		MinWidth:              10 * abstract.Millimeter,
		MaxWidth:              216 * abstract.Millimeter,
		MinHeight:             10 * abstract.Millimeter,
		MaxHeight:             297 * abstract.Millimeter,
		MaxOpticalXResolution: screenDPI,
		MaxOpticalYResolution: screenDPI,
		Intents: generic.MakeBitset(
			abstract.IntentDocument,
			abstract.IntentPhoto,
			abstract.IntentTextAndGraphic,
		),
		Profiles: []abstract.SettingsProfile{profile},
	}

	id := a.scope.Identity()
	addr := a.scope.Status().Address
	deviceUUID := uuid.SHA1(uuid.NameSpaceDNS, "scopecap."+addr)

	model := id.Model
	if model == "" {
		model = "Oscilloscope"
	}
	serial := id.Serial
	if serial == "" {
		serial = addr
	}

	return &abstract.ScannerCapabilities{
		UUID:            deviceUUID,
		MakeAndModel:    model,
		Manufacturer:    id.Manufacturer,
		SerialNumber:    serial,
		DocumentFormats: []string{"image/png", "image/jpeg", "application/pdf"},
		Platen:          platen,
	}
}

// Capabilities returns the scanner capabilities.
func (a *ESCLAdapter) Capabilities() *abstract.ScannerCapabilities {
	return a.caps
}

// Scan captures the screen in the mode the request's color mode maps to.
func (a *ESCLAdapter) Scan(ctx context.Context, req abstract.ScannerRequest) (abstract.Document, error) {
	if err := req.Validate(a.caps); err != nil {
		return nil, err
	}

	mode := mapCaptureMode(req, a.fullscreen.Load())
	slog.Info("escl scan requested",
		"colorMode", req.ColorMode,
		"format", req.DocumentFormat,
		"mode", mode,
	)

	res, err := a.scope.Capture(mode)
	if err != nil {
		return nil, err
	}

	doc := &pngDocument{
		res:   abstract.Resolution{XResolution: screenDPI, YResolution: screenDPI},
		pages: [][]byte{res.Image},
	}
	if req.DocumentFormat != "" && req.DocumentFormat != "image/png" {
		return abstract.NewFilter(doc, abstract.FilterOptions{
			OutputFormat: req.DocumentFormat,
		}), nil
	}
	return doc, nil
}

// Close disconnects the instrument.
func (a *ESCLAdapter) Close() error {
	return a.scope.Disconnect()
}

// mapCaptureMode maps an eSCL color mode onto a capture mode: color is the
// normal palette, grayscale and binary use ink-saver.
func mapCaptureMode(req abstract.ScannerRequest, fullscreen bool) CaptureMode {
	mode := ModeNormal
	switch req.ColorMode {
	case abstract.ColorModeMono, abstract.ColorModeBinary:
		mode |= ModeInkSaver
	}
	if fullscreen {
		mode |= ModeFullscreen
	}
	return mode
}

// pngDocument wraps captured PNG images as an abstract.Document.
type pngDocument struct {
	res   abstract.Resolution
	pages [][]byte
	idx   int
}

func (d *pngDocument) Resolution() abstract.Resolution { return d.res }

func (d *pngDocument) Next() (abstract.DocumentFile, error) {
	if d.idx >= len(d.pages) {
		return nil, io.EOF
	}
	f := &pngFile{Reader: bytes.NewReader(d.pages[d.idx])}
	d.idx++
	return f, nil
}

func (d *pngDocument) Close() error { return nil }

type pngFile struct {
	*bytes.Reader
}

func (f *pngFile) Format() string { return "image/png" }
