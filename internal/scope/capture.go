package scope

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mzyy94/scopecap/internal/scpi"
)

// CaptureMode selects the display data variant. InkSaver and Fullscreen
// combine.
type CaptureMode uint8

const (
	ModeNormal     CaptureMode = 0
	ModeInkSaver   CaptureMode = 1 << 0
	ModeFullscreen CaptureMode = 1 << 1
)

func (m CaptureMode) InkSaver() bool   { return m&ModeInkSaver != 0 }
func (m CaptureMode) Fullscreen() bool { return m&ModeFullscreen != 0 }

func (m CaptureMode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeInkSaver:
		return "inksaver"
	case ModeFullscreen:
		return "fullscreen"
	case ModeInkSaver | ModeFullscreen:
		return "inksaver+fullscreen"
	}
	return fmt.Sprintf("CaptureMode(%d)", uint8(m))
}

// ParseCaptureMode accepts "normal", "inksaver", "fullscreen" and
// combinations joined by '+' or ','.
func ParseCaptureMode(s string) (CaptureMode, error) {
	var m CaptureMode
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ModeNormal, nil
	}
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '+' || r == ',' }) {
		switch strings.TrimSpace(part) {
		case "normal", "color", "colour":
		case "inksaver", "ink-saver", "ink":
			m |= ModeInkSaver
		case "fullscreen", "full":
			m |= ModeFullscreen
		default:
			return 0, fmt.Errorf("unknown capture mode %q", part)
		}
	}
	return m, nil
}

// FirmwareProfile picks how ink-saver capture is requested.
type FirmwareProfile int

const (
	// ProfileModeString selects ink-saver through the display data format
	// argument (PNG,COLor or PNG,INKSaver).
	ProfileModeString FirmwareProfile = iota
	// ProfileHardcopyToggle always requests PNG,SCReen,ON,NORMal and relies
	// on :HARDcopy:INKSaver alone.
	ProfileHardcopyToggle
)

func (p FirmwareProfile) String() string {
	switch p {
	case ProfileModeString:
		return "mode-string"
	case ProfileHardcopyToggle:
		return "hardcopy-toggle"
	}
	return fmt.Sprintf("FirmwareProfile(%d)", int(p))
}

// ParseProfile parses a profile name as printed by String.
func ParseProfile(s string) (FirmwareProfile, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mode-string", "modestring":
		return ProfileModeString, nil
	case "hardcopy-toggle", "hardcopy":
		return ProfileHardcopyToggle, nil
	}
	return 0, fmt.Errorf("unknown firmware profile %q", s)
}

// Display data commands.
const (
	CmdInkSaverOn      = ":HARDcopy:INKSaver ON"
	CmdInkSaverOff     = ":HARDcopy:INKSaver OFF"
	CmdDataColor       = ":DISPlay:DATA? PNG,COLor"
	CmdDataInkSaver    = ":DISPlay:DATA? PNG,INKSaver"
	CmdDataScreenColor = ":DISPlay:DATA? PNG,SCReen,ON,NORMal"
)

// DataQuery returns the display data query for mode under p.
func (p FirmwareProfile) DataQuery(mode CaptureMode) string {
	if p == ProfileHardcopyToggle {
		return CmdDataScreenColor
	}
	if mode.InkSaver() {
		return CmdDataInkSaver
	}
	return CmdDataColor
}

// CaptureState is a step of the capture state machine.
type CaptureState int

const (
	StateIdle CaptureState = iota
	StateDisplayPrepared
	StateCapturing
	StateDisplayRestoring
)

func (s CaptureState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDisplayPrepared:
		return "display-prepared"
	case StateCapturing:
		return "capturing"
	case StateDisplayRestoring:
		return "display-restoring"
	}
	return fmt.Sprintf("CaptureState(%d)", int(s))
}

// BlockSession is a session that can also read binary blocks.
// *scpi.Session implements it.
type BlockSession interface {
	Commander
	ReadBlock(query string) ([]byte, error)
}

// CaptureOptions configures one capture.
type CaptureOptions struct {
	Profile FirmwareProfile
	OnState func(CaptureState)
}

// CaptureResult is the outcome of a capture. Display holds the per-setting
// outcome of preparation and restoration.
type CaptureResult struct {
	Image   []byte
	Mode    CaptureMode
	Query   string
	Display []SettingResult
}

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// Capture reads one screen image. With Fullscreen the display is prepared
// first and restored on every exit path. Display failures are recorded in
// the result; a failed transfer is returned as *scpi.TransferError together
// with a result that has Display filled in and no Image.
func Capture(sess BlockSession, mode CaptureMode, opts CaptureOptions) (*CaptureResult, error) {
	enter := func(s CaptureState) {
		slog.Debug("capture state", "state", s, "mode", mode)
		if opts.OnState != nil {
			opts.OnState(s)
		}
	}
	res := &CaptureResult{Mode: mode, Query: opts.Profile.DataQuery(mode)}

	if mode.Fullscreen() {
		snap, prepared := BeginDisplay(sess, FullscreenSettings())
		res.Display = append(res.Display, prepared...)
		enter(StateDisplayPrepared)
		defer func() {
			enter(StateDisplayRestoring)
			res.Display = append(res.Display, EndDisplay(sess, snap, nil)...)
			enter(StateIdle)
		}()
	} else {
		defer enter(StateIdle)
	}

	enter(StateCapturing)
	ink := CmdInkSaverOff
	if mode.InkSaver() {
		ink = CmdInkSaverOn
	}
	if err := sess.Write(ink); err != nil {
		return res, &scpi.TransferError{Mode: mode.String(), Err: err}
	}
	img, err := sess.ReadBlock(res.Query)
	if err != nil {
		return res, &scpi.TransferError{Mode: mode.String(), Err: err}
	}
	if !bytes.HasPrefix(img, pngSignature) {
		slog.Warn("display data is not a PNG", "bytes", len(img))
	}
	res.Image = img
	slog.Info("screen captured", "mode", mode, "bytes", len(img), "display_failures", Failures(res.Display))
	return res, nil
}
