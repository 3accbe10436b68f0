package scope

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/mzyy94/scopecap/internal/scpi"
)

// Commander is the part of a SCPI session the display transaction needs.
type Commander interface {
	Write(cmd string) error
	Query(cmd string) (string, error)
}

// Setting is a display parameter addressed by its SCPI header. A queryable
// setting is read with Header+"?"; a write-only one has no query form.
type Setting struct {
	Name      string
	Header    string
	Queryable bool
}

// Display settings touched by fullscreen capture.
var (
	SettingMenu       = Setting{Name: "menu", Header: ":DISP:MENU"}
	SettingLabels     = Setting{Name: "labels", Header: ":DISP:LAB", Queryable: true}
	SettingAxisLabels = Setting{Name: "axis-labels", Header: ":DISP:GRAT:ALAB", Queryable: true}
	SettingGraticule  = Setting{Name: "graticule-intensity", Header: ":DISP:GRAT:INT", Queryable: true}
)

// SettingValue pairs a setting with the value to write.
type SettingValue struct {
	Setting Setting
	Value   string
}

// SettingResult reports what happened to one setting. Err is a
// *scpi.CosmeticSettingError when the step failed.
type SettingResult struct {
	Setting string `json:"setting"`
	Op      string `json:"op"`
	Changed bool   `json:"changed"`
	Err     error  `json:"-"`
}

// Snapshot holds the pre-change values of queryable settings in the order
// they were read.
type Snapshot struct {
	entries []SettingValue
}

// Get returns the snapshotted value of the named setting.
func (s *Snapshot) Get(name string) (string, bool) {
	if s == nil {
		return "", false
	}
	for _, e := range s.entries {
		if e.Setting.Name == name {
			return e.Value, true
		}
	}
	return "", false
}

// Len returns the number of snapshotted settings.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// Values returns the snapshot as restorable setting values.
func (s *Snapshot) Values() []SettingValue {
	if s == nil {
		return nil
	}
	return append([]SettingValue(nil), s.entries...)
}

// normalize folds SCPI booleans and numeric spellings so "ON", "1" and
// "+1.000E+00" compare equal.
func normalize(v string) string {
	v = strings.ToUpper(strings.TrimSpace(v))
	switch v {
	case "ON":
		return "1"
	case "OFF":
		return "0"
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return v
}

func cosmetic(sv Setting, op string, err error) SettingResult {
	ce := &scpi.CosmeticSettingError{Setting: sv.Name, Op: op, Err: err}
	slog.Warn("display setting failed", "setting", sv.Name, "op", op, "err", err)
	return SettingResult{Setting: sv.Name, Op: op, Err: ce}
}

// BeginDisplay snapshots each queryable setting and writes the wanted value
// when it differs. Write-only settings are written unconditionally. Every
// setting is handled independently; a failure is recorded in the results
// and never aborts the others. A setting whose query fails is not written,
// since it could not be restored.
func BeginDisplay(c Commander, wanted []SettingValue) (*Snapshot, []SettingResult) {
	snap := &Snapshot{}
	results := make([]SettingResult, 0, len(wanted))
	for _, w := range wanted {
		if w.Setting.Queryable {
			cur, err := c.Query(w.Setting.Header + "?")
			if err != nil {
				results = append(results, cosmetic(w.Setting, "query", err))
				continue
			}
			snap.entries = append(snap.entries, SettingValue{Setting: w.Setting, Value: cur})
			if normalize(cur) == normalize(w.Value) {
				results = append(results, SettingResult{Setting: w.Setting.Name, Op: "write"})
				continue
			}
		}
		if err := c.Write(w.Setting.Header + " " + w.Value); err != nil {
			results = append(results, cosmetic(w.Setting, "write", err))
			continue
		}
		results = append(results, SettingResult{Setting: w.Setting.Name, Op: "write", Changed: true})
	}
	return snap, results
}

// EndDisplay writes restore, or the snapshot itself when restore is nil.
// Write-only settings are never restored. Each write is independent and
// failures are only recorded.
func EndDisplay(c Commander, snap *Snapshot, restore []SettingValue) []SettingResult {
	if restore == nil {
		restore = snap.Values()
	}
	results := make([]SettingResult, 0, len(restore))
	for _, r := range restore {
		if !r.Setting.Queryable {
			continue
		}
		if err := c.Write(r.Setting.Header + " " + r.Value); err != nil {
			results = append(results, cosmetic(r.Setting, "restore", err))
			continue
		}
		results = append(results, SettingResult{Setting: r.Setting.Name, Op: "restore", Changed: true})
	}
	return results
}

// FullscreenSettings hides the menu, labels and axis labels and turns the
// graticule off.
func FullscreenSettings() []SettingValue {
	return []SettingValue{
		{Setting: SettingMenu, Value: "OFF"},
		{Setting: SettingLabels, Value: "OFF"},
		{Setting: SettingAxisLabels, Value: "0"},
		{Setting: SettingGraticule, Value: "0"},
	}
}

// Failures counts the results that carry an error.
func Failures(results []SettingResult) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}
