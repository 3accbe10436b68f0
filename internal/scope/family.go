package scope

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

// Kind tags the capability variant of a Family.
type Kind int

const (
	KindBase       Kind = iota // analog channels only
	KindDigitalPod             // analog channels plus digital pods
	KindNamed                  // a specific model with fixed channel count
)

func (k Kind) String() string {
	switch k {
	case KindBase:
		return "base"
	case KindDigitalPod:
		return "digital-pod"
	case KindNamed:
		return "named"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Statistics commands shared by the supported families.
const (
	CmdMeasureMenu     = "SYSTem:MENU MEASure"
	CmdStatisticsOn    = "MEASure:STATistics:DISPlay ON"
	CmdMeasureResults  = ":MEASure:RESults?"
	DefaultAnalogCount = 4
	DefaultDigitalPods = 2
	channelPrefix      = "CHAN"
	podPrefix          = "POD"
)

// Family is the data attached to a model-family tag: which channels are
// addressable and how the statistics table is laid out.
type Family struct {
	Series         string
	Kind           Kind
	AnalogChannels int
	DigitalPods    int
	StatLayout     []StatField
	StatQuery      string
	StatSetup      []string
	Profile        FirmwareProfile
}

type familyRule struct {
	re    *regexp.Regexp
	build func(m []string) Family
}

func base(series string, channels int) Family {
	return Family{
		Series:         series,
		Kind:           KindBase,
		AnalogChannels: channels,
		StatLayout:     DefaultStatLayout,
		StatQuery:      CmdMeasureResults,
		StatSetup:      []string{CmdMeasureMenu, CmdStatisticsOn},
		Profile:        ProfileModeString,
	}
}

func withPods(f Family, series string) Family {
	f.Series = series
	f.Kind = KindDigitalPod
	f.DigitalPods = DefaultDigitalPods
	return f
}

func digit(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n == 0 {
		return fallback
	}
	return n
}

// Rules are tried in order; named models come before their series pattern.
var familyRules = []familyRule{
	{regexp.MustCompile(`^DHO924S$`), func(m []string) Family {
		f := withPods(base("DHO924S", 4), "DHO924S")
		f.Kind = KindNamed
		return f
	}},
	{regexp.MustCompile(`^DHO\d{2,3}(\d)(S?)$`), func(m []string) Family {
		f := base("DHO", digit(m[1], DefaultAnalogCount))
		if m[2] == "S" {
			f = withPods(f, "DHOS")
		}
		return f
	}},
	{regexp.MustCompile(`^MSO-?X\s*\d{3}(\d)[A-Z]?$`), func(m []string) Family {
		return withPods(base("MSOX", digit(m[1], DefaultAnalogCount)), "MSOX")
	}},
	{regexp.MustCompile(`^DSO-?X\s*\d{3}(\d)[A-Z]?$`), func(m []string) Family {
		return base("DSOX", digit(m[1], DefaultAnalogCount))
	}},
	{regexp.MustCompile(`^MXR\d{2}(\d)[A-Z]?$`), func(m []string) Family {
		f := base("MXR", digit(m[1], DefaultAnalogCount))
		f.Profile = ProfileHardcopyToggle
		return f
	}},
	{regexp.MustCompile(`^UXR\d{3}(\d)[A-Z]?$`), func(m []string) Family {
		f := base("UXR", digit(m[1], DefaultAnalogCount))
		f.Profile = ProfileHardcopyToggle
		return f
	}},
}

// FamilyFor selects the family for an *IDN? model name. Unknown models get
// a generic four channel base family.
func FamilyFor(model string) Family {
	model = strings.ToUpper(strings.TrimSpace(model))
	for _, r := range familyRules {
		if m := r.re.FindStringSubmatch(model); m != nil {
			return r.build(m)
		}
	}
	return base("Generic", DefaultAnalogCount)
}

// ValidChannels lists addressable channels: CHAN1..CHANn then POD1..PODm.
func (f Family) ValidChannels() []string {
	out := make([]string, 0, f.AnalogChannels+f.DigitalPods)
	for i := 1; i <= f.AnalogChannels; i++ {
		out = append(out, channelPrefix+strconv.Itoa(i))
	}
	for i := 1; i <= f.DigitalPods; i++ {
		out = append(out, podPrefix+strconv.Itoa(i))
	}
	return out
}

// ValidateChannel normalizes id ("1", "chan2", "CHANnel3", "pod1") and
// checks it against ValidChannels.
func (f Family) ValidateChannel(id string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(id))
	switch {
	case strings.HasPrefix(s, "CHANNEL"):
		s = channelPrefix + s[len("CHANNEL"):]
	case strings.HasPrefix(s, channelPrefix), strings.HasPrefix(s, podPrefix):
	default:
		s = channelPrefix + s
	}
	for _, c := range f.ValidChannels() {
		if c == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("channel %q not valid for %s (valid: %s)", id, f.Series, strings.Join(f.ValidChannels(), ", "))
}

// StatisticsRecord is one row of the measurement statistics table.
type StatisticsRecord struct {
	Label   string  `json:"label"`
	Current float64 `json:"current"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Mean    float64 `json:"mean"`
	StdDev  float64 `json:"stddev"`
	Count   int     `json:"count"`
}

// StatField names what one column of a statistics row holds.
type StatField int

const (
	StatSkip StatField = iota
	StatLabel
	StatCurrent
	StatMin
	StatMax
	StatMean
	StatStdDev
	StatCount
)

// DefaultStatLayout is the row of :MEASure:RESults? with statistics on:
// label, current, min, max, mean, std dev, count.
var DefaultStatLayout = []StatField{
	StatLabel, StatCurrent, StatMin, StatMax, StatMean, StatStdDev, StatCount,
}

// DecodeStatistics groups flat into rows laid out as StatLayout. A length
// that is not a multiple of the row width, or any unparsable number, yields
// no records.
func (f Family) DecodeStatistics(flat []string) []StatisticsRecord {
	layout := f.StatLayout
	if len(layout) == 0 {
		layout = DefaultStatLayout
	}
	cols := len(layout)
	if len(flat) == 0 {
		return nil
	}
	if len(flat)%cols != 0 {
		slog.Warn("unexpected statistics response; no measurements enabled?", "fields", len(flat), "columns", cols)
		return nil
	}
	out := make([]StatisticsRecord, 0, len(flat)/cols)
	for i := 0; i < len(flat); i += cols {
		rec, err := decodeRow(flat[i:i+cols], layout)
		if err != nil {
			slog.Warn("unparsable statistics row", "row", i/cols, "err", err)
			return nil
		}
		out = append(out, rec)
	}
	return out
}

func decodeRow(row []string, layout []StatField) (StatisticsRecord, error) {
	if len(row) != len(layout) {
		return StatisticsRecord{}, fmt.Errorf("row has %d fields, want %d", len(row), len(layout))
	}
	var rec StatisticsRecord
	for j, field := range layout {
		v := strings.TrimSpace(row[j])
		if field == StatLabel {
			rec.Label = v
			continue
		}
		if field == StatSkip {
			continue
		}
		if field == StatCount {
			n, err := parseCount(v)
			if err != nil {
				return StatisticsRecord{}, fmt.Errorf("count: %w", err)
			}
			rec.Count = n
			continue
		}
		x, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return StatisticsRecord{}, fmt.Errorf("field %d: %w", j, err)
		}
		switch field {
		case StatCurrent:
			rec.Current = x
		case StatMin:
			rec.Min = x
		case StatMax:
			rec.Max = x
		case StatMean:
			rec.Mean = x
		case StatStdDev:
			rec.StdDev = x
		}
	}
	return rec, nil
}

// parseCount accepts "12" as well as the "1.2E+1" form some firmware sends.
func parseCount(s string) (int, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return int(v), nil
}
