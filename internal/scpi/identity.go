package scpi

import (
	"fmt"
	"strings"
)

// Identity is the parsed reply to *IDN?.
type Identity struct {
	Manufacturer string
	Model        string
	Serial       string
	Firmware     string
}

// ParseIdentity splits an *IDN? reply. The model is the second field; a reply
// without one is an error and yields an Identity whose Slug is "UNKNOWN".
func ParseIdentity(s string) (Identity, error) {
	fields := strings.Split(strings.TrimSpace(s), ",")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	if len(fields) < 2 || fields[1] == "" {
		return Identity{}, fmt.Errorf("scpi: incomplete identification %q", s)
	}
	id := Identity{Manufacturer: fields[0], Model: fields[1]}
	if len(fields) > 2 {
		id.Serial = fields[2]
	}
	if len(fields) > 3 {
		id.Firmware = strings.Join(fields[3:], ",")
	}
	return id, nil
}

// Slug returns the model name reduced to filename-safe characters: spaces
// and slashes become '_', anything else outside [A-Za-z0-9_-] is dropped.
func (id Identity) Slug() string {
	slug := strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r == ' ', r == '/', r == '\\':
			return '_'
		}
		return -1
	}, id.Model)
	if slug == "" {
		return "UNKNOWN"
	}
	return slug
}

func (id Identity) String() string {
	if id.Model == "" {
		return "unknown instrument"
	}
	return fmt.Sprintf("%s %s (%s)", id.Manufacturer, id.Model, id.Serial)
}
