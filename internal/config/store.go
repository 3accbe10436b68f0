package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// Settings holds the capture defaults editable from the web API. Mode,
// Format, Profile, OutputDir and ESCLFullscreen apply to the next request;
// IntervalSeconds is read when serve starts.
type Settings struct {
	Mode            string `json:"mode"`    // normal, inksaver, fullscreen, inksaver+fullscreen
	Format          string `json:"format"`  // png, tiff, pdf
	Profile         string `json:"profile"` // mode-string, hardcopy-toggle; empty = chosen by model family
	OutputDir       string `json:"outputDir"`
	IntervalSeconds int    `json:"intervalSeconds"` // watch period; 0 disables
	ESCLFullscreen  bool   `json:"esclFullscreen"`
}

var (
	modeNames    = []string{"normal", "color", "colour", "inksaver", "ink-saver", "ink", "fullscreen", "full"}
	profileNames = []string{"", "mode-string", "modestring", "hardcopy-toggle", "hardcopy"}
)

func validMode(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return true
	}
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '+' || r == ',' }) {
		if !slices.Contains(modeNames, strings.TrimSpace(part)) {
			return false
		}
	}
	return true
}

// DefaultSettings returns the default capture settings.
func DefaultSettings() Settings {
	return Settings{
		Mode:   "normal",
		Format: "png",
	}
}

// Validate reports the first malformed field.
func (s Settings) Validate() error {
	if !validMode(s.Mode) {
		return fmt.Errorf("mode: unknown %q", s.Mode)
	}
	if !slices.Contains(profileNames, strings.ToLower(strings.TrimSpace(s.Profile))) {
		return fmt.Errorf("profile: unknown %q", s.Profile)
	}
	switch strings.ToLower(s.Format) {
	case "png", "tiff", "pdf":
	default:
		return fmt.Errorf("format: unsupported %q", s.Format)
	}
	if s.IntervalSeconds < 0 {
		return fmt.Errorf("intervalSeconds: must not be negative")
	}
	return nil
}

// Store provides thread-safe settings persistence backed by a JSON file.
type Store struct {
	mu       sync.RWMutex
	settings Settings
	path     string
}

// NewStore creates a Store persisting to dataDir/settings.json, seeded
// with defaults when the file is missing or invalid.
func NewStore(dataDir string, defaults Settings) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}
	s := &Store{
		path:     filepath.Join(dataDir, "settings.json"),
		settings: defaults,
	}
	s.load()
	return s, nil
}

// NewMemoryStore creates a Store without file persistence.
func NewMemoryStore(defaults Settings) *Store {
	return &Store{settings: defaults}
}

// Get returns a copy of the current settings.
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Update validates and replaces the settings, then persists them.
func (s *Store) Update(settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
	return s.save()
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	settings := s.settings
	if err := json.Unmarshal(data, &settings); err != nil {
		slog.Warn("invalid settings file, using defaults", "path", s.path, "err", err)
		return
	}
	if err := settings.Validate(); err != nil {
		slog.Warn("invalid settings file, using defaults", "path", s.path, "err", err)
		return
	}
	s.settings = settings
}

func (s *Store) save() error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.settings, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
