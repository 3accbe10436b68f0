// Package config loads the scopecap configuration file and persists the
// capture settings edited at runtime.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the YAML configuration file.
type File struct {
	Instrument InstrumentConfig `yaml:"instrument"`
	Transport  TransportConfig  `yaml:"transport"`
	Capture    CaptureConfig    `yaml:"capture"`
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
}

type InstrumentConfig struct {
	Address      string        `yaml:"address"`
	Hint         string        `yaml:"hint"`
	Timeout      time.Duration `yaml:"timeout"`
	ChunkSize    int           `yaml:"chunk_size"`
	MaxBlockSize int           `yaml:"max_block_size"`
	Profile      string        `yaml:"profile"`
}

type TransportConfig struct {
	Hosts         []string       `yaml:"hosts"`
	BrowseTimeout time.Duration  `yaml:"browse_timeout"`
	DialTimeout   time.Duration  `yaml:"dial_timeout"`
	USB           bool           `yaml:"usb"`
	Prologix      PrologixConfig `yaml:"prologix"`
}

type PrologixConfig struct {
	Ports     []string `yaml:"ports"`
	Addresses []int    `yaml:"addresses"`
	BaudRate  int      `yaml:"baud_rate"`
}

type CaptureConfig struct {
	Mode     string        `yaml:"mode"`
	Format   string        `yaml:"format"`
	Output   string        `yaml:"output"`
	Interval time.Duration `yaml:"interval"`
}

type ServerConfig struct {
	Port       int    `yaml:"port"`
	DataDir    string `yaml:"data_dir"`
	Fullscreen bool   `yaml:"escl_fullscreen"`
	Advertise  bool   `yaml:"advertise"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given.
func Default() *File {
	return &File{
		Instrument: InstrumentConfig{
			Timeout: 30 * time.Second,
		},
		Transport: TransportConfig{
			BrowseTimeout: 2 * time.Second,
			DialTimeout:   5 * time.Second,
			USB:           true,
			Prologix:      PrologixConfig{BaudRate: 115200},
		},
		Capture: CaptureConfig{
			Mode:     "normal",
			Format:   "png",
			Interval: time.Minute,
		},
		Server: ServerConfig{
			Port:      8080,
			DataDir:   "./data",
			Advertise: true,
		},
		Log: LogConfig{Level: "info"},
	}
}

// LoadFile reads path over the defaults; keys absent from the file keep
// their default values.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Settings derives the initial runtime settings from the file.
func (f *File) Settings() Settings {
	s := DefaultSettings()
	if f.Capture.Mode != "" {
		s.Mode = f.Capture.Mode
	}
	if f.Capture.Format != "" {
		s.Format = f.Capture.Format
	}
	s.Profile = f.Instrument.Profile
	s.OutputDir = f.Capture.Output
	s.IntervalSeconds = int(f.Capture.Interval / time.Second)
	s.ESCLFullscreen = f.Server.Fullscreen
	return s
}
