/*Package config holds the settings of the glint bench server.

Settings are layered: compiled-in defaults, then a YAML file, then
environment variables prefixed GLINT_.  An environment variable names a key
path with underscores, case insensitively, e.g.

	GLINT_MIRROR_ADDR=192.168.1.10:2006
	GLINT_SCAN_SETTLE=0.25
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	"github.com/glint-instrument/glintlab/camera"
	"github.com/glint-instrument/glintlab/comm"
	"github.com/glint-instrument/glintlab/roi"
	"github.com/glint-instrument/glintlab/scan"
	"github.com/glint-instrument/glintlab/segment"
	"github.com/glint-instrument/glintlab/util"
)

// EnvPrefix is the prefix of environment overrides
const EnvPrefix = "GLINT_"

// ErrInvalid is wrapped by every error of Validate
var ErrInvalid = errors.New("invalid configuration")

// Mirror configures the segmented mirror link
type Mirror struct {
	// Addr is host:port of the driver, or a serial device
	Addr string `yaml:"Addr" koanf:"Addr"`

	// Serial selects RS-232 instead of TCP
	Serial bool `yaml:"Serial" koanf:"Serial"`

	Baud int `yaml:"Baud" koanf:"Baud"`

	// Segments is the number of segments of the mirror
	Segments int `yaml:"Segments" koanf:"Segments"`

	// Limits is the stroke commanded positions are clamped to
	Limits segment.Limits `yaml:"Limits" koanf:"Limits"`

	// Timeout bounds every mirror call, in seconds
	Timeout float64 `yaml:"Timeout" koanf:"Timeout"`
}

// Transport returns the link settings for the mirror driver
func (m Mirror) Transport() comm.Settings {
	return comm.Settings{Baud: m.Baud, Timeout: util.SecsToDuration(m.Timeout)}
}

// Camera configures the detector
type Camera struct {
	// Path is the FITS file the acquisition software overwrites with each frame
	Path string `yaml:"Path" koanf:"Path"`

	// Timeout bounds one frame read, in seconds
	Timeout float64 `yaml:"Timeout" koanf:"Timeout"`

	// Average is the number of frames averaged per measurement
	Average int `yaml:"Average" koanf:"Average"`

	// Saturation is the raw level above which a frame is saturated
	Saturation float64 `yaml:"Saturation" koanf:"Saturation"`

	// DarkInterval is the pause between frames of a dark, in seconds
	DarkInterval float64 `yaml:"DarkInterval" koanf:"DarkInterval"`
}

// Results configures where scan files are written
type Results struct {
	Root    string `yaml:"Root" koanf:"Root"`
	Prefix  string `yaml:"Prefix" koanf:"Prefix"`
	Enabled bool   `yaml:"Enabled" koanf:"Enabled"`
}

// Live configures the refresh loop
type Live struct {
	FPS        float64 `yaml:"FPS" koanf:"FPS"`
	Width      int     `yaml:"Width" koanf:"Width"`
	RefChannel int     `yaml:"RefChannel" koanf:"RefChannel"`

	// Autostart begins refreshing when the server starts
	Autostart bool `yaml:"Autostart" koanf:"Autostart"`
}

// Config is everything the server needs
type Config struct {
	// Addr is the HTTP listen address
	Addr string `yaml:"Addr" koanf:"Addr"`

	// Mock replaces the mirror and the detector with a simulation
	Mock bool `yaml:"Mock" koanf:"Mock"`

	Mirror  Mirror        `yaml:"Mirror" koanf:"Mirror"`
	Camera  Camera        `yaml:"Camera" koanf:"Camera"`
	ROIs    roi.Table     `yaml:"ROIs" koanf:"ROIs"`
	Scan    scan.Settings `yaml:"Scan" koanf:"Scan"`
	Results Results       `yaml:"Results" koanf:"Results"`
	Live    Live          `yaml:"Live" koanf:"Live"`

	// Presets is the folder preset files are saved to and loaded from
	Presets string `yaml:"Presets" koanf:"Presets"`

	// StatusCapacity is the number of status messages retained
	StatusCapacity int `yaml:"StatusCapacity" koanf:"StatusCapacity"`
}

// Default returns the configuration used when nothing is overridden
func Default() Config {
	return Config{
		Addr: ":8000",
		Mock: true,
		Mirror: Mirror{
			Addr:     "localhost:2006",
			Baud:     115200,
			Segments: 37,
			Limits:   segment.Limits{Min: -2.5, Max: 2.5},
			Timeout:  3,
		},
		Camera: Camera{
			Path:         "frame.fits",
			Timeout:      2,
			Average:      1,
			Saturation:   camera.SaturationLevel,
			DarkInterval: 0.1,
		},
		ROIs:    roi.DefaultTable(),
		Scan:    scan.DefaultSettings(),
		Results: Results{Root: "results", Enabled: true},
		Live:    Live{FPS: 10, Width: 100, RefChannel: 16},
		Presets: "presets",

		StatusCapacity: 200,
	}
}

// Validate checks the values that cannot be clamped into range
func (c Config) Validate() error {
	if c.Mirror.Segments < 1 {
		return fmt.Errorf("%w: mirror must have at least one segment", ErrInvalid)
	}
	if c.Mirror.Limits.Min >= c.Mirror.Limits.Max {
		return fmt.Errorf("%w: mirror limits %v are empty", ErrInvalid, c.Mirror.Limits)
	}
	if err := c.ROIs.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Camera.Average < 1 {
		return fmt.Errorf("%w: camera average must be at least 1", ErrInvalid)
	}
	if c.Live.FPS <= 0 {
		return fmt.Errorf("%w: live refresh rate must be positive", ErrInvalid)
	}
	for _, t := range c.Scan.Calibration.TipTilt {
		if err := segment.Check(t.Segment, c.Mirror.Segments); err != nil {
			return fmt.Errorf("%w: tip/tilt target: %v", ErrInvalid, err)
		}
		if _, err := c.ROIs.Rect(t.Channel); err != nil {
			return fmt.Errorf("%w: tip/tilt target: %v", ErrInvalid, err)
		}
	}
	for _, n := range c.Scan.Calibration.Nulls {
		if _, err := c.ROIs.Rect(n.Channel); err != nil {
			return fmt.Errorf("%w: null %d: %v", ErrInvalid, n.ID, err)
		}
	}
	return nil
}

// Loader layers the sources of a configuration
type Loader struct {
	k *koanf.Koanf
}

// NewLoader returns a loader holding the defaults
func NewLoader() (*Loader, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, err
	}
	return &Loader{k: k}, nil
}

// File merges a YAML file.  A missing file is not an error.
func (l *Loader) File(path string) error {
	err := l.k.Load(file.Provider(path), yaml.Parser())
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// Env merges the GLINT_ environment variables.  Variables that do not name a
// known key are ignored.
func (l *Loader) Env() error {
	known := make(map[string]string)
	for _, key := range l.k.Keys() {
		known[strings.ToLower(key)] = key
	}
	return l.k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		path := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(s, EnvPrefix), "_", "."))
		return known[path]
	}), nil)
}

// Config decodes the merged layers
func (l *Loader) Config() (Config, error) {
	c := Config{}
	if err := l.k.Unmarshal("", &c); err != nil {
		return c, err
	}
	return c, nil
}

// Load returns the defaults overridden by the file at path and then the
// environment
func Load(path string) (Config, error) {
	l, err := NewLoader()
	if err != nil {
		return Config{}, err
	}
	if err = l.File(path); err != nil {
		return Config{}, err
	}
	if err = l.Env(); err != nil {
		return Config{}, err
	}
	return l.Config()
}
