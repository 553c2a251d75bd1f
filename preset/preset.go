/*Package preset saves and restores named snapshots of the mirror.

A preset file holds three snapshots, On, Off and Flat, each one row of
piston, tip and tilt per segment.  The file is FITS with one 64-bit float
image per snapshot, so values come back bit for bit.
*/
package preset

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/glint-instrument/glintlab/camera"
	"github.com/glint-instrument/glintlab/segment"
)

// ErrNotFound is returned by Load when there is no preset file.  It wraps
// fs.ErrNotExist.
var ErrNotFound = fmt.Errorf("preset not found: %w", fs.ErrNotExist)

// ErrUnknownName is returned for a preset name other than on, off or flat
var ErrUnknownName = errors.New("unknown preset name")

// Extension is appended to paths saved without one
const Extension = ".fits"

// Name is one of the three snapshots of a preset
type Name string

const (
	// On is the aligned mirror
	On Name = "on"

	// Off is the mirror with the beams steered away
	Off Name = "off"

	// Flat is the flattened mirror
	Flat Name = "flat"
)

// Names lists the snapshots in file order
var Names = []Name{On, Off, Flat}

// ParseName converts a string to a Name, case-insensitively
func ParseName(s string) (Name, error) {
	n := Name(strings.ToLower(s))
	for _, v := range Names {
		if n == v {
			return n, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownName, s)
}

// Label is how the name is shown to the operator, On, Off or Flat
func (n Name) Label() string {
	if n == "" {
		return ""
	}
	return strings.ToUpper(string(n[:1])) + string(n[1:])
}

// Set is the content of one preset file
type Set struct {
	On   segment.Matrix `json:"on"`
	Off  segment.Matrix `json:"off"`
	Flat segment.Matrix `json:"flat"`
}

// Get returns the snapshot with the given name
func (s Set) Get(n Name) (segment.Matrix, error) {
	switch n {
	case On:
		return s.On, nil
	case Off:
		return s.Off, nil
	case Flat:
		return s.Flat, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownName, string(n))
}

func (s *Set) put(n Name, m segment.Matrix) error {
	switch n {
	case On:
		s.On = m
	case Off:
		s.Off = m
	case Flat:
		s.Flat = m
	default:
		return fmt.Errorf("%w: %q", ErrUnknownName, string(n))
	}
	return nil
}

// Path appends Extension to p if it has no extension
func Path(p string) string {
	if filepath.Ext(p) == "" {
		return p + Extension
	}
	return p
}

// Save writes s to path, creating its directory if needed, and returns the
// path written
func Save(path string, s Set) (string, error) {
	path = Path(path)
	layers := make([]camera.Layer, 0, len(Names))
	for _, n := range Names {
		m, _ := s.Get(n)
		if len(m) == 0 {
			return "", fmt.Errorf("preset %s is empty", n.Label())
		}
		layers = append(layers, camera.Layer{
			Name:  strings.ToUpper(string(n)),
			Shape: []int{len(m), 3},
			Data:  m.Rows(),
		})
	}
	if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
		return "", fmt.Errorf("creating preset folder: %w", err)
	}
	if err := camera.WriteFitsFile(path, layers); err != nil {
		return "", fmt.Errorf("writing preset %s: %w", path, err)
	}
	return path, nil
}

// Load reads a preset file.  A path without extension is also tried with
// Extension.  The loaded set is not applied to the mirror.
func Load(path string) (Set, error) {
	var s Set
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if alt := Path(path); alt != path {
			path = alt
		}
	}
	layers, err := camera.ReadFitsFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return s, fmt.Errorf("reading preset %s: %w", path, err)
	}
	for _, n := range Names {
		l, ok := camera.Find(layers, string(n))
		if !ok {
			return s, fmt.Errorf("preset %s has no %s snapshot", path, n.Label())
		}
		if len(l.Shape) != 2 || l.Shape[1] != 3 {
			return s, fmt.Errorf("preset %s: %s snapshot has shape %v, want Nx3", path, n.Label(), l.Shape)
		}
		m, err := segment.FromRows(l.Data)
		if err != nil {
			return s, err
		}
		s.put(n, m)
	}
	return s, nil
}

// Bank holds the three snapshots in memory between captures, restores and
// file round trips
type Bank struct {
	mu  sync.RWMutex
	set Set
}

// NewBank returns a bank with three flat snapshots of n segments
func NewBank(n int) *Bank {
	return &Bank{set: Set{
		On:   segment.NewMatrix(n),
		Off:  segment.NewMatrix(n),
		Flat: segment.NewMatrix(n),
	}}
}

// Capture stores a copy of m under name
func (b *Bank) Capture(n Name, m segment.Matrix) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.set.put(n, m.Clone())
}

// Get returns a copy of the snapshot stored under name
func (b *Bank) Get(n Name) (segment.Matrix, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, err := b.set.Get(n)
	return m.Clone(), err
}

// Set returns a copy of all three snapshots
func (b *Bank) Set() Set {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Set{On: b.set.On.Clone(), Off: b.set.Off.Clone(), Flat: b.set.Flat.Clone()}
}

// Replace swaps in all three snapshots, as after a Load
func (b *Bank) Replace(s Set) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.set = Set{On: s.On.Clone(), Off: s.Off.Clone(), Flat: s.Flat.Clone()}
}
