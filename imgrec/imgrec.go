// Package imgrec contains the recorder used to save scan results to disk.
package imgrec

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glint-instrument/glintlab/camera"
	"github.com/glint-instrument/glintlab/generichttp"
)

// Recorder writes FITS files with timestamped names into yyyy-mm-dd
// subfolders of Root.  It is safe for concurrent use.
type Recorder struct {
	mu sync.Mutex

	// root is the root path
	root string

	// prefix is prepended to every file name
	prefix string

	// enabled gates Write; a disabled recorder writes nothing
	enabled bool

	// Now is the clock used for folders and timestamps
	Now func() time.Time
}

// New returns an enabled recorder writing under root
func New(root string) *Recorder {
	return &Recorder{root: root, enabled: true, Now: time.Now}
}

// Root returns the root folder
func (r *Recorder) Root() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.root
}

// SetRoot changes the root folder, creating it if needed
func (r *Recorder) SetRoot(root string) error {
	if err := os.MkdirAll(root, 0777); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.root = root
	return nil
}

// Prefix returns the file name prefix
func (r *Recorder) Prefix() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.prefix
}

// SetPrefix changes the file name prefix
func (r *Recorder) SetPrefix(p string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefix = p
}

// Enabled returns true if Write saves files
func (r *Recorder) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// SetEnabled turns saving on or off
func (r *Recorder) SetEnabled(b bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = b
}

// Stamp formats t to microseconds, 20060102T150405000000
func Stamp(t time.Time) string {
	return t.Format("20060102T150405") + fmt.Sprintf("%06d", t.Nanosecond()/1000)
}

// Folder returns today's folder, creating it
func (r *Recorder) Folder() (string, error) {
	r.mu.Lock()
	root, now := r.root, r.Now()
	r.mu.Unlock()
	fldr := filepath.Join(root, now.Format("2006-01-02"))
	return fldr, os.MkdirAll(fldr, 0777)
}

// Name returns the full path of a file called <prefix><stem>_<stamp>.fits in
// today's folder, without creating the file
func (r *Recorder) Name(stem, stamp string) (string, error) {
	fldr, err := r.Folder()
	if err != nil {
		return "", err
	}
	return filepath.Join(fldr, r.Prefix()+stem+"_"+stamp+".fits"), nil
}

// Write saves layers as <prefix><stem>_<stamp>.fits and returns the path.
// A disabled recorder returns "" and no error.
func (r *Recorder) Write(stem, stamp string, layers []camera.Layer) (string, error) {
	if !r.Enabled() {
		return "", nil
	}
	fn, err := r.Name(stem, stamp)
	if err != nil {
		return "", fmt.Errorf("creating result folder: %w", err)
	}
	if err = camera.WriteFitsFile(fn, layers); err != nil {
		return "", fmt.Errorf("writing %s: %w", fn, err)
	}
	return fn, nil
}

// HTTPWrapper is an HTTP wrapper around a recorder that allows the folder
// and prefix to be changed on the fly
type HTTPWrapper struct {
	*Recorder

	RouteTable generichttp.RouteTable
}

// NewHTTPWrapper returns an HTTP wrapper around a recorder
func NewHTTPWrapper(r *Recorder) HTTPWrapper {
	w := HTTPWrapper{Recorder: r}
	w.RouteTable = generichttp.RouteTable{}
	w.Inject(w)
	return w
}

// RT satisfies generichttp.HTTPer
func (h HTTPWrapper) RT() generichttp.RouteTable {
	return h.RouteTable
}

// Inject adds GET and POST routes for /results/root, /results/prefix and
// /results/enabled to the HTTPer
func (h HTTPWrapper) Inject(other generichttp.HTTPer) {
	rt := other.RT()
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/results/root"}] = generichttp.SetString(h.SetRoot)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/results/root"}] = generichttp.GetString(func() (string, error) { return h.Root(), nil })
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/results/prefix"}] = generichttp.SetString(func(s string) error { h.SetPrefix(s); return nil })
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/results/prefix"}] = generichttp.GetString(func() (string, error) { return h.Prefix(), nil })
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/results/enabled"}] = generichttp.SetBool(func(b bool) error { h.SetEnabled(b); return nil })
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/results/enabled"}] = generichttp.GetBool(func() (bool, error) { return h.Enabled(), nil })
}
