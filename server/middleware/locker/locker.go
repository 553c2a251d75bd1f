// Package locker provides an HTTP middleware which allows a group of routes to be locked, returning 423 (locked)
package locker

import (
	"encoding/json"
	"go/types"
	"net/http"
	"strings"
	"sync"

	"github.com/glint-instrument/glintlab/generichttp"
)

// Inject adds a lock route to a route table which is used to manipulate the locker
func Inject(rt generichttp.RouteTable, l *Locker) {
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/lock"}] = l.HTTPGet
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/lock"}] = l.HTTPSet
}

// Locker is a type which behaves like a sync.Mutex without the blocking,
// and holds a list of paths to not protect.
//
// Reads (GET and HEAD) are never bounced, a locked bench can still be observed.
type Locker struct {
	mu       sync.Mutex
	isLocked bool

	// DoNotProtect is a list of paths not to apply the lock to
	DoNotProtect []string

	// Busy, if not nil, reports that the lock is owned by something other
	// than the HTTP client; POST /lock answers 409 (conflict) while it is true
	Busy func() bool
}

// New returns a new Locker with DoNotProtect prepopulated with "lock"
func New() *Locker {
	return &Locker{DoNotProtect: []string{"lock"}}
}

// Lock the locker
func (l *Locker) Lock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.isLocked = true
}

// TryLock locks the locker if it is not already locked, and reports whether
// it did
func (l *Locker) TryLock() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.isLocked {
		return false
	}
	l.isLocked = true
	return true
}

// Unlock the locker
func (l *Locker) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.isLocked = false
}

// Locked returns true if the locker is locked
func (l *Locker) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isLocked
}

func (l *Locker) protects(r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return false
	}
	for _, str := range l.DoNotProtect {
		if strings.Contains(r.URL.Path, str) {
			return false
		}
	}
	return true
}

// Check is an HTTP middleware that returns http.StatusLocked if Locked() is true, otherwise passes down the line
func (l *Locker) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.Locked() && l.protects(r) {
			http.Error(w, "locked while a scan runs", http.StatusLocked)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HTTPSet calls Lock or Unlock based on json:bool on the request body
func (l *Locker) HTTPSet(w http.ResponseWriter, r *http.Request) {
	b := generichttp.BoolT{}
	err := json.NewDecoder(r.Body).Decode(&b)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if l.Busy != nil && l.Busy() {
		http.Error(w, "the lock is held by a running scan", http.StatusConflict)
		return
	}
	if b.Bool {
		l.Lock()
	} else {
		l.Unlock()
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPGet returns Locked() over HTTP as JSON
func (l *Locker) HTTPGet(w http.ResponseWriter, r *http.Request) {
	hp := generichttp.HumanPayload{T: types.Bool, Bool: l.Locked()}
	hp.EncodeAndRespond(w, r)
}
