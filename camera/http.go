package camera

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/glint-instrument/glintlab/generichttp"
)

// HTTPWrapper exposes the dark reference and single exposures over HTTP
type HTTPWrapper struct {
	Port *Port

	// DarkInterval is the wait between frames of a dark accumulation
	DarkInterval time.Duration

	// Notify, if not nil, receives progress and failures of dark accumulation
	Notify func(msg string, failed bool)

	RouteTable generichttp.RouteTable

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewHTTPWrapper returns a wrapper with a populated route table
func NewHTTPWrapper(p *Port, darkInterval time.Duration) *HTTPWrapper {
	w := &HTTPWrapper{Port: p, DarkInterval: darkInterval}
	w.RouteTable = generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/dark"}:          w.GetDark,
		{Method: http.MethodPost, Path: "/dark"}:         w.StartDark,
		{Method: http.MethodPost, Path: "/dark/abort"}:   w.AbortDark,
		{Method: http.MethodGet, Path: "/dark/enabled"}:  generichttp.GetBool(func() (bool, error) { return p.DarkEnabled(), nil }),
		{Method: http.MethodPost, Path: "/dark/enabled"}: generichttp.SetBool(func(b bool) error { p.SetDarkEnabled(b); return nil }),
		{Method: http.MethodGet, Path: "/frame"}:         w.GetFrame,
	}
	return w
}

// RT satisfies generichttp.HTTPer
func (h *HTTPWrapper) RT() generichttp.RouteTable {
	return h.RouteTable
}

type darkState struct {
	Enabled   bool `json:"enabled"`
	Available bool `json:"available"`
	Running   bool `json:"running"`
	Rows      int  `json:"rows"`
	Cols      int  `json:"cols"`
}

// GetDark reports the state of the dark reference
func (h *HTTPWrapper) GetDark(w http.ResponseWriter, r *http.Request) {
	st := darkState{Enabled: h.Port.DarkEnabled()}
	if d := h.Port.Dark(); d != nil {
		st.Available, st.Rows, st.Cols = true, d.Rows, d.Cols
	}
	h.mu.Lock()
	st.Running = h.cancel != nil
	h.mu.Unlock()
	generichttp.RespondJSON(w, st)
}

// StartDark begins accumulating {"int": n} frames into a new dark reference
func (h *HTTPWrapper) StartDark(w http.ResponseWriter, r *http.Request) {
	n := generichttp.IntT{}
	err := json.NewDecoder(r.Body).Decode(&n)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if n.Int < 1 {
		http.Error(w, "dark needs at least one frame", http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	if h.cancel != nil {
		h.mu.Unlock()
		http.Error(w, "dark accumulation already running", http.StatusConflict)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.mu.Unlock()

	go func() {
		defer func() {
			h.mu.Lock()
			h.cancel = nil
			h.mu.Unlock()
			cancel()
		}()
		_, err := h.Port.AccumulateDark(ctx, n.Int, h.DarkInterval, func(done, total int) {
			h.notify(fmt.Sprintf("Acquiring dark %d/%d", done, total), false)
		})
		if err != nil {
			h.notify("Dark not updated: "+err.Error(), true)
			return
		}
		h.notify("Dark updated", false)
	}()
	w.WriteHeader(http.StatusAccepted)
}

// AbortDark cancels a running dark accumulation
func (h *HTTPWrapper) AbortDark(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.cancel != nil {
		h.cancel()
	}
	h.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// GetFrame returns one exposure as a FITS file.  The number of frames to
// average may be given as the query parameter n.
func (h *HTTPWrapper) GetFrame(w http.ResponseWriter, r *http.Request) {
	n := 1
	if s := r.URL.Query().Get("n"); s != "" {
		var err error
		n, err = strconv.Atoi(s)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	exp, err := h.Port.AcquireAveraged(r.Context(), n)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/fits")
	w.Header().Set("Content-Disposition", "attachment; filename=frame.fits")
	err = WriteFits(w, []Layer{FrameLayer("FRAME", exp.Frame)})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *HTTPWrapper) notify(msg string, failed bool) {
	if h.Notify != nil {
		h.Notify(msg, failed)
	}
}
