package live

import (
	"net/http"

	"github.com/glint-instrument/glintlab/generichttp"
)

// HTTPWrapper exposes a display over HTTP
type HTTPWrapper struct {
	*Display

	RouteTable generichttp.RouteTable
}

// NewHTTPWrapper returns a wrapper with a populated route table
func NewHTTPWrapper(d *Display) HTTPWrapper {
	w := HTTPWrapper{Display: d}
	w.RouteTable = generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/live"}:          w.GetSnapshot,
		{Method: http.MethodPost, Path: "/live/start"}:   w.PostStart,
		{Method: http.MethodPost, Path: "/live/stop"}:    w.PostStop,
		{Method: http.MethodGet, Path: "/live/running"}:  generichttp.GetBool(func() (bool, error) { return d.Running(), nil }),
		{Method: http.MethodGet, Path: "/live/fps"}:      generichttp.GetFloat(func() (float64, error) { return d.FPS(), nil }),
		{Method: http.MethodPost, Path: "/live/fps"}:     generichttp.SetFloat(d.SetFPS),
		{Method: http.MethodGet, Path: "/live/ref"}:      generichttp.GetInt(func() (int, error) { return d.RefChannel(), nil }),
		{Method: http.MethodPost, Path: "/live/ref"}:     generichttp.SetInt(func(ch int) error { d.SetRefChannel(ch); return nil }),
		{Method: http.MethodGet, Path: "/live/width"}:    generichttp.GetInt(func() (int, error) { return d.Width(), nil }),
		{Method: http.MethodPost, Path: "/live/width"}:   generichttp.SetInt(d.SetWidth),
		{Method: http.MethodPost, Path: "/live/refresh"}: w.PostRefresh,
	}
	return w
}

// RT satisfies generichttp.HTTPer
func (h HTTPWrapper) RT() generichttp.RouteTable {
	return h.RouteTable
}

// GetSnapshot returns the latest snapshot, or 404 before the first refresh
func (h HTTPWrapper) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.Last()
	if !ok {
		http.Error(w, "no frame yet", http.StatusNotFound)
		return
	}
	generichttp.RespondJSON(w, snap)
}

// PostStart starts the video
func (h HTTPWrapper) PostStart(w http.ResponseWriter, r *http.Request) {
	if err := h.Start(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// PostStop stops the video
func (h HTTPWrapper) PostStop(w http.ResponseWriter, r *http.Request) {
	h.Stop()
	w.WriteHeader(http.StatusOK)
}

// PostRefresh refreshes once, as when the video is stopped, and returns
// the snapshot
func (h HTTPWrapper) PostRefresh(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Refresh(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	generichttp.RespondJSON(w, snap)
}
