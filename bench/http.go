package bench

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/glint-instrument/glintlab/generichttp"
	"github.com/glint-instrument/glintlab/segment"
	"github.com/go-chi/chi"
)

// HTTPWrapper exposes manual control of the mirror over HTTP
type HTTPWrapper struct {
	*Bench

	RouteTable generichttp.RouteTable
}

// NewHTTPWrapper returns a wrapper with a populated route table
func NewHTTPWrapper(b *Bench) HTTPWrapper {
	w := HTTPWrapper{Bench: b}
	w.RouteTable = generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/positions"}:          w.GetPositions,
		{Method: http.MethodPost, Path: "/positions"}:         w.SetPositions,
		{Method: http.MethodGet, Path: "/segment/{id}"}:       w.GetSegment,
		{Method: http.MethodPost, Path: "/segment/{id}"}:      w.SetSegmentHTTP,
		{Method: http.MethodPost, Path: "/segment/{id}/step"}: w.StepHTTP,
		{Method: http.MethodPost, Path: "/flatten"}:           w.FlattenHTTP,
		{Method: http.MethodGet, Path: "/flux"}:               w.GetFlux,
		{Method: http.MethodGet, Path: "/limits"}:             w.GetLimits,
	}
	return w
}

// RT satisfies generichttp.HTTPer
func (h HTTPWrapper) RT() generichttp.RouteTable {
	return h.RouteTable
}

// moveReply is returned by every route that moves the mirror.  Positions
// are the read-back values.
type moveReply struct {
	Positions []segment.Position `json:"positions"`
	Error     string             `json:"error,omitempty"`
}

func respondMove(w http.ResponseWriter, got []segment.Position, err error) {
	rep := moveReply{Positions: got}
	if err != nil {
		rep.Error = err.Error()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(rep)
		return
	}
	generichttp.RespondJSON(w, rep)
}

func segmentID(r *http.Request) (int, error) {
	return strconv.Atoi(chi.URLParam(r, "id"))
}

// GetPositions returns the position table
func (h HTTPWrapper) GetPositions(w http.ResponseWriter, r *http.Request) {
	generichttp.RespondJSON(w, h.Store.Get())
}

// SetPositions applies a full table of positions, one per segment
func (h HTTPWrapper) SetPositions(w http.ResponseWriter, r *http.Request) {
	var m segment.Matrix
	err := json.NewDecoder(r.Body).Decode(&m)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(m) != h.Segments() {
		http.Error(w, "need one position per segment", http.StatusBadRequest)
		return
	}
	got, err := h.ApplyMatrix(m)
	respondMove(w, got, err)
}

// GetSegment returns the position of one segment
func (h HTTPWrapper) GetSegment(w http.ResponseWriter, r *http.Request) {
	id, err := segmentID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p, err := h.Store.Segment(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	generichttp.RespondJSON(w, p)
}

// SetSegmentHTTP moves one segment, or all of them for id 0, to a position
func (h HTTPWrapper) SetSegmentHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := segmentID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var p segment.Position
	err = json.NewDecoder(r.Body).Decode(&p)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err = segment.Check(id, h.Segments()); id != 0 && err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	got, err := h.SetSegment(id, p)
	respondMove(w, got, err)
}

type stepRequest struct {
	Axis  string  `json:"axis"`
	Delta float64 `json:"delta"`
}

// StepHTTP moves one axis of a segment (all segments for id 0) by a delta
func (h HTTPWrapper) StepHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := segmentID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req stepRequest
	err = json.NewDecoder(r.Body).Decode(&req)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	axis, err := segment.ParseAxis(req.Axis)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err = segment.Check(id, h.Segments()); id != 0 && err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	got, err := h.Step(id, axis, req.Delta)
	respondMove(w, got, err)
}

// FlattenHTTP flattens the mirror
func (h HTTPWrapper) FlattenHTTP(w http.ResponseWriter, r *http.Request) {
	got, err := h.Flatten()
	respondMove(w, got, err)
}

type fluxReply struct {
	Fluxes    []float64 `json:"fluxes"`
	Saturated bool      `json:"saturated"`
}

// GetFlux takes one exposure and returns the flux of every channel
func (h HTTPWrapper) GetFlux(w http.ResponseWriter, r *http.Request) {
	fluxes, exp, err := h.MeasureAll(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	generichttp.RespondJSON(w, fluxReply{Fluxes: fluxes, Saturated: exp.Saturated})
}

// GetLimits returns the mirror stroke
func (h HTTPWrapper) GetLimits(w http.ResponseWriter, r *http.Request) {
	generichttp.RespondJSON(w, h.Limits())
}
