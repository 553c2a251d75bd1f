package scan

import (
	"encoding/json"
	"errors"
	"go/types"
	"io"
	"net/http"

	"github.com/glint-instrument/glintlab/generichttp"
)

// HTTPWrapper starts, aborts and reports scans over HTTP
type HTTPWrapper struct {
	*Controller

	RouteTable generichttp.RouteTable
}

// NewHTTPWrapper returns a wrapper with a populated route table
func NewHTTPWrapper(c *Controller) HTTPWrapper {
	w := HTTPWrapper{Controller: c}
	w.RouteTable = generichttp.RouteTable{
		{Method: http.MethodPost, Path: "/scan/tiptilt"}:       w.PostTipTilt,
		{Method: http.MethodPost, Path: "/scan/tiptilt/abort"}: w.abort(TipTilt),
		{Method: http.MethodPost, Path: "/scan/null"}:          w.PostNull,
		{Method: http.MethodPost, Path: "/scan/null/abort"}:    w.abort(Null),
		{Method: http.MethodGet, Path: "/scan/state"}:          w.GetState,
		{Method: http.MethodGet, Path: "/scan/last"}:           w.GetLast,
		{Method: http.MethodGet, Path: "/scan/settings"}:       w.GetSettings,
	}
	return w
}

// RT satisfies generichttp.HTTPer
func (h HTTPWrapper) RT() generichttp.RouteTable {
	return h.RouteTable
}

// decode reads an optional JSON body into v; an empty body keeps v
func decode(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func respondStart(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, ErrBusy):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrParams):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// PostTipTilt starts a tip/tilt scan from a TipTiltRequest body
func (h HTTPWrapper) PostTipTilt(w http.ResponseWriter, r *http.Request) {
	req := TipTiltRequest{}
	if err := decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	respondStart(w, h.StartTipTilt(req))
}

// PostNull starts a null scan from a NullRequest body
func (h HTTPWrapper) PostNull(w http.ResponseWriter, r *http.Request) {
	req := NullRequest{}
	if err := decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	respondStart(w, h.StartNull(req))
}

func (h HTTPWrapper) abort(p Protocol) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.AbortProtocol(p) {
			http.Error(w, "no "+string(p)+" scan is running", http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetState returns {"str": state}
func (h HTTPWrapper) GetState(w http.ResponseWriter, r *http.Request) {
	hp := generichttp.HumanPayload{T: types.String, String: h.State().String()}
	hp.EncodeAndRespond(w, r)
}

// GetLast returns the result of the last scan, or 404 if none finished yet
func (h HTTPWrapper) GetLast(w http.ResponseWriter, r *http.Request) {
	res, ok := h.Last()
	if !ok {
		http.Error(w, "no scan has finished", http.StatusNotFound)
		return
	}
	generichttp.RespondJSON(w, res)
}

// GetSettings returns the defaults scan requests start from
func (h HTTPWrapper) GetSettings(w http.ResponseWriter, r *http.Request) {
	generichttp.RespondJSON(w, h.Settings)
}
