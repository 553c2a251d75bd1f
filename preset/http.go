package preset

import (
	"encoding/json"
	"errors"
	"go/types"
	"net/http"
	"path/filepath"

	"github.com/glint-instrument/glintlab/bench"
	"github.com/glint-instrument/glintlab/generichttp"
	"github.com/go-chi/chi"
)

// HTTPWrapper exposes a bank of presets and the preset files over HTTP
type HTTPWrapper struct {
	Bank  *Bank
	Bench *bench.Bench

	// Dir is where relative preset paths are resolved
	Dir string

	RouteTable generichttp.RouteTable
}

// NewHTTPWrapper returns a wrapper with a populated route table
func NewHTTPWrapper(bank *Bank, b *bench.Bench, dir string) HTTPWrapper {
	w := HTTPWrapper{Bank: bank, Bench: b, Dir: dir}
	w.RouteTable = generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/presets"}:                 w.GetAll,
		{Method: http.MethodPost, Path: "/presets/save"}:           w.SaveFile,
		{Method: http.MethodPost, Path: "/presets/load"}:           w.LoadFile,
		{Method: http.MethodGet, Path: "/presets/{name}"}:          w.GetOne,
		{Method: http.MethodPost, Path: "/presets/{name}/capture"}: w.Capture,
		{Method: http.MethodPost, Path: "/presets/{name}/apply"}:   w.Apply,
	}
	return w
}

// RT satisfies generichttp.HTTPer
func (h HTTPWrapper) RT() generichttp.RouteTable {
	return h.RouteTable
}

func (h HTTPWrapper) resolve(p string) string {
	if filepath.IsAbs(p) || h.Dir == "" {
		return p
	}
	return filepath.Join(h.Dir, p)
}

func (h HTTPWrapper) name(w http.ResponseWriter, r *http.Request) (Name, bool) {
	n, err := ParseName(chi.URLParam(r, "name"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return "", false
	}
	return n, true
}

func decodePath(w http.ResponseWriter, r *http.Request) (string, bool) {
	s := generichttp.StrT{}
	err := json.NewDecoder(r.Body).Decode(&s)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return "", false
	}
	if s.Str == "" {
		http.Error(w, "empty preset path", http.StatusBadRequest)
		return "", false
	}
	return s.Str, true
}

// GetAll returns the three snapshots in the bank
func (h HTTPWrapper) GetAll(w http.ResponseWriter, r *http.Request) {
	generichttp.RespondJSON(w, h.Bank.Set())
}

// GetOne returns one snapshot
func (h HTTPWrapper) GetOne(w http.ResponseWriter, r *http.Request) {
	n, ok := h.name(w, r)
	if !ok {
		return
	}
	m, _ := h.Bank.Get(n)
	generichttp.RespondJSON(w, m)
}

// SaveFile writes the bank to the file {"str": path}
func (h HTTPWrapper) SaveFile(w http.ResponseWriter, r *http.Request) {
	p, ok := decodePath(w, r)
	if !ok {
		return
	}
	fn, err := Save(h.resolve(p), h.Bank.Set())
	if err != nil {
		h.Bench.Status.Error("!!! Presets NOT saved !!!")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.Bench.Status.Add("Presets saved")
	hp := generichttp.HumanPayload{T: types.String, String: fn}
	hp.EncodeAndRespond(w, r)
}

// LoadFile replaces the bank with the file {"str": path}.  Nothing moves.
func (h HTTPWrapper) LoadFile(w http.ResponseWriter, r *http.Request) {
	p, ok := decodePath(w, r)
	if !ok {
		return
	}
	s, err := Load(h.resolve(p))
	if err != nil {
		h.Bench.Status.Error("!!! Presets NOT loaded or not found!!!")
		code := http.StatusInternalServerError
		if errors.Is(err, ErrNotFound) {
			code = http.StatusNotFound
		}
		http.Error(w, err.Error(), code)
		return
	}
	h.Bank.Replace(s)
	h.Bench.Status.Add("Presets loaded")
	w.WriteHeader(http.StatusOK)
}

// Capture stores the current mirror shape under the name
func (h HTTPWrapper) Capture(w http.ResponseWriter, r *http.Request) {
	n, ok := h.name(w, r)
	if !ok {
		return
	}
	if err := h.Bank.Capture(n, h.Bench.Store.Get()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Apply moves the mirror to the snapshot stored under the name
func (h HTTPWrapper) Apply(w http.ResponseWriter, r *http.Request) {
	n, ok := h.name(w, r)
	if !ok {
		return
	}
	m, _ := h.Bank.Get(n)
	got, err := h.Bench.ApplyMatrix(m)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	h.Bench.Status.Addf("Profile '%s' restored", n.Label())
	generichttp.RespondJSON(w, got)
}
