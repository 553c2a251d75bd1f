// Package generichttp defines the route table shared by every HTTP wrapper
// in this module and helpers that adapt plain getters and setters to handlers
package generichttp

import (
	"encoding/json"
	"fmt"
	"go/types"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi"
)

// MethodPath is a struct containing an HTTP method and a URL path
type MethodPath struct {
	Method, Path string
}

// RouteTable maps method-path pairs to handlers
type RouteTable map[MethodPath]http.HandlerFunc

// Endpoints returns the "METHOD /path" strings in the table, sorted by path
func (rt RouteTable) Endpoints() []string {
	routes := make([]string, 0, len(rt))
	for k := range rt {
		routes = append(routes, k.Method+" "+k.Path)
	}
	sort.Slice(routes, func(i, j int) bool {
		pi := routes[i][strings.IndexByte(routes[i], ' ')+1:]
		pj := routes[j][strings.IndexByte(routes[j], ' ')+1:]
		if pi == pj {
			return routes[i] < routes[j]
		}
		return pi < pj
	})
	return routes
}

// Bind adds every route in the table to the router
func (rt RouteTable) Bind(r chi.Router) {
	for k, v := range rt {
		r.MethodFunc(k.Method, k.Path, v)
	}
}

// HTTPer is something that has a route table
type HTTPer interface {
	RT() RouteTable
}

// SubMuxSanitize converts a URL stem ("scan", "/scan/", "scan/*") into the
// form chi expects for Mount, "/scan"
func SubMuxSanitize(str string) string {
	str = strings.TrimSuffix(str, "*")
	str = strings.Trim(str, "/")
	return "/" + str
}

// HumanPayload is a tagged union of the basic types the HTTP
// surface returns for scalar queries
type HumanPayload struct {
	T      types.BasicKind
	Bool   bool
	Float  float64
	Int    int
	String string
}

// EncodeAndRespond writes the payload as {"<key>": value}, or as plain
// text when the client asks for text/plain
func (hp HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	var (
		key string
		val interface{}
	)
	switch hp.T {
	case types.Bool:
		key, val = "bool", hp.Bool
	case types.Float64:
		key, val = "f64", hp.Float
	case types.Int:
		key, val = "int", hp.Int
	case types.String:
		key, val = "str", hp.String
	default:
		http.Error(w, fmt.Sprintf("unsupported payload kind %v", hp.T), http.StatusInternalServerError)
		return
	}
	if strings.Contains(r.Header.Get("Accept"), "text/plain") {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, val)
		return
	}
	RespondJSON(w, map[string]interface{}{key: val})
}

// RespondJSON encodes v as the JSON body of a 200 response
func RespondJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// headers are gone; nothing left but to note it in the body
		fmt.Fprintf(w, "error encoding response %q", err)
	}
}

// FloatT is a struct with a single float64 field F64, {"f64": 1.5}
type FloatT struct {
	F64 float64 `json:"f64"`
}

// IntT is a struct with a single int field Int, {"int": 3}
type IntT struct {
	Int int `json:"int"`
}

// BoolT is a struct with a single bool field Bool, {"bool": true}
type BoolT struct {
	Bool bool `json:"bool"`
}

// StrT is a struct with a single string field Str, {"str": "abc"}
type StrT struct {
	Str string `json:"str"`
}

// GetFloat calls a float-getting function and returns the response
// as json {'f64': value}
func GetFloat(fcn func() (float64, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := HumanPayload{T: types.Float64, Float: f}
		hp.EncodeAndRespond(w, r)
	}
}

// SetFloat parses a JSON input of {'f64': value} and
// calls fcn with it
func SetFloat(fcn func(float64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := FloatT{}
		err := json.NewDecoder(r.Body).Decode(&f)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = fcn(f.F64)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetInt calls an int-getting function and returns the response
// as json {'int': value}
func GetInt(fcn func() (int, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		i, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := HumanPayload{T: types.Int, Int: i}
		hp.EncodeAndRespond(w, r)
	}
}

// SetInt parses a JSON input of {'int': value} and
// calls fcn with it
func SetInt(fcn func(int) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := IntT{}
		err := json.NewDecoder(r.Body).Decode(&f)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = fcn(f.Int)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetString calls a string-getting function and returns the response
// as json {'str': value}
func GetString(fcn func() (string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := HumanPayload{T: types.String, String: s}
		hp.EncodeAndRespond(w, r)
	}
}

// SetString parses a JSON input of {'str': value} and
// calls fcn with it
func SetString(fcn func(string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := StrT{}
		err := json.NewDecoder(r.Body).Decode(&s)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = fcn(s.Str)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetBool calls a bool-getting function and returns the response
// as json {'bool': value}
func GetBool(fcn func() (bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := HumanPayload{T: types.Bool, Bool: b}
		hp.EncodeAndRespond(w, r)
	}
}

// SetBool parses a JSON input of {'bool': value} and
// calls fcn with it
func SetBool(fcn func(bool) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b := BoolT{}
		err := json.NewDecoder(r.Body).Decode(&b)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = fcn(b.Bool)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
