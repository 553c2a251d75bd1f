// Package server assembles the route tables of the bench into one HTTP mux.
package server

import (
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"github.com/glint-instrument/glintlab/generichttp"
	"github.com/glint-instrument/glintlab/server/middleware/locker"
)

// Routes is everything the mux serves
type Routes struct {
	// Open tables are always served
	Open []generichttp.HTTPer

	// Protected tables refuse writes with 423 while Lock is held
	Protected []generichttp.HTTPer

	// Lock guards the protected tables; its /lock routes are added to the mux.
	// A nil Lock leaves every table unguarded.
	Lock *locker.Locker

	// Metrics, if not nil, is served at /metrics
	Metrics http.Handler
}

// BuildMux binds every table to a new router that logs each request.
// GET /endpoints lists what was bound.
func BuildMux(rs Routes) chi.Router {
	root := chi.NewRouter()
	root.Use(middleware.Logger)

	all := generichttp.RouteTable{}
	merge := func(rt generichttp.RouteTable) {
		for k, v := range rt {
			all[k] = v
		}
	}

	open := generichttp.RouteTable{}
	for _, h := range rs.Open {
		for k, v := range h.RT() {
			open[k] = v
		}
	}
	if rs.Lock != nil {
		locker.Inject(open, rs.Lock)
	}
	open.Bind(root)
	merge(open)

	root.Group(func(r chi.Router) {
		if rs.Lock != nil {
			r.Use(rs.Lock.Check)
		}
		for _, h := range rs.Protected {
			rt := h.RT()
			rt.Bind(r)
			merge(rt)
		}
	})

	if rs.Metrics != nil {
		root.Method(http.MethodGet, "/metrics", rs.Metrics)
		all[generichttp.MethodPath{Method: http.MethodGet, Path: "/metrics"}] = nil
	}
	all[generichttp.MethodPath{Method: http.MethodGet, Path: "/endpoints"}] = nil
	endpoints := all.Endpoints()
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		generichttp.RespondJSON(w, endpoints)
	})
	return root
}
