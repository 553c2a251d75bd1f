package status

import (
	"log"
	"net/http"

	"github.com/glint-instrument/glintlab/generichttp"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // lab network
	},
}

// HTTPWrapper serves the history and a websocket stream of new events
type HTTPWrapper struct {
	*Log

	RouteTable generichttp.RouteTable
}

// NewHTTPWrapper returns a wrapper with a populated route table
func NewHTTPWrapper(l *Log) HTTPWrapper {
	w := HTTPWrapper{Log: l}
	w.RouteTable = generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/status"}:    w.History,
		{Method: http.MethodGet, Path: "/status/ws"}: w.Stream,
	}
	return w
}

// RT satisfies generichttp.HTTPer
func (h HTTPWrapper) RT() generichttp.RouteTable {
	return h.RouteTable
}

// History returns every event in the history as JSON
func (h HTTPWrapper) History(w http.ResponseWriter, r *http.Request) {
	generichttp.RespondJSON(w, h.Events())
}

// Stream upgrades to a websocket and writes each new event as JSON until
// the client goes away
func (h HTTPWrapper) Stream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("status: websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()
	events, cancel := h.Subscribe(64)
	defer cancel()

	// the read side only exists to notice the client closing
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}
