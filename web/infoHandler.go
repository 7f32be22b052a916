package web

import (
	"net/http"

	"github.com/gorilla/mux"
)

// InfoHandler serves the operational endpoints that are not part of
// the sync 1.5 api but every deployment expects
type InfoHandler struct {
	router *mux.Router

	// healthcheck probe, nil means always healthy
	check func() error
}

func NewInfoHandler(h http.Handler, check func() error) *InfoHandler {
	r := mux.NewRouter()
	server := &InfoHandler{
		router: r,
		check:  check,
	}

	r.NotFoundHandler = h
	r.HandleFunc("/", server.handleRoot)
	r.HandleFunc("/__heartbeat__", server.handleHeartbeat)
	r.HandleFunc("/__lbheartbeat__", server.handleLBHeartbeat)

	return server
}

func (h *InfoHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.router.ServeHTTP(w, req)
}

func (h *InfoHandler) handleRoot(w http.ResponseWriter, req *http.Request) {
	OKResponse(w, "It Works! The sync storage server is running on this host.")
}

func (h *InfoHandler) handleHeartbeat(w http.ResponseWriter, req *http.Request) {
	if h.check != nil {
		if err := h.check(); err != nil {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(err.Error()))
			return
		}
	}

	OKResponse(w, "OK")
}

func (h *InfoHandler) handleLBHeartbeat(w http.ResponseWriter, req *http.Request) {
	OKResponse(w, "OK")
}
