package web

import (
	"encoding/json"
	"net/http"

	"github.com/mozilla-services/syncstore/timestamp"
)

// Stable numeric error codes clients key behaviour off. These go back
// to the original weave servers and must not change.
const (
	WEAVE_INVALID_PROTOCOL = 1
	WEAVE_INVALID_ID       = 2
	WEAVE_INVALID_USER     = 3
	WEAVE_OVER_QUOTA       = 4
	WEAVE_BODY_PARSE       = 5
	WEAVE_INVALID_BSO      = 6
	WEAVE_NO_WRITE         = 7
	WEAVE_INVALID_CONFIG   = 8
)

type weaveError struct {
	Status  int    `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// WeaveError writes the error body clients expect: the stable integer
// code plus a human readable message
func WeaveError(w http.ResponseWriter, status, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	js, _ := json.Marshal(weaveError{Status: status, Code: code, Message: msg})
	w.Write(js)
}

func WeaveInvalidBSOError(w http.ResponseWriter) {
	WeaveError(w, http.StatusBadRequest, WEAVE_INVALID_BSO, "invalid BSO")
}

// WeaveTimestampHandler stamps X-Weave-Timestamp onto every response.
// When the handler set X-Last-Modified the two must agree, otherwise
// the current server time is used. The header has to go out before any
// body bytes so the writer is intercepted.
func WeaveTimestampHandler(h http.Handler) http.Handler {
	return weaveTimestampHandler{h}
}

type weaveTimestampHandler struct {
	handler http.Handler
}

func (x weaveTimestampHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	wrap := &timestampWriter{w: w}
	defer wrap.addTS()
	x.handler.ServeHTTP(wrap, req)
}

type timestampWriter struct {
	w           http.ResponseWriter
	wroteHeader bool
}

func (t *timestampWriter) addTS() {
	if t.wroteHeader {
		return
	}

	if lm := t.w.Header().Get("X-Last-Modified"); lm != "" {
		t.w.Header().Set("X-Weave-Timestamp", lm)
	} else {
		t.w.Header().Set("X-Weave-Timestamp", timestamp.ToWire(timestamp.Now()))
	}

	t.wroteHeader = true
}

func (t *timestampWriter) Header() http.Header { return t.w.Header() }

func (t *timestampWriter) Write(b []byte) (int, error) {
	t.addTS()
	return t.w.Write(b)
}

func (t *timestampWriter) WriteHeader(i int) {
	t.addTS()
	t.w.WriteHeader(i)
}
