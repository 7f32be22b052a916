package web

import (
	"net/http"

	"github.com/pkg/errors"

	"github.com/mozilla-services/syncstore/timestamp"
)

type xModHeader int

const (
	xTsHeaderNone xModHeader = iota
	xIfModifiedSince
	xIfUnmodifiedSince
)

// extractModifiedTimestamp pulls either the X-If-Modified-Since or the
// X-If-Unmodified-Since header out of the request. Values with more
// than two decimal places are rejected outright.
func extractModifiedTimestamp(r *http.Request) (ts int, headerType xModHeader, err error) {
	modSince := r.Header.Get("X-If-Modified-Since")
	unmodSince := r.Header.Get("X-If-Unmodified-Since")

	if modSince != "" && unmodSince != "" {
		return 0, xTsHeaderNone,
			errors.New("X-If-Modified-Since and X-If-Unmodified-Since both provided")
	}

	if modSince != "" {
		ts, err := timestamp.Parse(modSince)
		if err != nil {
			return 0, xTsHeaderNone, errors.New("invalid X-If-Modified-Since")
		}
		return ts, xIfModifiedSince, nil
	}

	if unmodSince != "" {
		ts, err := timestamp.Parse(unmodSince)
		if err != nil {
			return 0, xTsHeaderNone, errors.New("invalid X-If-Unmodified-Since")
		}
		return ts, xIfUnmodifiedSince, nil
	}

	return 0, xTsHeaderNone, nil
}

// sentNotModified checks the provided modified timestamp against
// either precondition header and returns true if it already wrote the
// response. The check runs before any row is touched.
func sentNotModified(w http.ResponseWriter, r *http.Request, modified int) (sentResponse bool) {
	ts, headerType, err := extractModifiedTimestamp(r)
	if err != nil {
		sendRequestProblem(w, r, http.StatusBadRequest, err)
		return true
	}

	switch {
	case headerType == xIfModifiedSince && modified <= ts:
		w.Header().Set("X-Last-Modified", timestamp.ToWire(modified))
		w.WriteHeader(http.StatusNotModified)
		return true
	case headerType == xIfUnmodifiedSince && modified > ts:
		w.Header().Set("X-Last-Modified", timestamp.ToWire(modified))
		logRequestProblem(r, http.StatusPreconditionFailed,
			errors.Errorf("condition requires %s, but modified at %s",
				timestamp.ToWire(ts), timestamp.ToWire(modified)))
		w.WriteHeader(http.StatusPreconditionFailed)
		return true
	}

	return false
}
