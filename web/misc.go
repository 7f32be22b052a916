package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"reflect"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mozilla-services/syncstore/storage"
	"github.com/mozilla-services/syncstore/timestamp"
)

// PostResults massages a storage.PostResults into the JSON clients
// expect: the modified timestamp is a bare decimal number, not a
// string, which rules out the default marshaller.
type PostResults struct {
	Modified int
	Success  []string
	Failed   map[string][]string
}

func (p *PostResults) MarshalJSON() ([]byte, error) {
	buf := new(bytes.Buffer)

	buf.WriteString(`{"modified":`)
	buf.WriteString(timestamp.ToWire(p.Modified))

	buf.WriteString(`,"success":`)
	if len(p.Success) == 0 {
		buf.WriteString(`[]`)
	} else {
		data, err := json.Marshal(p.Success)
		if err != nil {
			return nil, errors.Wrap(err, "could not encode PostResults.Success")
		}
		buf.Write(data)
	}

	buf.WriteString(`,"failed":`)
	if len(p.Failed) == 0 {
		buf.WriteString(`{}`)
	} else {
		data, err := json.Marshal(p.Failed)
		if err != nil {
			return nil, errors.Wrap(err, "could not encode PostResults.Failed")
		}
		buf.Write(data)
	}

	buf.WriteString("}")
	return buf.Bytes(), nil
}

type parseError struct {
	bId   string
	field string
	msg   string
}

func (e parseError) Error() string {
	return fmt.Sprintf("could not parse field %s: %s", e.field, e.msg)
}

// parseIntoBSO decodes a single BSO object. Only the documented fields
// are accepted; "modified" and the legacy "parentid"/"predecessorid"
// are tolerated on input and ignored.
func parseIntoBSO(jsonData json.RawMessage, bso *storage.PutBSOInput) *parseError {
	var bkeys map[string]json.RawMessage
	if err := json.Unmarshal(jsonData, &bkeys); err != nil {
		return &parseError{field: "-", msg: "could not parse into object"}
	}

	for k := range bkeys {
		switch k {
		case "id", "payload", "ttl", "sortindex":
			// ok
		case "modified", "parentid", "predecessorid":
			// ignored for compatibility with old clients
		default:
			return &parseError{field: k, msg: "invalid field"}
		}
	}

	var bId string
	if r, ok := bkeys["id"]; ok {
		if err := json.Unmarshal(r, &bId); err != nil {
			return &parseError{field: "id", msg: "invalid format"}
		}
		bso.Id = bId
	}

	if r, ok := bkeys["payload"]; ok {
		var payload string
		if err := json.Unmarshal(r, &payload); err != nil {
			return &parseError{bId: bId, field: "payload", msg: "invalid format"}
		}
		bso.Payload = &payload
	}

	if r, ok := bkeys["ttl"]; ok {
		var ttl int
		if err := json.Unmarshal(r, &ttl); err != nil {
			return &parseError{bId: bId, field: "ttl", msg: "invalid format"}
		}
		bso.TTL = &ttl
	}

	if r, ok := bkeys["sortindex"]; ok {
		var sortindex int
		if err := json.Unmarshal(r, &sortindex); err != nil {
			return &parseError{bId: bId, field: "sortindex", msg: "invalid format"}
		}
		bso.SortIndex = &sortindex
	}

	return nil
}

// InternalError produces an HTTP 500. Backend details never reach the
// body; the correlation id ties the response to the log entry.
func InternalError(w http.ResponseWriter, r *http.Request, err error) {
	errId := uuid.New().String()

	log.WithFields(log.Fields{
		"error_id": errId,
		"cause":    errors.Cause(err).Error(),
		"method":   r.Method,
		"path":     r.URL.EscapedPath(),
	}).Errorf("HTTP Error: %s", err.Error())

	JSONError(w, "internal error, id: "+errId, http.StatusInternalServerError)
}

// NewLine prints out newline separated JSON objects instead of a
// single JSON array of objects
func NewLine(w http.ResponseWriter, r *http.Request, val interface{}) {
	if valR := reflect.ValueOf(val); valR.Kind() == reflect.Slice || valR.Kind() == reflect.Array {
		w.Header().Set("Content-Type", "application/newlines")
		for i := 0; i < valR.Len(); i++ {
			if !valR.Index(i).CanInterface() {
				continue
			}

			someValue := valR.Index(i).Interface()
			var (
				raw []byte
				err error
			)

			// calling a json.Marshaler directly skips the
			// reflection path and is about twice as fast
			if jM, ok := someValue.(json.Marshaler); ok {
				raw, err = jM.MarshalJSON()
			} else {
				raw, err = json.Marshal(someValue)
			}

			if err != nil {
				InternalError(w, r, errors.Wrap(err, "web.NewLine could not marshal an item"))
				return
			}

			w.Write(raw)
			w.Write([]byte("\n"))
		}
	} else {
		js, err := json.Marshal(val)
		if err != nil {
			InternalError(w, r, errors.Wrap(err, "web.NewLine could not marshal the object"))
			return
		}

		w.Header().Set("Content-Type", "application/newlines")
		w.Write(js)
		w.Write([]byte("\n"))
	}
}

func JSON(w http.ResponseWriter, r *http.Request, val interface{}) {
	js, err := json.Marshal(val)
	if err != nil {
		InternalError(w, r, err)
	} else {
		w.Header().Set("Content-Type", "application/json")
		w.Write(js)
	}
}

// JsonNewline returns data as newline separated objects or as a single
// json array depending on the Accept header
func JsonNewline(w http.ResponseWriter, r *http.Request, val interface{}) {
	if strings.Contains(r.Header.Get("Accept"), "application/newlines") {
		NewLine(w, r, val)
	} else {
		JSON(w, r, val)
	}
}

type jsonerr struct {
	Err string `json:"err"`
}

func JSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	js, _ := json.Marshal(jsonerr{msg})
	w.Write(js)
}

var rewriteAccept = []string{"*/*", "application/*", "*/json"}

// AcceptHeaderOk checks the Accept header is application/json or
// application/newlines. If not it writes an error and returns false.
func AcceptHeaderOk(w http.ResponseWriter, r *http.Request) bool {
	accept := r.Header.Get("Accept")

	if accept == "" {
		r.Header.Set("Accept", "application/json")
		return true
	}

	mediatype := getMediaType(accept)

	if mediatype == "application/json" || mediatype == "application/newlines" {
		return true
	}

	for _, rewrite := range rewriteAccept {
		if strings.Contains(accept, rewrite) {
			r.Header.Set("Accept", "application/json")
			return true
		}
	}

	sendRequestProblem(w, r, http.StatusNotAcceptable,
		errors.Errorf("unsupported Accept header: %s", accept))

	return false
}

// OKResponse writes a 200 response with a simple string body
func OKResponse(w http.ResponseWriter, s string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, s)
}

// sendRequestProblem logs the problem with the client's request and
// responds with a json payload of the error. Client side these are
// usually invisible so logging them helps with debugging.
func sendRequestProblem(w http.ResponseWriter, req *http.Request, responseCode int, reason error) {
	logRequestProblem(req, responseCode, reason)
	JSONError(w, reason.Error(), responseCode)
}

func logRequestProblem(req *http.Request, responseCode int, reason error) {
	var causeMessage string
	if cause := errors.Cause(reason); cause != nil && cause != reason {
		causeMessage = fmt.Sprintf("%v", cause)
	} else {
		causeMessage = "n/a"
	}

	log.WithFields(log.Fields{
		"method":    req.Method,
		"path":      req.URL.Path,
		"ua":        req.UserAgent(),
		"http_code": responseCode,
		"error":     reason.Error(),
		"cause":     causeMessage,
	}).Warning("HTTP Request Problem")
}

// getMediaType extracts the mediatype portion from a Content-Type or
// Accept header value, discarding parameters. Returns "" on error.
func getMediaType(contentType string) (mediatype string) {
	mediatype, _, _ = mime.ParseMediaType(contentType)
	return
}
