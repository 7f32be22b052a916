package web

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/mozilla-services/syncstore/storage"
	"github.com/mozilla-services/syncstore/timestamp"
)

const (
	// maximum ids accepted in a single request, both for the ids
	// filter and batch deletes
	BATCH_MAX_IDS = 100

	// maximum number of BSOs per GET request
	MAX_BSO_GET_LIMIT = 2500

	DEFAULT_MAX_POST_RECORDS = 100
	DEFAULT_MAX_POST_BYTES   = 2 * 1024 * 1024
)

// Storage is everything the request pipeline needs: the full store
// plus the authority that freezes per request write timestamps.
type Storage interface {
	storage.Store
	NextModified(uid uint64) (int, error)
}

type Config struct {
	MaxPayloadSize int
	MaxPostRecords int
	MaxPostBytes   int

	// caps the limit param on collection GETs, 0 uses the default
	MaxBSOGetLimit int
}

// wireTs marshals a centisecond timestamp as the bare two decimal
// seconds number the protocol uses inside JSON bodies
type wireTs int

func (t wireTs) MarshalJSON() ([]byte, error) {
	return []byte(timestamp.ToWire(int(t))), nil
}

// SyncHandler provides all the sync 1.5 API routes. It implements
// http.Handler and is kept simple on purpose to make it easy to wrap
// in other http.Handler.
type SyncHandler struct {
	StoppableHandler

	router *mux.Router
	db     Storage
	conf   Config
}

func NewSyncHandler(db Storage, conf Config) *SyncHandler {
	if conf.MaxPayloadSize <= 0 {
		conf.MaxPayloadSize = storage.DEFAULT_MAX_PAYLOAD_SIZE
	}
	if conf.MaxPostRecords <= 0 {
		conf.MaxPostRecords = DEFAULT_MAX_POST_RECORDS
	}
	if conf.MaxPostBytes <= 0 {
		conf.MaxPostBytes = DEFAULT_MAX_POST_BYTES
	}

	r := mux.NewRouter()

	server := &SyncHandler{
		router: r,
		db:     db,
		conf:   conf,
	}

	// top level deletions for the user and their storage
	r.HandleFunc("/1.5/{uid:[0-9]+}", server.hDeleteEverything).Methods("DELETE")
	r.HandleFunc("/1.5/{uid:[0-9]+}/storage", server.hDeleteEverything).Methods("DELETE")

	v := r.PathPrefix("/1.5/{uid:[0-9]+}/").Subrouter()

	info := v.PathPrefix("/info/").Subrouter()
	info.HandleFunc("/collections", server.hInfoCollections).Methods("GET")
	info.HandleFunc("/collection_usage", server.hInfoCollectionUsage).Methods("GET")
	info.HandleFunc("/collection_counts", server.hInfoCollectionCounts).Methods("GET")
	info.HandleFunc("/quota", server.hInfoQuota).Methods("GET")
	info.HandleFunc("/configuration", server.hInfoConfiguration).Methods("GET")

	st := v.PathPrefix("/storage/").Subrouter()

	st.HandleFunc("/{collection}", server.hCollectionGET).Methods("GET")
	st.HandleFunc("/{collection}", server.hCollectionPOST).Methods("POST")
	st.HandleFunc("/{collection}", server.hCollectionDELETE).Methods("DELETE")
	st.HandleFunc("/{collection}/{bsoId}", server.hBsoGET).Methods("GET")
	st.HandleFunc("/{collection}/{bsoId}", server.hBsoPUT).Methods("PUT")
	st.HandleFunc("/{collection}/{bsoId}", server.hBsoDELETE).Methods("DELETE")

	return server
}

func (s *SyncHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if s.IsStopped() {
		s.StoppableHandler.ServeHTTP(w, req)
		return
	}

	s.router.ServeHTTP(w, req)
}

// uidFromRequest extracts the numeric user id from the request path.
// The router pattern guarantees digits only.
func uidFromRequest(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	uid, err := strconv.ParseUint(mux.Vars(r)["uid"], 10, 64)
	if err != nil {
		WeaveError(w, http.StatusBadRequest, WEAVE_INVALID_USER, "invalid user id")
		return 0, false
	}
	return uid, true
}

// getcid looks up a collection by name and returns its id. If it
// doesn't exist it will create it when automake is true.
func (s *SyncHandler) getcid(r *http.Request, uid uint64, automake bool) (int, error) {
	collection := mux.Vars(r)["collection"]

	if !storage.CollectionNameOk(collection) {
		return 0, storage.ErrInvalidCollectionName
	}

	cId, err := s.db.GetCollectionId(uid, collection)
	if err == storage.ErrNotFound && automake {
		return s.db.CreateCollection(uid, collection)
	}

	return cId, err
}

// storageError maps storage failures onto the wire contract. Anything
// unrecognized is an internal error.
func (s *SyncHandler) storageError(w http.ResponseWriter, r *http.Request, err error) {
	switch errors.Cause(err) {
	case storage.ErrTooBusy:
		w.Header().Set("Retry-After", "60")
		w.Header().Set("X-Weave-Backoff", "60")
		WeaveError(w, http.StatusServiceUnavailable, WEAVE_INVALID_PROTOCOL, "server busy")
	case storage.ErrOverQuota:
		WeaveError(w, http.StatusForbidden, WEAVE_OVER_QUOTA, "over quota")
	case storage.ErrPayloadTooBig:
		WeaveError(w, http.StatusRequestEntityTooLarge, WEAVE_INVALID_BSO, "payload too large")
	case storage.ErrInvalidBSOId:
		WeaveError(w, http.StatusBadRequest, WEAVE_INVALID_ID, "invalid id")
	case storage.ErrInvalidPayload, storage.ErrInvalidSortIndex,
		storage.ErrInvalidTTL, storage.ErrNothingToDo:
		WeaveInvalidBSOError(w)
	case storage.ErrInvalidLimit, storage.ErrInvalidOffset,
		storage.ErrInvalidNewer, storage.ErrInvalidOlder:
		WeaveError(w, http.StatusBadRequest, WEAVE_INVALID_PROTOCOL, err.Error())
	default:
		InternalError(w, r, err)
	}
}

func (s *SyncHandler) hInfoCollections(w http.ResponseWriter, r *http.Request) {
	if !AcceptHeaderOk(w, r) {
		return
	}

	uid, ok := uidFromRequest(w, r)
	if !ok {
		return
	}

	info, err := s.db.InfoCollections(uid)
	if err != nil {
		s.storageError(w, r, err)
		return
	}

	modified := 0
	for _, modtime := range info {
		if modtime > modified {
			modified = modtime
		}
	}

	if sentNotModified(w, r, modified) {
		return
	}

	out := make(map[string]wireTs, len(info))
	for name, m := range info {
		out[name] = wireTs(m)
	}

	w.Header().Set("X-Last-Modified", timestamp.ToWire(modified))
	JsonNewline(w, r, out)
}

func (s *SyncHandler) hInfoCollectionUsage(w http.ResponseWriter, r *http.Request) {
	if !AcceptHeaderOk(w, r) {
		return
	}

	uid, ok := uidFromRequest(w, r)
	if !ok {
		return
	}

	modified, err := s.db.LastModified(uid)
	if err != nil {
		s.storageError(w, r, err)
		return
	}

	if sentNotModified(w, r, modified) {
		return
	}

	results, err := s.db.InfoCollectionUsage(uid)
	if err != nil {
		s.storageError(w, r, err)
		return
	}

	// the sync 1.5 api reports usage in kilobytes
	resultsKB := make(map[string]float64, len(results))
	for name, bytes := range results {
		resultsKB[name] = float64(bytes) / 1024
	}

	w.Header().Set("X-Last-Modified", timestamp.ToWire(modified))
	JsonNewline(w, r, resultsKB)
}

func (s *SyncHandler) hInfoCollectionCounts(w http.ResponseWriter, r *http.Request) {
	if !AcceptHeaderOk(w, r) {
		return
	}

	uid, ok := uidFromRequest(w, r)
	if !ok {
		return
	}

	results, err := s.db.InfoCollectionCounts(uid)
	if err != nil {
		s.storageError(w, r, err)
		return
	}

	modified, err := s.db.LastModified(uid)
	if err != nil {
		s.storageError(w, r, err)
		return
	}

	if sentNotModified(w, r, modified) {
		return
	}

	w.Header().Set("X-Last-Modified", timestamp.ToWire(modified))
	JsonNewline(w, r, results)
}

func (s *SyncHandler) hInfoQuota(w http.ResponseWriter, r *http.Request) {
	if !AcceptHeaderOk(w, r) {
		return
	}

	uid, ok := uidFromRequest(w, r)
	if !ok {
		return
	}

	used, quota, err := s.db.InfoQuota(uid)
	if err != nil {
		s.storageError(w, r, err)
		return
	}

	modified, err := s.db.LastModified(uid)
	if err != nil {
		s.storageError(w, r, err)
		return
	}

	if sentNotModified(w, r, modified) {
		return
	}

	usedKB := float64(used) / 1024
	payload := []*float64{&usedKB, nil}
	if quota > 0 {
		quotaKB := float64(quota) / 1024
		payload[1] = &quotaKB
	}

	w.Header().Set("X-Last-Modified", timestamp.ToWire(modified))
	JsonNewline(w, r, payload)
}

// hInfoConfiguration reports the server side limits clients must
// respect before submitting a request
func (s *SyncHandler) hInfoConfiguration(w http.ResponseWriter, r *http.Request) {
	if !AcceptHeaderOk(w, r) {
		return
	}

	if _, ok := uidFromRequest(w, r); !ok {
		return
	}

	JSON(w, r, map[string]int{
		"max_post_records":         s.conf.MaxPostRecords,
		"max_post_bytes":           s.conf.MaxPostBytes,
		"max_record_payload_bytes": s.conf.MaxPayloadSize,
		"max_id_size":              64,
	})
}

// parseParams turns the documented query params into storage.Params.
// It writes the error response itself and returns false on bad input.
func (s *SyncHandler) parseParams(w http.ResponseWriter, r *http.Request) (*storage.Params, bool, bool) {
	full := false

	if err := r.ParseForm(); err != nil {
		WeaveError(w, http.StatusBadRequest, WEAVE_INVALID_PROTOCOL, "bad query parameters")
		return nil, false, false
	}

	p := &storage.Params{Sort: storage.SORT_NEWEST}

	if v := r.Form.Get("ids"); v != "" {
		ids := strings.Split(v, ",")
		if len(ids) > BATCH_MAX_IDS {
			WeaveError(w, http.StatusRequestEntityTooLarge,
				WEAVE_INVALID_PROTOCOL, "too many ids provided")
			return nil, false, false
		}

		for i, id := range ids {
			id = strings.TrimSpace(id)
			if !storage.BSOIdOk(id) {
				WeaveError(w, http.StatusBadRequest, WEAVE_INVALID_ID,
					fmt.Sprintf("invalid bso id %s", id))
				return nil, false, false
			}
			ids[i] = id
		}
		p.Ids = ids
	}

	// newer and older arrive as two decimal seconds
	if v := r.Form.Get("newer"); v != "" {
		newer, err := timestamp.Parse(v)
		if err != nil || !storage.NewerOk(newer) {
			WeaveError(w, http.StatusBadRequest, WEAVE_INVALID_PROTOCOL, "invalid newer value")
			return nil, false, false
		}
		p.Newer = newer
	}

	if v := r.Form.Get("older"); v != "" {
		older, err := timestamp.Parse(v)
		if err != nil {
			WeaveError(w, http.StatusBadRequest, WEAVE_INVALID_PROTOCOL, "invalid older value")
			return nil, false, false
		}
		p.Older = older
	}

	if v := r.Form.Get("full"); v != "" {
		full = true
	}

	if v := r.Form.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			WeaveError(w, http.StatusBadRequest, WEAVE_INVALID_PROTOCOL, "invalid limit value")
			return nil, false, false
		}
		p.Limit = limit
	}

	maxLimit := s.conf.MaxBSOGetLimit
	if maxLimit <= 0 {
		maxLimit = MAX_BSO_GET_LIMIT
	}
	if maxLimit > storage.LIMIT_MAX {
		maxLimit = storage.LIMIT_MAX
	}
	if p.Limit == 0 || p.Limit > maxLimit {
		p.Limit = maxLimit
	}

	if v := r.Form.Get("offset"); v != "" {
		// fully validated downstream, cheap sanity check here
		if _, err := storage.ParseOffset(v); err != nil {
			WeaveError(w, http.StatusBadRequest, WEAVE_INVALID_PROTOCOL, "invalid offset value")
			return nil, false, false
		}
		p.Offset = v
	}

	if v := r.Form.Get("sort"); v != "" {
		switch v {
		case "newest":
			p.Sort = storage.SORT_NEWEST
		case "oldest":
			p.Sort = storage.SORT_OLDEST
		case "index":
			p.Sort = storage.SORT_INDEX
		default:
			WeaveError(w, http.StatusBadRequest, WEAVE_INVALID_PROTOCOL, "invalid sort value")
			return nil, false, false
		}
	}

	return p, full, true
}

func (s *SyncHandler) hCollectionGET(w http.ResponseWriter, r *http.Request) {
	if !AcceptHeaderOk(w, r) {
		return
	}

	uid, ok := uidFromRequest(w, r)
	if !ok {
		return
	}

	cId, err := s.getcid(r, uid, false)
	if err != nil {
		switch err {
		case storage.ErrNotFound:
			// an absent collection is an empty list, not a 404,
			// and carries no X-Last-Modified
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte("[]"))
		case storage.ErrInvalidCollectionName:
			WeaveError(w, http.StatusBadRequest, WEAVE_INVALID_PROTOCOL, err.Error())
		default:
			InternalError(w, r, err)
		}
		return
	}

	p, full, ok := s.parseParams(w, r)
	if !ok {
		return
	}

	// IO is down here, after the cheap param validation
	cmodified, err := s.db.GetCollectionModified(uid, cId)
	if err != nil {
		s.storageError(w, r, err)
		return
	}
	if sentNotModified(w, r, cmodified) {
		return
	}

	results, err := s.db.GetBSOs(uid, cId, p)
	if err != nil {
		s.storageError(w, r, err)
		return
	}

	w.Header().Set("X-Last-Modified", timestamp.ToWire(cmodified))
	w.Header().Set("X-Weave-Records", strconv.Itoa(len(results.BSOs)))
	if results.More() {
		w.Header().Set("X-Weave-Next-Offset", results.Offset)
	}

	if full {
		JsonNewline(w, r, results.BSOs)
	} else {
		bsoIds := make([]string, len(results.BSOs))
		for i, b := range results.BSOs {
			bsoIds[i] = b.Id
		}
		JsonNewline(w, r, bsoIds)
	}
}

func (s *SyncHandler) hCollectionPOST(w http.ResponseWriter, r *http.Request) {
	// accept text/plain from old (broken) clients
	ct := getMediaType(r.Header.Get("Content-Type"))
	if ct != "application/json" && ct != "text/plain" && ct != "application/newlines" {
		WeaveError(w, http.StatusUnsupportedMediaType,
			WEAVE_INVALID_PROTOCOL, "unsupported Content-Type")
		return
	}

	uid, ok := uidFromRequest(w, r)
	if !ok {
		return
	}

	if r.ContentLength > int64(s.conf.MaxPostBytes) {
		WeaveError(w, http.StatusRequestEntityTooLarge,
			WEAVE_INVALID_PROTOCOL, "request body too large")
		return
	}
	body := http.MaxBytesReader(w, r.Body, int64(s.conf.MaxPostBytes))

	// collect the raw json encoded BSOs
	var raw []json.RawMessage
	if ct == "application/json" || ct == "text/plain" {
		if err := json.NewDecoder(body).Decode(&raw); err != nil {
			WeaveError(w, http.StatusBadRequest, WEAVE_BODY_PARSE, "could not parse JSON body")
			return
		}
	} else { // application/newlines
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), s.conf.MaxPayloadSize+1024)
		for scanner.Scan() {
			raw = append(raw, append(json.RawMessage{}, scanner.Bytes()...))
		}
		if err := scanner.Err(); err != nil {
			WeaveError(w, http.StatusBadRequest, WEAVE_BODY_PARSE, "could not read body")
			return
		}
	}

	if len(raw) > s.conf.MaxPostRecords {
		WeaveError(w, http.StatusRequestEntityTooLarge, WEAVE_INVALID_PROTOCOL,
			fmt.Sprintf("exceeded %d BSO per request", s.conf.MaxPostRecords))
		return
	}

	input := storage.PostBSOInput{}
	parseFailed := make(map[string][]string)

	for _, rawJSON := range raw {
		var b storage.PutBSOInput
		if err := parseIntoBSO(rawJSON, &b); err == nil {
			input = append(input, &b)
		} else {
			// ignore empty whitespace lines from application/newlines
			if len(strings.TrimSpace(string(rawJSON))) == 0 {
				continue
			}

			if err.field == "-" { // not even a JSON object
				WeaveError(w, http.StatusBadRequest, WEAVE_BODY_PARSE, "malformed BSO")
				return
			}

			parseFailed[err.bId] = append(parseFailed[err.bId], "invalid "+err.field)
		}
	}

	cId, err := s.getcid(r, uid, true)
	if err != nil {
		if err == storage.ErrInvalidCollectionName {
			WeaveError(w, http.StatusBadRequest, WEAVE_INVALID_PROTOCOL, err.Error())
		} else {
			s.storageError(w, r, err)
		}
		return
	}

	cmodified, err := s.db.GetCollectionModified(uid, cId)
	if err != nil {
		s.storageError(w, r, err)
		return
	}
	if sentNotModified(w, r, cmodified) {
		return
	}

	modified, err := s.db.NextModified(uid)
	if err != nil {
		s.storageError(w, r, err)
		return
	}

	postResults, err := s.db.PostBSOs(uid, cId, modified, input)
	if err != nil {
		s.storageError(w, r, err)
		return
	}

	for bId, reasons := range postResults.Failed {
		parseFailed[bId] = reasons
	}

	w.Header().Set("X-Last-Modified", timestamp.ToWire(postResults.Modified))
	JsonNewline(w, r, &PostResults{
		Modified: postResults.Modified,
		Success:  postResults.Success,
		Failed:   parseFailed,
	})
}

func (s *SyncHandler) hCollectionDELETE(w http.ResponseWriter, r *http.Request) {
	uid, ok := uidFromRequest(w, r)
	if !ok {
		return
	}

	// only the ids filter is supported on collection deletes.
	// Ignoring the others would delete far more than the client
	// asked for, so they are rejected instead.
	q := r.URL.Query()
	for _, param := range []string{"newer", "older", "limit", "offset", "sort"} {
		if q.Get(param) != "" {
			WeaveError(w, http.StatusBadRequest, WEAVE_INVALID_PROTOCOL,
				fmt.Sprintf("unsupported parameter: %s", param))
			return
		}
	}

	cId, err := s.getcid(r, uid, false)
	if err != nil {
		switch err {
		case storage.ErrNotFound:
			// deleting a collection that does not exist is a no-op
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"modified":%s}`, timestamp.ToWire(timestamp.Now()))
		case storage.ErrInvalidCollectionName:
			WeaveError(w, http.StatusBadRequest, WEAVE_INVALID_PROTOCOL, err.Error())
		default:
			InternalError(w, r, err)
		}
		return
	}

	cmodified, err := s.db.GetCollectionModified(uid, cId)
	if err != nil {
		s.storageError(w, r, err)
		return
	}
	if sentNotModified(w, r, cmodified) {
		return
	}

	modified, err := s.db.NextModified(uid)
	if err != nil {
		s.storageError(w, r, err)
		return
	}

	if v := r.URL.Query().Get("ids"); v != "" {
		bIds := strings.Split(v, ",")
		if len(bIds) > BATCH_MAX_IDS {
			WeaveError(w, http.StatusBadRequest,
				WEAVE_INVALID_PROTOCOL, "exceeded max batch size")
			return
		}
		for i, id := range bIds {
			bIds[i] = strings.TrimSpace(id)
		}

		modified, err = s.db.DeleteBSOs(uid, cId, modified, bIds...)
	} else {
		modified, err = s.db.DeleteCollection(uid, cId, modified)
	}

	if err != nil {
		s.storageError(w, r, err)
		return
	}

	w.Header().Set("X-Last-Modified", timestamp.ToWire(modified))
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"modified":%s}`, timestamp.ToWire(modified))
}

func (s *SyncHandler) hBsoGET(w http.ResponseWriter, r *http.Request) {
	if !AcceptHeaderOk(w, r) {
		return
	}

	uid, ok := uidFromRequest(w, r)
	if !ok {
		return
	}

	bId, ok := extractBsoIdFail(w, r)
	if !ok {
		return
	}

	cId, err := s.getcid(r, uid, false)
	if err != nil {
		if err == storage.ErrNotFound {
			JSONError(w, "collection not found", http.StatusNotFound)
		} else {
			s.storageError(w, r, err)
		}
		return
	}

	bso, err := s.db.GetBSO(uid, cId, bId)
	if err != nil {
		if err == storage.ErrNotFound {
			JSONError(w, "BSO not found", http.StatusNotFound)
		} else {
			s.storageError(w, r, err)
		}
		return
	}

	if sentNotModified(w, r, bso.Modified) {
		return
	}

	w.Header().Set("X-Last-Modified", timestamp.ToWire(bso.Modified))
	JsonNewline(w, r, bso)
}

func (s *SyncHandler) hBsoPUT(w http.ResponseWriter, r *http.Request) {
	if !AcceptHeaderOk(w, r) {
		return
	}

	// accept text/plain from old (broken) clients
	ct := getMediaType(r.Header.Get("Content-Type"))
	if ct != "application/json" && ct != "text/plain" && ct != "application/newlines" {
		WeaveError(w, http.StatusUnsupportedMediaType,
			WEAVE_INVALID_PROTOCOL, "unsupported Content-Type")
		return
	}

	uid, ok := uidFromRequest(w, r)
	if !ok {
		return
	}

	bId, ok := extractBsoIdFail(w, r)
	if !ok {
		return
	}

	cId, err := s.getcid(r, uid, true)
	if err != nil {
		if err == storage.ErrInvalidCollectionName {
			WeaveError(w, http.StatusBadRequest, WEAVE_INVALID_PROTOCOL, err.Error())
		} else {
			s.storageError(w, r, err)
		}
		return
	}

	bsoModified, err := s.db.GetBSOModified(uid, cId, bId)
	if err != nil && err != storage.ErrNotFound {
		s.storageError(w, r, errors.Wrap(err, "could not get modified ts"))
		return
	}

	if sentNotModified(w, r, bsoModified) {
		return
	}

	body, err := ioutil.ReadAll(http.MaxBytesReader(w, r.Body, int64(s.conf.MaxPostBytes)))
	if err != nil {
		WeaveError(w, http.StatusRequestEntityTooLarge,
			WEAVE_INVALID_PROTOCOL, "request body too large")
		return
	}

	var bso storage.PutBSOInput
	if pErr := parseIntoBSO(body, &bso); pErr != nil {
		WeaveInvalidBSOError(w)
		return
	}

	// a body id is optional but must agree with the URL
	if bso.Id != "" && bso.Id != bId {
		WeaveError(w, http.StatusBadRequest, WEAVE_INVALID_BSO, "body id does not match url")
		return
	}

	modified, err := s.db.NextModified(uid)
	if err != nil {
		s.storageError(w, r, err)
		return
	}

	modified, err = s.db.PutBSO(uid, cId, bId, modified, bso.Payload, bso.SortIndex, bso.TTL)
	if err != nil {
		s.storageError(w, r, err)
		return
	}

	m := timestamp.ToWire(modified)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Last-Modified", m)
	w.Write([]byte(m))
}

func (s *SyncHandler) hBsoDELETE(w http.ResponseWriter, r *http.Request) {
	uid, ok := uidFromRequest(w, r)
	if !ok {
		return
	}

	bId, ok := extractBsoIdFail(w, r)
	if !ok {
		return
	}

	cId, err := s.getcid(r, uid, false)
	if err != nil {
		if err == storage.ErrNotFound {
			JSONError(w, "collection not found", http.StatusNotFound)
		} else {
			s.storageError(w, r, err)
		}
		return
	}

	// deleting a BSO that is not there is a 404
	bso, err := s.db.GetBSO(uid, cId, bId)
	if err != nil {
		if err == storage.ErrNotFound {
			JSONError(w, fmt.Sprintf("BSO id: %s not found", bId), http.StatusNotFound)
		} else {
			s.storageError(w, r, err)
		}
		return
	}

	if sentNotModified(w, r, bso.Modified) {
		return
	}

	modified, err := s.db.NextModified(uid)
	if err != nil {
		s.storageError(w, r, err)
		return
	}

	modified, err = s.db.DeleteBSO(uid, cId, bso.Id, modified)
	if err != nil {
		s.storageError(w, r, err)
		return
	}

	m := timestamp.ToWire(modified)
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("X-Last-Modified", m)
	w.Write([]byte(m))
}

// hDeleteEverything wipes the user. The X-Confirm-Delete header is
// required so a misrouted DELETE cannot destroy an account.
func (s *SyncHandler) hDeleteEverything(w http.ResponseWriter, r *http.Request) {
	uid, ok := uidFromRequest(w, r)
	if !ok {
		return
	}

	if r.Header.Get("X-Confirm-Delete") != "1" {
		WeaveError(w, http.StatusBadRequest,
			WEAVE_INVALID_PROTOCOL, "X-Confirm-Delete: 1 header required")
		return
	}

	// frozen before the wipe so it cannot collide with a stamp a
	// concurrent write was already handed
	modified, err := s.db.NextModified(uid)
	if err != nil {
		s.storageError(w, r, err)
		return
	}

	if err := s.db.DeleteEverything(uid); err != nil {
		s.storageError(w, r, err)
		return
	}

	m := timestamp.ToWire(modified)
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("X-Last-Modified", m)
	w.Write([]byte(m))
}

// extractBsoId validates the BSO id in the path
func extractBsoId(r *http.Request) (bId string, ok bool) {
	bId, ok = mux.Vars(r)["bsoId"]
	if !ok {
		return
	}

	ok = storage.BSOIdOk(bId)
	return
}

func extractBsoIdFail(w http.ResponseWriter, r *http.Request) (bId string, ok bool) {
	bId, ok = extractBsoId(r)
	if !ok {
		JSONError(w, "invalid bso id", http.StatusNotFound)
	}
	return
}
