package web

import (
	"bytes"
	"encoding/json"
	"io"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mozilla-services/syncstore/cache"
	"github.com/mozilla-services/syncstore/storage"
	"github.com/mozilla-services/syncstore/timestamp"
)

func newTestHandler(t *testing.T, hConf Config, cConf cache.Config) (*SyncHandler, func()) {
	f, err := ioutil.TempFile("", "syncstore-web-")
	require.NoError(t, err)
	f.Close()

	store, err := storage.NewSQLStore(f.Name())
	require.NoError(t, err)

	c, err := cache.New(store, cConf)
	require.NoError(t, err)

	return NewSyncHandler(c, hConf), func() {
		store.Close()
		os.Remove(f.Name())
	}
}

func request(method, urlStr string, body io.Reader, handler http.Handler) *httptest.ResponseRecorder {
	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	header.Set("Accept", "application/json")
	return requestheaders(method, urlStr, body, header, handler)
}

func requestheaders(method, urlStr string, body io.Reader, header http.Header, handler http.Handler) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, urlStr, body)
	req.Header = header
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func jsonBody(s string) io.Reader { return bytes.NewBufferString(s) }

func TestHandlerPutGetRoundTrip(t *testing.T) {
	assert := assert.New(t)
	h, cleanup := newTestHandler(t, Config{}, cache.Config{})
	defer cleanup()

	resp := request("PUT", "/1.5/42/storage/bookmarks/aaa",
		jsonBody(`{"payload":"X"}`), h)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	// body is the timestamp as a bare two decimal number
	body := resp.Body.String()
	assert.Regexp(`^\d+\.\d\d$`, body)
	assert.Equal(body, resp.Header().Get("X-Last-Modified"))

	resp = request("GET", "/1.5/42/storage/bookmarks/aaa", nil, h)
	require.Equal(t, http.StatusOK, resp.Code)

	var bso struct {
		Id       string  `json:"id"`
		Payload  string  `json:"payload"`
		Modified float64 `json:"modified"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &bso))
	assert.Equal("aaa", bso.Id)
	assert.Equal("X", bso.Payload)
	assert.True(bso.Modified > 0)
}

func TestHandlerInfoCollections(t *testing.T) {
	assert := assert.New(t)
	h, cleanup := newTestHandler(t, Config{}, cache.Config{})
	defer cleanup()

	resp := request("PUT", "/1.5/42/storage/bookmarks/aaa",
		jsonBody(`{"payload":"X"}`), h)
	require.Equal(t, http.StatusOK, resp.Code)
	ts := resp.Body.String()

	resp = request("GET", "/1.5/42/info/collections", nil, h)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(ts, resp.Header().Get("X-Last-Modified"))

	// two decimal values in the JSON body, not quoted strings
	assert.JSONEq(`{"bookmarks":`+ts+`}`, resp.Body.String())
}

func TestHandlerInfoConfiguration(t *testing.T) {
	assert := assert.New(t)
	h, cleanup := newTestHandler(t, Config{
		MaxPostRecords: 50,
		MaxPostBytes:   1024,
		MaxPayloadSize: 512,
	}, cache.Config{})
	defer cleanup()

	resp := request("GET", "/1.5/42/info/configuration", nil, h)
	require.Equal(t, http.StatusOK, resp.Code)

	var conf map[string]int
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &conf))
	assert.Equal(50, conf["max_post_records"])
	assert.Equal(1024, conf["max_post_bytes"])
	assert.Equal(512, conf["max_record_payload_bytes"])
	assert.Equal(64, conf["max_id_size"])
}

func TestHandlerNotModified(t *testing.T) {
	assert := assert.New(t)
	h, cleanup := newTestHandler(t, Config{}, cache.Config{})
	defer cleanup()

	resp := request("PUT", "/1.5/42/storage/bookmarks/aaa",
		jsonBody(`{"payload":"X"}`), h)
	require.Equal(t, http.StatusOK, resp.Code)
	ts := resp.Body.String()

	header := make(http.Header)
	header.Set("Accept", "application/json")
	header.Set("X-If-Modified-Since", ts)
	resp = requestheaders("GET", "/1.5/42/storage/bookmarks/aaa", nil, header, h)
	assert.Equal(http.StatusNotModified, resp.Code)
	assert.Equal(0, resp.Body.Len())

	// a malformed precondition is rejected, not ignored
	header.Set("X-If-Modified-Since", "1234.567")
	resp = requestheaders("GET", "/1.5/42/storage/bookmarks/aaa", nil, header, h)
	assert.Equal(http.StatusBadRequest, resp.Code)
}

func TestHandlerPreconditionFailed(t *testing.T) {
	assert := assert.New(t)
	h, cleanup := newTestHandler(t, Config{}, cache.Config{})
	defer cleanup()

	resp := request("PUT", "/1.5/42/storage/bookmarks/a",
		jsonBody(`{"payload":"first"}`), h)
	require.Equal(t, http.StatusOK, resp.Code)

	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	header.Set("Accept", "application/json")
	header.Set("X-If-Unmodified-Since", "0.01")
	resp = requestheaders("PUT", "/1.5/42/storage/bookmarks/a",
		jsonBody(`{"payload":"second"}`), header, h)
	assert.Equal(http.StatusPreconditionFailed, resp.Code)

	// the stored BSO is unchanged
	resp = request("GET", "/1.5/42/storage/bookmarks/a", nil, h)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(resp.Body.String(), `"payload":"first"`)
}

func TestHandlerCollectionPOST(t *testing.T) {
	assert := assert.New(t)
	h, cleanup := newTestHandler(t, Config{}, cache.Config{})
	defer cleanup()

	body := `[
		{"id":"a","payload":"1"},
		{"id":"","payload":"2"},
		{"id":"b","payload":"3"}
	]`
	resp := request("POST", "/1.5/42/storage/bookmarks", jsonBody(body), h)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.NotEmpty(resp.Header().Get("X-Last-Modified"))

	var results struct {
		Modified float64             `json:"modified"`
		Success  []string            `json:"success"`
		Failed   map[string][]string `json:"failed"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &results))
	assert.ElementsMatch([]string{"a", "b"}, results.Success)
	assert.Len(results.Failed, 1)

	resp = request("GET", "/1.5/42/info/collection_counts", nil, h)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(`{"bookmarks":2}`, resp.Body.String())
}

func TestHandlerEmptyPOSTKeepsTimestamp(t *testing.T) {
	assert := assert.New(t)
	h, cleanup := newTestHandler(t, Config{}, cache.Config{})
	defer cleanup()

	resp := request("PUT", "/1.5/42/storage/bookmarks/aaa",
		jsonBody(`{"payload":"X"}`), h)
	require.Equal(t, http.StatusOK, resp.Code)
	ts := resp.Body.String()

	// an empty batch writes nothing; the collection timestamp in the
	// response is the one the earlier write produced
	resp = request("POST", "/1.5/42/storage/bookmarks", jsonBody(`[]`), h)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Equal(ts, resp.Header().Get("X-Last-Modified"))

	var results struct {
		Success []string `json:"success"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &results))
	assert.Empty(results.Success)
	assert.Contains(resp.Body.String(), `"modified":`+ts)

	resp = request("GET", "/1.5/42/info/collections", nil, h)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(`{"bookmarks":`+ts+`}`, resp.Body.String())
}

func TestHandlerPOSTTooManyRecords(t *testing.T) {
	assert := assert.New(t)
	h, cleanup := newTestHandler(t, Config{MaxPostRecords: 2}, cache.Config{})
	defer cleanup()

	body := `[{"id":"a","payload":"1"},{"id":"b","payload":"2"},{"id":"c","payload":"3"}]`
	resp := request("POST", "/1.5/42/storage/bookmarks", jsonBody(body), h)
	assert.Equal(http.StatusRequestEntityTooLarge, resp.Code)

	// no side effects
	resp = request("GET", "/1.5/42/storage/bookmarks", nil, h)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal("[]", strings.TrimSpace(resp.Body.String()))
}

func TestHandlerPOSTNewlines(t *testing.T) {
	assert := assert.New(t)
	h, cleanup := newTestHandler(t, Config{}, cache.Config{})
	defer cleanup()

	body := `{"id":"a","payload":"1"}` + "\n" + `{"id":"b","payload":"2"}` + "\n"
	header := make(http.Header)
	header.Set("Content-Type", "application/newlines")
	header.Set("Accept", "application/json")
	resp := requestheaders("POST", "/1.5/42/storage/bookmarks", jsonBody(body), header, h)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	var results struct {
		Success []string `json:"success"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &results))
	assert.ElementsMatch([]string{"a", "b"}, results.Success)
}

func TestHandlerAbsentCollection(t *testing.T) {
	assert := assert.New(t)
	h, cleanup := newTestHandler(t, Config{}, cache.Config{})
	defer cleanup()

	// absent collection is an empty list, not a 404
	resp := request("GET", "/1.5/42/storage/nothere", nil, h)
	assert.Equal(http.StatusOK, resp.Code)
	assert.Equal("[]", strings.TrimSpace(resp.Body.String()))
	assert.Empty(resp.Header().Get("X-Last-Modified"))

	// absent BSO is a 404
	resp = request("GET", "/1.5/42/storage/nothere/abc", nil, h)
	assert.Equal(http.StatusNotFound, resp.Code)
}

func TestHandlerCollectionGETPagination(t *testing.T) {
	assert := assert.New(t)
	h, cleanup := newTestHandler(t, Config{}, cache.Config{})
	defer cleanup()

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		resp := request("PUT", "/1.5/42/storage/bookmarks/"+id,
			jsonBody(`{"payload":"x"}`), h)
		require.Equal(t, http.StatusOK, resp.Code)
	}

	seen := []string{}
	next := ""
	for {
		url := "/1.5/42/storage/bookmarks?limit=2"
		if next != "" {
			url += "&offset=" + next
		}

		resp := request("GET", url, nil, h)
		require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

		var ids []string
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &ids))
		assert.Equal(len(ids), mustAtoi(t, resp.Header().Get("X-Weave-Records")))
		seen = append(seen, ids...)

		next = resp.Header().Get("X-Weave-Next-Offset")
		if next == "" {
			break
		}
	}

	// five unique ids, no duplicates across pages
	assert.Len(seen, 5)
	unique := make(map[string]bool)
	for _, id := range seen {
		unique[id] = true
	}
	assert.Len(unique, 5)
}

func mustAtoi(t *testing.T, s string) int {
	n, err := strconv.Atoi(s)
	require.NoError(t, err)
	return n
}

func TestHandlerCollectionGETBadParams(t *testing.T) {
	assert := assert.New(t)
	h, cleanup := newTestHandler(t, Config{}, cache.Config{})
	defer cleanup()

	resp := request("PUT", "/1.5/42/storage/bookmarks/a",
		jsonBody(`{"payload":"x"}`), h)
	require.Equal(t, http.StatusOK, resp.Code)

	for _, url := range []string{
		"/1.5/42/storage/bookmarks?sort=sideways",
		"/1.5/42/storage/bookmarks?limit=-1",
		"/1.5/42/storage/bookmarks?limit=zebra",
		"/1.5/42/storage/bookmarks?newer=12.345", // too much precision
		"/1.5/42/storage/bookmarks?offset=@@@@",
	} {
		resp := request("GET", url, nil, h)
		assert.Equal(http.StatusBadRequest, resp.Code, url)
	}
}

func TestHandlerBsoDelete(t *testing.T) {
	assert := assert.New(t)
	h, cleanup := newTestHandler(t, Config{}, cache.Config{})
	defer cleanup()

	resp := request("PUT", "/1.5/42/storage/bookmarks/a",
		jsonBody(`{"payload":"x"}`), h)
	require.Equal(t, http.StatusOK, resp.Code)

	resp = request("DELETE", "/1.5/42/storage/bookmarks/a", nil, h)
	require.Equal(t, http.StatusOK, resp.Code)
	deleteTs := resp.Body.String()
	assert.Regexp(`^\d+\.\d\d$`, deleteTs)

	resp = request("GET", "/1.5/42/storage/bookmarks/a", nil, h)
	assert.Equal(http.StatusNotFound, resp.Code)

	// the delete stamp is observable through info/collections
	resp = request("GET", "/1.5/42/info/collections", nil, h)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(`{"bookmarks":`+deleteTs+`}`, resp.Body.String())

	// deleting it again 404s
	resp = request("DELETE", "/1.5/42/storage/bookmarks/a", nil, h)
	assert.Equal(http.StatusNotFound, resp.Code)
}

func TestHandlerCollectionDELETERejectsUnsupportedFilters(t *testing.T) {
	assert := assert.New(t)
	h, cleanup := newTestHandler(t, Config{}, cache.Config{})
	defer cleanup()

	resp := request("PUT", "/1.5/42/storage/bookmarks/a",
		jsonBody(`{"payload":"x"}`), h)
	require.Equal(t, http.StatusOK, resp.Code)

	// filters that are not implemented for deletes must not be
	// silently ignored
	for _, url := range []string{
		"/1.5/42/storage/bookmarks?newer=0.00",
		"/1.5/42/storage/bookmarks?older=99999999.00",
		"/1.5/42/storage/bookmarks?limit=1",
		"/1.5/42/storage/bookmarks?sort=newest",
		"/1.5/42/storage/bookmarks?offset=abcd",
	} {
		resp := request("DELETE", url, nil, h)
		assert.Equal(http.StatusBadRequest, resp.Code, url)
	}

	resp = request("GET", "/1.5/42/storage/bookmarks/a", nil, h)
	assert.Equal(http.StatusOK, resp.Code)

	// the ids filter still works
	resp = request("DELETE", "/1.5/42/storage/bookmarks?ids=a", nil, h)
	require.Equal(t, http.StatusOK, resp.Code)
	resp = request("GET", "/1.5/42/storage/bookmarks/a", nil, h)
	assert.Equal(http.StatusNotFound, resp.Code)
}

func TestHandlerDeleteEverything(t *testing.T) {
	assert := assert.New(t)
	h, cleanup := newTestHandler(t, Config{}, cache.Config{})
	defer cleanup()

	resp := request("PUT", "/1.5/42/storage/bookmarks/a",
		jsonBody(`{"payload":"x"}`), h)
	require.Equal(t, http.StatusOK, resp.Code)

	// without the confirmation header nothing happens
	resp = request("DELETE", "/1.5/42/storage", nil, h)
	assert.Equal(http.StatusBadRequest, resp.Code)

	resp = request("GET", "/1.5/42/storage/bookmarks/a", nil, h)
	assert.Equal(http.StatusOK, resp.Code)

	header := make(http.Header)
	header.Set("X-Confirm-Delete", "1")
	resp = requestheaders("DELETE", "/1.5/42/storage", nil, header, h)
	require.Equal(t, http.StatusOK, resp.Code)

	// fresh user
	resp = request("GET", "/1.5/42/storage/bookmarks/a", nil, h)
	assert.Equal(http.StatusNotFound, resp.Code)
	resp = request("GET", "/1.5/42/info/collections", nil, h)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(`{}`, resp.Body.String())
}

func TestHandlerDeleteEverythingStampMonotonic(t *testing.T) {
	assert := assert.New(t)
	h, cleanup := newTestHandler(t, Config{}, cache.Config{})
	defer cleanup()

	resp := request("PUT", "/1.5/42/storage/bookmarks/a",
		jsonBody(`{"payload":"x"}`), h)
	require.Equal(t, http.StatusOK, resp.Code)
	wrote, err := timestamp.Parse(resp.Body.String())
	require.NoError(t, err)

	header := make(http.Header)
	header.Set("X-Confirm-Delete", "1")
	resp = requestheaders("DELETE", "/1.5/42/storage", nil, header, h)
	require.Equal(t, http.StatusOK, resp.Code)

	// the wipe stamp comes from the same authority as write stamps
	// and cannot collide with one already handed out
	wiped, err := timestamp.Parse(resp.Body.String())
	require.NoError(t, err)
	assert.True(wiped > wrote)
}

func TestHandlerPutBodyIdMismatch(t *testing.T) {
	assert := assert.New(t)
	h, cleanup := newTestHandler(t, Config{}, cache.Config{})
	defer cleanup()

	resp := request("PUT", "/1.5/42/storage/bookmarks/aaa",
		jsonBody(`{"id":"bbb","payload":"X"}`), h)
	assert.Equal(http.StatusBadRequest, resp.Code)
}

func TestHandlerPayloadTooBig(t *testing.T) {
	assert := assert.New(t)
	h, cleanup := newTestHandler(t, Config{MaxPayloadSize: 4}, cache.Config{})
	defer cleanup()

	resp := request("PUT", "/1.5/42/storage/bookmarks/a",
		jsonBody(`{"payload":"1234"}`), h)
	assert.Equal(http.StatusOK, resp.Code)

	resp = request("PUT", "/1.5/42/storage/bookmarks/b",
		jsonBody(`{"payload":"12345"}`), h)
	assert.Equal(http.StatusRequestEntityTooLarge, resp.Code)
}

func TestHandlerWeaveTimestamp(t *testing.T) {
	assert := assert.New(t)
	h, cleanup := newTestHandler(t, Config{}, cache.Config{})
	defer cleanup()

	wrapped := WeaveTimestampHandler(h)

	resp := request("PUT", "/1.5/42/storage/bookmarks/a",
		jsonBody(`{"payload":"x"}`), wrapped)
	require.Equal(t, http.StatusOK, resp.Code)

	// matches X-Last-Modified on writes
	assert.Equal(resp.Header().Get("X-Last-Modified"),
		resp.Header().Get("X-Weave-Timestamp"))

	// present even without X-Last-Modified
	resp = request("GET", "/1.5/42/info/configuration", nil, wrapped)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.NotEmpty(resp.Header().Get("X-Weave-Timestamp"))
}

func TestHandlerEphemeralCollection(t *testing.T) {
	assert := assert.New(t)
	h, cleanup := newTestHandler(t, Config{}, cache.Config{
		EphemeralCollections: []string{"tabs"},
	})
	defer cleanup()

	resp := request("PUT", "/1.5/42/storage/tabs/t0",
		jsonBody(`{"payload":"open tab"}`), h)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	resp = request("GET", "/1.5/42/storage/tabs/t0", nil, h)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(resp.Body.String(), `"payload":"open tab"`)

	resp = request("GET", "/1.5/42/info/collections", nil, h)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(resp.Body.String(), `"tabs"`)
}

func TestHandlerNewlinesAccept(t *testing.T) {
	assert := assert.New(t)
	h, cleanup := newTestHandler(t, Config{}, cache.Config{})
	defer cleanup()

	for _, id := range []string{"a", "b"} {
		resp := request("PUT", "/1.5/42/storage/bookmarks/"+id,
			jsonBody(`{"payload":"x"}`), h)
		require.Equal(t, http.StatusOK, resp.Code)
	}

	header := make(http.Header)
	header.Set("Accept", "application/newlines")
	resp := requestheaders("GET", "/1.5/42/storage/bookmarks?full=1", nil, header, h)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal("application/newlines", resp.Header().Get("Content-Type"))

	lines := strings.Split(strings.TrimSpace(resp.Body.String()), "\n")
	assert.Len(lines, 2)
	for _, line := range lines {
		var bso map[string]interface{}
		assert.NoError(json.Unmarshal([]byte(line), &bso))
	}
}
