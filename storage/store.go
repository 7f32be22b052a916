package storage

// SortType determines the ordering of collection scans. Every sort
// carries deterministic tie breaks so paginated reads are stable.
type SortType int

const (
	SORT_NONE SortType = iota
	SORT_NEWEST
	SORT_OLDEST
	SORT_INDEX

	// absolute maximum records a single GetBSOs can return
	LIMIT_MAX = 1000

	// batch upserts are applied in chunks of this size
	BATCH_MAX = 100

	// default cap on BSO payloads, can be lowered in config
	DEFAULT_MAX_PAYLOAD_SIZE = 1024 * 256

	// custom collections get ids from here up, 1-11 are reserved
	// for the well known collection names
	FIRST_CUSTOM_COLLECTION_ID = 100
)

// standardCollections are interned without touching the database
var standardCollections = map[string]int{
	"clients":   1,
	"crypto":    2,
	"forms":     3,
	"history":   4,
	"keys":      5,
	"meta":      6,
	"bookmarks": 7,
	"prefs":     8,
	"tabs":      9,
	"passwords": 10,
	"addons":    11,
}

var standardCollectionNames = map[int]string{}

func init() {
	for name, id := range standardCollections {
		standardCollectionNames[id] = name
	}
}

// StandardCollectionId returns the reserved id for well known
// collection names, or 0 when the name is not reserved.
func StandardCollectionId(name string) int {
	return standardCollections[name]
}

func StandardCollectionName(id int) string {
	return standardCollectionNames[id]
}

// Params is the filter set accepted by GetBSOs
type Params struct {
	Ids    []string
	Newer  int // centiseconds, strictly greater than
	Older  int // centiseconds, strictly less than. 0 = unset
	Sort   SortType
	Limit  int
	Offset string // opaque continuation token, "" = start
}

// Results holds one page of a collection scan
type Results struct {
	BSOs []*BSO

	// continuation token for the next page, empty when this is
	// the last page
	Offset string
}

func (r *Results) More() bool { return r.Offset != "" }

// PostResults reports the outcome of a batch write. Partial failure is
// the normal case: per record validation errors land in Failed and do
// not abort the rest of the batch.
type PostResults struct {
	Modified int
	Success  []string
	Failed   map[string][]string
}

func NewPostResults(modified int) *PostResults {
	return &PostResults{
		Modified: modified,
		Success:  make([]string, 0),
		Failed:   make(map[string][]string),
	}
}

func (p *PostResults) AddSuccess(bId ...string) {
	p.Success = append(p.Success, bId...)
}

func (p *PostResults) AddFailure(bId string, reasons ...string) {
	p.Failed[bId] = reasons
}

// PostBSOInput is the decoded body of a POST batch
type PostBSOInput []*PutBSOInput

// PutBSOInput are the client supplied fields of a single write. nil
// means the client did not send the field.
type PutBSOInput struct {
	Id        string  `json:"id"`
	Payload   *string `json:"payload"`
	TTL       *int    `json:"ttl"`
	SortIndex *int    `json:"sortindex"`
}

func NewPutBSOInput(id string, payload *string, sortIndex, ttl *int) *PutBSOInput {
	return &PutBSOInput{Id: id, TTL: ttl, SortIndex: sortIndex, Payload: payload}
}

// Store is the single backend abstraction. The relational SQLStore is
// the reference implementation; the collection cache decorates a Store
// rather than being a sibling backend.
//
// All write operations take the request timestamp frozen by the
// pipeline so every mutation in one request carries the same value.
// uid is the authenticated numeric user id.
type Store interface {
	GetCollectionId(uid uint64, name string) (cId int, err error)
	CreateCollection(uid uint64, name string) (cId int, err error)
	GetCollectionModified(uid uint64, cId int) (modified int, err error)

	InfoCollections(uid uint64) (map[string]int, error)
	InfoCollectionUsage(uid uint64) (map[string]int, error)
	InfoCollectionCounts(uid uint64) (map[string]int, error)
	InfoQuota(uid uint64) (used, quota int, err error)
	LastModified(uid uint64) (modified int, err error)

	GetBSO(uid uint64, cId int, bId string) (b *BSO, err error)
	GetBSOModified(uid uint64, cId int, bId string) (modified int, err error)
	GetBSOs(uid uint64, cId int, p *Params) (r *Results, err error)

	// write operations return the collection's resulting modified
	// value: the frozen request timestamp when anything changed, the
	// pre-existing stamp when the write turned out to be a no-op
	PutBSO(uid uint64, cId int, bId string, modified int,
		payload *string, sortIndex, ttl *int) (int, error)
	PostBSOs(uid uint64, cId int, modified int, input PostBSOInput) (*PostResults, error)

	DeleteBSO(uid uint64, cId int, bId string, modified int) (int, error)
	DeleteBSOs(uid uint64, cId int, modified int, bIds ...string) (int, error)
	DeleteCollection(uid uint64, cId int, modified int) (int, error)
	DeleteEverything(uid uint64) error

	PurgeExpired() (removed int, err error)
}
