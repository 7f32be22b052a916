package cache

import (
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/allegro/bigcache"
	"github.com/pkg/errors"

	"github.com/mozilla-services/syncstore/storage"
	"github.com/mozilla-services/syncstore/timestamp"
)

// ephemeral collections (tabs by default) never reach the database.
// Each user's collection is one bigcache entry holding a JSON map of
// records; bigcache bounds total memory and quietly drops users under
// pressure, which for this data is acceptable.

const (
	defaultEphemeralMaxMB      = 64
	defaultEphemeralMaxRecords = 5000

	// collections idle this long are dropped wholesale
	ephemeralLifeWindow = 24 * time.Hour
)

type ephemeralRecord struct {
	Modified  int    `json:"m"`
	Payload   string `json:"p"`
	SortIndex *int   `json:"s,omitempty"`
	TTLExpire *int   `json:"t,omitempty"`
}

func (r *ephemeralRecord) alive(now int) bool {
	return r.TTLExpire == nil || *r.TTLExpire > now
}

func (r *ephemeralRecord) toBSO(bId string) *storage.BSO {
	b := &storage.BSO{
		Id:        bId,
		Modified:  r.Modified,
		Payload:   r.Payload,
		SortIndex: r.SortIndex,
	}
	if r.TTLExpire != nil {
		ttl := (*r.TTLExpire - r.Modified) / 100
		b.TTL = &ttl
	}
	return b
}

type ephemeralStore struct {
	cache          *bigcache.BigCache
	maxRecords     int
	maxPayloadSize int

	// serializes read-modify-write cycles; bigcache has no CAS
	mu userMutexes
}

func newEphemeralStore(conf Config) (*ephemeralStore, error) {
	maxMB := conf.EphemeralMaxMB
	if maxMB <= 0 {
		maxMB = defaultEphemeralMaxMB
	}

	maxRecords := conf.EphemeralMaxRecords
	if maxRecords <= 0 {
		maxRecords = defaultEphemeralMaxRecords
	}

	maxPayloadSize := conf.MaxPayloadSize
	if maxPayloadSize <= 0 {
		maxPayloadSize = storage.DEFAULT_MAX_PAYLOAD_SIZE
	}

	bc, err := bigcache.NewBigCache(bigcache.Config{
		Shards:             64,
		LifeWindow:         ephemeralLifeWindow,
		CleanWindow:        5 * time.Minute,
		MaxEntriesInWindow: 1000,
		MaxEntrySize:       maxPayloadSize,
		HardMaxCacheSize:   maxMB,
	})
	if err != nil {
		return nil, errors.Wrap(err, "ephemeral cache init")
	}

	return &ephemeralStore{
		cache:          bc,
		maxRecords:     maxRecords,
		maxPayloadSize: maxPayloadSize,
	}, nil
}

func ephemeralKey(uid uint64, cId int) string {
	return strconv.FormatUint(uid, 10) + ":" + strconv.Itoa(cId)
}

func (e *ephemeralStore) load(uid uint64, cId int) (map[string]*ephemeralRecord, error) {
	raw, err := e.cache.Get(ephemeralKey(uid, cId))
	if err != nil {
		if err == bigcache.ErrEntryNotFound {
			return make(map[string]*ephemeralRecord), nil
		}
		return nil, errors.Wrap(err, "ephemeral load")
	}

	records := make(map[string]*ephemeralRecord)
	if err := json.Unmarshal(raw, &records); err != nil {
		// a corrupt entry is dropped, not served
		e.cache.Delete(ephemeralKey(uid, cId))
		return make(map[string]*ephemeralRecord), nil
	}

	return records, nil
}

func (e *ephemeralStore) save(uid uint64, cId int, records map[string]*ephemeralRecord) error {
	key := ephemeralKey(uid, cId)

	if len(records) == 0 {
		e.cache.Delete(key)
		return nil
	}

	raw, err := json.Marshal(records)
	if err != nil {
		return errors.Wrap(err, "ephemeral save")
	}

	return errors.Wrap(e.cache.Set(key, raw), "ephemeral save")
}

func (e *ephemeralStore) getBSO(uid uint64, cId int, bId string) (*storage.BSO, error) {
	if !storage.BSOIdOk(bId) {
		return nil, storage.ErrInvalidBSOId
	}

	records, err := e.load(uid, cId)
	if err != nil {
		return nil, err
	}

	r, ok := records[bId]
	if !ok || !r.alive(timestamp.Now()) {
		return nil, storage.ErrNotFound
	}

	return r.toBSO(bId), nil
}

func (e *ephemeralStore) getBSOs(uid uint64, cId int, p *storage.Params) (*storage.Results, error) {
	if p == nil {
		p = &storage.Params{}
	}

	offset, err := storage.ParseOffset(p.Offset)
	if err != nil {
		return nil, err
	}

	if !storage.LimitOk(p.Limit) {
		return nil, storage.ErrInvalidLimit
	}
	if !storage.NewerOk(p.Newer) {
		return nil, storage.ErrInvalidNewer
	}
	if p.Older < 0 {
		return nil, storage.ErrInvalidOlder
	}

	records, err := e.load(uid, cId)
	if err != nil {
		return nil, err
	}

	var wantIds map[string]bool
	if len(p.Ids) > 0 {
		ids := p.Ids
		if len(ids) > storage.BATCH_MAX {
			ids = ids[0:storage.BATCH_MAX]
		}
		wantIds = make(map[string]bool, len(ids))
		for _, id := range ids {
			wantIds[id] = true
		}
	}

	now := timestamp.Now()
	bsos := make([]*storage.BSO, 0, len(records))
	for bId, r := range records {
		if !r.alive(now) {
			continue
		}
		if p.Newer > 0 && r.Modified <= p.Newer {
			continue
		}
		if p.Older > 0 && r.Modified >= p.Older {
			continue
		}
		if wantIds != nil && !wantIds[bId] {
			continue
		}
		bsos = append(bsos, r.toBSO(bId))
	}

	sortBy := p.Sort
	if sortBy == storage.SORT_NONE {
		sortBy = storage.SORT_NEWEST
	}
	sortBSOs(bsos, sortBy)

	if offset != nil {
		bsos = seekPast(bsos, offset, sortBy)
	}

	limit := p.Limit
	if limit == 0 || limit > storage.LIMIT_MAX {
		limit = storage.LIMIT_MAX
	}

	results := &storage.Results{}
	if len(bsos) > limit {
		results.BSOs = bsos[:limit]
		results.Offset = storage.OffsetFor(bsos[limit-1])
	} else {
		results.BSOs = bsos
	}

	return results, nil
}

func effectiveSortIndex(b *storage.BSO) int {
	if b.SortIndex != nil {
		return *b.SortIndex
	}
	return storage.MinSortIndex
}

// sortBSOs orders a scan the same way the relational store does, tie
// breaks included, so continuation tokens mean the same thing on both
// backends.
func sortBSOs(bsos []*storage.BSO, sortBy storage.SortType) {
	sort.Slice(bsos, func(i, j int) bool {
		a, b := bsos[i], bsos[j]
		switch sortBy {
		case storage.SORT_OLDEST:
			if a.Modified != b.Modified {
				return a.Modified < b.Modified
			}
		case storage.SORT_INDEX:
			if si, sj := effectiveSortIndex(a), effectiveSortIndex(b); si != sj {
				return si > sj
			}
			if a.Modified != b.Modified {
				return a.Modified > b.Modified
			}
		default: // SORT_NEWEST
			if a.Modified != b.Modified {
				return a.Modified > b.Modified
			}
		}
		return a.Id < b.Id
	})
}

// seekPast drops everything up to and including the continuation key
func seekPast(bsos []*storage.BSO, offset *storage.OffsetKey, sortBy storage.SortType) []*storage.BSO {
	i := sort.Search(len(bsos), func(i int) bool {
		b := bsos[i]
		switch sortBy {
		case storage.SORT_OLDEST:
			if b.Modified != offset.Modified {
				return b.Modified > offset.Modified
			}
		case storage.SORT_INDEX:
			if si := effectiveSortIndex(b); si != offset.SortIndex {
				return si < offset.SortIndex
			}
			if b.Modified != offset.Modified {
				return b.Modified < offset.Modified
			}
		default:
			if b.Modified != offset.Modified {
				return b.Modified < offset.Modified
			}
		}
		return b.Id > offset.Id
	})
	return bsos[i:]
}

func (e *ephemeralStore) putBSO(uid uint64, cId int, bId string, modified int,
	payload *string, sortIndex, ttl *int) (mutated bool, err error) {

	e.mu.lock(uid)
	defer e.mu.unlock(uid)

	records, err := e.load(uid, cId)
	if err != nil {
		return false, err
	}

	mutated, err = applyPut(records, bId, modified, payload, sortIndex, ttl,
		e.maxPayloadSize, e.maxRecords)
	if err != nil {
		return false, err
	}
	if !mutated {
		return false, nil
	}

	if err := e.save(uid, cId, records); err != nil {
		return false, err
	}

	return true, nil
}

func (e *ephemeralStore) postBSOs(uid uint64, cId int, modified int,
	input storage.PostBSOInput) (*storage.PostResults, bool, error) {

	e.mu.lock(uid)
	defer e.mu.unlock(uid)

	records, err := e.load(uid, cId)
	if err != nil {
		return nil, false, err
	}

	results := storage.NewPostResults(modified)
	mutatedAny := false
	for _, data := range input {
		mutated, err := applyPut(records, data.Id, modified,
			data.Payload, data.SortIndex, data.TTL,
			e.maxPayloadSize, e.maxRecords)
		if err != nil {
			if err == storage.ErrOverQuota {
				return nil, false, err
			}
			results.AddFailure(data.Id, err.Error())
			continue
		}
		results.AddSuccess(data.Id)
		if mutated {
			mutatedAny = true
		}
	}

	if mutatedAny {
		if err := e.save(uid, cId, records); err != nil {
			return nil, false, err
		}
	}

	return results, mutatedAny, nil
}

// applyPut mirrors the relational upsert: only supplied fields change,
// and a sortindex update to the unchanged value does not move the
// record's modified time.
func applyPut(records map[string]*ephemeralRecord, bId string, modified int,
	payload *string, sortIndex, ttl *int, maxPayloadSize, maxRecords int) (mutated bool, err error) {

	if err := storage.ValidatePut(bId, payload, sortIndex, ttl, maxPayloadSize); err != nil {
		return false, err
	}

	r, exists := records[bId]
	if exists && !r.alive(timestamp.Now()) {
		delete(records, bId)
		exists = false
	}

	if !exists {
		if len(records) >= maxRecords {
			return false, storage.ErrOverQuota
		}

		r = &ephemeralRecord{Modified: modified}
		if payload != nil {
			r.Payload = *payload
		}
		r.SortIndex = sortIndex
		if ttl != nil {
			expire := modified + *ttl*100
			r.TTLExpire = &expire
		}
		records[bId] = r
		return true, nil
	}

	sortChanged := sortIndex != nil &&
		(r.SortIndex == nil || *r.SortIndex != *sortIndex)

	if payload == nil && !sortChanged && ttl == nil {
		return false, nil
	}

	r.Modified = modified
	if payload != nil {
		r.Payload = *payload
	}
	if sortChanged {
		r.SortIndex = sortIndex
	}
	if ttl != nil {
		expire := modified + *ttl*100
		r.TTLExpire = &expire
	}

	return true, nil
}

func (e *ephemeralStore) deleteBSOs(uid uint64, cId int, bIds ...string) (mutated bool, err error) {
	if len(bIds) == 0 {
		return false, storage.ErrNothingToDo
	}
	if !storage.ValidateBSOId(bIds...) {
		return false, storage.ErrInvalidBSOId
	}

	e.mu.lock(uid)
	defer e.mu.unlock(uid)

	records, err := e.load(uid, cId)
	if err != nil {
		return false, err
	}

	now := timestamp.Now()
	removed := 0
	for _, bId := range bIds {
		if r, ok := records[bId]; ok && r.alive(now) {
			delete(records, bId)
			removed++
		}
	}

	if removed == 0 {
		return false, nil
	}

	if err := e.save(uid, cId, records); err != nil {
		return false, err
	}

	return true, nil
}

func (e *ephemeralStore) deleteCollection(uid uint64, cId int, modified int) (int, error) {
	e.mu.lock(uid)
	defer e.mu.unlock(uid)

	e.cache.Delete(ephemeralKey(uid, cId))
	return modified, nil
}

func (e *ephemeralStore) deleteUser(uid uint64, ids map[string]int) {
	e.mu.lock(uid)
	defer e.mu.unlock(uid)

	for _, cId := range ids {
		e.cache.Delete(ephemeralKey(uid, cId))
	}
}

func (e *ephemeralStore) count(uid uint64, cId int) int {
	records, err := e.load(uid, cId)
	if err != nil {
		return 0
	}

	now := timestamp.Now()
	n := 0
	for _, r := range records {
		if r.alive(now) {
			n++
		}
	}
	return n
}

// usage reports bytes of alive payload, same unit as the relational
// store's info aggregate
func (e *ephemeralStore) usage(uid uint64, cId int) int {
	records, err := e.load(uid, cId)
	if err != nil {
		return 0
	}

	now := timestamp.Now()
	nbytes := 0
	for _, r := range records {
		if r.alive(now) {
			nbytes += len(r.Payload)
		}
	}
	return nbytes
}
