package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// dbTx allows passing of sql.DB or sql.Tx
type dbTx interface {
	Exec(string, ...interface{}) (sql.Result, error)
	Query(string, ...interface{}) (*sql.Rows, error)
	QueryRow(string, ...interface{}) *sql.Row
}

const (
	// bounded retries for write transactions that hit lock
	// contention before giving up with ErrTooBusy
	writeRetries = 3

	defaultTxTimeout = 5 * time.Second
)

// aliveCond filters out rows whose TTL has passed. Expired rows are
// invisible to reads, deletes and quota; a sweeper removes them later.
const aliveCond = "(TTLExpire IS NULL OR TTLExpire > ?)"

// SQLStore is the relational reference implementation of Store. One
// SQLStore owns one shard; every user's rows live wholly inside it.
type SQLStore struct {
	// sqlite database path
	Path string

	// 0 means unlimited
	QuotaBytes int

	MaxPayloadSize int

	// write transaction lifetime
	TxTimeout time.Duration

	db *sql.DB
}

func NewSQLStore(path string) (*SQLStore, error) {
	d := &SQLStore{
		Path:           path,
		MaxPayloadSize: DEFAULT_MAX_PAYLOAD_SIZE,
		TxTimeout:      defaultTxTimeout,
	}

	if err := d.Open(); err != nil {
		return nil, err
	}

	return d, nil
}

func (d *SQLStore) Open() (err error) {
	d.db, err = sql.Open("sqlite3", d.Path)
	if err != nil {
		return
	}

	// Initialize Schema 0 if it doesn't exist
	sqlCheck := "SELECT name from sqlite_master WHERE type='table' AND name=?"
	var name string
	if err := d.db.QueryRow(sqlCheck, "KeyValues").Scan(&name); err == sql.ErrNoRows {
		tx, err := d.db.Begin()
		if err != nil {
			return err
		}

		if _, err := tx.Exec(SCHEMA_0); err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				return rollbackErr
			}
			return err
		}

		log.WithFields(log.Fields{
			"path": d.Path,
		}).Debug("shard initialized")

		if err := tx.Commit(); err != nil {
			return err
		}
	}

	return nil
}

func (d *SQLStore) Close() {
	if d.db != nil {
		d.db.Close()
	}
}

// isBusyErr reports lock contention that is worth retrying
func isBusyErr(err error) bool {
	if e, ok := errors.Cause(err).(sqlite3.Error); ok {
		return e.Code == sqlite3.ErrBusy || e.Code == sqlite3.ErrLocked
	}
	return false
}

// withTx runs fn inside a transaction with a bounded lifetime. Lock
// contention is retried a bounded number of times with jittered
// back-off; on exhaustion callers see ErrTooBusy which the pipeline
// reports as 503 + Retry-After.
func (d *SQLStore) withTx(fn func(tx *sql.Tx) error) error {
	for attempt := 0; ; attempt++ {
		err := d.runTx(fn)
		if err == nil || !isBusyErr(err) {
			return err
		}

		if attempt >= writeRetries {
			log.WithFields(log.Fields{
				"path":     d.Path,
				"attempts": attempt + 1,
			}).Warn("write transaction exhausted retries")
			return ErrTooBusy
		}

		time.Sleep(time.Duration(5+rand.Intn(20)) * time.Millisecond)
	}
}

func (d *SQLStore) runTx(fn func(tx *sql.Tx) error) error {
	timeout := d.TxTimeout
	if timeout <= 0 {
		timeout = defaultTxTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

func (d *SQLStore) GetCollectionId(uid uint64, name string) (id int, err error) {
	if id := StandardCollectionId(name); id != 0 {
		return id, nil
	}

	if !CollectionNameOk(name) {
		return 0, ErrInvalidCollectionName
	}

	err = d.db.QueryRow(
		"SELECT CollectionId FROM Collections WHERE UserId=? AND Name=?",
		uid, name).Scan(&id)

	if err == sql.ErrNoRows {
		err = ErrNotFound
	}

	return
}

// CreateCollection interns a custom collection name for the user. It
// is idempotent; interning an existing name returns its id.
func (d *SQLStore) CreateCollection(uid uint64, name string) (cId int, err error) {
	if id := StandardCollectionId(name); id != 0 {
		return id, nil
	}

	if !CollectionNameOk(name) {
		return 0, ErrInvalidCollectionName
	}

	err = d.withTx(func(tx *sql.Tx) error {
		err := tx.QueryRow(
			"SELECT CollectionId FROM Collections WHERE UserId=? AND Name=?",
			uid, name).Scan(&cId)
		if err == nil {
			return nil
		}
		if err != sql.ErrNoRows {
			return err
		}

		var max sql.NullInt64
		err = tx.QueryRow(
			"SELECT MAX(CollectionId) FROM Collections WHERE UserId=?",
			uid).Scan(&max)
		if err != nil {
			return err
		}

		cId = FIRST_CUSTOM_COLLECTION_ID
		if max.Valid && int(max.Int64) >= FIRST_CUSTOM_COLLECTION_ID {
			cId = int(max.Int64) + 1
		}

		_, err = tx.Exec(
			"INSERT INTO Collections (UserId, CollectionId, Name) VALUES (?,?,?)",
			uid, cId, name)
		return err
	})

	return
}

func (d *SQLStore) GetCollectionModified(uid uint64, cId int) (int, error) {
	return d.collectionModified(d.db, uid, cId)
}

func (d *SQLStore) collectionModified(tx dbTx, uid uint64, cId int) (modified int, err error) {
	err = tx.QueryRow(
		"SELECT Modified FROM UserCollections WHERE UserId=? AND CollectionId=?",
		uid, cId).Scan(&modified)

	if err == sql.ErrNoRows {
		return 0, nil
	}

	return
}

// LastModified returns the most recent collection timestamp for the user
func (d *SQLStore) LastModified(uid uint64) (modified int, err error) {
	var m sql.NullInt64
	err = d.db.QueryRow(
		"SELECT MAX(Modified) FROM UserCollections WHERE UserId=?",
		uid).Scan(&m)
	if err != nil {
		return 0, err
	}

	if !m.Valid {
		return 0, nil
	}

	return int(m.Int64), nil
}

// collectionNames maps the user's collection ids to names. The well
// known ids resolve without touching the Collections table.
func (d *SQLStore) collectionNames(uid uint64) (map[int]string, error) {
	names := make(map[int]string, len(standardCollectionNames))
	for id, name := range standardCollectionNames {
		names[id] = name
	}

	rows, err := d.db.Query(
		"SELECT CollectionId, Name FROM Collections WHERE UserId=?", uid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id int
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		names[id] = name
	}

	return names, rows.Err()
}

func (d *SQLStore) InfoCollections(uid uint64) (map[string]int, error) {
	names, err := d.collectionNames(uid)
	if err != nil {
		return nil, err
	}

	rows, err := d.db.Query(
		"SELECT CollectionId, Modified FROM UserCollections WHERE UserId=? ORDER BY CollectionId",
		uid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make(map[string]int)
	for rows.Next() {
		var cId, modified int
		if err := rows.Scan(&cId, &modified); err != nil {
			return nil, err
		}
		if name, ok := names[cId]; ok {
			results[name] = modified
		}
	}

	return results, rows.Err()
}

func (d *SQLStore) InfoCollectionUsage(uid uint64) (map[string]int, error) {
	query := `SELECT CollectionId, SUM(PayloadSize)
			  FROM BSO
			  WHERE UserId=? AND ` + aliveCond + `
			  GROUP BY CollectionId`

	return d.infoAggregate(uid, query)
}

func (d *SQLStore) InfoCollectionCounts(uid uint64) (map[string]int, error) {
	query := `SELECT CollectionId, COUNT(1)
			  FROM BSO
			  WHERE UserId=? AND ` + aliveCond + `
			  GROUP BY CollectionId`

	return d.infoAggregate(uid, query)
}

func (d *SQLStore) infoAggregate(uid uint64, query string) (map[string]int, error) {
	names, err := d.collectionNames(uid)
	if err != nil {
		return nil, err
	}

	rows, err := d.db.Query(query, uid, Now())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make(map[string]int)
	for rows.Next() {
		var cId, value int
		if err := rows.Scan(&cId, &value); err != nil {
			return nil, err
		}
		if name, ok := names[cId]; ok {
			results[name] = value
		}
	}

	return results, rows.Err()
}

func (d *SQLStore) InfoQuota(uid uint64) (used, quota int, err error) {
	var u sql.NullInt64
	err = d.db.QueryRow(
		"SELECT SUM(PayloadSize) FROM BSO WHERE UserId=? AND "+aliveCond,
		uid, Now()).Scan(&u)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, d.QuotaBytes, nil
		}
		return
	}

	if u.Valid {
		used = int(u.Int64)
	}

	return used, d.QuotaBytes, nil
}

func (d *SQLStore) GetBSO(uid uint64, cId int, bId string) (*BSO, error) {
	return d.getBSO(d.db, uid, cId, bId)
}

func (d *SQLStore) GetBSOModified(uid uint64, cId int, bId string) (modified int, err error) {
	err = d.db.QueryRow(
		"SELECT Modified FROM BSO WHERE UserId=? AND CollectionId=? AND Id=? AND "+aliveCond,
		uid, cId, bId, Now()).Scan(&modified)

	if err != nil {
		if err == sql.ErrNoRows {
			return 0, ErrNotFound
		}
		return 0, err
	}

	return
}

func (d *SQLStore) GetBSOs(uid uint64, cId int, p *Params) (*Results, error) {
	return d.getBSOs(d.db, uid, cId, p)
}

// PutBSO upserts a single BSO and returns the collection's resulting
// modified value: the request timestamp when the row changed, the
// untouched existing stamp when the write was a no-op.
func (d *SQLStore) PutBSO(uid uint64, cId int, bId string, modified int,
	payload *string, sortIndex, ttl *int) (int, error) {

	result := modified
	err := d.withTx(func(tx *sql.Tx) error {
		result = modified

		if payload != nil {
			sizes := map[string]int{bId: len(*payload)}
			if err := d.checkQuota(tx, uid, cId, sizes); err != nil {
				return err
			}
		}

		mutated, err := d.putBSO(tx, uid, cId, bId, modified, payload, sortIndex, ttl)
		if err != nil {
			return err
		}

		if mutated {
			return d.touchCollection(tx, uid, cId, modified)
		}

		// nothing changed, so the collection timestamp must not
		// advance either
		result, err = d.collectionModified(tx, uid, cId)
		return err
	})

	if err != nil {
		return 0, err
	}

	return result, nil
}

// PostBSOs applies a batch of writes in input order inside one
// transaction. Per record validation failures are recorded and do not
// abort the rest; infrastructure failures roll the whole batch back.
// An empty batch, or one where every record was a no-op, reports the
// existing collection timestamp instead of advancing it.
func (d *SQLStore) PostBSOs(uid uint64, cId int, modified int, input PostBSOInput) (*PostResults, error) {
	results := NewPostResults(modified)

	err := d.withTx(func(tx *sql.Tx) error {
		results.Modified = modified

		// quota is checked before any row is written
		sizes := make(map[string]int)
		for _, data := range input {
			if data.Payload != nil {
				sizes[data.Id] = len(*data.Payload)
			}
		}
		if err := d.checkQuota(tx, uid, cId, sizes); err != nil {
			return err
		}

		// larger POSTs are applied in chunks while the
		// transaction remains open
		mutatedAny := false
		for start := 0; start < len(input); start += BATCH_MAX {
			end := start + BATCH_MAX
			if end > len(input) {
				end = len(input)
			}

			for _, data := range input[start:end] {
				mutated, err := d.putBSO(tx, uid, cId,
					data.Id, modified, data.Payload, data.SortIndex, data.TTL)

				if err != nil {
					if err == ErrOverQuota || isBusyErr(err) {
						return err
					}
					results.AddFailure(data.Id, err.Error())
					continue
				}

				results.AddSuccess(data.Id)
				if mutated {
					mutatedAny = true
				}
			}
		}

		if mutatedAny {
			return d.touchCollection(tx, uid, cId, modified)
		}

		m, err := d.collectionModified(tx, uid, cId)
		if err != nil {
			return err
		}
		results.Modified = m
		return nil
	})

	if err != nil {
		return nil, err
	}

	return results, nil
}

func (d *SQLStore) DeleteBSO(uid uint64, cId int, bId string, modified int) (int, error) {
	return d.DeleteBSOs(uid, cId, modified, bId)
}

func (d *SQLStore) DeleteBSOs(uid uint64, cId int, modified int, bIds ...string) (int, error) {
	if len(bIds) == 0 {
		return 0, ErrNothingToDo
	}

	if !ValidateBSOId(bIds...) {
		return 0, ErrInvalidBSOId
	}

	result := modified
	err := d.withTx(func(tx *sql.Tx) error {
		result = modified

		dml := "DELETE FROM BSO WHERE UserId=? AND CollectionId=? AND " +
			aliveCond + " AND Id IN (?" + strings.Repeat(",?", len(bIds)-1) + ")"

		values := make([]interface{}, 0, len(bIds)+3)
		values = append(values, uid, cId, Now())
		for _, id := range bIds {
			values = append(values, id)
		}

		r, err := tx.Exec(dml, values...)
		if err != nil {
			return err
		}

		if affected, _ := r.RowsAffected(); affected > 0 {
			return d.touchCollection(tx, uid, cId, modified)
		}

		// nothing matched, the collection stamp stays put
		result, err = d.collectionModified(tx, uid, cId)
		return err
	})

	if err != nil {
		return 0, err
	}

	return result, nil
}

// DeleteCollection removes all of a collection's BSOs. The
// UserCollections row is kept and stamped with the delete timestamp so
// clients can observe the deletion through info/collections.
func (d *SQLStore) DeleteCollection(uid uint64, cId int, modified int) (int, error) {
	err := d.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			"DELETE FROM BSO WHERE UserId=? AND CollectionId=?", uid, cId); err != nil {
			return err
		}

		return d.touchCollection(tx, uid, cId, modified)
	})

	if err != nil {
		return 0, err
	}

	return modified, nil
}

// DeleteEverything removes all the user's data in a single transaction
func (d *SQLStore) DeleteEverything(uid uint64) error {
	return d.withTx(func(tx *sql.Tx) error {
		for _, dml := range []string{
			"DELETE FROM BSO WHERE UserId=?",
			"DELETE FROM Collections WHERE UserId=?",
			"DELETE FROM UserCollections WHERE UserId=?",
		} {
			if _, err := tx.Exec(dml, uid); err != nil {
				return err
			}
		}
		return nil
	})
}

// PurgeExpired removes all BSOs that have expired out. Not part of the
// correctness contract, reads already exclude them.
func (d *SQLStore) PurgeExpired() (removed int, err error) {
	r, err := d.db.Exec(
		"DELETE FROM BSO WHERE TTLExpire IS NOT NULL AND TTLExpire <= ?", Now())
	if err != nil {
		return 0, err
	}

	purged, err := r.RowsAffected()
	return int(purged), err
}

type PageStats struct {
	Size  int
	Total int
	Free  int
}

// FreePercent calculates how much of total space is used up by
// free pages (empty of data)
func (s *PageStats) FreePercent() int {
	if s.Total == 0 {
		return 0
	}

	return int(float32(s.Free) / float32(s.Total) * 100)
}

func (d *SQLStore) Usage() (stats *PageStats, err error) {
	stats = &PageStats{}

	if err = d.db.QueryRow("PRAGMA page_count").Scan(&stats.Total); err != nil {
		return nil, err
	}
	if err = d.db.QueryRow("PRAGMA freelist_count").Scan(&stats.Free); err != nil {
		return nil, err
	}
	if err = d.db.QueryRow("PRAGMA page_size").Scan(&stats.Size); err != nil {
		return nil, err
	}

	return
}

// Optimize recovers disk space by removing empty db pages if the
// number of free pages makes up more than `threshold` percent of the
// total pages
func (d *SQLStore) Optimize(thresholdPercent int) (ItHappened bool, err error) {
	stats, err := d.Usage()
	if err != nil {
		return
	}

	if stats.FreePercent() >= thresholdPercent {
		_, err = d.db.Exec("VACUUM")
		ItHappened = true
	}

	return
}

func (d *SQLStore) touchCollection(tx dbTx, uid uint64, cId, modified int) error {
	r, err := tx.Exec(
		"UPDATE UserCollections SET Modified=? WHERE UserId=? AND CollectionId=?",
		modified, uid, cId)
	if err != nil {
		return err
	}

	if affected, _ := r.RowsAffected(); affected > 0 {
		return nil
	}

	_, err = tx.Exec(
		"INSERT INTO UserCollections (UserId, CollectionId, Modified) VALUES (?,?,?)",
		uid, cId, modified)
	return err
}

// checkQuota fails a write before it touches any rows if the incoming
// payloads would push the user past their quota. sizes maps the ids
// about to be written to their new payload sizes.
func (d *SQLStore) checkQuota(tx dbTx, uid uint64, cId int, sizes map[string]int) error {
	if d.QuotaBytes <= 0 || len(sizes) == 0 {
		return nil
	}

	var u sql.NullInt64
	err := tx.QueryRow(
		"SELECT SUM(PayloadSize) FROM BSO WHERE UserId=? AND "+aliveCond,
		uid, Now()).Scan(&u)
	if err != nil && err != sql.ErrNoRows {
		return err
	}

	used := 0
	if u.Valid {
		used = int(u.Int64)
	}

	// subtract what the replaced rows already occupy
	ids := make([]interface{}, 0, len(sizes)+4)
	ids = append(ids, uid, cId, Now())
	placeholders := make([]string, 0, len(sizes))
	delta := 0
	for id, size := range sizes {
		delta += size
		ids = append(ids, id)
		placeholders = append(placeholders, "?")
	}

	rows, err := tx.Query(
		"SELECT PayloadSize FROM BSO WHERE UserId=? AND CollectionId=? AND "+
			aliveCond+" AND Id IN ("+strings.Join(placeholders, ",")+")",
		ids...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var size int
		if err := rows.Scan(&size); err != nil {
			return err
		}
		delta -= size
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if used+delta > d.QuotaBytes {
		return ErrOverQuota
	}

	return nil
}

// bsoState is what putBSO needs to know about an existing row to
// decide between INSERT and UPDATE and whether modified should move
type bsoState struct {
	exists    bool
	sortIndex sql.NullInt64
	ttlExpire sql.NullInt64
}

// expired reports whether the row exists but its TTL has passed. Such
// a row is dead to readers and must not survive a write over it.
func (s bsoState) expired() bool {
	return s.exists && s.ttlExpire.Valid && int(s.ttlExpire.Int64) <= Now()
}

func (d *SQLStore) bsoState(tx dbTx, uid uint64, cId int, bId string) (s bsoState, err error) {
	err = tx.QueryRow(
		"SELECT SortIndex, TTLExpire FROM BSO WHERE UserId=? AND CollectionId=? AND Id=?",
		uid, cId, bId).Scan(&s.sortIndex, &s.ttlExpire)

	if err == sql.ErrNoRows {
		return bsoState{}, nil
	}
	if err != nil {
		return
	}

	s.exists = true
	return
}

// putBSO will INSERT or UPDATE a BSO. It reports whether the row
// actually changed; a metadata-only no-op leaves modified alone.
func (d *SQLStore) putBSO(tx dbTx, uid uint64, cId int, bId string, modified int,
	payload *string, sortIndex, ttl *int) (mutated bool, err error) {

	if err := ValidatePut(bId, payload, sortIndex, ttl, d.MaxPayloadSize); err != nil {
		return false, err
	}

	state, err := d.bsoState(tx, uid, cId, bId)
	if err != nil {
		return false, err
	}

	// a write over an expired row replaces it outright so no stale
	// column, the dead TTLExpire included, carries over
	if state.expired() {
		if _, err := tx.Exec(
			"DELETE FROM BSO WHERE UserId=? AND CollectionId=? AND Id=?",
			uid, cId, bId); err != nil {
			return false, err
		}
		state = bsoState{}
	}

	if state.exists {
		return d.updateBSO(tx, uid, cId, bId, modified, state, payload, sortIndex, ttl)
	}

	return true, d.insertBSO(tx, uid, cId, bId, modified, payload, sortIndex, ttl)
}

func (d *SQLStore) insertBSO(tx dbTx, uid uint64, cId int, bId string, modified int,
	payload *string, sortIndex, ttl *int) (err error) {

	p := ""
	if payload != nil {
		p = *payload
	}

	var s interface{}
	if sortIndex != nil {
		s = *sortIndex
	}

	var expire interface{}
	if ttl != nil {
		expire = modified + *ttl*100
	}

	_, err = tx.Exec(`INSERT INTO BSO (
			UserId, CollectionId, Id,
			Modified, SortIndex, TTLExpire,
			Payload, PayloadSize)
			VALUES (?,?,?, ?,?,?, ?,?)`,
		uid, cId, bId,
		modified, s, expire,
		p, len(p))

	if log.GetLevel() == log.DebugLevel {
		log.WithFields(log.Fields{
			"uid":      uid,
			"cId":      cId,
			"bId":      bId,
			"modified": modified,
		}).Debug("sql insertBSO")
	}

	return
}

// updateBSO updates only the columns the client supplied. The modified
// time moves when the payload is replaced, the sortindex actually
// changes, or a ttl is supplied; a sortindex update to the same value
// is a no-op and does not advance the collection.
func (d *SQLStore) updateBSO(tx dbTx, uid uint64, cId int, bId string, modified int,
	state bsoState, payload *string, sortIndex, ttl *int) (mutated bool, err error) {

	sortChanged := sortIndex != nil &&
		(!state.sortIndex.Valid || int(state.sortIndex.Int64) != *sortIndex)

	set := make([]string, 0, 5)
	values := make([]interface{}, 0, 7)

	if payload != nil || sortChanged || ttl != nil {
		set = append(set, "Modified=?")
		values = append(values, modified)
	}

	if payload != nil {
		set = append(set, "Payload=?", "PayloadSize=?")
		values = append(values, *payload, len(*payload))
	}

	if sortChanged {
		set = append(set, "SortIndex=?")
		values = append(values, *sortIndex)
	}

	if ttl != nil {
		set = append(set, "TTLExpire=?")
		values = append(values, modified+*ttl*100)
	}

	if len(set) == 0 {
		return false, nil
	}

	values = append(values, uid, cId, bId)
	dml := "UPDATE BSO SET " + strings.Join(set, ",") +
		" WHERE UserId=? AND CollectionId=? AND Id=?"

	if _, err := tx.Exec(dml, values...); err != nil {
		return false, err
	}

	if log.GetLevel() == log.DebugLevel {
		log.WithFields(log.Fields{
			"uid":      uid,
			"cId":      cId,
			"bId":      bId,
			"modified": modified,
			"zz_set":   strings.Join(set, ","),
		}).Debug("sql updateBSO")
	}

	return true, nil
}

// getBSO is a simpler interface to getBSOs that returns a single BSO
func (d *SQLStore) getBSO(tx dbTx, uid uint64, cId int, bId string) (*BSO, error) {
	if !BSOIdOk(bId) {
		return nil, ErrInvalidBSOId
	}

	b := &BSO{Id: bId}
	var sortIndex, expire sql.NullInt64

	query := "SELECT SortIndex, Payload, Modified, TTLExpire FROM BSO " +
		"WHERE UserId=? AND CollectionId=? AND Id=? AND " + aliveCond
	err := tx.QueryRow(query, uid, cId, bId, Now()).Scan(
		&sortIndex, &b.Payload, &b.Modified, &expire)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if sortIndex.Valid {
		s := int(sortIndex.Int64)
		b.SortIndex = &s
	}
	if expire.Valid {
		t := (int(expire.Int64) - b.Modified) / 100
		b.TTL = &t
	}

	return b, nil
}

// getBSOs searches for BSOs based on the api 1.5 criteria. Pagination
// is keyset based: the continuation token carries the full sort key of
// the last row streamed so pages are stable under every sort.
func (d *SQLStore) getBSOs(tx dbTx, uid uint64, cId int, p *Params) (*Results, error) {
	if p == nil {
		p = &Params{}
	}

	offset, err := ParseOffset(p.Offset)
	if err != nil {
		return nil, err
	}

	if !LimitOk(p.Limit) {
		return nil, ErrInvalidLimit
	}

	if !NewerOk(p.Newer) {
		return nil, ErrInvalidNewer
	}

	if p.Older < 0 {
		return nil, ErrInvalidOlder
	}

	where := "WHERE UserId=? AND CollectionId=? AND " + aliveCond
	values := []interface{}{uid, cId, Now()}

	if p.Newer > 0 {
		where += " AND Modified > ?"
		values = append(values, p.Newer)
	}

	if p.Older > 0 {
		where += " AND Modified < ?"
		values = append(values, p.Older)
	}

	if len(p.Ids) > 0 {
		ids := p.Ids
		// api accepts at most 100 ids at a time
		if len(ids) > BATCH_MAX {
			ids = ids[0:BATCH_MAX]
		}

		where += " AND Id IN (?" + strings.Repeat(",?", len(ids)-1) + ")"
		for _, id := range ids {
			values = append(values, id)
		}
	}

	// NULL sortindexes order below everything else so the index
	// sort stays total
	sortExpr := fmt.Sprintf("COALESCE(SortIndex,%d)", MinSortIndex)

	var orderBy string
	sort := p.Sort
	if sort == SORT_NONE {
		sort = SORT_NEWEST
	}

	switch sort {
	case SORT_NEWEST:
		orderBy = "ORDER BY Modified DESC, Id ASC"
		if offset != nil {
			where += " AND (Modified < ? OR (Modified = ? AND Id > ?))"
			values = append(values, offset.Modified, offset.Modified, offset.Id)
		}
	case SORT_OLDEST:
		orderBy = "ORDER BY Modified ASC, Id ASC"
		if offset != nil {
			where += " AND (Modified > ? OR (Modified = ? AND Id > ?))"
			values = append(values, offset.Modified, offset.Modified, offset.Id)
		}
	case SORT_INDEX:
		orderBy = "ORDER BY " + sortExpr + " DESC, Modified DESC, Id ASC"
		if offset != nil {
			where += " AND (" + sortExpr + " < ?" +
				" OR (" + sortExpr + " = ? AND Modified < ?)" +
				" OR (" + sortExpr + " = ? AND Modified = ? AND Id > ?))"
			values = append(values,
				offset.SortIndex,
				offset.SortIndex, offset.Modified,
				offset.SortIndex, offset.Modified, offset.Id)
		}
	default:
		return nil, errors.Errorf("unknown sort: %d", sort)
	}

	limit := p.Limit
	if limit == 0 || limit > LIMIT_MAX {
		limit = LIMIT_MAX
	}

	// fetch one row past the limit to learn if there is more
	query := fmt.Sprintf(
		"SELECT Id, SortIndex, Payload, Modified, TTLExpire FROM BSO %s %s LIMIT %d",
		where, orderBy, limit+1)

	if log.GetLevel() == log.DebugLevel {
		log.WithFields(log.Fields{
			"query":  query,
			"values": values,
		}).Debug("sql getBSOs")
	}

	rows, err := tx.Query(query, values...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bsos := make([]*BSO, 0, limit)
	for rows.Next() {
		b := &BSO{}
		var sortIndex, expire sql.NullInt64
		if err := rows.Scan(&b.Id, &sortIndex, &b.Payload, &b.Modified, &expire); err != nil {
			return nil, err
		}

		if sortIndex.Valid {
			s := int(sortIndex.Int64)
			b.SortIndex = &s
		}
		if expire.Valid {
			t := (int(expire.Int64) - b.Modified) / 100
			b.TTL = &t
		}

		bsos = append(bsos, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	results := &Results{}
	if len(bsos) > limit {
		bsos = bsos[:limit]
		results.Offset = OffsetFor(bsos[len(bsos)-1])
	}
	results.BSOs = bsos

	return results, nil
}
