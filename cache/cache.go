// Package cache layers the per-user collection cache over a
// storage.Store. It is a decorator, not a sibling backend: everything
// is forwarded to the wrapped store except the info/* projections, the
// precondition-check reads, and the ephemeral collections which never
// touch the database at all.
//
// The cache is advisory, the database stays the source of truth. Each
// user owns a small entry guarded by its own mutex; entries are LRU
// evicted and can be dropped at any time.
package cache

import (
	"container/list"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/mozilla-services/syncstore/storage"
	"github.com/mozilla-services/syncstore/timestamp"
)

const (
	DefaultMaxUsers = 10000

	// rolling window for the per-user write cap
	writeCapWindow = 24 * 60 * 60 * 100 // centiseconds
)

type Config struct {
	// LRU cap on cached user entries, <= 0 uses DefaultMaxUsers
	MaxUsers int

	// collection names served from memory only; the database is
	// never involved for these
	EphemeralCollections []string

	// hard memory bound for ephemeral collection contents, in MB
	EphemeralMaxMB int

	// max BSOs per user in one ephemeral collection, <= 0 uses
	// the package default
	EphemeralMaxRecords int

	MaxPayloadSize int

	// rolling daily cap on bytes written per user, 0 = uncapped
	MaxDailyWriteBytes int64
}

// Cache implements storage.Store plus the request timestamp authority
type Cache struct {
	store storage.Store
	conf  Config

	clock *timestamp.Monotonic

	// per collection-name synthetic ids for ephemeral collections
	// that are not one of the well known names
	ephemeralIds   map[string]int
	ephemeralNames map[int]string

	tabs *ephemeralStore

	mu    sync.Mutex
	lru   *list.List
	users map[uint64]*list.Element
}

// userEntry is the arena for one user. Its lock is held only to read
// or update the entry; database I/O happens outside it, guarded by a
// version check so a slow load never overwrites a newer write.
type userEntry struct {
	uid uint64

	mu      sync.Mutex
	version uint64

	// last modified per collection id; authoritative for entries
	// that are present
	colMod map[int]int

	info   map[string]int // info/collections projection
	infoOk bool

	counts   map[string]int
	countsOk bool

	// name interning caches
	nameIds map[string]int
	idNames map[int]string

	clockSeeded bool

	windowStart  int
	writtenBytes int64
}

func New(store storage.Store, conf Config) (*Cache, error) {
	if conf.MaxUsers <= 0 {
		conf.MaxUsers = DefaultMaxUsers
	}

	c := &Cache{
		store:          store,
		conf:           conf,
		clock:          timestamp.NewMonotonic(),
		ephemeralIds:   make(map[string]int),
		ephemeralNames: make(map[int]string),
		lru:            list.New(),
		users:          make(map[uint64]*list.Element),
	}

	if len(conf.EphemeralCollections) > 0 {
		tabs, err := newEphemeralStore(conf)
		if err != nil {
			return nil, err
		}
		c.tabs = tabs

		// well known ephemeral names keep their reserved id,
		// anything else gets a synthetic id well above the
		// range the database will ever allocate
		next := firstEphemeralId
		for _, name := range conf.EphemeralCollections {
			id := storage.StandardCollectionId(name)
			if id == 0 {
				id = next
				next++
			}
			c.ephemeralIds[name] = id
			c.ephemeralNames[id] = name
		}
	}

	return c, nil
}

// synthetic ids for custom ephemeral collection names
const firstEphemeralId = 1 << 20

func (c *Cache) isEphemeral(cId int) bool {
	_, ok := c.ephemeralNames[cId]
	return ok
}

// entry returns the user's cache entry, creating it and evicting the
// least recently used one if the arena is full.
func (c *Cache) entry(uid uint64) *userEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.users[uid]; ok {
		c.lru.MoveToFront(el)
		return el.Value.(*userEntry)
	}

	e := &userEntry{
		uid:         uid,
		colMod:      make(map[int]int),
		nameIds:     make(map[string]int),
		idNames:     make(map[int]string),
		windowStart: timestamp.Now(),
	}
	c.users[uid] = c.lru.PushFront(e)

	for c.lru.Len() > c.conf.MaxUsers {
		oldest := c.lru.Back()
		evicted := oldest.Value.(*userEntry)
		c.lru.Remove(oldest)
		delete(c.users, evicted.uid)
		c.clock.Forget(evicted.uid)
	}

	return e
}

// evict drops a user's entry entirely. Used instead of leaving a
// possibly stale entry behind when a refresh fails after a commit.
func (c *Cache) evict(uid uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.users[uid]; ok {
		c.lru.Remove(el)
		delete(c.users, uid)
		c.clock.Forget(uid)
	}
}

// NextModified freezes the request timestamp for a write. Timestamps
// for one user strictly increase and never repeat, even across process
// restarts: the first use after startup seeds the clock from storage.
func (c *Cache) NextModified(uid uint64) (int, error) {
	e := c.entry(uid)

	e.mu.Lock()
	seeded := e.clockSeeded
	e.mu.Unlock()

	if !seeded {
		last, err := c.store.LastModified(uid)
		if err != nil {
			return 0, err
		}

		c.clock.Observe(uid, last)
		e.mu.Lock()
		e.clockSeeded = true
		e.mu.Unlock()
	}

	return c.clock.Next(uid), nil
}

// resolveName maps a collection id back to its name, if known
func (c *Cache) resolveName(e *userEntry, cId int) (string, bool) {
	if name, ok := c.ephemeralNames[cId]; ok {
		return name, true
	}
	if name := storage.StandardCollectionName(cId); name != "" {
		return name, true
	}
	if name, ok := e.idNames[cId]; ok {
		return name, true
	}
	return "", false
}

// applyWrite folds a successful write into the cached projections.
// This runs after the transaction committed; a reader that arrives
// after us observes the new value (the entry mutex gives the required
// release-store). Counts are dropped rather than guessed.
func (c *Cache) applyWrite(uid uint64, cId, modified int) {
	e := c.entry(uid)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.version++

	if modified > e.colMod[cId] {
		e.colMod[cId] = modified
	}

	if e.infoOk {
		if name, ok := c.resolveName(e, cId); ok {
			if modified > e.info[name] {
				e.info[name] = modified
			}
		} else {
			e.infoOk = false
			e.info = nil
		}
	}

	e.countsOk = false
	e.counts = nil
}

// checkWriteCap applies the rolling daily write cap. The reservation
// is made up front; a failed write leaves the bytes counted, which
// only errs on the side of throttling sooner.
func (c *Cache) checkWriteCap(uid uint64, nbytes int64) error {
	if c.conf.MaxDailyWriteBytes <= 0 || nbytes == 0 {
		return nil
	}

	e := c.entry(uid)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := timestamp.Now()
	if now-e.windowStart >= writeCapWindow {
		e.windowStart = now
		e.writtenBytes = 0
	}

	if e.writtenBytes+nbytes > c.conf.MaxDailyWriteBytes {
		log.WithFields(log.Fields{
			"uid":     uid,
			"written": e.writtenBytes,
		}).Warn("daily write cap exceeded")
		return storage.ErrTooBusy
	}

	e.writtenBytes += nbytes
	return nil
}

func (c *Cache) GetCollectionId(uid uint64, name string) (int, error) {
	if id, ok := c.ephemeralIds[name]; ok {
		return id, nil
	}
	if id := storage.StandardCollectionId(name); id != 0 {
		return id, nil
	}

	e := c.entry(uid)
	e.mu.Lock()
	if id, ok := e.nameIds[name]; ok {
		e.mu.Unlock()
		return id, nil
	}
	e.mu.Unlock()

	id, err := c.store.GetCollectionId(uid, name)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	e.nameIds[name] = id
	e.idNames[id] = name
	e.mu.Unlock()

	return id, nil
}

func (c *Cache) CreateCollection(uid uint64, name string) (int, error) {
	if id, ok := c.ephemeralIds[name]; ok {
		return id, nil
	}

	id, err := c.store.CreateCollection(uid, name)
	if err != nil {
		return 0, err
	}

	e := c.entry(uid)
	e.mu.Lock()
	e.nameIds[name] = id
	e.idNames[id] = name
	e.mu.Unlock()

	return id, nil
}

// GetCollectionModified is the precondition-check hot path. It serves
// from the entry when it can; the value there is the same one a
// subsequent write will advance, so a passed precondition cannot race
// an unseen earlier write by the same process.
func (c *Cache) GetCollectionModified(uid uint64, cId int) (int, error) {
	e := c.entry(uid)

	e.mu.Lock()
	if m, ok := e.colMod[cId]; ok {
		e.mu.Unlock()
		return m, nil
	}
	ver := e.version
	e.mu.Unlock()

	if c.isEphemeral(cId) {
		// ephemeral collections live here; absent means empty
		return 0, nil
	}

	m, err := c.store.GetCollectionModified(uid, cId)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	if e.version == ver {
		e.colMod[cId] = m
	}
	e.mu.Unlock()

	return m, nil
}

func (c *Cache) InfoCollections(uid uint64) (map[string]int, error) {
	e := c.entry(uid)

	e.mu.Lock()
	if e.infoOk {
		out := copyIntMap(e.info)
		e.mu.Unlock()
		return out, nil
	}
	ver := e.version
	e.mu.Unlock()

	info, err := c.store.InfoCollections(uid)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	// merge what this process already knows to be newer; the load
	// may have raced a concurrent commit
	for cId, m := range e.colMod {
		if name, ok := c.resolveName(e, cId); ok && m > info[name] {
			if m > 0 {
				info[name] = m
			}
		}
	}
	if e.version == ver {
		e.info = copyIntMap(info)
		e.infoOk = true
	}
	e.mu.Unlock()

	return info, nil
}

func (c *Cache) InfoCollectionCounts(uid uint64) (map[string]int, error) {
	e := c.entry(uid)

	e.mu.Lock()
	if e.countsOk {
		out := copyIntMap(e.counts)
		e.mu.Unlock()
		return out, nil
	}
	ver := e.version
	e.mu.Unlock()

	counts, err := c.store.InfoCollectionCounts(uid)
	if err != nil {
		return nil, err
	}

	if c.tabs != nil {
		for name, id := range c.ephemeralIds {
			if n := c.tabs.count(uid, id); n > 0 {
				counts[name] = n
			}
		}
	}

	e.mu.Lock()
	if e.version == ver {
		e.counts = copyIntMap(counts)
		e.countsOk = true
	}
	e.mu.Unlock()

	return counts, nil
}

func (c *Cache) InfoCollectionUsage(uid uint64) (map[string]int, error) {
	usage, err := c.store.InfoCollectionUsage(uid)
	if err != nil {
		return nil, err
	}

	if c.tabs != nil {
		for name, id := range c.ephemeralIds {
			if n := c.tabs.usage(uid, id); n > 0 {
				usage[name] = n
			}
		}
	}

	return usage, nil
}

// InfoQuota reports database usage only; ephemeral collections are
// memory resident and do not count against quota.
func (c *Cache) InfoQuota(uid uint64) (used, quota int, err error) {
	return c.store.InfoQuota(uid)
}

func (c *Cache) LastModified(uid uint64) (int, error) {
	m, err := c.store.LastModified(uid)
	if err != nil {
		return 0, err
	}

	e := c.entry(uid)
	e.mu.Lock()
	for id := range c.ephemeralNames {
		if e.colMod[id] > m {
			m = e.colMod[id]
		}
	}
	e.mu.Unlock()

	return m, nil
}

func (c *Cache) GetBSO(uid uint64, cId int, bId string) (*storage.BSO, error) {
	if c.isEphemeral(cId) {
		return c.tabs.getBSO(uid, cId, bId)
	}
	return c.store.GetBSO(uid, cId, bId)
}

func (c *Cache) GetBSOModified(uid uint64, cId int, bId string) (int, error) {
	if c.isEphemeral(cId) {
		b, err := c.tabs.getBSO(uid, cId, bId)
		if err != nil {
			return 0, err
		}
		return b.Modified, nil
	}
	return c.store.GetBSOModified(uid, cId, bId)
}

func (c *Cache) GetBSOs(uid uint64, cId int, p *storage.Params) (*storage.Results, error) {
	if c.isEphemeral(cId) {
		return c.tabs.getBSOs(uid, cId, p)
	}
	return c.store.GetBSOs(uid, cId, p)
}

func (c *Cache) PutBSO(uid uint64, cId int, bId string, modified int,
	payload *string, sortIndex, ttl *int) (int, error) {

	var nbytes int64
	if payload != nil {
		nbytes = int64(len(*payload))
	}
	if err := c.checkWriteCap(uid, nbytes); err != nil {
		return 0, err
	}

	if c.isEphemeral(cId) {
		mutated, err := c.tabs.putBSO(uid, cId, bId, modified, payload, sortIndex, ttl)
		if err != nil {
			return 0, err
		}
		if !mutated {
			return c.GetCollectionModified(uid, cId)
		}
		c.applyWrite(uid, cId, modified)
		return modified, nil
	}

	m, err := c.store.PutBSO(uid, cId, bId, modified, payload, sortIndex, ttl)
	if err != nil {
		return 0, err
	}

	// request timestamps strictly exceed every stamp already stored,
	// so anything older coming back means the write was a no-op and
	// the projections must not move
	if m != modified {
		return m, nil
	}

	c.applyWrite(uid, cId, m)
	return m, nil
}

func (c *Cache) PostBSOs(uid uint64, cId int, modified int, input storage.PostBSOInput) (*storage.PostResults, error) {
	var nbytes int64
	for _, b := range input {
		if b.Payload != nil {
			nbytes += int64(len(*b.Payload))
		}
	}
	if err := c.checkWriteCap(uid, nbytes); err != nil {
		return nil, err
	}

	if c.isEphemeral(cId) {
		results, mutated, err := c.tabs.postBSOs(uid, cId, modified, input)
		if err != nil {
			return nil, err
		}
		if !mutated {
			m, err := c.GetCollectionModified(uid, cId)
			if err != nil {
				return nil, err
			}
			results.Modified = m
			return results, nil
		}
		c.applyWrite(uid, cId, modified)
		return results, nil
	}

	results, err := c.store.PostBSOs(uid, cId, modified, input)
	if err != nil {
		return nil, err
	}

	if results.Modified != modified {
		// the whole batch was a no-op
		return results, nil
	}

	c.applyWrite(uid, cId, results.Modified)
	return results, nil
}

func (c *Cache) DeleteBSO(uid uint64, cId int, bId string, modified int) (int, error) {
	return c.DeleteBSOs(uid, cId, modified, bId)
}

func (c *Cache) DeleteBSOs(uid uint64, cId int, modified int, bIds ...string) (int, error) {
	if c.isEphemeral(cId) {
		mutated, err := c.tabs.deleteBSOs(uid, cId, bIds...)
		if err != nil {
			return 0, err
		}
		if !mutated {
			return c.GetCollectionModified(uid, cId)
		}
		c.applyWrite(uid, cId, modified)
		return modified, nil
	}

	m, err := c.store.DeleteBSOs(uid, cId, modified, bIds...)
	if err != nil {
		return 0, err
	}

	if m != modified {
		// nothing matched, nothing advanced
		return m, nil
	}

	c.applyWrite(uid, cId, m)
	return m, nil
}

func (c *Cache) DeleteCollection(uid uint64, cId int, modified int) (int, error) {
	var (
		m   int
		err error
	)
	if c.isEphemeral(cId) {
		m, err = c.tabs.deleteCollection(uid, cId, modified)
	} else {
		m, err = c.store.DeleteCollection(uid, cId, modified)
	}
	if err != nil {
		return 0, err
	}

	c.applyWrite(uid, cId, m)
	return m, nil
}

func (c *Cache) DeleteEverything(uid uint64) error {
	if err := c.store.DeleteEverything(uid); err != nil {
		return err
	}

	if c.tabs != nil {
		c.tabs.deleteUser(uid, c.ephemeralIds)
	}

	// start over rather than patching every projection
	c.evict(uid)
	return nil
}

func (c *Cache) PurgeExpired() (int, error) {
	return c.store.PurgeExpired()
}

func copyIntMap(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
