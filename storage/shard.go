package storage

// ShardedStore routes every operation to the shard owning the user,
// selected by uid mod N. A user's rows never span shards so no
// operation ever issues a cross shard query.
type ShardedStore struct {
	shards []*SQLStore
}

// NewShardedStore opens one SQLStore per path. The order of paths is
// significant: moving a path to another slot reassigns users.
func NewShardedStore(paths []string, quotaBytes, maxPayloadSize int) (*ShardedStore, error) {
	if len(paths) == 0 {
		return nil, ErrInvalidCollectionId
	}

	s := &ShardedStore{shards: make([]*SQLStore, 0, len(paths))}
	for _, path := range paths {
		shard, err := NewSQLStore(path)
		if err != nil {
			s.Close()
			return nil, err
		}

		shard.QuotaBytes = quotaBytes
		if maxPayloadSize > 0 {
			shard.MaxPayloadSize = maxPayloadSize
		}

		s.shards = append(s.shards, shard)
	}

	return s, nil
}

func (s *ShardedStore) forUser(uid uint64) *SQLStore {
	return s.shards[uid%uint64(len(s.shards))]
}

// NumShards returns how many physical databases back the store
func (s *ShardedStore) NumShards() int { return len(s.shards) }

// Shard exposes a single shard for operational tooling
func (s *ShardedStore) Shard(i int) *SQLStore { return s.shards[i] }

func (s *ShardedStore) Close() {
	for _, shard := range s.shards {
		shard.Close()
	}
}

func (s *ShardedStore) GetCollectionId(uid uint64, name string) (int, error) {
	return s.forUser(uid).GetCollectionId(uid, name)
}

func (s *ShardedStore) CreateCollection(uid uint64, name string) (int, error) {
	return s.forUser(uid).CreateCollection(uid, name)
}

func (s *ShardedStore) GetCollectionModified(uid uint64, cId int) (int, error) {
	return s.forUser(uid).GetCollectionModified(uid, cId)
}

func (s *ShardedStore) InfoCollections(uid uint64) (map[string]int, error) {
	return s.forUser(uid).InfoCollections(uid)
}

func (s *ShardedStore) InfoCollectionUsage(uid uint64) (map[string]int, error) {
	return s.forUser(uid).InfoCollectionUsage(uid)
}

func (s *ShardedStore) InfoCollectionCounts(uid uint64) (map[string]int, error) {
	return s.forUser(uid).InfoCollectionCounts(uid)
}

func (s *ShardedStore) InfoQuota(uid uint64) (used, quota int, err error) {
	return s.forUser(uid).InfoQuota(uid)
}

func (s *ShardedStore) LastModified(uid uint64) (int, error) {
	return s.forUser(uid).LastModified(uid)
}

func (s *ShardedStore) GetBSO(uid uint64, cId int, bId string) (*BSO, error) {
	return s.forUser(uid).GetBSO(uid, cId, bId)
}

func (s *ShardedStore) GetBSOModified(uid uint64, cId int, bId string) (int, error) {
	return s.forUser(uid).GetBSOModified(uid, cId, bId)
}

func (s *ShardedStore) GetBSOs(uid uint64, cId int, p *Params) (*Results, error) {
	return s.forUser(uid).GetBSOs(uid, cId, p)
}

func (s *ShardedStore) PutBSO(uid uint64, cId int, bId string, modified int,
	payload *string, sortIndex, ttl *int) (int, error) {
	return s.forUser(uid).PutBSO(uid, cId, bId, modified, payload, sortIndex, ttl)
}

func (s *ShardedStore) PostBSOs(uid uint64, cId int, modified int, input PostBSOInput) (*PostResults, error) {
	return s.forUser(uid).PostBSOs(uid, cId, modified, input)
}

func (s *ShardedStore) DeleteBSO(uid uint64, cId int, bId string, modified int) (int, error) {
	return s.forUser(uid).DeleteBSO(uid, cId, bId, modified)
}

func (s *ShardedStore) DeleteBSOs(uid uint64, cId int, modified int, bIds ...string) (int, error) {
	return s.forUser(uid).DeleteBSOs(uid, cId, modified, bIds...)
}

func (s *ShardedStore) DeleteCollection(uid uint64, cId int, modified int) (int, error) {
	return s.forUser(uid).DeleteCollection(uid, cId, modified)
}

func (s *ShardedStore) DeleteEverything(uid uint64) error {
	return s.forUser(uid).DeleteEverything(uid)
}

func (s *ShardedStore) PurgeExpired() (int, error) {
	total := 0
	for _, shard := range s.shards {
		n, err := shard.PurgeExpired()
		if err != nil {
			return total, err
		}
		total += n
	}

	return total, nil
}
