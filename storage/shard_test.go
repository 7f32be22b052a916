package storage

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getTestShardedStore(t *testing.T, numShards int) (*ShardedStore, func()) {
	dir, err := ioutil.TempDir("", "syncstore-shards-")
	require.NoError(t, err)

	paths := make([]string, numShards)
	for i := range paths {
		paths[i] = filepath.Join(dir, "shard"+string(rune('0'+i))+".db")
	}

	s, err := NewShardedStore(paths, 0, 0)
	require.NoError(t, err)

	return s, func() {
		s.Close()
		os.RemoveAll(dir)
	}
}

func TestShardedStoreRouting(t *testing.T) {
	assert := assert.New(t)
	s, cleanup := getTestShardedStore(t, 3)
	defer cleanup()

	// consecutive uids land on different shards
	assert.Equal(s.Shard(0), s.forUser(0))
	assert.Equal(s.Shard(1), s.forUser(1))
	assert.Equal(s.Shard(2), s.forUser(2))
	assert.Equal(s.Shard(0), s.forUser(3))
	assert.Equal(3, s.NumShards())
}

func TestShardedStoreIsolation(t *testing.T) {
	assert := assert.New(t)
	s, cleanup := getTestShardedStore(t, 2)
	defer cleanup()

	ts := Now()
	_, err := s.PutBSO(1, 7, "b0", ts, String("one"), nil, nil)
	assert.NoError(err)
	_, err = s.PutBSO(2, 7, "b0", ts, String("two"), nil, nil)
	assert.NoError(err)

	b, err := s.GetBSO(1, 7, "b0")
	require.NoError(t, err)
	assert.Equal("one", b.Payload)

	b, err = s.GetBSO(2, 7, "b0")
	require.NoError(t, err)
	assert.Equal("two", b.Payload)

	// the rows live on physically separate shards
	_, err = s.Shard(0).GetBSO(2, 7, "b0")
	assert.NoError(err)
	_, err = s.Shard(1).GetBSO(1, 7, "b0")
	assert.NoError(err)
	_, err = s.Shard(0).GetBSO(1, 7, "b0")
	assert.Equal(ErrNotFound, err)
}

func TestShardedStorePurgeAllShards(t *testing.T) {
	assert := assert.New(t)
	s, cleanup := getTestShardedStore(t, 2)
	defer cleanup()

	ttl := 0
	past := Now() - 100
	_, err := s.PutBSO(1, 1, "dead1", past, String("x"), nil, &ttl)
	assert.NoError(err)
	_, err = s.PutBSO(2, 1, "dead2", past, String("x"), nil, &ttl)
	assert.NoError(err)

	purged, err := s.PurgeExpired()
	assert.NoError(err)
	assert.Equal(2, purged)
}

func TestShardedStoreRequiresPaths(t *testing.T) {
	_, err := NewShardedStore(nil, 0, 0)
	assert.Error(t, err)
}
