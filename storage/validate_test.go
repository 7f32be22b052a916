package storage

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBSOIdOk(t *testing.T) {
	assert := assert.New(t)

	assert.True(BSOIdOk("abc123"))
	assert.True(BSOIdOk("a"))
	assert.True(BSOIdOk("A-b_c.9"))
	assert.True(BSOIdOk(strings.Repeat("a", 64)))

	assert.False(BSOIdOk(""))
	assert.False(BSOIdOk(strings.Repeat("a", 65)))
	assert.False(BSOIdOk("has/slash"))
	assert.False(BSOIdOk("has space"))
	assert.False(BSOIdOk("tab\there"))
}

func TestValidateBSOId(t *testing.T) {
	assert.True(t, ValidateBSOId("a", "b", "c"))
	assert.False(t, ValidateBSOId("a", "", "c"))
}

func TestCollectionNameOk(t *testing.T) {
	assert := assert.New(t)

	assert.True(CollectionNameOk("bookmarks"))
	assert.True(CollectionNameOk("my-coll_1.x"))
	assert.False(CollectionNameOk(""))
	assert.False(CollectionNameOk(strings.Repeat("a", 33)))
	assert.False(CollectionNameOk("no/slash"))
}

func TestSortIndexOk(t *testing.T) {
	assert := assert.New(t)

	assert.True(SortIndexOk(0))
	assert.True(SortIndexOk(-1000))
	assert.True(SortIndexOk(math.MinInt32))
	assert.True(SortIndexOk(math.MaxInt32))
	assert.False(SortIndexOk(math.MaxInt32 + 1))
	assert.False(SortIndexOk(math.MinInt32 - 1))
}

func TestValidatePut(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(ErrNothingToDo, ValidatePut("ok", nil, nil, nil, 0))
	assert.Equal(ErrInvalidBSOId, ValidatePut("", String("x"), nil, nil, 0))

	neg := -1
	assert.Equal(ErrInvalidTTL, ValidatePut("ok", String("x"), nil, &neg, 0))

	big := 1 << 40
	assert.Equal(ErrInvalidSortIndex, ValidatePut("ok", String("x"), &big, nil, 0))

	assert.Equal(ErrPayloadTooBig, ValidatePut("ok", String("12345"), nil, nil, 4))
	assert.NoError(ValidatePut("ok", String("1234"), nil, nil, 4))

	// zero ttl is legal, it expires the record immediately
	zero := 0
	assert.NoError(ValidatePut("ok", String("x"), nil, &zero, 0))
}
