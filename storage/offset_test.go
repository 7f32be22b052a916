package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOffsetRoundTrip(t *testing.T) {
	assert := assert.New(t)

	key := &OffsetKey{SortIndex: -5, Modified: 123456, Id: "abc"}
	parsed, err := ParseOffset(key.Encode())
	require.NoError(t, err)
	assert.Equal(key, parsed)
}

func TestOffsetEmpty(t *testing.T) {
	parsed, err := ParseOffset("")
	assert.NoError(t, err)
	assert.Nil(t, parsed)
}

func TestOffsetRejectsGarbage(t *testing.T) {
	assert := assert.New(t)

	for _, token := range []string{
		"not base64 !!",
		"YWJj",       // "abc", no separators
		"MTI6MzQ",    // "12:34", missing id part
		"eDp5Onox",   // "x:y:z1", non numeric sort key
		"LTE6LTI6eA", // "-1:-2:x", negative modified
	} {
		_, err := ParseOffset(token)
		assert.Equal(ErrInvalidOffset, err, "token %q", token)
	}
}

func TestOffsetFromBSO(t *testing.T) {
	si := 7
	b := &BSO{Id: "zz", Modified: 999, SortIndex: &si}

	parsed, err := ParseOffset(OffsetFor(b))
	require.NoError(t, err)
	assert.Equal(t, &OffsetKey{SortIndex: 7, Modified: 999, Id: "zz"}, parsed)

	// nil sortindex encodes as the below-everything sentinel
	parsed, err = ParseOffset(OffsetFor(&BSO{Id: "zz", Modified: 999}))
	require.NoError(t, err)
	assert.Equal(t, MinSortIndex, parsed.SortIndex)
}
