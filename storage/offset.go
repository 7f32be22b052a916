package storage

import (
	"encoding/base64"
	"strconv"
	"strings"
)

// OffsetKey is the decoded continuation token for paginated scans. It
// records the full sort key of the last row streamed so the next page
// resumes deterministically under any of the documented sorts. The
// wire form is opaque to clients.
type OffsetKey struct {
	SortIndex int
	Modified  int
	Id        string
}

func (o *OffsetKey) Encode() string {
	raw := strconv.Itoa(o.SortIndex) + ":" +
		strconv.Itoa(o.Modified) + ":" + o.Id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// MinSortIndex sorts below any valid sortindex (valid range is int32).
// Rows without a sortindex order as if they carried it.
const MinSortIndex = -(1 << 40)

// OffsetFor builds the continuation token from the last BSO of a page
func OffsetFor(b *BSO) string {
	key := &OffsetKey{Modified: b.Modified, Id: b.Id}
	if b.SortIndex != nil {
		key.SortIndex = *b.SortIndex
	} else {
		key.SortIndex = MinSortIndex
	}
	return key.Encode()
}

func ParseOffset(token string) (*OffsetKey, error) {
	if token == "" {
		return nil, nil
	}

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidOffset
	}

	parts := strings.SplitN(string(raw), ":", 3)
	if len(parts) != 3 {
		return nil, ErrInvalidOffset
	}

	sortIndex, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, ErrInvalidOffset
	}

	modified, err := strconv.Atoi(parts[1])
	if err != nil || modified < 0 {
		return nil, ErrInvalidOffset
	}

	if parts[2] != "" && !BSOIdOk(parts[2]) {
		return nil, ErrInvalidOffset
	}

	return &OffsetKey{
		SortIndex: sortIndex,
		Modified:  modified,
		Id:        parts[2],
	}, nil
}
