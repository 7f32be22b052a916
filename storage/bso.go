package storage

import (
	"bytes"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/mozilla-services/syncstore/timestamp"
)

// use a buffer pool to reduce memory allocations
// since we'll be encoding a lot of BSOs
var bsoBufferPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

// BSO is the Basic Storage Object. SortIndex and TTL are pointers
// since both are optional and a zero sortindex is a legitimate value.
// TTL is seconds relative to the write that created it.
type BSO struct {
	Id        string
	Modified  int
	Payload   string
	SortIndex *int
	TTL       *int
}

// MarshalJSON builds a custom json blob since there is no good way of
// turning the Modified int (centiseconds) into seconds with two decimal
// places which is what the api defines as the correct format.
func (b BSO) MarshalJSON() ([]byte, error) {
	buf := bsoBufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bsoBufferPool.Put(buf)

	buf.WriteString(`{"id":`)
	if encoded, err := json.Marshal(b.Id); err == nil {
		buf.Write(encoded)
	} else {
		return nil, err
	}

	buf.WriteString(`,"modified":`)
	buf.WriteString(timestamp.ToWire(b.Modified))

	buf.WriteString(`,"payload":`)
	if encoded, err := json.Marshal(b.Payload); err == nil {
		buf.Write(encoded)
	} else {
		return nil, err
	}

	if b.SortIndex != nil {
		buf.WriteString(`,"sortindex":`)
		buf.WriteString(strconv.Itoa(*b.SortIndex))
	}

	if b.TTL != nil {
		buf.WriteString(`,"ttl":`)
		buf.WriteString(strconv.Itoa(*b.TTL))
	}

	buf.WriteString("}")
	c := make([]byte, buf.Len())
	copy(c, buf.Bytes())
	return c, nil
}

// UnmarshalJSON reverses MarshalJSON. Mostly useful for tests and the
// ephemeral collection store which round-trips BSOs through []byte.
func (b *BSO) UnmarshalJSON(data []byte) error {
	var tmp struct {
		Id        string  `json:"id"`
		Modified  float64 `json:"modified"`
		Payload   string  `json:"payload"`
		SortIndex *int    `json:"sortindex"`
		TTL       *int    `json:"ttl"`
	}

	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}

	b.Id = tmp.Id
	b.Modified = int(tmp.Modified*100 + 0.5)
	b.Payload = tmp.Payload
	b.SortIndex = tmp.SortIndex
	b.TTL = tmp.TTL
	return nil
}
