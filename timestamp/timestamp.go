// Package timestamp implements the server clock for the sync protocol.
// Internally every timestamp is an integer count of centiseconds since
// the unix epoch. On the wire timestamps are seconds with exactly two
// decimal places.
package timestamp

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

// Now returns the current time in centiseconds
func Now() int {
	return int(time.Now().UnixNano() / int64(10*time.Millisecond))
}

// ToWire converts a centisecond timestamp into the two decimal
// seconds format clients expect, ie: 134343.32
func ToWire(ts int) string {
	return strconv.Itoa(ts/100) + "." + pad2(ts%100)
}

func pad2(n int) string {
	if n < 10 {
		return "0" + strconv.Itoa(n)
	}
	return strconv.Itoa(n)
}

// Parse converts a wire format timestamp into centiseconds. The
// fractional part must be exactly two digits when present; any other
// precision is rejected since the protocol fixes the accuracy at
// 1/100th of a second.
func Parse(ts string) (int, error) {
	if ts == "" {
		return 0, ErrInvalidTimestamp
	}

	whole := ts
	frac := ""

	if i := strings.IndexByte(ts, '.'); i >= 0 {
		whole, frac = ts[:i], ts[i+1:]
		if len(frac) != 2 {
			return 0, ErrInvalidTimestamp
		}
	}

	secs, err := strconv.Atoi(whole)
	if err != nil || secs < 0 {
		return 0, ErrInvalidTimestamp
	}

	centis := 0
	if frac != "" {
		centis, err = strconv.Atoi(frac)
		if err != nil || centis < 0 {
			return 0, ErrInvalidTimestamp
		}
	}

	return secs*100 + centis, nil
}

// Monotonic issues per user timestamps that never repeat and never go
// backwards. When the wall clock has not advanced past the last issued
// value the clock is bumped forward by a single centisecond instead of
// sleeping the request.
type Monotonic struct {
	mu   sync.Mutex
	last map[uint64]int
}

func NewMonotonic() *Monotonic {
	return &Monotonic{last: make(map[uint64]int)}
}

// Next freezes the request timestamp for uid
func (m *Monotonic) Next(uid uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := Now()
	if last, ok := m.last[uid]; ok && now <= last {
		now = last + 1
	}

	m.last[uid] = now
	return now
}

// Observe seeds the clock with a timestamp read back from storage so
// that a freshly started process cannot re-issue a value an earlier
// writer already handed out.
func (m *Monotonic) Observe(uid uint64, ts int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ts > m.last[uid] {
		m.last[uid] = ts
	}
}

// Forget drops the uid from the table, used when a user's entry is
// evicted from the cache arena.
func (m *Monotonic) Forget(uid uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.last, uid)
}
