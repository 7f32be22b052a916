package storage

import (
	"math"
	"regexp"
)

var (
	bsoIdCheck          *regexp.Regexp
	collectionNameCheck *regexp.Regexp
)

func init() {
	// url safe characters only, in particular no "/"
	bsoIdCheck = regexp.MustCompile(`^[0-9A-Za-z_.-]{1,64}$`)
	collectionNameCheck = regexp.MustCompile(`^[0-9A-Za-z_.-]{1,32}$`)
}

func BSOIdOk(bId string) bool {
	return bsoIdCheck.MatchString(bId)
}

// ValidateBSOId checks a list of ids in one shot
func ValidateBSOId(ids ...string) bool {
	for _, id := range ids {
		if !bsoIdCheck.MatchString(id) {
			return false
		}
	}

	return true
}

func CollectionNameOk(name string) bool {
	return collectionNameCheck.MatchString(name)
}

// SortIndexOk validates a sortindex fits into a signed 32 bit integer
func SortIndexOk(sortIndex int) bool {
	return sortIndex >= math.MinInt32 && sortIndex <= math.MaxInt32
}

func TTLOk(ttl int) bool {
	return ttl >= 0
}

func LimitOk(limit int) bool {
	return limit >= 0
}

func NewerOk(ts int) bool {
	return ts >= 0
}

// ValidatePut checks everything about a write before it causes any
// side effect. Backends share this so the in-memory ephemeral store
// rejects exactly what the SQL store rejects.
func ValidatePut(bId string, payload *string, sortIndex, ttl *int, maxPayloadSize int) error {
	if payload == nil && sortIndex == nil && ttl == nil {
		return ErrNothingToDo
	}

	if !BSOIdOk(bId) {
		return ErrInvalidBSOId
	}

	if sortIndex != nil && !SortIndexOk(*sortIndex) {
		return ErrInvalidSortIndex
	}

	if ttl != nil && !TTLOk(*ttl) {
		return ErrInvalidTTL
	}

	if payload != nil && maxPayloadSize > 0 && len(*payload) > maxPayloadSize {
		return ErrPayloadTooBig
	}

	return nil
}

func String(s string) *string { return &s }
func Int(u int) *int          { return &u }
