package cache

import "sync"

// userMutexes stripes per user locks so two users' read-modify-write
// cycles do not contend on a single mutex
type userMutexes struct {
	stripes [64]sync.Mutex
}

func (m *userMutexes) lock(uid uint64)   { m.stripes[uid%64].Lock() }
func (m *userMutexes) unlock(uid uint64) { m.stripes[uid%64].Unlock() }
