package service

import (
	"sync"
)

// stampedeTracker counts concurrent unresolved cache misses per key. A count
// above 1 means several requests found the archive missing at once, which is
// the signature of a stampede (expired document plus concurrent traffic).
type stampedeTracker struct {
	mu           sync.Mutex
	activeMisses map[string]int
}

func newStampedeTracker() *stampedeTracker {
	return &stampedeTracker{
		activeMisses: make(map[string]int),
	}
}

// RecordMiss registers an unresolved miss for key and returns the concurrent
// miss count including this one. Pair with a deferred RecordHit.
func (st *stampedeTracker) RecordMiss(key string) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.activeMisses[key]++
	return st.activeMisses[key]
}

// RecordHit resolves one previously recorded miss for key.
func (st *stampedeTracker) RecordHit(key string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if count, ok := st.activeMisses[key]; ok && count > 0 {
		st.activeMisses[key]--
		if st.activeMisses[key] == 0 {
			delete(st.activeMisses, key)
		}
	}
}
