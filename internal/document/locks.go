package document

import "sync"

// lockTable serializes writers per document. The read-modify-write inside
// ApplyOperation is a critical section: without it two concurrent calls can
// both read the same version, both take the direct-apply path, and one
// silently overwrites the other. Mutexes are created on first use and kept
// for the process lifetime, bounded by the number of documents touched.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*sync.Mutex)}
}

func (t *lockTable) acquire(documentID string) func() {
	t.mu.Lock()
	lock, ok := t.locks[documentID]
	if !ok {
		lock = &sync.Mutex{}
		t.locks[documentID] = lock
	}
	t.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
