package replyblock

import (
	"sync"

	"github.com/earendil-project/overlayd/pkg/fingerprint"
	"github.com/earendil-project/overlayd/pkg/overlay"
)

// SyncStore wraps a Store with a mutex, since Store itself requires
// external serialization. Every n2r socket bound against the same
// dispatcher shares one SyncStore.
type SyncStore struct {
	mu    sync.Mutex
	store *Store
}

// NewSync constructs a SyncStore with the given outer LRU capacity and
// per-fingerprint deque capacity.
func NewSync(size int, perFingerprintCap int) *SyncStore {
	return &SyncStore{store: New(size, perFingerprintCap)}
}

// Insert appends rb to fp's deque.
func (s *SyncStore) Insert(fp fingerprint.Fingerprint, rb overlay.ReplyBlock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store.Insert(fp, rb)
}

// InsertBatch sequentially inserts each item under fp.
func (s *SyncStore) InsertBatch(fp fingerprint.Fingerprint, items []overlay.ReplyBlock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store.InsertBatch(fp, items)
}

// Get pops the most-recently-inserted reply block for fp.
func (s *SyncStore) Get(fp fingerprint.Fingerprint) (overlay.ReplyBlock, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Get(fp)
}

// Len reports the number of distinct fingerprints currently tracked.
func (s *SyncStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Len()
}
