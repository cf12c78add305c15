// Package replyblock implements the bounded store of one-shot anonymous
// reply blocks keyed by destination fingerprint: an outer LRU mapping
// Fingerprint to a per-fingerprint FIFO-bounded deque, consumed tail-first.
package replyblock

import (
	lru "github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/earendil-project/overlayd/pkg/fingerprint"
	"github.com/earendil-project/overlayd/pkg/overlay"
)

// DefaultPerFingerprintCap is the per-fingerprint deque bound used when
// the constructor is given a non-positive capacity.
const DefaultPerFingerprintCap = 1000

// deque is a fixed-capacity slice of reply blocks. insert appends to the
// tail, dropping the head when full; pop removes from the tail, so the
// most-recently-inserted block is consumed first. Newer reply blocks have
// fresher timing and are less likely to have expired at their originator,
// while stale blocks age out of the head.
type deque struct {
	items []overlay.ReplyBlock
	cap   int
}

func newDeque(cap int) *deque {
	return &deque{items: make([]overlay.ReplyBlock, 0, cap), cap: cap}
}

func (d *deque) insert(rb overlay.ReplyBlock) {
	if len(d.items) == d.cap {
		d.items = d.items[1:]
	}
	d.items = append(d.items, rb)
}

func (d *deque) pop() (overlay.ReplyBlock, bool) {
	if len(d.items) == 0 {
		return nil, false
	}
	last := len(d.items) - 1
	rb := d.items[last]
	d.items = d.items[:last]
	return rb, true
}

// Store is the two-level reply-block structure: an outer LRU mapping
// Fingerprint to a deque, bounded by a configured capacity (evicting the
// least-recently-used fingerprint's deque wholesale); each deque is
// FIFO-bounded at perFPCap. Not safe for concurrent mutation; callers
// must serialize (see SyncStore).
type Store struct {
	items    *lru.LRU[fingerprint.Fingerprint, *deque]
	perFPCap int
}

// New constructs a Store with the given outer LRU capacity (number of
// distinct fingerprints retained) and per-fingerprint deque capacity.
func New(size int, perFingerprintCap int) *Store {
	if perFingerprintCap <= 0 {
		perFingerprintCap = DefaultPerFingerprintCap
	}
	l, _ := lru.NewLRU[fingerprint.Fingerprint, *deque](size, nil)
	return &Store{items: l, perFPCap: perFingerprintCap}
}

// Insert appends rb to fp's deque, creating it if necessary and evicting
// the head if the deque is already at capacity.
func (s *Store) Insert(fp fingerprint.Fingerprint, rb overlay.ReplyBlock) {
	if d, ok := s.items.Get(fp); ok {
		d.insert(rb)
		return
	}
	d := newDeque(s.perFPCap)
	d.insert(rb)
	s.items.Add(fp, d)
}

// InsertBatch sequentially inserts each item under fp.
func (s *Store) InsertBatch(fp fingerprint.Fingerprint, items []overlay.ReplyBlock) {
	for _, rb := range items {
		s.Insert(fp, rb)
	}
}

// Get pops the most-recently-inserted reply block for fp, promoting fp in
// the outer LRU. Returns ok=false when fp is absent or its deque is empty.
func (s *Store) Get(fp fingerprint.Fingerprint) (overlay.ReplyBlock, bool) {
	d, ok := s.items.Get(fp)
	if !ok {
		return nil, false
	}
	return d.pop()
}

// Len reports the number of distinct fingerprints currently tracked.
func (s *Store) Len() int {
	return s.items.Len()
}
