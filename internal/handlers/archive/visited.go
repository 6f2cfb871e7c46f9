package archive

import (
	"sync"
	"sync/atomic"
)

// visitSet records URLs that were scheduled or fetched.
type visitSet struct {
	seen  sync.Map
	count atomic.Int64
}

func newVisitSet() *visitSet {
	return &visitSet{}
}

// MarkIfNew stores url if it has not been seen before and reports whether
// it was new.
func (v *visitSet) MarkIfNew(url string) bool {
	if url == "" {
		return false
	}
	if _, loaded := v.seen.LoadOrStore(url, struct{}{}); loaded {
		return false
	}
	v.count.Add(1)
	return true
}

// Unmark forgets url so a later MarkIfNew accepts it again.
func (v *visitSet) Unmark(url string) {
	if _, loaded := v.seen.LoadAndDelete(url); loaded {
		v.count.Add(-1)
	}
}

func (v *visitSet) Len() int {
	return int(v.count.Load())
}
