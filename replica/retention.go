package replica

import (
	"sync"
)

// reference counts which shards must stay resident versus may be evicted
// once durably synced. Retain/release pairs are the mechanism that lets
// background logic free shards unconditionally while foreground use is
// protected: teardown re-checks the count immediately before acting

type retentionTracker struct {
	mutex sync.Mutex
	// per kind refcounts
	counts map[ShardRef]int
}

func newRetentionTracker() *retentionTracker {
	return &retentionTracker{
		counts: map[ShardRef]int{},
	}
}

func (self *retentionTracker) retain(ref ShardRef) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.counts[ref] += 1
}

// returns whether the shard is now unretained
func (self *retentionTracker) release(ref ShardRef) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	count, ok := self.counts[ref]
	if !ok {
		return true
	}
	if count <= 1 {
		delete(self.counts, ref)
		return true
	}
	self.counts[ref] = count - 1
	return false
}

func (self *retentionTracker) retained(ref ShardRef) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return 0 < self.counts[ref]
}

func (self *retentionTracker) retainedCount(kind ShardKind) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	count := 0
	for ref := range self.counts {
		if ref.Kind == kind {
			count += 1
		}
	}
	return count
}
