package replica

import (
	"context"
	"sync"
	"time"
)

// coalesces many small local mutations into one batch per throttle window.
// delivery is always asynchronous with respect to the mutation that
// triggered it, so it is safe to notify from inside a state transition

// a nil node or entry marks an explicit delete, mirroring the append
// log's explicit delete rule
type ChangeBatch struct {
	Nodes   map[Id]*Node
	Entries map[string]*IndexEntry
}

func newChangeBatch() *ChangeBatch {
	return &ChangeBatch{
		Nodes:   map[Id]*Node{},
		Entries: map[string]*IndexEntry{},
	}
}

func (self *ChangeBatch) empty() bool {
	return len(self.Nodes) == 0 && len(self.Entries) == 0
}

// later values for the same key override earlier ones
func (self *ChangeBatch) merge(batch *ChangeBatch) {
	for nodeId, node := range batch.Nodes {
		self.Nodes[nodeId] = node
	}
	for key, entry := range batch.Entries {
		self.Entries[key] = entry
	}
}

type NotifyFunction func(batch *ChangeBatch)

type notifyBatcher struct {
	ctx     context.Context
	window  time.Duration
	deliver NotifyFunction

	mutex     sync.Mutex
	pending   *ChangeBatch
	scheduled bool
}

func newNotifyBatcher(ctx context.Context, window time.Duration, deliver NotifyFunction) *notifyBatcher {
	return &notifyBatcher{
		ctx:     ctx,
		window:  window,
		deliver: deliver,
		pending: newChangeBatch(),
	}
}

func (self *notifyBatcher) add(batch *ChangeBatch) {
	if batch.empty() {
		return
	}

	self.mutex.Lock()
	self.pending.merge(batch)
	schedule := !self.scheduled
	if schedule {
		self.scheduled = true
	}
	self.mutex.Unlock()

	if schedule {
		go self.flushAfterWindow()
	}
}

func (self *notifyBatcher) addNode(node *Node) {
	batch := newChangeBatch()
	batch.Nodes[node.Id] = node
	self.add(batch)
}

func (self *notifyBatcher) addNodeDelete(nodeId Id) {
	batch := newChangeBatch()
	batch.Nodes[nodeId] = nil
	self.add(batch)
}

func (self *notifyBatcher) addEntry(entry *IndexEntry) {
	batch := newChangeBatch()
	batch.Entries[entry.Key] = entry
	self.add(batch)
}

func (self *notifyBatcher) addEntryDelete(key string) {
	batch := newChangeBatch()
	batch.Entries[key] = nil
	self.add(batch)
}

func (self *notifyBatcher) flushAfterWindow() {
	select {
	case <-self.ctx.Done():
		return
	case <-time.After(self.window):
	}

	self.mutex.Lock()
	batch := self.pending
	self.pending = newChangeBatch()
	self.scheduled = false
	self.mutex.Unlock()

	if !batch.empty() {
		HandleError(func() {
			self.deliver(batch)
		})
	}
}
