package replica

import (
	"fmt"
	"sync"
)

// in-memory mapping from node id to the shard key that contains the node.
// never persisted; rebuilt as shards are loaded. The index must be seeded
// (or populated by a prior read) before a node can be read or written

type KeyIndex struct {
	mutex sync.Mutex
	// node id -> shard key
	shardKeys map[Id]ShardKey
}

func NewKeyIndex() *KeyIndex {
	return &KeyIndex{
		shardKeys: map[Id]ShardKey{},
	}
}

func (self *KeyIndex) Get(nodeId Id) (ShardKey, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	shardKey, ok := self.shardKeys[nodeId]
	return shardKey, ok
}

// a missing key on a read path is a consistency error, not an empty result
func (self *KeyIndex) Require(nodeId Id) ShardKey {
	shardKey, ok := self.Get(nodeId)
	if !ok {
		panic(fmt.Errorf("no shard key cached for node %s", nodeId))
	}
	return shardKey
}

func (self *KeyIndex) Set(nodeId Id, shardKey ShardKey) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.shardKeys[nodeId] = shardKey
}

func (self *KeyIndex) Delete(nodeId Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	delete(self.shardKeys, nodeId)
}

func (self *KeyIndex) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return len(self.shardKeys)
}
