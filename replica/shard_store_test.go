package replica_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/mindgrove/weave/crdt"
	"github.com/mindgrove/weave/replica"
)

func waitFor(t *testing.T, message string, condition func() bool) {
	t.Helper()
	end := time.Now().Add(5 * time.Second)
	for {
		if condition() {
			return
		}
		if end.Before(time.Now()) {
			t.Fatalf("timeout waiting for %s", message)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// in-memory local cache tier. Persists the full doc state on every update

type memLocalStore struct {
	mutex      sync.Mutex
	states     map[string][]byte
	openCounts map[string]int
}

func newMemLocalStore() *memLocalStore {
	return &memLocalStore{
		states:     map[string][]byte{},
		openCounts: map[string]int{},
	}
}

func (self *memLocalStore) Open(name string, doc replica.Doc) (replica.LocalDoc, error) {
	self.mutex.Lock()
	self.openCounts[name] += 1
	state, hasContent := self.states[name]
	self.mutex.Unlock()

	if hasContent {
		if err := doc.ApplyUpdate(state); err != nil {
			return nil, err
		}
	}

	synced := make(chan struct{})
	close(synced)
	localDoc := &memLocalDoc{
		synced:     synced,
		hasContent: hasContent,
	}
	localDoc.unsub = doc.AddUpdateCallback(func(update []byte, remote bool) {
		self.mutex.Lock()
		self.states[name] = doc.EncodeState()
		self.mutex.Unlock()
	})
	return localDoc, nil
}

func (self *memLocalStore) Clear(ctx context.Context, name string) error {
	self.mutex.Lock()
	delete(self.states, name)
	self.mutex.Unlock()
	return nil
}

func (self *memLocalStore) openCount(name string) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.openCounts[name]
}

func (self *memLocalStore) hasState(name string) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	_, ok := self.states[name]
	return ok
}

type memLocalDoc struct {
	synced     chan struct{}
	hasContent bool
	unsub      func()
}

func (self *memLocalDoc) Synced() <-chan struct{} {
	return self.synced
}

func (self *memLocalDoc) HasContent() bool {
	return self.hasContent
}

func (self *memLocalDoc) Durable(ctx context.Context) error {
	return nil
}

func (self *memLocalDoc) Destroy() {
	if self.unsub != nil {
		self.unsub()
	}
}

// in-memory networked tier. Docs attached under the same name exchange
// state on attach then forward local-origin updates to each other

type memHub struct {
	mutex sync.Mutex
	docs  map[string][]*memRemoteDoc
}

func newMemHub() *memHub {
	return &memHub{
		docs: map[string][]*memRemoteDoc{},
	}
}

func (self *memHub) Open(name string, doc replica.Doc) (replica.RemoteDoc, error) {
	remoteDoc := &memRemoteDoc{
		hub:    self,
		name:   name,
		doc:    doc,
		synced: make(chan struct{}),
	}

	self.mutex.Lock()
	peers := append([]*memRemoteDoc{}, self.docs[name]...)
	self.docs[name] = append(self.docs[name], remoteDoc)
	self.mutex.Unlock()

	for _, peer := range peers {
		doc.ApplyUpdate(peer.doc.EncodeState())
		peer.doc.ApplyUpdate(doc.EncodeState())
	}

	remoteDoc.unsub = doc.AddUpdateCallback(func(update []byte, remote bool) {
		if remote {
			return
		}
		self.broadcast(remoteDoc, update)
	})
	close(remoteDoc.synced)
	return remoteDoc, nil
}

func (self *memHub) broadcast(from *memRemoteDoc, update []byte) {
	self.mutex.Lock()
	peers := append([]*memRemoteDoc{}, self.docs[from.name]...)
	self.mutex.Unlock()

	for _, peer := range peers {
		if peer != from {
			peer.doc.ApplyUpdate(update)
		}
	}
}

func (self *memHub) remove(remoteDoc *memRemoteDoc) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	peers := self.docs[remoteDoc.name]
	for i, peer := range peers {
		if peer == remoteDoc {
			self.docs[remoteDoc.name] = append(peers[0:i], peers[i+1:]...)
			break
		}
	}
}

type memRemoteDoc struct {
	hub    *memHub
	name   string
	doc    replica.Doc
	synced chan struct{}
	unsub  func()
}

func (self *memRemoteDoc) Synced() <-chan struct{} {
	return self.synced
}

func (self *memRemoteDoc) Destroy() {
	if self.unsub != nil {
		self.unsub()
	}
	self.hub.remove(self)
}

type memCursorStore struct {
	mutex sync.Mutex
	items map[string]string
}

func newMemCursorStore() *memCursorStore {
	return &memCursorStore{
		items: map[string]string{},
	}
}

func (self *memCursorStore) GetItem(key string) (string, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	value, ok := self.items[key]
	return value, ok
}

func (self *memCursorStore) SetItem(key string, value string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.items[key] = value
}

func testStoreSettings() *replica.StoreSettings {
	settings := replica.DefaultStoreSettings()
	settings.RemoteEmptyTimeout = 1 * time.Second
	settings.StorageRetryTimeout = 10 * time.Millisecond
	settings.NotifyWindow = 10 * time.Millisecond
	return settings
}

func newTestStore(
	ctx context.Context,
	spaceId replica.Id,
	local replica.LocalStore,
	remote replica.RemoteSync,
	callbacks *replica.Callbacks,
	logSettings *replica.AppendLogSettings,
) *replica.Store {
	if callbacks == nil {
		callbacks = &replica.Callbacks{}
	}
	if logSettings == nil {
		logSettings = replica.DefaultAppendLogSettings()
	}
	return replica.NewStore(
		ctx,
		spaceId,
		replica.NewId(),
		local,
		remote,
		func() replica.Doc { return crdt.NewDoc() },
		callbacks,
		testStoreSettings(),
		logSettings,
	)
}

func TestWriteNodeReadYourWrites(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	spaceId := replica.NewId()
	local := newMemLocalStore()

	var durableMutex sync.Mutex
	durableIds := []replica.Id{}
	callbacks := &replica.Callbacks{
		OnNodeDurablySynced: func(nodeId replica.Id) {
			durableMutex.Lock()
			durableIds = append(durableIds, nodeId)
			durableMutex.Unlock()
		},
	}

	store := newTestStore(ctx, spaceId, local, nil, callbacks, nil)
	defer store.Close()

	written := &replica.Node{
		Id:        replica.NewId(),
		Value:     "groceries",
		Rank:      "m",
		CreatedAt: 1000,
		UpdatedAt: 1000,
		Children:  map[string]replica.Id{},
	}
	err := store.WriteNode(ctx, written)
	assert.Equal(t, nil, err)

	durableMutex.Lock()
	assert.Equal(t, []replica.Id{written.Id}, durableIds)
	durableMutex.Unlock()

	shardKey, ok := store.KeyIndex().Get(written.Id)
	assert.Equal(t, true, ok)
	assert.Equal(t, replica.RootShardKey, shardKey)

	content, err := store.Replicate(
		ctx,
		replica.ShardRef{Kind: replica.ShardKindNode, Key: replica.RootShardKey},
		nil,
	)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(content.Nodes))
	assert.Equal(t, written.Id, content.Nodes[0].Id)
	assert.Equal(t, "groceries", content.Nodes[0].Value)

	// the write reached the durable cache, not just memory
	assert.Equal(t, true, local.hasState(replica.ShardDocName(spaceId, replica.ShardRef{
		Kind: replica.ShardKindNode,
		Key:  replica.RootShardKey,
	})))
}

func TestReplicateMemoizesConcurrentCalls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	spaceId := replica.NewId()
	local := newMemLocalStore()
	store := newTestStore(ctx, spaceId, local, nil, nil, nil)
	defer store.Close()

	ref := replica.ShardRef{Kind: replica.ShardKindNode, Key: replica.RootShardKey}

	n := 16
	var wg sync.WaitGroup
	for i := 0; i < n; i += 1 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Replicate(ctx, ref, nil)
			assert.Equal(t, nil, err)
		}()
	}
	wg.Wait()

	// every call shared one in-flight load
	assert.Equal(t, 1, local.openCount(replica.ShardDocName(spaceId, ref)))
	assert.Equal(t, 1, store.ResidentCount())
}

func TestFreeEvictsOnceUnretained(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	spaceId := replica.NewId()
	local := newMemLocalStore()
	store := newTestStore(ctx, spaceId, local, nil, nil, nil)
	defer store.Close()

	ref := replica.ShardRef{Kind: replica.ShardKindNode, Key: replica.RootShardKey}
	name := replica.ShardDocName(spaceId, ref)

	// two foreground retains
	_, err := store.Replicate(ctx, ref, nil)
	assert.Equal(t, nil, err)
	_, err = store.Replicate(ctx, ref, nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, local.openCount(name))

	store.Free(ctx, ref)
	assert.Equal(t, 1, store.ResidentCount())

	store.Free(ctx, ref)
	assert.Equal(t, 0, store.ResidentCount())

	// eviction is transparent. The next access reopens from the cache
	_, err = store.Replicate(ctx, ref, nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, local.openCount(name))
	assert.Equal(t, 1, store.ResidentCount())
}

func TestBackgroundReplicateEvictsWhenUnretained(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	spaceId := replica.NewId()
	local := newMemLocalStore()
	store := newTestStore(ctx, spaceId, local, nil, nil, nil)
	defer store.Close()

	ref := replica.ShardRef{Kind: replica.ShardKindNode, Key: replica.RootShardKey}

	// no retention is taken, so nothing stays resident after the pull
	_, err := store.Replicate(ctx, ref, &replica.ReplicateOptions{Background: true})
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, store.ResidentCount())

	// a foreground hold survives a concurrent background pull
	_, err = store.Replicate(ctx, ref, nil)
	assert.Equal(t, nil, err)
	_, err = store.Replicate(ctx, ref, &replica.ReplicateOptions{Background: true})
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, store.ResidentCount())

	store.Free(ctx, ref)
	assert.Equal(t, 0, store.ResidentCount())
}

func TestWriteEntryReadBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	spaceId := replica.NewId()
	local := newMemLocalStore()
	store := newTestStore(ctx, spaceId, local, nil, nil, nil)
	defer store.Close()

	parentId := replica.NewId()
	nodeId := replica.NewId()
	entry := &replica.IndexEntry{
		Key:       "apple",
		CreatedAt: 1000,
		UpdatedAt: 1000,
		Contexts: map[replica.Id]replica.ShardKey{
			nodeId: replica.NodeShardKey(parentId),
		},
	}
	err := store.WriteEntry(ctx, entry)
	assert.Equal(t, nil, err)

	// the context association is resolvable without walking the tree
	shardKey, ok := store.KeyIndex().Get(nodeId)
	assert.Equal(t, true, ok)
	assert.Equal(t, replica.NodeShardKey(parentId), shardKey)

	content, err := store.Replicate(
		ctx,
		replica.ShardRef{Kind: replica.ShardKindEntry, Key: replica.ShardKey("apple")},
		nil,
	)
	assert.Equal(t, nil, err)
	assert.NotEqual(t, nil, content.Entry)
	assert.Equal(t, "apple", content.Entry.Key)
	assert.Equal(t, entry.Contexts, content.Entry.Contexts)
}

func TestWriteNodesSpreadsOverScheduler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	spaceId := replica.NewId()
	local := newMemLocalStore()

	var durableMutex sync.Mutex
	durableIds := map[replica.Id]bool{}
	callbacks := &replica.Callbacks{
		OnNodeDurablySynced: func(nodeId replica.Id) {
			durableMutex.Lock()
			durableIds[nodeId] = true
			durableMutex.Unlock()
		},
	}
	store := newTestStore(ctx, spaceId, local, nil, callbacks, nil)
	defer store.Close()

	n := 20
	parentId := replica.NewId()
	nodes := []*replica.Node{}
	for i := 0; i < n; i += 1 {
		nodes = append(nodes, &replica.Node{
			Id:        replica.NewId(),
			ParentId:  parentId,
			CreatedAt: int64(i),
			Children:  map[string]replica.Id{},
		})
	}
	store.WriteNodes(ctx, nodes)

	err := store.Scheduler().Wait(ctx)
	assert.Equal(t, nil, err)

	durableMutex.Lock()
	assert.Equal(t, n, len(durableIds))
	durableMutex.Unlock()

	content, err := store.Replicate(
		ctx,
		replica.ShardRef{Kind: replica.ShardKindNode, Key: replica.NodeShardKey(parentId)},
		nil,
	)
	assert.Equal(t, nil, err)
	assert.Equal(t, n, len(content.Nodes))
}

func TestDeleteNodePurgesChildShard(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	spaceId := replica.NewId()
	local := newMemLocalStore()
	store := newTestStore(ctx, spaceId, local, nil, nil, nil)
	defer store.Close()

	parent := &replica.Node{
		Id:        replica.NewId(),
		CreatedAt: 1000,
		Children:  map[string]replica.Id{},
	}
	child := &replica.Node{
		Id:        replica.NewId(),
		ParentId:  parent.Id,
		CreatedAt: 1000,
		Children:  map[string]replica.Id{},
	}
	grandchild := &replica.Node{
		Id:        replica.NewId(),
		ParentId:  child.Id,
		CreatedAt: 1000,
		Children:  map[string]replica.Id{},
	}
	parent.Children["m"] = child.Id
	child.Children["m"] = grandchild.Id

	assert.Equal(t, nil, store.WriteNode(ctx, parent))
	assert.Equal(t, nil, store.WriteNode(ctx, child))
	assert.Equal(t, nil, store.WriteNode(ctx, grandchild))

	childShardName := replica.ShardDocName(spaceId, replica.ShardRef{
		Kind: replica.ShardKindNode,
		Key:  replica.NodeShardKey(child.Id),
	})
	assert.Equal(t, true, local.hasState(childShardName))

	assert.Equal(t, nil, store.DeleteNode(ctx, child.Id))

	// the record is gone from the parent shard
	content, err := store.Replicate(
		ctx,
		replica.ShardRef{Kind: replica.ShardKindNode, Key: replica.NodeShardKey(parent.Id)},
		nil,
	)
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(content.Nodes))

	// the child's shard is purged from the durable cache
	assert.Equal(t, false, local.hasState(childShardName))

	// descendant key associations are dropped
	_, ok := store.KeyIndex().Get(child.Id)
	assert.Equal(t, false, ok)
	_, ok = store.KeyIndex().Get(grandchild.Id)
	assert.Equal(t, false, ok)

	// the log records an explicit delete for the child's shard
	deletes := []string{}
	for _, entry := range store.Log().EntriesAfter(nil) {
		if entry.Action == replica.LogActionDelete {
			deletes = append(deletes, entry.Target)
		}
	}
	assert.Equal(t, []string{child.Id.String()}, deletes)

	// deleting an already absent node succeeds
	store.KeyIndex().Set(child.Id, replica.NodeShardKey(parent.Id))
	assert.Equal(t, nil, store.DeleteNode(ctx, child.Id))
}

func TestDeleteEntryClearsContexts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	spaceId := replica.NewId()
	local := newMemLocalStore()
	store := newTestStore(ctx, spaceId, local, nil, nil, nil)
	defer store.Close()

	entry := &replica.IndexEntry{
		Key:       "apple",
		CreatedAt: 1000,
		Contexts: map[replica.Id]replica.ShardKey{
			replica.NewId(): replica.RootShardKey,
		},
	}
	assert.Equal(t, nil, store.WriteEntry(ctx, entry))

	name := replica.ShardDocName(spaceId, replica.ShardRef{
		Kind: replica.ShardKindEntry,
		Key:  replica.ShardKey("apple"),
	})
	assert.Equal(t, true, local.hasState(name))

	assert.Equal(t, nil, store.DeleteEntry(ctx, "apple"))
	assert.Equal(t, false, local.hasState(name))

	content, err := store.Replicate(
		ctx,
		replica.ShardRef{Kind: replica.ShardKindEntry, Key: replica.ShardKey("apple")},
		nil,
	)
	assert.Equal(t, nil, err)
	assert.Equal(t, (*replica.IndexEntry)(nil), content.Entry)
}

func TestRemoteChangeIsBatchedToCallbacks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	spaceId := replica.NewId()
	hub := newMemHub()

	changed := make(chan map[replica.Id]*replica.Node, 8)
	callbacksB := &replica.Callbacks{
		OnNodeChanged: func(nodes map[replica.Id]*replica.Node) {
			changed <- nodes
		},
	}

	storeA := newTestStore(ctx, spaceId, newMemLocalStore(), hub, nil, nil)
	defer storeA.Close()
	logSettingsB := replica.DefaultAppendLogSettings()
	logSettingsB.Share = true
	storeB := newTestStore(ctx, spaceId, newMemLocalStore(), hub, callbacksB, logSettingsB)
	defer storeB.Close()

	ref := replica.ShardRef{Kind: replica.ShardKindNode, Key: replica.RootShardKey}

	// b holds the shard resident before a writes
	_, err := storeB.Replicate(ctx, ref, &replica.ReplicateOptions{WantRemote: true})
	assert.Equal(t, nil, err)

	node := &replica.Node{
		Id:        replica.NewId(),
		Value:     "hello from a",
		CreatedAt: 1000,
		Children:  map[string]replica.Id{},
	}
	assert.Equal(t, nil, storeA.WriteNode(ctx, node))

	select {
	case nodes := <-changed:
		assert.Equal(t, 1, len(nodes))
		assert.Equal(t, "hello from a", nodes[node.Id].Value)
	case <-time.After(5 * time.Second):
		t.Fatal("no change delivery")
	}

	// b's key index learned the association from the merged record
	shardKey, ok := storeB.KeyIndex().Get(node.Id)
	assert.Equal(t, true, ok)
	assert.Equal(t, replica.RootShardKey, shardKey)
}

// local store whose durability waits can be held open, to pin a free in its
// pre-teardown window
type gatedLocalStore struct {
	*memLocalStore
	gate chan struct{}
}

func newGatedLocalStore() *gatedLocalStore {
	return &gatedLocalStore{
		memLocalStore: newMemLocalStore(),
		gate:          make(chan struct{}),
	}
}

func (self *gatedLocalStore) Open(name string, doc replica.Doc) (replica.LocalDoc, error) {
	localDoc, err := self.memLocalStore.Open(name, doc)
	if err != nil {
		return nil, err
	}
	return &gatedLocalDoc{
		memLocalDoc: localDoc.(*memLocalDoc),
		gate:        self.gate,
	}, nil
}

type gatedLocalDoc struct {
	*memLocalDoc
	gate chan struct{}
}

func (self *gatedLocalDoc) Durable(ctx context.Context) error {
	select {
	case <-self.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestFreeKeepsShardReRetainedDuringDurabilityWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	spaceId := replica.NewId()
	local := newGatedLocalStore()
	store := newTestStore(ctx, spaceId, local, nil, nil, nil)
	defer store.Close()

	ref := replica.ShardRef{Kind: replica.ShardKindNode, Key: replica.RootShardKey}

	_, err := store.Replicate(ctx, ref, nil)
	assert.Equal(t, nil, err)

	// the free blocks in the durability wait
	freed := make(chan struct{})
	go func() {
		defer close(freed)
		store.Free(ctx, ref)
	}()
	time.Sleep(20 * time.Millisecond)
	select {
	case <-freed:
		t.Fatal("free completed before durable")
	default:
	}

	// a foreground replicate re-retains while the free is parked
	_, err = store.Replicate(ctx, ref, nil)
	assert.Equal(t, nil, err)

	close(local.gate)
	select {
	case <-freed:
	case <-time.After(5 * time.Second):
		t.Fatal("free never returned")
	}

	// the re-retained shard survived the parked free
	assert.Equal(t, 1, store.ResidentCount())
	name := replica.ShardDocName(spaceId, ref)
	assert.Equal(t, 1, local.openCount(name))
}

// networked tier that never completes its initial exchange, as an
// unreachable relay behaves
type stuckRemote struct{}

func (self *stuckRemote) Open(name string, doc replica.Doc) (replica.RemoteDoc, error) {
	return &stuckRemoteDoc{
		synced: make(chan struct{}),
	}, nil
}

type stuckRemoteDoc struct {
	synced chan struct{}
}

func (self *stuckRemoteDoc) Synced() <-chan struct{} {
	return self.synced
}

func (self *stuckRemoteDoc) Destroy() {
}

func TestReplicateWarmCacheSkipsRemoteWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	spaceId := replica.NewId()
	local := newMemLocalStore()

	seed := newTestStore(ctx, spaceId, local, nil, nil, nil)
	node := &replica.Node{
		Id:        replica.NewId(),
		Value:     "written before going offline",
		CreatedAt: 1000,
		Children:  map[string]replica.Id{},
	}
	assert.Equal(t, nil, seed.WriteNode(ctx, node))
	seed.Close()

	// reopen over the warm cache with a relay that never answers
	store := newTestStore(ctx, spaceId, local, &stuckRemote{}, nil, nil)
	defer store.Close()

	ref := replica.ShardRef{Kind: replica.ShardKindNode, Key: replica.RootShardKey}
	start := time.Now()
	content, err := store.Replicate(ctx, ref, &replica.ReplicateOptions{WantRemote: true})
	elapsed := time.Since(start)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(content.Nodes))
	assert.Equal(t, node.Id, content.Nodes[0].Id)

	// the cached content answers without racing the remote timeout
	assert.Equal(t, true, elapsed < testStoreSettings().RemoteEmptyTimeout/2)
}

// local cache tier whose opens for chosen docs fail until the failure
// budget is spent
type flakyLocalStore struct {
	*memLocalStore
	failMutex sync.Mutex
	fails     map[string]int
}

func newFlakyLocalStore() *flakyLocalStore {
	return &flakyLocalStore{
		memLocalStore: newMemLocalStore(),
		fails:         map[string]int{},
	}
}

func (self *flakyLocalStore) failNext(name string, count int) {
	self.failMutex.Lock()
	self.fails[name] = count
	self.failMutex.Unlock()
}

func (self *flakyLocalStore) Open(name string, doc replica.Doc) (replica.LocalDoc, error) {
	self.failMutex.Lock()
	remaining := self.fails[name]
	if 0 < remaining {
		self.fails[name] = remaining - 1
	}
	self.failMutex.Unlock()
	if 0 < remaining {
		return nil, errors.New("cache unavailable")
	}
	return self.memLocalStore.Open(name, doc)
}

func TestFailedOpenRetriesOnNextAccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	spaceId := replica.NewId()
	ref := replica.ShardRef{Kind: replica.ShardKindNode, Key: replica.RootShardKey}
	local := newFlakyLocalStore()
	// both the open and its one retry fail before the cache recovers
	local.failNext(replica.ShardDocName(spaceId, ref), 2)

	errored := make(chan string, 8)
	callbacks := &replica.Callbacks{
		OnError: func(message string, cause error) {
			errored <- message
		},
	}
	store := newTestStore(ctx, spaceId, local, nil, callbacks, nil)
	defer store.Close()

	_, err := store.Replicate(ctx, ref, nil)
	assert.NotEqual(t, nil, err)
	select {
	case <-errored:
	case <-time.After(5 * time.Second):
		t.Fatal("no error surfaced")
	}

	// the failed state is not cached. The next access starts fresh
	waitFor(t, "failed shard evicted", func() bool {
		return store.ResidentCount() == 0
	})
	content, err := store.Replicate(ctx, ref, nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(content.Nodes))

	// the failed attempt left no stale retention behind
	store.Free(ctx, ref)
	assert.Equal(t, 0, store.ResidentCount())
}

func TestSeedResolvesInitialRead(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	spaceId := replica.NewId()
	local := newMemLocalStore()

	parentId := replica.NewId()

	store := newTestStore(ctx, spaceId, local, nil, nil, nil)
	store.Seed(parentId, replica.RootShardKey)
	assert.Equal(t, replica.RootShardKey, store.KeyIndex().Require(parentId))
	store.Close()
}
