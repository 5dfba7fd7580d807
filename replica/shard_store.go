package replica

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

// owns the in-memory docs for node shards and index entries, wires the
// local cache and network providers, and deduplicates concurrent
// replication requests. One store per space.

type StoreSettings struct {
	// bound on waiting for the networked tier when deciding whether a
	// locally empty shard is truly empty
	RemoteEmptyTimeout time.Duration
	// one retry for transient local storage errors
	StorageRetryTimeout time.Duration
	// change notification throttle window
	NotifyWindow time.Duration
	// concurrent write/replicate operations in flight.
	// smooths progress reporting, not a correctness constraint
	WriteParallelism int
}

func DefaultStoreSettings() *StoreSettings {
	return &StoreSettings{
		RemoteEmptyTimeout:  10 * time.Second,
		StorageRetryTimeout: 200 * time.Millisecond,
		NotifyWindow:        100 * time.Millisecond,
		WriteParallelism:    8,
	}
}

type ProgressCounts struct {
	Completed int
	Total     int
}

type ProgressReport struct {
	Replication *ProgressCounts
	Saving      *ProgressCounts
}

// application collaborators, supplied at startup.
// all callbacks are wrapped to check for nil and recover from errors
type Callbacks struct {
	// whether the application already holds a record, used to decide if
	// background replicated remote data should be merged into live state
	IsNodeLoaded  func(nodeId Id) bool
	IsEntryLoaded func(key string) bool

	// batched change delivery
	OnNodeChanged  func(nodes map[Id]*Node)
	OnEntryChanged func(entries map[string]*IndexEntry)

	OnNodeDurablySynced func(nodeId Id)
	OnNodeReplicated    func(nodeId Id)
	OnProgress          func(report *ProgressReport)
	OnError             func(message string, cause error)
}

type ReplicateOptions struct {
	// suppress permanent retention and reconcile only records the
	// application already holds
	Background bool
	// wait for the networked tier, not just the local cache
	WantRemote bool
}

type ShardContent struct {
	// set for node shards
	Nodes []*Node
	// set for entry shards, nil when logically absent
	Entry *IndexEntry
}

type shardState struct {
	ref ShardRef
	doc Doc

	localDoc  LocalDoc
	remoteDoc RemoteDoc
	hasRemote bool

	// closed after the local tier finished its initial load
	localSynced chan struct{}
	// closed when the networked tier reports synced. May never close
	remoteSynced chan struct{}

	// whether the local tier found persisted content.
	// valid after localSynced
	hasLocalContent bool

	openErr error

	unsubChanges func()
}

type Store struct {
	ctx    context.Context
	cancel context.CancelFunc

	spaceId  Id
	deviceId Id

	local  LocalStore
	remote RemoteSync
	newDoc DocFactory

	callbacks *Callbacks
	settings  *StoreSettings

	keyIndex  *KeyIndex
	retention *retentionTracker
	batcher   *notifyBatcher
	scheduler *UpdateScheduler
	log       *AppendLog

	stateLock sync.Mutex
	shards    map[ShardRef]*shardState
}

func NewStoreWithDefaults(
	ctx context.Context,
	spaceId Id,
	deviceId Id,
	local LocalStore,
	remote RemoteSync,
	newDoc DocFactory,
	callbacks *Callbacks,
) *Store {
	return NewStore(ctx, spaceId, deviceId, local, remote, newDoc, callbacks, DefaultStoreSettings(), DefaultAppendLogSettings())
}

func NewStore(
	ctx context.Context,
	spaceId Id,
	deviceId Id,
	local LocalStore,
	remote RemoteSync,
	newDoc DocFactory,
	callbacks *Callbacks,
	settings *StoreSettings,
	logSettings *AppendLogSettings,
) *Store {
	cancelCtx, cancel := context.WithCancel(ctx)

	store := &Store{
		ctx:       cancelCtx,
		cancel:    cancel,
		spaceId:   spaceId,
		deviceId:  deviceId,
		local:     local,
		remote:    remote,
		newDoc:    newDoc,
		callbacks: callbacks,
		settings:  settings,
		keyIndex:  NewKeyIndex(),
		retention: newRetentionTracker(),
		shards:    map[ShardRef]*shardState{},
	}
	store.batcher = newNotifyBatcher(cancelCtx, settings.NotifyWindow, store.deliverBatch)
	store.scheduler = NewUpdateScheduler(
		cancelCtx,
		settings.WriteParallelism,
		func(completed int, total int) {
			store.progress(&ProgressReport{
				Saving: &ProgressCounts{Completed: completed, Total: total},
			})
		},
		nil,
	)
	store.log = newAppendLog(cancelCtx, spaceId, local, remote, newDoc, settings, logSettings)

	return store
}

func (self *Store) KeyIndex() *KeyIndex {
	return self.keyIndex
}

func (self *Store) Log() *AppendLog {
	return self.log
}

func (self *Store) Scheduler() *UpdateScheduler {
	return self.scheduler
}

// seed the key index from the active selection path so the initial read
// has a resolvable key
func (self *Store) Seed(nodeId Id, shardKey ShardKey) {
	self.keyIndex.Set(nodeId, shardKey)
}

// Replicate pulls a shard into memory, local tier first, then networked
// tier. Idempotent and memoized per shard key: concurrent calls for the
// same key share one in-flight load
func (self *Store) Replicate(ctx context.Context, ref ShardRef, opts *ReplicateOptions) (*ShardContent, error) {
	if opts == nil {
		opts = &ReplicateOptions{}
	}

	// claim the cache entry before any suspension point so concurrent
	// callers observe it immediately
	self.stateLock.Lock()
	state := self.claim(ref)
	if !opts.Background {
		self.retention.retain(ref)
	}
	self.stateLock.Unlock()

	select {
	case <-state.localSynced:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-self.ctx.Done():
		return nil, self.ctx.Err()
	}
	if state.openErr != nil {
		if !opts.Background {
			self.retention.release(ref)
		}
		return nil, state.openErr
	}

	wantRemote := opts.WantRemote && state.hasRemote && !state.hasLocalContent
	if wantRemote {
		// the local cache had no content, so this is the race that decides
		// "truly empty" versus "not yet synced". A warm cache answers
		// immediately and remote merges arrive through change callbacks
		select {
		case <-state.remoteSynced:
		case <-time.After(self.settings.RemoteEmptyTimeout):
			glog.V(1).Infof("[store]%s remote wait timeout\n", ref)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-self.ctx.Done():
			return nil, self.ctx.Err()
		}
	}

	content := self.readShard(state)

	if opts.Background {
		self.reconcile(content)
		// background pulls take no retention. Evict now unless a
		// foreground caller holds the shard
		self.evict(ctx, ref)
	} else if self.callbacks.OnNodeReplicated != nil {
		for _, node := range content.Nodes {
			nodeId := node.Id
			HandleError(func() {
				self.callbacks.OnNodeReplicated(nodeId)
			})
		}
	}

	return content, nil
}

func (self *Store) open(state *shardState) {
	name := ShardDocName(self.spaceId, state.ref)

	openLocal := func() (LocalDoc, error) {
		return self.local.Open(name, state.doc)
	}
	localDoc, err := openLocal()
	if err != nil {
		// the environment may have been torn down mid operation.
		// retry once after a fixed backoff
		glog.V(1).Infof("[store]%s local open retry = %s\n", state.ref, err)
		select {
		case <-time.After(self.settings.StorageRetryTimeout):
		case <-self.ctx.Done():
		}
		localDoc, err = openLocal()
	}
	if err != nil {
		state.openErr = err
		close(state.localSynced)
		// drop the failed entry so the next access starts a fresh
		// replication instead of replaying this error
		self.stateLock.Lock()
		if current, ok := self.shards[state.ref]; ok && current == state {
			delete(self.shards, state.ref)
		}
		self.stateLock.Unlock()
		self.error(fmt.Sprintf("could not open local cache for %s", state.ref), err)
		return
	}
	state.localDoc = localDoc

	select {
	case <-localDoc.Synced():
	case <-self.ctx.Done():
		state.openErr = self.ctx.Err()
		close(state.localSynced)
		return
	}
	state.hasLocalContent = localDoc.HasContent()

	// the shard's own parent key is set lazily on load. It must be set
	// before a descendant can be evicted and reloaded later
	self.setShardParent(state)

	close(state.localSynced)

	// local durability always precedes the networked tier
	if self.remote != nil {
		remoteDoc, err := self.remote.Open(name, state.doc)
		if err != nil {
			// remote unreachable is not an error
			glog.V(1).Infof("[store]%s remote open = %s\n", state.ref, err)
			return
		}
		state.remoteDoc = remoteDoc
		go func() {
			select {
			case <-remoteDoc.Synced():
				close(state.remoteSynced)
			case <-self.ctx.Done():
			}
		}()
	}
}

func (self *Store) setShardParent(state *shardState) {
	if state.ref.Kind != ShardKindNode {
		return
	}
	if _, ok := readShardParent(state.doc); ok {
		return
	}
	if state.ref.Key == RootShardKey {
		writeShardParent(state.doc, RootShardKey)
		return
	}
	parentId, err := ParseId(string(state.ref.Key))
	if err != nil {
		return
	}
	if parentShardKey, ok := self.keyIndex.Get(parentId); ok {
		writeShardParent(state.doc, parentShardKey)
	}
}

// read the shard content and opportunistically populate the key index for
// every record and child discovered
func (self *Store) readShard(state *shardState) *ShardContent {
	content := &ShardContent{}
	switch state.ref.Kind {
	case ShardKindNode:
		var parentId Id
		if state.ref.Key != RootShardKey {
			parentId = RequireParseId(string(state.ref.Key))
		}
		content.Nodes = readNodeRecords(state.doc, parentId)
		for _, node := range content.Nodes {
			self.keyIndex.Set(node.Id, state.ref.Key)
			for _, childId := range node.Children {
				self.keyIndex.Set(childId, NodeShardKey(node.Id))
			}
		}
	case ShardKindEntry:
		if entry, ok := readEntryRecord(state.doc, string(state.ref.Key)); ok && !entry.Deleted() {
			content.Entry = entry
			for nodeId, shardKey := range entry.Contexts {
				self.keyIndex.Set(nodeId, shardKey)
			}
		}
	}
	return content
}

// merge background replicated records into live application state, but
// only records the application already holds
func (self *Store) reconcile(content *ShardContent) {
	for _, node := range content.Nodes {
		if self.callbacks.IsNodeLoaded != nil && self.callbacks.IsNodeLoaded(node.Id) {
			self.batcher.addNode(node)
		}
	}
	if content.Entry != nil {
		if self.callbacks.IsEntryLoaded != nil && self.callbacks.IsEntryLoaded(content.Entry.Key) {
			self.batcher.addEntry(content.Entry)
		}
	}
}

// a resident doc changed via remote merge. Decode and batch for delivery
func (self *Store) remoteChanged(state *shardState) {
	content := self.readShard(state)
	batch := newChangeBatch()
	for _, node := range content.Nodes {
		if self.callbacks.IsNodeLoaded == nil || self.callbacks.IsNodeLoaded(node.Id) {
			batch.Nodes[node.Id] = node
		}
	}
	if content.Entry != nil {
		batch.Entries[content.Entry.Key] = content.Entry
	}
	self.batcher.add(batch)
}

// WriteNode merges the node record into its resident shard and returns
// once the write is durable in the local cache. Does not wait for the
// networked tier
func (self *Store) WriteNode(ctx context.Context, node *Node) error {
	ref := ShardRef{Kind: ShardKindNode, Key: node.ShardKey()}

	// map writes and log append ordering are synchronous relative to
	// this call
	self.keyIndex.Set(node.Id, ref.Key)
	for _, childId := range node.Children {
		self.keyIndex.Set(childId, NodeShardKey(node.Id))
	}
	if err := self.log.Append(ctx, &LogEntry{
		Target: string(ref.Key),
		Kind:   ShardKindNode,
		Action: LogActionUpdate,
	}); err != nil {
		self.error(fmt.Sprintf("could not record %s in log", ref), err)
	}

	state, err := self.resident(ctx, ref)
	if err != nil {
		return err
	}
	writeNodeRecord(state.doc, node)

	if err := self.durable(ctx, state); err != nil {
		return err
	}
	if self.callbacks.OnNodeDurablySynced != nil {
		nodeId := node.Id
		HandleError(func() {
			self.callbacks.OnNodeDurablySynced(nodeId)
		})
	}
	return nil
}

// WriteNodes spreads many independent node writes over the bounded
// scheduler. Log append ordering is synchronous relative to this call
func (self *Store) WriteNodes(ctx context.Context, nodes []*Node) {
	for _, node := range nodes {
		ref := ShardRef{Kind: ShardKindNode, Key: node.ShardKey()}
		self.keyIndex.Set(node.Id, ref.Key)
		for _, childId := range node.Children {
			self.keyIndex.Set(childId, NodeShardKey(node.Id))
		}
		if err := self.log.Append(ctx, &LogEntry{
			Target: string(ref.Key),
			Kind:   ShardKindNode,
			Action: LogActionUpdate,
		}); err != nil {
			self.error(fmt.Sprintf("could not record %s in log", ref), err)
		}
	}

	for _, node := range nodes {
		node := node
		self.scheduler.Enqueue(func() {
			ref := ShardRef{Kind: ShardKindNode, Key: node.ShardKey()}
			state, err := self.resident(self.ctx, ref)
			if err != nil {
				return
			}
			writeNodeRecord(state.doc, node)
			if err := self.durable(self.ctx, state); err != nil {
				return
			}
			if self.callbacks.OnNodeDurablySynced != nil {
				nodeId := node.Id
				HandleError(func() {
					self.callbacks.OnNodeDurablySynced(nodeId)
				})
			}
		})
	}
}

func (self *Store) WriteEntry(ctx context.Context, entry *IndexEntry) error {
	ref := ShardRef{Kind: ShardKindEntry, Key: ShardKey(entry.Key)}

	for nodeId, shardKey := range entry.Contexts {
		self.keyIndex.Set(nodeId, shardKey)
	}
	if err := self.log.Append(ctx, &LogEntry{
		Target: entry.Key,
		Kind:   ShardKindEntry,
		Action: LogActionUpdate,
	}); err != nil {
		self.error(fmt.Sprintf("could not record %s in log", ref), err)
	}

	state, err := self.resident(ctx, ref)
	if err != nil {
		return err
	}
	writeEntryRecord(state.doc, entry)

	return self.durable(ctx, state)
}

// stateLock must be held
func (self *Store) claim(ref ShardRef) *shardState {
	state, ok := self.shards[ref]
	if !ok {
		state = &shardState{
			ref:          ref,
			doc:          self.newDoc(),
			hasRemote:    self.remote != nil,
			localSynced:  make(chan struct{}),
			remoteSynced: make(chan struct{}),
		}
		self.shards[ref] = state
		state.unsubChanges = state.doc.AddChangeCallback(func(changes []DocChange, remote bool) {
			if remote {
				self.remoteChanged(state)
			}
		})
		go self.open(state)
	}
	return state
}

// ensure the shard doc is resident with the local tier loaded, without
// taking permanent retention or waiting for the networked tier
func (self *Store) resident(ctx context.Context, ref ShardRef) (*shardState, error) {
	self.stateLock.Lock()
	state := self.claim(ref)
	self.stateLock.Unlock()

	select {
	case <-state.localSynced:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-self.ctx.Done():
		return nil, self.ctx.Err()
	}
	if state.openErr != nil {
		return nil, state.openErr
	}
	return state, nil
}

func (self *Store) durable(ctx context.Context, state *shardState) error {
	if state.localDoc == nil {
		return nil
	}
	if err := state.localDoc.Durable(ctx); err != nil {
		self.error(fmt.Sprintf("local durability failed for %s", state.ref), err)
		return err
	}
	return nil
}

// Free decrements retention. Once unretained and durably cached, the doc
// and both providers are torn down and the shard can be recreated
// transparently on next access
func (self *Store) Free(ctx context.Context, ref ShardRef) {
	if !self.retention.release(ref) {
		return
	}
	self.evict(ctx, ref)
}

// tear down the shard once durably cached, unless it is retained. The
// re-retention check immediately before the destructive action makes this
// safe to call unconditionally from background logic
func (self *Store) evict(ctx context.Context, ref ShardRef) {
	self.stateLock.Lock()
	state, ok := self.shards[ref]
	self.stateLock.Unlock()
	if !ok {
		return
	}

	select {
	case <-state.localSynced:
	case <-ctx.Done():
		return
	case <-self.ctx.Done():
		return
	}
	if state.openErr == nil {
		if err := self.durable(ctx, state); err != nil {
			return
		}
	}

	// the shard may have been re-retained while waiting for durability.
	// check immediately before the destructive action
	self.stateLock.Lock()
	if self.retention.retained(ref) {
		self.stateLock.Unlock()
		glog.V(2).Infof("[store]%s re-retained, keep\n", ref)
		return
	}
	current, ok := self.shards[ref]
	if !ok || current != state {
		self.stateLock.Unlock()
		return
	}
	delete(self.shards, ref)
	self.stateLock.Unlock()

	self.teardown(state, true)
}

func (self *Store) teardown(state *shardState, dropChildKeys bool) {
	if dropChildKeys && state.ref.Kind == ShardKindNode {
		// drop the child associations this shard contributed.
		// the shard's own records stay resolvable via their parent shard
		var parentId Id
		if state.ref.Key != RootShardKey {
			parentId = RequireParseId(string(state.ref.Key))
		}
		for _, node := range readNodeRecords(state.doc, parentId) {
			for _, childId := range node.Children {
				self.keyIndex.Delete(childId)
			}
		}
	}

	if state.unsubChanges != nil {
		state.unsubChanges()
	}
	if state.remoteDoc != nil {
		state.remoteDoc.Destroy()
	}
	if state.localDoc != nil {
		state.localDoc.Destroy()
	}
	state.doc.Destroy()
	glog.V(1).Infof("[store]%s evicted\n", state.ref)
}

// DeleteNode removes the node record from its parent shard, recursively
// frees descendant key associations, purges the local cache for the
// node's own child shard, and records an explicit delete marker in the
// log. Already absent targets succeed
func (self *Store) DeleteNode(ctx context.Context, nodeId Id) error {
	shardKey := self.keyIndex.Require(nodeId)
	ref := ShardRef{Kind: ShardKindNode, Key: shardKey}

	state, err := self.resident(ctx, ref)
	if err != nil {
		return err
	}

	var parentId Id
	if ref.Key != RootShardKey {
		parentId = RequireParseId(string(ref.Key))
	}
	node, ok := readNodeRecord(state.doc, parentId, nodeId)
	if ok {
		deleteNodeRecord(state.doc, nodeId)
		if err := self.log.Append(ctx, &LogEntry{
			Target: string(ref.Key),
			Kind:   ShardKindNode,
			Action: LogActionUpdate,
		}); err != nil {
			self.error(fmt.Sprintf("could not record %s in log", ref), err)
		}
		self.dropDescendantKeys(node)
	}
	self.keyIndex.Delete(nodeId)

	// purge the shard that held the node's children
	childRef := ShardRef{Kind: ShardKindNode, Key: NodeShardKey(nodeId)}
	if err := self.purge(ctx, childRef); err != nil {
		return err
	}
	if err := self.log.Append(ctx, &LogEntry{
		Target: string(childRef.Key),
		Kind:   ShardKindNode,
		Action: LogActionDelete,
	}); err != nil {
		self.error(fmt.Sprintf("could not record delete of %s in log", childRef), err)
	}

	self.batcher.addNodeDelete(nodeId)

	if err := self.durable(ctx, state); err != nil {
		return err
	}
	return nil
}

func (self *Store) dropDescendantKeys(node *Node) {
	for _, childId := range node.Children {
		childShardKey := NodeShardKey(node.Id)
		self.stateLock.Lock()
		childState, ok := self.shards[ShardRef{Kind: ShardKindNode, Key: childShardKey}]
		self.stateLock.Unlock()
		if ok {
			if childNode, nodeOk := readNodeRecord(childState.doc, node.Id, childId); nodeOk {
				self.dropDescendantKeys(childNode)
			}
		}
		self.keyIndex.Delete(childId)
	}
}

// DeleteEntry clears the entry's context set and purges its local cache
func (self *Store) DeleteEntry(ctx context.Context, key string) error {
	ref := ShardRef{Kind: ShardKindEntry, Key: ShardKey(key)}

	state, err := self.resident(ctx, ref)
	if err != nil {
		return err
	}
	clearEntryContexts(state.doc)

	if err := self.durable(ctx, state); err != nil {
		return err
	}
	if err := self.purge(ctx, ref); err != nil {
		return err
	}
	if err := self.log.Append(ctx, &LogEntry{
		Target: key,
		Kind:   ShardKindEntry,
		Action: LogActionDelete,
	}); err != nil {
		self.error(fmt.Sprintf("could not record delete of %s in log", ref), err)
	}

	self.batcher.addEntryDelete(key)
	return nil
}

// tear down the resident doc if present and purge durable local storage.
// absent shards succeed
func (self *Store) purge(ctx context.Context, ref ShardRef) error {
	self.stateLock.Lock()
	state, ok := self.shards[ref]
	if ok {
		delete(self.shards, ref)
	}
	self.stateLock.Unlock()
	if ok {
		self.teardown(state, true)
	}

	name := ShardDocName(self.spaceId, ref)
	err := self.local.Clear(ctx, name)
	if err != nil {
		// retry once after a fixed backoff
		glog.V(1).Infof("[store]%s clear retry = %s\n", ref, err)
		select {
		case <-time.After(self.settings.StorageRetryTimeout):
		case <-ctx.Done():
			return ctx.Err()
		}
		err = self.local.Clear(ctx, name)
	}
	if err != nil {
		self.error(fmt.Sprintf("could not purge local cache for %s", ref), err)
		return err
	}
	return nil
}

// applyLogDelete handles an explicit delete marker read from the log
func (self *Store) applyLogDelete(ctx context.Context, ref ShardRef) error {
	if err := self.purge(ctx, ref); err != nil {
		return err
	}
	switch ref.Kind {
	case ShardKindNode:
		if ref.Key != RootShardKey {
			if nodeId, err := ParseId(string(ref.Key)); err == nil {
				self.batcher.addNodeDelete(nodeId)
				self.keyIndex.Delete(nodeId)
			}
		}
	case ShardKindEntry:
		self.batcher.addEntryDelete(string(ref.Key))
	}
	return nil
}

// resident shard count, for tests and introspection
func (self *Store) ResidentCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.shards)
}

func (self *Store) deliverBatch(batch *ChangeBatch) {
	if 0 < len(batch.Nodes) && self.callbacks.OnNodeChanged != nil {
		HandleError(func() {
			self.callbacks.OnNodeChanged(batch.Nodes)
		})
	}
	if 0 < len(batch.Entries) && self.callbacks.OnEntryChanged != nil {
		HandleError(func() {
			self.callbacks.OnEntryChanged(batch.Entries)
		})
	}
}

func (self *Store) progress(report *ProgressReport) {
	if self.callbacks.OnProgress != nil {
		HandleError(func() {
			self.callbacks.OnProgress(report)
		})
	}
}

func (self *Store) error(message string, cause error) {
	glog.Infof("[store]%s = %s\n", message, cause)
	if self.callbacks.OnError != nil {
		HandleError(func() {
			self.callbacks.OnError(message, cause)
		})
	}
}

func (self *Store) Close() {
	self.cancel()

	self.stateLock.Lock()
	states := make([]*shardState, 0, len(self.shards))
	for _, state := range self.shards {
		states = append(states, state)
	}
	self.shards = map[ShardRef]*shardState{}
	self.stateLock.Unlock()

	for _, state := range states {
		self.teardown(state, false)
	}
	self.log.Close()
}
