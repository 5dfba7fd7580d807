package replica

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

// append-only, block-chunked change log driving replication. The log root
// doc and its block docs are always resident. Entries are appended, never
// mutated; deletes are explicit markers because absence from storage is
// otherwise indistinguishable from "not yet synced"

type AppendLogSettings struct {
	// entries per block
	BlockSize int
	// a log opened from a share of another device must wait for the
	// existing block(s) instead of creating a duplicate root block
	Share bool
}

func DefaultAppendLogSettings() *AppendLogSettings {
	return &AppendLogSettings{
		BlockSize: 100,
		Share:     false,
	}
}

type LogEntry struct {
	Target string    `json:"t"`
	Kind   ShardKind `json:"k"`
	Action LogAction `json:"a"`
}

// an entry with its replay position
type PositionedLogEntry struct {
	LogEntry
	Position LogPosition
}

// comparable
type LogPosition struct {
	BlockIndex int
	EntrySeq   int
}

func (self LogPosition) String() string {
	return fmt.Sprintf("b:%08d/e:%08d", self.BlockIndex, self.EntrySeq)
}

func ParseLogPosition(s string) (LogPosition, bool) {
	var position LogPosition
	if _, err := fmt.Sscanf(s, "b:%08d/e:%08d", &position.BlockIndex, &position.EntrySeq); err != nil {
		return LogPosition{}, false
	}
	return position, true
}

func (self LogPosition) Before(other LogPosition) bool {
	if self.BlockIndex != other.BlockIndex {
		return self.BlockIndex < other.BlockIndex
	}
	return self.EntrySeq < other.EntrySeq
}

func logBlockField(blockIndex int) string {
	return fmt.Sprintf("b:%08d", blockIndex)
}

func logEntryField(entrySeq int) string {
	return fmt.Sprintf("e:%08d", entrySeq)
}

type logBlock struct {
	index     int
	doc       Doc
	localDoc  LocalDoc
	remoteDoc RemoteDoc
	synced    chan struct{}
	unsub     func()
}

type AppendLog struct {
	ctx context.Context

	spaceId Id
	local   LocalStore
	remote  RemoteSync
	newDoc  DocFactory

	storeSettings *StoreSettings
	settings      *AppendLogSettings

	// notified on every appended or arrived entry
	monitor *Monitor

	ready chan struct{}

	stateLock sync.Mutex
	rootDoc   Doc
	rootLocal LocalDoc
	rootRem   RemoteDoc
	rootUnsub func()
	blocks    []*logBlock
	// entries appended before a share's blocks arrived, flushed in order
	// once the first block is resident
	pending []*LogEntry
	openErr error
}

func newAppendLog(
	ctx context.Context,
	spaceId Id,
	local LocalStore,
	remote RemoteSync,
	newDoc DocFactory,
	storeSettings *StoreSettings,
	settings *AppendLogSettings,
) *AppendLog {
	log := &AppendLog{
		ctx:           ctx,
		spaceId:       spaceId,
		local:         local,
		remote:        remote,
		newDoc:        newDoc,
		storeSettings: storeSettings,
		settings:      settings,
		monitor:       NewMonitor(),
		ready:         make(chan struct{}),
		blocks:        []*logBlock{},
	}
	go log.open()
	return log
}

func (self *AppendLog) Monitor() *Monitor {
	return self.monitor
}

func (self *AppendLog) open() {
	defer close(self.ready)

	name := LogDocName(self.spaceId)
	self.rootDoc = self.newDoc()
	self.rootUnsub = self.rootDoc.AddChangeCallback(func(changes []DocChange, remote bool) {
		if remote {
			// block announcements from other devices
			self.openNewBlocks()
		}
	})

	rootLocal, err := self.openLocal(name, self.rootDoc)
	if err != nil {
		self.openErr = err
		return
	}
	self.rootLocal = rootLocal

	select {
	case <-rootLocal.Synced():
	case <-self.ctx.Done():
		self.openErr = self.ctx.Err()
		return
	}

	self.openNewBlocks()

	self.stateLock.Lock()
	empty := len(self.blocks) == 0
	self.stateLock.Unlock()
	if empty && !self.settings.Share {
		// first open of a fresh log on the originating device.
		// a share must instead wait for the existing blocks to arrive
		self.addBlock(0)
	}

	if self.remote != nil {
		if rootRem, err := self.remote.Open(name, self.rootDoc); err == nil {
			self.rootRem = rootRem
		} else {
			glog.V(1).Infof("[log]remote open = %s\n", err)
		}
	}
}

func (self *AppendLog) openLocal(name string, doc Doc) (LocalDoc, error) {
	localDoc, err := self.local.Open(name, doc)
	if err != nil {
		glog.V(1).Infof("[log]%s local open retry = %s\n", name, err)
		select {
		case <-time.After(self.storeSettings.StorageRetryTimeout):
		case <-self.ctx.Done():
		}
		localDoc, err = self.local.Open(name, doc)
	}
	return localDoc, err
}

// open any blocks listed in the root doc that are not yet resident
func (self *AppendLog) openNewBlocks() {
	for {
		self.stateLock.Lock()
		nextIndex := len(self.blocks)
		_, ok := self.rootDoc.Get(logBlockField(nextIndex))
		self.stateLock.Unlock()
		if !ok {
			return
		}
		self.openBlock(nextIndex)
	}
}

func (self *AppendLog) openBlock(blockIndex int) *logBlock {
	block := &logBlock{
		index:  blockIndex,
		doc:    self.newDoc(),
		synced: make(chan struct{}),
	}
	block.unsub = block.doc.AddChangeCallback(func(changes []DocChange, remote bool) {
		if remote {
			self.monitor.NotifyAll()
		}
	})

	name := LogBlockDocName(self.spaceId, blockIndex)
	localDoc, err := self.openLocal(name, block.doc)
	if err != nil {
		glog.Infof("[log]block %d open error = %s\n", blockIndex, err)
	} else {
		block.localDoc = localDoc
		select {
		case <-localDoc.Synced():
		case <-self.ctx.Done():
		}
		close(block.synced)
		if self.remote != nil {
			if remoteDoc, err := self.remote.Open(name, block.doc); err == nil {
				block.remoteDoc = remoteDoc
			}
		}
	}

	self.stateLock.Lock()
	self.blocks = append(self.blocks, block)
	pending := self.pending
	self.pending = nil
	self.stateLock.Unlock()
	self.monitor.NotifyAll()
	for _, entry := range pending {
		if err := self.appendNow(entry); err != nil {
			glog.Infof("[log]held entry append error = %s\n", err)
		}
	}
	return block
}

func (self *AppendLog) addBlock(blockIndex int) *logBlock {
	block := self.openBlock(blockIndex)
	self.rootDoc.Set(logBlockField(blockIndex), LogBlockDocName(self.spaceId, blockIndex))
	return block
}

func (self *AppendLog) Ready() <-chan struct{} {
	return self.ready
}

// Append records an entry at the log tail. When the entry repeats the
// immediately preceding update for the same shard and kind, the append is
// dropped: repeated edits to one node cost one entry. An offline peer may
// as a result miss an intermediate edit contiguous with a later one.
// On a share whose blocks have not yet arrived the entry is held and
// flushed once the first block is resident
func (self *AppendLog) Append(ctx context.Context, entry *LogEntry) error {
	select {
	case <-self.ready:
	case <-ctx.Done():
		return ctx.Err()
	case <-self.ctx.Done():
		return self.ctx.Err()
	}
	if self.openErr != nil {
		return self.openErr
	}

	self.stateLock.Lock()
	if len(self.blocks) == 0 {
		self.pending = append(self.pending, entry)
		self.stateLock.Unlock()
		return nil
	}
	self.stateLock.Unlock()
	return self.appendNow(entry)
}

// blocks must be non-empty
func (self *AppendLog) appendNow(entry *LogEntry) error {
	self.stateLock.Lock()

	tail := self.blocks[len(self.blocks)-1]
	tailLen := self.blockLen(tail)

	if entry.Action == LogActionUpdate && 0 < tailLen {
		if last, ok := self.blockEntry(tail, tailLen-1); ok {
			if last.Action == LogActionUpdate && last.Kind == entry.Kind && last.Target == entry.Target {
				// tail compaction
				glog.V(2).Infof("[log]compact %s %s\n", entry.Kind, entry.Target)
				self.stateLock.Unlock()
				return nil
			}
		}
	}

	if self.settings.BlockSize <= tailLen {
		nextIndex := len(self.blocks)
		self.stateLock.Unlock()
		tail = self.addBlock(nextIndex)
		self.stateLock.Lock()
		tailLen = 0
	}

	entryJson, err := json.Marshal(entry)
	if err != nil {
		self.stateLock.Unlock()
		return err
	}
	tail.doc.Set(logEntryField(tailLen), string(entryJson))
	self.stateLock.Unlock()

	self.monitor.NotifyAll()
	return nil
}

// stateLock must be held
func (self *AppendLog) blockLen(block *logBlock) int {
	count := 0
	for {
		if _, ok := block.doc.Get(logEntryField(count)); !ok {
			return count
		}
		count += 1
	}
}

// stateLock must be held
func (self *AppendLog) blockEntry(block *logBlock, entrySeq int) (*LogEntry, bool) {
	value, ok := block.doc.Get(logEntryField(entrySeq))
	if !ok {
		return nil, false
	}
	var entry LogEntry
	if err := json.Unmarshal([]byte(value), &entry); err != nil {
		return nil, false
	}
	return &entry, true
}

// EntriesAfter returns the entries strictly after the given position in
// replay order. A zero position (no watermark) returns everything
func (self *AppendLog) EntriesAfter(after *LogPosition) []*PositionedLogEntry {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entries := []*PositionedLogEntry{}
	for _, block := range self.blocks {
		blockLen := self.blockLen(block)
		for entrySeq := 0; entrySeq < blockLen; entrySeq += 1 {
			position := LogPosition{BlockIndex: block.index, EntrySeq: entrySeq}
			if after != nil && !after.Before(position) {
				continue
			}
			if entry, ok := self.blockEntry(block, entrySeq); ok {
				entries = append(entries, &PositionedLogEntry{
					LogEntry: *entry,
					Position: position,
				})
			}
		}
	}
	return entries
}

func (self *AppendLog) EntryCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	count := 0
	for _, block := range self.blocks {
		count += self.blockLen(block)
	}
	return count
}

// block until every appended entry is durable in the local cache
func (self *AppendLog) Durable(ctx context.Context) error {
	select {
	case <-self.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	self.stateLock.Lock()
	locals := []LocalDoc{}
	if self.rootLocal != nil {
		locals = append(locals, self.rootLocal)
	}
	for _, block := range self.blocks {
		if block.localDoc != nil {
			locals = append(locals, block.localDoc)
		}
	}
	self.stateLock.Unlock()

	for _, localDoc := range locals {
		if err := localDoc.Durable(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (self *AppendLog) Close() {
	self.stateLock.Lock()
	blocks := self.blocks
	self.blocks = []*logBlock{}
	rootUnsub := self.rootUnsub
	rootLocal := self.rootLocal
	rootRem := self.rootRem
	rootDoc := self.rootDoc
	self.stateLock.Unlock()

	for _, block := range blocks {
		if block.unsub != nil {
			block.unsub()
		}
		if block.remoteDoc != nil {
			block.remoteDoc.Destroy()
		}
		if block.localDoc != nil {
			block.localDoc.Destroy()
		}
		block.doc.Destroy()
	}
	if rootUnsub != nil {
		rootUnsub()
	}
	if rootRem != nil {
		rootRem.Destroy()
	}
	if rootLocal != nil {
		rootLocal.Destroy()
	}
	if rootDoc != nil {
		rootDoc.Destroy()
	}
}
