package replica

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/golang/glog"
)

// local durable cache tier over an embedded badger db. One db is shared by
// every shard doc in a space; each doc gets a state record plus a run of
// incremental update records that are folded back into the state record
// once they pile up.
//
// key layout:
//   s/<doc name>            full state record
//   u/<doc name>/<seq>      incremental update records

type BadgerStoreSettings struct {
	// fold updates into the state record past this count
	SnapshotThreshold int
	WriteBufferSize   int
	// one retry for a commit that hit a transient abort
	RetryTimeout time.Duration
}

func DefaultBadgerStoreSettings() *BadgerStoreSettings {
	return &BadgerStoreSettings{
		SnapshotThreshold: 64,
		WriteBufferSize:   32,
		RetryTimeout:      200 * time.Millisecond,
	}
}

// durable writes. the engine treats a committed write as durably cached
func OpenBadgerDb(path string) (*badger.DB, error) {
	options := badger.DefaultOptions(path).
		WithSyncWrites(true).
		WithLogger(nil)
	return badger.Open(options)
}

func OpenBadgerDbInMemory() (*badger.DB, error) {
	options := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(nil)
	return badger.Open(options)
}

type BadgerStore struct {
	db       *badger.DB
	settings *BadgerStoreSettings
}

func NewBadgerStoreWithDefaults(db *badger.DB) *BadgerStore {
	return NewBadgerStore(db, DefaultBadgerStoreSettings())
}

func NewBadgerStore(db *badger.DB, settings *BadgerStoreSettings) *BadgerStore {
	return &BadgerStore{
		db:       db,
		settings: settings,
	}
}

func badgerStateKey(name string) []byte {
	return []byte("s/" + name)
}

func badgerUpdatePrefix(name string) []byte {
	return []byte("u/" + name + "/")
}

func badgerUpdateKey(name string, seq uint64) []byte {
	return []byte(fmt.Sprintf("u/%s/%016x", name, seq))
}

func (self *BadgerStore) Open(name string, doc Doc) (LocalDoc, error) {
	localDoc := &badgerDoc{
		store:   self,
		name:    name,
		doc:     doc,
		synced:  make(chan struct{}),
		writes:  make(chan []byte, self.settings.WriteBufferSize),
		stop:    make(chan struct{}),
		monitor: NewMonitor(),
	}
	go localDoc.run()
	return localDoc, nil
}

func (self *BadgerStore) Clear(ctx context.Context, name string) error {
	if err := self.db.DropPrefix(badgerStateKey(name)); err != nil {
		return err
	}
	return self.db.DropPrefix(badgerUpdatePrefix(name))
}

type badgerDoc struct {
	store *BadgerStore
	name  string
	doc   Doc

	synced   chan struct{}
	writes   chan []byte
	stop     chan struct{}
	stopOnce sync.Once

	monitor *Monitor

	mutex        sync.Mutex
	hasContent   bool
	unsub        func()
	nextSeq      uint64
	queuedSeq    uint64
	committedSeq uint64
	pendingSnap  int
	loadErr      error
	// last commit error, cleared once a later commit succeeds
	lastErr error
}

func (self *badgerDoc) run() {
	if err := self.load(); err != nil {
		glog.Infof("[local]%s load error = %s\n", self.name, err)
		self.setErr(err)
	}

	// subscribe after load so replayed state does not write back.
	// remote origin updates are persisted too: the local cache always
	// holds the merged state
	self.mutex.Lock()
	self.unsub = self.doc.AddUpdateCallback(func(update []byte, remote bool) {
		self.enqueue(update)
	})
	self.mutex.Unlock()
	close(self.synced)

	for {
		select {
		case <-self.stop:
			// drain
			for {
				select {
				case update := <-self.writes:
					self.commit(update)
				default:
					return
				}
			}
		case update := <-self.writes:
			self.commit(update)
		}
	}
}

func (self *badgerDoc) load() error {
	found := false
	err := self.store.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerStateKey(self.name))
		if err == nil {
			found = true
			state, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := self.doc.ApplyUpdate(state); err != nil {
				return err
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		prefix := badgerUpdatePrefix(self.name)
		options := badger.DefaultIteratorOptions
		options.Prefix = prefix
		it := txn.NewIterator(options)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			found = true
			update, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := self.doc.ApplyUpdate(update); err != nil {
				return err
			}
			seq := seqFromUpdateKey(it.Item().Key(), prefix)
			if self.nextSeq <= seq {
				self.nextSeq = seq + 1
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	self.mutex.Lock()
	self.hasContent = found
	self.mutex.Unlock()
	return nil
}

func seqFromUpdateKey(key []byte, prefix []byte) uint64 {
	var seq uint64
	fmt.Sscanf(string(key[len(prefix):]), "%016x", &seq)
	return seq
}

func (self *badgerDoc) enqueue(update []byte) {
	self.mutex.Lock()
	self.queuedSeq += 1
	self.mutex.Unlock()

	select {
	case self.writes <- update:
	case <-self.stop:
	}
}

func (self *badgerDoc) commit(update []byte) {
	seq := self.nextSeq
	self.nextSeq += 1

	write := func() error {
		return self.store.db.Update(func(txn *badger.Txn) error {
			return txn.Set(badgerUpdateKey(self.name, seq), update)
		})
	}
	err := write()
	if err != nil {
		// the environment may have been torn down mid transaction.
		// retry once after a fixed backoff
		glog.V(1).Infof("[local]%s commit retry = %s\n", self.name, err)
		select {
		case <-time.After(self.store.settings.RetryTimeout):
		case <-self.stop:
		}
		err = write()
	}

	snapshot := self.noteCommit(err)
	self.monitor.NotifyAll()

	if snapshot {
		self.fold()
	}
}

// returns whether the update run should be folded into the state record
func (self *badgerDoc) noteCommit(err error) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.committedSeq += 1
	if err != nil {
		self.lastErr = err
		return false
	}
	self.lastErr = nil
	self.pendingSnap += 1
	if self.store.settings.SnapshotThreshold <= self.pendingSnap {
		self.pendingSnap = 0
		return true
	}
	return false
}

// fold the update run into one state record
func (self *badgerDoc) fold() {
	state := self.doc.EncodeState()
	endSeq := self.nextSeq
	err := self.store.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(badgerStateKey(self.name), state); err != nil {
			return err
		}
		for seq := uint64(0); seq < endSeq; seq += 1 {
			if err := txn.Delete(badgerUpdateKey(self.name, seq)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		glog.Infof("[local]%s fold error = %s\n", self.name, err)
	}
}

func (self *badgerDoc) setErr(err error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.loadErr = err
}

// LocalDoc

func (self *badgerDoc) Synced() <-chan struct{} {
	return self.synced
}

func (self *badgerDoc) HasContent() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.hasContent
}

func (self *badgerDoc) Durable(ctx context.Context) error {
	for {
		notify := self.monitor.NotifyChannel()

		self.mutex.Lock()
		done := self.queuedSeq <= self.committedSeq
		err := self.loadErr
		if err == nil {
			err = self.lastErr
		}
		self.mutex.Unlock()

		if done {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-self.stop:
			return errors.New("local doc destroyed")
		case <-notify:
		}
	}
}

func (self *badgerDoc) Destroy() {
	self.mutex.Lock()
	unsub := self.unsub
	self.unsub = nil
	self.mutex.Unlock()
	if unsub != nil {
		unsub()
	}

	self.stopOnce.Do(func() {
		close(self.stop)
	})
}

// replication cursors stored next to the doc records.
// key layout: c/<cursor key>
type BadgerCursorStore struct {
	db *badger.DB
}

func NewBadgerCursorStore(db *badger.DB) *BadgerCursorStore {
	return &BadgerCursorStore{
		db: db,
	}
}

func badgerCursorKey(key string) []byte {
	return []byte("c/" + key)
}

func (self *BadgerCursorStore) GetItem(key string) (string, bool) {
	var value string
	found := false
	err := self.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerCursorKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		valueBytes, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		value = string(valueBytes)
		found = true
		return nil
	})
	if err != nil {
		glog.Infof("[local]cursor %s read error = %s\n", key, err)
		return "", false
	}
	return value, found
}

func (self *BadgerCursorStore) SetItem(key string, value string) {
	err := self.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerCursorKey(key), []byte(value))
	})
	if err != nil {
		glog.Infof("[local]cursor %s write error = %s\n", key, err)
	}
}
