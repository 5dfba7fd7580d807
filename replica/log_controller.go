package replica

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

// walks the append log in order, invoking the store to pull remote state.
// Starts paused; the host resumes once initial state has been pulled, and
// may re-pause to yield bandwidth to foreground work. The position is
// persisted as a small watermark per consumer key, so processing resumes
// where it left off across restarts.
//
// Entries are processed one logical step at a time: step n+1 does not
// start before step n completed. This gives a deterministic replay order;
// the store and the bounded scheduler bound concurrency below this layer

type LogController struct {
	ctx    context.Context
	cancel context.CancelFunc

	store   *Store
	cursors CursorStore

	// consumer scoped watermark key
	consumerKey string

	// terminal callback for each catch-up to the log tail
	onComplete func()

	resumeMonitor *Monitor

	stateLock sync.Mutex
	paused    bool
	completed int
}

func NewLogController(
	ctx context.Context,
	store *Store,
	cursors CursorStore,
	consumerKey string,
	onComplete func(),
) *LogController {
	cancelCtx, cancel := context.WithCancel(ctx)
	controller := &LogController{
		ctx:           cancelCtx,
		cancel:        cancel,
		store:         store,
		cursors:       cursors,
		consumerKey:   consumerKey,
		onComplete:    onComplete,
		resumeMonitor: NewMonitor(),
		// start paused to avoid redundant work during startup
		paused: true,
	}
	go controller.run()
	return controller
}

func (self *LogController) cursorKey() string {
	return fmt.Sprintf("%s/log-cursor/%s", self.store.spaceId, self.consumerKey)
}

func (self *LogController) loadCursor() *LogPosition {
	if value, ok := self.cursors.GetItem(self.cursorKey()); ok {
		if position, ok := ParseLogPosition(value); ok {
			return &position
		}
	}
	return nil
}

func (self *LogController) saveCursor(position LogPosition) {
	self.cursors.SetItem(self.cursorKey(), position.String())
}

func (self *LogController) Pause() {
	self.stateLock.Lock()
	self.paused = true
	self.stateLock.Unlock()
}

func (self *LogController) Resume() {
	self.stateLock.Lock()
	self.paused = false
	self.stateLock.Unlock()
	self.resumeMonitor.NotifyAll()
}

func (self *LogController) Paused() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.paused
}

func (self *LogController) run() {
	log := self.store.Log()

	select {
	case <-log.Ready():
	case <-self.ctx.Done():
		return
	}

	cursor := self.loadCursor()
	caughtUp := false

	for {
		// wait while paused
		for {
			notify := self.resumeMonitor.NotifyChannel()
			if !self.Paused() {
				break
			}
			select {
			case <-self.ctx.Done():
				return
			case <-notify:
			}
		}

		logNotify := log.Monitor().NotifyChannel()
		entries := log.EntriesAfter(cursor)

		if len(entries) == 0 {
			if !caughtUp {
				caughtUp = true
				self.terminal()
			}
			select {
			case <-self.ctx.Done():
				return
			case <-logNotify:
			}
			continue
		}
		caughtUp = false

		// one logical step; the next does not start before it completes
		entry := entries[0]
		remaining := len(entries)
		self.step(entry)

		cursor = &entry.Position
		self.saveCursor(entry.Position)

		self.stateLock.Lock()
		self.completed += 1
		completed := self.completed
		self.stateLock.Unlock()

		self.store.progress(&ProgressReport{
			Replication: &ProgressCounts{
				Completed: completed,
				Total:     completed + remaining - 1,
			},
		})
	}
}

func (self *LogController) step(entry *PositionedLogEntry) {
	ref := ShardRef{Kind: entry.Kind, Key: ShardKey(entry.Target)}

	switch entry.Kind {
	case ShardKindNode, ShardKindEntry:
	default:
		self.store.error(fmt.Sprintf("unknown log kind %q at %s", entry.Kind, entry.Position), nil)
		return
	}

	switch entry.Action {
	case LogActionUpdate:
		_, err := self.store.Replicate(self.ctx, ref, &ReplicateOptions{
			Background: true,
			WantRemote: true,
		})
		if err != nil {
			glog.Infof("[ctl]replicate %s error = %s\n", ref, err)
		}
	case LogActionDelete:
		if err := self.store.applyLogDelete(self.ctx, ref); err != nil {
			glog.Infof("[ctl]delete %s error = %s\n", ref, err)
		}
	default:
		// corrupt or foreign entry. Surface and abort this entry
		self.store.error(fmt.Sprintf("unknown log action %q at %s", entry.Action, entry.Position), nil)
	}
}

func (self *LogController) terminal() {
	self.stateLock.Lock()
	completed := self.completed
	self.stateLock.Unlock()

	self.store.progress(&ProgressReport{
		Replication: &ProgressCounts{
			Completed: completed,
			Total:     completed,
		},
	})
	if self.onComplete != nil {
		HandleError(self.onComplete)
	}
}

func (self *LogController) Close() {
	self.cancel()
}
