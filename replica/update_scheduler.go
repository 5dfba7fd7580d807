package replica

import (
	"context"
	"sync"
)

// work queue with a fixed concurrency ceiling, used to spread many
// independent per-shard writes (bulk import, bulk delete) without opening
// unbounded concurrent doc sessions. The parallelism value keeps progress
// reporting smooth; it is a tunable, not a correctness constraint

type ProgressFunction func(completed int, total int)

type UpdateScheduler struct {
	ctx context.Context

	parallelism int
	progress    ProgressFunction
	drain       func()

	monitor *Monitor

	stateLock sync.Mutex
	queue     []func()
	running   int
	completed int
	total     int
}

func NewUpdateScheduler(ctx context.Context, parallelism int, progress ProgressFunction, drain func()) *UpdateScheduler {
	return &UpdateScheduler{
		ctx:         ctx,
		parallelism: parallelism,
		progress:    progress,
		drain:       drain,
		monitor:     NewMonitor(),
		queue:       []func(){},
	}
}

func (self *UpdateScheduler) Enqueue(task func()) {
	self.stateLock.Lock()
	self.queue = append(self.queue, task)
	self.total += 1
	self.stateLock.Unlock()

	self.dispatch()
}

func (self *UpdateScheduler) dispatch() {
	for {
		self.stateLock.Lock()
		if self.parallelism <= self.running || len(self.queue) == 0 {
			self.stateLock.Unlock()
			return
		}
		task := self.queue[0]
		self.queue = self.queue[1:]
		self.running += 1
		self.stateLock.Unlock()

		go self.run(task)
	}
}

func (self *UpdateScheduler) run(task func()) {
	HandleError(task)

	self.stateLock.Lock()
	self.running -= 1
	self.completed += 1
	completed := self.completed
	total := self.total
	drained := self.running == 0 && len(self.queue) == 0
	if drained {
		// reset so a later burst reports fresh progress
		self.completed = 0
		self.total = 0
	}
	self.stateLock.Unlock()

	if self.progress != nil {
		HandleError(func() {
			self.progress(completed, total)
		})
	}
	if drained {
		if self.drain != nil {
			HandleError(self.drain)
		}
		self.monitor.NotifyAll()
	}

	self.dispatch()
}

// block until the queue drains
func (self *UpdateScheduler) Wait(ctx context.Context) error {
	for {
		notify := self.monitor.NotifyChannel()

		self.stateLock.Lock()
		drained := self.running == 0 && len(self.queue) == 0
		self.stateLock.Unlock()

		if drained {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-self.ctx.Done():
			return self.ctx.Err()
		case <-notify:
		}
	}
}
