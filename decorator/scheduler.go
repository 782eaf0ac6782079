package decorator

import (
	"context"
	"sync"
	"time"

	"github.com/newsroom-sync/docsync/connect"
	"github.com/newsroom-sync/docsync/protocol"
)

// reads the current state of a document when a scheduled update fires
type StateFunction = func(uuid string) (*protocol.DocumentState, bool)

// applies an enriched state. `source` is the state that was read and decorated.
// Called with the scheduler lock held.
type ApplyFunction = func(source *protocol.DocumentState, decorated *protocol.DocumentState)

type SchedulerSettings struct {
	Debounce time.Duration
}

func DefaultSchedulerSettings() *SchedulerSettings {
	return &SchedulerSettings{
		Debounce: 500 * time.Millisecond,
	}
}

type scheduledUpdate struct {
	timer    *time.Timer
	sequence uint64
}

// debounced, sequence-guarded decorator updates per document uuid
//
// each `Schedule` cancels the pending timer for the uuid and takes a new sequence.
// when the timer fires the current state is read and decorated, and the result is
// applied only if no later `Schedule` for the uuid happened in the meantime
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc

	pipeline *Pipeline
	getState StateFunction
	apply    ApplyFunction
	settings *SchedulerSettings
	log      connect.LogFunction

	stateLock    sync.Mutex
	nextSequence uint64
	updates      map[string]*scheduledUpdate
}

func NewSchedulerWithDefaults(
	ctx context.Context,
	pipeline *Pipeline,
	getState StateFunction,
	apply ApplyFunction,
) *Scheduler {
	return NewScheduler(ctx, pipeline, getState, apply, DefaultSchedulerSettings())
}

func NewScheduler(
	ctx context.Context,
	pipeline *Pipeline,
	getState StateFunction,
	apply ApplyFunction,
	settings *SchedulerSettings,
) *Scheduler {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Scheduler{
		ctx:      cancelCtx,
		cancel:   cancel,
		pipeline: pipeline,
		getState: getState,
		apply:    apply,
		settings: settings,
		log:      connect.LogFn(connect.LogLevelDebug, "scheduler"),
		updates:  map[string]*scheduledUpdate{},
	}
}

func (self *Scheduler) Schedule(uuid string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.ctx.Err() != nil {
		return
	}

	update, ok := self.updates[uuid]
	if ok {
		update.timer.Stop()
	} else {
		update = &scheduledUpdate{}
		self.updates[uuid] = update
	}
	self.nextSequence += 1
	sequence := self.nextSequence
	update.sequence = sequence
	update.timer = time.AfterFunc(self.settings.Debounce, func() {
		self.run(uuid, sequence)
	})
	self.log("schedule %s %d", uuid, sequence)
}

// number of uuids with a scheduled or running update
func (self *Scheduler) Pending() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.updates)
}

func (self *Scheduler) isCurrent(uuid string, sequence uint64) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	update, ok := self.updates[uuid]
	return ok && update.sequence == sequence
}

func (self *Scheduler) run(uuid string, sequence uint64) {
	if !self.isCurrent(uuid, sequence) {
		return
	}

	// the state now, not the state when scheduled
	state, ok := self.getState(uuid)
	if !ok {
		self.stateLock.Lock()
		if update, ok := self.updates[uuid]; ok && update.sequence == sequence {
			delete(self.updates, uuid)
		}
		self.stateLock.Unlock()
		return
	}

	self.log("run %s %d", uuid, sequence)
	decorated := self.pipeline.Update(self.ctx, state)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.ctx.Err() != nil {
		return
	}
	update, ok := self.updates[uuid]
	if !ok || update.sequence != sequence {
		self.log("discard stale %s %d", uuid, sequence)
		return
	}
	delete(self.updates, uuid)
	self.apply(state, decorated)
}

func (self *Scheduler) Stop() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.cancel()
	for _, update := range self.updates {
		update.timer.Stop()
	}
	clear(self.updates)
}
