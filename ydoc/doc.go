// Package ydoc is the replicated document tree shared by the collaboration
// client, its local store and its remote session.
//
// Nodes are ordered maps, sequences and text. All reads and writes happen
// inside a transaction (`Doc.Transact` or `Doc.View`); observers and update
// listeners are notified once per transaction, after the transaction lock is
// released. Updates are op logs that replay by path, last writer wins.
package ydoc

import (
	"sync"

	"github.com/newsroom-sync/docsync/connect"
)

// update origin used when a change arrived from a peer, not from local code
type RemoteOrigin struct {
	Name string
}

type UpdateFunction = func(update []byte, origin any)

type DeepObserveFunction = func(events []*Event)

type Event struct {
	// *Map, *Array or *Text
	Target any
	// path from the observed node to the target
	Path []any
	// for map targets, the keys that were set or deleted
	KeysChanged []string
	Origin      any
}

type Doc struct {
	// guards the tree and the observer table
	mutex sync.Mutex

	maps map[string]*Map

	// ordered by registration across all nodes
	observers *connect.CallbackList[*deepObserver]

	updateCallbacks *connect.CallbackList[UpdateFunction]

	queueMutex sync.Mutex
	queue      []*committed
	draining   bool
}

func NewDoc() *Doc {
	return &Doc{
		maps:            map[string]*Map{},
		observers:       connect.NewCallbackList[*deepObserver](),
		updateCallbacks: connect.NewCallbackList[UpdateFunction](),
	}
}

// top-level maps are created on first access and never removed
func (self *Doc) GetMap(name string) *Map {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.getMap(name)
}

func (self *Doc) getMap(name string) *Map {
	m, ok := self.maps[name]
	if !ok {
		m = newMap(self)
		m.rootName = name
		self.maps[name] = m
	}
	return m
}

// runs `fn` as one atomic batch
// nested calls are not supported; compose work inside a single `fn`
func (self *Doc) Transact(origin any, fn func(tx *Transaction)) {
	self.mutex.Lock()
	tx := newTransaction(self, origin, false)
	var c *committed
	func() {
		defer func() {
			c = tx.commit()
			tx.closed = true
			if c != nil {
				self.queueMutex.Lock()
				self.queue = append(self.queue, c)
				self.queueMutex.Unlock()
			}
			self.mutex.Unlock()
		}()
		fn(tx)
	}()
	self.drain()
}

// read-only access to the tree
func (self *Doc) View(fn func(tx *Transaction)) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	tx := newTransaction(self, nil, true)
	defer func() {
		tx.closed = true
	}()
	fn(tx)
}

func (self *Doc) OnUpdate(updateCallback UpdateFunction) func() {
	callbackId := self.updateCallbacks.Add(updateCallback)
	return func() {
		self.updateCallbacks.Remove(callbackId)
	}
}

type deepObserver struct {
	n        node
	callback DeepObserveFunction
}

func (self *Doc) observeDeep(n node, observeCallback DeepObserveFunction) func() {
	callbackId := self.observers.Add(&deepObserver{
		n:        n,
		callback: observeCallback,
	})
	return func() {
		self.observers.Remove(callbackId)
	}
}

// drops all observers and update listeners
func (self *Doc) Destroy() {
	self.observers.Clear()
	self.updateCallbacks.Clear()
}

// delivers committed transactions in commit order
// only one goroutine drains at a time; transactions committed by a listener
// are picked up by the drain already in progress
func (self *Doc) drain() {
	self.queueMutex.Lock()
	if self.draining {
		self.queueMutex.Unlock()
		return
	}
	self.draining = true
	for 0 < len(self.queue) {
		c := self.queue[0]
		self.queue = self.queue[1:]
		self.queueMutex.Unlock()
		c.dispatch(self)
		self.queueMutex.Lock()
	}
	self.draining = false
	self.queueMutex.Unlock()
}

type committed struct {
	origin   any
	update   []byte
	observed []*observedEvents
}

type observedEvents struct {
	callback DeepObserveFunction
	events   []*Event
}

func (self *committed) dispatch(doc *Doc) {
	for _, o := range self.observed {
		connect.HandleError(func() {
			o.callback(o.events)
		})
	}
	if self.update != nil {
		for _, callback := range doc.updateCallbacks.Get() {
			connect.HandleError(func() {
				callback(self.update, self.origin)
			})
		}
	}
}
