package ydoc

import (
	"errors"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

var ErrTransactionClosed = errors.New("transaction closed")
var ErrReadOnly = errors.New("read-only transaction")

type Transaction struct {
	doc      *Doc
	origin   any
	readOnly bool
	closed   bool

	ops []*op

	changes     map[node]*change
	changeOrder []node
}

type change struct {
	keys   []string
	keySet map[string]bool
}

func newTransaction(doc *Doc, origin any, readOnly bool) *Transaction {
	return &Transaction{
		doc:      doc,
		origin:   origin,
		readOnly: readOnly,
		changes:  map[node]*change{},
	}
}

func (self *Transaction) Origin() any {
	return self.origin
}

func (self *Transaction) Doc() *Doc {
	return self.doc
}

// true when the transaction applies changes from a peer
func (self *Transaction) Remote() bool {
	_, ok := self.origin.(*RemoteOrigin)
	return ok
}

func (self *Transaction) checkRead() {
	if self.closed {
		panic(ErrTransactionClosed)
	}
}

func (self *Transaction) checkWrite() {
	if self.closed {
		panic(ErrTransactionClosed)
	}
	if self.readOnly {
		panic(ErrReadOnly)
	}
}

func (self *Transaction) markChanged(n node, key string) {
	c, ok := self.changes[n]
	if !ok {
		c = &change{
			keySet: map[string]bool{},
		}
		self.changes[n] = c
		self.changeOrder = append(self.changeOrder, n)
	}
	if key != "" && !c.keySet[key] {
		c.keySet[key] = true
		c.keys = append(c.keys, key)
	}
}

// records an op against `container` if the container is attached to a root
func (self *Transaction) record(container node, o *op) {
	root, path, ok := locate(container)
	if !ok {
		return
	}
	o.Root = root
	o.Path = path
	self.ops = append(self.ops, o)
}

type locatedEvent struct {
	root  string
	path  []any
	event *Event
}

// builds events and the encoded update while the doc lock is held
func (self *Transaction) commit() *committed {
	if len(self.ops) == 0 {
		return nil
	}

	located := []*locatedEvent{}
	for _, n := range self.changeOrder {
		root, path, ok := locate(n)
		if !ok {
			// the target was removed later in the same transaction
			continue
		}
		located = append(located, &locatedEvent{
			root: root,
			path: path,
			event: &Event{
				Target:      n,
				KeysChanged: slices.Clone(self.changes[n].keys),
				Origin:      self.origin,
			},
		})
	}

	c := &committed{
		origin: self.origin,
	}

	// observers of the same node share one event list
	nodeEvents := map[node][]*Event{}
	for _, observer := range self.doc.observers.Get() {
		events, ok := nodeEvents[observer.n]
		if !ok {
			events = self.observedEvents(observer.n, located)
			nodeEvents[observer.n] = events
		}
		if 0 < len(events) {
			c.observed = append(c.observed, &observedEvents{
				callback: observer.callback,
				events:   events,
			})
		}
	}

	update, err := encodeOps(self.ops)
	if err != nil {
		glog.Infof("[ydoc]encode update error = %s\n", err)
	} else {
		c.update = update
	}

	return c
}

// events under `n`, with paths relative to `n`
func (self *Transaction) observedEvents(n node, located []*locatedEvent) []*Event {
	root, path, ok := locate(n)
	if !ok {
		return nil
	}
	events := []*Event{}
	for _, l := range located {
		if l.root != root || !hasPrefix(l.path, path) {
			continue
		}
		events = append(events, &Event{
			Target:      l.event.Target,
			Path:        slices.Clone(l.path[len(path):]),
			KeysChanged: l.event.KeysChanged,
			Origin:      l.event.Origin,
		})
	}
	return events
}

func hasPrefix(path []any, prefix []any) bool {
	if len(path) < len(prefix) {
		return false
	}
	for i, segment := range prefix {
		if path[i] != segment {
			return false
		}
	}
	return true
}
