package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/newsroom-sync/docsync/connect"
	"github.com/newsroom-sync/docsync/decorator"
	"github.com/newsroom-sync/docsync/protocol"
)

var ErrDocumentSetClosed = errors.New("Document set closed.")

type DocumentsChangeFunction = func(documents []*protocol.DocumentState)

type DocumentSetSettings struct {
	FetchTimeout time.Duration
	Scheduler    *decorator.SchedulerSettings
}

func DefaultDocumentSetSettings() *DocumentSetSettings {
	return &DocumentSetSettings{
		FetchTimeout: 30 * time.Second,
		Scheduler:    decorator.DefaultSchedulerSettings(),
	}
}

// a live, decorated view of a document set
//
// the initial batch is decorated once. Each update is applied immediately
// and schedules a debounced decorator update for the changed document.
// the set subscribes again after each socket reconnect.
type DocumentSet struct {
	ctx    context.Context
	cancel context.CancelFunc

	socket    *Socket
	request   *GetDocumentsRequest
	pipeline  *decorator.Pipeline
	scheduler *decorator.Scheduler
	settings  *DocumentSetSettings
	// tagged with the set name
	eventLog connect.LogFunction
	debugLog connect.LogFunction

	stateLock sync.Mutex
	active    bool
	// published snapshots are never mutated. Each change replaces the slice.
	documents          []*protocol.DocumentState
	unsubscribeUpdates func()
	publishedCount     int

	changeCallbacks *connect.CallbackList[DocumentsChangeFunction]

	unsubscribeReconnect func()
}

func NewDocumentSetWithDefaults(
	ctx context.Context,
	socket *Socket,
	request *GetDocumentsRequest,
	pipeline *decorator.Pipeline,
) *DocumentSet {
	return NewDocumentSet(ctx, socket, request, pipeline, DefaultDocumentSetSettings())
}

func NewDocumentSet(
	ctx context.Context,
	socket *Socket,
	request *GetDocumentsRequest,
	pipeline *decorator.Pipeline,
	settings *DocumentSetSettings,
) *DocumentSet {
	cancelCtx, cancel := context.WithCancel(ctx)

	// the set name must be unique per subscription
	requestCopy := *request
	if requestCopy.SetName == "" {
		requestCopy.SetName = uuid.NewString()
	}

	documentSet := &DocumentSet{
		ctx:             cancelCtx,
		cancel:          cancel,
		socket:          socket,
		request:         &requestCopy,
		pipeline:        pipeline,
		settings:        settings,
		active:          true,
		documents:       []*protocol.DocumentState{},
		eventLog:        connect.SubLogFn(connect.LogFn(connect.LogLevelEvent, "ds"), requestCopy.SetName),
		debugLog:        connect.SubLogFn(connect.LogFn(connect.LogLevelDebug, "ds"), requestCopy.SetName),
		changeCallbacks: connect.NewCallbackList[DocumentsChangeFunction](),
	}
	documentSet.scheduler = decorator.NewScheduler(
		cancelCtx,
		pipeline,
		documentSet.Get,
		documentSet.applyDecorated,
		settings.Scheduler,
	)
	documentSet.unsubscribeReconnect = socket.AddReconnectCallback(documentSet.resubscribe)
	return documentSet
}

func (self *DocumentSet) SetName() string {
	return self.request.SetName
}

// fetches and decorates the initial batch, then follows updates
func (self *DocumentSet) Open(ctx context.Context) error {
	return self.fetch(ctx)
}

func (self *DocumentSet) isActive() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.active
}

func (self *DocumentSet) fetch(ctx context.Context) error {
	if !self.isActive() {
		return ErrDocumentSetClosed
	}

	result, err := self.socket.GetDocuments(ctx, self.request)
	if err != nil {
		return err
	}
	if !self.isActive() {
		self.socket.CloseDocumentSet(ctx, self.request.SetName)
		return ErrDocumentSetClosed
	}

	documents := self.pipeline.Initial(self.ctx, result.Documents)
	if !self.isActive() {
		self.socket.CloseDocumentSet(ctx, self.request.SetName)
		return ErrDocumentSetClosed
	}

	self.stateLock.Lock()
	self.documents = documents
	unsubscribeUpdates := self.unsubscribeUpdates
	self.unsubscribeUpdates = nil
	self.stateLock.Unlock()
	if unsubscribeUpdates != nil {
		unsubscribeUpdates()
	}
	self.notifyChange()

	// flushes updates that arrived during the fetch
	unsubscribeUpdates = result.OnUpdate(self.update)

	self.stateLock.Lock()
	if !self.active {
		self.stateLock.Unlock()
		unsubscribeUpdates()
		return ErrDocumentSetClosed
	}
	self.unsubscribeUpdates = unsubscribeUpdates
	self.stateLock.Unlock()

	self.eventLog("open with %d documents", len(documents))
	return nil
}

func (self *DocumentSet) resubscribe() {
	if !self.isActive() {
		return
	}
	ctx, cancel := context.WithTimeout(self.ctx, self.settings.FetchTimeout)
	defer cancel()
	if err := self.fetch(ctx); err != nil && !errors.Is(err, ErrDocumentSetClosed) {
		glog.Infof("[ds]%s resubscribe error = %s\n", self.request.SetName, err)
	}
}

func (self *DocumentSet) update(update *Update) {
	scheduleUuids := []string{}

	changed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if !self.active {
			return false
		}

		documents := slices.Clone(self.documents)
		switch {
		case update.Document != nil && update.Document.Document != nil:
			documentUpdate := update.Document
			if documentUpdate.Included {
				scheduleUuids = self.includeWithLock(documents, &protocol.DocumentState{
					Document: documentUpdate.Document,
					Meta:     documentUpdate.Meta,
				})
			} else {
				documents, scheduleUuids = self.replaceWithLock(documents, documentUpdate)
			}
		case update.Removed != nil:
			documents = slices.DeleteFunc(documents, func(document *protocol.DocumentState) bool {
				return slices.Contains(update.Removed, document.Uuid())
			})
		case update.Inclusions != nil:
			for _, included := range update.Inclusions {
				scheduleUuids = append(scheduleUuids, self.includeWithLock(documents, included)...)
			}
		default:
			return false
		}
		self.documents = documents
		return true
	}()
	if !changed {
		return
	}

	// never holding the set lock, since the scheduler applies under its own lock
	for _, uuid := range scheduleUuids {
		self.scheduler.Schedule(uuid)
	}
	self.notifyChange()
}

// replaces a primary document by uuid, keeping its decorators and inclusions
func (self *DocumentSet) replaceWithLock(
	documents []*protocol.DocumentState,
	documentUpdate *protocol.DocumentUpdate,
) ([]*protocol.DocumentState, []string) {
	uuid := documentUpdate.Uuid()
	i := slices.IndexFunc(documents, func(document *protocol.DocumentState) bool {
		return document.Uuid() == uuid
	})
	if i < 0 {
		documents = append(documents, &protocol.DocumentState{
			Document: documentUpdate.Document,
			Meta:     documentUpdate.Meta,
		})
		return documents, []string{uuid}
	}
	next := documents[i].Clone()
	next.Document = documentUpdate.Document
	if documentUpdate.Meta != nil {
		next.Meta = documentUpdate.Meta
	}
	documents[i] = next
	return documents, []string{uuid}
}

// attaches an included document to every document that links to it,
// by the same rel the socket uses for the initial inclusions
// returns the uuids of the owning documents
func (self *DocumentSet) includeWithLock(documents []*protocol.DocumentState, included *protocol.DocumentState) []string {
	includedUuid := included.Uuid()
	owners := []string{}
	for i, document := range documents {
		if document.Document == nil {
			continue
		}
		_, isIncluded := document.Included(includedUuid)
		if !isIncluded && !slices.Contains(document.Document.LinkedUuids(self.socket.IncludeRel()), includedUuid) {
			continue
		}
		next := document.Clone()
		j := slices.IndexFunc(next.IncludedDocuments, func(s *protocol.DocumentState) bool {
			return s.Uuid() == includedUuid
		})
		if 0 <= j {
			next.IncludedDocuments[j] = included
		} else {
			next.IncludedDocuments = append(next.IncludedDocuments, included)
		}
		documents[i] = next
		owners = append(owners, document.Uuid())
	}
	if len(owners) == 0 {
		self.debugLog("drop unreferenced inclusion %s", includedUuid)
	}
	return owners
}

// applies a decorated state from the scheduler
// states are replaced, never mutated, so a changed entry no longer matches `source`.
// the change that replaced it has its own update scheduled.
func (self *DocumentSet) applyDecorated(source *protocol.DocumentState, state *protocol.DocumentState) {
	applied := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if !self.active {
			return false
		}
		i := slices.IndexFunc(self.documents, func(document *protocol.DocumentState) bool {
			return document.Uuid() == state.Uuid()
		})
		if i < 0 {
			return false
		}
		if self.documents[i] != source {
			self.debugLog("discard decorated %s, changed since read", state.Uuid())
			return false
		}
		documents := slices.Clone(self.documents)
		documents[i] = state
		self.documents = documents
		return true
	}()
	if applied {
		self.notifyChange()
	}
}

// the current snapshot
func (self *DocumentSet) Documents() []*protocol.DocumentState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.documents
}

func (self *DocumentSet) Get(uuid string) (*protocol.DocumentState, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for _, document := range self.documents {
		if document.Uuid() == uuid {
			return document, true
		}
	}
	return nil, false
}

func (self *DocumentSet) AddChangeCallback(changeCallback DocumentsChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *DocumentSet) notifyChange() {
	self.stateLock.Lock()
	documents := self.documents
	delta := len(documents) - self.publishedCount
	self.publishedCount = len(documents)
	self.stateLock.Unlock()

	documentSetSize.WithLabelValues(self.request.Type).Add(float64(delta))

	for _, changeCallback := range self.changeCallbacks.Get() {
		connect.HandleError(func() {
			changeCallback(documents)
		})
	}
}

func (self *DocumentSet) Close() {
	self.stateLock.Lock()
	if !self.active {
		self.stateLock.Unlock()
		return
	}
	self.active = false
	unsubscribeUpdates := self.unsubscribeUpdates
	self.unsubscribeUpdates = nil
	publishedCount := self.publishedCount
	self.publishedCount = 0
	self.stateLock.Unlock()

	if unsubscribeUpdates != nil {
		unsubscribeUpdates()
	}
	self.unsubscribeReconnect()
	self.scheduler.Stop()
	documentSetSize.WithLabelValues(self.request.Type).Sub(float64(publishedCount))

	ctx, cancel := context.WithTimeout(context.Background(), self.settings.FetchTimeout)
	defer cancel()
	if err := self.socket.CloseDocumentSet(ctx, self.request.SetName); err != nil {
		glog.Infof("[ds]%s close error = %s\n", self.request.SetName, err)
	}
	self.cancel()
	self.changeCallbacks.Clear()
}
