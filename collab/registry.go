package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/golang/glog"

	"github.com/newsroom-sync/docsync/ydoc"
)

var ErrInvalidDocumentId = errors.New("Invalid document id.")
var ErrRegistryClosed = errors.New("Registry closed.")

type GetOptions struct {
	// the replicated document to attach. A new document when nil.
	Document   *ydoc.Doc
	Persistent bool
}

type RegistrySettings struct {
	// released clients stay connected this long so a quick re-acquire reuses them
	CleanupDelay time.Duration
	// local data of non-persistent documents is cleared on cleanup
	ClearOnDisconnect bool
	LocalSyncTimeout  time.Duration
}

func DefaultRegistrySettings() *RegistrySettings {
	return &RegistrySettings{
		CleanupDelay:      5 * time.Second,
		ClearOnDisconnect: true,
		LocalSyncTimeout:  DefaultClientSettings().LocalSyncTimeout,
	}
}

type registryEntry struct {
	client       *Client
	refCount     int
	cleanupTimer *time.Timer
}

// pools one client per document
type Registry struct {
	ctx    context.Context
	cancel context.CancelFunc

	localStore      LocalStore
	remoteGenerator RemoteGenerator
	settings        *RegistrySettings

	stateLock sync.Mutex
	token     string
	entries   map[string]*registryEntry

	connectGroup singleflight.Group
}

func NewRegistryWithDefaults(
	ctx context.Context,
	localStore LocalStore,
	remoteGenerator RemoteGenerator,
	token string,
) *Registry {
	return NewRegistry(ctx, localStore, remoteGenerator, token, DefaultRegistrySettings())
}

func NewRegistry(
	ctx context.Context,
	localStore LocalStore,
	remoteGenerator RemoteGenerator,
	token string,
	settings *RegistrySettings,
) *Registry {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Registry{
		ctx:             cancelCtx,
		cancel:          cancel,
		localStore:      localStore,
		remoteGenerator: remoteGenerator,
		settings:        settings,
		token:           token,
		entries:         map[string]*registryEntry{},
	}
}

// each successful get must be paired with one `Release`
func (self *Registry) Get(ctx context.Context, documentId string, options GetOptions) (*Client, error) {
	if _, err := uuid.Parse(documentId); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDocumentId, documentId)
	}

	entry, err := func() (*registryEntry, error) {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.ctx.Err() != nil {
			return nil, ErrRegistryClosed
		}

		entry, ok := self.entries[documentId]
		if ok {
			if entry.cleanupTimer != nil {
				entry.cleanupTimer.Stop()
				entry.cleanupTimer = nil
			}
			entry.refCount += 1
			return entry, nil
		}

		doc := options.Document
		if doc == nil {
			doc = ydoc.NewDoc()
		}
		clientSettings := DefaultClientSettings()
		clientSettings.LocalSyncTimeout = self.settings.LocalSyncTimeout
		clientSettings.Persistent = options.Persistent
		clientSettings.ClearOnDisconnect = self.settings.ClearOnDisconnect
		entry = &registryEntry{
			client: NewClient(
				self.ctx,
				documentId,
				doc,
				self.localStore,
				self.remoteGenerator,
				self.token,
				clientSettings,
			),
			refCount: 1,
		}
		self.entries[documentId] = entry
		pooledClients.Inc()
		return entry, nil
	}()
	if err != nil {
		return nil, err
	}

	// concurrent gets share one connect
	_, err, _ = self.connectGroup.Do(documentId, func() (any, error) {
		err := entry.client.Connect(ctx)
		if err == nil {
			clientConnects.Inc()
		}
		return nil, err
	})
	if err != nil {
		glog.Infof("[registry]%s connect error = %s\n", documentId, err)
		if self.drop(documentId, entry) {
			clientCleanups.WithLabelValues("failed").Inc()
			entry.client.Close()
		}
		return nil, err
	}
	return entry.client, nil
}

// removes the entry if it is still the current one
func (self *Registry) drop(documentId string, entry *registryEntry) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.entries[documentId] != entry {
		return false
	}
	if entry.cleanupTimer != nil {
		entry.cleanupTimer.Stop()
		entry.cleanupTimer = nil
	}
	delete(self.entries, documentId)
	pooledClients.Dec()
	return true
}

// the client is disconnected after the cleanup delay unless it is acquired again
func (self *Registry) Release(documentId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.entries[documentId]
	if !ok {
		return
	}
	entry.refCount -= 1
	if 0 < entry.refCount {
		return
	}
	entry.refCount = 0
	if entry.cleanupTimer == nil {
		entry.cleanupTimer = time.AfterFunc(self.settings.CleanupDelay, func() {
			self.cleanup(documentId, entry)
		})
	}
}

func (self *Registry) cleanup(documentId string, entry *registryEntry) {
	removed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		// a get during the delay took a new reference
		if self.entries[documentId] != entry || 0 < entry.refCount {
			return false
		}
		entry.cleanupTimer = nil
		delete(self.entries, documentId)
		pooledClients.Dec()
		return true
	}()
	if removed {
		glog.V(1).Infof("[registry]%s cleanup\n", documentId)
		clientCleanups.WithLabelValues("released").Inc()
		entry.client.Close()
	}
}

// disconnects the client now regardless of references
func (self *Registry) Remove(documentId string) {
	self.stateLock.Lock()
	entry, ok := self.entries[documentId]
	self.stateLock.Unlock()
	if !ok {
		return
	}
	if self.drop(documentId, entry) {
		clientCleanups.WithLabelValues("removed").Inc()
		entry.client.Close()
	}
}

func (self *Registry) Clear() {
	self.stateLock.Lock()
	documentIds := make([]string, 0, len(self.entries))
	for documentId := range self.entries {
		documentIds = append(documentIds, documentId)
	}
	self.stateLock.Unlock()

	for _, documentId := range documentIds {
		self.Remove(documentId)
	}
}

// pushes the token to every pooled client. New clients connect with it.
func (self *Registry) UpdateAccessToken(token string) {
	self.stateLock.Lock()
	self.token = token
	clients := make([]*Client, 0, len(self.entries))
	for _, entry := range self.entries {
		clients = append(clients, entry.client)
	}
	self.stateLock.Unlock()

	for _, client := range clients {
		client.UpdateAccessToken(token)
	}
}

func (self *Registry) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.entries)
}

func (self *Registry) RefCount(documentId string) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if entry, ok := self.entries[documentId]; ok {
		return entry.refCount
	}
	return 0
}

func (self *Registry) Close() {
	self.cancel()
	self.Clear()
}
