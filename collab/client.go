package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/newsroom-sync/docsync/connect"
	"github.com/newsroom-sync/docsync/ydoc"
)

const ContentMapName = "ele"
const ContextMapName = "ctx"
const ReadyKey = "ready"

type ClientStatus struct {
	RemoteOnline bool
	RemoteSynced bool
	LocalOnline  bool
	// the document carries the ready marker in its context map
	Ready bool
}

type ClientStatusFunction = func(status ClientStatus)

type connectState int

const (
	connectStateDisconnected connectState = iota
	connectStateConnecting
	connectStateConnected
)

type ClientSettings struct {
	LocalSyncTimeout time.Duration
	SkipLocal        bool
	// persistent documents keep their local data on disconnect
	Persistent bool
	// clear local data on disconnect when nothing is left to sync
	ClearOnDisconnect bool
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		LocalSyncTimeout:  10 * time.Second,
		ClearOnDisconnect: true,
	}
}

// one replicated document attached to the local store and the remote session
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	name            string
	doc             *ydoc.Doc
	localStore      LocalStore
	remoteGenerator RemoteGenerator
	settings        *ClientSettings

	stateLock         sync.Mutex
	connectState      connectState
	token             string
	local             LocalPersistence
	remote            RemoteProvider
	unsubscribeRemote func()
	status            ClientStatus

	statusCallbacks *connect.CallbackList[ClientStatusFunction]

	unsubscribeReady func()
}

// `localStore` and `remoteGenerator` may be nil
func NewClient(
	ctx context.Context,
	name string,
	doc *ydoc.Doc,
	localStore LocalStore,
	remoteGenerator RemoteGenerator,
	token string,
	settings *ClientSettings,
) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)
	client := &Client{
		ctx:             cancelCtx,
		cancel:          cancel,
		name:            name,
		doc:             doc,
		localStore:      localStore,
		remoteGenerator: remoteGenerator,
		settings:        settings,
		token:           token,
		statusCallbacks: connect.NewCallbackList[ClientStatusFunction](),
	}
	client.status.Ready = client.readReady()
	client.unsubscribeReady = doc.GetMap(ContextMapName).ObserveDeep(func(events []*ydoc.Event) {
		ready := client.readReady()
		client.setStatus(func(status *ClientStatus) {
			status.Ready = ready
		})
	})
	return client
}

func (self *Client) Name() string {
	return self.name
}

func (self *Client) Doc() *ydoc.Doc {
	return self.doc
}

func (self *Client) Persistent() bool {
	return self.settings.Persistent
}

// a no-op while connecting or connected
func (self *Client) Connect(ctx context.Context) error {
	self.stateLock.Lock()
	if self.connectState != connectStateDisconnected {
		self.stateLock.Unlock()
		return nil
	}
	if self.ctx.Err() != nil {
		self.stateLock.Unlock()
		return self.ctx.Err()
	}
	self.connectState = connectStateConnecting
	token := self.token
	self.stateLock.Unlock()

	glog.V(1).Infof("[collab]%s connect\n", self.name)

	var local LocalPersistence
	if self.localStore != nil && !self.settings.SkipLocal {
		var err error
		local, err = self.attachLocal(ctx)
		if err != nil {
			self.stateLock.Lock()
			self.connectState = connectStateDisconnected
			self.stateLock.Unlock()
			return fmt.Errorf("Local persistence error: %w", err)
		}
	}

	var remote RemoteProvider
	if self.remoteGenerator != nil {
		remote = self.remoteGenerator(self.ctx, self.name, self.doc, token)
	}

	self.stateLock.Lock()
	if self.connectState != connectStateConnecting {
		// disconnected while attaching
		self.stateLock.Unlock()
		if remote != nil {
			remote.Destroy()
		}
		if local != nil {
			local.Destroy()
		}
		return nil
	}
	self.connectState = connectStateConnected
	self.local = local
	self.remote = remote
	if remote != nil {
		self.unsubscribeRemote = remote.AddStatusCallback(self.remoteStatusChanged)
	}
	self.stateLock.Unlock()

	var remoteStatus RemoteStatus
	if remote != nil {
		remoteStatus = remote.Status()
	}
	self.setStatus(func(status *ClientStatus) {
		status.LocalOnline = local != nil
		status.RemoteOnline = remoteStatus.Online
		status.RemoteSynced = remoteStatus.Synced
	})
	return nil
}

func (self *Client) attachLocal(ctx context.Context) (LocalPersistence, error) {
	local, err := self.localStore.Attach(self.name, self.doc)
	if err != nil {
		return nil, err
	}
	syncCtx, syncCancel := context.WithTimeout(ctx, self.settings.LocalSyncTimeout)
	defer syncCancel()
	if err := local.WhenSynced(syncCtx); err != nil {
		local.Destroy()
		return nil, err
	}
	return local, nil
}

func (self *Client) remoteStatusChanged(remoteStatus RemoteStatus) {
	self.setStatus(func(status *ClientStatus) {
		status.RemoteOnline = remoteStatus.Online
		status.RemoteSynced = remoteStatus.Synced
	})
}

func (self *Client) readReady() bool {
	ready := false
	contextMap := self.doc.GetMap(ContextMapName)
	self.doc.View(func(tx *ydoc.Transaction) {
		if v, ok := contextMap.Get(tx, ReadyKey); ok {
			ready, _ = v.(bool)
		}
	})
	return ready
}

func (self *Client) Status() ClientStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.status
}

// the callback receives the current status immediately and then every change
func (self *Client) AddStatusCallback(statusCallback ClientStatusFunction) func() {
	callbackId := self.statusCallbacks.Add(statusCallback)
	statusCallback(self.Status())
	return func() {
		self.statusCallbacks.Remove(callbackId)
	}
}

func (self *Client) setStatus(update func(status *ClientStatus)) {
	self.stateLock.Lock()
	previous := self.status
	update(&self.status)
	status := self.status
	self.stateLock.Unlock()

	if status == previous {
		return
	}
	glog.V(2).Infof("[collab]%s status %+v\n", self.name, status)
	for _, statusCallback := range self.statusCallbacks.Get() {
		connect.HandleError(func() {
			statusCallback(status)
		})
	}
}

// local changes the remote has not acknowledged
func (self *Client) UnsyncedChanges() int {
	self.stateLock.Lock()
	remote := self.remote
	self.stateLock.Unlock()
	if remote == nil {
		return 0
	}
	return remote.UnsyncedChanges()
}

// re-authenticates the active remote session without reconnecting
func (self *Client) UpdateAccessToken(token string) {
	self.stateLock.Lock()
	self.token = token
	remote := self.remote
	connected := self.connectState == connectStateConnected
	self.stateLock.Unlock()

	if remote == nil {
		return
	}
	remote.SetToken(token)
	if connected {
		if err := self.Send("token", token); err != nil {
			glog.Infof("[collab]%s token update error = %s\n", self.name, err)
		}
	}
}

// runs `fn` as one batch against the content map
func (self *Client) Transact(fn func(tx *ydoc.Transaction, content *ydoc.Map)) {
	content := self.doc.GetMap(ContentMapName)
	self.doc.Transact(self, func(tx *ydoc.Transaction) {
		fn(tx, content)
	})
}

func (self *Client) AddStatelessCallback(statelessCallback StatelessFunction) func() {
	self.stateLock.Lock()
	remote := self.remote
	self.stateLock.Unlock()
	if remote == nil {
		return func() {}
	}
	return remote.AddStatelessCallback(statelessCallback)
}

// sends `{key: payload}` as one stateless message
func (self *Client) Send(key string, payload any) error {
	self.stateLock.Lock()
	remote := self.remote
	self.stateLock.Unlock()

	if remote == nil {
		glog.Warningf("[collab]%s send \"%s\" without a remote session\n", self.name, key)
		return nil
	}

	b, err := json.Marshal(map[string]any{
		key: payload,
	})
	if err != nil {
		return err
	}
	return remote.SendStateless(string(b))
}

// local data is cleared only when the document is not persistent and the
// server acknowledged every local change. Another process syncing the same
// store can still lose data here.
func (self *Client) Disconnect() {
	self.stateLock.Lock()
	if self.connectState == connectStateDisconnected {
		self.stateLock.Unlock()
		return
	}
	self.connectState = connectStateDisconnected
	local := self.local
	remote := self.remote
	unsubscribeRemote := self.unsubscribeRemote
	self.local = nil
	self.remote = nil
	self.unsubscribeRemote = nil
	self.stateLock.Unlock()

	glog.V(1).Infof("[collab]%s disconnect\n", self.name)

	unsynced := 0
	if remote != nil {
		unsubscribeRemote()
		unsynced = remote.UnsyncedChanges()
		remote.Destroy()
	}
	if local != nil {
		if !self.settings.Persistent && unsynced == 0 && self.settings.ClearOnDisconnect {
			if err := local.ClearData(); err != nil {
				glog.Infof("[collab]%s clear error = %s\n", self.name, err)
			}
		}
		local.Destroy()
	}

	self.setStatus(func(status *ClientStatus) {
		status.RemoteOnline = false
		status.RemoteSynced = false
		status.LocalOnline = false
	})
}

// disconnects and releases the document
func (self *Client) Close() {
	self.Disconnect()
	self.cancel()
	self.unsubscribeReady()
	self.statusCallbacks.Clear()
}
