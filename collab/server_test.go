package collab

import (
	"context"
	"flag"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/newsroom-sync/docsync/protocol"
	"github.com/newsroom-sync/docsync/ydoc"
)

func init() {
	flag.Set("logtostderr", "true")
	flag.Set("v", "0")
}

const testCollabToken = "collab-token"

// a fake collaboration server
// each document name has one merged state that all connections share
type testHub struct {
	t      *testing.T
	server *httptest.Server

	upgrader websocket.Upgrader

	stateLock sync.Mutex
	docs      map[string]*ydoc.Doc
	conns     map[string][]*testHubConn
	stateless []string
	// stop acknowledging updates
	holdAcks bool
	// refuse new connections
	refuse bool
}

type testHubConn struct {
	name      string
	ws        *websocket.Conn
	writeLock sync.Mutex
}

func (self *testHubConn) send(message any) {
	frame := protocol.RequireToFrame("", message)
	frame.DocumentName = self.name
	self.writeLock.Lock()
	defer self.writeLock.Unlock()
	self.ws.WriteMessage(websocket.BinaryMessage, frame.Marshal())
}

func newTestHub(t *testing.T) *testHub {
	hub := &testHub{
		t:     t,
		docs:  map[string]*ydoc.Doc{},
		conns: map[string][]*testHubConn{},
	}
	router := mux.NewRouter()
	router.HandleFunc("/collab", hub.handleWs)
	hub.server = httptest.NewServer(router)
	t.Cleanup(hub.server.Close)
	return hub
}

func (self *testHub) Url() string {
	return "ws" + strings.TrimPrefix(self.server.URL, "http") + "/collab"
}

func (self *testHub) doc(name string) *ydoc.Doc {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	doc, ok := self.docs[name]
	if !ok {
		doc = ydoc.NewDoc()
		self.docs[name] = doc
	}
	return doc
}

func (self *testHub) connCount(name string) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.conns[name])
}

func (self *testHub) statelessPayloads() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return append([]string{}, self.stateless...)
}

func (self *testHub) setHoldAcks(holdAcks bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.holdAcks = holdAcks
}

func (self *testHub) setRefuse(refuse bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.refuse = refuse
}

// closes every open connection for the document
func (self *testHub) drop(name string) {
	self.stateLock.Lock()
	conns := append([]*testHubConn{}, self.conns[name]...)
	self.stateLock.Unlock()
	for _, conn := range conns {
		conn.ws.Close()
	}
}

func (self *testHub) broadcast(name string, from *testHubConn, message any) {
	self.stateLock.Lock()
	conns := append([]*testHubConn{}, self.conns[name]...)
	self.stateLock.Unlock()
	for _, conn := range conns {
		if conn != from {
			conn.send(message)
		}
	}
}

func (self *testHub) handleWs(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("document")
	self.stateLock.Lock()
	refuse := self.refuse
	self.stateLock.Unlock()
	if refuse {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	conn := &testHubConn{
		name: name,
		ws:   ws,
	}

	_, message, err := ws.ReadMessage()
	if err != nil {
		return
	}
	_, m, err := protocol.DecodeFrame(message)
	if err != nil {
		return
	}
	auth, ok := m.(*protocol.CollabAuth)
	if !ok || auth.Token != testCollabToken {
		conn.send(&protocol.CollabPermissionDenied{Reason: "bad token"})
		return
	}
	conn.send(&protocol.CollabAuthenticated{Scope: "doc_write"})

	self.stateLock.Lock()
	self.conns[name] = append(self.conns[name], conn)
	self.stateLock.Unlock()
	defer func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		conns := self.conns[name]
		for i, c := range conns {
			if c == conn {
				self.conns[name] = append(conns[:i:i], conns[i+1:]...)
				break
			}
		}
	}()

	doc := self.doc(name)
	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if len(message) == 0 {
			continue
		}
		_, m, err := protocol.DecodeFrame(message)
		if err != nil {
			continue
		}
		switch v := m.(type) {
		case *protocol.CollabSyncRequest:
			conn.send(&protocol.CollabSyncState{Update: doc.EncodeStateAsUpdate()})
		case *protocol.CollabUpdate:
			doc.ApplyUpdate(v.Update, nil)
			self.broadcast(name, conn, &protocol.CollabUpdate{Update: v.Update})
			self.stateLock.Lock()
			holdAcks := self.holdAcks
			self.stateLock.Unlock()
			if !holdAcks {
				conn.send(&protocol.CollabSynced{Acked: 1})
			}
		case *protocol.CollabStateless:
			self.stateLock.Lock()
			self.stateless = append(self.stateless, v.Payload)
			self.stateLock.Unlock()
		case *protocol.CollabAuth:
			// re-authentication on the open connection
		}
	}
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	end := time.Now().Add(5 * time.Second)
	for !condition() {
		if end.Before(time.Now()) {
			t.Fatal("timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testRemoteSettings() *RemoteSessionSettings {
	settings := DefaultRemoteSessionSettings()
	settings.ReconnectTimeout = 50 * time.Millisecond
	return settings
}

func getString(doc *ydoc.Doc, mapName string, key string) string {
	m := doc.GetMap(mapName)
	var value string
	doc.View(func(tx *ydoc.Transaction) {
		if v, ok := m.Get(tx, key); ok {
			value, _ = v.(string)
		}
	})
	return value
}

func setString(doc *ydoc.Doc, mapName string, key string, value string) {
	m := doc.GetMap(mapName)
	doc.Transact(nil, func(tx *ydoc.Transaction) {
		m.Set(tx, key, value)
	})
}

// in-memory remote provider
type testRemote struct {
	name string

	stateLock sync.Mutex
	token     string
	status    RemoteStatus
	unsynced  int
	sent      []string
	destroyed bool

	statusCallbacks []RemoteStatusFunction
}

func (self *testRemote) Status() RemoteStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.status
}

func (self *testRemote) setStatus(status RemoteStatus) {
	self.stateLock.Lock()
	self.status = status
	callbacks := append([]RemoteStatusFunction{}, self.statusCallbacks...)
	self.stateLock.Unlock()
	for _, callback := range callbacks {
		callback(status)
	}
}

func (self *testRemote) AddStatusCallback(statusCallback RemoteStatusFunction) func() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.statusCallbacks = append(self.statusCallbacks, statusCallback)
	return func() {}
}

func (self *testRemote) AddStatelessCallback(statelessCallback StatelessFunction) func() {
	return func() {}
}

func (self *testRemote) SendStateless(payload string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.sent = append(self.sent, payload)
	return nil
}

func (self *testRemote) sentPayloads() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return append([]string{}, self.sent...)
}

func (self *testRemote) SetToken(token string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.token = token
}

func (self *testRemote) UnsyncedChanges() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.unsynced
}

func (self *testRemote) Destroy() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.destroyed = true
}

func (self *testRemote) isDestroyed() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.destroyed
}

// records the remotes it generates
type testRemotes struct {
	stateLock sync.Mutex
	remotes   []*testRemote
}

func (self *testRemotes) generate(ctx context.Context, name string, doc *ydoc.Doc, token string) RemoteProvider {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	remote := &testRemote{
		name:  name,
		token: token,
	}
	self.remotes = append(self.remotes, remote)
	return remote
}

func (self *testRemotes) count() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.remotes)
}

func (self *testRemotes) last() *testRemote {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.remotes[len(self.remotes)-1]
}

// in-memory local store
type testLocalStore struct {
	stateLock sync.Mutex
	attaches  int
	cleared   []string
	// when set, attached persistence never reports synced
	neverSync bool
	attachErr error
}

func (self *testLocalStore) Attach(name string, doc *ydoc.Doc) (LocalPersistence, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.attachErr != nil {
		return nil, self.attachErr
	}
	self.attaches += 1
	return &testLocalPersistence{
		store: self,
		name:  name,
	}, nil
}

func (self *testLocalStore) attachCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.attaches
}

func (self *testLocalStore) clearedNames() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return append([]string{}, self.cleared...)
}

type testLocalPersistence struct {
	store *testLocalStore
	name  string
}

func (self *testLocalPersistence) WhenSynced(ctx context.Context) error {
	self.store.stateLock.Lock()
	neverSync := self.store.neverSync
	self.store.stateLock.Unlock()
	if neverSync {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (self *testLocalPersistence) Synced() bool {
	return true
}

func (self *testLocalPersistence) ClearData() error {
	self.store.stateLock.Lock()
	defer self.store.stateLock.Unlock()
	self.store.cleared = append(self.store.cleared, self.name)
	return nil
}

func (self *testLocalPersistence) Destroy() {
}
