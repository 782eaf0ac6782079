package repository

import (
	"encoding/json"
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
)

func init() {
	flag.Set("logtostderr", "true")
	flag.Set("v", "0")
}

const testSocketToken = "socket-token"
const testCredential = "session-credential"

// a fake repository with the http api and the document socket
type testServer struct {
	t      *testing.T
	server *httptest.Server

	upgrader websocket.Upgrader

	stateLock sync.Mutex
	conns     []*testConn
	// connections still being served
	openConns int
	// number of socket tokens issued
	tokens        int
	authenticates int
	// set name -> number of get documents calls
	gets   map[string]int
	closes []string
	// type -> documents
	documents  map[string][]*protocol.DocumentState
	inclusions []*protocol.DocumentState
	// updates sent before the handled marker, without a call id
	earlyUpdates []*protocol.DocumentUpdate
	// authenticate fails with a call id
	rejectAuthenticate bool
	// authenticate fails without a call id
	rejectAuthenticateUnmatched bool
	// get documents is never answered
	holdGetDocuments bool
	authorizations   []string
}

func newTestServer(t *testing.T) *testServer {
	server := &testServer{
		t:         t,
		gets:      map[string]int{},
		documents: map[string][]*protocol.DocumentState{},
	}

	router := mux.NewRouter()
	router.HandleFunc("/twirp/elephant.repository.Documents/GetSocketToken", server.handleSocketToken).Methods("POST")
	router.HandleFunc("/twirp/elephant.repository.Documents/BulkGet", server.handleBulkGet).Methods("POST")
	router.HandleFunc("/twirp/elephant.repository.Metrics/GetMetrics", server.handleMetrics).Methods("POST")
	router.HandleFunc("/documents/{uuid}/status", server.handleStatus).Methods("GET")
	router.HandleFunc("/ws", server.handleWs)

	server.server = httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func (self *testServer) Url() string {
	return self.server.URL
}

func (self *testServer) SocketUrl() string {
	return "ws" + strings.TrimPrefix(self.server.URL, "http") + "/ws"
}

func (self *testServer) Close() {
	self.stateLock.Lock()
	conns := self.conns
	self.stateLock.Unlock()
	for _, conn := range conns {
		conn.ws.Close()
	}
	self.server.Close()
}

func (self *testServer) setDocuments(documentType string, documents ...*protocol.DocumentState) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.documents[documentType] = documents
}

func (self *testServer) lastConn() *testConn {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if len(self.conns) == 0 {
		return nil
	}
	return self.conns[len(self.conns)-1]
}

func (self *testServer) counts() (tokens int, authenticates int, conns int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.tokens, self.authenticates, len(self.conns)
}

func (self *testServer) openCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.openConns
}

func (self *testServer) getCount(setName string) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.gets[setName]
}

func (self *testServer) closedSets() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return append([]string{}, self.closes...)
}

func (self *testServer) writeJson(w http.ResponseWriter, r *http.Request, result any) {
	self.stateLock.Lock()
	self.authorizations = append(self.authorizations, r.Header.Get("Authorization"))
	self.stateLock.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func (self *testServer) handleSocketToken(w http.ResponseWriter, r *http.Request) {
	self.stateLock.Lock()
	self.tokens += 1
	self.stateLock.Unlock()
	self.writeJson(w, r, &SocketTokenResult{Token: testSocketToken})
}

func (self *testServer) handleBulkGet(w http.ResponseWriter, r *http.Request) {
	args := &BulkGetArgs{}
	if err := json.NewDecoder(r.Body).Decode(args); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	items := []*protocol.DocumentState{}
	for _, ref := range args.Documents {
		items = append(items, &protocol.DocumentState{
			Document: &protocol.Document{Uuid: ref.Uuid, Type: "core/article"},
			Meta:     &protocol.DocumentMeta{Version: ref.Version},
		})
	}
	self.writeJson(w, r, &BulkGetResult{Items: items})
}

func (self *testServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	args := &MetricsArgs{}
	if err := json.NewDecoder(r.Body).Decode(args); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	documents := map[string][]*protocol.Metric{}
	for _, uuid := range args.Uuids {
		for _, kind := range args.Kinds {
			documents[uuid] = append(documents[uuid], &protocol.Metric{Kind: kind, Value: int64(len(uuid))})
		}
	}
	self.writeJson(w, r, &MetricsResult{Documents: documents})
}

func (self *testServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	uuid := mux.Vars(r)["uuid"]
	if uuid == "missing" {
		http.Error(w, "document not found", http.StatusNotFound)
		return
	}
	self.writeJson(w, r, &StatusResult{
		Uuid: uuid,
		Statuses: map[string]*Status{
			"usable": {Name: "usable", Version: 3},
		},
	})
}

func (self *testServer) handleWs(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("token") != testSocketToken {
		http.Error(w, "bad token", http.StatusUnauthorized)
		return
	}
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &testConn{
		ws: ws,
	}
	self.stateLock.Lock()
	self.conns = append(self.conns, conn)
	self.openConns += 1
	self.stateLock.Unlock()
	defer func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.openConns -= 1
	}()

	defer ws.Close()
	for {
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage || len(message) == 0 {
			continue
		}
		frame, m, err := protocol.DecodeFrame(message)
		if err != nil {
			self.t.Errorf("bad frame: %s", err)
			return
		}
		self.handleMessage(conn, frame, m)
	}
}

func (self *testServer) handleMessage(conn *testConn, frame *protocol.Frame, message any) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	switch v := message.(type) {
	case *protocol.Authenticate:
		self.authenticates += 1
		switch {
		case v.Token != testCredential || self.rejectAuthenticate:
			conn.send(frame.CallId, &protocol.Error{Code: "unauthenticated", Message: "bad credential"})
		case self.rejectAuthenticateUnmatched:
			conn.send("", &protocol.Error{Code: "unauthenticated", Message: "bad credential"})
		default:
			conn.send(frame.CallId, &protocol.AuthenticateResult{Subject: "core://user/1"})
		}
	case *protocol.GetDocuments:
		self.gets[v.SetName] += 1
		if self.holdGetDocuments {
			return
		}
		for _, update := range self.earlyUpdates {
			earlyUpdate := *update
			earlyUpdate.SetName = v.SetName
			conn.send("", &earlyUpdate)
		}
		conn.send(frame.CallId, &protocol.DocumentBatch{
			SetName:   v.SetName,
			Documents: self.documents[v.Type],
		})
		if 0 < len(self.inclusions) {
			conn.send(frame.CallId, &protocol.InclusionBatch{
				SetName:   v.SetName,
				Documents: self.inclusions,
			})
		}
		conn.send(frame.CallId, &protocol.Handled{SetName: v.SetName})
	case *protocol.CloseDocumentSet:
		self.closes = append(self.closes, v.SetName)
	}
}

type testConn struct {
	writeLock sync.Mutex
	ws        *websocket.Conn
}

func (self *testConn) send(callId string, message any) error {
	b, err := protocol.EncodeFrame(callId, message)
	if err != nil {
		return err
	}
	self.writeLock.Lock()
	defer self.writeLock.Unlock()
	return self.ws.WriteMessage(websocket.BinaryMessage, b)
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

func testSocketSettings() *SocketSettings {
	settings := DefaultSocketSettings()
	settings.ReconnectTimeout = 50 * time.Millisecond
	return settings
}

func document(uuid string, title string, links ...*protocol.Block) *protocol.DocumentState {
	return &protocol.DocumentState{
		Document: &protocol.Document{
			Uuid:  uuid,
			Type:  "core/planning-item",
			Title: title,
			Meta: []*protocol.Block{
				{
					Type:  "core/assignment",
					Links: links,
				},
			},
		},
		Meta: &protocol.DocumentMeta{
			Version: 1,
		},
	}
}

func deliverable(uuid string) *protocol.Block {
	return &protocol.Block{
		Rel:  "deliverable",
		Type: "core/article",
		Uuid: uuid,
	}
}
