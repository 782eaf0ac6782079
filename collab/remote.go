package collab

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"

	"github.com/newsroom-sync/docsync/connect"
	"github.com/newsroom-sync/docsync/protocol"
	"github.com/newsroom-sync/docsync/ydoc"
)

var ErrRemoteOffline = errors.New("Remote session offline.")
var ErrPermissionDenied = errors.New("Permission denied.")

type RemoteStatus struct {
	Online bool
	// the initial state exchange completed on the current connection
	Synced bool
	// the last authentication was refused. Retried on the next connect.
	PermissionDenied bool
}

type RemoteStatusFunction = func(status RemoteStatus)

type StatelessFunction = func(payload string)

// a document's sync session with the collaboration server
// the session reconnects on its own and reports through its status
type RemoteProvider interface {
	Status() RemoteStatus
	AddStatusCallback(statusCallback RemoteStatusFunction) func()
	AddStatelessCallback(statelessCallback StatelessFunction) func()
	SendStateless(payload string) error
	// the token used on the next connect
	SetToken(token string)
	// local updates the server has not acknowledged
	UnsyncedChanges() int
	Destroy()
}

// creates the remote session for a document
type RemoteGenerator = func(ctx context.Context, name string, doc *ydoc.Doc, token string) RemoteProvider

type RemoteSessionSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	SendBufferSize     int
}

func DefaultRemoteSessionSettings() *RemoteSessionSettings {
	return &RemoteSessionSettings{
		WsHandshakeTimeout: 5 * time.Second,
		AuthTimeout:        5 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        10 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        60 * time.Second,
		SendBufferSize:     32,
	}
}

func NewRemoteGenerator(collabUrl string, settings *RemoteSessionSettings) RemoteGenerator {
	return func(ctx context.Context, name string, doc *ydoc.Doc, token string) RemoteProvider {
		return NewRemoteSession(ctx, collabUrl, name, doc, token, settings)
	}
}

// websocket remote session
//
// connect: auth -> sync request -> sync state, then the local state is sent back.
// local updates made while offline are replayed over the sync state before
// the local state is sent, so they win over the server copy.
// after that, incremental updates flow both ways and the server acknowledges
// local updates with synced messages.
type RemoteSession struct {
	ctx    context.Context
	cancel context.CancelFunc

	collabUrl string
	name      string
	doc       *ydoc.Doc
	// updates applied from the server carry this origin and are not sent back
	origin   *ydoc.RemoteOrigin
	settings *RemoteSessionSettings

	stateLock sync.Mutex
	token     string
	status    RemoteStatus
	unsynced  int
	// local updates that never reached a connection, replayed over the next sync state
	offline [][]byte
	// nil when offline
	send chan []byte

	statusCallbacks    *connect.CallbackList[RemoteStatusFunction]
	statelessCallbacks *connect.CallbackList[StatelessFunction]

	unsubscribeDoc func()
}

func NewRemoteSessionWithDefaults(
	ctx context.Context,
	collabUrl string,
	name string,
	doc *ydoc.Doc,
	token string,
) *RemoteSession {
	return NewRemoteSession(ctx, collabUrl, name, doc, token, DefaultRemoteSessionSettings())
}

func NewRemoteSession(
	ctx context.Context,
	collabUrl string,
	name string,
	doc *ydoc.Doc,
	token string,
	settings *RemoteSessionSettings,
) *RemoteSession {
	cancelCtx, cancel := context.WithCancel(ctx)
	session := &RemoteSession{
		ctx:                cancelCtx,
		cancel:             cancel,
		collabUrl:          collabUrl,
		name:               name,
		doc:                doc,
		origin:             &ydoc.RemoteOrigin{Name: "remote:" + name},
		settings:           settings,
		token:              token,
		statusCallbacks:    connect.NewCallbackList[RemoteStatusFunction](),
		statelessCallbacks: connect.NewCallbackList[StatelessFunction](),
	}
	session.unsubscribeDoc = doc.OnUpdate(session.localUpdate)
	go session.run()
	return session
}

func (self *RemoteSession) Status() RemoteStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.status
}

func (self *RemoteSession) AddStatusCallback(statusCallback RemoteStatusFunction) func() {
	callbackId := self.statusCallbacks.Add(statusCallback)
	return func() {
		self.statusCallbacks.Remove(callbackId)
	}
}

func (self *RemoteSession) AddStatelessCallback(statelessCallback StatelessFunction) func() {
	callbackId := self.statelessCallbacks.Add(statelessCallback)
	return func() {
		self.statelessCallbacks.Remove(callbackId)
	}
}

func (self *RemoteSession) SetToken(token string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.token = token
}

func (self *RemoteSession) UnsyncedChanges() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.unsynced
}

func (self *RemoteSession) SendStateless(payload string) error {
	return self.sendMessage(&protocol.CollabStateless{Payload: payload}, false)
}

func (self *RemoteSession) Destroy() {
	self.cancel()
	self.unsubscribeDoc()
	self.statusCallbacks.Clear()
	self.statelessCallbacks.Clear()
}

func (self *RemoteSession) run() {
	defer self.cancel()

	for {
		reconnect := connect.NewReconnect(self.settings.ReconnectTimeout)

		ws, err := self.connect()
		if err != nil {
			glog.Infof("[remote]%s connect error = %s\n", self.name, err)
			self.setStatus(func(status *RemoteStatus) {
				status.Online = false
				status.Synced = false
				status.PermissionDenied = errors.Is(err, ErrPermissionDenied)
			})
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		self.handle(ws)

		self.setStatus(func(status *RemoteStatus) {
			status.Online = false
			status.Synced = false
		})
		reconnect = connect.NewReconnect(self.settings.ReconnectTimeout)
		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

// dials and authenticates
func (self *RemoteSession) connect() (*websocket.Conn, error) {
	self.stateLock.Lock()
	token := self.token
	self.stateLock.Unlock()

	u, err := url.Parse(self.collabUrl)
	if err != nil {
		return nil, err
	}
	query := u.Query()
	query.Set("document", self.name)
	u.RawQuery = query.Encode()

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	authBytes, err := self.encode(&protocol.CollabAuth{Token: token})
	if err != nil {
		return nil, err
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.BinaryMessage, authBytes); err != nil {
		return nil, err
	}
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	messageType, message, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if messageType != websocket.BinaryMessage {
		return nil, fmt.Errorf("Auth response error.")
	}
	_, m, err := protocol.DecodeFrame(message)
	if err != nil {
		return nil, err
	}
	switch v := m.(type) {
	case *protocol.CollabAuthenticated:
		glog.V(1).Infof("[remote]%s authenticated %s\n", self.name, v.Scope)
	case *protocol.CollabPermissionDenied:
		return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, v.Reason)
	default:
		return nil, fmt.Errorf("Auth response error: %T.", m)
	}

	success = true
	return ws, nil
}

func (self *RemoteSession) handle(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	send := make(chan []byte, self.settings.SendBufferSize)

	self.stateLock.Lock()
	self.send = send
	self.status.Online = true
	self.status.PermissionDenied = false
	status := self.status
	self.stateLock.Unlock()
	self.notifyStatus(status)

	defer func() {
		self.stateLock.Lock()
		if self.send == send {
			self.send = nil
		}
		self.stateLock.Unlock()
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message := <-send:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
					// note that for websocket a dealine timeout cannot be recovered
					glog.Infof("[remote]%s-> error = %s\n", self.name, err)
					return
				}
				glog.V(2).Infof("[remote]%s->\n", self.name)
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		defer handleCancel()

		for {
			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				if handleCtx.Err() == nil {
					glog.Infof("[remote]%s<- error = %s\n", self.name, err)
				}
				return
			}

			switch messageType {
			case websocket.BinaryMessage:
				if 0 == len(message) {
					// ping
					continue
				}
				frame, m, err := protocol.DecodeFrame(message)
				if err != nil {
					glog.Infof("[remote]%s<- bad frame = %s\n", self.name, err)
					continue
				}
				if frame.DocumentName != "" && frame.DocumentName != self.name {
					continue
				}
				if !self.receive(m) {
					return
				}
			default:
				glog.V(2).Infof("[remote]%s<- other=%d\n", self.name, messageType)
			}
		}
	}()

	if err := self.sendMessage(&protocol.CollabSyncRequest{}, false); err != nil {
		return
	}

	<-handleCtx.Done()
}

// returns false to drop the connection
func (self *RemoteSession) receive(message any) bool {
	switch v := message.(type) {
	case *protocol.CollabSyncState:
		self.stateLock.Lock()
		offline := self.offline
		self.offline = nil
		self.stateLock.Unlock()
		restoreOffline := func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			self.offline = append(offline, self.offline...)
		}

		if err := self.doc.ApplyUpdate(v.Update, self.origin); err != nil {
			glog.Infof("[remote]%s bad sync state = %s\n", self.name, err)
			restoreOffline()
			return false
		}
		for _, update := range offline {
			if err := self.doc.ApplyUpdate(update, self.origin); err != nil {
				glog.Infof("[remote]%s bad offline update = %s\n", self.name, err)
			}
		}
		// the server merges the local state, which now carries the offline changes
		self.stateLock.Lock()
		self.unsynced = 0
		self.stateLock.Unlock()
		if err := self.sendMessage(&protocol.CollabUpdate{Update: self.doc.EncodeStateAsUpdate()}, true); err != nil {
			restoreOffline()
			return false
		}
		glog.V(1).Infof("[remote]%s synced with %d offline updates\n", self.name, len(offline))
		self.setStatus(func(status *RemoteStatus) {
			status.Synced = true
		})
	case *protocol.CollabUpdate:
		if err := self.doc.ApplyUpdate(v.Update, self.origin); err != nil {
			glog.Infof("[remote]%s bad update = %s\n", self.name, err)
		}
	case *protocol.CollabSynced:
		self.stateLock.Lock()
		self.unsynced = max(0, self.unsynced-v.Acked)
		self.stateLock.Unlock()
	case *protocol.CollabStateless:
		for _, statelessCallback := range self.statelessCallbacks.Get() {
			connect.HandleError(func() {
				statelessCallback(v.Payload)
			})
		}
	case *protocol.CollabPermissionDenied:
		glog.Infof("[remote]%s permission denied = %s\n", self.name, v.Reason)
		self.setStatus(func(status *RemoteStatus) {
			status.PermissionDenied = true
		})
		return false
	default:
		glog.V(2).Infof("[remote]%s drop %T\n", self.name, message)
	}
	return true
}

func (self *RemoteSession) localUpdate(update []byte, origin any) {
	if origin == any(self.origin) {
		return
	}
	self.stateLock.Lock()
	online := self.send != nil
	if !online {
		self.unsynced += 1
		self.offline = append(self.offline, update)
	}
	self.stateLock.Unlock()
	if !online {
		return
	}
	if err := self.sendMessage(&protocol.CollabUpdate{Update: update}, true); err != nil {
		glog.V(1).Infof("[remote]%s update not sent = %s\n", self.name, err)
		if errors.Is(err, ErrRemoteOffline) {
			// never queued on a connection
			self.stateLock.Lock()
			self.offline = append(self.offline, update)
			self.stateLock.Unlock()
		}
	}
}

// `counted` messages are acknowledged by the server
func (self *RemoteSession) sendMessage(message any, counted bool) error {
	b, err := self.encode(message)
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	send := self.send
	if counted {
		self.unsynced += 1
	}
	self.stateLock.Unlock()

	if send == nil {
		return ErrRemoteOffline
	}
	select {
	case <-self.ctx.Done():
		return self.ctx.Err()
	case send <- b:
		return nil
	case <-time.After(self.settings.WriteTimeout):
		return ErrRemoteOffline
	}
}

func (self *RemoteSession) encode(message any) ([]byte, error) {
	frame, err := protocol.ToFrame(connect.NewId().String(), message)
	if err != nil {
		return nil, err
	}
	frame.DocumentName = self.name
	return frame.Marshal(), nil
}

func (self *RemoteSession) setStatus(update func(status *RemoteStatus)) {
	self.stateLock.Lock()
	previous := self.status
	update(&self.status)
	status := self.status
	self.stateLock.Unlock()
	if status != previous {
		self.notifyStatus(status)
	}
}

func (self *RemoteSession) notifyStatus(status RemoteStatus) {
	for _, statusCallback := range self.statusCallbacks.Get() {
		connect.HandleError(func() {
			statusCallback(status)
		})
	}
}
