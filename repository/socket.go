package repository

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
)

var ErrNotConnected = errors.New("Not connected.")
var ErrNotAuthenticated = errors.New("Not authenticated.")
var ErrSocketClosed = errors.New("Socket closed.")

type SocketState int

const (
	SocketStateDisconnected SocketState = iota
	SocketStateConnecting
	// transport open, not yet authenticated
	SocketStateConnected
	SocketStateAuthenticated
)

func (self SocketState) String() string {
	switch self {
	case SocketStateDisconnected:
		return "disconnected"
	case SocketStateConnecting:
		return "connecting"
	case SocketStateConnected:
		return "connected"
	case SocketStateAuthenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("SocketState(%d)", int(self))
	}
}

type SocketStateFunction = func(state SocketState)

type ReconnectFunction = func()

type UpdateFunction = func(update *Update)

// issues the short-lived token carried on the socket url
type TokenSource interface {
	SocketToken(ctx context.Context) (string, error)
}

type SocketSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	SendBufferSize     int
	// links with this rel correlate included documents to their owning document
	IncludeRel string
}

func DefaultSocketSettings() *SocketSettings {
	return &SocketSettings{
		WsHandshakeTimeout: 5 * time.Second,
		AuthTimeout:        10 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        10 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        60 * time.Second,
		SendBufferSize:     16,
		IncludeRel:         "deliverable",
	}
}

// an unsolicited change to a document set
type Update struct {
	SetName string
	// a changed primary or included document
	Document *protocol.DocumentUpdate
	// uuids removed from the set
	Removed []string
	// included documents pushed to the set
	Inclusions []*protocol.DocumentState
}

type GetDocumentsRequest = protocol.GetDocuments

type DocumentsResult struct {
	SetName   string
	Documents []*protocol.DocumentState

	subscription *subscription
}

// registers a handler for updates to the set
// updates that arrived before the first handler are delivered to it in order
func (self *DocumentsResult) OnUpdate(updateCallback UpdateFunction) func() {
	return self.subscription.addUpdateCallback(updateCallback)
}

// the repository socket client
//
// Disconnected -> Connecting -> Connected -> Authenticated -> Disconnected
//
// after a close that was not requested, the socket reconnects after `ReconnectTimeout`
// while reconnect is enabled and a credential is held, then re-authenticates
// and notifies the reconnect callbacks so that dependents can re-subscribe
type Socket struct {
	ctx    context.Context
	cancel context.CancelFunc

	socketUrl   string
	tokenSource TokenSource
	settings    *SocketSettings

	stateLock        sync.Mutex
	state            SocketState
	credential       string
	reconnectEnabled bool
	reconnectTimer   *time.Timer
	conn             *socketConn
	// call id -> call
	pendingCalls map[string]*pendingCall
	// call id -> subscription
	subscriptions map[string]*subscription

	stateCallbacks     *connect.CallbackList[SocketStateFunction]
	reconnectCallbacks *connect.CallbackList[ReconnectFunction]
}

func NewSocketWithDefaults(ctx context.Context, socketUrl string, tokenSource TokenSource) *Socket {
	return NewSocket(ctx, socketUrl, tokenSource, DefaultSocketSettings())
}

func NewSocket(ctx context.Context, socketUrl string, tokenSource TokenSource, settings *SocketSettings) *Socket {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Socket{
		ctx:                cancelCtx,
		cancel:             cancel,
		socketUrl:          socketUrl,
		tokenSource:        tokenSource,
		settings:           settings,
		state:              SocketStateDisconnected,
		reconnectEnabled:   true,
		pendingCalls:       map[string]*pendingCall{},
		subscriptions:      map[string]*subscription{},
		stateCallbacks:     connect.NewCallbackList[SocketStateFunction](),
		reconnectCallbacks: connect.NewCallbackList[ReconnectFunction](),
	}
}

func (self *Socket) State() SocketState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

// the session credential sent on the next authenticate
func (self *Socket) SetCredential(credential string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.credential = credential
}

// links with this rel correlate included documents to their owning document
func (self *Socket) IncludeRel() string {
	return self.settings.IncludeRel
}

func (self *Socket) SetReconnectEnabled(reconnectEnabled bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.reconnectEnabled = reconnectEnabled
	if !reconnectEnabled && self.reconnectTimer != nil {
		self.reconnectTimer.Stop()
		self.reconnectTimer = nil
	}
}

func (self *Socket) AddStateCallback(stateCallback SocketStateFunction) func() {
	callbackId := self.stateCallbacks.Add(stateCallback)
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

// called after each automatic reconnect reaches the authenticated state
func (self *Socket) AddReconnectCallback(reconnectCallback ReconnectFunction) func() {
	callbackId := self.reconnectCallbacks.Add(reconnectCallback)
	return func() {
		self.reconnectCallbacks.Remove(callbackId)
	}
}

// opens the transport. This resolves when the transport is open,
// which does not imply the socket is authenticated.
// a call while connecting or connected is a no-op
func (self *Socket) Connect(ctx context.Context, credential string) error {
	self.SetCredential(credential)
	return self.open(ctx)
}

func (self *Socket) open(ctx context.Context) error {
	if self.ctx.Err() != nil {
		return ErrSocketClosed
	}
	if !self.compareAndSetState(SocketStateDisconnected, SocketStateConnecting) {
		return nil
	}

	conn, err := self.dial(ctx)
	if err != nil {
		glog.Infof("[rs]connect error = %s\n", err)
		self.compareAndSetState(SocketStateConnecting, SocketStateDisconnected)
		return err
	}

	success := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.state != SocketStateConnecting || self.ctx.Err() != nil {
			// closed while dialing
			return false
		}
		self.conn = conn
		self.state = SocketStateConnected
		return true
	}()
	if !success {
		conn.cancel()
		conn.ws.Close()
		return ErrSocketClosed
	}
	glog.V(1).Infof("[rs]connected\n")
	self.notifyState(SocketStateConnected)

	go func() {
		<-conn.ctx.Done()
		conn.ws.Close()
	}()
	go self.write(conn)
	go self.read(conn)
	return nil
}

func (self *Socket) dial(ctx context.Context) (*socketConn, error) {
	token, err := self.tokenSource.SocketToken(ctx)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(self.socketUrl)
	if err != nil {
		return nil, err
	}
	query := u.Query()
	query.Set("token", token)
	u.RawQuery = query.Encode()

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}

	connCtx, connCancel := context.WithCancel(self.ctx)
	return &socketConn{
		ctx:    connCtx,
		cancel: connCancel,
		ws:     ws,
		send:   make(chan []byte, self.settings.SendBufferSize),
	}, nil
}

func (self *Socket) write(conn *socketConn) {
	defer conn.cancel()

	for {
		select {
		case <-conn.ctx.Done():
			return
		case message := <-conn.send:
			conn.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
				// note that for websocket a dealine timeout cannot be recovered
				glog.Infof("[rs]-> error = %s\n", err)
				return
			}
			glog.V(2).Infof("[rs]->\n")
		case <-time.After(self.settings.PingTimeout):
			conn.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
				// note that for websocket a dealine timeout cannot be recovered
				return
			}
		}
	}
}

func (self *Socket) read(conn *socketConn) {
	defer self.closeConn(conn)

	for {
		conn.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := conn.ws.ReadMessage()
		if err != nil {
			if conn.ctx.Err() == nil {
				glog.Infof("[rs]<- error = %s\n", err)
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if 0 == len(message) {
				// ping
				glog.V(2).Infof("[rs]ping<-\n")
				continue
			}
			frame, m, err := protocol.DecodeFrame(message)
			if err != nil {
				glog.Infof("[rs]<- bad frame = %s\n", err)
				continue
			}
			socketMessagesReceived.WithLabelValues(frame.MessageType.String()).Inc()
			glog.V(2).Infof("[rs]<- %s %s\n", frame.MessageType, frame.CallId)
			self.dispatch(frame, m)
		default:
			glog.V(2).Infof("[rs]other=%d<-\n", messageType)
		}
	}
}

func (self *Socket) dispatch(frame *protocol.Frame, message any) {
	if frame.CallId != "" {
		self.stateLock.Lock()
		call, ok := self.pendingCalls[frame.CallId]
		self.stateLock.Unlock()
		if ok {
			done, err := call.receive(message)
			if done || err != nil {
				if self.removeCall(call.callId) {
					call.finish(err)
				}
			}
			return
		}
	}

	// no matching call
	switch v := message.(type) {
	case *protocol.Error:
		// an error that matches no call fails a pending authenticate
		glog.Infof("[rs]unmatched error = %s\n", v)
		for _, call := range self.authenticateCalls() {
			if self.removeCall(call.callId) {
				call.finish(v)
			}
		}
	case *protocol.DocumentUpdate:
		self.broadcast(&Update{
			SetName:  v.SetName,
			Document: v,
		})
	case *protocol.Removed:
		self.broadcast(&Update{
			SetName: v.SetName,
			Removed: v.DocumentUuids,
		})
	case *protocol.InclusionBatch:
		self.broadcast(&Update{
			SetName:    v.SetName,
			Inclusions: v.Documents,
		})
	default:
		glog.V(2).Infof("[rs]drop unmatched %s\n", frame.MessageType)
	}
}

func (self *Socket) broadcast(update *Update) {
	self.stateLock.Lock()
	subscriptions := make([]*subscription, 0, len(self.subscriptions))
	for _, subscription := range self.subscriptions {
		subscriptions = append(subscriptions, subscription)
	}
	self.stateLock.Unlock()

	if len(subscriptions) == 0 {
		socketDroppedUpdates.WithLabelValues("no_subscribers").Inc()
		return
	}
	for _, subscription := range subscriptions {
		// updates for another set can arrive across a reconnect
		if subscription.setName != update.SetName {
			socketDroppedUpdates.WithLabelValues("set_name").Inc()
			continue
		}
		subscription.deliver(update)
	}
}

func (self *Socket) authenticateCalls() []*pendingCall {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	calls := []*pendingCall{}
	for _, call := range self.pendingCalls {
		if call.authenticate {
			calls = append(calls, call)
		}
	}
	return calls
}

// sends a call and waits for it to finish
func (self *Socket) call(ctx context.Context, conn *socketConn, message any, call *pendingCall) error {
	frame, err := protocol.ToFrame(call.callId, message)
	if err != nil {
		return err
	}

	registered := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.conn != conn {
			return false
		}
		self.pendingCalls[call.callId] = call
		socketPendingCalls.Inc()
		return true
	}()
	if !registered {
		return ErrSocketClosed
	}

	if err := self.send(ctx, conn, frame); err != nil {
		self.removeCall(call.callId)
		return err
	}

	select {
	case <-call.done:
		return call.err
	case <-ctx.Done():
		self.removeCall(call.callId)
		return ctx.Err()
	}
}

// returns true if the call was pending
func (self *Socket) removeCall(callId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if _, ok := self.pendingCalls[callId]; !ok {
		return false
	}
	delete(self.pendingCalls, callId)
	socketPendingCalls.Dec()
	return true
}

func (self *Socket) send(ctx context.Context, conn *socketConn, frame *protocol.Frame) error {
	select {
	case <-conn.ctx.Done():
		return ErrSocketClosed
	case <-ctx.Done():
		return ctx.Err()
	case conn.send <- frame.Marshal():
		socketMessagesSent.WithLabelValues(frame.MessageType.String()).Inc()
		return nil
	}
}

// sends the session credential
// resolves on a matching result, rejects on an error response
func (self *Socket) Authenticate(ctx context.Context) error {
	self.stateLock.Lock()
	conn := self.conn
	state := self.state
	credential := self.credential
	self.stateLock.Unlock()

	if conn == nil || state < SocketStateConnected {
		return ErrNotConnected
	}

	var subject string
	call := newPendingCall()
	call.authenticate = true
	call.receive = func(message any) (bool, error) {
		switch v := message.(type) {
		case *protocol.AuthenticateResult:
			subject = v.Subject
			return true, nil
		case *protocol.Error:
			return true, v
		default:
			return false, nil
		}
	}

	err := self.call(ctx, conn, &protocol.Authenticate{Token: credential}, call)
	if err != nil {
		glog.Infof("[rs]authenticate error = %s\n", err)
		return err
	}

	if !self.compareConnAndSetState(conn, SocketStateAuthenticated) {
		return ErrSocketClosed
	}
	glog.V(1).Infof("[rs]authenticated %s\n", subject)
	return nil
}

// subscribes to a document set
// resolves with the initial documents once the server marks the call handled
func (self *Socket) GetDocuments(ctx context.Context, request *GetDocumentsRequest) (*DocumentsResult, error) {
	self.stateLock.Lock()
	conn := self.conn
	state := self.state
	self.stateLock.Unlock()

	if conn == nil || state != SocketStateAuthenticated {
		return nil, ErrNotAuthenticated
	}

	call := newPendingCall()
	subscription := newSubscription(call.callId, request.SetName)

	documents := []*protocol.DocumentState{}
	inclusions := map[string]*protocol.DocumentState{}
	call.receive = func(message any) (bool, error) {
		switch v := message.(type) {
		case *protocol.DocumentBatch:
			documents = append(documents, v.Documents...)
		case *protocol.InclusionBatch:
			for _, included := range v.Documents {
				inclusions[included.Uuid()] = included
			}
		case *protocol.DocumentUpdate:
			subscription.deliver(&Update{
				SetName:  request.SetName,
				Document: v,
			})
		case *protocol.Removed:
			subscription.deliver(&Update{
				SetName: request.SetName,
				Removed: v.DocumentUuids,
			})
		case *protocol.Handled:
			return true, nil
		case *protocol.Error:
			return true, v
		}
		return false, nil
	}

	registered := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.conn != conn {
			return false
		}
		self.subscriptions[call.callId] = subscription
		return true
	}()
	if !registered {
		return nil, ErrSocketClosed
	}

	if err := self.call(ctx, conn, request, call); err != nil {
		self.removeSubscription(call.callId)
		return nil, err
	}

	attachInclusions(documents, inclusions, self.settings.IncludeRel)
	glog.V(1).Infof("[rs]get documents %s = %d documents, %d inclusions\n", request.SetName, len(documents), len(inclusions))

	return &DocumentsResult{
		SetName:      request.SetName,
		Documents:    documents,
		subscription: subscription,
	}, nil
}

// best effort. This is a no-op when not authenticated.
func (self *Socket) CloseDocumentSet(ctx context.Context, setName string) error {
	self.stateLock.Lock()
	conn := self.conn
	state := self.state
	closed := []*subscription{}
	for callId, subscription := range self.subscriptions {
		if subscription.setName == setName {
			delete(self.subscriptions, callId)
			closed = append(closed, subscription)
		}
	}
	self.stateLock.Unlock()

	for _, subscription := range closed {
		subscription.close()
	}

	if conn == nil || state != SocketStateAuthenticated {
		return nil
	}
	frame, err := protocol.ToFrame(connect.NewId().String(), &protocol.CloseDocumentSet{
		SetName: setName,
	})
	if err != nil {
		return err
	}
	return self.send(ctx, conn, frame)
}

func (self *Socket) removeSubscription(callId string) {
	self.stateLock.Lock()
	subscription, ok := self.subscriptions[callId]
	delete(self.subscriptions, callId)
	self.stateLock.Unlock()
	if ok {
		subscription.close()
	}
}

// closes the current transport without disabling reconnect
// used when a reconnect cannot authenticate
func (self *Socket) dropConn() {
	self.stateLock.Lock()
	conn := self.conn
	self.stateLock.Unlock()
	if conn != nil {
		self.closeConn(conn)
	}
}

// tears down a transport. The call and subscription tables are cleared on every close.
func (self *Socket) closeConn(conn *socketConn) {
	conn.cancel()

	self.stateLock.Lock()
	if self.conn != conn {
		self.stateLock.Unlock()
		return
	}
	self.conn = nil
	self.state = SocketStateDisconnected
	pendingCalls := self.pendingCalls
	self.pendingCalls = map[string]*pendingCall{}
	subscriptions := self.subscriptions
	self.subscriptions = map[string]*subscription{}
	socketPendingCalls.Sub(float64(len(pendingCalls)))
	reconnect := !conn.clean && self.reconnectEnabled && self.credential != "" && self.ctx.Err() == nil
	if reconnect {
		self.scheduleReconnectWithLock()
	}
	self.stateLock.Unlock()

	for _, call := range pendingCalls {
		call.finish(ErrSocketClosed)
	}
	for _, subscription := range subscriptions {
		subscription.close()
	}
	if reconnect {
		glog.Infof("[rs]closed, reconnect in %s\n", self.settings.ReconnectTimeout)
	} else {
		glog.V(1).Infof("[rs]closed\n")
	}
	self.notifyState(SocketStateDisconnected)
}

func (self *Socket) scheduleReconnectWithLock() {
	if self.reconnectTimer != nil {
		self.reconnectTimer.Stop()
	}
	self.reconnectTimer = time.AfterFunc(self.settings.ReconnectTimeout, self.reconnect)
}

func (self *Socket) reconnect() {
	enabled := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.reconnectTimer = nil
		return self.reconnectEnabled && self.credential != "" && self.ctx.Err() == nil
	}()
	if !enabled {
		return
	}

	ctx, cancel := context.WithTimeout(self.ctx, self.settings.AuthTimeout)
	defer cancel()

	if err := self.open(ctx); err != nil {
		glog.Infof("[rs]reconnect error = %s\n", err)
		self.stateLock.Lock()
		if self.reconnectEnabled && self.state == SocketStateDisconnected && self.reconnectTimer == nil && self.ctx.Err() == nil {
			self.scheduleReconnectWithLock()
		}
		self.stateLock.Unlock()
		return
	}
	if err := self.Authenticate(ctx); err != nil {
		// the close schedules the next attempt
		self.dropConn()
		return
	}

	socketReconnects.Inc()
	glog.V(1).Infof("[rs]reconnected\n")
	for _, reconnectCallback := range self.reconnectCallbacks.Get() {
		connect.HandleError(reconnectCallback)
	}
}

// closes the transport cleanly. The socket can be connected again.
func (self *Socket) Disconnect() {
	self.stateLock.Lock()
	conn := self.conn
	if conn != nil {
		conn.clean = true
	}
	if self.reconnectTimer != nil {
		self.reconnectTimer.Stop()
		self.reconnectTimer = nil
	}
	connecting := conn == nil && self.state == SocketStateConnecting
	if connecting {
		self.state = SocketStateDisconnected
	}
	self.stateLock.Unlock()

	if conn != nil {
		self.closeConn(conn)
	} else if connecting {
		self.notifyState(SocketStateDisconnected)
	}
}

func (self *Socket) Close() {
	self.SetReconnectEnabled(false)
	self.Disconnect()
	self.cancel()
}

func (self *Socket) compareAndSetState(expected SocketState, next SocketState) bool {
	self.stateLock.Lock()
	if self.state != expected {
		self.stateLock.Unlock()
		return false
	}
	self.state = next
	self.stateLock.Unlock()
	self.notifyState(next)
	return true
}

func (self *Socket) compareConnAndSetState(conn *socketConn, next SocketState) bool {
	self.stateLock.Lock()
	if self.conn != conn {
		self.stateLock.Unlock()
		return false
	}
	changed := self.state != next
	self.state = next
	self.stateLock.Unlock()
	if changed {
		self.notifyState(next)
	}
	return true
}

func (self *Socket) notifyState(state SocketState) {
	for _, stateCallback := range self.stateCallbacks.Get() {
		connect.HandleError(func() {
			stateCallback(state)
		})
	}
}

type socketConn struct {
	ctx    context.Context
	cancel context.CancelFunc
	ws     *websocket.Conn
	send   chan []byte
	// set under the socket state lock when the close was requested
	clean bool
}

type pendingCall struct {
	callId       string
	authenticate bool
	// runs on the read goroutine. Returns true when the call is complete.
	receive func(message any) (bool, error)

	once sync.Once
	done chan struct{}
	err  error
}

func newPendingCall() *pendingCall {
	return &pendingCall{
		callId: connect.NewId().String(),
		done:   make(chan struct{}),
	}
}

func (self *pendingCall) finish(err error) {
	self.once.Do(func() {
		self.err = err
		close(self.done)
	})
}

type subscription struct {
	callId  string
	setName string

	// held while handlers run, so a flush and a delivery cannot interleave
	deliverLock sync.Mutex

	stateLock sync.Mutex
	buffer    []*Update
	// true after the first handler was added
	flushed bool
	closed  bool

	updateCallbacks *connect.CallbackList[UpdateFunction]
}

func newSubscription(callId string, setName string) *subscription {
	return &subscription{
		callId:          callId,
		setName:         setName,
		buffer:          []*Update{},
		updateCallbacks: connect.NewCallbackList[UpdateFunction](),
	}
}

func (self *subscription) deliver(update *Update) {
	self.deliverLock.Lock()
	defer self.deliverLock.Unlock()

	buffered := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.closed {
			return true
		}
		if !self.flushed {
			self.buffer = append(self.buffer, update)
			return true
		}
		return false
	}()
	if buffered {
		return
	}
	for _, updateCallback := range self.updateCallbacks.Get() {
		connect.HandleError(func() {
			updateCallback(update)
		})
	}
}

func (self *subscription) addUpdateCallback(updateCallback UpdateFunction) func() {
	self.deliverLock.Lock()
	defer self.deliverLock.Unlock()

	callbackId := self.updateCallbacks.Add(updateCallback)

	self.stateLock.Lock()
	buffer := self.buffer
	self.buffer = []*Update{}
	self.flushed = true
	self.stateLock.Unlock()

	for _, update := range buffer {
		connect.HandleError(func() {
			updateCallback(update)
		})
	}

	return func() {
		self.updateCallbacks.Remove(callbackId)
	}
}

func (self *subscription) close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.closed = true
	self.buffer = []*Update{}
}

// adds each inclusion to the documents that link to it with `rel`
// inclusions no document links to are dropped
func attachInclusions(documents []*protocol.DocumentState, inclusions map[string]*protocol.DocumentState, rel string) {
	if len(inclusions) == 0 {
		return
	}
	for _, document := range documents {
		if document.Document == nil {
			continue
		}
		for _, uuid := range document.Document.LinkedUuids(rel) {
			included, ok := inclusions[uuid]
			if !ok {
				continue
			}
			if _, ok := document.Included(uuid); ok {
				continue
			}
			document.IncludedDocuments = append(document.IncludedDocuments, included)
		}
	}
}
