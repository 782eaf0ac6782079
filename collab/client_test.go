package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/newsroom-sync/docsync/ydoc"
)

func newTestClient(ctx context.Context, localStore LocalStore, remotes *testRemotes, settings *ClientSettings) *Client {
	var remoteGenerator RemoteGenerator
	if remotes != nil {
		remoteGenerator = remotes.generate
	}
	return NewClient(ctx, "doc1", ydoc.NewDoc(), localStore, remoteGenerator, "t1", settings)
}

func TestClientConnectIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	localStore := &testLocalStore{}
	remotes := &testRemotes{}
	client := newTestClient(ctx, localStore, remotes, DefaultClientSettings())
	defer client.Close()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := client.Connect(ctx)
			assert.Equal(t, err, nil)
		}()
	}
	wg.Wait()
	err := client.Connect(ctx)
	assert.Equal(t, err, nil)

	assert.Equal(t, localStore.attachCount(), 1)
	assert.Equal(t, remotes.count(), 1)
	assert.Equal(t, remotes.last().token, "t1")
	assert.Equal(t, client.Status().LocalOnline, true)
}

func TestClientLocalSyncTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	localStore := &testLocalStore{neverSync: true}
	remotes := &testRemotes{}
	settings := DefaultClientSettings()
	settings.LocalSyncTimeout = 20 * time.Millisecond
	client := newTestClient(ctx, localStore, remotes, settings)
	defer client.Close()

	err := client.Connect(ctx)
	assert.Equal(t, errors.Is(err, context.DeadlineExceeded), true)
	// the remote is not attached after a local failure
	assert.Equal(t, remotes.count(), 0)

	// a later connect tries again
	localStore.stateLock.Lock()
	localStore.neverSync = false
	localStore.stateLock.Unlock()
	err = client.Connect(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, remotes.count(), 1)
}

func TestClientSkipLocal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	localStore := &testLocalStore{attachErr: errors.New("unavailable")}
	settings := DefaultClientSettings()
	settings.SkipLocal = true
	client := newTestClient(ctx, localStore, &testRemotes{}, settings)
	defer client.Close()

	err := client.Connect(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, client.Status().LocalOnline, false)
}

func TestClientStatus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	remotes := &testRemotes{}
	client := newTestClient(ctx, &testLocalStore{}, remotes, DefaultClientSettings())
	defer client.Close()

	statusLock := sync.Mutex{}
	statuses := []ClientStatus{}
	lastStatus := func() ClientStatus {
		statusLock.Lock()
		defer statusLock.Unlock()
		return statuses[len(statuses)-1]
	}
	client.AddStatusCallback(func(status ClientStatus) {
		statusLock.Lock()
		defer statusLock.Unlock()
		statuses = append(statuses, status)
	})
	// pushed on subscribe
	assert.Equal(t, lastStatus(), ClientStatus{})

	err := client.Connect(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, lastStatus(), ClientStatus{LocalOnline: true})

	remotes.last().setStatus(RemoteStatus{Online: true})
	assert.Equal(t, lastStatus(), ClientStatus{LocalOnline: true, RemoteOnline: true})
	remotes.last().setStatus(RemoteStatus{Online: true, Synced: true})
	assert.Equal(t, lastStatus(), ClientStatus{LocalOnline: true, RemoteOnline: true, RemoteSynced: true})

	// ready follows the context map, not the sync state
	setString(client.Doc(), ContextMapName, "other", "x")
	client.Doc().Transact(nil, func(tx *ydoc.Transaction) {
		client.Doc().GetMap(ContextMapName).Set(tx, ReadyKey, true)
	})
	waitFor(t, func() bool {
		return lastStatus().Ready
	})

	statusLock.Lock()
	count := len(statuses)
	statusLock.Unlock()
	// an unchanged status is not pushed again
	remotes.last().setStatus(RemoteStatus{Online: true, Synced: true})
	statusLock.Lock()
	assert.Equal(t, len(statuses), count)
	statusLock.Unlock()

	client.Disconnect()
	assert.Equal(t, lastStatus(), ClientStatus{Ready: true})
	assert.Equal(t, remotes.last().isDestroyed(), true)
}

func TestClientTransact(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newTestClient(ctx, nil, nil, DefaultClientSettings())
	defer client.Close()

	notifications := 0
	unsubscribe := client.Doc().GetMap(ContentMapName).ObserveDeep(func(events []*ydoc.Event) {
		notifications += 1
	})
	defer unsubscribe()

	client.Transact(func(tx *ydoc.Transaction, content *ydoc.Map) {
		content.Set(tx, "headline", "a")
		content.Set(tx, "byline", "b")
		content.Set(tx, "slugline", "c")
	})
	assert.Equal(t, notifications, 1)
	assert.Equal(t, getString(client.Doc(), ContentMapName, "byline"), "b")
}

func TestClientSend(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	remotes := &testRemotes{}
	client := newTestClient(ctx, nil, remotes, DefaultClientSettings())
	defer client.Close()

	// not attached yet
	err := client.Send("focus", "headline")
	assert.Equal(t, err, nil)

	err = client.Connect(ctx)
	assert.Equal(t, err, nil)
	err = client.Send("focus", map[string]any{"field": "headline"})
	assert.Equal(t, err, nil)
	assert.Equal(t, remotes.last().sentPayloads(), []string{`{"focus":{"field":"headline"}}`})

	client.UpdateAccessToken("t2")
	assert.Equal(t, remotes.last().token, "t2")
	assert.Equal(t, remotes.last().sentPayloads()[1], `{"token":"t2"}`)
}

func TestClientDisconnectClear(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// cleared when not persistent and nothing is unsynced
	localStore := &testLocalStore{}
	remotes := &testRemotes{}
	client := newTestClient(ctx, localStore, remotes, DefaultClientSettings())
	err := client.Connect(ctx)
	assert.Equal(t, err, nil)
	client.Disconnect()
	assert.Equal(t, localStore.clearedNames(), []string{"doc1"})
	client.Close()

	// kept with unsynced changes
	localStore = &testLocalStore{}
	remotes = &testRemotes{}
	client = newTestClient(ctx, localStore, remotes, DefaultClientSettings())
	err = client.Connect(ctx)
	assert.Equal(t, err, nil)
	remotes.last().stateLock.Lock()
	remotes.last().unsynced = 1
	remotes.last().stateLock.Unlock()
	client.Disconnect()
	assert.Equal(t, len(localStore.clearedNames()), 0)
	client.Close()

	// kept when persistent
	localStore = &testLocalStore{}
	settings := DefaultClientSettings()
	settings.Persistent = true
	client = newTestClient(ctx, localStore, &testRemotes{}, settings)
	err = client.Connect(ctx)
	assert.Equal(t, err, nil)
	client.Disconnect()
	assert.Equal(t, len(localStore.clearedNames()), 0)
	client.Close()
}
