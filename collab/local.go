package collab

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/golang/glog"

	"github.com/newsroom-sync/docsync/ydoc"
)

// keeps a document's updates on the local device so the document
// is available before, and without, the remote session
type LocalStore interface {
	// loads the stored updates for `name` into `doc` and stores new updates as they happen
	Attach(name string, doc *ydoc.Doc) (LocalPersistence, error)
}

type LocalPersistence interface {
	// resolves once the stored updates were applied to the document
	WhenSynced(ctx context.Context) error
	Synced() bool
	// removes the stored updates
	ClearData() error
	// stops storing updates. Stored data is kept.
	Destroy()
}

type BoltStoreSettings struct {
	OpenTimeout time.Duration
	// stored updates are folded into one state update on load past this count
	CompactThreshold int
}

func DefaultBoltStoreSettings() *BoltStoreSettings {
	return &BoltStoreSettings{
		OpenTimeout:      1 * time.Second,
		CompactThreshold: 500,
	}
}

// one bucket per document name, keys are the bucket sequence
type BoltStore struct {
	db       *bolt.DB
	settings *BoltStoreSettings
}

func OpenBoltStoreWithDefaults(path string) (*BoltStore, error) {
	return OpenBoltStore(path, DefaultBoltStoreSettings())
}

func OpenBoltStore(path string, settings *BoltStoreSettings) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: settings.OpenTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &BoltStore{
		db:       db,
		settings: settings,
	}, nil
}

func (self *BoltStore) Close() error {
	return self.db.Close()
}

// names of documents with stored data
func (self *BoltStore) Names() ([]string, error) {
	names := []string{}
	err := self.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	return names, err
}

func (self *BoltStore) Attach(name string, doc *ydoc.Doc) (LocalPersistence, error) {
	persistence := &boltPersistence{
		store:  self,
		name:   name,
		doc:    doc,
		synced: make(chan struct{}),
	}
	persistence.origin = &ydoc.RemoteOrigin{Name: "local:" + name}
	go persistence.load()
	return persistence, nil
}

type boltPersistence struct {
	store  *BoltStore
	name   string
	doc    *ydoc.Doc
	origin *ydoc.RemoteOrigin

	synced chan struct{}

	stateLock      sync.Mutex
	loadErr        error
	destroyed      bool
	unsubscribeDoc func()
}

func (self *boltPersistence) load() {
	// stored updates are applied in order
	updates := [][]byte{}
	err := self.store.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(self.name))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k []byte, v []byte) error {
			updates = append(updates, append([]byte{}, v...))
			return nil
		})
	})

	if err == nil {
		for _, update := range updates {
			if applyErr := self.doc.ApplyUpdate(update, self.origin); applyErr != nil {
				glog.Infof("[local]%s skip stored update = %s\n", self.name, applyErr)
			}
		}
		if self.store.settings.CompactThreshold < len(updates) {
			err = self.compact()
		}
	}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.loadErr = err
		if err == nil && !self.destroyed {
			self.unsubscribeDoc = self.doc.OnUpdate(self.storeUpdate)
		}
	}()
	if err != nil {
		glog.Infof("[local]%s load error = %s\n", self.name, err)
	} else {
		glog.V(1).Infof("[local]%s synced %d updates\n", self.name, len(updates))
	}
	close(self.synced)
}

// replaces the stored updates with one update of the current state
func (self *boltPersistence) compact() error {
	state := self.doc.EncodeStateAsUpdate()
	return self.store.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(self.name)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		b, err := tx.CreateBucket([]byte(self.name))
		if err != nil {
			return err
		}
		return put(b, state)
	})
}

func (self *boltPersistence) storeUpdate(update []byte, origin any) {
	if origin == any(self.origin) {
		return
	}
	self.stateLock.Lock()
	destroyed := self.destroyed
	self.stateLock.Unlock()
	if destroyed {
		return
	}

	err := self.store.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(self.name))
		if err != nil {
			return err
		}
		return put(b, update)
	})
	if err != nil {
		glog.Infof("[local]%s store error = %s\n", self.name, err)
	}
}

func put(b *bolt.Bucket, update []byte) error {
	sequence, err := b.NextSequence()
	if err != nil {
		return err
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, sequence)
	return b.Put(key, update)
}

func (self *boltPersistence) WhenSynced(ctx context.Context) error {
	select {
	case <-self.synced:
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		return self.loadErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (self *boltPersistence) Synced() bool {
	select {
	case <-self.synced:
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		return self.loadErr == nil
	default:
		return false
	}
}

func (self *boltPersistence) ClearData() error {
	return self.store.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket([]byte(self.name))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

func (self *boltPersistence) Destroy() {
	self.stateLock.Lock()
	self.destroyed = true
	unsubscribeDoc := self.unsubscribeDoc
	self.unsubscribeDoc = nil
	self.stateLock.Unlock()
	if unsubscribeDoc != nil {
		unsubscribeDoc()
	}
}
