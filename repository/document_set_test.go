package repository

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/newsroom-sync/docsync/decorator"
	"github.com/newsroom-sync/docsync/protocol"
)

func openDocumentSet(t *testing.T, ctx context.Context, socket *Socket, documentType string, decorators ...decorator.Decorator) *DocumentSet {
	settings := DefaultDocumentSetSettings()
	settings.Scheduler = &decorator.SchedulerSettings{Debounce: 10 * time.Millisecond}
	documentSet := NewDocumentSet(
		ctx,
		socket,
		&GetDocumentsRequest{SetName: "s1", Type: documentType},
		decorator.NewPipelineWithDefaults(decorators...),
		settings,
	)
	t.Cleanup(documentSet.Close)
	err := documentSet.Open(ctx)
	assert.Equal(t, err, nil)
	return documentSet
}

func title(documentSet *DocumentSet, uuid string) string {
	document, ok := documentSet.Get(uuid)
	if !ok {
		return ""
	}
	return document.Document.Title
}

// an update replaces one document and keeps the others
func TestDocumentSetUpdate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer(t)
	server.setDocuments("core/x", document("d1", "one"), document("d2", "two"))
	socket := connectedSocket(t, ctx, server)
	documentSet := openDocumentSet(t, ctx, socket, "core/x")

	before := documentSet.Documents()
	assert.Equal(t, len(before), 2)

	server.lastConn().send("", &protocol.DocumentUpdate{
		SetName:  "s1",
		Document: &protocol.Document{Uuid: "d1", Type: "core/x", Title: "new"},
	})
	waitFor(t, func() bool {
		return title(documentSet, "d1") == "new"
	})

	after := documentSet.Documents()
	assert.Equal(t, len(after), 2)
	// the other document is the same state
	assert.Equal(t, after[1] == before[1], true)
	assert.Equal(t, title(documentSet, "d2"), "two")
	// the published snapshot is not mutated
	assert.Equal(t, before[0].Document.Title, "one")
	// meta is kept when the update has none
	d1, _ := documentSet.Get("d1")
	assert.Equal(t, d1.Meta.Version, int64(1))
}

func TestDocumentSetAddAndRemove(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer(t)
	server.setDocuments("core/x", document("d1", "one"), document("d2", "two"))
	socket := connectedSocket(t, ctx, server)
	documentSet := openDocumentSet(t, ctx, socket, "core/x")

	conn := server.lastConn()
	conn.send("", &protocol.DocumentUpdate{
		SetName:  "s1",
		Document: &protocol.Document{Uuid: "d3", Type: "core/x", Title: "three"},
		Meta:     &protocol.DocumentMeta{Version: 1},
	})
	conn.send("", &protocol.Removed{
		SetName:       "s1",
		DocumentUuids: []string{"d1"},
	})
	waitFor(t, func() bool {
		documents := documentSet.Documents()
		return len(documents) == 2 && documents[0].Uuid() == "d2" && documents[1].Uuid() == "d3"
	})
}

// inclusions attach only to documents that link them
func TestDocumentSetInclusions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer(t)
	server.setDocuments("core/planning-item",
		document("p1", "one", deliverable("a1")),
		document("p2", "two"),
	)
	socket := connectedSocket(t, ctx, server)
	documentSet := openDocumentSet(t, ctx, socket, "core/planning-item", decorator.NewStatusDecorator())

	conn := server.lastConn()
	// not referenced by any deliverable link
	conn.send("", &protocol.DocumentUpdate{
		SetName:  "s1",
		Document: &protocol.Document{Uuid: "a2", Type: "core/article"},
		Meta:     &protocol.DocumentMeta{Version: 1, WorkflowState: "draft"},
		Included: true,
	})
	conn.send("", &protocol.DocumentUpdate{
		SetName:  "s1",
		Document: &protocol.Document{Uuid: "a1", Type: "core/article"},
		Meta:     &protocol.DocumentMeta{Version: 1, WorkflowState: "draft"},
		Included: true,
	})

	waitFor(t, func() bool {
		p1, _ := documentSet.Get("p1")
		_, ok := p1.Included("a1")
		return ok
	})
	for _, document := range documentSet.Documents() {
		_, ok := document.Included("a2")
		assert.Equal(t, ok, false)
	}
	p2, _ := documentSet.Get("p2")
	assert.Equal(t, len(p2.IncludedDocuments), 0)

	// the owning document is decorated with the inclusion status
	waitFor(t, func() bool {
		p1, _ := documentSet.Get("p1")
		status, ok := p1.Decorators["status"]["a1"].(*decorator.DocumentStatus)
		return ok && status.WorkflowState == "draft"
	})

	// a newer version of the inclusion replaces the old one
	conn.send("", &protocol.DocumentUpdate{
		SetName:  "s1",
		Document: &protocol.Document{Uuid: "a1", Type: "core/article"},
		Meta:     &protocol.DocumentMeta{Version: 2, WorkflowState: "done"},
		Included: true,
	})
	waitFor(t, func() bool {
		p1, _ := documentSet.Get("p1")
		status, ok := p1.Decorators["status"]["a1"].(*decorator.DocumentStatus)
		return ok && status.WorkflowState == "done"
	})
	p1, _ := documentSet.Get("p1")
	assert.Equal(t, len(p1.IncludedDocuments), 1)
}

// initial and streamed inclusions attach by the socket's include rel
func TestDocumentSetIncludeRel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	related := func(uuid string) *protocol.Block {
		return &protocol.Block{Rel: "related", Type: "core/article", Uuid: uuid}
	}
	server := newTestServer(t)
	server.setDocuments("core/planning-item",
		document("p1", "one", related("a1"), related("a3")),
		document("p2", "two", deliverable("a2")),
	)
	server.inclusions = []*protocol.DocumentState{
		{Document: &protocol.Document{Uuid: "a1", Type: "core/article"}, Meta: &protocol.DocumentMeta{Version: 1}},
	}

	settings := testSocketSettings()
	settings.IncludeRel = "related"
	socket := NewSocket(ctx, server.SocketUrl(), NewApi(server.Url()), settings)
	t.Cleanup(socket.Close)
	err := socket.Connect(ctx, testCredential)
	assert.Equal(t, err, nil)
	err = socket.Authenticate(ctx)
	assert.Equal(t, err, nil)

	documentSet := openDocumentSet(t, ctx, socket, "core/planning-item")
	p1, _ := documentSet.Get("p1")
	_, ok := p1.Included("a1")
	assert.Equal(t, ok, true)

	conn := server.lastConn()
	conn.send("", &protocol.DocumentUpdate{
		SetName:  "s1",
		Document: &protocol.Document{Uuid: "a2", Type: "core/article"},
		Meta:     &protocol.DocumentMeta{Version: 1},
		Included: true,
	})
	conn.send("", &protocol.DocumentUpdate{
		SetName:  "s1",
		Document: &protocol.Document{Uuid: "a3", Type: "core/article"},
		Meta:     &protocol.DocumentMeta{Version: 1},
		Included: true,
	})
	waitFor(t, func() bool {
		p1, _ := documentSet.Get("p1")
		_, ok := p1.Included("a3")
		return ok
	})
	// linked by a rel other than the socket's
	p2, _ := documentSet.Get("p2")
	assert.Equal(t, len(p2.IncludedDocuments), 0)
}

func TestDocumentSetInitialDecorators(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer(t)
	server.setDocuments("core/x", document("d1", "one"), document("d22", "two"))
	socket := connectedSocket(t, ctx, server)
	api := NewApi(server.Url())
	documentSet := openDocumentSet(t, ctx, socket, "core/x", decorator.NewMetricsDecorator(api, "charcount"))

	d22, _ := documentSet.Get("d22")
	assert.Equal(t, d22.Decorators["metrics"]["d22"], map[string]int64{"charcount": 3})

	// decorators are kept across a document update until the debounced pass
	server.lastConn().send("", &protocol.DocumentUpdate{
		SetName:  "s1",
		Document: &protocol.Document{Uuid: "d22", Type: "core/x", Title: "new"},
	})
	waitFor(t, func() bool {
		return title(documentSet, "d22") == "new"
	})
	d22, _ = documentSet.Get("d22")
	assert.Equal(t, d22.Decorators["metrics"]["d22"], map[string]int64{"charcount": 3})
}

// a decorated state read before an update never replaces the updated document
func TestDocumentSetDecoratedAfterUpdate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer(t)
	server.setDocuments("core/x", document("d1", "one"))
	socket := connectedSocket(t, ctx, server)
	documentSet := openDocumentSet(t, ctx, socket, "core/x")

	source, ok := documentSet.Get("d1")
	assert.Equal(t, ok, true)
	decorated := source.Clone()
	decorated.Decorators = protocol.DecoratorData{"ns": {"d1": "old"}}

	server.lastConn().send("", &protocol.DocumentUpdate{
		SetName:  "s1",
		Document: &protocol.Document{Uuid: "d1", Type: "core/x", Title: "new"},
	})
	waitFor(t, func() bool {
		return title(documentSet, "d1") == "new"
	})
	// let the debounced pass for the update finish
	time.Sleep(100 * time.Millisecond)
	waitFor(t, func() bool {
		return documentSet.scheduler.Pending() == 0
	})

	documentSet.applyDecorated(source, decorated)
	d1, _ := documentSet.Get("d1")
	assert.Equal(t, d1.Document.Title, "new")
	assert.Equal(t, len(d1.Decorators["ns"]), 0)

	// decorated from the current state applies
	current := d1.Clone()
	current.Decorators = protocol.DecoratorData{"ns": {"d1": "current"}}
	documentSet.applyDecorated(d1, current)
	d1, _ = documentSet.Get("d1")
	assert.Equal(t, d1.Document.Title, "new")
	assert.Equal(t, d1.Decorators["ns"]["d1"], "current")
}

func TestDocumentSetClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer(t)
	server.setDocuments("core/x", document("d1", "one"))
	socket := connectedSocket(t, ctx, server)
	documentSet := openDocumentSet(t, ctx, socket, "core/x")

	changes := 0
	documentSet.AddChangeCallback(func(documents []*protocol.DocumentState) {
		changes += 1
	})
	documentSet.Close()

	waitFor(t, func() bool {
		return len(server.closedSets()) == 1
	})

	server.lastConn().send("", &protocol.DocumentUpdate{
		SetName:  "s1",
		Document: &protocol.Document{Uuid: "d1", Title: "late"},
	})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, changes, 0)
	assert.Equal(t, title(documentSet, "d1"), "one")

	err := documentSet.Open(ctx)
	assert.Equal(t, err, ErrDocumentSetClosed)
}
