package protocol

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// newsroom document format
// a document is a typed tree of blocks split into content, meta and links
type Document struct {
	Uuid     string   `json:"uuid"`
	Type     string   `json:"type"`
	Uri      string   `json:"uri,omitempty"`
	Url      string   `json:"url,omitempty"`
	Title    string   `json:"title,omitempty"`
	Language string   `json:"language,omitempty"`
	Content  []*Block `json:"content,omitempty"`
	Meta     []*Block `json:"meta,omitempty"`
	Links    []*Block `json:"links,omitempty"`
}

type Block struct {
	Id          string            `json:"id,omitempty"`
	Uuid        string            `json:"uuid,omitempty"`
	Uri         string            `json:"uri,omitempty"`
	Url         string            `json:"url,omitempty"`
	Type        string            `json:"type,omitempty"`
	Title       string            `json:"title,omitempty"`
	Data        map[string]string `json:"data,omitempty"`
	Rel         string            `json:"rel,omitempty"`
	Role        string            `json:"role,omitempty"`
	Name        string            `json:"name,omitempty"`
	Value       string            `json:"value,omitempty"`
	Contenttype string            `json:"contenttype,omitempty"`
	Sensitivity string            `json:"sensitivity,omitempty"`
	Links       []*Block          `json:"links,omitempty"`
	Content     []*Block          `json:"content,omitempty"`
	Meta        []*Block          `json:"meta,omitempty"`
}

type DocumentMeta struct {
	Version        int64  `json:"version,omitempty"`
	CurrentVersion int64  `json:"currentVersion,omitempty"`
	Created        string `json:"created,omitempty"`
	Modified       string `json:"modified,omitempty"`
	// identity of the last updater
	UpdaterUri    string `json:"updaterUri,omitempty"`
	WorkflowState string `json:"workflowState,omitempty"`
}

// namespace -> document uuid -> enrichment
type DecoratorData map[string]map[string]any

type DocumentState struct {
	Document          *Document        `json:"document"`
	Meta              *DocumentMeta    `json:"meta,omitempty"`
	IncludedDocuments []*DocumentState `json:"includedDocuments,omitempty"`
	Decorators        DecoratorData    `json:"decorators,omitempty"`
}

func (self *DocumentState) Uuid() string {
	if self.Document == nil {
		return ""
	}
	return self.Document.Uuid
}

// shallow copy, the document and meta are shared
// the included documents slice and decorators namespace map are copied
// so the copy can be edited without mutating a published state
func (self *DocumentState) Clone() *DocumentState {
	next := &DocumentState{
		Document: self.Document,
		Meta:     self.Meta,
	}
	if self.IncludedDocuments != nil {
		next.IncludedDocuments = slices.Clone(self.IncludedDocuments)
	}
	if self.Decorators != nil {
		next.Decorators = maps.Clone(self.Decorators)
	}
	return next
}

// the uuid of the document and all included documents
func (self *DocumentState) Uuids() []string {
	uuids := []string{}
	if uuid := self.Uuid(); uuid != "" {
		uuids = append(uuids, uuid)
	}
	for _, included := range self.IncludedDocuments {
		if uuid := included.Uuid(); uuid != "" {
			uuids = append(uuids, uuid)
		}
	}
	return uuids
}

func (self *DocumentState) Included(uuid string) (*DocumentState, bool) {
	for _, included := range self.IncludedDocuments {
		if included.Uuid() == uuid {
			return included, true
		}
	}
	return nil, false
}

// collects the uuids of links with the given rel anywhere in the document meta and links,
// e.g. the deliverables referenced by a planning item's assignments
func (self *Document) LinkedUuids(rel string) []string {
	uuids := []string{}
	seen := map[string]bool{}
	var visit func(blocks []*Block)
	visit = func(blocks []*Block) {
		for _, block := range blocks {
			if block.Rel == rel && block.Uuid != "" && !seen[block.Uuid] {
				seen[block.Uuid] = true
				uuids = append(uuids, block.Uuid)
			}
			visit(block.Links)
			visit(block.Meta)
		}
	}
	visit(self.Meta)
	visit(self.Links)
	return uuids
}

// a derived measure of a document, e.g. a character count
type Metric struct {
	Kind  string `json:"kind"`
	Label string `json:"label,omitempty"`
	Value int64  `json:"value"`
}
