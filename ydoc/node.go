package ydoc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"unicode/utf8"

	"golang.org/x/exp/slices"
)

var ErrIndexOutOfRange = errors.New("index out of range")

type node interface {
	nodeBase() *base
}

type base struct {
	doc *Doc
	// nil for top-level maps and detached nodes
	parent    node
	parentKey string
	// set only on top-level maps
	rootName string
}

func (self *base) nodeBase() *base {
	return self
}

// finds the root name and path of an attached node
func locate(n node) (root string, path []any, ok bool) {
	segments := []any{}
	for {
		b := n.nodeBase()
		if b.rootName != "" {
			slices.Reverse(segments)
			return b.rootName, segments, true
		}
		switch p := b.parent.(type) {
		case *Map:
			if v, ok := p.entries[b.parentKey]; !ok || v != any(n) {
				return "", nil, false
			}
			segments = append(segments, b.parentKey)
		case *Array:
			i := slices.IndexFunc(p.items, func(item any) bool {
				return item == any(n)
			})
			if i < 0 {
				return "", nil, false
			}
			segments = append(segments, i)
		default:
			return "", nil, false
		}
		n = b.parent
	}
}

func attach(value any, parent node, key string) {
	if n, ok := value.(node); ok {
		b := n.nodeBase()
		b.parent = parent
		b.parentKey = key
	}
}

func detach(value any) {
	if n, ok := value.(node); ok {
		b := n.nodeBase()
		b.parent = nil
		b.parentKey = ""
	}
}

// converts a plain value into something that can live in the tree:
// a primitive, or a new node owned by `doc`
func (self *Doc) integrate(value any) any {
	switch v := value.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return v
	case *Text:
		if v.doc == nil {
			v.doc = self
			return v
		}
		return self.adoptOrCopy(v)
	case *Map:
		return self.adoptOrCopy(v)
	case *Array:
		return self.adoptOrCopy(v)
	case map[string]any:
		m := newMap(self)
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			child := self.integrate(v[key])
			m.keys = append(m.keys, key)
			m.entries[key] = child
			attach(child, m, key)
		}
		return m
	case []any:
		a := newArray(self)
		for _, item := range v {
			child := self.integrate(item)
			a.items = append(a.items, child)
			attach(child, a, "")
		}
		return a
	default:
		// structs, typed maps and slices go through their json shape
		b, err := json.Marshal(v)
		if err != nil {
			panic(fmt.Errorf("ydoc: unsupported value %T: %w", v, err))
		}
		var plain any
		if err := json.Unmarshal(b, &plain); err != nil {
			panic(fmt.Errorf("ydoc: unsupported value %T: %w", v, err))
		}
		return self.integrate(plain)
	}
}

// detached nodes of this doc are reused,
// attached or foreign nodes are copied since a node cannot have two parents
func (self *Doc) adoptOrCopy(n node) any {
	b := n.nodeBase()
	if b.doc == self && b.parent == nil && b.rootName == "" {
		return n
	}
	return self.build(encodeValue(n))
}

// plain json-ish copy of a tree value
func toJSON(value any) any {
	switch v := value.(type) {
	case *Map:
		m := make(map[string]any, len(v.entries))
		for key, child := range v.entries {
			m[key] = toJSON(child)
		}
		return m
	case *Array:
		a := make([]any, len(v.items))
		for i, child := range v.items {
			a[i] = toJSON(child)
		}
		return a
	case *Text:
		return v.content
	default:
		return v
	}
}

// ToJSON returns a plain copy of a node or value read inside a transaction.
func ToJSON(tx *Transaction, value any) any {
	tx.checkRead()
	return toJSON(value)
}

// ordered map
type Map struct {
	base
	keys    []string
	entries map[string]any
}

func newMap(doc *Doc) *Map {
	return &Map{
		base: base{
			doc: doc,
		},
		entries: map[string]any{},
	}
}

func (self *Map) Doc() *Doc {
	return self.doc
}

func (self *Map) Get(tx *Transaction, key string) (any, bool) {
	tx.checkRead()
	v, ok := self.entries[key]
	return v, ok
}

func (self *Map) Has(tx *Transaction, key string) bool {
	tx.checkRead()
	_, ok := self.entries[key]
	return ok
}

func (self *Map) Keys(tx *Transaction) []string {
	tx.checkRead()
	return slices.Clone(self.keys)
}

func (self *Map) Len(tx *Transaction) int {
	tx.checkRead()
	return len(self.keys)
}

// returns the stored value, which is a new node for map, slice and struct values
func (self *Map) Set(tx *Transaction, key string, value any) any {
	tx.checkWrite()
	v := self.doc.integrate(value)
	if old, ok := self.entries[key]; ok {
		detach(old)
	} else {
		self.keys = append(self.keys, key)
	}
	self.entries[key] = v
	attach(v, self, key)
	tx.record(self, &op{
		Action: opSet,
		Key:    key,
		Value:  encodeValue(v),
	})
	tx.markChanged(self, key)
	return v
}

func (self *Map) Delete(tx *Transaction, key string) {
	tx.checkWrite()
	old, ok := self.entries[key]
	if !ok {
		return
	}
	detach(old)
	delete(self.entries, key)
	if i := slices.Index(self.keys, key); 0 <= i {
		self.keys = slices.Delete(self.keys, i, i+1)
	}
	tx.record(self, &op{
		Action: opDelete,
		Key:    key,
	})
	tx.markChanged(self, key)
}

func (self *Map) ToJSON(tx *Transaction) map[string]any {
	tx.checkRead()
	return toJSON(self).(map[string]any)
}

func (self *Map) ObserveDeep(observeCallback DeepObserveFunction) func() {
	return self.doc.observeDeep(self, observeCallback)
}

// ordered sequence
type Array struct {
	base
	items []any
}

func newArray(doc *Doc) *Array {
	return &Array{
		base: base{
			doc: doc,
		},
		items: []any{},
	}
}

func (self *Array) Doc() *Doc {
	return self.doc
}

func (self *Array) Len(tx *Transaction) int {
	tx.checkRead()
	return len(self.items)
}

func (self *Array) Get(tx *Transaction, index int) (any, bool) {
	tx.checkRead()
	if index < 0 || len(self.items) <= index {
		return nil, false
	}
	return self.items[index], true
}

func (self *Array) Insert(tx *Transaction, index int, values ...any) error {
	tx.checkWrite()
	if index < 0 || len(self.items) < index {
		return fmt.Errorf("%w: insert %d into length %d", ErrIndexOutOfRange, index, len(self.items))
	}
	if len(values) == 0 {
		return nil
	}
	integrated := make([]any, len(values))
	encoded := make([]any, len(values))
	for i, value := range values {
		v := self.doc.integrate(value)
		attach(v, self, "")
		integrated[i] = v
		encoded[i] = encodeValue(v)
	}
	self.items = slices.Insert(self.items, index, integrated...)
	tx.record(self, &op{
		Action: opInsert,
		Index:  index,
		Values: encoded,
	})
	tx.markChanged(self, "")
	return nil
}

func (self *Array) Push(tx *Transaction, values ...any) {
	// inserting at the length is always in range
	self.Insert(tx, len(self.items), values...)
}

func (self *Array) Delete(tx *Transaction, index int, count int) error {
	tx.checkWrite()
	if count <= 0 {
		return nil
	}
	if index < 0 || len(self.items) < index+count {
		return fmt.Errorf("%w: delete %d+%d from length %d", ErrIndexOutOfRange, index, count, len(self.items))
	}
	for _, item := range self.items[index : index+count] {
		detach(item)
	}
	self.items = slices.Delete(self.items, index, index+count)
	tx.record(self, &op{
		Action: opRemove,
		Index:  index,
		Count:  count,
	})
	tx.markChanged(self, "")
	return nil
}

func (self *Array) ToJSON(tx *Transaction) []any {
	tx.checkRead()
	return toJSON(self).([]any)
}

func (self *Array) ObserveDeep(observeCallback DeepObserveFunction) func() {
	return self.doc.observeDeep(self, observeCallback)
}

// text, indexed by rune
type Text struct {
	base
	content string
}

// a text that is not yet part of a document
func NewText(content string) *Text {
	return &Text{
		content: content,
	}
}

func (self *Text) String(tx *Transaction) string {
	tx.checkRead()
	return self.content
}

func (self *Text) Len(tx *Transaction) int {
	tx.checkRead()
	return utf8.RuneCountInString(self.content)
}

func (self *Text) Insert(tx *Transaction, index int, s string) error {
	tx.checkWrite()
	runes := []rune(self.content)
	if index < 0 || len(runes) < index {
		return fmt.Errorf("%w: insert %d into length %d", ErrIndexOutOfRange, index, len(runes))
	}
	if s == "" {
		return nil
	}
	self.content = string(runes[:index]) + s + string(runes[index:])
	tx.record(self, &op{
		Action: opTextInsert,
		Index:  index,
		Text:   s,
	})
	tx.markChanged(self, "")
	return nil
}

func (self *Text) Delete(tx *Transaction, index int, count int) error {
	tx.checkWrite()
	if count <= 0 {
		return nil
	}
	runes := []rune(self.content)
	if index < 0 || len(runes) < index+count {
		return fmt.Errorf("%w: delete %d+%d from length %d", ErrIndexOutOfRange, index, count, len(runes))
	}
	self.content = string(runes[:index]) + string(runes[index+count:])
	tx.record(self, &op{
		Action: opTextDelete,
		Index:  index,
		Count:  count,
	})
	tx.markChanged(self, "")
	return nil
}
