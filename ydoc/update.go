package ydoc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang/glog"
)

var ErrMalformedUpdate = errors.New("malformed update")

const (
	opSet        = "set"
	opDelete     = "del"
	opInsert     = "ins"
	opRemove     = "rm"
	opTextInsert = "tins"
	opTextDelete = "tdel"
)

type op struct {
	Action string `json:"a"`
	Root   string `json:"r"`
	Path   []any  `json:"p,omitempty"`
	Key    string `json:"k,omitempty"`
	Index  int    `json:"i,omitempty"`
	Count  int    `json:"n,omitempty"`
	Value  any    `json:"v,omitempty"`
	Values []any  `json:"vs,omitempty"`
	Text   string `json:"t,omitempty"`
}

type updateMessage struct {
	Ops []*op `json:"ops"`
}

func encodeOps(ops []*op) ([]byte, error) {
	return json.Marshal(&updateMessage{
		Ops: ops,
	})
}

// typed json shape of a tree value
// map keys are kept in order as [key, value] pairs
func encodeValue(value any) any {
	switch v := value.(type) {
	case *Map:
		pairs := make([]any, 0, len(v.keys))
		for _, key := range v.keys {
			pairs = append(pairs, []any{key, encodeValue(v.entries[key])})
		}
		return map[string]any{"$map": pairs}
	case *Array:
		items := make([]any, len(v.items))
		for i, item := range v.items {
			items[i] = encodeValue(item)
		}
		return map[string]any{"$array": items}
	case *Text:
		return map[string]any{"$text": v.content}
	default:
		return v
	}
}

// inverse of `encodeValue`, producing detached nodes owned by the doc
func (self *Doc) build(encoded any) any {
	wrapper, ok := encoded.(map[string]any)
	if !ok {
		return encoded
	}
	if pairs, ok := wrapper["$map"].([]any); ok {
		m := newMap(self)
		for _, pair := range pairs {
			kv, ok := pair.([]any)
			if !ok || len(kv) != 2 {
				continue
			}
			key, ok := kv[0].(string)
			if !ok {
				continue
			}
			child := self.build(kv[1])
			if _, exists := m.entries[key]; !exists {
				m.keys = append(m.keys, key)
			}
			m.entries[key] = child
			attach(child, m, key)
		}
		return m
	}
	if items, ok := wrapper["$array"].([]any); ok {
		a := newArray(self)
		for _, item := range items {
			child := self.build(item)
			a.items = append(a.items, child)
			attach(child, a, "")
		}
		return a
	}
	if content, ok := wrapper["$text"].(string); ok {
		return &Text{
			base: base{
				doc: self,
			},
			content: content,
		}
	}
	return encoded
}

// an update that recreates the full state of every top-level map
func (self *Doc) EncodeStateAsUpdate() []byte {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	ops := []*op{}
	for name, m := range self.maps {
		for _, key := range m.keys {
			ops = append(ops, &op{
				Action: opSet,
				Root:   name,
				Key:    key,
				Value:  encodeValue(m.entries[key]),
			})
		}
	}
	update, err := encodeOps(ops)
	if err != nil {
		// values in the tree are always json encodable
		panic(err)
	}
	return update
}

// replays an update in one transaction
// ops whose container no longer resolves are skipped
func (self *Doc) ApplyUpdate(update []byte, origin any) error {
	message := &updateMessage{}
	if err := json.Unmarshal(update, message); err != nil {
		return fmt.Errorf("%w: %s", ErrMalformedUpdate, err)
	}
	var applyErr error
	self.Transact(origin, func(tx *Transaction) {
		for _, o := range message.Ops {
			if err := self.applyOp(tx, o); err != nil {
				glog.V(2).Infof("[ydoc]skip op %s %s%v = %s\n", o.Action, o.Root, o.Path, err)
				if applyErr == nil {
					applyErr = err
				}
			}
		}
	})
	if applyErr != nil {
		glog.V(1).Infof("[ydoc]partial update from %v = %s\n", origin, applyErr)
	}
	return nil
}

func (self *Doc) resolve(root string, path []any) (any, error) {
	var current any = self.getMap(root)
	for _, segment := range path {
		switch c := current.(type) {
		case *Map:
			key, ok := segment.(string)
			if !ok {
				return nil, fmt.Errorf("%w: key %v", ErrMalformedUpdate, segment)
			}
			v, ok := c.entries[key]
			if !ok {
				return nil, fmt.Errorf("%w: missing key %s", ErrMalformedUpdate, key)
			}
			current = v
		case *Array:
			// json numbers decode as float64
			f, ok := segment.(float64)
			if !ok {
				i, ok := segment.(int)
				if !ok {
					return nil, fmt.Errorf("%w: index %v", ErrMalformedUpdate, segment)
				}
				f = float64(i)
			}
			i := int(f)
			if i < 0 || len(c.items) <= i {
				return nil, fmt.Errorf("%w: index %d", ErrIndexOutOfRange, i)
			}
			current = c.items[i]
		default:
			return nil, fmt.Errorf("%w: not a container", ErrMalformedUpdate)
		}
	}
	return current, nil
}

func (self *Doc) applyOp(tx *Transaction, o *op) error {
	container, err := self.resolve(o.Root, o.Path)
	if err != nil {
		return err
	}
	switch o.Action {
	case opSet:
		m, ok := container.(*Map)
		if !ok {
			return fmt.Errorf("%w: set on %T", ErrMalformedUpdate, container)
		}
		m.Set(tx, o.Key, self.build(o.Value))
	case opDelete:
		m, ok := container.(*Map)
		if !ok {
			return fmt.Errorf("%w: delete on %T", ErrMalformedUpdate, container)
		}
		m.Delete(tx, o.Key)
	case opInsert:
		a, ok := container.(*Array)
		if !ok {
			return fmt.Errorf("%w: insert on %T", ErrMalformedUpdate, container)
		}
		values := make([]any, len(o.Values))
		for i, value := range o.Values {
			values[i] = self.build(value)
		}
		index := o.Index
		if a.Len(tx) < index {
			index = a.Len(tx)
		}
		return a.Insert(tx, index, values...)
	case opRemove:
		a, ok := container.(*Array)
		if !ok {
			return fmt.Errorf("%w: remove on %T", ErrMalformedUpdate, container)
		}
		return a.Delete(tx, o.Index, o.Count)
	case opTextInsert:
		t, ok := container.(*Text)
		if !ok {
			return fmt.Errorf("%w: text insert on %T", ErrMalformedUpdate, container)
		}
		index := o.Index
		if t.Len(tx) < index {
			index = t.Len(tx)
		}
		return t.Insert(tx, index, o.Text)
	case opTextDelete:
		t, ok := container.(*Text)
		if !ok {
			return fmt.Errorf("%w: text delete on %T", ErrMalformedUpdate, container)
		}
		return t.Delete(tx, o.Index, o.Count)
	default:
		return fmt.Errorf("%w: unknown op %s", ErrMalformedUpdate, o.Action)
	}
	return nil
}
