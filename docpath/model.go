// Package docpath reads, writes and watches values in a replicated document by
// structural path.
package docpath

import (
	"errors"
	"fmt"

	"github.com/newsroom-sync/docsync/ydoc"
)

var ErrEmptyPath = errors.New("empty path")
var ErrTypeMismatch = errors.New("path type mismatch")
var ErrIndexOutOfRange = ydoc.ErrIndexOutOfRange

// a map or array that paths resolve from
type Node interface {
	Doc() *ydoc.Doc
	ObserveDeep(observeCallback ydoc.DeepObserveFunction) func()
}

type SubscribeMode int

const (
	// the value at the path was replaced or, for text and arrays, edited in place
	Exact SubscribeMode = iota
	// any change at or below the path
	Deep
)

// resolves a path to a node or primitive
// any type or key mismatch yields not found
func GetTx(tx *ydoc.Transaction, root Node, path Path) (any, bool) {
	var current any = root
	for _, segment := range path {
		switch c := current.(type) {
		case *ydoc.Map:
			key, ok := segment.(string)
			if !ok {
				return nil, false
			}
			current, ok = c.Get(tx, key)
			if !ok {
				return nil, false
			}
		case *ydoc.Array:
			index, ok := segment.(int)
			if !ok {
				return nil, false
			}
			current, ok = c.Get(tx, index)
			if !ok {
				return nil, false
			}
		default:
			return nil, false
		}
	}
	return current, true
}

func Get(root Node, path Path) (value any, ok bool) {
	root.Doc().View(func(tx *ydoc.Transaction) {
		value, ok = GetTx(tx, root, path)
	})
	return
}

// like `Get` but nodes are returned as plain maps, slices and strings
func GetValue(root Node, path Path) (value any, ok bool) {
	root.Doc().View(func(tx *ydoc.Transaction) {
		var v any
		v, ok = GetTx(tx, root, path)
		if ok {
			value = ydoc.ToJSON(tx, v)
		}
	})
	return
}

// writes `value` at `path`, creating missing containers along the way
// (a map for a following key, an array for a following index)
//
// at a sequence index: an existing element is replaced by delete and insert,
// `index == length` appends, and nil deletes the element without reinsertion.
// at a map key nil deletes the key.
// a string written over text edits the text with a minimal diff.
func SetTx(tx *ydoc.Transaction, root Node, path Path, value any) error {
	if len(path) == 0 {
		return ErrEmptyPath
	}
	var parent any = root
	for i, segment := range path[:len(path)-1] {
		next, err := child(tx, parent, segment, path[i+1])
		if err != nil {
			return fmt.Errorf("%w at %s", err, path[:i+1])
		}
		parent = next
	}

	last := path[len(path)-1]
	switch p := parent.(type) {
	case *ydoc.Map:
		key, ok := last.(string)
		if !ok {
			return fmt.Errorf("%w: index %v into map at %s", ErrTypeMismatch, last, path)
		}
		if value == nil {
			p.Delete(tx, key)
			return nil
		}
		if existing, ok := p.Get(tx, key); ok {
			if text, ok := existing.(*ydoc.Text); ok {
				if s, ok := value.(string); ok {
					return diffText(tx, text, s)
				}
			}
		}
		p.Set(tx, key, value)
		return nil
	case *ydoc.Array:
		index, ok := last.(int)
		if !ok {
			return fmt.Errorf("%w: key %v into array at %s", ErrTypeMismatch, last, path)
		}
		length := p.Len(tx)
		switch {
		case index < 0 || length < index:
			return fmt.Errorf("%w: %d of %d at %s", ErrIndexOutOfRange, index, length, path)
		case index == length:
			if value == nil {
				return nil
			}
			p.Push(tx, value)
			return nil
		case value == nil:
			return p.Delete(tx, index, 1)
		default:
			if existing, ok := p.Get(tx, index); ok {
				if text, ok := existing.(*ydoc.Text); ok {
					if s, ok := value.(string); ok {
						return diffText(tx, text, s)
					}
				}
			}
			if err := p.Delete(tx, index, 1); err != nil {
				return err
			}
			return p.Insert(tx, index, value)
		}
	default:
		return fmt.Errorf("%w: %T is not a container at %s", ErrTypeMismatch, parent, path)
	}
}

// `SetTx` in its own transaction, so a replace is observed as one change
func Set(root Node, path Path, value any) (err error) {
	root.Doc().Transact(nil, func(tx *ydoc.Transaction) {
		err = SetTx(tx, root, path, value)
	})
	return
}

// returns the container at `segment`, creating it if missing
func child(tx *ydoc.Transaction, parent any, segment any, nextSegment any) (any, error) {
	newContainer := func() any {
		if _, ok := nextSegment.(int); ok {
			return []any{}
		}
		return map[string]any{}
	}
	switch p := parent.(type) {
	case *ydoc.Map:
		key, ok := segment.(string)
		if !ok {
			return nil, fmt.Errorf("%w: index %v into map", ErrTypeMismatch, segment)
		}
		if existing, ok := p.Get(tx, key); ok && existing != nil {
			return existing, nil
		}
		return p.Set(tx, key, newContainer()), nil
	case *ydoc.Array:
		index, ok := segment.(int)
		if !ok {
			return nil, fmt.Errorf("%w: key %v into array", ErrTypeMismatch, segment)
		}
		if existing, ok := p.Get(tx, index); ok && existing != nil {
			return existing, nil
		}
		length := p.Len(tx)
		if index != length {
			return nil, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, length)
		}
		p.Push(tx, newContainer())
		created, _ := p.Get(tx, index)
		return created, nil
	default:
		return nil, fmt.Errorf("%w: %T is not a container", ErrTypeMismatch, parent)
	}
}

// rewrites only the differing middle of the text
func diffText(tx *ydoc.Transaction, text *ydoc.Text, next string) error {
	current := []rune(text.String(tx))
	target := []rune(next)

	prefix := 0
	for prefix < len(current) && prefix < len(target) && current[prefix] == target[prefix] {
		prefix += 1
	}
	suffix := 0
	for suffix < len(current)-prefix && suffix < len(target)-prefix &&
		current[len(current)-1-suffix] == target[len(target)-1-suffix] {
		suffix += 1
	}

	if removed := len(current) - prefix - suffix; 0 < removed {
		if err := text.Delete(tx, prefix, removed); err != nil {
			return err
		}
	}
	if inserted := target[prefix : len(target)-suffix]; 0 < len(inserted) {
		return text.Insert(tx, prefix, string(inserted))
	}
	return nil
}

// calls `fn` with the current plain value at `path` after each transaction that
// touches it; see `SubscribeMode`
func Subscribe(root Node, path Path, mode SubscribeMode, fn func(value any, ok bool)) func() {
	return root.ObserveDeep(func(events []*ydoc.Event) {
		for _, changed := range ChangedPaths(events) {
			if matchesSubscription(changed, path, mode) {
				fn(GetValue(root, path))
				return
			}
		}
	})
}

func matchesSubscription(changed Path, path Path, mode SubscribeMode) bool {
	if path.HasPrefix(changed) {
		// the path itself or an ancestor changed
		return true
	}
	return mode == Deep && changed.HasPrefix(path)
}

// paths of every changed value: map keys that were set or deleted,
// and arrays or text edited in place
func ChangedPaths(events []*ydoc.Event) []Path {
	paths := []Path{}
	for _, event := range events {
		eventPath := Path(event.Path)
		if _, ok := event.Target.(*ydoc.Map); ok && 0 < len(event.KeysChanged) {
			for _, key := range event.KeysChanged {
				paths = append(paths, eventPath.Append(key))
			}
		} else {
			paths = append(paths, eventPath.Append())
		}
	}
	return paths
}
