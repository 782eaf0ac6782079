package docpath

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/glog"

	"github.com/newsroom-sync/docsync/connect"
	"github.com/newsroom-sync/docsync/ydoc"
)

// a segment of `Pattern` that matches any single key or index
const Wildcard = "*"

type patternKind int

const (
	patternKey patternKind = iota
	patternIndex
	patternWildcard
	patternAlias
)

type patternSegment struct {
	kind  patternKind
	key   string
	index int
}

// an ignore pattern
// segments are keys, indexes, `*` or positional aliases `{name}`
// an alias resolves, when the pattern is evaluated, to the current index of an element
// (e.g. `{internal}` as the index of the internal description)
type Pattern []patternSegment

func NewPattern(segments ...any) (Pattern, error) {
	pattern := Pattern{}
	for _, segment := range segments {
		switch v := segment.(type) {
		case int:
			pattern = append(pattern, patternSegment{kind: patternIndex, index: v})
		case string:
			switch {
			case v == Wildcard:
				pattern = append(pattern, patternSegment{kind: patternWildcard})
			case 2 < len(v) && strings.HasPrefix(v, "{") && strings.HasSuffix(v, "}"):
				pattern = append(pattern, patternSegment{kind: patternAlias, key: v[1 : len(v)-1]})
			default:
				pattern = append(pattern, patternSegment{kind: patternKey, key: v})
			}
		default:
			return nil, fmt.Errorf("%w: pattern segment %T", ErrInvalidPath, segment)
		}
	}
	return pattern, nil
}

// dotted form, e.g. `meta.*.title` or `meta.core/description[{internal}].text`
func ParsePattern(s string) (Pattern, error) {
	segments := []any{}
	for _, part := range strings.Split(s, ".") {
		if part == "" {
			return nil, fmt.Errorf("%w: empty segment in %q", ErrInvalidPath, s)
		}
		for part != "" {
			open := strings.IndexByte(part, '[')
			if open < 0 {
				segments = append(segments, part)
				break
			}
			if 0 < open {
				segments = append(segments, part[:open])
			}
			end := strings.IndexByte(part, ']')
			if end < open {
				return nil, fmt.Errorf("%w: unclosed bracket in %q", ErrInvalidPath, s)
			}
			inner := part[open+1 : end]
			if index, err := strconv.Atoi(inner); err == nil {
				segments = append(segments, index)
			} else {
				segments = append(segments, inner)
			}
			part = part[end+1:]
		}
	}
	return NewPattern(segments...)
}

func MustParsePattern(s string) Pattern {
	pattern, err := ParsePattern(s)
	if err != nil {
		panic(err)
	}
	return pattern
}

// resolves a positional alias to an index
type AliasFunction func(tx *ydoc.Transaction, root *ydoc.Map) (int, bool)

// the index of the first map element with `role` in the array at `path`
func RoleIndexAlias(path Path, role string) AliasFunction {
	return func(tx *ydoc.Transaction, root *ydoc.Map) (int, bool) {
		v, ok := GetTx(tx, root, path)
		if !ok {
			return 0, false
		}
		array, ok := v.(*ydoc.Array)
		if !ok {
			return 0, false
		}
		for i := 0; i < array.Len(tx); i += 1 {
			element, _ := array.Get(tx, i)
			m, ok := element.(*ydoc.Map)
			if !ok {
				continue
			}
			if r, ok := m.Get(tx, "role"); ok && r == role {
				return i, true
			}
		}
		return 0, false
	}
}

// true when `pattern` covers `path` (the path is the pattern or below it)
func (self Pattern) covers(path Path, aliases map[string]int) bool {
	if len(path) < len(self) {
		return false
	}
	for i, segment := range self {
		switch segment.kind {
		case patternWildcard:
		case patternKey:
			if path[i] != any(segment.key) {
				return false
			}
		case patternIndex:
			if path[i] != any(segment.index) {
				return false
			}
		case patternAlias:
			index, ok := aliases[segment.key]
			if !ok || path[i] != any(index) {
				return false
			}
		}
	}
	return true
}

func (self Pattern) aliasNames() []string {
	names := []string{}
	for _, segment := range self {
		if segment.kind == patternAlias {
			names = append(names, segment.key)
		}
	}
	return names
}

type ChangeFunction = func()

type ChangeTrackerSettings struct {
	// when all of these top-level keys change in one transaction,
	// the transaction is a hydration and not an edit
	HydrationKeys []string
	IgnorePaths   []Pattern
}

func DefaultChangeTrackerSettings() *ChangeTrackerSettings {
	return &ChangeTrackerSettings{
		HydrationKeys: []string{"root", "meta", "links", "content"},
		IgnorePaths:   []Pattern{},
	}
}

// tracks whether a document was edited since the last `Reset`
type ChangeTracker struct {
	root     *ydoc.Map
	settings *ChangeTrackerSettings

	stateLock sync.Mutex
	aliases   map[string]AliasFunction
	lastHash  uint64
	changed   bool

	changeCallbacks *connect.CallbackList[ChangeFunction]

	unobserve func()
}

func NewChangeTrackerWithDefaults(root *ydoc.Map) *ChangeTracker {
	return NewChangeTracker(root, DefaultChangeTrackerSettings())
}

func NewChangeTracker(root *ydoc.Map, settings *ChangeTrackerSettings) *ChangeTracker {
	tracker := &ChangeTracker{
		root:            root,
		settings:        settings,
		aliases:         map[string]AliasFunction{},
		changeCallbacks: connect.NewCallbackList[ChangeFunction](),
	}
	tracker.lastHash = tracker.hash()
	tracker.unobserve = root.ObserveDeep(tracker.observe)
	return tracker
}

func (self *ChangeTracker) SetAlias(name string, aliasFunction AliasFunction) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.aliases[name] = aliasFunction
}

func (self *ChangeTracker) Changed() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.changed
}

// takes the current state as the unchanged baseline
func (self *ChangeTracker) Reset() {
	h := self.hash()
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.lastHash = h
	self.changed = false
}

func (self *ChangeTracker) AddChangeCallback(changeCallback ChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *ChangeTracker) Close() {
	self.unobserve()
	self.changeCallbacks.Clear()
}

func (self *ChangeTracker) observe(events []*ydoc.Event) {
	h := self.hash()

	if self.isHydration(events) {
		self.stateLock.Lock()
		self.lastHash = h
		self.stateLock.Unlock()
		glog.V(2).Infof("[tracker]hydration\n")
		return
	}

	changedPaths := ChangedPaths(events)
	ignored := self.ignored(changedPaths)

	notify := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if h == self.lastHash {
			return
		}
		self.lastHash = h
		if ignored {
			return
		}
		self.changed = true
		notify = true
	}()

	if notify {
		for _, changeCallback := range self.changeCallbacks.Get() {
			connect.HandleError(changeCallback)
		}
	}
}

func (self *ChangeTracker) isHydration(events []*ydoc.Event) bool {
	if len(self.settings.HydrationKeys) == 0 {
		return false
	}
	for _, event := range events {
		if _, ok := event.Target.(*ydoc.Map); !ok || len(event.Path) != 0 {
			continue
		}
		keys := map[string]bool{}
		for _, key := range event.KeysChanged {
			keys[key] = true
		}
		all := true
		for _, key := range self.settings.HydrationKeys {
			if !keys[key] {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

// true when every changed path is covered by an ignore pattern
func (self *ChangeTracker) ignored(changedPaths []Path) bool {
	if len(self.settings.IgnorePaths) == 0 || len(changedPaths) == 0 {
		return false
	}

	self.stateLock.Lock()
	aliasFunctions := map[string]AliasFunction{}
	for name, aliasFunction := range self.aliases {
		aliasFunctions[name] = aliasFunction
	}
	self.stateLock.Unlock()

	// aliases resolve against the current state
	aliases := map[string]int{}
	self.root.Doc().View(func(tx *ydoc.Transaction) {
		for _, pattern := range self.settings.IgnorePaths {
			for _, name := range pattern.aliasNames() {
				if aliasFunction, ok := aliasFunctions[name]; ok {
					if index, ok := aliasFunction(tx, self.root); ok {
						aliases[name] = index
					}
				}
			}
		}
	})

	for _, changedPath := range changedPaths {
		covered := false
		for _, pattern := range self.settings.IgnorePaths {
			if pattern.covers(changedPath, aliases) {
				covered = true
				break
			}
		}
		if !covered {
			return false
		}
	}
	return true
}

// structural hash of the full root
func (self *ChangeTracker) hash() uint64 {
	var b []byte
	self.root.Doc().View(func(tx *ydoc.Transaction) {
		var err error
		// map keys marshal sorted, so equal trees hash equal
		b, err = json.Marshal(self.root.ToJSON(tx))
		if err != nil {
			glog.Infof("[tracker]hash error = %s\n", err)
		}
	})
	return xxhash.Sum64(b)
}
