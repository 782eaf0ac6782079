package docpath

import (
	"errors"
	"flag"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/newsroom-sync/docsync/ydoc"
)

func init() {
	flag.Set("logtostderr", "true")
	flag.Set("v", "0")
}

func newRoot(t *testing.T, initial map[string]any) *ydoc.Map {
	doc := ydoc.NewDoc()
	root := doc.GetMap("ele")
	doc.Transact(nil, func(tx *ydoc.Transaction) {
		for key, value := range initial {
			root.Set(tx, key, value)
		}
	})
	return root
}

func TestParse(t *testing.T) {
	path, err := Parse("meta.core/assignment[0].links[12].uuid")
	assert.Equal(t, err, nil)
	assert.Equal(t, path, Path{"meta", "core/assignment", 0, "links", 12, "uuid"})
	assert.Equal(t, path.String(), "meta.core/assignment[0].links[12].uuid")

	path, err = Parse("")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(path), 0)

	for _, bad := range []string{"a..b", "a.", ".a", "a[x]", "a[1", "a[0]b", "a[-1]"} {
		_, err := Parse(bad)
		assert.Equal(t, errors.Is(err, ErrInvalidPath), true)
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	root := newRoot(t, nil)

	values := map[string]any{
		"root.title":                         "Election night",
		"root.language":                      "sv-se",
		"meta.core/description[0].text":      "A description",
		"meta.core/description[0].role":      "public",
		"meta.core/newsvalue[0].value":       "4",
		"links.core/section[0].uuid":         "111-222",
		"content[0].type":                    "core/text",
		"content[0].data.text":               "Paragraph",
		"meta.tt/slugline[0].value":          "val-natt",
		"root.flags":                         []any{"a", "b"},
		"root.nested":                        map[string]any{"x": "y"},
		"meta.core/planning-item[0].data.on": true,
	}
	for pathStr, value := range values {
		path := MustParse(pathStr)
		err := Set(root, path, value)
		assert.Equal(t, err, nil)
		got, ok := GetValue(root, path)
		assert.Equal(t, ok, true)
		assert.Equal(t, got, value)
	}
}

func TestGetMismatchIsNotFound(t *testing.T) {
	root := newRoot(t, map[string]any{
		"meta": map[string]any{
			"core/assignment": []any{
				map[string]any{"title": "a"},
			},
		},
	})

	for _, pathStr := range []string{
		"meta[0]",
		"meta.core/assignment.title",
		"meta.core/assignment[1]",
		"meta.core/assignment[0].title.deeper",
		"missing.key",
	} {
		_, ok := Get(root, MustParse(pathStr))
		assert.Equal(t, ok, false)
	}

	v, ok := GetValue(root, MustParse("meta.core/assignment[0].title"))
	assert.Equal(t, ok, true)
	assert.Equal(t, v, "a")
}

func TestArrayReplace(t *testing.T) {
	root := newRoot(t, map[string]any{
		"links": []any{"a", "b", "c"},
	})
	length := func() int {
		v, _ := GetValue(root, Path{"links"})
		return len(v.([]any))
	}

	notifications := 0
	root.ObserveDeep(func(events []*ydoc.Event) {
		notifications += 1
	})

	// replacing keeps the length and is one change
	err := Set(root, Path{"links", 1}, "B")
	assert.Equal(t, err, nil)
	assert.Equal(t, length(), 3)
	assert.Equal(t, notifications, 1)
	v, _ := GetValue(root, Path{"links"})
	assert.Equal(t, v, []any{"a", "B", "c"})

	// at the length appends
	err = Set(root, Path{"links", 3}, "d")
	assert.Equal(t, err, nil)
	assert.Equal(t, length(), 4)

	// nil removes
	err = Set(root, Path{"links", 0}, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, length(), 3)
	v, _ = GetValue(root, Path{"links"})
	assert.Equal(t, v, []any{"B", "c", "d"})

	// past the length is out of range
	err = Set(root, Path{"links", 9}, "x")
	assert.Equal(t, errors.Is(err, ErrIndexOutOfRange), true)

	// removing the last element leaves an empty sequence
	for range 3 {
		err = Set(root, Path{"links", 0}, nil)
		assert.Equal(t, err, nil)
	}
	assert.Equal(t, length(), 0)
}

func TestSetTypeMismatch(t *testing.T) {
	root := newRoot(t, map[string]any{
		"title": "x",
		"links": []any{},
	})
	err := Set(root, MustParse("title.deeper"), "y")
	assert.Equal(t, errors.Is(err, ErrTypeMismatch), true)
	err = Set(root, Path{"links", "key"}, "y")
	assert.Equal(t, errors.Is(err, ErrTypeMismatch), true)
	err = Set(root, Path{}, "y")
	assert.Equal(t, err, ErrEmptyPath)
}

func TestSetTextMinimalDiff(t *testing.T) {
	doc := ydoc.NewDoc()
	root := doc.GetMap("ele")
	doc.Transact(nil, func(tx *ydoc.Transaction) {
		root.Set(tx, "body", ydoc.NewText("The quick fox"))
	})

	var updates [][]byte
	doc.OnUpdate(func(update []byte, origin any) {
		updates = append(updates, update)
	})

	err := Set(root, Path{"body"}, "The quick brown fox")
	assert.Equal(t, err, nil)

	v, ok := Get(root, Path{"body"})
	assert.Equal(t, ok, true)
	_, isText := v.(*ydoc.Text)
	assert.Equal(t, isText, true)
	value, _ := GetValue(root, Path{"body"})
	assert.Equal(t, value, "The quick brown fox")

	// replay the diff on a copy of the original text
	other := ydoc.NewDoc()
	other.Transact(nil, func(tx *ydoc.Transaction) {
		other.GetMap("ele").Set(tx, "body", ydoc.NewText("The quick fox"))
	})
	assert.Equal(t, len(updates), 1)
	err = other.ApplyUpdate(updates[0], nil)
	assert.Equal(t, err, nil)
	value, _ = GetValue(other.GetMap("ele"), Path{"body"})
	assert.Equal(t, value, "The quick brown fox")
}

func TestSubscribe(t *testing.T) {
	root := newRoot(t, map[string]any{
		"meta": map[string]any{
			"core/assignment": []any{
				map[string]any{"title": "a"},
			},
		},
	})

	exactValues := []any{}
	unsubscribeExact := Subscribe(root, MustParse("meta.core/assignment[0].title"), Exact, func(value any, ok bool) {
		exactValues = append(exactValues, value)
	})
	deepCount := 0
	unsubscribeDeep := Subscribe(root, MustParse("meta"), Deep, func(value any, ok bool) {
		deepCount += 1
	})
	exactMetaCount := 0
	unsubscribeExactMeta := Subscribe(root, MustParse("meta"), Exact, func(value any, ok bool) {
		exactMetaCount += 1
	})
	defer unsubscribeExactMeta()

	Set(root, MustParse("meta.core/assignment[0].title"), "b")
	Set(root, MustParse("meta.core/assignment[0].slug"), "s")
	Set(root, MustParse("other"), "x")

	assert.Equal(t, exactValues, []any{"b"})
	assert.Equal(t, deepCount, 2)
	assert.Equal(t, exactMetaCount, 0)

	unsubscribeExact()
	unsubscribeDeep()
	Set(root, MustParse("meta.core/assignment[0].title"), "c")
	assert.Equal(t, exactValues, []any{"b"})
	assert.Equal(t, deepCount, 2)
}
