package docpath

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidPath = errors.New("invalid path")

// segments are map keys (string) or sequence indexes (int)
type Path []any

// parses dotted/bracketed paths, e.g. `meta.core/assignment[0].title`
// keys may contain any character other than `.`, `[` and `]`
func Parse(s string) (Path, error) {
	path := Path{}
	if s == "" {
		return path, nil
	}
	i := 0
	expectKey := true
	for i < len(s) {
		switch s[i] {
		case '.':
			if expectKey {
				return nil, fmt.Errorf("%w: empty key at %d in %q", ErrInvalidPath, i, s)
			}
			expectKey = true
			i += 1
		case '[':
			end := strings.IndexByte(s[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("%w: unclosed bracket at %d in %q", ErrInvalidPath, i, s)
			}
			indexStr := s[i+1 : i+end]
			index, err := strconv.Atoi(indexStr)
			if err != nil || index < 0 {
				return nil, fmt.Errorf("%w: bad index %q in %q", ErrInvalidPath, indexStr, s)
			}
			path = append(path, index)
			expectKey = false
			i += end + 1
		default:
			if !expectKey {
				return nil, fmt.Errorf("%w: expected separator at %d in %q", ErrInvalidPath, i, s)
			}
			end := strings.IndexAny(s[i:], ".[]")
			if end < 0 {
				end = len(s) - i
			}
			if end == 0 {
				return nil, fmt.Errorf("%w: unexpected %q at %d", ErrInvalidPath, s[i], i)
			}
			path = append(path, s[i:i+end])
			expectKey = false
			i += end
		}
	}
	if expectKey {
		return nil, fmt.Errorf("%w: trailing separator in %q", ErrInvalidPath, s)
	}
	return path, nil
}

func MustParse(s string) Path {
	path, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return path
}

func (self Path) String() string {
	var b strings.Builder
	for i, segment := range self {
		switch v := segment.(type) {
		case int:
			fmt.Fprintf(&b, "[%d]", v)
		default:
			if 0 < i {
				b.WriteByte('.')
			}
			fmt.Fprintf(&b, "%v", v)
		}
	}
	return b.String()
}

func (self Path) Append(segments ...any) Path {
	next := make(Path, 0, len(self)+len(segments))
	next = append(next, self...)
	return append(next, segments...)
}

func (self Path) HasPrefix(prefix Path) bool {
	if len(self) < len(prefix) {
		return false
	}
	for i, segment := range prefix {
		if self[i] != segment {
			return false
		}
	}
	return true
}

func (self Path) Equal(other Path) bool {
	return len(self) == len(other) && self.HasPrefix(other)
}
