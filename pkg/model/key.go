package model

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var (
	idRegex = regexp.MustCompile(`^[a-zA-Z0-9_\-\.]{1,64}$`)
)

// CheckDocumentID reports whether id is a valid document or collection id.
func CheckDocumentID(id string) bool {
	return idRegex.MatchString(id)
}

// NewDocumentID returns a random id that passes CheckDocumentID.
func NewDocumentID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// DocumentKey identifies one document. It is comparable and usable as a map key.
type DocumentKey struct {
	path string
}

// NewDocumentKey validates path and returns its key. The path needs an even
// number of segments and every segment must be a valid id.
func NewDocumentKey(path string) (DocumentKey, error) {
	return NewDocumentKeyFromPath(ParsePath(path))
}

// NewDocumentKeyFromPath validates a resource path as a document path.
func NewDocumentKeyFromPath(p ResourcePath) (DocumentKey, error) {
	if p.Len() == 0 || p.Len()%2 != 0 {
		return DocumentKey{}, fmt.Errorf("%w: %q is not a document path", ErrInvalidQuery, p.String())
	}
	for _, s := range p.segments {
		if !CheckDocumentID(s) {
			return DocumentKey{}, fmt.Errorf("%w: invalid path segment %q", ErrInvalidQuery, s)
		}
	}
	return DocumentKey{path: p.String()}, nil
}

// MustDocumentKey is NewDocumentKey for trusted input. It panics on error.
func MustDocumentKey(path string) DocumentKey {
	k, err := NewDocumentKey(path)
	if err != nil {
		panic(err)
	}
	return k
}

// EmptyKey is the zero key. It sorts before every other key.
var EmptyKey = DocumentKey{}

func (k DocumentKey) IsEmpty() bool { return k.path == "" }

// Path returns the key as a resource path.
func (k DocumentKey) Path() ResourcePath { return ParsePath(k.path) }

// ID returns the last path segment.
func (k DocumentKey) ID() string {
	if i := strings.LastIndexByte(k.path, '/'); i >= 0 {
		return k.path[i+1:]
	}
	return k.path
}

// CollectionPath returns the path of the parent collection.
func (k DocumentKey) CollectionPath() ResourcePath {
	return k.Path().Parent()
}

// HasCollectionID reports whether the immediate parent collection has the given id.
func (k DocumentKey) HasCollectionID(id string) bool {
	return k.CollectionPath().LastSegment() == id
}

func (k DocumentKey) String() string { return k.path }

// Compare orders keys segment by segment.
func (k DocumentKey) Compare(other DocumentKey) int {
	return comparePathStrings(k.path, other.path)
}

// CompareKeys is DocumentKey.Compare as a free function for sorted containers.
func CompareKeys(a, b DocumentKey) int {
	return a.Compare(b)
}

func comparePathStrings(a, b string) int {
	for {
		if a == "" || b == "" {
			switch {
			case a == "" && b == "":
				return 0
			case a == "":
				return -1
			default:
				return 1
			}
		}
		sa, restA := cutSegment(a)
		sb, restB := cutSegment(b)
		if c := strings.Compare(sa, sb); c != 0 {
			return c
		}
		a, b = restA, restB
	}
}

func cutSegment(p string) (string, string) {
	if i := strings.IndexByte(p, '/'); i >= 0 {
		return p[:i], p[i+1:]
	}
	return p, ""
}

func (k DocumentKey) MarshalText() ([]byte, error) {
	return []byte(k.path), nil
}

func (k *DocumentKey) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*k = EmptyKey
		return nil
	}
	parsed, err := NewDocumentKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// CollectionStartKey returns a bound that sorts before every document in the
// collection at path and after every document that sorts before the
// collection. It is only meant for range scans; it is not a valid key.
func CollectionStartKey(path ResourcePath) DocumentKey {
	return DocumentKey{path: path.String()}
}
