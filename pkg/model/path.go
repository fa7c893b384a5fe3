package model

import (
	"fmt"
	"strings"
)

// ResourcePath is a slash separated path to a collection or a document.
// Values are immutable: every operation returns a new path.
type ResourcePath struct {
	segments []string
}

// ParsePath splits a slash separated path. Empty segments are dropped.
func ParsePath(path string) ResourcePath {
	parts := strings.Split(path, "/")
	segments := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			segments = append(segments, p)
		}
	}
	return ResourcePath{segments: segments}
}

// NewResourcePath builds a path from segments.
func NewResourcePath(segments ...string) ResourcePath {
	cp := make([]string, len(segments))
	copy(cp, segments)
	return ResourcePath{segments: cp}
}

func (p ResourcePath) Len() int             { return len(p.segments) }
func (p ResourcePath) IsEmpty() bool        { return len(p.segments) == 0 }
func (p ResourcePath) Segment(i int) string { return p.segments[i] }

// Segments returns a copy of the path segments.
func (p ResourcePath) Segments() []string {
	cp := make([]string, len(p.segments))
	copy(cp, p.segments)
	return cp
}

// LastSegment returns the final segment, or "" for the empty path.
func (p ResourcePath) LastSegment() string {
	if len(p.segments) == 0 {
		return ""
	}
	return p.segments[len(p.segments)-1]
}

// Child appends segments.
func (p ResourcePath) Child(segments ...string) ResourcePath {
	cp := make([]string, 0, len(p.segments)+len(segments))
	cp = append(cp, p.segments...)
	cp = append(cp, segments...)
	return ResourcePath{segments: cp}
}

// Parent drops the last segment.
func (p ResourcePath) Parent() ResourcePath {
	if len(p.segments) == 0 {
		return p
	}
	return ResourcePath{segments: p.segments[:len(p.segments)-1]}
}

// IsPrefixOf reports whether p is a prefix of other.
func (p ResourcePath) IsPrefixOf(other ResourcePath) bool {
	if len(p.segments) > len(other.segments) {
		return false
	}
	for i, s := range p.segments {
		if other.segments[i] != s {
			return false
		}
	}
	return true
}

// IsImmediateParentOf reports whether other is a direct child of p.
func (p ResourcePath) IsImmediateParentOf(other ResourcePath) bool {
	return len(p.segments)+1 == len(other.segments) && p.IsPrefixOf(other)
}

func (p ResourcePath) Compare(other ResourcePath) int {
	n := len(p.segments)
	if len(other.segments) < n {
		n = len(other.segments)
	}
	for i := 0; i < n; i++ {
		if c := strings.Compare(p.segments[i], other.segments[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(p.segments) < len(other.segments):
		return -1
	case len(p.segments) > len(other.segments):
		return 1
	}
	return 0
}

func (p ResourcePath) Equal(other ResourcePath) bool {
	return p.Compare(other) == 0
}

func (p ResourcePath) String() string {
	return strings.Join(p.segments, "/")
}

// FieldNameKey is the pseudo field that orders documents by key.
const FieldNameKey FieldPath = "__name__"

// FieldPath addresses a (possibly nested) field using dot notation, e.g. "address.city".
type FieldPath string

// ParseFieldPath validates and returns a field path.
func ParseFieldPath(path string) (FieldPath, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty field path", ErrInvalidQuery)
	}
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return "", fmt.Errorf("%w: field path %q has an empty segment", ErrInvalidQuery, path)
		}
	}
	return FieldPath(path), nil
}

// Segments splits the path on dots.
func (f FieldPath) Segments() []string {
	if f == "" {
		return nil
	}
	return strings.Split(string(f), ".")
}

// IsPrefixOf reports whether f equals other or is one of its ancestors.
func (f FieldPath) IsPrefixOf(other FieldPath) bool {
	if f == other {
		return true
	}
	return strings.HasPrefix(string(other), string(f)+".")
}

func (f FieldPath) IsKeyField() bool {
	return f == FieldNameKey
}

func (p ResourcePath) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *ResourcePath) UnmarshalText(b []byte) error {
	*p = ParsePath(string(b))
	return nil
}
