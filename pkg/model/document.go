package model

import "fmt"

// Document is the user facing field map passed to writes and returned from
// snapshots.
type Document map[string]interface{}

// DocumentType is the variant of a MutableDocument.
type DocumentType int

const (
	// InvalidDocument is a placeholder for a key with no known state.
	InvalidDocument DocumentType = iota
	// FoundDocument exists with data.
	FoundDocument
	// NoDocument is known not to exist at its version.
	NoDocument
	// UnknownDocument exists at its version but its contents are unknown,
	// e.g. after a committed patch on a document that was not cached.
	UnknownDocument
)

func (t DocumentType) String() string {
	switch t {
	case FoundDocument:
		return "found"
	case NoDocument:
		return "no-document"
	case UnknownDocument:
		return "unknown"
	}
	return "invalid"
}

// DocumentState tracks pending writes on a document.
type DocumentState int

const (
	Synced DocumentState = iota
	HasLocalMutations
	HasCommittedMutations
)

// MutableDocument is the engine's document representation. Instances are
// owned by whoever holds them; caches hand out clones.
type MutableDocument struct {
	key      DocumentKey
	docType  DocumentType
	version  SnapshotVersion
	readTime SnapshotVersion
	data     ObjectValue
	state    DocumentState
}

func NewInvalidDocument(key DocumentKey) *MutableDocument {
	return &MutableDocument{key: key, data: ObjectValue{}}
}

func NewFoundDocument(key DocumentKey, version SnapshotVersion, data ObjectValue) *MutableDocument {
	return NewInvalidDocument(key).ConvertToFoundDocument(version, data)
}

func NewNoDocument(key DocumentKey, version SnapshotVersion) *MutableDocument {
	return NewInvalidDocument(key).ConvertToNoDocument(version)
}

func NewUnknownDocument(key DocumentKey, version SnapshotVersion) *MutableDocument {
	return NewInvalidDocument(key).ConvertToUnknownDocument(version)
}

// ConvertToFoundDocument changes the document in place and returns it.
func (d *MutableDocument) ConvertToFoundDocument(version SnapshotVersion, data ObjectValue) *MutableDocument {
	if data == nil {
		data = ObjectValue{}
	}
	d.version = version
	d.docType = FoundDocument
	d.data = data
	d.state = Synced
	return d
}

func (d *MutableDocument) ConvertToNoDocument(version SnapshotVersion) *MutableDocument {
	d.version = version
	d.docType = NoDocument
	d.data = ObjectValue{}
	d.state = Synced
	return d
}

func (d *MutableDocument) ConvertToUnknownDocument(version SnapshotVersion) *MutableDocument {
	d.version = version
	d.docType = UnknownDocument
	d.data = ObjectValue{}
	d.state = HasCommittedMutations
	return d
}

func (d *MutableDocument) SetHasCommittedMutations() *MutableDocument {
	d.state = HasCommittedMutations
	return d
}

func (d *MutableDocument) SetHasLocalMutations() *MutableDocument {
	d.state = HasLocalMutations
	d.version = MinVersion
	return d
}

func (d *MutableDocument) SetReadTime(v SnapshotVersion) *MutableDocument {
	d.readTime = v
	return d
}

func (d *MutableDocument) Key() DocumentKey          { return d.key }
func (d *MutableDocument) Type() DocumentType        { return d.docType }
func (d *MutableDocument) Version() SnapshotVersion  { return d.version }
func (d *MutableDocument) ReadTime() SnapshotVersion { return d.readTime }
func (d *MutableDocument) State() DocumentState      { return d.state }

// Data returns the document fields. Callers must not mutate the result of a
// document they do not own.
func (d *MutableDocument) Data() ObjectValue { return d.data }

// Field is a shortcut for Data().Field.
func (d *MutableDocument) Field(path FieldPath) (interface{}, bool) {
	return d.data.Field(path)
}

func (d *MutableDocument) HasLocalMutations() bool     { return d.state == HasLocalMutations }
func (d *MutableDocument) HasCommittedMutations() bool { return d.state == HasCommittedMutations }
func (d *MutableDocument) HasPendingWrites() bool {
	return d.HasLocalMutations() || d.HasCommittedMutations()
}

func (d *MutableDocument) IsValidDocument() bool   { return d.docType != InvalidDocument }
func (d *MutableDocument) IsFoundDocument() bool   { return d.docType == FoundDocument }
func (d *MutableDocument) IsNoDocument() bool      { return d.docType == NoDocument }
func (d *MutableDocument) IsUnknownDocument() bool { return d.docType == UnknownDocument }

// Clone returns a deep copy.
func (d *MutableDocument) Clone() *MutableDocument {
	cp := *d
	cp.data = d.data.Clone()
	return &cp
}

// Equal compares every field, including the pending-write state.
func (d *MutableDocument) Equal(other *MutableDocument) bool {
	if d == nil || other == nil {
		return d == other
	}
	return d.key == other.key &&
		d.docType == other.docType &&
		d.version == other.version &&
		d.state == other.state &&
		d.data.Equal(other.data)
}

// ToDocument returns a user facing copy of the fields with the reserved "id"
// entry set to the document id.
func (d *MutableDocument) ToDocument() Document {
	out := Document(d.data.Clone())
	out["id"] = d.key.ID()
	return out
}

func (d *MutableDocument) String() string {
	return fmt.Sprintf("Document{key=%s, type=%s, version=%s, readTime=%s, state=%d, data=%v}",
		d.key, d.docType, d.version, d.readTime, d.state, map[string]interface{}(d.data))
}
