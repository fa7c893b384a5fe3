package serializer

import (
	"encoding/json"
	"fmt"

	"github.com/syntrixbase/syntrix-sync/pkg/model"
)

// Document is the stored and wire form of a MutableDocument.
type Document struct {
	Name                  string           `json:"name"`
	Type                  string           `json:"type"`
	Fields                map[string]Value `json:"fields,omitempty"`
	Version               string           `json:"version,omitempty"`
	ReadTime              string           `json:"readTime,omitempty"`
	HasCommittedMutations bool             `json:"hasCommittedMutations,omitempty"`
}

type documentIn struct {
	Name                  string                     `json:"name"`
	Type                  string                     `json:"type"`
	Fields                map[string]json.RawMessage `json:"fields"`
	Version               string                     `json:"version"`
	ReadTime              string                     `json:"readTime"`
	HasCommittedMutations bool                       `json:"hasCommittedMutations"`
}

// EncodeDocument converts doc to its wire form. Local mutation state is not
// encoded; only committed state is ever persisted or sent.
func EncodeDocument(doc *model.MutableDocument) (*Document, error) {
	out := &Document{
		Name:                  doc.Key().String(),
		Type:                  doc.Type().String(),
		Version:               encodeVersion(doc.Version()),
		HasCommittedMutations: doc.HasCommittedMutations(),
	}
	if !doc.ReadTime().IsMin() {
		out.ReadTime = encodeVersion(doc.ReadTime())
	}
	if doc.IsFoundDocument() {
		fields, err := EncodeFields(doc.Data())
		if err != nil {
			return nil, fmt.Errorf("document %s: %w", doc.Key(), err)
		}
		out.Fields = fields
	}
	return out, nil
}

// MarshalDocument encodes doc as JSON.
func MarshalDocument(doc *model.MutableDocument) ([]byte, error) {
	enc, err := EncodeDocument(doc)
	if err != nil {
		return nil, err
	}
	return json.Marshal(enc)
}

// UnmarshalDocument parses a document written by MarshalDocument.
func UnmarshalDocument(data []byte) (*model.MutableDocument, error) {
	var in documentIn
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("invalid document: %w", err)
	}
	return decodeDocument(in)
}

func decodeDocument(in documentIn) (*model.MutableDocument, error) {
	key, err := model.NewDocumentKey(in.Name)
	if err != nil {
		return nil, err
	}
	version, err := decodeVersion(in.Version)
	if err != nil {
		return nil, err
	}
	readTime, err := decodeVersion(in.ReadTime)
	if err != nil {
		return nil, err
	}
	var doc *model.MutableDocument
	switch in.Type {
	case model.FoundDocument.String():
		fields, err := DecodeFields(in.Fields)
		if err != nil {
			return nil, fmt.Errorf("document %s: %w", key, err)
		}
		doc = model.NewFoundDocument(key, version, model.ObjectValue(fields))
	case model.NoDocument.String():
		doc = model.NewNoDocument(key, version)
	case model.UnknownDocument.String():
		doc = model.NewUnknownDocument(key, version)
	case model.InvalidDocument.String():
		doc = model.NewInvalidDocument(key)
	default:
		return nil, fmt.Errorf("document %s: unknown type %q", key, in.Type)
	}
	if in.HasCommittedMutations {
		doc.SetHasCommittedMutations()
	}
	doc.SetReadTime(readTime)
	return doc, nil
}
