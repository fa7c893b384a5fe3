package serializer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/syntrixbase/syntrix-sync/pkg/model"
	"github.com/syntrixbase/syntrix-sync/pkg/mutation"
)

// Mutation is the wire form of one write.
type Mutation struct {
	Type         string           `json:"type"`
	Key          string           `json:"key"`
	Fields       map[string]Value `json:"fields,omitempty"`
	Mask         []string         `json:"mask,omitempty"`
	Precondition *Precondition    `json:"precondition,omitempty"`
	Transforms   []Transform      `json:"transforms,omitempty"`
}

// Precondition is the wire form of a mutation precondition.
type Precondition struct {
	Exists     *bool  `json:"exists,omitempty"`
	UpdateTime string `json:"updateTime,omitempty"`
}

// Transform is the wire form of a field transform.
type Transform struct {
	Field    string  `json:"field"`
	Kind     string  `json:"kind"`
	Elements []Value `json:"elements,omitempty"`
	Operand  Value   `json:"operand,omitempty"`
}

type mutationIn struct {
	Type         string                     `json:"type"`
	Key          string                     `json:"key"`
	Fields       map[string]json.RawMessage `json:"fields"`
	Mask         []string                   `json:"mask"`
	Precondition *Precondition              `json:"precondition"`
	Transforms   []transformIn              `json:"transforms"`
}

type transformIn struct {
	Field    string            `json:"field"`
	Kind     string            `json:"kind"`
	Elements []json.RawMessage `json:"elements"`
	Operand  json.RawMessage   `json:"operand"`
}

// EncodeMutation converts m to its wire form.
func EncodeMutation(m mutation.Mutation) (*Mutation, error) {
	out := &Mutation{Type: string(m.Kind), Key: m.Key.String()}
	if m.Kind == mutation.KindSet || m.Kind == mutation.KindPatch {
		fields, err := EncodeFields(m.Value)
		if err != nil {
			return nil, fmt.Errorf("mutation of %s: %w", m.Key, err)
		}
		out.Fields = fields
	}
	if m.Mask != nil {
		out.Mask = []string{}
		for _, p := range m.Mask.Fields() {
			out.Mask = append(out.Mask, string(p))
		}
	}
	if exists, ok := m.Precondition.Exists(); ok {
		out.Precondition = &Precondition{Exists: &exists}
	} else if v, ok := m.Precondition.UpdateTime(); ok {
		out.Precondition = &Precondition{UpdateTime: encodeVersion(v)}
	}
	for _, t := range m.Transforms {
		enc := Transform{Field: string(t.Field), Kind: string(t.Kind)}
		for _, e := range t.Elements {
			v, err := EncodeValue(e)
			if err != nil {
				return nil, err
			}
			enc.Elements = append(enc.Elements, v)
		}
		if t.Kind == mutation.TransformIncrement {
			v, err := EncodeValue(t.Operand)
			if err != nil {
				return nil, err
			}
			enc.Operand = v
		}
		out.Transforms = append(out.Transforms, enc)
	}
	return out, nil
}

// DecodeMutation parses the wire form of a mutation and validates it.
func DecodeMutation(raw json.RawMessage) (mutation.Mutation, error) {
	var in mutationIn
	if err := json.Unmarshal(raw, &in); err != nil {
		return mutation.Mutation{}, fmt.Errorf("invalid mutation: %w", err)
	}
	key, err := model.NewDocumentKey(in.Key)
	if err != nil {
		return mutation.Mutation{}, err
	}
	m := mutation.Mutation{Kind: mutation.Kind(in.Type), Key: key}
	if in.Fields != nil || m.Kind == mutation.KindSet || m.Kind == mutation.KindPatch {
		fields, err := DecodeFields(in.Fields)
		if err != nil {
			return mutation.Mutation{}, fmt.Errorf("mutation of %s: %w", key, err)
		}
		m.Value = model.ObjectValue(fields)
	}
	if in.Mask != nil {
		paths := make([]model.FieldPath, 0, len(in.Mask))
		for _, p := range in.Mask {
			fp, err := model.ParseFieldPath(p)
			if err != nil {
				return mutation.Mutation{}, err
			}
			paths = append(paths, fp)
		}
		m.Mask = mutation.NewFieldMask(paths...)
	}
	if pre := in.Precondition; pre != nil {
		switch {
		case pre.Exists != nil:
			m.Precondition = mutation.PreconditionExists(*pre.Exists)
		case pre.UpdateTime != "":
			v, err := decodeVersion(pre.UpdateTime)
			if err != nil {
				return mutation.Mutation{}, err
			}
			m.Precondition = mutation.PreconditionUpdateTime(v)
		}
	}
	for _, t := range in.Transforms {
		ft, err := decodeTransform(t)
		if err != nil {
			return mutation.Mutation{}, fmt.Errorf("mutation of %s: %w", key, err)
		}
		m.Transforms = append(m.Transforms, ft)
	}
	if err := m.Validate(); err != nil {
		return mutation.Mutation{}, err
	}
	return m, nil
}

func decodeTransform(in transformIn) (mutation.FieldTransform, error) {
	field, err := model.ParseFieldPath(in.Field)
	if err != nil {
		return mutation.FieldTransform{}, err
	}
	out := mutation.FieldTransform{Field: field, Kind: mutation.TransformKind(in.Kind)}
	switch out.Kind {
	case mutation.TransformServerTimestamp:
	case mutation.TransformArrayUnion, mutation.TransformArrayRemove:
		out.Elements = make([]interface{}, 0, len(in.Elements))
		for _, raw := range in.Elements {
			v, err := DecodeValue(raw)
			if err != nil {
				return out, err
			}
			out.Elements = append(out.Elements, v)
		}
	case mutation.TransformIncrement:
		v, err := DecodeValue(in.Operand)
		if err != nil {
			return out, err
		}
		if !model.IsNumber(v) {
			return out, fmt.Errorf("increment operand must be a number, got %T", v)
		}
		out.Operand = v
	default:
		return out, fmt.Errorf("unknown transform %q", in.Kind)
	}
	return out, nil
}

// Batch is the stored form of a mutation batch.
type Batch struct {
	BatchID        int        `json:"batchId"`
	LocalWriteTime string     `json:"localWriteTime"`
	Mutations      []Mutation `json:"mutations"`
}

type batchIn struct {
	BatchID        int               `json:"batchId"`
	LocalWriteTime json.RawMessage   `json:"localWriteTime"`
	Mutations      []json.RawMessage `json:"mutations"`
}

// MarshalBatch encodes a batch for durable storage.
func MarshalBatch(b *mutation.Batch) ([]byte, error) {
	out := Batch{
		BatchID:        b.BatchID,
		LocalWriteTime: b.LocalWriteTime.UTC().Format(time.RFC3339Nano),
		Mutations:      make([]Mutation, 0, len(b.Mutations)),
	}
	for _, m := range b.Mutations {
		enc, err := EncodeMutation(m)
		if err != nil {
			return nil, err
		}
		out.Mutations = append(out.Mutations, *enc)
	}
	return json.Marshal(out)
}

// UnmarshalBatch parses a batch written by MarshalBatch.
func UnmarshalBatch(data []byte) (*mutation.Batch, error) {
	var in batchIn
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("invalid batch: %w", err)
	}
	t, err := decodeTime(in.LocalWriteTime)
	if err != nil {
		return nil, fmt.Errorf("batch %d: %w", in.BatchID, err)
	}
	ms := make([]mutation.Mutation, 0, len(in.Mutations))
	for _, raw := range in.Mutations {
		m, err := DecodeMutation(raw)
		if err != nil {
			return nil, fmt.Errorf("batch %d: %w", in.BatchID, err)
		}
		ms = append(ms, m)
	}
	return mutation.NewBatch(in.BatchID, t, ms), nil
}

// Overlay is the stored form of a document overlay.
type Overlay struct {
	LargestBatchID int      `json:"largestBatchId"`
	Mutation       Mutation `json:"mutation"`
}

type overlayIn struct {
	LargestBatchID int             `json:"largestBatchId"`
	Mutation       json.RawMessage `json:"mutation"`
}

func MarshalOverlay(o mutation.Overlay) ([]byte, error) {
	enc, err := EncodeMutation(o.Mutation)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Overlay{LargestBatchID: o.LargestBatchID, Mutation: *enc})
}

func UnmarshalOverlay(data []byte) (mutation.Overlay, error) {
	var in overlayIn
	if err := json.Unmarshal(data, &in); err != nil {
		return mutation.Overlay{}, fmt.Errorf("invalid overlay: %w", err)
	}
	m, err := DecodeMutation(in.Mutation)
	if err != nil {
		return mutation.Overlay{}, err
	}
	return mutation.Overlay{LargestBatchID: in.LargestBatchID, Mutation: m}, nil
}
