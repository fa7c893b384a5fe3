package serializer

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/syntrixbase/syntrix-sync/pkg/model"
)

// Query is the wire form of a query. Filter values use the tagged encoding.
type Query struct {
	Path    string          `json:"path"`
	Filters []Filter        `json:"filters,omitempty"`
	OrderBy []model.OrderBy `json:"orderBy,omitempty"`
	Limit   int             `json:"limit,omitempty"`
}

type Filter struct {
	Field string         `json:"field"`
	Op    model.FilterOp `json:"op"`
	Value Value          `json:"value"`
}

type queryIn struct {
	Path    string          `json:"path"`
	Filters []filterIn      `json:"filters"`
	OrderBy []model.OrderBy `json:"orderBy"`
	Limit   int             `json:"limit"`
}

type filterIn struct {
	Field string          `json:"field"`
	Op    model.FilterOp  `json:"op"`
	Value json.RawMessage `json:"value"`
}

func EncodeQuery(q model.Query) (*Query, error) {
	out := &Query{Path: q.Path.String(), OrderBy: q.OrderBy, Limit: q.Limit}
	for _, f := range q.Filters {
		v, err := EncodeValue(f.Value)
		if err != nil {
			return nil, fmt.Errorf("filter on %q: %w", f.Field, err)
		}
		out.Filters = append(out.Filters, Filter{Field: f.Field, Op: f.Op, Value: v})
	}
	return out, nil
}

func decodeQuery(in queryIn) (model.Query, error) {
	q := model.Query{Path: model.ParsePath(in.Path), OrderBy: in.OrderBy, Limit: in.Limit}
	for _, f := range in.Filters {
		v, err := DecodeValue(f.Value)
		if err != nil {
			return q, fmt.Errorf("filter on %q: %w", f.Field, err)
		}
		q.Filters = append(q.Filters, model.Filter{Field: f.Field, Op: f.Op, Value: v})
	}
	return q.Validate()
}

// DecodeQuery parses and validates the wire form of a query.
func DecodeQuery(raw json.RawMessage) (model.Query, error) {
	var in queryIn
	if err := json.Unmarshal(raw, &in); err != nil {
		return model.Query{}, fmt.Errorf("invalid query: %w", err)
	}
	return decodeQuery(in)
}

// TargetData is the stored form of a target's engine state.
type TargetData struct {
	TargetID                     model.TargetID `json:"targetId"`
	Query                        Query          `json:"query"`
	Purpose                      string         `json:"purpose"`
	SequenceNumber               int64          `json:"sequenceNumber"`
	SnapshotVersion              string         `json:"snapshotVersion,omitempty"`
	LastLimboFreeSnapshotVersion string         `json:"lastLimboFreeSnapshotVersion,omitempty"`
	ResumeToken                  string         `json:"resumeToken,omitempty"`
	MatchingKeys                 []string       `json:"matchingKeys,omitempty"`
}

type targetDataIn struct {
	TargetID                     model.TargetID `json:"targetId"`
	Query                        queryIn        `json:"query"`
	Purpose                      string         `json:"purpose"`
	SequenceNumber               int64          `json:"sequenceNumber"`
	SnapshotVersion              string         `json:"snapshotVersion"`
	LastLimboFreeSnapshotVersion string         `json:"lastLimboFreeSnapshotVersion"`
	ResumeToken                  string         `json:"resumeToken"`
	MatchingKeys                 []string       `json:"matchingKeys"`
}

var purposes = map[string]model.TargetPurpose{
	model.PurposeListen.String():                       model.PurposeListen,
	model.PurposeExistenceFilterMismatch.String():      model.PurposeExistenceFilterMismatch,
	model.PurposeExistenceFilterMismatchBloom.String(): model.PurposeExistenceFilterMismatchBloom,
	model.PurposeLimboResolution.String():              model.PurposeLimboResolution,
}

// MarshalTarget encodes td and the keys the server reported for it for
// durable storage. The expected count is transient and not stored.
func MarshalTarget(td model.TargetData, keys []model.DocumentKey) ([]byte, error) {
	q, err := EncodeQuery(td.Target)
	if err != nil {
		return nil, err
	}
	out := TargetData{
		TargetID:       td.TargetID,
		Query:          *q,
		Purpose:        td.Purpose.String(),
		SequenceNumber: td.SequenceNumber,
		ResumeToken:    base64.StdEncoding.EncodeToString(td.ResumeToken),
	}
	for _, k := range keys {
		out.MatchingKeys = append(out.MatchingKeys, k.String())
	}
	if !td.SnapshotVersion.IsMin() {
		out.SnapshotVersion = encodeVersion(td.SnapshotVersion)
	}
	if !td.LastLimboFreeSnapshotVersion.IsMin() {
		out.LastLimboFreeSnapshotVersion = encodeVersion(td.LastLimboFreeSnapshotVersion)
	}
	return json.Marshal(out)
}

// UnmarshalTarget parses a target written by MarshalTarget.
func UnmarshalTarget(data []byte) (model.TargetData, []model.DocumentKey, error) {
	var in targetDataIn
	if err := json.Unmarshal(data, &in); err != nil {
		return model.TargetData{}, nil, fmt.Errorf("invalid target data: %w", err)
	}
	q, err := decodeQuery(in.Query)
	if err != nil {
		return model.TargetData{}, nil, fmt.Errorf("target %d: %w", in.TargetID, err)
	}
	purpose, ok := purposes[in.Purpose]
	if !ok {
		return model.TargetData{}, nil, fmt.Errorf("target %d: unknown purpose %q", in.TargetID, in.Purpose)
	}
	td := model.NewTargetData(q, in.TargetID, purpose, in.SequenceNumber)
	if td.SnapshotVersion, err = decodeVersion(in.SnapshotVersion); err != nil {
		return td, nil, err
	}
	if td.LastLimboFreeSnapshotVersion, err = decodeVersion(in.LastLimboFreeSnapshotVersion); err != nil {
		return td, nil, err
	}
	if in.ResumeToken != "" {
		if td.ResumeToken, err = base64.StdEncoding.DecodeString(in.ResumeToken); err != nil {
			return td, nil, fmt.Errorf("target %d: invalid resume token: %w", in.TargetID, err)
		}
	}
	keys := make([]model.DocumentKey, 0, len(in.MatchingKeys))
	for _, raw := range in.MatchingKeys {
		k, err := model.NewDocumentKey(raw)
		if err != nil {
			return td, nil, fmt.Errorf("target %d: %w", in.TargetID, err)
		}
		keys = append(keys, k)
	}
	return td, keys, nil
}
