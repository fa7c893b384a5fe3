package serializer

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/syntrixbase/syntrix-sync/internal/remote"
	"github.com/syntrixbase/syntrix-sync/pkg/model"
	"github.com/syntrixbase/syntrix-sync/pkg/mutation"
)

// ErrEmptyFrame is returned for a frame with no recognized member.
var ErrEmptyFrame = errors.New("frame has no message")

// Status is the wire form of an error.
type Status struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func encodeStatus(err *model.Error) *Status {
	if err == nil {
		return nil
	}
	return &Status{Code: err.Code.String(), Message: err.Message}
}

func (s *Status) toError() *model.Error {
	if s == nil {
		return nil
	}
	return &model.Error{Code: model.ParseCode(s.Code), Message: s.Message}
}

type clientFrame struct {
	Listen *listenRequestFrame `json:"listen,omitempty"`
	Write  *writeRequestFrame  `json:"write,omitempty"`
	Ping   bool                `json:"ping,omitempty"`
}

type listenRequestFrame struct {
	AddTarget    json.RawMessage `json:"addTarget,omitempty"`
	RemoveTarget model.TargetID  `json:"removeTarget,omitempty"`
}

type targetRequestFrame struct {
	TargetID      model.TargetID  `json:"targetId"`
	Query         json.RawMessage `json:"query"`
	ResumeToken   []byte          `json:"resumeToken,omitempty"`
	ReadTime      string          `json:"readTime,omitempty"`
	ExpectedCount *int            `json:"expectedCount,omitempty"`
}

type writeRequestFrame struct {
	Handshake   bool              `json:"handshake,omitempty"`
	StreamToken []byte            `json:"streamToken,omitempty"`
	Writes      []json.RawMessage `json:"writes,omitempty"`
}

// MarshalClientMessage encodes a client stream message.
func MarshalClientMessage(msg *remote.ClientMessage) ([]byte, error) {
	var frame clientFrame
	switch {
	case msg.Listen != nil:
		lf := &listenRequestFrame{RemoveTarget: msg.Listen.RemoveTarget}
		if add := msg.Listen.AddTarget; add != nil {
			q, err := EncodeQuery(add.Query)
			if err != nil {
				return nil, err
			}
			rawQuery, err := json.Marshal(q)
			if err != nil {
				return nil, err
			}
			tf := targetRequestFrame{
				TargetID:      add.TargetID,
				Query:         rawQuery,
				ResumeToken:   add.ResumeToken,
				ExpectedCount: add.ExpectedCount,
			}
			if !add.ReadTime.IsMin() {
				tf.ReadTime = encodeVersion(add.ReadTime)
			}
			if lf.AddTarget, err = json.Marshal(tf); err != nil {
				return nil, err
			}
		}
		frame.Listen = lf
	case msg.Write != nil:
		wf := &writeRequestFrame{Handshake: msg.Write.Handshake, StreamToken: msg.Write.StreamToken}
		for _, m := range msg.Write.Writes {
			enc, err := EncodeMutation(m)
			if err != nil {
				return nil, err
			}
			raw, err := json.Marshal(enc)
			if err != nil {
				return nil, err
			}
			wf.Writes = append(wf.Writes, raw)
		}
		frame.Write = wf
	case msg.Ping:
		frame.Ping = true
	default:
		return nil, ErrEmptyFrame
	}
	return json.Marshal(frame)
}

// UnmarshalClientMessage parses a client stream message.
func UnmarshalClientMessage(data []byte) (*remote.ClientMessage, error) {
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("invalid client frame: %w", err)
	}
	switch {
	case frame.Listen != nil:
		req := &remote.ListenRequest{RemoveTarget: frame.Listen.RemoveTarget}
		if len(frame.Listen.AddTarget) > 0 {
			var tf targetRequestFrame
			if err := json.Unmarshal(frame.Listen.AddTarget, &tf); err != nil {
				return nil, fmt.Errorf("invalid target request: %w", err)
			}
			q, err := DecodeQuery(tf.Query)
			if err != nil {
				return nil, err
			}
			readTime, err := decodeVersion(tf.ReadTime)
			if err != nil {
				return nil, err
			}
			req.AddTarget = &remote.TargetRequest{
				TargetID:      tf.TargetID,
				Query:         q,
				ResumeToken:   tf.ResumeToken,
				ReadTime:      readTime,
				ExpectedCount: tf.ExpectedCount,
			}
		}
		return &remote.ClientMessage{Listen: req}, nil
	case frame.Write != nil:
		req := &remote.WriteRequest{Handshake: frame.Write.Handshake, StreamToken: frame.Write.StreamToken}
		for _, raw := range frame.Write.Writes {
			m, err := DecodeMutation(raw)
			if err != nil {
				return nil, err
			}
			req.Writes = append(req.Writes, m)
		}
		return &remote.ClientMessage{Write: req}, nil
	case frame.Ping:
		return &remote.ClientMessage{Ping: true}, nil
	}
	return nil, ErrEmptyFrame
}

type serverFrame struct {
	Listen *listenResponseFrame `json:"listen,omitempty"`
	Write  *writeResponseFrame  `json:"write,omitempty"`
	Pong   bool                 `json:"pong,omitempty"`
	Error  *Status              `json:"error,omitempty"`
}

type listenResponseFrame struct {
	TargetChange   *targetChangeFrame   `json:"targetChange,omitempty"`
	DocumentChange *documentChangeFrame `json:"documentChange,omitempty"`
	Filter         *filterFrame         `json:"filter,omitempty"`
}

type targetChangeFrame struct {
	State       string           `json:"state"`
	TargetIDs   []model.TargetID `json:"targetIds,omitempty"`
	ResumeToken []byte           `json:"resumeToken,omitempty"`
	ReadTime    string           `json:"readTime,omitempty"`
	Cause       *Status          `json:"cause,omitempty"`
}

type documentChangeFrame struct {
	UpdatedTargetIDs []model.TargetID `json:"updatedTargetIds,omitempty"`
	RemovedTargetIDs []model.TargetID `json:"removedTargetIds,omitempty"`
	Key              string           `json:"key"`
	Document         json.RawMessage  `json:"document,omitempty"`
}

type filterFrame struct {
	TargetID       model.TargetID `json:"targetId"`
	Count          int            `json:"count"`
	UnchangedNames *bloomFrame    `json:"unchangedNames,omitempty"`
}

type bloomFrame struct {
	Bitmap    string `json:"bitmap"`
	Padding   int    `json:"padding"`
	HashCount int    `json:"hashCount"`
}

type writeResponseFrame struct {
	StreamToken   []byte        `json:"streamToken,omitempty"`
	CommitVersion string        `json:"commitVersion,omitempty"`
	WriteResults  []writeResult `json:"writeResults,omitempty"`
}

type writeResult struct {
	Version          string            `json:"version,omitempty"`
	TransformResults []json.RawMessage `json:"transformResults,omitempty"`
}

var targetStates = map[string]remote.WatchTargetChangeState{
	remote.TargetNoChange.String(): remote.TargetNoChange,
	remote.TargetAdded.String():    remote.TargetAdded,
	remote.TargetRemoved.String():  remote.TargetRemoved,
	remote.TargetCurrent.String():  remote.TargetCurrent,
	remote.TargetReset.String():    remote.TargetReset,
}

// MarshalServerMessage encodes a server stream message.
func MarshalServerMessage(msg *remote.ServerMessage) ([]byte, error) {
	var frame serverFrame
	switch {
	case msg.Listen != nil:
		lf, err := encodeListenResponse(msg.Listen)
		if err != nil {
			return nil, err
		}
		frame.Listen = lf
	case msg.Write != nil:
		wf := &writeResponseFrame{StreamToken: msg.Write.StreamToken}
		if !msg.Write.CommitVersion.IsMin() {
			wf.CommitVersion = encodeVersion(msg.Write.CommitVersion)
		}
		for _, r := range msg.Write.WriteResults {
			wr := writeResult{Version: encodeVersion(r.Version)}
			for _, t := range r.TransformResults {
				v, err := EncodeValue(t)
				if err != nil {
					return nil, err
				}
				raw, err := json.Marshal(v)
				if err != nil {
					return nil, err
				}
				wr.TransformResults = append(wr.TransformResults, raw)
			}
			wf.WriteResults = append(wf.WriteResults, wr)
		}
		frame.Write = wf
	case msg.Pong:
		frame.Pong = true
	default:
		return nil, ErrEmptyFrame
	}
	return json.Marshal(frame)
}

// MarshalServerError encodes a frame that ends the stream with err.
func MarshalServerError(err error) ([]byte, error) {
	var me *model.Error
	if !errors.As(err, &me) {
		me = &model.Error{Code: model.CodeOf(err), Message: err.Error()}
	}
	return json.Marshal(serverFrame{Error: encodeStatus(me)})
}

func encodeListenResponse(r *remote.ListenResponse) (*listenResponseFrame, error) {
	lf := &listenResponseFrame{}
	switch {
	case r.TargetChange != nil:
		tc := r.TargetChange
		tf := &targetChangeFrame{
			State:       tc.State.String(),
			TargetIDs:   tc.TargetIDs,
			ResumeToken: tc.ResumeToken,
			Cause:       encodeStatus(tc.Cause),
		}
		if !tc.ReadTime.IsMin() {
			tf.ReadTime = encodeVersion(tc.ReadTime)
		}
		lf.TargetChange = tf
	case r.DocumentChange != nil:
		dc := r.DocumentChange
		df := &documentChangeFrame{
			UpdatedTargetIDs: dc.UpdatedTargetIDs,
			RemovedTargetIDs: dc.RemovedTargetIDs,
			Key:              dc.Key.String(),
		}
		if dc.NewDoc != nil {
			raw, err := MarshalDocument(dc.NewDoc)
			if err != nil {
				return nil, err
			}
			df.Document = raw
		}
		lf.DocumentChange = df
	case r.Filter != nil:
		ff := &filterFrame{TargetID: r.Filter.TargetID, Count: r.Filter.Filter.Count}
		if b := r.Filter.Filter.UnchangedNames; b != nil {
			ff.UnchangedNames = &bloomFrame{
				Bitmap:    base64.StdEncoding.EncodeToString(b.Bitmap),
				Padding:   b.Padding,
				HashCount: b.HashCount,
			}
		}
		lf.Filter = ff
	default:
		return nil, ErrEmptyFrame
	}
	return lf, nil
}

// UnmarshalServerMessage parses a server stream message. An error frame is
// returned as a *model.Error.
func UnmarshalServerMessage(data []byte) (*remote.ServerMessage, error) {
	var frame serverFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("invalid server frame: %w", err)
	}
	switch {
	case frame.Error != nil:
		return nil, frame.Error.toError()
	case frame.Listen != nil:
		r, err := decodeListenResponse(frame.Listen)
		if err != nil {
			return nil, err
		}
		return &remote.ServerMessage{Listen: r}, nil
	case frame.Write != nil:
		commit, err := decodeVersion(frame.Write.CommitVersion)
		if err != nil {
			return nil, err
		}
		resp := &remote.WriteResponse{StreamToken: frame.Write.StreamToken, CommitVersion: commit}
		for _, wr := range frame.Write.WriteResults {
			v, err := decodeVersion(wr.Version)
			if err != nil {
				return nil, err
			}
			res := mutation.Result{Version: v}
			for _, raw := range wr.TransformResults {
				tv, err := DecodeValue(raw)
				if err != nil {
					return nil, err
				}
				res.TransformResults = append(res.TransformResults, tv)
			}
			resp.WriteResults = append(resp.WriteResults, res)
		}
		return &remote.ServerMessage{Write: resp}, nil
	case frame.Pong:
		return &remote.ServerMessage{Pong: true}, nil
	}
	return nil, ErrEmptyFrame
}

func decodeListenResponse(lf *listenResponseFrame) (*remote.ListenResponse, error) {
	switch {
	case lf.TargetChange != nil:
		tf := lf.TargetChange
		state, ok := targetStates[tf.State]
		if !ok {
			return nil, fmt.Errorf("unknown target change state %q", tf.State)
		}
		readTime, err := decodeVersion(tf.ReadTime)
		if err != nil {
			return nil, err
		}
		return &remote.ListenResponse{TargetChange: &remote.WatchTargetChange{
			State:       state,
			TargetIDs:   tf.TargetIDs,
			ResumeToken: tf.ResumeToken,
			ReadTime:    readTime,
			Cause:       tf.Cause.toError(),
		}}, nil
	case lf.DocumentChange != nil:
		df := lf.DocumentChange
		key, err := model.NewDocumentKey(df.Key)
		if err != nil {
			return nil, err
		}
		dc := &remote.DocumentWatchChange{
			UpdatedTargetIDs: df.UpdatedTargetIDs,
			RemovedTargetIDs: df.RemovedTargetIDs,
			Key:              key,
		}
		if len(df.Document) > 0 {
			if dc.NewDoc, err = UnmarshalDocument(df.Document); err != nil {
				return nil, err
			}
			if dc.NewDoc.Key() != key {
				return nil, fmt.Errorf("document change for %s carries document %s", key, dc.NewDoc.Key())
			}
		}
		return &remote.ListenResponse{DocumentChange: dc}, nil
	case lf.Filter != nil:
		ec := &remote.ExistenceFilterChange{
			TargetID: lf.Filter.TargetID,
			Filter:   remote.ExistenceFilter{Count: lf.Filter.Count},
		}
		if b := lf.Filter.UnchangedNames; b != nil {
			bitmap, err := base64.StdEncoding.DecodeString(b.Bitmap)
			if err != nil {
				return nil, fmt.Errorf("invalid bloom filter bitmap: %w", err)
			}
			ec.Filter.UnchangedNames = &remote.BloomFilterSpec{Bitmap: bitmap, Padding: b.Padding, HashCount: b.HashCount}
		}
		return &remote.ListenResponse{Filter: ec}, nil
	}
	return nil, ErrEmptyFrame
}
