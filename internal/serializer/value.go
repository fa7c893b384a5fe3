// Package serializer converts documents, mutations, targets and stream
// messages to and from their JSON wire and storage form. Field values use a
// tagged encoding, e.g. {"integerValue":"5"}, so integers, doubles, bytes and
// timestamps survive the round trip.
package serializer

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/syntrixbase/syntrix-sync/pkg/model"
)

// Value is the wire form of one field value. Exactly one member is set.
type Value map[string]interface{}

// EncodeValue converts a normalized value to its wire form.
func EncodeValue(v interface{}) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Value{"nullValue": nil}, nil
	case bool:
		return Value{"booleanValue": val}, nil
	case int64:
		return Value{"integerValue": strconv.FormatInt(val, 10)}, nil
	case float64:
		switch {
		case math.IsNaN(val):
			return Value{"doubleValue": "NaN"}, nil
		case math.IsInf(val, 1):
			return Value{"doubleValue": "Infinity"}, nil
		case math.IsInf(val, -1):
			return Value{"doubleValue": "-Infinity"}, nil
		}
		return Value{"doubleValue": val}, nil
	case time.Time:
		return Value{"timestampValue": val.UTC().Format(time.RFC3339Nano)}, nil
	case model.ServerTimestamp:
		prev, err := EncodeValue(val.Previous)
		if err != nil {
			return nil, err
		}
		return Value{"serverTimestampValue": map[string]interface{}{
			"localWriteTime": val.LocalWriteTime.UTC().Format(time.RFC3339Nano),
			"previousValue":  prev,
		}}, nil
	case string:
		return Value{"stringValue": val}, nil
	case []byte:
		return Value{"bytesValue": base64.StdEncoding.EncodeToString(val)}, nil
	case []interface{}:
		values := make([]Value, len(val))
		for i, e := range val {
			enc, err := EncodeValue(e)
			if err != nil {
				return nil, err
			}
			values[i] = enc
		}
		return Value{"arrayValue": map[string]interface{}{"values": values}}, nil
	case map[string]interface{}:
		fields, err := EncodeFields(val)
		if err != nil {
			return nil, err
		}
		return Value{"mapValue": map[string]interface{}{"fields": fields}}, nil
	case model.ObjectValue:
		return EncodeValue(map[string]interface{}(val))
	}
	return nil, fmt.Errorf("cannot encode value of type %T", v)
}

// EncodeFields encodes every entry of a field map.
func EncodeFields(fields map[string]interface{}) (map[string]Value, error) {
	out := make(map[string]Value, len(fields))
	for k, e := range fields {
		enc, err := EncodeValue(e)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = enc
	}
	return out, nil
}

// DecodeValue parses the wire form of a value.
func DecodeValue(raw json.RawMessage) (interface{}, error) {
	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(raw, &tagged); err != nil {
		return nil, fmt.Errorf("invalid value: %w", err)
	}
	if len(tagged) != 1 {
		return nil, fmt.Errorf("value must have exactly one member, got %d", len(tagged))
	}
	for tag, body := range tagged {
		return decodeTagged(tag, body)
	}
	return nil, nil
}

func decodeTagged(tag string, body json.RawMessage) (interface{}, error) {
	switch tag {
	case "nullValue":
		return nil, nil
	case "booleanValue":
		var b bool
		err := json.Unmarshal(body, &b)
		return b, err
	case "integerValue":
		var s string
		if err := json.Unmarshal(body, &s); err != nil {
			return nil, err
		}
		return strconv.ParseInt(s, 10, 64)
	case "doubleValue":
		var f float64
		if err := json.Unmarshal(body, &f); err == nil {
			return f, nil
		}
		var s string
		if err := json.Unmarshal(body, &s); err != nil {
			return nil, err
		}
		switch s {
		case "NaN":
			return math.NaN(), nil
		case "Infinity":
			return math.Inf(1), nil
		case "-Infinity":
			return math.Inf(-1), nil
		}
		return nil, fmt.Errorf("invalid double %q", s)
	case "timestampValue":
		return decodeTime(body)
	case "serverTimestampValue":
		var st struct {
			LocalWriteTime json.RawMessage `json:"localWriteTime"`
			PreviousValue  json.RawMessage `json:"previousValue"`
		}
		if err := json.Unmarshal(body, &st); err != nil {
			return nil, err
		}
		t, err := decodeTime(st.LocalWriteTime)
		if err != nil {
			return nil, err
		}
		var prev interface{}
		if len(st.PreviousValue) > 0 {
			if prev, err = DecodeValue(st.PreviousValue); err != nil {
				return nil, err
			}
		}
		return model.ServerTimestamp{LocalWriteTime: t, Previous: prev}, nil
	case "stringValue":
		var s string
		err := json.Unmarshal(body, &s)
		return s, err
	case "bytesValue":
		var s string
		if err := json.Unmarshal(body, &s); err != nil {
			return nil, err
		}
		return base64.StdEncoding.DecodeString(s)
	case "arrayValue":
		var arr struct {
			Values []json.RawMessage `json:"values"`
		}
		if err := json.Unmarshal(body, &arr); err != nil {
			return nil, err
		}
		out := make([]interface{}, len(arr.Values))
		for i, e := range arr.Values {
			v, err := DecodeValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case "mapValue":
		var m struct {
			Fields map[string]json.RawMessage `json:"fields"`
		}
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, err
		}
		return DecodeFields(m.Fields)
	}
	return nil, fmt.Errorf("unknown value type %q", tag)
}

// DecodeFields decodes a field map.
func DecodeFields(fields map[string]json.RawMessage) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(fields))
	for k, raw := range fields {
		v, err := DecodeValue(raw)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

func decodeTime(raw json.RawMessage) (time.Time, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// Version is the wire form of a snapshot version: microseconds as a string.
func encodeVersion(v model.SnapshotVersion) string {
	return strconv.FormatInt(int64(v), 10)
}

func decodeVersion(s string) (model.SnapshotVersion, error) {
	if s == "" {
		return model.MinVersion, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid version %q: %w", s, err)
	}
	return model.SnapshotVersion(n), nil
}
