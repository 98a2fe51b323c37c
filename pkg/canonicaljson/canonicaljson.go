// Package canonicaljson implements the subset of RFC 8785 (JSON
// Canonicalization Scheme) the kernel needs for content hashing and
// bytecode versioning: UTF-8, object keys sorted, no insignificant
// whitespace, numbers as the shortest round-trippable decimal, null
// preserved, booleans lowercase.
//
// No third-party RFC 8785 implementation is wired from the example
// pack, so this is deliberately built on encoding/json — the standard
// library already sorts map[string]any keys and already emits the
// shortest round-trippable float64 representation. encode below walks
// the decoded value and writes objects and arrays itself with no
// insignificant whitespace; strings still go through json.Marshal, so
// <, > and & come out escaped as <, > and &.
package canonicaljson

import (
	"bytes"
	"encoding/json"
	"sort"
)

// Marshal renders v as canonical JSON bytes.
func Marshal(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return marshalValue(generic)
}

// MarshalMap is a convenience wrapper for the common definition-body case.
func MarshalMap(m map[string]interface{}) ([]byte, error) {
	return marshalValue(m)
}

func marshalValue(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encode(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case string:
		return encodeString(buf, val)
	case float64:
		return encodeNumber(buf, val)
	case []interface{}:
		return encodeArray(buf, val)
	case map[string]interface{}:
		return encodeObject(buf, val)
	default:
		// json.Unmarshal into interface{} only ever produces the
		// types above; anything else is a programming error upstream.
		raw, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(raw)
		return nil
	}
}

func encodeString(buf *bytes.Buffer, s string) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	buf.Write(raw)
	return nil
}

func encodeNumber(buf *bytes.Buffer, f float64) error {
	// encoding/json already marshals float64 using the shortest
	// round-trippable decimal representation (strconv.AppendFloat
	// with 'g'/-1 precision under the hood).
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	buf.Write(raw)
	return nil
}

func encodeArray(buf *bytes.Buffer, arr []interface{}) error {
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encode(buf, elem); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func encodeObject(buf *bytes.Buffer, obj map[string]interface{}) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := encode(buf, obj[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}
