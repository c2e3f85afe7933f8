package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Field is one member of a JSON object. Transcripts are keyed by storyboard
// image and the member order is the narration order, so objects are read as
// ordered fields instead of maps.
type Field struct {
	Key   string
	Value json.RawMessage
}

// ReadFields decodes one JSON object from r keeping its members in document order.
func ReadFields(r io.Reader) ([]Field, error) {
	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("expected object, got %v", tok)
	}

	var out []Field
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("expected object key, got %v", tok)
		}
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("field %s: %w", key, err)
		}
		out = append(out, Field{Key: key, Value: v})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return out, nil
}

// MergeFields appends src to dst. A key already present keeps its position;
// when both values are lists they are concatenated, otherwise src wins.
func MergeFields(dst, src []Field) ([]Field, error) {
	index := make(map[string]int, len(dst))
	for i, f := range dst {
		index[f.Key] = i
	}
	for _, f := range src {
		i, seen := index[f.Key]
		if !seen {
			index[f.Key] = len(dst)
			dst = append(dst, f)
			continue
		}
		if isList(dst[i].Value) && isList(f.Value) {
			var prev, next []json.RawMessage
			if err := json.Unmarshal(dst[i].Value, &prev); err != nil {
				return nil, fmt.Errorf("field %s: %w", f.Key, err)
			}
			if err := json.Unmarshal(f.Value, &next); err != nil {
				return nil, fmt.Errorf("field %s: %w", f.Key, err)
			}
			joined, err := json.Marshal(append(prev, next...))
			if err != nil {
				return nil, err
			}
			dst[i].Value = joined
			continue
		}
		dst[i].Value = f.Value
	}
	return dst, nil
}

// MarshalFields writes fields as an indented JSON object in their given order.
func MarshalFields(fields []Field) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		if len(f.Value) == 0 {
			buf.WriteString("null")
		} else {
			buf.Write(f.Value)
		}
	}
	buf.WriteByte('}')

	var out bytes.Buffer
	if err := json.Indent(&out, buf.Bytes(), "", "  "); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func isList(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '['
}
