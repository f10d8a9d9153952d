package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/migtd/policy-tools/errdefs"
)

// Object is a JSON object that remembers the order of its keys. Values are
// kept as raw JSON so that re-encoding an Object never reorders or reformats
// anything nested inside it.
type Object struct {
	keys   []string
	values map[string]json.RawMessage
}

// NewObject returns an empty Object.
func NewObject() *Object {
	return &Object{values: make(map[string]json.RawMessage)}
}

// ParseObject decodes data, which must hold exactly one JSON object. Duplicate
// keys anywhere in the document are rejected.
func ParseObject(data []byte) (*Object, error) {
	if err := checkDocument(data); err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, errdefs.Errorf(errdefs.MalformedInput, "reading object: %w", err)
	}
	if tok != json.Delim('{') {
		return nil, errdefs.Errorf(errdefs.MalformedInput, "expected a JSON object, found %v", tok)
	}
	obj := NewObject()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, errdefs.Errorf(errdefs.MalformedInput, "reading object key: %w", err)
		}
		key := tok.(string)
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, errdefs.Errorf(errdefs.MalformedInput, "reading value of %q: %w", key, err)
		}
		compact, err := compactJSON(raw)
		if err != nil {
			return nil, err
		}
		obj.Set(key, compact)
	}
	return obj, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *Object) UnmarshalJSON(data []byte) error {
	parsed, err := ParseObject(data)
	if err != nil {
		return err
	}
	*o = *parsed
	return nil
}

// MarshalJSON implements json.Marshaler. The output is compact and keeps the
// key order of the Object.
func (o *Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeString(&buf, key); err != nil {
			return nil, err
		}
		buf.WriteByte(':')
		buf.Write(o.values[key])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Len returns the number of keys.
func (o *Object) Len() int {
	return len(o.keys)
}

// Keys returns the keys in document order.
func (o *Object) Keys() []string {
	return append([]string(nil), o.keys...)
}

// Get returns the raw value stored under key.
func (o *Object) Get(key string) (json.RawMessage, bool) {
	v, ok := o.values[key]
	return v, ok
}

// Set stores value under key. A new key is appended; an existing key keeps
// its position.
func (o *Object) Set(key string, value json.RawMessage) {
	if o.values == nil {
		o.values = make(map[string]json.RawMessage)
	}
	if _, ok := o.values[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.values[key] = value
}

// SetValue marshals v and stores it under key.
func (o *Object) SetValue(key string, v any) error {
	raw, err := marshalCompact(v)
	if err != nil {
		return err
	}
	o.Set(key, raw)
	return nil
}

// Delete removes key, if present.
func (o *Object) Delete(key string) {
	if _, ok := o.values[key]; !ok {
		return
	}
	delete(o.values, key)
	for i, k := range o.keys {
		if k == key {
			o.keys = append(o.keys[:i], o.keys[i+1:]...)
			break
		}
	}
}

// Rename moves the value of from to to, keeping the position of from. It
// fails if both keys are present.
func (o *Object) Rename(from, to string) error {
	if from == to {
		return nil
	}
	v, ok := o.values[from]
	if !ok {
		return nil
	}
	if _, clash := o.values[to]; clash {
		return errdefs.Errorf(errdefs.MalformedInput, "both %q and %q are present", from, to)
	}
	for i, k := range o.keys {
		if k == from {
			o.keys[i] = to
			break
		}
	}
	delete(o.values, from)
	o.values[to] = v
	return nil
}

// checkDocument validates that data holds a single JSON value with no
// duplicate object keys at any depth.
func checkDocument(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := walkValue(dec, "$"); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errdefs.Errorf(errdefs.MalformedInput, "unexpected data after the top-level value")
	}
	return nil
}

func walkValue(dec *json.Decoder, path string) error {
	tok, err := dec.Token()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return errdefs.Errorf(errdefs.MalformedInput, "empty document")
		}
		return errdefs.Errorf(errdefs.MalformedInput, "at %s: %w", path, err)
	}
	switch tok {
	case json.Delim('{'):
		seen := make(map[string]bool)
		for dec.More() {
			kt, err := dec.Token()
			if err != nil {
				return errdefs.Errorf(errdefs.MalformedInput, "at %s: %w", path, err)
			}
			key := kt.(string)
			if seen[key] {
				return errdefs.Errorf(errdefs.MalformedInput, "duplicate key %q at %s", key, path)
			}
			seen[key] = true
			if err := walkValue(dec, path+"."+key); err != nil {
				return err
			}
		}
		_, err = dec.Token()
	case json.Delim('['):
		for i := 0; dec.More(); i++ {
			if err := walkValue(dec, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
		_, err = dec.Token()
	}
	if err != nil {
		return errdefs.Errorf(errdefs.MalformedInput, "at %s: %w", path, err)
	}
	return nil
}

func compactJSON(raw []byte) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, errdefs.Errorf(errdefs.MalformedInput, "compacting JSON: %w", err)
	}
	return buf.Bytes(), nil
}

func marshalCompact(v any) (json.RawMessage, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func writeString(buf *bytes.Buffer, s string) error {
	raw, err := marshalCompact(s)
	if err != nil {
		return err
	}
	buf.Write(raw)
	return nil
}

// isObject reports whether raw starts a JSON object.
func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// isEmpty reports whether raw is absent, null, an empty object or an empty
// string or array.
func isEmpty(raw json.RawMessage) bool {
	switch string(bytes.TrimSpace(raw)) {
	case "", "null", "{}", "[]", `""`:
		return true
	}
	return false
}
