package model

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Field is one named value of a document
type Field struct {
	Name  string
	Value interface{}
}

// Document is an ordered list of fields. Values are nil, bool, string,
// int64, float64, time.Time, Document or []interface{} of those.
type Document []Field

// Get returns the value of the first field with the given name
func (d Document) Get(name string) (interface{}, bool) {
	for _, f := range d {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Names returns the field names in document order
func (d Document) Names() []string {
	names := make([]string, 0, len(d))
	for _, f := range d {
		names = append(names, f.Name)
	}
	return names
}

// Set replaces the value of an existing field or appends a new one
func (d Document) Set(name string, value interface{}) Document {
	for i := range d {
		if d[i].Name == name {
			d[i].Value = value
			return d
		}
	}
	return append(d, Field{Name: name, Value: value})
}

// MarshalJSON encodes the document as a JSON object keeping field order
func (d Document) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range d {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to encode field %q: %w", f.Name, err)
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object keeping field order. Integral numbers
// become int64, other numbers float64, nested objects Document.
func (d *Document) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*d = nil
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("document must be a JSON object")
	}

	doc, err := decodeObject(dec)
	if err != nil {
		return err
	}
	*d = doc
	return nil
}

func decodeObject(dec *json.Decoder) (Document, error) {
	doc := Document{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		name, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected object key %v", tok)
		}
		value, err := decodeValue(dec)
		if err != nil {
			return nil, err
		}
		doc = append(doc, Field{Name: name, Value: value})
	}
	// closing brace
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return doc, nil
}

func decodeValue(dec *json.Decoder) (interface{}, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}

	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			doc, err := decodeObject(dec)
			if err != nil {
				return nil, err
			}
			return doc, nil
		case '[':
			arr := []interface{}{}
			for dec.More() {
				v, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				arr = append(arr, v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return arr, nil
		}
		return nil, fmt.Errorf("unexpected delimiter %q", t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		return t.Float64()
	default:
		return t, nil
	}
}

// Canonical returns a type-tagged binary encoding of the document. Two
// documents have the same encoding iff they hold the same fields in the same
// order with equal values; integral floats encode like the equal integer.
func (d Document) Canonical() []byte {
	return appendDocument(nil, d)
}

func appendDocument(buf []byte, d Document) []byte {
	buf = append(buf, 'o')
	buf = binary.AppendUvarint(buf, uint64(len(d)))
	for _, f := range d {
		buf = appendString(buf, f.Name)
		buf = appendValue(buf, f.Value)
	}
	return buf
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func appendInt(buf []byte, i int64) []byte {
	buf = append(buf, 'i')
	return binary.AppendVarint(buf, i)
}

func appendFloat(buf []byte, f float64) []byte {
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return appendInt(buf, int64(f))
	}
	buf = append(buf, 'f')
	return binary.BigEndian.AppendUint64(buf, math.Float64bits(f))
}

func appendValue(buf []byte, v interface{}) []byte {
	switch x := v.(type) {
	case nil:
		return append(buf, 'n')
	case bool:
		if x {
			return append(buf, 'b', 1)
		}
		return append(buf, 'b', 0)
	case string:
		buf = append(buf, 's')
		return appendString(buf, x)
	case int:
		return appendInt(buf, int64(x))
	case int32:
		return appendInt(buf, int64(x))
	case int64:
		return appendInt(buf, x)
	case float32:
		return appendFloat(buf, float64(x))
	case float64:
		return appendFloat(buf, x)
	case time.Time:
		buf = append(buf, 't')
		return binary.AppendVarint(buf, x.UnixNano())
	case Document:
		return appendDocument(buf, x)
	case []interface{}:
		buf = append(buf, 'a')
		buf = binary.AppendUvarint(buf, uint64(len(x)))
		for _, e := range x {
			buf = appendValue(buf, e)
		}
		return buf
	default:
		buf = append(buf, 'x')
		return appendString(buf, fmt.Sprintf("%T:%v", v, v))
	}
}
