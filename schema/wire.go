package schema

import (
	"bytes"
	"fmt"
	"math"
	"sort"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v4"
	"google.golang.org/protobuf/encoding/protowire"
)

// TypeError reports a record value that does not fit its field.
type TypeError struct {
	Schema string
	Field  string
	Kind   Kind
	Value  any
}

func (e *TypeError) Error() string {
	return "schema " + e.Schema + ": field " + e.Field + " expects " + e.Kind.String() +
		", got " + typeName(e.Value)
}

// Marshal encodes r in field order. Fields absent from r (or nil) are not written.
// Keys of r that are not fields of d are ignored.
func (d *Descriptor) Marshal(r Record) ([]byte, error) {
	var b []byte
	for _, f := range d.fields {
		v, ok := r[f.Name]
		if !ok || v == nil {
			continue
		}
		var err error
		if b, err = d.appendField(b, f, v); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (d *Descriptor) appendField(b []byte, f Field, v any) ([]byte, error) {
	num := protowire.Number(f.Number)
	mismatch := &TypeError{Schema: d.name, Field: f.Name, Kind: f.Kind, Value: v}

	switch f.Kind {
	case KindInt64:
		n, ok := toInt64(v)
		if !ok {
			return nil, mismatch
		}
		b = protowire.AppendTag(b, num, protowire.VarintType)
		return protowire.AppendVarint(b, uint64(n)), nil
	case KindUint64:
		n, ok := toUint64(v)
		if !ok {
			return nil, mismatch
		}
		b = protowire.AppendTag(b, num, protowire.VarintType)
		return protowire.AppendVarint(b, n), nil
	case KindBool:
		t, ok := v.(bool)
		if !ok {
			return nil, mismatch
		}
		b = protowire.AppendTag(b, num, protowire.VarintType)
		return protowire.AppendVarint(b, protowire.EncodeBool(t)), nil
	case KindDouble:
		x, ok := toFloat64(v)
		if !ok {
			return nil, mismatch
		}
		b = protowire.AppendTag(b, num, protowire.Fixed64Type)
		return protowire.AppendFixed64(b, math.Float64bits(x)), nil
	case KindString:
		s, ok := v.(string)
		if !ok {
			return nil, mismatch
		}
		b = protowire.AppendTag(b, num, protowire.BytesType)
		return protowire.AppendString(b, s), nil
	case KindBytes:
		var raw []byte
		switch x := v.(type) {
		case []byte:
			raw = x
		case string:
			raw = []byte(x)
		default:
			return nil, mismatch
		}
		b = protowire.AppendTag(b, num, protowire.BytesType)
		return protowire.AppendBytes(b, raw), nil
	case KindStringMap:
		m, ok := v.(map[string]string)
		if !ok {
			return nil, mismatch
		}
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		// sorted so equal maps encode to equal bytes
		sort.Strings(keys)
		for _, k := range keys {
			var entry []byte
			entry = protowire.AppendTag(entry, 1, protowire.BytesType)
			entry = protowire.AppendString(entry, k)
			entry = protowire.AppendTag(entry, 2, protowire.BytesType)
			entry = protowire.AppendString(entry, m[k])
			b = protowire.AppendTag(b, num, protowire.BytesType)
			b = protowire.AppendBytes(b, entry)
		}
		return b, nil
	case KindMessage:
		var nested Record
		switch x := v.(type) {
		case Record:
			nested = x
		case map[string]any:
			nested = x
		default:
			return nil, mismatch
		}
		raw, err := f.Message.Marshal(nested)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, num, protowire.BytesType)
		return protowire.AppendBytes(b, raw), nil
	case KindAny:
		raw, err := msgpack.Marshal(v)
		if err != nil {
			return nil, errors.Wrapf(err, "schema %s: field %s", d.name, f.Name)
		}
		b = protowire.AppendTag(b, num, protowire.BytesType)
		return protowire.AppendBytes(b, raw), nil
	}
	return nil, mismatch
}

// Unmarshal decodes b into a record. Unknown field numbers are skipped; a known field
// arriving with the wrong wire type is an error. Empty input yields an empty record.
func (d *Descriptor) Unmarshal(b []byte) (Record, error) {
	r := make(Record)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.Wrapf(protowire.ParseError(n), "schema %s: tag", d.name)
		}
		b = b[n:]

		i, known := d.byNumber[int32(num)]
		if !known {
			skip := protowire.ConsumeFieldValue(num, typ, b)
			if skip < 0 {
				return nil, errors.Wrapf(protowire.ParseError(skip), "schema %s: unknown field %d", d.name, num)
			}
			b = b[skip:]
			continue
		}

		f := d.fields[i]
		if typ != f.Kind.wireType() {
			return nil, errors.Errorf("schema %s: field %s has wire type %d, want %d",
				d.name, f.Name, typ, f.Kind.wireType())
		}
		consumed, err := d.consumeField(r, f, b)
		if err != nil {
			return nil, err
		}
		b = b[consumed:]
	}
	return r, nil
}

func (d *Descriptor) consumeField(r Record, f Field, b []byte) (int, error) {
	wrap := func(n int) error {
		return errors.Wrapf(protowire.ParseError(n), "schema %s: field %s", d.name, f.Name)
	}

	switch f.Kind {
	case KindInt64, KindUint64, KindBool:
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return 0, wrap(n)
		}
		switch f.Kind {
		case KindInt64:
			r[f.Name] = int64(v)
		case KindUint64:
			r[f.Name] = v
		default:
			r[f.Name] = protowire.DecodeBool(v)
		}
		return n, nil
	case KindDouble:
		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return 0, wrap(n)
		}
		r[f.Name] = math.Float64frombits(v)
		return n, nil
	}

	raw, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, wrap(n)
	}
	switch f.Kind {
	case KindString:
		r[f.Name] = string(raw)
	case KindBytes:
		r[f.Name] = append([]byte{}, raw...)
	case KindStringMap:
		m, _ := r[f.Name].(map[string]string)
		if m == nil {
			m = make(map[string]string)
			r[f.Name] = m
		}
		k, v, err := consumeMapEntry(raw)
		if err != nil {
			return 0, errors.Wrapf(err, "schema %s: field %s", d.name, f.Name)
		}
		m[k] = v
	case KindMessage:
		nested, err := f.Message.Unmarshal(raw)
		if err != nil {
			return 0, err
		}
		r[f.Name] = nested
	case KindAny:
		var v any
		dec := msgpack.NewDecoder(bytes.NewReader(raw))
		dec.UseDecodeInterfaceLoose(true)
		if err := dec.Decode(&v); err != nil {
			return 0, errors.Wrapf(err, "schema %s: field %s", d.name, f.Name)
		}
		r[f.Name] = v
	}
	return n, nil
}

func consumeMapEntry(b []byte) (key, value string, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", "", protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.BytesType || (num != 1 && num != 2) {
			skip := protowire.ConsumeFieldValue(num, typ, b)
			if skip < 0 {
				return "", "", protowire.ParseError(skip)
			}
			b = b[skip:]
			continue
		}
		s, n := protowire.ConsumeString(b)
		if n < 0 {
			return "", "", protowire.ParseError(n)
		}
		b = b[n:]
		if num == 1 {
			key = s
		} else {
			value = s
		}
	}
	return key, value, nil
}

func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	}
	return 0, false
}

func toUint64(v any) (uint64, bool) {
	switch x := v.(type) {
	case uint:
		return uint64(x), true
	case uint8:
		return uint64(x), true
	case uint16:
		return uint64(x), true
	case uint32:
		return uint64(x), true
	case uint64:
		return x, true
	}
	if n, ok := toInt64(v); ok && n >= 0 {
		return uint64(n), true
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	}
	if n, ok := toInt64(v); ok {
		return float64(n), true
	}
	return 0, false
}

func typeName(v any) string {
	return fmt.Sprintf("%T", v)
}
