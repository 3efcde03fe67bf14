// Package schema describes the binary shape of headers, arguments and results.
//
// A Descriptor is an ordered list of numbered fields. Values travel as Records and are
// encoded tag-length-value style with protobuf wire primitives, so a reader can skip
// fields it does not know about. The same machinery encodes the fixed frame headers and
// the per-operation bodies.
package schema

import (
	"fmt"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Kind is the value type of one field.
type Kind uint8

const (
	KindInt64 Kind = iota + 1
	KindUint64
	KindBool
	KindDouble
	KindString
	KindBytes
	KindStringMap
	KindMessage
	KindAny // msgpack-encoded value of any shape
)

var kindNames = map[Kind]string{
	KindInt64:     "int64",
	KindUint64:    "uint64",
	KindBool:      "bool",
	KindDouble:    "double",
	KindString:    "string",
	KindBytes:     "bytes",
	KindStringMap: "map<string,string>",
	KindMessage:   "message",
	KindAny:       "any",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func (k Kind) wireType() protowire.Type {
	switch k {
	case KindInt64, KindUint64, KindBool:
		return protowire.VarintType
	case KindDouble:
		return protowire.Fixed64Type
	default:
		return protowire.BytesType
	}
}

// Field is one numbered member of a descriptor.
type Field struct {
	Number  int32
	Name    string
	Kind    Kind
	Message *Descriptor // set for KindMessage only
}

// Record is the decoded value of a descriptor, keyed by field name.
type Record map[string]any

// Descriptor is an immutable, ordered set of fields.
type Descriptor struct {
	name     string
	fields   []Field
	byNumber map[int32]int
	byName   map[string]int
}

// NewDescriptor validates and indexes the given fields. Field order is kept; it is the
// argument order of an operation and the encode order on the wire.
func NewDescriptor(name string, fields ...Field) (*Descriptor, error) {
	d := &Descriptor{
		name:     name,
		fields:   make([]Field, len(fields)),
		byNumber: make(map[int32]int, len(fields)),
		byName:   make(map[string]int, len(fields)),
	}
	copy(d.fields, fields)

	for i, f := range d.fields {
		if !protowire.Number(f.Number).IsValid() {
			return nil, errors.Errorf("schema %s: field %q has invalid number %d", name, f.Name, f.Number)
		}
		if f.Name == "" {
			return nil, errors.Errorf("schema %s: field %d has no name", name, f.Number)
		}
		if _, ok := kindNames[f.Kind]; !ok {
			return nil, errors.Errorf("schema %s: field %q has unknown kind %d", name, f.Name, f.Kind)
		}
		if f.Kind == KindMessage && f.Message == nil {
			return nil, errors.Errorf("schema %s: message field %q has no descriptor", name, f.Name)
		}
		if _, dup := d.byNumber[f.Number]; dup {
			return nil, errors.Errorf("schema %s: duplicate field number %d", name, f.Number)
		}
		if _, dup := d.byName[f.Name]; dup {
			return nil, errors.Errorf("schema %s: duplicate field name %q", name, f.Name)
		}
		d.byNumber[f.Number] = i
		d.byName[f.Name] = i
	}
	return d, nil
}

// MustDescriptor is NewDescriptor for package-level declarations.
func MustDescriptor(name string, fields ...Field) *Descriptor {
	d, err := NewDescriptor(name, fields...)
	if err != nil {
		panic(err)
	}
	return d
}

// Wrap builds a single-field descriptor (field 1, "value") for scalar bodies.
func Wrap(name string, kind Kind) *Descriptor {
	return MustDescriptor(name, Field{Number: 1, Name: WrappedField, Kind: kind})
}

// WrappedField is the field name used by Wrap.
const WrappedField = "value"

// ErrorSchema carries failure payloads for statuses without a declared body shape.
var ErrorSchema = Wrap("error", KindAny)

func (d *Descriptor) Name() string { return d.name }

// Fields returns the fields in declaration order.
func (d *Descriptor) Fields() []Field {
	out := make([]Field, len(d.fields))
	copy(out, d.fields)
	return out
}

func (d *Descriptor) Len() int { return len(d.fields) }

func (d *Descriptor) FieldByName(name string) (Field, bool) {
	i, ok := d.byName[name]
	if !ok {
		return Field{}, false
	}
	return d.fields[i], true
}

// Index returns the position of the named field, -1 if absent.
func (d *Descriptor) Index(name string) int {
	if i, ok := d.byName[name]; ok {
		return i
	}
	return -1
}

// IsWrapper reports whether d has the single "value" field layout built by Wrap.
func (d *Descriptor) IsWrapper() bool {
	return len(d.fields) == 1 && d.fields[0].Number == 1 && d.fields[0].Name == WrappedField
}

// Record builds a record from positional values in field order.
func (d *Descriptor) Record(values ...any) (Record, error) {
	if len(values) > len(d.fields) {
		return nil, errors.Errorf("schema %s: %d values for %d fields", d.name, len(values), len(d.fields))
	}
	r := make(Record, len(values))
	for i, v := range values {
		if v != nil {
			r[d.fields[i].Name] = v
		}
	}
	return r, nil
}

// Values flattens a record into positional values in field order.
func (d *Descriptor) Values(r Record) []any {
	out := make([]any, len(d.fields))
	for i, f := range d.fields {
		out[i] = r[f.Name]
	}
	return out
}
