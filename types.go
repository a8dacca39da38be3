package nodes

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"
)

// PropertyType is the semantic type tag of a property value.
type PropertyType int

const (
	TypeUndefined PropertyType = iota
	TypeString
	TypeBinary
	TypeLong
	TypeDouble
	TypeDate
	TypeBoolean
	TypeName
	TypePath
	TypeReference
	TypeWeakReference
	TypeURI
	TypeDecimal
)

var propertyTypeNames = map[PropertyType]string{
	TypeUndefined:     "undefined",
	TypeString:        "String",
	TypeBinary:        "Binary",
	TypeLong:          "Long",
	TypeDouble:        "Double",
	TypeDate:          "Date",
	TypeBoolean:       "Boolean",
	TypeName:          "Name",
	TypePath:          "Path",
	TypeReference:     "Reference",
	TypeWeakReference: "WeakReference",
	TypeURI:           "URI",
	TypeDecimal:       "Decimal",
}

var propertyTypesByName = func() map[string]PropertyType {
	m := make(map[string]PropertyType, len(propertyTypeNames))
	for t, name := range propertyTypeNames {
		m[name] = t
	}
	return m
}()

func (t PropertyType) String() string {
	if name, ok := propertyTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("PropertyType(%d)", int(t))
}

// ParsePropertyType resolves a type name. Names are case-sensitive.
func ParsePropertyType(name string) (PropertyType, bool) {
	t, ok := propertyTypesByName[name]
	return t, ok
}

// IsTextual reports whether values of this type are carried as plain strings.
func (t PropertyType) IsTextual() bool {
	switch t {
	case TypeString, TypeName, TypePath, TypeURI, TypeUndefined:
		return true
	}
	return false
}

// IsReference reports whether the type holds a node identifier.
func (t PropertyType) IsReference() bool {
	return t == TypeReference || t == TypeWeakReference
}

// Value is a single typed property value. The set of implementations is closed.
type Value interface {
	Type() PropertyType
	isValue()
}

// StringValue carries String, Name, Path, URI and Undefined values.
type StringValue struct {
	Kind PropertyType
	S    string
}

// BoolValue is a Boolean value.
type BoolValue bool

// LongValue is a Long value.
type LongValue int64

// DoubleValue is a Double value.
type DoubleValue float64

// DecimalValue holds the canonical text of an arbitrary precision decimal.
type DecimalValue string

// DateValue is a Date value; the zone of T is preserved.
type DateValue struct {
	T time.Time
}

// ReferenceValue points to a node by identifier.
type ReferenceValue struct {
	Kind       PropertyType
	Identifier string
}

// BinaryOpener opens the content stream of a binary value.
type BinaryOpener func(ctx context.Context) (io.ReadCloser, error)

// BinaryValue is a handle to binary content. The content is only read on Open.
type BinaryValue struct {
	Size   int64
	opener BinaryOpener
}

func (v StringValue) Type() PropertyType {
	if v.Kind == TypeUndefined {
		return TypeString
	}
	return v.Kind
}
func (BoolValue) Type() PropertyType { return TypeBoolean }
func (LongValue) Type() PropertyType { return TypeLong }
func (DoubleValue) Type() PropertyType { return TypeDouble }
func (DecimalValue) Type() PropertyType { return TypeDecimal }
func (DateValue) Type() PropertyType { return TypeDate }
func (BinaryValue) Type() PropertyType { return TypeBinary }
func (v ReferenceValue) Type() PropertyType {
	if v.Kind == TypeWeakReference {
		return TypeWeakReference
	}
	return TypeReference
}

func (StringValue) isValue() {}
func (BoolValue) isValue() {}
func (LongValue) isValue() {}
func (DoubleValue) isValue() {}
func (DecimalValue) isValue() {}
func (DateValue) isValue() {}
func (BinaryValue) isValue() {}
func (ReferenceValue) isValue() {}

// String builds a String value.
func String(s string) StringValue { return StringValue{Kind: TypeString, S: s} }

// NewBinaryValue wraps a lazily opened stream of known size (-1 when unknown).
func NewBinaryValue(size int64, open BinaryOpener) BinaryValue {
	return BinaryValue{Size: size, opener: open}
}

// BytesBinary wraps in-memory content.
func BytesBinary(data []byte) BinaryValue {
	buf := append([]byte(nil), data...)
	return BinaryValue{
		Size: int64(len(buf)),
		opener: func(context.Context) (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(buf)), nil
		},
	}
}

// Open returns the content stream. The caller closes it.
func (v BinaryValue) Open(ctx context.Context) (io.ReadCloser, error) {
	if v.opener == nil {
		return nil, fmt.Errorf("binary value has no content")
	}
	return v.opener(ctx)
}

// Property is a named, typed value or sequence of values attached to a node.
type Property struct {
	Name   string
	Type   PropertyType
	Multi  bool
	Values []Value

	// Definition flags reported by the store.
	AutoCreated bool
	Protected   bool
}

// NewProperty builds a single-valued property.
func NewProperty(name string, v Value) *Property {
	return &Property{Name: name, Type: v.Type(), Values: []Value{v}}
}

// NewMultiProperty builds a multi-valued property of the given type.
func NewMultiProperty(name string, t PropertyType, values ...Value) *Property {
	return &Property{Name: name, Type: t, Multi: true, Values: values}
}

// Value returns the scalar of a single-valued property, nil otherwise.
func (p *Property) Value() Value {
	if p.Multi || len(p.Values) != 1 {
		return nil
	}
	return p.Values[0]
}

// Validate checks the cardinality and type invariants.
func (p *Property) Validate() error {
	if p.Name == "" {
		return NewValidationError("property name is empty")
	}
	if !p.Multi && len(p.Values) != 1 {
		return NewValidationError(fmt.Sprintf("single-valued property carries %d values", len(p.Values))).
			WithProperty(p.Name)
	}
	for _, v := range p.Values {
		if v == nil {
			return NewValidationError("nil value").WithProperty(p.Name)
		}
		if v.Type() != p.Type {
			return NewValidationError(fmt.Sprintf("value of type %s in property of type %s", v.Type(), p.Type)).
				WithProperty(p.Name)
		}
	}
	return nil
}

// Strings returns the textual values of a Name/String-like property.
func (p *Property) Strings() []string {
	out := make([]string, 0, len(p.Values))
	for _, v := range p.Values {
		switch x := v.(type) {
		case StringValue:
			out = append(out, x.S)
		case ReferenceValue:
			out = append(out, x.Identifier)
		}
	}
	return out
}

// Node is an addressable point of the content tree.
type Node struct {
	Path        string
	Name        string
	Identifier  string
	PrimaryType string
	MixinTypes  []string
}

// HasMixin reports whether the node carries the mixin.
func (n *Node) HasMixin(mixin string) bool {
	for _, m := range n.MixinTypes {
		if m == mixin {
			return true
		}
	}
	return false
}

// Diagnostic describes a property or child that was skipped during import.
type Diagnostic struct {
	Path     string    `json:"path"`
	Property string    `json:"property,omitempty"`
	Kind     ErrorType `json:"kind"`
	Message  string    `json:"message"`
}

// ImportResult is returned by a successful import.
type ImportResult struct {
	Node        *Node        `json:"-"`
	Path        string       `json:"path"`
	Created     bool         `json:"created"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}
