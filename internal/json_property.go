package internal

import (
	"encoding/json"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	nodes "github.com/ist-dresden/composum-nodes-sub000"
)

// jsonProperty is a property read from JSON before type resolution.
// Value holds nil, string, bool, json.Number or []any of those.
type jsonProperty struct {
	Name    string
	OldName string
	Type    nodes.PropertyType
	Multi   bool
	Value   any
}

// values returns the elements of a multi value.
func (p *jsonProperty) values() []any {
	switch v := p.Value.(type) {
	case nil:
		return nil
	case []any:
		return v
	default:
		return []any{v}
	}
}

// readScalar reads a string, number, boolean or null.
func readScalar(iter *jsoniter.Iterator) (any, bool) {
	switch iter.WhatIsNext() {
	case jsoniter.StringValue:
		return iter.ReadString(), true
	case jsoniter.NumberValue:
		return iter.ReadNumber(), true
	case jsoniter.BoolValue:
		return iter.ReadBool(), true
	case jsoniter.NilValue:
		iter.ReadNil()
		return nil, true
	}
	iter.Skip()
	return nil, false
}

// readScalarArray reads an array of scalars; nested structures are dropped.
func readScalarArray(iter *jsoniter.Iterator) []any {
	values := make([]any, 0)
	for iter.ReadArray() {
		v, ok := readScalar(iter)
		if ok && v != nil {
			values = append(values, v)
		}
	}
	return values
}

func numberType(n json.Number) nodes.PropertyType {
	if isIntegral(n) {
		return nodes.TypeLong
	}
	return nodes.TypeDouble
}

// readPropertyObject reads {name, oldname, value, type, multi}. Output only
// members like auto, protected, subtype and target are ignored.
func readPropertyObject(iter *jsoniter.Iterator, rules *nodes.MappingRules) (*jsonProperty, error) {
	p := &jsonProperty{}
	typeName := ""
	multiSet := false
	badValue := false
	iter.ReadObjectCB(func(iter *jsoniter.Iterator, field string) bool {
		switch field {
		case "name":
			p.Name = iter.ReadString()
		case "oldname":
			p.OldName = iter.ReadString()
		case "type":
			typeName = iter.ReadString()
		case "multi":
			p.Multi = iter.ReadBool()
			multiSet = true
		case "value":
			if iter.WhatIsNext() == jsoniter.ArrayValue {
				p.Value = readScalarArray(iter)
			} else {
				var ok bool
				p.Value, ok = readScalar(iter)
				badValue = !ok
			}
		default:
			iter.Skip()
		}
		return iter.Error == nil
	})
	if iter.Error != nil {
		return nil, iter.Error
	}
	if p.Name == "" {
		return nil, fmt.Errorf("property object without name")
	}
	if badValue {
		return p, fmt.Errorf("unsupported value of property '%s'", p.Name)
	}

	if _, isArray := p.Value.([]any); isArray && !multiSet {
		p.Multi = true
	}

	if typeName != "" {
		t, ok := nodes.ParsePropertyType(typeName)
		if !ok {
			t = nodes.TypeString
		}
		p.Type = t
	} else {
		p.Type = nodes.TypeString
		switch v := p.Value.(type) {
		case string:
			var s string
			p.Type, s = DecodeTypedString(v, nodes.TypeString)
			p.Value = s
		case bool:
			p.Type = nodes.TypeBoolean
		case json.Number:
			p.Type = numberType(v)
		case []any:
			p.Type = seedArrayType(v)
		}
	}

	if s, ok := p.Value.(string); ok && p.Multi {
		parts := SplitMultiValue(s, rules.MultiValue())
		values := make([]any, len(parts))
		for i, part := range parts {
			values[i] = part
		}
		p.Value = values
	}
	return p, nil
}

// readCompactArray reads a "name": [ ... ] member. The first element seeds
// the type; later prefixes are stripped without changing it.
func readCompactArray(iter *jsoniter.Iterator, name string) *jsonProperty {
	p := &jsonProperty{Name: name, Multi: true, Type: nodes.TypeUndefined}
	values := make([]any, 0)
	for iter.ReadArray() {
		v, ok := readScalar(iter)
		if !ok || v == nil {
			continue
		}
		switch x := v.(type) {
		case string:
			t, s := DecodeTypedString(x, nodes.TypeString)
			if p.Type == nodes.TypeUndefined {
				p.Type = t
			}
			v = s
		case bool:
			if p.Type == nodes.TypeUndefined {
				p.Type = nodes.TypeBoolean
			}
		case json.Number:
			nt := numberType(x)
			switch {
			case p.Type == nodes.TypeUndefined:
				p.Type = nt
			case p.Type == nodes.TypeLong && nt == nodes.TypeDouble:
				p.Type = nodes.TypeDouble
			}
		}
		values = append(values, v)
	}
	if p.Type == nodes.TypeUndefined {
		p.Type = nodes.TypeString
	}
	p.Value = values
	return p
}

// seedArrayType derives the type of an untyped value array from its first element.
func seedArrayType(values []any) nodes.PropertyType {
	t := nodes.TypeString
	for i, v := range values {
		switch x := v.(type) {
		case string:
			if i == 0 {
				var s string
				t, s = DecodeTypedString(x, nodes.TypeString)
				values[i] = s
			} else {
				_, values[i] = DecodeTypedString(x, t)
			}
		case bool:
			if i == 0 {
				t = nodes.TypeBoolean
			}
		case json.Number:
			nt := numberType(x)
			if i == 0 || t == nodes.TypeLong && nt == nodes.TypeDouble {
				t = nt
			}
		}
	}
	return t
}

// compactScalar builds a property from a "name": value member.
func compactScalar(name string, v any) *jsonProperty {
	p := &jsonProperty{Name: name, Type: nodes.TypeString, Value: v}
	switch x := v.(type) {
	case string:
		p.Type, p.Value = DecodeTypedString(x, nodes.TypeString)
	case bool:
		p.Type = nodes.TypeBoolean
	case json.Number:
		p.Type = numberType(x)
	}
	return p
}
