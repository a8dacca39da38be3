package internal

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nodes "github.com/ist-dresden/composum-nodes-sub000"
)

func TestDecodeTypedString(t *testing.T) {
	tests := []struct {
		in       string
		wantType nodes.PropertyType
		wantText string
	}{
		{"{Long}42", nodes.TypeLong, "42"},
		{"{Name}nt:folder", nodes.TypeName, "nt:folder"},
		{"{Unknown}x", nodes.TypeString, "{Unknown}x"},
		{"plain", nodes.TypeString, "plain"},
		{"{String}line1\nline2", nodes.TypeString, "line1\nline2"},
		{"{Date}", nodes.TypeDate, ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			typ, text := DecodeTypedString(tt.in, nodes.TypeString)
			assert.Equal(t, tt.wantType, typ)
			assert.Equal(t, tt.wantText, text)
		})
	}
}

func TestSplitMultiValue(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, SplitMultiValue("a, b ,c", nodes.MultiValueSplitComma))
	assert.Equal(t, []string{"a, b"}, SplitMultiValue("a, b", nodes.MultiValueNoSplit))
	assert.Nil(t, SplitMultiValue("  ", nodes.MultiValueSplitComma))
}

func TestCoerce(t *testing.T) {
	ctx := context.Background()
	rules := nodes.NewMappingRules(nodes.WithBinary(nodes.BinaryBase64))

	tests := []struct {
		name   string
		raw    any
		target nodes.PropertyType
		want   nodes.Value
	}{
		{"long from text", "12", nodes.TypeLong, nodes.LongValue(12)},
		{"long from number", json.Number("7"), nodes.TypeLong, nodes.LongValue(7)},
		{"double", "2.5", nodes.TypeDouble, nodes.DoubleValue(2.5)},
		{"boolean text", "TRUE", nodes.TypeBoolean, nodes.BoolValue(true)},
		{"boolean other text", "yes", nodes.TypeBoolean, nodes.BoolValue(false)},
		{"decimal keeps scale", "10.50", nodes.TypeDecimal, nodes.DecimalValue("10.50")},
		{"decimal leading dot", "-.5", nodes.TypeDecimal, nodes.DecimalValue("-0.5")},
		{"name", "nt:file", nodes.TypeName, nodes.StringValue{Kind: nodes.TypeName, S: "nt:file"}},
		{"inferred long", json.Number("3"), nodes.TypeUndefined, nodes.LongValue(3)},
		{"inferred double", json.Number("3.5"), nodes.TypeUndefined, nodes.DoubleValue(3.5)},
		{"typed value passes", nodes.LongValue(9), nodes.TypeLong, nodes.LongValue(9)},
		{"typed value converted", nodes.LongValue(9), nodes.TypeString, nodes.String("9")},
		{"binary from base64", "aGk=", nodes.TypeBinary, nodes.BytesBinary([]byte("hi"))},
		{"weak reference without resolver", "ABC", nodes.TypeWeakReference,
			nodes.ReferenceValue{Kind: nodes.TypeWeakReference, Identifier: "ABC"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Coerce(ctx, tt.raw, tt.target, rules, nil)
			require.NoError(t, err)
			if bin, ok := tt.want.(nodes.BinaryValue); ok {
				assert.Equal(t, bin.Size, got.(nodes.BinaryValue).Size)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCoerceFormatErrors(t *testing.T) {
	ctx := context.Background()
	rules := nodes.NewMappingRules()

	for _, tc := range []struct {
		raw    any
		target nodes.PropertyType
	}{
		{"abc", nodes.TypeLong},
		{"1.5", nodes.TypeLong},
		{"x", nodes.TypeDouble},
		{"1,5", nodes.TypeDecimal},
		{"yesterday", nodes.TypeDate},
		{"aGk=", nodes.TypeBinary},
		{"", nodes.TypeReference},
	} {
		_, err := Coerce(ctx, tc.raw, tc.target, rules, nil)
		assert.True(t, nodes.IsFormatError(err), "%v as %s", tc.raw, tc.target)
	}
}

func TestCoerceDates(t *testing.T) {
	ctx := context.Background()
	rules := nodes.NewMappingRules(nodes.WithTimeZone(time.FixedZone("", 3600)))

	v, err := Coerce(ctx, "2024-03-01T10:00:00.000+0530", nodes.TypeDate, rules, nil)
	require.NoError(t, err)
	_, offset := v.(nodes.DateValue).T.Zone()
	assert.Equal(t, 5*3600+1800, offset)
	assert.Equal(t, "2024-03-01T10:00:00.000+0530", FormatText(v, rules))

	v, err = Coerce(ctx, json.Number("0"), nodes.TypeDate, rules, nil)
	require.NoError(t, err)
	assert.Equal(t, "1970-01-01T01:00:00.000+0100", FormatText(v, rules))

	v, err = Coerce(ctx, "2024-03-01", nodes.TypeDate, rules, nil)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01T00:00:00.000+0100", FormatText(v, rules))
}

func TestCoerceResolvesReferences(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	n, err := store.CreateNode(ctx, "/target", "nt:unstructured")
	require.NoError(t, err)

	v, err := Coerce(ctx, n.Identifier, nodes.TypeReference, nodes.NewMappingRules(), store)
	require.NoError(t, err)
	assert.Equal(t, nodes.ReferenceValue{Kind: nodes.TypeReference, Identifier: n.Identifier}, v)

	_, err = Coerce(ctx, "0190b6a4-0000-7000-8000-00000000dead", nodes.TypeReference, nodes.NewMappingRules(), store)
	assert.Equal(t, nodes.ErrorTypeReference, nodes.ErrorTypeOf(err))
}

func TestFormatDouble(t *testing.T) {
	assert.Equal(t, "1.0", formatDouble(1))
	assert.Equal(t, "0.25", formatDouble(0.25))
	assert.Equal(t, "1e+21", formatDouble(1e21))
	assert.Equal(t, "Infinity", formatDouble(math.Inf(1)))
	assert.Equal(t, "-Infinity", formatDouble(math.Inf(-1)))
	assert.Equal(t, "NaN", formatDouble(math.NaN()))
}

func TestStoredValueText(t *testing.T) {
	when := time.Date(2024, 1, 2, 3, 4, 5, 6000000, time.FixedZone("", -7200))
	for _, v := range []nodes.Value{
		nodes.String("text"),
		nodes.BoolValue(true),
		nodes.LongValue(-3),
		nodes.DoubleValue(math.Inf(1)),
		nodes.DecimalValue("1.230"),
		nodes.DateValue{T: when},
		nodes.ReferenceValue{Kind: nodes.TypeReference, Identifier: "id"},
	} {
		text, err := encodeValue(v)
		require.NoError(t, err)
		back, err := decodeValue(v.Type(), text)
		require.NoError(t, err)
		if d, ok := v.(nodes.DateValue); ok {
			assert.True(t, d.T.Equal(back.(nodes.DateValue).T))
			assert.Equal(t, when.Format(time.RFC3339Nano), text)
			continue
		}
		assert.Equal(t, v, back)
	}

	_, err := encodeValue(nodes.BytesBinary([]byte("x")))
	assert.Error(t, err)
	_, err = decodeValue(nodes.TypeLong, "x")
	assert.Error(t, err)
}

func TestBinaryRef(t *testing.T) {
	size, key, err := parseBinaryRef(binaryRef(12, "id/data/k:1"))
	require.NoError(t, err)
	assert.Equal(t, int64(12), size)
	assert.Equal(t, "id/data/k:1", key)

	_, _, err = parseBinaryRef("nokey")
	assert.Error(t, err)
	_, _, err = parseBinaryRef("x:key")
	assert.Error(t, err)

	assert.Equal(t, []string{"a", "b"}, binaryKeys(nodes.TypeBinary, []string{"1:a", "2:b"}))
	assert.Empty(t, binaryKeys(nodes.TypeString, []string{"1:a"}))
}

func TestReadPropertyObject(t *testing.T) {
	rules := nodes.NewMappingRules()
	tests := []struct {
		name  string
		doc   string
		want  jsonProperty
		isErr bool
	}{
		{
			name: "explicit type",
			doc:  `{"name":"n","type":"Long","value":"5","auto":true}`,
			want: jsonProperty{Name: "n", Type: nodes.TypeLong, Value: "5"},
		},
		{
			name: "embedded type",
			doc:  `{"name":"d","value":"{Date}2024-01-01"}`,
			want: jsonProperty{Name: "d", Type: nodes.TypeDate, Value: "2024-01-01"},
		},
		{
			name: "comma separated multi",
			doc:  `{"name":"tags","multi":true,"value":"a, b"}`,
			want: jsonProperty{Name: "tags", Type: nodes.TypeString, Multi: true, Value: []any{"a", "b"}},
		},
		{
			name: "array implies multi",
			doc:  `{"name":"nums","value":[1, 2.5]}`,
			want: jsonProperty{Name: "nums", Type: nodes.TypeDouble, Multi: true, Value: []any{json.Number("1"), json.Number("2.5")}},
		},
		{
			name: "rename",
			doc:  `{"name":"new","oldname":"old","value":true}`,
			want: jsonProperty{Name: "new", OldName: "old", Type: nodes.TypeBoolean, Value: true},
		},
		{
			name:  "missing name",
			doc:   `{"value":"x"}`,
			isErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			iter := jsoniter.ParseString(jsoniter.ConfigDefault, tt.doc)
			p, err := readPropertyObject(iter, rules)
			if tt.isErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, *p)
		})
	}
}

func TestReadCompactArray(t *testing.T) {
	iter := jsoniter.ParseString(jsoniter.ConfigDefault, `["{Long}1", "{Double}2", "3", null]`)
	p := readCompactArray(iter, "n")
	assert.Equal(t, nodes.TypeLong, p.Type)
	assert.Equal(t, []any{"1", "2", "3"}, p.Value)

	iter = jsoniter.ParseString(jsoniter.ConfigDefault, `[]`)
	p = readCompactArray(iter, "empty")
	assert.Equal(t, nodes.TypeString, p.Type)
	assert.True(t, p.Multi)
}
