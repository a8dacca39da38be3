package internal

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	nodes "github.com/ist-dresden/composum-nodes-sub000"
)

var (
	typedStringPattern = regexp.MustCompile(`(?s)^\{([A-Za-z]+)\}(.*)$`)
	decimalPattern     = regexp.MustCompile(`^[+-]?(?:[0-9]+(?:\.[0-9]*)?|\.[0-9]+)(?:[eE][+-]?[0-9]+)?$`)
	multiValueSplit    = regexp.MustCompile(`\s*,\s*`)
)

// IdentifierResolver looks nodes up by identifier.
type IdentifierResolver interface {
	GetNodeByIdentifier(ctx context.Context, identifier string) (*nodes.Node, error)
}

// DecodeTypedString strips a recognized {TypeName} prefix and returns the
// named type. Unrecognized prefixes are kept as text with the inherited type.
func DecodeTypedString(s string, inherited nodes.PropertyType) (nodes.PropertyType, string) {
	if m := typedStringPattern.FindStringSubmatch(s); m != nil {
		if t, ok := nodes.ParsePropertyType(m[1]); ok {
			return t, m[2]
		}
	}
	return inherited, s
}

// EmbedPrefix returns the {TypeName} marker of t.
func EmbedPrefix(t nodes.PropertyType) string {
	return "{" + t.String() + "}"
}

// SplitMultiValue splits the legacy comma separated form of a multi value.
func SplitMultiValue(s string, encoding nodes.MultiValueEncoding) []string {
	if encoding == nodes.MultiValueNoSplit {
		return []string{s}
	}
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return multiValueSplit.Split(s, -1)
}

// isIntegral reports whether a JSON number has no fraction or exponent.
func isIntegral(n json.Number) bool {
	_, err := strconv.ParseInt(string(n), 10, 64)
	return err == nil
}

// Coerce converts a raw JSON scalar or an already typed value to target.
// Malformed input yields a format error, unresolvable references a reference error.
func Coerce(ctx context.Context, raw any, target nodes.PropertyType, rules *nodes.MappingRules, resolver IdentifierResolver) (nodes.Value, error) {
	if v, ok := raw.(nodes.Value); ok {
		if v.Type() == target || target == nodes.TypeUndefined {
			return v, nil
		}
		if bin, ok := v.(nodes.BinaryValue); ok {
			return nil, nodes.NewFormatError(target, "binary", fmt.Errorf("binary value of size %d", bin.Size))
		}
		raw = FormatText(v, rules)
	}

	if target == nodes.TypeUndefined {
		target = inferType(raw)
	}

	switch target {
	case nodes.TypeString, nodes.TypeName, nodes.TypePath, nodes.TypeURI:
		return nodes.StringValue{Kind: target, S: rawText(raw)}, nil

	case nodes.TypeBoolean:
		if b, ok := raw.(bool); ok {
			return nodes.BoolValue(b), nil
		}
		return nodes.BoolValue(strings.EqualFold(rawText(raw), "true")), nil

	case nodes.TypeLong:
		s := rawText(raw)
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, nodes.NewFormatError(target, s, err)
		}
		return nodes.LongValue(i), nil

	case nodes.TypeDouble:
		s := rawText(raw)
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, nodes.NewFormatError(target, s, err)
		}
		return nodes.DoubleValue(f), nil

	case nodes.TypeDecimal:
		s := rawText(raw)
		if !decimalPattern.MatchString(s) {
			return nil, nodes.NewFormatError(target, s, nil)
		}
		return nodes.DecimalValue(canonicalDecimal(s)), nil

	case nodes.TypeDate:
		if n, ok := raw.(json.Number); ok && isIntegral(n) {
			ms, _ := n.Int64()
			return nodes.DateValue{T: time.UnixMilli(ms).In(rules.DateFormat().Location())}, nil
		}
		s := rawText(raw)
		t, err := rules.DateFormat().Parse(s)
		if err != nil {
			return nil, nodes.NewFormatError(target, s, err)
		}
		return nodes.DateValue{T: t}, nil

	case nodes.TypeBinary:
		switch b := raw.(type) {
		case []byte:
			return nodes.BytesBinary(b), nil
		case string:
			if rules.Binary() != nodes.BinaryBase64 {
				return nil, nodes.NewFormatError(target, "text", fmt.Errorf("binary content is only accepted as base64"))
			}
			data, err := base64.StdEncoding.DecodeString(b)
			if err != nil {
				return nil, nodes.NewFormatError(target, "text", err)
			}
			return nodes.BytesBinary(data), nil
		}
		return nil, nodes.NewFormatError(target, raw, nil)

	case nodes.TypeReference, nodes.TypeWeakReference:
		id := strings.TrimSpace(rawText(raw))
		if id == "" {
			return nil, nodes.NewFormatError(target, raw, fmt.Errorf("empty identifier"))
		}
		if c, ok := canonicalIdentifier(id); ok {
			id = c
		}
		if resolver != nil {
			n, err := resolver.GetNodeByIdentifier(ctx, id)
			if err != nil {
				return nil, nodes.NewReferenceError(id, err)
			}
			id = n.Identifier
		}
		return nodes.ReferenceValue{Kind: target, Identifier: id}, nil
	}

	return nil, nodes.NewFormatError(target, raw, fmt.Errorf("unsupported property type"))
}

// canonicalDecimal keeps the scale but makes the text a valid JSON number.
func canonicalDecimal(s string) string {
	sign := ""
	switch s[0] {
	case '+':
		s = s[1:]
	case '-':
		sign, s = "-", s[1:]
	}
	if strings.HasPrefix(s, ".") {
		s = "0" + s
	}
	if mantissa, exp, ok := strings.Cut(s, "e"); ok {
		s = strings.TrimSuffix(mantissa, ".") + "e" + exp
	} else if mantissa, exp, ok := strings.Cut(s, "E"); ok {
		s = strings.TrimSuffix(mantissa, ".") + "E" + exp
	} else {
		s = strings.TrimSuffix(s, ".")
	}
	return sign + s
}

func inferType(raw any) nodes.PropertyType {
	switch v := raw.(type) {
	case bool:
		return nodes.TypeBoolean
	case json.Number:
		if isIntegral(v) {
			return nodes.TypeLong
		}
		return nodes.TypeDouble
	case int, int64:
		return nodes.TypeLong
	case float64:
		return nodes.TypeDouble
	case []byte:
		return nodes.TypeBinary
	}
	return nodes.TypeString
}

func rawText(raw any) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return string(v)
	case bool:
		return strconv.FormatBool(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case float64:
		return formatDouble(v)
	case []byte:
		return string(v)
	}
	return fmt.Sprint(raw)
}

// FormatText returns the textual form of v. Binary values have none.
func FormatText(v nodes.Value, rules *nodes.MappingRules) string {
	switch x := v.(type) {
	case nodes.StringValue:
		return x.S
	case nodes.BoolValue:
		return strconv.FormatBool(bool(x))
	case nodes.LongValue:
		return strconv.FormatInt(int64(x), 10)
	case nodes.DoubleValue:
		return formatDouble(float64(x))
	case nodes.DecimalValue:
		return string(x)
	case nodes.DateValue:
		return rules.DateFormat().Format(x.T)
	case nodes.ReferenceValue:
		return x.Identifier
	case nodes.BinaryValue:
		return ""
	}
	return ""
}

// formatDouble always keeps a fraction or exponent so the value reads back as Double.
func formatDouble(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}

// readBase64 reads the whole binary stream. Callers opt in via BinaryBase64.
func readBase64(ctx context.Context, v nodes.BinaryValue) (string, error) {
	rc, err := v.Open(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
