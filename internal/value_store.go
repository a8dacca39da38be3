package internal

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	nodes "github.com/ist-dresden/composum-nodes-sub000"
)

// Property values are persisted as canonical text, one string per value.
// Binary values are persisted as "size:key" pointing into a BinaryStore.

func encodeValue(v nodes.Value) (string, error) {
	switch x := v.(type) {
	case nodes.StringValue:
		return x.S, nil
	case nodes.BoolValue:
		return strconv.FormatBool(bool(x)), nil
	case nodes.LongValue:
		return strconv.FormatInt(int64(x), 10), nil
	case nodes.DoubleValue:
		return formatDouble(float64(x)), nil
	case nodes.DecimalValue:
		return string(x), nil
	case nodes.DateValue:
		return x.T.Format(time.RFC3339Nano), nil
	case nodes.ReferenceValue:
		return x.Identifier, nil
	}
	return "", fmt.Errorf("cannot encode %T", v)
}

func decodeValue(t nodes.PropertyType, text string) (nodes.Value, error) {
	switch t {
	case nodes.TypeString, nodes.TypeName, nodes.TypePath, nodes.TypeURI, nodes.TypeUndefined:
		return nodes.StringValue{Kind: t, S: text}, nil
	case nodes.TypeBoolean:
		b, err := strconv.ParseBool(text)
		if err != nil {
			return nil, err
		}
		return nodes.BoolValue(b), nil
	case nodes.TypeLong:
		i, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, err
		}
		return nodes.LongValue(i), nil
	case nodes.TypeDouble:
		var f float64
		var err error
		switch text {
		case "Infinity":
			f, err = strconv.ParseFloat("+Inf", 64)
		case "-Infinity":
			f, err = strconv.ParseFloat("-Inf", 64)
		default:
			f, err = strconv.ParseFloat(text, 64)
		}
		if err != nil {
			return nil, err
		}
		return nodes.DoubleValue(f), nil
	case nodes.TypeDecimal:
		return nodes.DecimalValue(text), nil
	case nodes.TypeDate:
		tm, err := time.Parse(time.RFC3339Nano, text)
		if err != nil {
			return nil, err
		}
		return nodes.DateValue{T: tm}, nil
	case nodes.TypeReference, nodes.TypeWeakReference:
		return nodes.ReferenceValue{Kind: t, Identifier: text}, nil
	}
	return nil, fmt.Errorf("unsupported stored type %s", t)
}

func binaryRef(size int64, key string) string {
	return strconv.FormatInt(size, 10) + ":" + key
}

func parseBinaryRef(text string) (int64, string, error) {
	sizeText, key, ok := strings.Cut(text, ":")
	if !ok || key == "" {
		return 0, "", fmt.Errorf("malformed binary reference %q", text)
	}
	size, err := strconv.ParseInt(sizeText, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed binary size %q: %w", sizeText, err)
	}
	return size, key, nil
}

// propertyRows encodes and decodes property rows, moving binary content
// in and out of a BinaryStore.
type propertyRows struct {
	writes nodes.BinaryStore
	reads  nodes.BinaryStore
	// stale is set inside a transaction when writes does not take part in it.
	stale *staleBinaries
}

// release drops content no longer referenced by any row. Within a
// transaction the deletion waits for the commit.
func (r propertyRows) release(ctx context.Context, keys []string) {
	if r.stale != nil {
		r.stale.keys = append(r.stale.keys, keys...)
		return
	}
	deleteBinaries(ctx, r.writes, keys)
}

// staleBinaries collects binary keys released during a transaction.
type staleBinaries struct {
	keys []string
}

func (b *staleBinaries) flush(ctx context.Context, store nodes.BinaryStore) {
	if b == nil || len(b.keys) == 0 {
		return
	}
	zap.S().Debugw("deleting released binaries", "count", len(b.keys))
	deleteBinaries(ctx, store, b.keys)
	b.keys = nil
}

// encode returns the stored texts and the binary keys written for them.
func (r propertyRows) encode(ctx context.Context, nodeID string, p *nodes.Property) ([]string, []string, error) {
	texts := make([]string, 0, len(p.Values))
	var keys []string
	for _, v := range p.Values {
		bin, ok := v.(nodes.BinaryValue)
		if !ok {
			text, err := encodeValue(v)
			if err != nil {
				return nil, keys, nodes.NewFormatError(p.Type, v, err)
			}
			texts = append(texts, text)
			continue
		}
		if r.writes == nil {
			return nil, keys, nodes.NewConstraintViolation("", p.Name, "no binary store configured")
		}
		rc, err := bin.Open(ctx)
		if err != nil {
			return nil, keys, fmt.Errorf("open binary value: %w", err)
		}
		key := binaryKey(nodeID, p.Name)
		size, err := r.writes.Put(ctx, key, rc)
		_ = rc.Close()
		if err != nil {
			return nil, keys, fmt.Errorf("store binary value: %w", err)
		}
		keys = append(keys, key)
		texts = append(texts, binaryRef(size, key))
	}
	return texts, keys, nil
}

func (r propertyRows) decode(name string, t nodes.PropertyType, multi bool, texts []string) (*nodes.Property, error) {
	p := &nodes.Property{Name: name, Type: t, Multi: multi, Values: make([]nodes.Value, 0, len(texts))}
	for _, text := range texts {
		if t == nodes.TypeBinary {
			size, key, err := parseBinaryRef(text)
			if err != nil {
				return nil, err
			}
			p.Values = append(p.Values, nodes.NewBinaryValue(size, r.opener(key)))
			continue
		}
		v, err := decodeValue(t, text)
		if err != nil {
			return nil, fmt.Errorf("decode property %s: %w", name, err)
		}
		p.Values = append(p.Values, v)
	}
	return p, nil
}

func (r propertyRows) opener(key string) nodes.BinaryOpener {
	store := r.reads
	return func(ctx context.Context) (io.ReadCloser, error) {
		if store == nil {
			return nil, fmt.Errorf("no binary store configured")
		}
		return store.Open(ctx, key)
	}
}

// binaryKeys returns the keys referenced by stored binary texts.
func binaryKeys(t nodes.PropertyType, texts []string) []string {
	if t != nodes.TypeBinary {
		return nil
	}
	keys := make([]string, 0, len(texts))
	for _, text := range texts {
		if _, key, err := parseBinaryRef(text); err == nil {
			keys = append(keys, key)
		}
	}
	return keys
}

// deleteBinaries removes stale content. Failures only leave garbage behind.
func deleteBinaries(ctx context.Context, store nodes.BinaryStore, keys []string) {
	if store == nil {
		return
	}
	for _, key := range keys {
		if err := store.DeletePrefix(ctx, key); err != nil {
			name, _ := binaryKeyProperty(key)
			zap.S().Warnw("failed to delete binary content", "key", key, "property", name, "error", err)
		}
	}
}
