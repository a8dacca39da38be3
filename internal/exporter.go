package internal

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	nodes "github.com/ist-dresden/composum-nodes-sub000"
	"github.com/ist-dresden/composum-nodes-sub000/slingurl"
)

const streamBufferSize = 4096

var richTextPattern = regexp.MustCompile(`(?i)<(p|div|br|span|a|ul|ol|li|h[1-6]|strong|em|b|i|u|table|blockquote|pre)[\s>/]`)

// Codec implements nodes.TreeCodec.
type Codec struct{}

var _ nodes.TreeCodec = (*Codec)(nil)

func NewCodec() *Codec {
	return &Codec{}
}

// ExportTree writes root and its descendants up to rules.MaxDepth().
func (c *Codec) ExportTree(ctx context.Context, w io.Writer, store nodes.Store, root *nodes.Node, rules *nodes.MappingRules) error {
	return c.ExportTreeDepth(ctx, w, store, root, rules, rules.MaxDepth())
}

// ExportTreeDepth writes root and its descendants; maxDepth 0 is unlimited.
func (c *Codec) ExportTreeDepth(ctx context.Context, w io.Writer, store nodes.Store, root *nodes.Node, rules *nodes.MappingRules, maxDepth int) error {
	start := time.Now()
	cfg := jsoniter.Config{IndentionStep: rules.Indent()}.Froze()
	ex := &exporter{
		ctx:      ctx,
		store:    store,
		rules:    rules,
		maxDepth: maxDepth,
		stream:   jsoniter.NewStream(cfg, w, streamBufferSize),
		targets:  newTargetResolver(store, rules),
	}
	if err := ex.writeNode(root, 0); err != nil {
		return err
	}
	if err := ex.flush(); err != nil {
		return err
	}
	EmitLatency(ctx, "export", time.Since(start))
	zap.S().Debugw("exported tree", "path", root.Path, "scope", rules.Scope().String(), "maxDepth", maxDepth)
	return nil
}

type exporter struct {
	ctx      context.Context
	store    nodes.Store
	rules    *nodes.MappingRules
	maxDepth int
	stream   *jsoniter.Stream
	targets  *targetResolver
}

func (e *exporter) flush() error {
	if err := e.stream.Flush(); err != nil {
		return fmt.Errorf("failed to write JSON: %w", err)
	}
	if e.stream.Error != nil {
		return fmt.Errorf("failed to write JSON: %w", e.stream.Error)
	}
	return nil
}

// exportedProperties returns the name sorted properties to write.
func (e *exporter) exportedProperties(node *nodes.Node) ([]*nodes.Property, error) {
	props, err := e.store.Properties(e.ctx, node.Path)
	if err != nil {
		return nil, nodes.NewRepositoryError("read properties", node.Path, err)
	}
	filter := e.rules.ExportFilter()
	out := make([]*nodes.Property, 0, len(props))
	for _, p := range props {
		if !filter(p.Name) {
			continue
		}
		if p.Type == nodes.TypeBinary && e.rules.Binary() == nodes.BinarySkip && e.rules.Scope() == nodes.ScopeValue {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (e *exporter) exportedChildren(node *nodes.Node, depth int) ([]*nodes.Node, error) {
	if e.maxDepth != 0 && depth >= e.maxDepth {
		return nil, nil
	}
	children, err := e.store.ListChildren(e.ctx, node.Path)
	if err != nil {
		return nil, nodes.NewRepositoryError("list children", node.Path, err)
	}
	filter := e.rules.NodeFilter()
	out := children[:0]
	for _, child := range children {
		if filter(child) {
			out = append(out, child)
		}
	}
	return out, nil
}

func (e *exporter) writeNode(node *nodes.Node, depth int) error {
	if err := e.ctx.Err(); err != nil {
		return err
	}
	props, err := e.exportedProperties(node)
	if err != nil {
		return err
	}
	children, err := e.exportedChildren(node, depth)
	if err != nil {
		return err
	}

	s := e.stream
	if len(props) == 0 && len(children) == 0 {
		s.WriteEmptyObject()
		return nil
	}

	s.WriteObjectStart()
	more := false
	if e.rules.Scope() == nodes.ScopeValue {
		for _, p := range props {
			if more {
				s.WriteMore()
			}
			s.WriteObjectField(p.Name)
			if err := e.writePropertyValue(node, p); err != nil {
				return err
			}
			more = true
		}
	} else if len(props) > 0 {
		s.WriteObjectField(nodes.PropertiesKey)
		s.WriteArrayStart()
		for i, p := range props {
			if i > 0 {
				s.WriteMore()
			}
			if err := e.writePropertyObject(node, p); err != nil {
				return err
			}
		}
		s.WriteArrayEnd()
		more = true
	}

	for _, child := range children {
		if more {
			s.WriteMore()
		}
		s.WriteObjectField(child.Name)
		if err := e.writeNode(child, depth+1); err != nil {
			return err
		}
		more = true
	}
	s.WriteObjectEnd()

	if len(s.Buffer()) > streamBufferSize {
		return e.flush()
	}
	return nil
}

func (e *exporter) writePropertyObject(node *nodes.Node, p *nodes.Property) error {
	s := e.stream
	s.WriteObjectStart()
	s.WriteObjectField("name")
	s.WriteString(p.Name)
	s.WriteMore()
	s.WriteObjectField("value")
	if err := e.writePropertyValue(node, p); err != nil {
		return err
	}
	s.WriteMore()
	s.WriteObjectField("type")
	s.WriteString(p.Type.String())
	s.WriteMore()
	s.WriteObjectField("multi")
	s.WriteBool(p.Multi)

	if e.rules.Scope() == nodes.ScopeDefinition {
		s.WriteMore()
		s.WriteObjectField("auto")
		s.WriteBool(p.AutoCreated)
		s.WriteMore()
		s.WriteObjectField("protected")
		s.WriteBool(p.Protected)
		if subtype := stringSubtype(p); subtype != "" {
			s.WriteMore()
			s.WriteObjectField("subtype")
			s.WriteString(subtype)
		}
	}

	if target, ok := e.targets.resolve(e.ctx, p); ok {
		s.WriteMore()
		s.WriteObjectField("target")
		s.WriteString(target)
	}
	s.WriteObjectEnd()
	return nil
}

func (e *exporter) writePropertyValue(node *nodes.Node, p *nodes.Property) error {
	if !p.Multi {
		if len(p.Values) == 0 {
			e.stream.WriteNil()
			return nil
		}
		return e.writeValue(node, p, p.Values[0])
	}
	if len(p.Values) == 0 {
		e.stream.WriteEmptyArray()
		return nil
	}
	e.stream.WriteArrayStart()
	for i, v := range p.Values {
		if i > 0 {
			e.stream.WriteMore()
		}
		if err := e.writeValue(node, p, v); err != nil {
			return err
		}
	}
	e.stream.WriteArrayEnd()
	return nil
}

func (e *exporter) writeValue(node *nodes.Node, p *nodes.Property, v nodes.Value) error {
	s := e.stream
	embed := e.rules.EmbedsType() && v.Type() != nodes.TypeString

	if bin, ok := v.(nodes.BinaryValue); ok {
		var text string
		switch e.rules.Binary() {
		case nodes.BinarySkip:
			s.WriteNil()
			return nil
		case nodes.BinaryLink:
			text = BinaryLink(e.rules.LinkPrefix(), node.Path, p.Name)
		case nodes.BinaryBase64:
			encoded, err := readBase64(e.ctx, bin)
			if err != nil {
				return nodes.NewRepositoryError("read binary", node.Path, err).WithProperty(p.Name)
			}
			text = encoded
		}
		if embed {
			text = EmbedPrefix(nodes.TypeBinary) + text
		}
		s.WriteString(text)
		return nil
	}

	if embed {
		s.WriteString(EmbedPrefix(v.Type()) + FormatText(v, e.rules))
		return nil
	}

	switch x := v.(type) {
	case nodes.StringValue:
		s.WriteString(x.S)
	case nodes.BoolValue:
		s.WriteBool(bool(x))
	case nodes.LongValue:
		s.WriteInt64(int64(x))
	case nodes.DoubleValue:
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			s.WriteString(formatDouble(f))
		} else {
			s.WriteRaw(formatDouble(f))
		}
	case nodes.DecimalValue:
		s.WriteRaw(string(x))
	case nodes.DateValue, nodes.ReferenceValue:
		s.WriteString(FormatText(x, e.rules))
	default:
		s.WriteNil()
	}
	return nil
}

// BinaryLink builds the download URL of a binary property.
func BinaryLink(prefix, nodePath, name string) string {
	return prefix + "/property.bin" + slingurl.EscapePath(nodePath) + "?name=" + url.QueryEscape(name)
}

// stringSubtype classifies String values for editors.
func stringSubtype(p *nodes.Property) string {
	if p.Type != nodes.TypeString || len(p.Values) == 0 {
		return ""
	}
	text := strings.Join(p.Strings(), "\n")
	switch {
	case richTextPattern.MatchString(text):
		return "richtext"
	case strings.Contains(text, "\n") && !p.Multi:
		return "plaintext"
	case !p.Multi && strings.HasPrefix(text, "/") && !strings.ContainsAny(text, " \t"):
		return "path"
	}
	return ""
}
