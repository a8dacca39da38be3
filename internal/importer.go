package internal

import (
	"context"
	"fmt"
	"io"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	nodes "github.com/ist-dresden/composum-nodes-sub000"
)

type frameState int

const (
	// frameBuffering: the node does not exist yet, properties are collected.
	frameBuffering frameState = iota
	// frameBound: the node exists, properties are applied as they arrive.
	frameBound
	// frameRejected: the store refused to create the node, members are skipped.
	frameRejected
)

// ApplyResult reports whether a property change was written. Skip carries
// the reason of a soft failure.
type ApplyResult struct {
	Applied bool
	Skip    *nodes.Diagnostic
}

type importFrame struct {
	path    string
	state   frameState
	node    *nodes.Node
	created bool
	pending []*jsonProperty

	propertiesSeen *Set[string]
	childrenSeen   *Set[string]
	childOrder     []string
}

type importer struct {
	ctx         context.Context
	store       nodes.Store
	rules       *nodes.MappingRules
	iter        *jsoniter.Iterator
	diagnostics []nodes.Diagnostic
}

// ImportTree reads one JSON object into the node at path, creating it when absent.
func (c *Codec) ImportTree(ctx context.Context, r io.Reader, store nodes.Store, path string, rules *nodes.MappingRules) (*nodes.ImportResult, error) {
	start := time.Now()
	path = nodes.CleanPath(path)
	iter := jsoniter.Parse(jsoniter.ConfigDefault, r, streamBufferSize)
	if iter.WhatIsNext() != jsoniter.ObjectValue {
		if iter.Error != nil && iter.Error != io.EOF {
			return nil, nodes.NewInvalidJSONError(iter.Error)
		}
		return nil, nodes.NewInvalidJSONError(fmt.Errorf("expected a JSON object"))
	}

	imp := &importer{
		ctx:         ctx,
		store:       store,
		rules:       rules,
		iter:        iter,
		diagnostics: make([]nodes.Diagnostic, 0),
	}
	f, err := imp.importObject(path)
	if err != nil {
		return nil, err
	}
	if iter.WhatIsNext() != jsoniter.InvalidValue || iter.Error != io.EOF {
		return nil, nodes.NewInvalidJSONError(fmt.Errorf("unexpected content after the root object"))
	}

	EmitLatency(ctx, "import", time.Since(start))
	EmitSkipped(ctx, imp.diagnostics)
	zap.S().Infow("imported tree",
		"path", path,
		"created", f.created,
		"changeRule", rules.ChangeRule().String(),
		"skipped", len(imp.diagnostics))
	return &nodes.ImportResult{
		Node:        f.node,
		Path:        path,
		Created:     f.created,
		Diagnostics: imp.diagnostics,
	}, nil
}

func (imp *importer) importObject(path string) (*importFrame, error) {
	f := &importFrame{path: path, propertiesSeen: NewSet[string](), childrenSeen: NewSet[string]()}
	node, err := imp.store.GetNode(imp.ctx, path)
	switch {
	case err == nil:
		f.node, f.state = node, frameBound
	case nodes.IsNotFound(err):
		f.state = frameBuffering
	default:
		return nil, nodes.NewRepositoryError("read node", path, err)
	}

	iter := imp.iter
	var memberErr error
	iter.ReadObjectCB(func(iter *jsoniter.Iterator, field string) bool {
		if field == "" {
			iter.Skip()
			imp.skip(f.path, "", nodes.ErrorTypeValidation, "empty member name")
			return iter.Error == nil
		}
		if memberErr = imp.member(f, field); memberErr != nil {
			return false
		}
		return iter.Error == nil
	})
	if memberErr != nil {
		return nil, memberErr
	}
	if iter.Error != nil {
		return nil, nodes.NewInvalidJSONError(iter.Error)
	}
	if err := imp.ctx.Err(); err != nil {
		return nil, err
	}

	if f.state == frameBuffering {
		if err := imp.bind(f); err != nil {
			return nil, err
		}
	}
	if f.state == frameRejected {
		return f, nil
	}
	if err := imp.applyChildOrder(f); err != nil {
		return nil, err
	}
	if imp.rules.ChangeRule() == nodes.ChangeRuleUpdate && !f.created {
		if err := imp.reconcile(f); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (imp *importer) member(f *importFrame, field string) error {
	iter := imp.iter
	if f.state == frameRejected {
		iter.Skip()
		return nil
	}

	next := iter.WhatIsNext()
	switch {
	case field == nodes.PropertiesKey && next == jsoniter.ArrayValue:
		for iter.ReadArray() {
			if iter.WhatIsNext() != jsoniter.ObjectValue {
				iter.Skip()
				continue
			}
			p, err := readPropertyObject(iter, imp.rules)
			if iter.Error != nil {
				return nodes.NewInvalidJSONError(iter.Error)
			}
			if err != nil {
				name := ""
				if p != nil {
					name = p.Name
					f.propertiesSeen.Add(name)
				}
				imp.skip(f.path, name, nodes.ErrorTypeValidation, err.Error())
				continue
			}
			if err := imp.handleProperty(f, p); err != nil {
				return err
			}
		}
	case field == nodes.ChildOrderKey && next == jsoniter.ArrayValue:
		for _, v := range readScalarArray(iter) {
			if name, ok := v.(string); ok {
				f.childOrder = append(f.childOrder, name)
			}
		}
	case next == jsoniter.ObjectValue:
		return imp.child(f, field)
	case next == jsoniter.ArrayValue:
		return imp.handleProperty(f, readCompactArray(iter, field))
	default:
		v, ok := readScalar(iter)
		if !ok {
			return nil
		}
		return imp.handleProperty(f, compactScalar(field, v))
	}
	return nil
}

func (imp *importer) handleProperty(f *importFrame, p *jsonProperty) error {
	f.propertiesSeen.Add(p.Name)
	switch f.state {
	case frameBuffering:
		f.pending = append(f.pending, p)
		return nil
	case frameRejected:
		return nil
	}
	res, err := imp.applyProperty(f, p)
	if err != nil {
		return err
	}
	imp.record(res)
	return nil
}

func (imp *importer) child(f *importFrame, name string) error {
	if !nodes.ValidName(name) {
		imp.iter.Skip()
		imp.skip(f.path, "", nodes.ErrorTypeValidation, fmt.Sprintf("invalid child name '%s'", name))
		return nil
	}
	f.childrenSeen.Add(name)
	if f.state == frameBuffering {
		if err := imp.bind(f); err != nil {
			return err
		}
	}
	if f.state == frameRejected {
		imp.iter.Skip()
		return nil
	}
	_, err := imp.importObject(nodes.ChildPath(f.path, name))
	return err
}

// bind creates the node from the buffered properties: primary type on
// creation, mixins next, the rest in document order.
func (imp *importer) bind(f *importFrame) error {
	primaryType := imp.rules.DefaultPrimaryType()
	for _, p := range f.pending {
		if p.Name != nodes.PrimaryTypeKey {
			continue
		}
		if t, ok := singleText(p); ok && t != "" {
			primaryType = t
		}
	}

	node, err := imp.store.CreateNode(imp.ctx, f.path, primaryType)
	if err != nil {
		if nodes.IsConstraintViolation(err) || nodes.ErrorTypeOf(err) == nodes.ErrorTypeValidation {
			f.state = frameRejected
			f.pending = nil
			imp.skip(f.path, "", nodes.ErrorTypeConstraint, err.Error())
			return nil
		}
		return nodes.NewRepositoryError("create node", f.path, err)
	}
	f.node, f.state, f.created = node, frameBound, true
	zap.S().Debugw("created node", "path", f.path, "primaryType", primaryType)

	pending := f.pending
	f.pending = nil
	for _, p := range pending {
		if p.Name != nodes.MixinTypesKey {
			continue
		}
		res, err := imp.applyProperty(f, p)
		if err != nil {
			return err
		}
		imp.record(res)
	}
	for _, p := range pending {
		if p.Name == nodes.MixinTypesKey || p.Name == nodes.PrimaryTypeKey {
			continue
		}
		res, err := imp.applyProperty(f, p)
		if err != nil {
			return err
		}
		imp.record(res)
	}
	return nil
}

// applyProperty writes one property according to the change rule. Format and
// constraint failures are soft; rename conflicts and store failures are returned.
func (imp *importer) applyProperty(f *importFrame, p *jsonProperty) (ApplyResult, error) {
	ctx, path := imp.ctx, f.path
	if !imp.rules.ImportFilter()(p.Name) {
		zap.S().Debugw("property not imported", "path", path, "property", p.Name)
		return ApplyResult{}, nil
	}
	switch p.Name {
	case nodes.PrimaryTypeKey:
		return imp.applyPrimaryType(f, p)
	case nodes.MixinTypesKey:
		return imp.applyMixins(f, p)
	}

	_, err := imp.store.GetProperty(ctx, path, p.Name)
	exists := err == nil
	if err != nil && !nodes.IsNotFound(err) {
		return ApplyResult{}, nodes.NewRepositoryError("read property", path, err).WithProperty(p.Name)
	}
	if exists && imp.rules.ChangeRule() == nodes.ChangeRuleExtend {
		return ApplyResult{}, nil
	}
	renaming := p.OldName != "" && p.OldName != p.Name
	if renaming && exists {
		return ApplyResult{}, nodes.NewRenameConflict(path, p.OldName, p.Name)
	}

	if p.Value == nil && p.Type == nodes.TypeBinary {
		// exported with the content skipped
		zap.S().Debugw("binary without content left unchanged", "path", path, "property", p.Name)
		return ApplyResult{}, nil
	}
	if p.Value == nil {
		if exists {
			if res, err := imp.removeProperty(path, p.Name); err != nil || res.Skip != nil {
				return res, err
			}
		}
		if renaming {
			if res, err := imp.removeProperty(path, p.OldName); err != nil || res.Skip != nil {
				return res, err
			}
		}
		return ApplyResult{Applied: exists}, nil
	}

	prop, err := imp.buildProperty(p)
	if err != nil {
		if nodes.IsFormatError(err) {
			return skipResult(path, p.Name, nodes.ErrorTypeFormat, err), nil
		}
		return ApplyResult{}, err
	}

	err = imp.store.SetProperty(ctx, path, prop)
	if nodes.IsCardinalityMismatch(err) {
		zap.S().Debugw("replacing property of other cardinality", "path", path, "property", p.Name, "multi", prop.Multi)
		if err = imp.store.RemoveProperty(ctx, path, p.Name); err == nil {
			err = imp.store.SetProperty(ctx, path, prop)
		}
	}
	if err != nil {
		switch {
		case nodes.IsConstraintViolation(err):
			return skipResult(path, p.Name, nodes.ErrorTypeConstraint, err), nil
		case nodes.IsFormatError(err):
			return skipResult(path, p.Name, nodes.ErrorTypeFormat, err), nil
		}
		return ApplyResult{}, nodes.NewRepositoryError("set property", path, err).WithProperty(p.Name)
	}

	if renaming {
		if res, err := imp.removeProperty(path, p.OldName); err != nil || res.Skip != nil {
			return res, err
		}
	}
	return ApplyResult{Applied: true}, nil
}

func (imp *importer) removeProperty(path, name string) (ApplyResult, error) {
	err := imp.store.RemoveProperty(imp.ctx, path, name)
	switch {
	case err == nil:
		return ApplyResult{Applied: true}, nil
	case nodes.IsNotFound(err):
		return ApplyResult{}, nil
	case nodes.IsConstraintViolation(err):
		return skipResult(path, name, nodes.ErrorTypeConstraint, err), nil
	}
	return ApplyResult{}, nodes.NewRepositoryError("remove property", path, err).WithProperty(name)
}

func (imp *importer) buildProperty(p *jsonProperty) (*nodes.Property, error) {
	if !p.Multi {
		raw := p.Value
		if values, ok := raw.([]any); ok {
			if len(values) != 1 {
				return nil, nodes.NewFormatError(p.Type, "array", fmt.Errorf("%d values for a single value property", len(values)))
			}
			raw = values[0]
		}
		v, err := Coerce(imp.ctx, raw, p.Type, imp.rules, imp.store)
		if err != nil {
			return nil, err
		}
		return nodes.NewProperty(p.Name, v), nil
	}

	t := p.Type
	raws := p.values()
	values := make([]nodes.Value, 0, len(raws))
	for _, raw := range raws {
		v, err := Coerce(imp.ctx, raw, t, imp.rules, imp.store)
		if err != nil {
			return nil, err
		}
		if t == nodes.TypeUndefined {
			t = v.Type()
		}
		values = append(values, v)
	}
	if t == nodes.TypeUndefined {
		t = nodes.TypeString
	}
	return nodes.NewMultiProperty(p.Name, t, values...), nil
}

func (imp *importer) applyPrimaryType(f *importFrame, p *jsonProperty) (ApplyResult, error) {
	primaryType, ok := singleText(p)
	if !ok || primaryType == "" {
		return skipResult(f.path, p.Name, nodes.ErrorTypeValidation, fmt.Errorf("primary type must be a single name")), nil
	}
	if primaryType == f.node.PrimaryType || imp.rules.ChangeRule() == nodes.ChangeRuleExtend {
		return ApplyResult{}, nil
	}
	if err := imp.store.SetPrimaryType(imp.ctx, f.path, primaryType); err != nil {
		if nodes.IsConstraintViolation(err) {
			return skipResult(f.path, p.Name, nodes.ErrorTypeConstraint, err), nil
		}
		return ApplyResult{}, nodes.NewRepositoryError("set primary type", f.path, err)
	}
	f.node.PrimaryType = primaryType
	return ApplyResult{Applied: true}, nil
}

// applyMixins reconciles the node's mixins with the wanted set. Extend only adds.
func (imp *importer) applyMixins(f *importFrame, p *jsonProperty) (ApplyResult, error) {
	ctx, path := imp.ctx, f.path
	current, err := imp.store.GetNode(ctx, path)
	if err != nil {
		return ApplyResult{}, nodes.NewRepositoryError("read node", path, err)
	}

	wanted := make([]string, 0)
	want := NewSet[string]()
	for _, raw := range p.values() {
		name := rawText(raw)
		if name == "" || want.Contains(name) {
			continue
		}
		want.Add(name)
		wanted = append(wanted, name)
	}
	have := NewSet[string]()
	for _, m := range current.MixinTypes {
		have.Add(m)
	}

	applied := false
	mixinErr := func(op, mixin string, err error) error {
		if nodes.IsConstraintViolation(err) {
			imp.skip(path, p.Name, nodes.ErrorTypeConstraint, fmt.Sprintf("%s %s: %v", op, mixin, err))
			return nil
		}
		return nodes.NewRepositoryError(op, path, err).WithDetail("mixin", mixin)
	}

	if imp.rules.ChangeRule() != nodes.ChangeRuleExtend {
		for _, m := range current.MixinTypes {
			if want.Contains(m) {
				continue
			}
			if err := imp.store.RemoveMixin(ctx, path, m); err != nil {
				if ferr := mixinErr("remove mixin", m, err); ferr != nil {
					return ApplyResult{}, ferr
				}
				continue
			}
			applied = true
		}
	}
	for _, m := range wanted {
		if have.Contains(m) {
			continue
		}
		if err := imp.store.AddMixin(ctx, path, m); err != nil {
			if ferr := mixinErr("add mixin", m, err); ferr != nil {
				return ApplyResult{}, ferr
			}
			continue
		}
		applied = true
	}

	if refreshed, err := imp.store.GetNode(ctx, path); err == nil {
		f.node = refreshed
	}
	return ApplyResult{Applied: applied}, nil
}

func (imp *importer) applyChildOrder(f *importFrame) error {
	if len(f.childOrder) == 0 {
		return nil
	}
	orderer, ok := imp.store.(nodes.ChildOrderer)
	if !ok {
		zap.S().Debugw("store keeps no child order", "path", f.path)
		return nil
	}
	if err := orderer.OrderChildren(imp.ctx, f.path, f.childOrder); err != nil {
		if nodes.IsConstraintViolation(err) {
			imp.skip(f.path, nodes.ChildOrderKey, nodes.ErrorTypeConstraint, err.Error())
			return nil
		}
		return nodes.NewRepositoryError("order children", f.path, err)
	}
	return nil
}

// reconcile removes what the document did not mention. Structural and
// protected properties and filtered names are kept.
func (imp *importer) reconcile(f *importFrame) error {
	ctx, path := imp.ctx, f.path
	props, err := imp.store.Properties(ctx, path)
	if err != nil {
		return nodes.NewRepositoryError("read properties", path, err)
	}
	filter := imp.rules.ImportFilter()
	for _, p := range props {
		if f.propertiesSeen.Contains(p.Name) {
			continue
		}
		if p.Name == nodes.PrimaryTypeKey || p.Name == nodes.MixinTypesKey || p.Protected || !filter(p.Name) {
			continue
		}
		res, err := imp.removeProperty(path, p.Name)
		if err != nil {
			return err
		}
		imp.record(res)
	}

	children, err := imp.store.ListChildren(ctx, path)
	if err != nil {
		return nodes.NewRepositoryError("list children", path, err)
	}
	nodeFilter := imp.rules.NodeFilter()
	for _, child := range children {
		if f.childrenSeen.Contains(child.Name) || !nodeFilter(child) {
			continue
		}
		if err := imp.store.RemoveNode(ctx, child.Path); err != nil {
			switch {
			case nodes.IsNotFound(err):
			case nodes.IsConstraintViolation(err):
				imp.skip(child.Path, "", nodes.ErrorTypeConstraint, err.Error())
			default:
				return nodes.NewRepositoryError("remove node", child.Path, err)
			}
			continue
		}
		zap.S().Debugw("removed node", "path", child.Path)
	}
	zap.S().Debugw("reconciled node", "path", path, "properties", Sorted(f.propertiesSeen))
	return nil
}

func (imp *importer) record(res ApplyResult) {
	if res.Skip == nil {
		return
	}
	imp.diagnostics = append(imp.diagnostics, *res.Skip)
	zap.S().Warnw("property skipped",
		"path", res.Skip.Path,
		"property", res.Skip.Property,
		"kind", res.Skip.Kind,
		"reason", res.Skip.Message)
}

func (imp *importer) skip(path, property string, kind nodes.ErrorType, message string) {
	imp.record(ApplyResult{Skip: &nodes.Diagnostic{Path: path, Property: property, Kind: kind, Message: message}})
}

func skipResult(path, property string, kind nodes.ErrorType, err error) ApplyResult {
	return ApplyResult{Skip: &nodes.Diagnostic{Path: path, Property: property, Kind: kind, Message: err.Error()}}
}

// singleText returns the textual value of a single valued property.
func singleText(p *jsonProperty) (string, bool) {
	switch v := p.Value.(type) {
	case string:
		return v, true
	case []any:
		if len(v) == 1 {
			s, ok := v[0].(string)
			return s, ok
		}
	}
	return "", false
}
