package internal

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	nodes "github.com/ist-dresden/composum-nodes-sub000"
)

const rootPrimaryType = "rep:root"

type memNode struct {
	node     nodes.Node
	props    map[string]*nodes.Property
	children []string
}

func (n *memNode) clone() *memNode {
	c := &memNode{
		node:     n.node,
		props:    make(map[string]*nodes.Property, len(n.props)),
		children: append([]string(nil), n.children...),
	}
	c.node.MixinTypes = append([]string(nil), n.node.MixinTypes...)
	for name, p := range n.props {
		c.props[name] = p
	}
	return c
}

// MemoryStore is an in-process node tree. Leaf node types reject children
// and protected names reject writes, mirroring a repository's node type rules.
type MemoryStore struct {
	mu        sync.RWMutex
	nodes     map[string]*memNode
	byID      map[string]string
	leafTypes map[string]struct{}
	protected map[string]struct{}
}

var (
	_ nodes.Store        = (*MemoryStore)(nil)
	_ nodes.ChildOrderer = (*MemoryStore)(nil)
	_ nodes.Transactor   = (*MemoryStore)(nil)
)

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithLeafTypes sets the primary types that cannot have children.
func WithLeafTypes(types ...string) MemoryOption {
	return func(s *MemoryStore) {
		s.leafTypes = make(map[string]struct{}, len(types))
		for _, t := range types {
			s.leafTypes[t] = struct{}{}
		}
	}
}

// WithProtectedNames marks property names the store refuses to write.
func WithProtectedNames(names ...string) MemoryOption {
	return func(s *MemoryStore) {
		for _, n := range names {
			s.protected[n] = struct{}{}
		}
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		nodes:     make(map[string]*memNode),
		byID:      make(map[string]string),
		leafTypes: map[string]struct{}{"nt:resource": {}},
		protected: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	root := &memNode{node: nodes.Node{Path: "/", Name: "", Identifier: newIdentifier(), PrimaryType: rootPrimaryType}, props: map[string]*nodes.Property{}}
	s.nodes["/"] = root
	s.byID[root.node.Identifier] = "/"
	return s
}

func copyNode(n *memNode) *nodes.Node {
	c := n.node
	c.MixinTypes = append([]string(nil), n.node.MixinTypes...)
	return &c
}

func copyProperty(p *nodes.Property) *nodes.Property {
	c := *p
	c.Values = append([]nodes.Value(nil), p.Values...)
	return &c
}

func (s *MemoryStore) lookup(path string) (*memNode, error) {
	path = nodes.CleanPath(path)
	n, ok := s.nodes[path]
	if !ok {
		return nil, nodes.NewNodeNotFoundError(path)
	}
	return n, nil
}

func (s *MemoryStore) GetNode(ctx context.Context, path string) (*nodes.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, err := s.lookup(path)
	if err != nil {
		return nil, err
	}
	return copyNode(n), nil
}

func (s *MemoryStore) GetNodeByIdentifier(ctx context.Context, identifier string) (*nodes.Node, error) {
	if c, ok := canonicalIdentifier(identifier); ok {
		identifier = c
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	path, ok := s.byID[identifier]
	if !ok {
		return nil, nodes.NewNodeNotFoundError("").WithDetail("identifier", identifier)
	}
	return copyNode(s.nodes[path]), nil
}

func (s *MemoryStore) CreateNode(ctx context.Context, path, primaryType string) (*nodes.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.create(nodes.CleanPath(path), primaryType)
	if err != nil {
		return nil, err
	}
	return copyNode(n), nil
}

func (s *MemoryStore) create(path, primaryType string) (*memNode, error) {
	if _, exists := s.nodes[path]; exists {
		return nil, nodes.NewNodeExistsError(path)
	}
	name := nodes.BaseName(path)
	if !nodes.ValidName(name) {
		return nil, nodes.NewValidationError(fmt.Sprintf("invalid node name '%s'", name)).WithPath(path)
	}
	if primaryType == "" {
		return nil, nodes.NewValidationError("primary type is required").WithPath(path)
	}

	parentPath := nodes.ParentPath(path)
	parent, ok := s.nodes[parentPath]
	if !ok {
		var err error
		if parent, err = s.create(parentPath, "nt:unstructured"); err != nil {
			return nil, err
		}
	}
	if _, leaf := s.leafTypes[parent.node.PrimaryType]; leaf {
		return nil, nodes.NewConstraintViolation(path, "",
			fmt.Sprintf("node type %s does not allow child nodes", parent.node.PrimaryType))
	}

	n := &memNode{
		node: nodes.Node{
			Path:        path,
			Name:        name,
			Identifier:  newIdentifier(),
			PrimaryType: primaryType,
		},
		props: make(map[string]*nodes.Property),
	}
	s.nodes[path] = n
	s.byID[n.node.Identifier] = path
	parent.children = append(parent.children, name)
	return n, nil
}

func (s *MemoryStore) RemoveNode(ctx context.Context, path string) error {
	path = nodes.CleanPath(path)
	if path == "/" {
		return nodes.NewConstraintViolation(path, "", "the root node cannot be removed")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.lookup(path); err != nil {
		return err
	}
	prefix := path + "/"
	for p, n := range s.nodes {
		if p == path || strings.HasPrefix(p, prefix) {
			delete(s.byID, n.node.Identifier)
			delete(s.nodes, p)
		}
	}
	parent := s.nodes[nodes.ParentPath(path)]
	name := nodes.BaseName(path)
	for i, c := range parent.children {
		if c == name {
			parent.children = append(parent.children[:i], parent.children[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) ListChildren(ctx context.Context, path string) ([]*nodes.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, err := s.lookup(path)
	if err != nil {
		return nil, err
	}
	out := make([]*nodes.Node, 0, len(n.children))
	for _, name := range n.children {
		out = append(out, copyNode(s.nodes[nodes.ChildPath(n.node.Path, name)]))
	}
	return out, nil
}

func (s *MemoryStore) SetPrimaryType(ctx context.Context, path, primaryType string) error {
	if primaryType == "" {
		return nodes.NewValidationError("primary type is required").WithPath(path)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.lookup(path)
	if err != nil {
		return err
	}
	if _, leaf := s.leafTypes[primaryType]; leaf && len(n.children) > 0 {
		return nodes.NewConstraintViolation(n.node.Path, nodes.PrimaryTypeKey,
			fmt.Sprintf("node type %s does not allow child nodes", primaryType))
	}
	n.node.PrimaryType = primaryType
	return nil
}

// OrderChildren moves the named children to the front, unknown names are ignored.
func (s *MemoryStore) OrderChildren(ctx context.Context, path string, names []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.lookup(path)
	if err != nil {
		return err
	}
	n.children = orderNames(n.children, names)
	return nil
}

// orderNames returns current with the listed names first, in their given order.
func orderNames(current, names []string) []string {
	present := make(map[string]bool, len(current))
	for _, c := range current {
		present[c] = true
	}
	out := make([]string, 0, len(current))
	placed := make(map[string]bool, len(names))
	for _, name := range names {
		if present[name] && !placed[name] {
			out = append(out, name)
			placed[name] = true
		}
	}
	for _, c := range current {
		if !placed[c] {
			out = append(out, c)
		}
	}
	return out
}

// structuralProperties synthesizes the node type properties.
func structuralProperties(n *nodes.Node) []*nodes.Property {
	props := []*nodes.Property{{
		Name:        nodes.PrimaryTypeKey,
		Type:        nodes.TypeName,
		Values:      []nodes.Value{nodes.StringValue{Kind: nodes.TypeName, S: n.PrimaryType}},
		AutoCreated: true,
		Protected:   true,
	}}
	if len(n.MixinTypes) > 0 {
		values := make([]nodes.Value, len(n.MixinTypes))
		for i, m := range n.MixinTypes {
			values[i] = nodes.StringValue{Kind: nodes.TypeName, S: m}
		}
		props = append(props, &nodes.Property{
			Name:        nodes.MixinTypesKey,
			Type:        nodes.TypeName,
			Multi:       true,
			Values:      values,
			AutoCreated: true,
			Protected:   true,
		})
	}
	if n.HasMixin(nodes.MixReferenceable) {
		props = append(props, &nodes.Property{
			Name:        nodes.UUIDKey,
			Type:        nodes.TypeString,
			Values:      []nodes.Value{nodes.String(n.Identifier)},
			AutoCreated: true,
			Protected:   true,
		})
	}
	return props
}

func isStructural(name string) bool {
	return name == nodes.PrimaryTypeKey || name == nodes.MixinTypesKey || name == nodes.UUIDKey
}

func (s *MemoryStore) Properties(ctx context.Context, path string) ([]*nodes.Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, err := s.lookup(path)
	if err != nil {
		return nil, err
	}
	out := structuralProperties(&n.node)
	names := make([]string, 0, len(n.props))
	for name := range n.props {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out = append(out, copyProperty(n.props[name]))
	}
	return out, nil
}

func (s *MemoryStore) GetProperty(ctx context.Context, path, name string) (*nodes.Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, err := s.lookup(path)
	if err != nil {
		return nil, err
	}
	if isStructural(name) {
		for _, p := range structuralProperties(&n.node) {
			if p.Name == name {
				return p, nil
			}
		}
	}
	p, ok := n.props[name]
	if !ok {
		return nil, nodes.NewPropertyNotFoundError(n.node.Path, name)
	}
	return copyProperty(p), nil
}

func (s *MemoryStore) writable(path, name string) error {
	if isStructural(name) {
		return nodes.NewConstraintViolation(path, name, "property is managed by the node type")
	}
	if _, ok := s.protected[name]; ok {
		return nodes.NewConstraintViolation(path, name, "property is protected")
	}
	return nil
}

func (s *MemoryStore) SetProperty(ctx context.Context, path string, prop *nodes.Property) error {
	if err := prop.Validate(); err != nil {
		return err
	}
	stored, err := materialize(ctx, prop)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.lookup(path)
	if err != nil {
		return err
	}
	if err := s.writable(n.node.Path, prop.Name); err != nil {
		return err
	}
	if existing, ok := n.props[prop.Name]; ok && existing.Multi != prop.Multi {
		return nodes.NewCardinalityError(n.node.Path, prop.Name, existing.Multi)
	}
	n.props[prop.Name] = stored
	return nil
}

// materialize copies binary content so the stored property does not depend
// on the caller's stream.
func materialize(ctx context.Context, prop *nodes.Property) (*nodes.Property, error) {
	c := copyProperty(prop)
	c.AutoCreated, c.Protected = false, false
	for i, v := range c.Values {
		bin, ok := v.(nodes.BinaryValue)
		if !ok {
			continue
		}
		rc, err := bin.Open(ctx)
		if err != nil {
			return nil, nodes.NewRepositoryError("read binary", "", err).WithProperty(prop.Name)
		}
		var buf bytes.Buffer
		_, err = io.Copy(&buf, rc)
		_ = rc.Close()
		if err != nil {
			return nil, nodes.NewRepositoryError("read binary", "", err).WithProperty(prop.Name)
		}
		c.Values[i] = nodes.BytesBinary(buf.Bytes())
	}
	return c, nil
}

func (s *MemoryStore) RemoveProperty(ctx context.Context, path, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.lookup(path)
	if err != nil {
		return err
	}
	if err := s.writable(n.node.Path, name); err != nil {
		return err
	}
	if _, ok := n.props[name]; !ok {
		return nodes.NewPropertyNotFoundError(n.node.Path, name)
	}
	delete(n.props, name)
	return nil
}

func (s *MemoryStore) AddMixin(ctx context.Context, path, mixin string) error {
	if mixin == "" {
		return nodes.NewValidationError("mixin name is empty").WithPath(path)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.lookup(path)
	if err != nil {
		return err
	}
	if !n.node.HasMixin(mixin) {
		n.node.MixinTypes = append(n.node.MixinTypes, mixin)
	}
	return nil
}

func (s *MemoryStore) RemoveMixin(ctx context.Context, path, mixin string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.lookup(path)
	if err != nil {
		return err
	}
	kept := n.node.MixinTypes[:0]
	for _, m := range n.node.MixinTypes {
		if m != mixin {
			kept = append(kept, m)
		}
	}
	n.node.MixinTypes = kept
	return nil
}

// WithTx runs fn on a private copy of the tree and publishes it when fn succeeds.
// Writers are serialized for the duration of fn.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx nodes.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &MemoryStore{
		nodes:     make(map[string]*memNode, len(s.nodes)),
		byID:      make(map[string]string, len(s.byID)),
		leafTypes: s.leafTypes,
		protected: s.protected,
	}
	for p, n := range s.nodes {
		tx.nodes[p] = n.clone()
	}
	for id, p := range s.byID {
		tx.byID[id] = p
	}

	if err := fn(tx); err != nil {
		zap.S().Debugw("memory transaction rolled back", "error", err)
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.nodes, s.byID = tx.nodes, tx.byID
	return nil
}
