package nodes

import (
	"context"
	"io"
)

// Store is the hierarchical tree the codec reads from and writes to.
// Paths are absolute and '/'-delimited; the root is "/".
type Store interface {
	// Node access
	GetNode(ctx context.Context, path string) (*Node, error)
	GetNodeByIdentifier(ctx context.Context, identifier string) (*Node, error)
	CreateNode(ctx context.Context, path, primaryType string) (*Node, error)
	RemoveNode(ctx context.Context, path string) error
	ListChildren(ctx context.Context, path string) ([]*Node, error)
	SetPrimaryType(ctx context.Context, path, primaryType string) error

	// Property access
	Properties(ctx context.Context, path string) ([]*Property, error)
	GetProperty(ctx context.Context, path, name string) (*Property, error)
	SetProperty(ctx context.Context, path string, prop *Property) error
	RemoveProperty(ctx context.Context, path, name string) error

	// Mixins
	AddMixin(ctx context.Context, path, mixin string) error
	RemoveMixin(ctx context.Context, path, mixin string) error
}

// ChildOrderer is implemented by stores that keep an explicit child order.
type ChildOrderer interface {
	// OrderChildren moves the named children to the front in the given order.
	// Unknown names are ignored.
	OrderChildren(ctx context.Context, path string, names []string) error
}

// Transactor is implemented by stores that can run a unit of work atomically.
type Transactor interface {
	WithTx(ctx context.Context, fn func(tx Store) error) error
}

// BinaryStore keeps binary property content outside the tree store.
type BinaryStore interface {
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	DeletePrefix(ctx context.Context, prefix string) error
}

// TreeCodec maps node trees to JSON and back.
type TreeCodec interface {
	ExportTree(ctx context.Context, w io.Writer, store Store, root *Node, rules *MappingRules) error
	ExportTreeDepth(ctx context.Context, w io.Writer, store Store, root *Node, rules *MappingRules, maxDepth int) error
	ImportTree(ctx context.Context, r io.Reader, store Store, path string, rules *MappingRules) (*ImportResult, error)
}

// RunInTx runs fn inside a transaction when store supports it, directly otherwise.
func RunInTx(ctx context.Context, store Store, fn func(tx Store) error) error {
	if t, ok := store.(Transactor); ok {
		return t.WithTx(ctx, fn)
	}
	return fn(store)
}
