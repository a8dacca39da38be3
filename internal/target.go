package internal

import (
	"context"
	"strings"

	"go.uber.org/zap"

	nodes "github.com/ist-dresden/composum-nodes-sub000"
	"github.com/ist-dresden/composum-nodes-sub000/slingurl"
)

var resourceTypeNames = map[string]struct{}{
	"sling:resourceType":      {},
	"sling:resourceSuperType": {},
}

var identifierNames = map[string]struct{}{
	"jcr:versionHistory": {},
	"jcr:predecessors":   {},
	"jcr:successors":     {},
	"jcr:frozenUuid":     {},
	"jcr:baseVersion":    {},
	"jcr:rootVersion":    {},
}

// targetResolver computes the resource a property value points to.
// Lookup failures only omit the target.
type targetResolver struct {
	store nodes.Store
	rules *nodes.MappingRules
}

func newTargetResolver(store nodes.Store, rules *nodes.MappingRules) *targetResolver {
	return &targetResolver{store: store, rules: rules}
}

func (r *targetResolver) resolve(ctx context.Context, p *nodes.Property) (string, bool) {
	if r.rules.Scope() == nodes.ScopeValue || p.Multi || len(p.Values) != 1 {
		return "", false
	}
	switch p.Type {
	case nodes.TypeString, nodes.TypePath, nodes.TypeName, nodes.TypeReference, nodes.TypeWeakReference:
	default:
		return "", false
	}

	value := p.Strings()
	if len(value) != 1 || value[0] == "" {
		return "", false
	}
	text := value[0]

	if _, ok := identifierNames[p.Name]; ok || p.Type.IsReference() {
		return r.byIdentifier(ctx, text)
	}
	if strings.HasPrefix(text, "/") {
		return r.byPath(ctx, text)
	}
	if _, ok := resourceTypeNames[p.Name]; ok {
		for _, root := range r.rules.SearchRoots() {
			if _, err := r.store.GetNode(ctx, root+text); err == nil {
				return root + text, true
			}
		}
	}
	return "", false
}

func (r *targetResolver) byIdentifier(ctx context.Context, id string) (string, bool) {
	n, err := r.store.GetNodeByIdentifier(ctx, id)
	if err != nil {
		if !nodes.IsNotFound(err) {
			zap.S().Debugw("target lookup failed", "identifier", id, "error", err)
		}
		return "", false
	}
	return n.Path, true
}

func (r *targetResolver) byPath(ctx context.Context, value string) (string, bool) {
	u := slingurl.Parse(value)
	if u.Type != slingurl.TypePath {
		return "", false
	}
	exists := func(p string) bool {
		_, err := r.store.GetNode(ctx, p)
		return err == nil
	}
	if !u.Resolve(exists) {
		return "", false
	}
	return u.ResourcePath(), true
}
