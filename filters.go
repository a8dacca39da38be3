package nodes

import (
	"regexp"
	"strings"
)

// NodeFilter accepts or rejects a node during export traversal and update deletion.
type NodeFilter func(n *Node) bool

// PropertyFilter accepts or rejects a property by name.
type PropertyFilter func(name string) bool

// AllNodes accepts every node.
func AllNodes(*Node) bool { return true }

// AllProperties accepts every property.
func AllProperties(string) bool { return true }

// NotNode inverts f.
func NotNode(f NodeFilter) NodeFilter {
	return func(n *Node) bool { return !f(n) }
}

// PrimaryTypeFilter accepts nodes whose primary type is one of types.
func PrimaryTypeFilter(types ...string) NodeFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(n *Node) bool {
		_, ok := set[n.PrimaryType]
		return ok
	}
}

// NodeNamePattern accepts nodes whose name matches re.
func NodeNamePattern(re *regexp.Regexp) NodeFilter {
	return func(n *Node) bool { return re.MatchString(n.Name) }
}

// NamePattern accepts property names matching re.
func NamePattern(re *regexp.Regexp) PropertyFilter {
	return func(name string) bool { return re.MatchString(name) }
}

// NameSet accepts the listed names.
func NameSet(names ...string) PropertyFilter {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return func(name string) bool {
		_, ok := set[name]
		return ok
	}
}

// NamePrefix accepts names starting with one of prefixes.
func NamePrefix(prefixes ...string) PropertyFilter {
	return func(name string) bool {
		for _, p := range prefixes {
			if strings.HasPrefix(name, p) {
				return true
			}
		}
		return false
	}
}

// NotProperty inverts f.
func NotProperty(f PropertyFilter) PropertyFilter {
	return func(name string) bool { return !f(name) }
}

// AndProperty accepts names accepted by all filters.
func AndProperty(filters ...PropertyFilter) PropertyFilter {
	return func(name string) bool {
		for _, f := range filters {
			if !f(name) {
				return false
			}
		}
		return true
	}
}

// OrProperty accepts names accepted by any filter.
func OrProperty(filters ...PropertyFilter) PropertyFilter {
	return func(name string) bool {
		for _, f := range filters {
			if f(name) {
				return true
			}
		}
		return false
	}
}

// ProtectedProperties are maintained by the store and never written by an import.
var ProtectedProperties = []string{
	UUIDKey,
	"jcr:created",
	"jcr:createdBy",
	"jcr:baseVersion",
	"jcr:predecessors",
	"jcr:successors",
	"jcr:versionHistory",
	"jcr:isCheckedOut",
	"jcr:lockOwner",
	"jcr:lockIsDeep",
}

// DefaultImportFilter rejects the store maintained properties.
var DefaultImportFilter = NotProperty(NameSet(ProtectedProperties...))
