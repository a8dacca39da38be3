package nodes

import (
	"path"
	"strings"
)

// CleanPath normalizes p to an absolute path without trailing slash.
func CleanPath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// ParentPath returns the parent of p; the parent of "/" is "".
func ParentPath(p string) string {
	p = CleanPath(p)
	if p == "/" {
		return ""
	}
	return path.Dir(p)
}

// BaseName returns the last segment of p; the root has an empty name.
func BaseName(p string) string {
	p = CleanPath(p)
	if p == "/" {
		return ""
	}
	return path.Base(p)
}

// ChildPath joins a child name to parent.
func ChildPath(parent, name string) string {
	if parent == "/" || parent == "" {
		return "/" + name
	}
	return parent + "/" + name
}

// ValidName reports whether name can be used as a node name.
func ValidName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, "/[]|*")
}
