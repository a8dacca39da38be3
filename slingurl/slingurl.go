// Package slingurl parses and builds resource URLs of the form
// <scheme>://<host>/<path>/<name>.<selectors>.<extension><suffix>?<query>#<fragment>.
//
// Parsing never fails: input that matches none of the grammars is kept as
// TypeOther and written back verbatim.
package slingurl

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Type classifies a parsed URL.
type Type int

const (
	TypeOther Type = iota
	TypeHTTP
	TypeFile
	TypeSpecial
	TypePath
)

func (t Type) String() string {
	switch t {
	case TypeHTTP:
		return "http"
	case TypeFile:
		return "file"
	case TypeSpecial:
		return "special"
	case TypePath:
		return "path"
	}
	return "other"
}

var (
	httpRe = regexp.MustCompile(`^(?i:(https?):)?//` +
		`(?:([^:@/?#]*)(?::([^@/?#]*))?@)?` +
		`([^:/?#]+|\[[0-9A-Fa-f:.]+\])(?::([0-9]+))?` +
		`(/[^?#]*)?(?:\?([^#]*))?(?:#(.*))?$`)
	fileRe    = regexp.MustCompile(`^(?i:(file|ftp)):(//([^/?#]*))?(/[^?#]*)?(?:\?([^#]*))?(?:#(.*))?$`)
	// schemes without a hierarchical part
	specialRe = regexp.MustCompile(`^(?i:(mailto|tel|sms|fax|callto|javascript|data|urn|geo|skype|sip|news)):(.*)$`)
	// a relative first segment must not look like a scheme
	pathRe    = regexp.MustCompile(`^(/[^?#]*|[^/:?#]+(?:/[^?#]*)?)?(?:\?([^#]*))?(?:#(.*))?$`)
)

// Param is one query parameter. Flag parameters have no value.
type Param struct {
	Name     string
	Value    string
	HasValue bool
}

// SlingUrl is a parsed URL. Fields hold decoded values.
type SlingUrl struct {
	Type Type

	Scheme   string
	Username string
	Password string
	Host     string
	Port     int

	// Path is the directory part, ending with '/' when present.
	Path      string
	Name      string
	Selectors []string
	Extension string
	Suffix    string

	Params   []Param
	Fragment string

	// Opaque is the scheme specific part of TypeSpecial URLs.
	Opaque string

	raw         string
	fileSlashes bool
}

// Parse splits s into its parts. It never fails.
func Parse(s string) *SlingUrl {
	u := &SlingUrl{raw: s}
	switch {
	case s == "":
	case httpRe.MatchString(s):
		m := httpRe.FindStringSubmatch(s)
		port := 0
		if m[5] != "" {
			p, err := strconv.Atoi(m[5])
			if err != nil || p > 65535 {
				return u
			}
			port = p
		}
		u.Type = TypeHTTP
		u.Scheme = strings.ToLower(m[1])
		u.Username = unescape(m[2])
		u.Password = unescape(m[3])
		u.Host = m[4]
		u.Port = port
		u.setPathPart(m[6])
		u.setQuery(m[7])
		u.Fragment = unescape(m[8])
	case fileRe.MatchString(s):
		m := fileRe.FindStringSubmatch(s)
		u.Type = TypeFile
		u.Scheme = strings.ToLower(m[1])
		u.fileSlashes = m[2] != ""
		u.Host = m[3]
		u.setPathPart(m[4])
		u.setQuery(m[5])
		u.Fragment = unescape(m[6])
	case specialRe.MatchString(s):
		m := specialRe.FindStringSubmatch(s)
		u.Type = TypeSpecial
		u.Scheme = strings.ToLower(m[1])
		u.Opaque = m[2]
	case pathRe.MatchString(s):
		m := pathRe.FindStringSubmatch(s)
		u.Type = TypePath
		u.setPathPart(m[1])
		u.setQuery(m[2])
		u.Fragment = unescape(m[3])
	}
	return u
}

func unescape(s string) string {
	if v, err := url.PathUnescape(s); err == nil {
		return v
	}
	return s
}

func (u *SlingUrl) setPathPart(p string) {
	p = unescape(p)
	dot := strings.Index(p, ".")
	if dot < 0 {
		i := strings.LastIndex(p, "/")
		u.Path, u.Name = p[:i+1], p[i+1:]
		return
	}
	i := strings.LastIndex(p[:dot], "/")
	u.Path = p[:i+1]
	u.splitResourceTail(p[i+1:])
}

// splitResourceTail splits name.sel1.sel2.ext/suffix.
func (u *SlingUrl) splitResourceTail(rest string) {
	u.Selectors, u.Extension, u.Suffix = nil, "", ""
	if i := strings.Index(rest, "/"); i >= 0 {
		u.Suffix = rest[i:]
		rest = rest[:i]
	}
	parts := strings.Split(rest, ".")
	u.Name = parts[0]
	if len(parts) > 1 {
		u.Extension = parts[len(parts)-1]
		u.Selectors = append([]string(nil), parts[1:len(parts)-1]...)
	}
}

func (u *SlingUrl) setQuery(q string) {
	if q == "" {
		return
	}
	for _, pair := range strings.Split(q, "&") {
		if pair == "" {
			continue
		}
		name, value, ok := strings.Cut(pair, "=")
		u.Params = append(u.Params, Param{Name: queryUnescape(name), Value: queryUnescape(value), HasValue: ok})
	}
}

func queryUnescape(s string) string {
	if v, err := url.QueryUnescape(s); err == nil {
		return v
	}
	return s
}

// IsExternal reports whether the URL addresses another host.
func (u *SlingUrl) IsExternal() bool {
	return u.Type == TypeHTTP || (u.Type == TypeFile && u.Host != "")
}

// ResourcePath returns the decoded directory and name, without selectors,
// extension or suffix.
func (u *SlingUrl) ResourcePath() string {
	return u.Path + u.Name
}

// PathPart returns the decoded path including selectors, extension and suffix.
func (u *SlingUrl) PathPart() string {
	var b strings.Builder
	b.WriteString(u.Path)
	b.WriteString(u.Name)
	for _, s := range u.Selectors {
		b.WriteByte('.')
		b.WriteString(s)
	}
	if u.Extension != "" {
		b.WriteByte('.')
		b.WriteString(u.Extension)
	}
	b.WriteString(u.Suffix)
	return b.String()
}

// Resolve re-splits the path at the longest prefix accepted by exists and
// reports whether such a prefix was found.
func (u *SlingUrl) Resolve(exists func(path string) bool) bool {
	if u.Type != TypePath && u.Type != TypeHTTP && u.Type != TypeFile {
		return false
	}
	full := u.PathPart()
	for i := len(full); i > 0; i-- {
		if i < len(full) && full[i] != '.' && full[i] != '/' {
			continue
		}
		candidate := full[:i]
		if candidate == "/" || !exists(candidate) {
			continue
		}
		slash := strings.LastIndex(candidate, "/")
		u.Path = candidate[:slash+1]
		tail := full[i:]
		u.Selectors, u.Extension, u.Suffix = nil, "", ""
		u.Name = candidate[slash+1:]
		switch {
		case strings.HasPrefix(tail, "."):
			name := u.Name
			u.splitResourceTail(tail)
			u.Name = name
		case tail != "":
			u.Suffix = tail
		}
		return true
	}
	return false
}

// AddSelector appends a selector.
func (u *SlingUrl) AddSelector(selector string) *SlingUrl {
	u.Selectors = append(u.Selectors, selector)
	return u
}

// RemoveSelector removes all occurrences of selector.
func (u *SlingUrl) RemoveSelector(selector string) *SlingUrl {
	kept := u.Selectors[:0]
	for _, s := range u.Selectors {
		if s != selector {
			kept = append(kept, s)
		}
	}
	u.Selectors = kept
	return u
}

func (u *SlingUrl) SetExtension(ext string) *SlingUrl {
	u.Extension = strings.TrimPrefix(ext, ".")
	return u
}

func (u *SlingUrl) SetSuffix(suffix string) *SlingUrl {
	if suffix != "" && !strings.HasPrefix(suffix, "/") {
		suffix = "/" + suffix
	}
	u.Suffix = suffix
	return u
}

// SetParameter replaces all values of name by value.
func (u *SlingUrl) SetParameter(name, value string) *SlingUrl {
	for i, p := range u.Params {
		if p.Name == name {
			u.Params[i] = Param{Name: name, Value: value, HasValue: true}
			u.removeParam(name, i+1)
			return u
		}
	}
	return u.AddParameter(name, value)
}

// AddParameter appends a value for name.
func (u *SlingUrl) AddParameter(name, value string) *SlingUrl {
	u.Params = append(u.Params, Param{Name: name, Value: value, HasValue: true})
	return u
}

// RemoveParameter removes every value of name.
func (u *SlingUrl) RemoveParameter(name string) *SlingUrl {
	u.removeParam(name, 0)
	return u
}

func (u *SlingUrl) removeParam(name string, from int) {
	kept := u.Params[:from]
	for _, p := range u.Params[from:] {
		if p.Name != name {
			kept = append(kept, p)
		}
	}
	u.Params = kept
}

// Parameter returns the first value of name.
func (u *SlingUrl) Parameter(name string) (string, bool) {
	for _, p := range u.Params {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

func (u *SlingUrl) SetFragment(fragment string) *SlingUrl {
	u.Fragment = fragment
	return u
}

// String re-encodes each component.
func (u *SlingUrl) String() string {
	var b strings.Builder
	switch u.Type {
	case TypeOther:
		return u.raw
	case TypeSpecial:
		return u.Scheme + ":" + u.Opaque
	case TypeHTTP:
		if u.Scheme != "" {
			b.WriteString(u.Scheme)
			b.WriteByte(':')
		}
		b.WriteString("//")
		if u.Username != "" {
			if u.Password != "" {
				b.WriteString(url.UserPassword(u.Username, u.Password).String())
			} else {
				b.WriteString(url.User(u.Username).String())
			}
			b.WriteByte('@')
		}
		b.WriteString(u.Host)
		if u.Port > 0 {
			b.WriteByte(':')
			b.WriteString(strconv.Itoa(u.Port))
		}
	case TypeFile:
		b.WriteString(u.Scheme)
		b.WriteByte(':')
		if u.fileSlashes || u.Host != "" {
			b.WriteString("//")
			b.WriteString(u.Host)
		}
	}
	b.WriteString(EscapePath(u.PathPart()))
	if len(u.Params) > 0 {
		b.WriteByte('?')
		for i, p := range u.Params {
			if i > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(p.Name))
			if p.HasValue {
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(p.Value))
			}
		}
	}
	if u.Fragment != "" {
		b.WriteByte('#')
		b.WriteString((&url.URL{Fragment: u.Fragment}).EscapedFragment())
	}
	return b.String()
}

// EscapePath escapes each segment of p.
func EscapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
