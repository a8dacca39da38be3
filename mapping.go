package nodes

import (
	"errors"
	"strings"
	"time"
)

// Reserved JSON member names shared by exporter and importer.
const (
	PropertiesKey  = "properties"
	ChildOrderKey  = "_child_order_"
	PrimaryTypeKey = "jcr:primaryType"
	MixinTypesKey  = "jcr:mixinTypes"
	UUIDKey        = "jcr:uuid"

	MixReferenceable = "mix:referenceable"
)

// Scope controls how verbosely a property is written.
type Scope int

const (
	ScopeValue Scope = iota
	ScopeObject
	ScopeDefinition
)

var scopeNames = []string{"value", "object", "definition"}

func (s Scope) String() string {
	if int(s) < len(scopeNames) && s >= 0 {
		return scopeNames[s]
	}
	return "unknown"
}

// ParseScope accepts value, object and definition.
func ParseScope(s string) (Scope, bool) {
	for i, name := range scopeNames {
		if strings.EqualFold(s, name) {
			return Scope(i), true
		}
	}
	return ScopeValue, false
}

// BinaryPolicy controls how binary content is represented.
type BinaryPolicy int

// BinarySkip leaves binaries out of value scope. Object and definition scope
// list them with a null value, which an import treats as unchanged content.
const (
	BinarySkip BinaryPolicy = iota
	BinaryBase64
	BinaryLink
)

var binaryPolicyNames = []string{"skip", "base64", "link"}

func (b BinaryPolicy) String() string {
	if int(b) < len(binaryPolicyNames) && b >= 0 {
		return binaryPolicyNames[b]
	}
	return "unknown"
}

// ParseBinaryPolicy accepts skip, base64 and link.
func ParseBinaryPolicy(s string) (BinaryPolicy, bool) {
	for i, name := range binaryPolicyNames {
		if strings.EqualFold(s, name) {
			return BinaryPolicy(i), true
		}
	}
	return BinarySkip, false
}

// ChangeRule is the import merge policy.
type ChangeRule int

const (
	// ChangeRuleOverwrite overwrites existing and adds missing values, never deletes.
	ChangeRuleOverwrite ChangeRule = iota
	// ChangeRuleUpdate synchronizes exactly, deleting extras.
	ChangeRuleUpdate
	// ChangeRuleExtend only fills missing values.
	ChangeRuleExtend
)

var changeRuleNames = []string{"overwrite", "update", "extend"}

func (c ChangeRule) String() string {
	if int(c) < len(changeRuleNames) && c >= 0 {
		return changeRuleNames[c]
	}
	return "unknown"
}

// ParseChangeRule accepts overwrite, update and extend.
func ParseChangeRule(s string) (ChangeRule, bool) {
	for i, name := range changeRuleNames {
		if strings.EqualFold(s, name) {
			return ChangeRule(i), true
		}
	}
	return ChangeRuleOverwrite, false
}

// MultiValueEncoding selects how a string value of a multi property object is read.
type MultiValueEncoding int

const (
	// MultiValueSplitComma splits on commas with optional surrounding blanks.
	// Values containing commas are not preserved.
	MultiValueSplitComma MultiValueEncoding = iota
	// MultiValueNoSplit keeps the string as a single element.
	MultiValueNoSplit
)

// DateLayout is the fixed wire pattern: milliseconds and numeric zone offset.
const DateLayout = "2006-01-02T15:04:05.000-0700"

var dateFallbackLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

var errDateFormat = errors.New("unparsable date")

// DateFormat formats and parses dates with the fixed wire pattern.
type DateFormat struct {
	loc *time.Location
}

// NewDateFormat binds the pattern to the zone used for zone-less input.
func NewDateFormat(loc *time.Location) DateFormat {
	if loc == nil {
		loc = time.UTC
	}
	return DateFormat{loc: loc}
}

// Location returns the bound zone.
func (f DateFormat) Location() *time.Location {
	if f.loc == nil {
		return time.UTC
	}
	return f.loc
}

// Format writes t in its own zone.
func (f DateFormat) Format(t time.Time) string {
	return t.Format(DateLayout)
}

// Parse reads the wire pattern and falls back to ISO-8601 forms.
func (f DateFormat) Parse(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t, nil
	}
	for _, layout := range dateFallbackLayouts {
		if t, err := time.ParseInLocation(layout, s, f.Location()); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errDateFormat
}

// MappingRules configures one export or import call. Values are immutable;
// derive variants with With.
type MappingRules struct {
	nodeFilter         NodeFilter
	exportFilter       PropertyFilter
	importFilter       PropertyFilter
	scope              Scope
	binary             BinaryPolicy
	embedType          bool
	maxDepth           int
	changeRule         ChangeRule
	dateFormat         DateFormat
	searchRoots        []string
	linkPrefix         string
	indent             int
	multiValue         MultiValueEncoding
	defaultPrimaryType string
}

// MappingOption configures MappingRules.
type MappingOption func(*MappingRules)

// NewMappingRules returns rules with defaults overridden by opts.
func NewMappingRules(opts ...MappingOption) *MappingRules {
	r := &MappingRules{
		nodeFilter:         AllNodes,
		exportFilter:       AllProperties,
		importFilter:       DefaultImportFilter,
		scope:              ScopeValue,
		binary:             BinarySkip,
		changeRule:         ChangeRuleOverwrite,
		dateFormat:         NewDateFormat(time.UTC),
		searchRoots:        []string{"/apps/", "/libs/"},
		linkPrefix:         "/bin/cpm/nodes",
		multiValue:         MultiValueSplitComma,
		defaultPrimaryType: "nt:unstructured",
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// With returns a copy of r with opts applied.
func (r *MappingRules) With(opts ...MappingOption) *MappingRules {
	c := *r
	c.searchRoots = append([]string(nil), r.searchRoots...)
	for _, opt := range opts {
		opt(&c)
	}
	return &c
}

func WithNodeFilter(f NodeFilter) MappingOption {
	return func(r *MappingRules) {
		if f != nil {
			r.nodeFilter = f
		}
	}
}

func WithExportFilter(f PropertyFilter) MappingOption {
	return func(r *MappingRules) {
		if f != nil {
			r.exportFilter = f
		}
	}
}

func WithImportFilter(f PropertyFilter) MappingOption {
	return func(r *MappingRules) {
		if f != nil {
			r.importFilter = f
		}
	}
}

func WithScope(s Scope) MappingOption {
	return func(r *MappingRules) { r.scope = s }
}

func WithBinary(b BinaryPolicy) MappingOption {
	return func(r *MappingRules) { r.binary = b }
}

// WithEmbedType prefixes non-String values with {TypeName} in value scope.
func WithEmbedType(embed bool) MappingOption {
	return func(r *MappingRules) { r.embedType = embed }
}

// WithMaxDepth limits export recursion; 0 is unlimited.
func WithMaxDepth(depth int) MappingOption {
	return func(r *MappingRules) {
		if depth >= 0 {
			r.maxDepth = depth
		}
	}
}

func WithChangeRule(c ChangeRule) MappingOption {
	return func(r *MappingRules) { r.changeRule = c }
}

func WithDateFormat(f DateFormat) MappingOption {
	return func(r *MappingRules) { r.dateFormat = f }
}

func WithTimeZone(loc *time.Location) MappingOption {
	return func(r *MappingRules) { r.dateFormat = NewDateFormat(loc) }
}

// WithSearchRoots sets the prefixes tried for resource type targets.
func WithSearchRoots(roots ...string) MappingOption {
	return func(r *MappingRules) {
		r.searchRoots = make([]string, 0, len(roots))
		for _, root := range roots {
			if !strings.HasSuffix(root, "/") {
				root += "/"
			}
			r.searchRoots = append(r.searchRoots, root)
		}
	}
}

func WithLinkPrefix(prefix string) MappingOption {
	return func(r *MappingRules) { r.linkPrefix = strings.TrimSuffix(prefix, "/") }
}

// WithIndent sets the number of spaces per nesting level; 0 writes compact JSON.
func WithIndent(n int) MappingOption {
	return func(r *MappingRules) {
		if n >= 0 {
			r.indent = n
		}
	}
}

func WithMultiValueEncoding(e MultiValueEncoding) MappingOption {
	return func(r *MappingRules) { r.multiValue = e }
}

func WithDefaultPrimaryType(t string) MappingOption {
	return func(r *MappingRules) {
		if t != "" {
			r.defaultPrimaryType = t
		}
	}
}

func (r *MappingRules) NodeFilter() NodeFilter         { return r.nodeFilter }
func (r *MappingRules) ExportFilter() PropertyFilter   { return r.exportFilter }
func (r *MappingRules) ImportFilter() PropertyFilter   { return r.importFilter }
func (r *MappingRules) Scope() Scope                   { return r.scope }
func (r *MappingRules) Binary() BinaryPolicy           { return r.binary }
func (r *MappingRules) EmbedType() bool                { return r.embedType }
func (r *MappingRules) MaxDepth() int                  { return r.maxDepth }
func (r *MappingRules) ChangeRule() ChangeRule         { return r.changeRule }
func (r *MappingRules) DateFormat() DateFormat         { return r.dateFormat }
func (r *MappingRules) LinkPrefix() string             { return r.linkPrefix }
func (r *MappingRules) Indent() int                    { return r.indent }
func (r *MappingRules) MultiValue() MultiValueEncoding { return r.multiValue }
func (r *MappingRules) DefaultPrimaryType() string     { return r.defaultPrimaryType }

// SearchRoots returns a copy of the resource type search prefixes.
func (r *MappingRules) SearchRoots() []string {
	return append([]string(nil), r.searchRoots...)
}

// EmbedsType reports whether value scope output carries {TypeName} prefixes.
func (r *MappingRules) EmbedsType() bool {
	return r.embedType && r.scope == ScopeValue
}
