package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"testing"

	nodes "github.com/ist-dresden/composum-nodes-sub000"
)

func TestParseNodePath(t *testing.T) {
	tests := []struct {
		path   string
		prefix string
		want   string
	}{
		{"/api/v1/nodes/content/site", nodesAPIPrefix, "/content/site"},
		{"/api/v1/nodes/", nodesAPIPrefix, "/"},
		{"/api/v1/nodes", nodesAPIPrefix, "/"},
		{"/bin/cpm/nodes/property.bin/a/b", "/bin/cpm/nodes" + binaryServletPath, "/a/b"},
	}
	for _, tt := range tests {
		if got := parseNodePath(tt.path, tt.prefix); got != tt.want {
			t.Errorf("parseNodePath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestParseDepth(t *testing.T) {
	tests := []struct {
		in          string
		want        int
		expectError bool
	}{
		{in: "0", want: 0},
		{in: "3", want: 3},
		{in: "infinity", want: 0},
		{in: "-1", expectError: true},
		{in: "deep", expectError: true},
	}
	for _, tt := range tests {
		got, err := parseDepth(tt.in)
		if tt.expectError {
			if err == nil {
				t.Errorf("parseDepth(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("parseDepth(%q) = %d, %v; want %d", tt.in, got, err, tt.want)
		}
	}
}

func TestRequestRules(t *testing.T) {
	base := nodes.NewMappingRules()

	rules, err := requestRules(base, []string{"object", "base64", "2"}, url.Values{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rules.Scope() != nodes.ScopeObject || rules.Binary() != nodes.BinaryBase64 || rules.MaxDepth() != 2 {
		t.Errorf("selectors not applied: scope=%v binary=%v depth=%d", rules.Scope(), rules.Binary(), rules.MaxDepth())
	}

	rules, err = requestRules(base, []string{"object", "embed"}, url.Values{
		"scope": {"definition"},
		"type":  {"false"},
		"rule":  {"update"},
		"depth": {"infinity"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rules.Scope() != nodes.ScopeDefinition {
		t.Errorf("query scope should win, got %v", rules.Scope())
	}
	if rules.EmbedType() {
		t.Errorf("query type should win over the embed selector")
	}
	if rules.ChangeRule() != nodes.ChangeRuleUpdate || rules.MaxDepth() != 0 {
		t.Errorf("unexpected rule %v depth %d", rules.ChangeRule(), rules.MaxDepth())
	}
	if base.Scope() != nodes.ScopeValue {
		t.Errorf("base rules must not change")
	}

	for _, q := range []url.Values{
		{"scope": {"all"}},
		{"binary": {"inline"}},
		{"type": {"maybe"}},
		{"rule": {"merge"}},
		{"depth": {"-2"}},
	} {
		if _, err := requestRules(base, nil, q); nodes.ErrorTypeOf(err) != nodes.ErrorTypeValidation {
			t.Errorf("requestRules(%v): expected validation error, got %v", q, err)
		}
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid json", nodes.NewInvalidJSONError(errors.New("eof")), http.StatusBadRequest},
		{"validation", nodes.NewValidationError("bad"), http.StatusBadRequest},
		{"format", nodes.NewFormatError(nodes.TypeLong, "x", nil), http.StatusBadRequest},
		{"reference", nodes.NewReferenceError("id", nodes.ErrNotFound), http.StatusBadRequest},
		{"repository not found", nodes.NewRepositoryError("read node", "/a", nodes.ErrNotFound), http.StatusNotFound},
		{"conflict", nodes.NewRenameConflict("/a", "b", "c"), http.StatusConflict},
		{"constraint", nodes.NewConstraintViolation("/a", "p", "protected"), http.StatusConflict},
		{"node not found", nodes.NewNodeNotFoundError("/a"), http.StatusNotFound},
		{"wrapped not found", fmt.Errorf("read: %w", nodes.ErrPropertyNotFound), http.StatusNotFound},
		{"repository", nodes.NewRepositoryError("write", "/a", errors.New("disk full")), http.StatusInternalServerError},
		{"foreign", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusOf(tt.err); got != tt.want {
				t.Errorf("statusOf() = %d, want %d", got, tt.want)
			}
		})
	}
}
