package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	nodes "github.com/ist-dresden/composum-nodes-sub000"
)

const (
	nodesAPIPrefix    = "/api/v1/nodes/"
	binaryServletPath = "/property.bin/"
	jsonExtension     = "json"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// parseNodePath returns the request path below prefix, "/" for the bare prefix.
func parseNodePath(path, prefix string) string {
	rest := strings.TrimPrefix(path, strings.TrimSuffix(prefix, "/"))
	if rest == "" {
		return "/"
	}
	return rest
}

// requestRules derives per-request rules from URL selectors and query parameters.
// Query parameters win over selectors.
func requestRules(base *nodes.MappingRules, selectors []string, query url.Values) (*nodes.MappingRules, error) {
	var opts []nodes.MappingOption
	for _, sel := range selectors {
		opt, err := selectorOption(sel)
		if err != nil {
			return nil, err
		}
		opts = append(opts, opt)
	}

	if v := query.Get("scope"); v != "" {
		scope, ok := nodes.ParseScope(v)
		if !ok {
			return nil, nodes.NewValidationError(fmt.Sprintf("unknown scope %q", v))
		}
		opts = append(opts, nodes.WithScope(scope))
	}
	if v := query.Get("binary"); v != "" {
		policy, ok := nodes.ParseBinaryPolicy(v)
		if !ok {
			return nil, nodes.NewValidationError(fmt.Sprintf("unknown binary policy %q", v))
		}
		opts = append(opts, nodes.WithBinary(policy))
	}
	if v := query.Get("type"); v != "" {
		embed, err := strconv.ParseBool(v)
		if err != nil {
			return nil, nodes.NewValidationError(fmt.Sprintf("invalid type flag %q", v))
		}
		opts = append(opts, nodes.WithEmbedType(embed))
	}
	if v := query.Get("depth"); v != "" {
		depth, err := parseDepth(v)
		if err != nil {
			return nil, err
		}
		opts = append(opts, nodes.WithMaxDepth(depth))
	}
	if v := query.Get("rule"); v != "" {
		rule, ok := nodes.ParseChangeRule(v)
		if !ok {
			return nil, nodes.NewValidationError(fmt.Sprintf("unknown change rule %q", v))
		}
		opts = append(opts, nodes.WithChangeRule(rule))
	}
	return base.With(opts...), nil
}

func selectorOption(sel string) (nodes.MappingOption, error) {
	if scope, ok := nodes.ParseScope(sel); ok {
		return nodes.WithScope(scope), nil
	}
	if policy, ok := nodes.ParseBinaryPolicy(sel); ok {
		return nodes.WithBinary(policy), nil
	}
	if sel == "embed" {
		return nodes.WithEmbedType(true), nil
	}
	depth, err := parseDepth(sel)
	if err != nil {
		return nil, nodes.NewValidationError(fmt.Sprintf("unknown selector %q", sel))
	}
	return nodes.WithMaxDepth(depth), nil
}

// parseDepth accepts a non-negative number or "infinity" (0, unlimited).
func parseDepth(s string) (int, error) {
	if s == "infinity" {
		return 0, nil
	}
	depth, err := strconv.Atoi(s)
	if err != nil || depth < 0 {
		return 0, nodes.NewValidationError(fmt.Sprintf("invalid depth %q", s))
	}
	return depth, nil
}

// statusOf maps an error category to an HTTP status code
func statusOf(err error) int {
	switch nodes.ErrorTypeOf(err) {
	case nodes.ErrorTypeInvalidJSON, nodes.ErrorTypeValidation, nodes.ErrorTypeFormat, nodes.ErrorTypeReference:
		return http.StatusBadRequest
	case nodes.ErrorTypeConflict, nodes.ErrorTypeConstraint:
		return http.StatusConflict
	case nodes.ErrorTypeNotFound:
		return http.StatusNotFound
	default:
		if nodes.IsNotFound(err) {
			return http.StatusNotFound
		}
		return http.StatusInternalServerError
	}
}

// APIResponse is the envelope of every non-export response
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// writeJSON writes JSON response to http.ResponseWriter
func writeJSON(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// writeError writes an error response
func writeError(w http.ResponseWriter, statusCode int, message string) error {
	return writeJSON(w, statusCode, APIResponse{
		Success: false,
		Error:   message,
	})
}

// writeNodesError writes err with the status of its category
func writeNodesError(w http.ResponseWriter, err error) error {
	resp := APIResponse{Success: false, Error: err.Error()}
	var ne *nodes.NodesError
	if errors.As(err, &ne) {
		resp.Code = ne.Code
	}
	return writeJSON(w, statusOf(err), resp)
}

// writeSuccess writes a success response
func writeSuccess(w http.ResponseWriter, statusCode int, data any) error {
	return writeJSON(w, statusCode, APIResponse{Success: true, Data: data})
}
