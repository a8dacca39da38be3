package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	nodes "github.com/ist-dresden/composum-nodes-sub000"
	"github.com/ist-dresden/composum-nodes-sub000/slingurl"
)

// handleNodes routes /api/v1/nodes/{path} by method
func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleExport(w, r)
	case http.MethodPut, http.MethodPost:
		s.handleImport(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// resolveNode splits a request path into the node and its selectors.
func (s *Server) resolveNode(r *http.Request) (*nodes.Node, *slingurl.SlingUrl, error) {
	ctx := r.Context()
	rest := parseNodePath(r.URL.EscapedPath(), nodesAPIPrefix)
	u := slingurl.Parse(rest)
	if rest == "/" || rest == "/."+jsonExtension {
		u.Path, u.Name, u.Selectors, u.Extension = "/", "", nil, jsonExtension
		node, err := s.store.GetNode(ctx, "/")
		return node, u, err
	}

	exists := func(path string) bool {
		_, err := s.store.GetNode(ctx, path)
		return err == nil
	}
	if !u.Resolve(exists) {
		return nil, u, nodes.NewNodeNotFoundError(u.ResourcePath())
	}
	if u.Extension != "" && u.Extension != jsonExtension {
		return nil, u, nodes.NewValidationError(fmt.Sprintf("unsupported extension %q", u.Extension))
	}
	node, err := s.store.GetNode(ctx, nodes.CleanPath(u.ResourcePath()))
	return node, u, err
}

// handleExport handles GET /api/v1/nodes/{path}[.selectors][.json]
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	node, u, err := s.resolveNode(r)
	if err != nil {
		writeNodesError(w, err)
		return
	}
	rules, err := requestRules(s.rules, u.Selectors, r.URL.Query())
	if err != nil {
		writeNodesError(w, err)
		return
	}

	// Buffered so a store failure halfway through still maps to an error status.
	var buf bytes.Buffer
	if err := s.codec.ExportTree(r.Context(), &buf, s.store, node, rules); err != nil {
		zap.S().Warnw("export failed", "path", node.Path, "error", err)
		writeNodesError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

// handleImport handles PUT and POST /api/v1/nodes/{path}[.json]
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	ctx := r.Context()
	path := nodes.CleanPath(strings.TrimSuffix(parseNodePath(r.URL.Path, nodesAPIPrefix), "."+jsonExtension))

	rules, err := requestRules(s.rules, nil, r.URL.Query())
	if err != nil {
		writeNodesError(w, err)
		return
	}

	var result *nodes.ImportResult
	err = nodes.RunInTx(ctx, s.store, func(tx nodes.Store) error {
		var err error
		result, err = s.codec.ImportTree(ctx, r.Body, tx, path, rules)
		return err
	})
	if err != nil {
		zap.S().Infow("import rejected", "path", path, "error", err)
		writeNodesError(w, err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeSuccess(w, status, result)
}

// handleDelete handles DELETE /api/v1/nodes/{path}
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	path := nodes.CleanPath(parseNodePath(r.URL.Path, nodesAPIPrefix))
	if path == "/" {
		writeError(w, http.StatusBadRequest, "the root node cannot be removed")
		return
	}
	if err := s.store.RemoveNode(r.Context(), path); err != nil {
		writeNodesError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleBinary streams the content of {linkPrefix}/property.bin/{path}?name={property}
func (s *Server) handleBinary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx := r.Context()
	path := nodes.CleanPath(parseNodePath(r.URL.Path, s.rules.LinkPrefix()+binaryServletPath))
	name := r.URL.Query().Get("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "missing property name")
		return
	}

	prop, err := s.store.GetProperty(ctx, path, name)
	if err != nil {
		writeNodesError(w, err)
		return
	}
	bin, ok := prop.Value().(nodes.BinaryValue)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("property %s is not a binary", name))
		return
	}
	rc, err := bin.Open(ctx)
	if err != nil {
		writeNodesError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	if bin.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(bin.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		zap.S().Warnw("binary download interrupted", "path", path, "property", name, "error", err)
	}
}

// handleHealth reports the state of every backend component
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	statuses, healthy := s.health(r.Context())
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, APIResponse{Success: healthy, Data: statuses})
}
