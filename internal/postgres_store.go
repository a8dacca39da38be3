package internal

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	nodes "github.com/ist-dresden/composum-nodes-sub000"
)

type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgPool interface {
	pgQuerier
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// StoreTables names the tables of a SQL backed store.
type StoreTables struct {
	Nodes      string
	Properties string
	Binaries   string
}

func validateStoreTables(tables StoreTables) error {
	if tables.Nodes == "" {
		return fmt.Errorf("nodes table name cannot be empty")
	}
	if tables.Properties == "" {
		return fmt.Errorf("properties table name cannot be empty")
	}
	return nil
}

// PostgresStore keeps the tree in two tables: one row per node, one row per
// property with its values as canonical text.
type PostgresStore struct {
	pool      pgPool
	q         pgQuerier
	tables    StoreTables
	rows      propertyRows
	ownBins   bool
	leafTypes map[string]struct{}
}

var (
	_ nodes.Store        = (*PostgresStore)(nil)
	_ nodes.ChildOrderer = (*PostgresStore)(nil)
	_ nodes.Transactor   = (*PostgresStore)(nil)
)

// NewPostgresStore creates a store on pool. With a nil binary store, binary
// content goes to the binaries table and joins the store's transactions.
func NewPostgresStore(pool pgPool, tables StoreTables, binaries nodes.BinaryStore) (*PostgresStore, error) {
	if err := validateStoreTables(tables); err != nil {
		return nil, err
	}
	s := &PostgresStore{
		pool:      pool,
		q:         pool,
		tables:    tables,
		leafTypes: map[string]struct{}{"nt:resource": {}},
	}
	if binaries == nil {
		if tables.Binaries == "" {
			return nil, fmt.Errorf("binaries table name cannot be empty")
		}
		binaries = NewPostgresBinaryStore(pool, tables.Binaries)
		s.ownBins = true
	}
	s.rows = propertyRows{writes: binaries, reads: binaries}
	return s, nil
}

// EnsureSchema creates the tables and the root node when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	nodesTable := sanitizeIdentifier(s.tables.Nodes)
	statements, err := schemaStatements("postgres", s.tables)
	if err != nil {
		return fmt.Errorf("render schema: %w", err)
	}
	for _, stmt := range statements {
		if _, err := s.q.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	root := fmt.Sprintf(`INSERT INTO %s (path, parent_path, name, identifier, primary_type, mixin_types, sort_order)
		VALUES ('/', '', '', $1, $2, '{}', 0) ON CONFLICT (path) DO NOTHING`, nodesTable)
	if _, err := s.q.Exec(ctx, root, newIdentifier(), rootPrimaryType); err != nil {
		return fmt.Errorf("create root node: %w", err)
	}
	zap.S().Infow("node schema ready", "nodes", s.tables.Nodes, "properties", s.tables.Properties)
	return nil
}

// WithTx runs fn in a database transaction. Nested calls join the outer one.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx nodes.Store) error) error {
	if s.pool == nil {
		return fn(s)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	bound := &PostgresStore{
		q:         tx,
		tables:    s.tables,
		rows:      s.rows,
		ownBins:   s.ownBins,
		leafTypes: s.leafTypes,
	}
	if s.ownBins {
		bound.rows.writes = NewPostgresBinaryStore(tx, s.tables.Binaries)
	} else {
		bound.rows.stale = &staleBinaries{}
	}
	if err := fn(bound); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	bound.rows.stale.flush(ctx, s.rows.writes)
	return nil
}

func (s *PostgresStore) selectNode() string {
	return fmt.Sprintf(`SELECT path, name, identifier::text, primary_type, mixin_types FROM %s`,
		sanitizeIdentifier(s.tables.Nodes))
}

func scanNode(row pgx.Row) (*nodes.Node, error) {
	n := &nodes.Node{}
	if err := row.Scan(&n.Path, &n.Name, &n.Identifier, &n.PrimaryType, &n.MixinTypes); err != nil {
		return nil, err
	}
	if n.MixinTypes == nil {
		n.MixinTypes = []string{}
	}
	return n, nil
}

func (s *PostgresStore) GetNode(ctx context.Context, path string) (*nodes.Node, error) {
	path = nodes.CleanPath(path)
	n, err := scanNode(s.q.QueryRow(ctx, s.selectNode()+` WHERE path = $1`, path))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nodes.NewNodeNotFoundError(path)
	}
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", path, err)
	}
	return n, nil
}

func (s *PostgresStore) GetNodeByIdentifier(ctx context.Context, identifier string) (*nodes.Node, error) {
	id, ok := canonicalIdentifier(identifier)
	if !ok {
		return nil, nodes.NewNodeNotFoundError("").WithDetail("identifier", identifier)
	}
	n, err := scanNode(s.q.QueryRow(ctx, s.selectNode()+` WHERE identifier = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nodes.NewNodeNotFoundError("").WithDetail("identifier", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get node by identifier %s: %w", id, err)
	}
	return n, nil
}

func (s *PostgresStore) CreateNode(ctx context.Context, path, primaryType string) (*nodes.Node, error) {
	path = nodes.CleanPath(path)
	name := nodes.BaseName(path)
	if !nodes.ValidName(name) {
		return nil, nodes.NewValidationError(fmt.Sprintf("invalid node name '%s'", name)).WithPath(path)
	}
	if primaryType == "" {
		return nil, nodes.NewValidationError("primary type is required").WithPath(path)
	}

	parentPath := nodes.ParentPath(path)
	parent, err := s.GetNode(ctx, parentPath)
	if nodes.IsNotFound(err) {
		parent, err = s.CreateNode(ctx, parentPath, "nt:unstructured")
	}
	if err != nil {
		return nil, err
	}
	if _, leaf := s.leafTypes[parent.PrimaryType]; leaf {
		return nil, nodes.NewConstraintViolation(path, "",
			fmt.Sprintf("node type %s does not allow child nodes", parent.PrimaryType))
	}

	table := sanitizeIdentifier(s.tables.Nodes)
	query := fmt.Sprintf(`INSERT INTO %s (path, parent_path, name, identifier, primary_type, mixin_types, sort_order)
		VALUES ($1, $2, $3, $4, $5, '{}', (SELECT COALESCE(MAX(sort_order) + 1, 0) FROM %s WHERE parent_path = $2))
		ON CONFLICT (path) DO NOTHING`, table, table)
	n := &nodes.Node{Path: path, Name: name, Identifier: newIdentifier(), PrimaryType: primaryType, MixinTypes: []string{}}
	tag, err := s.q.Exec(ctx, query, n.Path, parentPath, n.Name, n.Identifier, n.PrimaryType)
	if err != nil {
		return nil, fmt.Errorf("create node %s: %w", path, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, nodes.NewNodeExistsError(path)
	}
	return n, nil
}

func (s *PostgresStore) RemoveNode(ctx context.Context, path string) error {
	path = nodes.CleanPath(path)
	if path == "/" {
		return nodes.NewConstraintViolation(path, "", "the root node cannot be removed")
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE path = $1 OR path LIKE $2 ESCAPE '\' RETURNING identifier::text`,
		sanitizeIdentifier(s.tables.Nodes))
	rows, err := s.q.Query(ctx, query, path, likePrefix(path))
	if err != nil {
		return fmt.Errorf("remove node %s: %w", path, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("remove node %s: %w", path, err)
	}
	if len(ids) == 0 {
		return nodes.NewNodeNotFoundError(path)
	}
	for _, id := range ids {
		s.rows.release(ctx, []string{id + "/"})
	}
	zap.S().Debugw("removed nodes", "path", path, "count", len(ids))
	return nil
}

func (s *PostgresStore) ListChildren(ctx context.Context, path string) ([]*nodes.Node, error) {
	parent, err := s.GetNode(ctx, path)
	if err != nil {
		return nil, err
	}
	rows, err := s.q.Query(ctx, s.selectNode()+` WHERE parent_path = $1 ORDER BY sort_order, name`, parent.Path)
	if err != nil {
		return nil, fmt.Errorf("list children of %s: %w", parent.Path, err)
	}
	defer rows.Close()
	children := make([]*nodes.Node, 0)
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan child of %s: %w", parent.Path, err)
		}
		children = append(children, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list children of %s: %w", parent.Path, err)
	}
	return children, nil
}

func (s *PostgresStore) SetPrimaryType(ctx context.Context, path, primaryType string) error {
	path = nodes.CleanPath(path)
	if primaryType == "" {
		return nodes.NewValidationError("primary type is required").WithPath(path)
	}
	table := sanitizeIdentifier(s.tables.Nodes)
	if _, leaf := s.leafTypes[primaryType]; leaf {
		var hasChildren bool
		query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE parent_path = $1)`, table)
		if err := s.q.QueryRow(ctx, query, path).Scan(&hasChildren); err != nil {
			return fmt.Errorf("check children of %s: %w", path, err)
		}
		if hasChildren {
			return nodes.NewConstraintViolation(path, nodes.PrimaryTypeKey,
				fmt.Sprintf("node type %s does not allow child nodes", primaryType))
		}
	}
	tag, err := s.q.Exec(ctx, fmt.Sprintf(`UPDATE %s SET primary_type = $2 WHERE path = $1`, table), path, primaryType)
	if err != nil {
		return fmt.Errorf("set primary type of %s: %w", path, err)
	}
	if tag.RowsAffected() == 0 {
		return nodes.NewNodeNotFoundError(path)
	}
	return nil
}

func (s *PostgresStore) OrderChildren(ctx context.Context, path string, names []string) error {
	children, err := s.ListChildren(ctx, path)
	if err != nil {
		return err
	}
	current := make([]string, len(children))
	for i, c := range children {
		current[i] = c.Name
	}
	query := fmt.Sprintf(`UPDATE %s SET sort_order = $3 WHERE parent_path = $1 AND name = $2`,
		sanitizeIdentifier(s.tables.Nodes))
	for i, name := range orderNames(current, names) {
		if _, err := s.q.Exec(ctx, query, nodes.CleanPath(path), name, i); err != nil {
			return fmt.Errorf("order children of %s: %w", path, err)
		}
	}
	return nil
}

func (s *PostgresStore) Properties(ctx context.Context, path string) ([]*nodes.Property, error) {
	n, err := s.GetNode(ctx, path)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT name, type, multi, vals FROM %s WHERE node_path = $1 ORDER BY name`,
		sanitizeIdentifier(s.tables.Properties))
	rows, err := s.q.Query(ctx, query, n.Path)
	if err != nil {
		return nil, fmt.Errorf("read properties of %s: %w", n.Path, err)
	}
	defer rows.Close()

	props := structuralProperties(n)
	for rows.Next() {
		var (
			name  string
			typ   int16
			multi bool
			vals  []string
		)
		if err := rows.Scan(&name, &typ, &multi, &vals); err != nil {
			return nil, fmt.Errorf("scan property of %s: %w", n.Path, err)
		}
		p, err := s.rows.decode(name, nodes.PropertyType(typ), multi, vals)
		if err != nil {
			return nil, err
		}
		props = append(props, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read properties of %s: %w", n.Path, err)
	}
	return props, nil
}

func (s *PostgresStore) GetProperty(ctx context.Context, path, name string) (*nodes.Property, error) {
	path = nodes.CleanPath(path)
	if isStructural(name) {
		n, err := s.GetNode(ctx, path)
		if err != nil {
			return nil, err
		}
		for _, p := range structuralProperties(n) {
			if p.Name == name {
				return p, nil
			}
		}
		return nil, nodes.NewPropertyNotFoundError(path, name)
	}

	typ, multi, vals, err := s.readProperty(ctx, path, name)
	if err != nil {
		return nil, err
	}
	return s.rows.decode(name, nodes.PropertyType(typ), multi, vals)
}

// readProperty returns the stored row, or a not found error for the node or the property.
func (s *PostgresStore) readProperty(ctx context.Context, path, name string) (int16, bool, []string, error) {
	var (
		typ   int16
		multi bool
		vals  []string
	)
	query := fmt.Sprintf(`SELECT type, multi, vals FROM %s WHERE node_path = $1 AND name = $2`,
		sanitizeIdentifier(s.tables.Properties))
	err := s.q.QueryRow(ctx, query, path, name).Scan(&typ, &multi, &vals)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, nerr := s.GetNode(ctx, path); nerr != nil {
			return 0, false, nil, nerr
		}
		return 0, false, nil, nodes.NewPropertyNotFoundError(path, name)
	}
	if err != nil {
		return 0, false, nil, fmt.Errorf("read property %s of %s: %w", name, path, err)
	}
	return typ, multi, vals, nil
}

func (s *PostgresStore) SetProperty(ctx context.Context, path string, prop *nodes.Property) error {
	path = nodes.CleanPath(path)
	if err := prop.Validate(); err != nil {
		return err
	}
	if isStructural(prop.Name) {
		return nodes.NewConstraintViolation(path, prop.Name, "property is managed by the node type")
	}

	oldType, oldMulti, oldVals, err := s.readProperty(ctx, path, prop.Name)
	exists := err == nil
	if err != nil && !errors.Is(err, nodes.ErrPropertyNotFound) {
		return err
	}
	if exists && oldMulti != prop.Multi {
		return nodes.NewCardinalityError(path, prop.Name, oldMulti)
	}

	nodeID := ""
	if prop.Type == nodes.TypeBinary {
		n, err := s.GetNode(ctx, path)
		if err != nil {
			return err
		}
		nodeID = n.Identifier
	}
	vals, written, err := s.rows.encode(ctx, nodeID, prop)
	if err != nil {
		deleteBinaries(ctx, s.rows.writes, written)
		return err
	}

	query := fmt.Sprintf(`INSERT INTO %s (node_path, name, type, multi, vals) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (node_path, name) DO UPDATE SET type = EXCLUDED.type, multi = EXCLUDED.multi, vals = EXCLUDED.vals`,
		sanitizeIdentifier(s.tables.Properties))
	if _, err := s.q.Exec(ctx, query, path, prop.Name, int16(prop.Type), prop.Multi, vals); err != nil {
		deleteBinaries(ctx, s.rows.writes, written)
		return fmt.Errorf("set property %s of %s: %w", prop.Name, path, err)
	}
	if exists {
		s.rows.release(ctx, binaryKeys(nodes.PropertyType(oldType), oldVals))
	}
	return nil
}

func (s *PostgresStore) RemoveProperty(ctx context.Context, path, name string) error {
	path = nodes.CleanPath(path)
	if isStructural(name) {
		return nodes.NewConstraintViolation(path, name, "property is managed by the node type")
	}
	var (
		typ  int16
		vals []string
	)
	query := fmt.Sprintf(`DELETE FROM %s WHERE node_path = $1 AND name = $2 RETURNING type, vals`,
		sanitizeIdentifier(s.tables.Properties))
	err := s.q.QueryRow(ctx, query, path, name).Scan(&typ, &vals)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, nerr := s.GetNode(ctx, path); nerr != nil {
			return nerr
		}
		return nodes.NewPropertyNotFoundError(path, name)
	}
	if err != nil {
		return fmt.Errorf("remove property %s of %s: %w", name, path, err)
	}
	s.rows.release(ctx, binaryKeys(nodes.PropertyType(typ), vals))
	return nil
}

func (s *PostgresStore) AddMixin(ctx context.Context, path, mixin string) error {
	path = nodes.CleanPath(path)
	if mixin == "" {
		return nodes.NewValidationError("mixin name is empty").WithPath(path)
	}
	query := fmt.Sprintf(`UPDATE %s SET mixin_types = array_append(mixin_types, $2::text)
		WHERE path = $1 AND NOT ($2::text = ANY (mixin_types))`, sanitizeIdentifier(s.tables.Nodes))
	tag, err := s.q.Exec(ctx, query, path, mixin)
	if err != nil {
		return fmt.Errorf("add mixin %s to %s: %w", mixin, path, err)
	}
	if tag.RowsAffected() == 0 {
		_, err := s.GetNode(ctx, path)
		return err
	}
	return nil
}

func (s *PostgresStore) RemoveMixin(ctx context.Context, path, mixin string) error {
	path = nodes.CleanPath(path)
	query := fmt.Sprintf(`UPDATE %s SET mixin_types = array_remove(mixin_types, $2::text) WHERE path = $1`,
		sanitizeIdentifier(s.tables.Nodes))
	tag, err := s.q.Exec(ctx, query, path, mixin)
	if err != nil {
		return fmt.Errorf("remove mixin %s from %s: %w", mixin, path, err)
	}
	if tag.RowsAffected() == 0 {
		return nodes.NewNodeNotFoundError(path)
	}
	return nil
}

// Ping checks the connection with a trivial query.
func (s *PostgresStore) Ping(ctx context.Context) error {
	var one int
	if err := s.q.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}
