package internal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	nodes "github.com/ist-dresden/composum-nodes-sub000"
)

var listJSON = jsoniter.ConfigCompatibleWithStandardLibrary

func encodeList(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	return listJSON.MarshalToString(values)
}

func decodeList(text string) ([]string, error) {
	values := make([]string, 0)
	if text == "" {
		return values, nil
	}
	if err := listJSON.UnmarshalFromString(text, &values); err != nil {
		return nil, fmt.Errorf("decode stored list: %w", err)
	}
	return values, nil
}

// OpenSQLite opens a database file with the pure Go driver. SQLite allows a
// single writer, so the pool is limited to one connection.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// SQLiteStore is the embedded variant of PostgresStore. Lists are stored as JSON text.
type SQLiteStore struct {
	db        *sql.DB
	q         sqlQuerier
	tables    StoreTables
	rows      propertyRows
	ownBins   bool
	leafTypes map[string]struct{}
}

var (
	_ nodes.Store        = (*SQLiteStore)(nil)
	_ nodes.ChildOrderer = (*SQLiteStore)(nil)
	_ nodes.Transactor   = (*SQLiteStore)(nil)
)

func NewSQLiteStore(db *sql.DB, tables StoreTables, binaries nodes.BinaryStore) (*SQLiteStore, error) {
	if err := validateStoreTables(tables); err != nil {
		return nil, err
	}
	s := &SQLiteStore{
		db:        db,
		q:         db,
		tables:    tables,
		leafTypes: map[string]struct{}{"nt:resource": {}},
	}
	if binaries == nil {
		if tables.Binaries == "" {
			return nil, fmt.Errorf("binaries table name cannot be empty")
		}
		binaries = NewSQLiteBinaryStore(db, tables.Binaries)
		s.ownBins = true
	}
	s.rows = propertyRows{writes: binaries, reads: binaries}
	return s, nil
}

func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	nodesTable := sanitizeIdentifier(s.tables.Nodes)
	statements, err := schemaStatements("sqlite", s.tables)
	if err != nil {
		return fmt.Errorf("render schema: %w", err)
	}
	for _, stmt := range statements {
		if _, err := s.q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	root := fmt.Sprintf(`INSERT INTO %s (path, parent_path, name, identifier, primary_type, mixin_types, sort_order)
		VALUES ('/', '', '', ?, ?, '[]', 0) ON CONFLICT (path) DO NOTHING`, nodesTable)
	if _, err := s.q.ExecContext(ctx, root, newIdentifier(), rootPrimaryType); err != nil {
		return fmt.Errorf("create root node: %w", err)
	}
	zap.S().Infow("node schema ready", "driver", "sqlite", "nodes", s.tables.Nodes)
	return nil
}

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx nodes.Store) error) error {
	if s.db == nil {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	bound := &SQLiteStore{
		q:         tx,
		tables:    s.tables,
		rows:      s.rows,
		ownBins:   s.ownBins,
		leafTypes: s.leafTypes,
	}
	if s.ownBins {
		bound.rows.writes = NewSQLiteBinaryStore(tx, s.tables.Binaries)
	} else {
		bound.rows.stale = &staleBinaries{}
	}
	if err := fn(bound); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	bound.rows.stale.flush(ctx, s.rows.writes)
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	var one int
	if err := s.q.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("sqlite ping failed: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) selectNode() string {
	return fmt.Sprintf(`SELECT path, name, identifier, primary_type, mixin_types FROM %s`,
		sanitizeIdentifier(s.tables.Nodes))
}

func scanSQLiteNode(row rowScanner) (*nodes.Node, error) {
	n := &nodes.Node{}
	var mixins string
	if err := row.Scan(&n.Path, &n.Name, &n.Identifier, &n.PrimaryType, &mixins); err != nil {
		return nil, err
	}
	var err error
	if n.MixinTypes, err = decodeList(mixins); err != nil {
		return nil, err
	}
	return n, nil
}

func (s *SQLiteStore) GetNode(ctx context.Context, path string) (*nodes.Node, error) {
	path = nodes.CleanPath(path)
	n, err := scanSQLiteNode(s.q.QueryRowContext(ctx, s.selectNode()+` WHERE path = ?`, path))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nodes.NewNodeNotFoundError(path)
	}
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", path, err)
	}
	return n, nil
}

func (s *SQLiteStore) GetNodeByIdentifier(ctx context.Context, identifier string) (*nodes.Node, error) {
	id, ok := canonicalIdentifier(identifier)
	if !ok {
		return nil, nodes.NewNodeNotFoundError("").WithDetail("identifier", identifier)
	}
	n, err := scanSQLiteNode(s.q.QueryRowContext(ctx, s.selectNode()+` WHERE identifier = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nodes.NewNodeNotFoundError("").WithDetail("identifier", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get node by identifier %s: %w", id, err)
	}
	return n, nil
}

func (s *SQLiteStore) CreateNode(ctx context.Context, path, primaryType string) (*nodes.Node, error) {
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
		VALUES (?, ?, ?, ?, ?, '[]', (SELECT COALESCE(MAX(sort_order) + 1, 0) FROM %s WHERE parent_path = ?))
		ON CONFLICT (path) DO NOTHING`, table, table)
	n := &nodes.Node{Path: path, Name: name, Identifier: newIdentifier(), PrimaryType: primaryType, MixinTypes: []string{}}
	res, err := s.q.ExecContext(ctx, query, n.Path, parentPath, n.Name, n.Identifier, n.PrimaryType, parentPath)
	if err != nil {
		return nil, fmt.Errorf("create node %s: %w", path, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, nodes.NewNodeExistsError(path)
	}
	return n, nil
}

func (s *SQLiteStore) RemoveNode(ctx context.Context, path string) error {
	path = nodes.CleanPath(path)
	if path == "/" {
		return nodes.NewConstraintViolation(path, "", "the root node cannot be removed")
	}
	pattern := likePrefix(path)
	query := fmt.Sprintf(`DELETE FROM %s WHERE path = ? OR path LIKE ? ESCAPE '\' RETURNING identifier`,
		sanitizeIdentifier(s.tables.Nodes))
	rows, err := s.q.QueryContext(ctx, query, path, pattern)
	if err != nil {
		return fmt.Errorf("remove node %s: %w", path, err)
	}
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return fmt.Errorf("remove node %s: %w", path, err)
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("remove node %s: %w", path, err)
	}
	if len(ids) == 0 {
		return nodes.NewNodeNotFoundError(path)
	}

	props := fmt.Sprintf(`DELETE FROM %s WHERE node_path = ? OR node_path LIKE ? ESCAPE '\'`,
		sanitizeIdentifier(s.tables.Properties))
	if _, err := s.q.ExecContext(ctx, props, path, pattern); err != nil {
		return fmt.Errorf("remove properties below %s: %w", path, err)
	}
	for _, id := range ids {
		s.rows.release(ctx, []string{id + "/"})
	}
	return nil
}

func (s *SQLiteStore) ListChildren(ctx context.Context, path string) ([]*nodes.Node, error) {
	parent, err := s.GetNode(ctx, path)
	if err != nil {
		return nil, err
	}
	rows, err := s.q.QueryContext(ctx, s.selectNode()+` WHERE parent_path = ? ORDER BY sort_order, name`, parent.Path)
	if err != nil {
		return nil, fmt.Errorf("list children of %s: %w", parent.Path, err)
	}
	defer func() { _ = rows.Close() }()
	children := make([]*nodes.Node, 0)
	for rows.Next() {
		n, err := scanSQLiteNode(rows)
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

func (s *SQLiteStore) SetPrimaryType(ctx context.Context, path, primaryType string) error {
	path = nodes.CleanPath(path)
	if primaryType == "" {
		return nodes.NewValidationError("primary type is required").WithPath(path)
	}
	table := sanitizeIdentifier(s.tables.Nodes)
	if _, leaf := s.leafTypes[primaryType]; leaf {
		var hasChildren bool
		query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE parent_path = ?)`, table)
		if err := s.q.QueryRowContext(ctx, query, path).Scan(&hasChildren); err != nil {
			return fmt.Errorf("check children of %s: %w", path, err)
		}
		if hasChildren {
			return nodes.NewConstraintViolation(path, nodes.PrimaryTypeKey,
				fmt.Sprintf("node type %s does not allow child nodes", primaryType))
		}
	}
	res, err := s.q.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET primary_type = ? WHERE path = ?`, table), primaryType, path)
	if err != nil {
		return fmt.Errorf("set primary type of %s: %w", path, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nodes.NewNodeNotFoundError(path)
	}
	return nil
}

func (s *SQLiteStore) OrderChildren(ctx context.Context, path string, names []string) error {
	children, err := s.ListChildren(ctx, path)
	if err != nil {
		return err
	}
	current := make([]string, len(children))
	for i, c := range children {
		current[i] = c.Name
	}
	query := fmt.Sprintf(`UPDATE %s SET sort_order = ? WHERE parent_path = ? AND name = ?`,
		sanitizeIdentifier(s.tables.Nodes))
	for i, name := range orderNames(current, names) {
		if _, err := s.q.ExecContext(ctx, query, i, nodes.CleanPath(path), name); err != nil {
			return fmt.Errorf("order children of %s: %w", path, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Properties(ctx context.Context, path string) ([]*nodes.Property, error) {
	n, err := s.GetNode(ctx, path)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT name, type, multi, vals FROM %s WHERE node_path = ? ORDER BY name`,
		sanitizeIdentifier(s.tables.Properties))
	rows, err := s.q.QueryContext(ctx, query, n.Path)
	if err != nil {
		return nil, fmt.Errorf("read properties of %s: %w", n.Path, err)
	}
	defer func() { _ = rows.Close() }()

	props := structuralProperties(n)
	for rows.Next() {
		var (
			name  string
			typ   int
			multi bool
			text  string
		)
		if err := rows.Scan(&name, &typ, &multi, &text); err != nil {
			return nil, fmt.Errorf("scan property of %s: %w", n.Path, err)
		}
		vals, err := decodeList(text)
		if err != nil {
			return nil, err
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

func (s *SQLiteStore) GetProperty(ctx context.Context, path, name string) (*nodes.Property, error) {
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
	return s.rows.decode(name, typ, multi, vals)
}

func (s *SQLiteStore) readProperty(ctx context.Context, path, name string) (nodes.PropertyType, bool, []string, error) {
	var (
		typ   int
		multi bool
		text  string
	)
	query := fmt.Sprintf(`SELECT type, multi, vals FROM %s WHERE node_path = ? AND name = ?`,
		sanitizeIdentifier(s.tables.Properties))
	err := s.q.QueryRowContext(ctx, query, path, name).Scan(&typ, &multi, &text)
	if errors.Is(err, sql.ErrNoRows) {
		if _, nerr := s.GetNode(ctx, path); nerr != nil {
			return 0, false, nil, nerr
		}
		return 0, false, nil, nodes.NewPropertyNotFoundError(path, name)
	}
	if err != nil {
		return 0, false, nil, fmt.Errorf("read property %s of %s: %w", name, path, err)
	}
	vals, err := decodeList(text)
	if err != nil {
		return 0, false, nil, err
	}
	return nodes.PropertyType(typ), multi, vals, nil
}

func (s *SQLiteStore) SetProperty(ctx context.Context, path string, prop *nodes.Property) error {
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
	text, err := encodeList(vals)
	if err != nil {
		deleteBinaries(ctx, s.rows.writes, written)
		return err
	}

	query := fmt.Sprintf(`INSERT INTO %s (node_path, name, type, multi, vals) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (node_path, name) DO UPDATE SET type = excluded.type, multi = excluded.multi, vals = excluded.vals`,
		sanitizeIdentifier(s.tables.Properties))
	if _, err := s.q.ExecContext(ctx, query, path, prop.Name, int(prop.Type), prop.Multi, text); err != nil {
		deleteBinaries(ctx, s.rows.writes, written)
		return fmt.Errorf("set property %s of %s: %w", prop.Name, path, err)
	}
	if exists {
		s.rows.release(ctx, binaryKeys(oldType, oldVals))
	}
	return nil
}

func (s *SQLiteStore) RemoveProperty(ctx context.Context, path, name string) error {
	path = nodes.CleanPath(path)
	if isStructural(name) {
		return nodes.NewConstraintViolation(path, name, "property is managed by the node type")
	}
	typ, _, vals, err := s.readProperty(ctx, path, name)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE node_path = ? AND name = ?`, sanitizeIdentifier(s.tables.Properties))
	if _, err := s.q.ExecContext(ctx, query, path, name); err != nil {
		return fmt.Errorf("remove property %s of %s: %w", name, path, err)
	}
	s.rows.release(ctx, binaryKeys(typ, vals))
	return nil
}

// updateMixins rewrites the mixin list of a node with change applied.
func (s *SQLiteStore) updateMixins(ctx context.Context, path string, change func([]string) []string) error {
	n, err := s.GetNode(ctx, path)
	if err != nil {
		return err
	}
	text, err := encodeList(change(n.MixinTypes))
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET mixin_types = ? WHERE path = ?`, sanitizeIdentifier(s.tables.Nodes))
	if _, err := s.q.ExecContext(ctx, query, text, n.Path); err != nil {
		return fmt.Errorf("update mixins of %s: %w", n.Path, err)
	}
	return nil
}

func (s *SQLiteStore) AddMixin(ctx context.Context, path, mixin string) error {
	if mixin == "" {
		return nodes.NewValidationError("mixin name is empty").WithPath(path)
	}
	return s.updateMixins(ctx, path, func(current []string) []string {
		for _, m := range current {
			if m == mixin {
				return current
			}
		}
		return append(current, mixin)
	})
}

func (s *SQLiteStore) RemoveMixin(ctx context.Context, path, mixin string) error {
	return s.updateMixins(ctx, path, func(current []string) []string {
		kept := make([]string, 0, len(current))
		for _, m := range current {
			if m != mixin {
				kept = append(kept, m)
			}
		}
		return kept
	})
}
