package internal

import (
	"context"
	"regexp"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nodes "github.com/ist-dresden/composum-nodes-sub000"
)

var nodeColumns = []string{"path", "name", "identifier", "primary_type", "mixin_types"}

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	mock.MatchExpectationsInOrder(true)

	store, err := NewPostgresStore(mock, testTables, nil)
	require.NoError(t, err)
	return store, mock
}

func TestPostgresStoreGetNode(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockStore(t)
	query := "^" + regexp.QuoteMeta(store.selectNode()+` WHERE path = $1`) + "$"

	mock.ExpectQuery(query).
		WithArgs("/content").
		WillReturnRows(pgxmock.NewRows(nodeColumns).
			AddRow("/content", "content", "0190b6a4-0000-7000-8000-000000000001", "nt:folder", []string{"mix:title"}))
	mock.ExpectQuery(query).
		WithArgs("/missing").
		WillReturnError(pgx.ErrNoRows)

	n, err := store.GetNode(ctx, "/content/")
	require.NoError(t, err)
	assert.Equal(t, "nt:folder", n.PrimaryType)
	assert.Equal(t, []string{"mix:title"}, n.MixinTypes)

	_, err = store.GetNode(ctx, "/missing")
	assert.True(t, nodes.IsNotFound(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreCreateNode(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockStore(t)

	mock.ExpectQuery(`^SELECT path, name, identifier::text, primary_type, mixin_types FROM "nodes" WHERE path = \$1$`).
		WithArgs("/").
		WillReturnRows(pgxmock.NewRows(nodeColumns).
			AddRow("/", "", "0190b6a4-0000-7000-8000-000000000000", rootPrimaryType, []string{}))
	mock.ExpectExec(`^INSERT INTO "nodes" \(path, parent_path, name, identifier, primary_type, mixin_types, sort_order\)`).
		WithArgs("/content", "/", "content", pgxmock.AnyArg(), "nt:folder").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	n, err := store.CreateNode(ctx, "/content", "nt:folder")
	require.NoError(t, err)
	assert.Equal(t, "content", n.Name)
	_, ok := canonicalIdentifier(n.Identifier)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreCreateNodeUnderLeafType(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockStore(t)

	mock.ExpectQuery(`^SELECT .* FROM "nodes" WHERE path = \$1$`).
		WithArgs("/file/jcr:content").
		WillReturnRows(pgxmock.NewRows(nodeColumns).
			AddRow("/file/jcr:content", "jcr:content", "0190b6a4-0000-7000-8000-000000000002", "nt:resource", []string{}))

	_, err := store.CreateNode(ctx, "/file/jcr:content/x", "nt:unstructured")
	assert.True(t, nodes.IsConstraintViolation(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreSetPropertyCardinality(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockStore(t)

	mock.ExpectQuery(`^SELECT type, multi, vals FROM "node_properties" WHERE node_path = \$1 AND name = \$2$`).
		WithArgs("/p", "tags").
		WillReturnRows(pgxmock.NewRows([]string{"type", "multi", "vals"}).
			AddRow(int16(nodes.TypeString), true, []string{"a", "b"}))

	err := store.SetProperty(ctx, "/p", nodes.NewProperty("tags", nodes.String("c")))
	assert.True(t, nodes.IsCardinalityMismatch(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreSetProperty(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockStore(t)

	mock.ExpectQuery(`^SELECT type, multi, vals FROM "node_properties"`).
		WithArgs("/p", "sizes").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`^SELECT .* FROM "nodes" WHERE path = \$1$`).
		WithArgs("/p").
		WillReturnRows(pgxmock.NewRows(nodeColumns).
			AddRow("/p", "p", "0190b6a4-0000-7000-8000-000000000003", "nt:unstructured", []string{}))
	mock.ExpectExec(`^INSERT INTO "node_properties" \(node_path, name, type, multi, vals\)`).
		WithArgs("/p", "sizes", int16(nodes.TypeLong), true, []string{"1", "2"}).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	prop := nodes.NewMultiProperty("sizes", nodes.TypeLong, nodes.LongValue(1), nodes.LongValue(2))
	require.NoError(t, store.SetProperty(ctx, "/p", prop))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreProperties(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockStore(t)

	mock.ExpectQuery(`^SELECT .* FROM "nodes" WHERE path = \$1$`).
		WithArgs("/p").
		WillReturnRows(pgxmock.NewRows(nodeColumns).
			AddRow("/p", "p", "0190b6a4-0000-7000-8000-000000000003", "nt:unstructured", []string{nodes.MixReferenceable}))
	mock.ExpectQuery(`^SELECT name, type, multi, vals FROM "node_properties" WHERE node_path = \$1 ORDER BY name$`).
		WithArgs("/p").
		WillReturnRows(pgxmock.NewRows([]string{"name", "type", "multi", "vals"}).
			AddRow("count", int16(nodes.TypeLong), false, []string{"42"}).
			AddRow("when", int16(nodes.TypeDate), false, []string{"2024-01-02T03:04:05.006+01:00"}))

	props, err := store.Properties(ctx, "/p")
	require.NoError(t, err)
	require.Len(t, props, 5)
	assert.Equal(t, nodes.PrimaryTypeKey, props[0].Name)
	assert.Equal(t, nodes.MixinTypesKey, props[1].Name)
	assert.Equal(t, nodes.UUIDKey, props[2].Name)
	assert.Equal(t, nodes.LongValue(42), props[3].Value())
	_, offset := props[4].Value().(nodes.DateValue).T.Zone()
	assert.Equal(t, 3600, offset)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreRemoveNode(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`DELETE FROM "nodes" WHERE path = $1 OR path LIKE $2 ESCAPE '\' RETURNING identifier::text`)).
		WithArgs("/a_b", `/a\_b/%`).
		WillReturnRows(pgxmock.NewRows([]string{"identifier"}).AddRow("id-1").AddRow("id-2"))
	mock.ExpectExec(`^DELETE FROM "node_binaries" WHERE starts_with\(key, \$1\)$`).
		WithArgs("id-1/").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(`^DELETE FROM "node_binaries" WHERE starts_with\(key, \$1\)$`).
		WithArgs("id-2/").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, store.RemoveNode(ctx, "/a_b"))
	assert.True(t, nodes.IsConstraintViolation(store.RemoveNode(ctx, "/")))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreWithTxCommitsAndRollsBack(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`^UPDATE "nodes" SET mixin_types = array_append`).
		WithArgs("/m", "mix:title").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	err := store.WithTx(ctx, func(tx nodes.Store) error {
		return tx.AddMixin(ctx, "/m", "mix:title")
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreWithTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`^UPDATE "nodes" SET mixin_types = array_remove`).
		WithArgs("/gone", "mix:title").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := store.WithTx(ctx, func(tx nodes.Store) error {
		return tx.RemoveMixin(ctx, "/gone", "mix:title")
	})
	assert.True(t, nodes.IsNotFound(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreEnsureSchema(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockStore(t)

	mock.ExpectExec(`^CREATE TABLE IF NOT EXISTS "nodes"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`^CREATE INDEX IF NOT EXISTS "nodes_parent_idx"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`^CREATE TABLE IF NOT EXISTS "node_properties"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`^CREATE TABLE IF NOT EXISTS "node_binaries"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`^INSERT INTO "nodes"`).
		WithArgs(pgxmock.AnyArg(), rootPrimaryType).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.EnsureSchema(ctx))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBinaryStoreOpenMissing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`^SELECT content FROM "node_binaries" WHERE key = \$1$`).
		WithArgs("k").
		WillReturnError(pgx.ErrNoRows)

	_, err = NewPostgresBinaryStore(mock, "node_binaries").Open(context.Background(), "k")
	assert.True(t, nodes.IsNotFound(err))
	require.NoError(t, mock.ExpectationsWereMet())
}
