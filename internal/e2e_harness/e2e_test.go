package e2e_harness

import (
	"bytes"
	"context"
	"io"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nodes "github.com/ist-dresden/composum-nodes-sub000"
	"github.com/ist-dresden/composum-nodes-sub000/factory"
)

func TestE2ENodeTreeOnPostgresAndS3(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping E2E harness in -short mode")
	}
	ctx := context.Background()
	h := &TestHarness{}
	defer h.Stop(ctx)

	if err := h.StartPostgres(ctx); err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	if err := h.StartS3(ctx); err != nil {
		t.Fatalf("start s3: %v", err)
	}

	cfg := h.Config()
	require.NoError(t, PrepareBucket(ctx, cfg))

	backend, err := factory.NewBackend(ctx, cfg)
	require.NoError(t, err)
	defer backend.Close()
	require.NoError(t, backend.EnsureSchema(ctx))

	statuses, healthy := backend.Health(ctx)
	require.True(t, healthy, "%+v", statuses)

	result, err := SeedSite(ctx, backend, "/content/e2e")
	require.NoError(t, err)
	assert.True(t, result.Created)
	assert.Empty(t, result.Diagnostics)

	n, err := CountRows(ctx, h.PGDB, cfg.Database.TableNames.Nodes, "path", "/content/e2e")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	logo, err := backend.Store.GetProperty(ctx, "/content/e2e", "logo")
	require.NoError(t, err)
	rc, err := logo.Value().(nodes.BinaryValue).Open(ctx)
	require.NoError(t, err)
	content, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(content))

	root, err := backend.Store.GetNode(ctx, "/content/e2e")
	require.NoError(t, err)
	var buf bytes.Buffer
	rules := backend.Rules.With(nodes.WithEmbedType(true))
	require.NoError(t, backend.Codec.ExportTree(ctx, &buf, backend.Store, root, rules))

	var out map[string]any
	require.NoError(t, jsoniter.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "E2E Site", out["title"])
	assert.Equal(t, "{Date}2024-02-03T04:05:06.007+0100", out["created"])
	assert.Equal(t, "{Binary}/bin/cpm/nodes/property.bin/content/e2e?name=logo", out["logo"])
	assert.Equal(t, root.Identifier, out["jcr:uuid"])

	require.NoError(t, backend.Store.RemoveNode(ctx, "/content/e2e"))
	n, err = CountRows(ctx, h.PGDB, cfg.Database.TableNames.Properties, "node_path", "/content/e2e")
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = backend.Binaries.Open(ctx, "missing")
	assert.True(t, nodes.IsNotFound(err))
}
