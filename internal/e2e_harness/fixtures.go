package e2e_harness

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	nodes "github.com/ist-dresden/composum-nodes-sub000"
	"github.com/ist-dresden/composum-nodes-sub000/factory"
)

// SiteDocument is a small content tree using every value form the codec reads.
const SiteDocument = `{
  "jcr:primaryType": "nt:folder",
  "jcr:mixinTypes": ["mix:referenceable"],
  "title": "E2E Site",
  "tags": ["one", "two"],
  "created": "{Date}2024-02-03T04:05:06.007+0100",
  "logo": "{Binary}aGVsbG8gd29ybGQ=",
  "home": {
    "jcr:primaryType": "nt:unstructured",
    "sling:resourceType": "site/home",
    "weight": 1.5
  },
  "about": {
    "visits": 3
  },
  "_child_order_": ["about", "home"]
}`

// SeedSite imports SiteDocument at path inside one transaction.
func SeedSite(ctx context.Context, backend *factory.Backend, path string) (*nodes.ImportResult, error) {
	rules := backend.Rules.With(nodes.WithBinary(nodes.BinaryBase64))
	var result *nodes.ImportResult
	err := nodes.RunInTx(ctx, backend.Store, func(tx nodes.Store) error {
		var err error
		result, err = backend.Codec.ImportTree(ctx, strings.NewReader(SiteDocument), tx, path, rules)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("seed site: %w", err)
	}
	return result, nil
}

// CountRows counts the rows of table whose path column starts with prefix,
// read through database/sql rather than the store under test.
func CountRows(ctx context.Context, db *sql.DB, table, column, prefix string) (int, error) {
	var n int
	query := fmt.Sprintf(`SELECT count(*) FROM %q WHERE starts_with(%s, $1)`, table, column)
	if err := db.QueryRowContext(ctx, query, prefix).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// PrepareBucket creates the bucket of cfg.Binary.
func PrepareBucket(ctx context.Context, cfg *nodes.Config) error {
	client, err := factory.NewS3Client(ctx, cfg.Binary)
	if err != nil {
		return err
	}
	return factory.EnsureBucket(ctx, client, cfg.Binary.Bucket)
}
