package main

import (
	"fmt"
	"io"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	nodes "github.com/ist-dresden/composum-nodes-sub000"
	"github.com/ist-dresden/composum-nodes-sub000/factory"
)

func newImportCmd(root *rootOptions) *cobra.Command {
	m := &mappingFlags{}
	cmd := &cobra.Command{
		Use:   "import <path> [file]",
		Short: "Create or update a node tree from JSON read from file or stdin",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			var r io.Reader = cmd.InOrStdin()
			if len(args) == 2 && args[1] != "-" {
				f, err := os.Open(args[1])
				if err != nil {
					return fmt.Errorf("open %s: %w", args[1], err)
				}
				defer f.Close()
				r = f
			}

			backend, err := factory.NewBackend(ctx, cfg)
			if err != nil {
				return err
			}
			defer backend.Close()
			if err := backend.EnsureSchema(ctx); err != nil {
				return err
			}

			rules, err := m.rules(cmd, backend.Rules)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("binary") {
				rules = rules.With(nodes.WithBinary(nodes.BinaryBase64))
			}
			var result *nodes.ImportResult
			err = nodes.RunInTx(ctx, backend.Store, func(tx nodes.Store) error {
				var err error
				result, err = backend.Codec.ImportTree(ctx, r, tx, args[0], rules)
				return err
			})
			if err != nil {
				return err
			}

			for _, d := range result.Diagnostics {
				zap.S().Warnw("skipped", "path", d.Path, "property", d.Property, "kind", d.Kind, "message", d.Message)
			}
			enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&m.rule, "rule", "overwrite", "change rule: overwrite, update, extend")
	flags.StringVar(&m.binary, "binary", "base64", "binary policy: skip, base64, link")
	return cmd
}
