package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	nodes "github.com/ist-dresden/composum-nodes-sub000"
	"github.com/ist-dresden/composum-nodes-sub000/factory"
)

type mappingFlags struct {
	scope     string
	binary    string
	embedType bool
	depth     int
	rule      string
}

// rules applies the flags that were set on top of base.
func (m *mappingFlags) rules(cmd *cobra.Command, base *nodes.MappingRules) (*nodes.MappingRules, error) {
	var opts []nodes.MappingOption
	if cmd.Flags().Changed("scope") {
		scope, ok := nodes.ParseScope(m.scope)
		if !ok {
			return nil, fmt.Errorf("unknown scope %q", m.scope)
		}
		opts = append(opts, nodes.WithScope(scope))
	}
	if cmd.Flags().Changed("binary") {
		policy, ok := nodes.ParseBinaryPolicy(m.binary)
		if !ok {
			return nil, fmt.Errorf("unknown binary policy %q", m.binary)
		}
		opts = append(opts, nodes.WithBinary(policy))
	}
	if cmd.Flags().Changed("type") {
		opts = append(opts, nodes.WithEmbedType(m.embedType))
	}
	if cmd.Flags().Changed("depth") {
		opts = append(opts, nodes.WithMaxDepth(m.depth))
	}
	if cmd.Flags().Changed("rule") {
		rule, ok := nodes.ParseChangeRule(m.rule)
		if !ok {
			return nil, fmt.Errorf("unknown change rule %q", m.rule)
		}
		opts = append(opts, nodes.WithChangeRule(rule))
	}
	return base.With(opts...), nil
}

func newExportCmd(root *rootOptions) *cobra.Command {
	m := &mappingFlags{}
	var output string
	cmd := &cobra.Command{
		Use:   "export <path>",
		Short: "Write the JSON of a node tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			backend, err := factory.NewBackend(ctx, cfg)
			if err != nil {
				return err
			}
			defer backend.Close()

			rules, err := m.rules(cmd, backend.Rules)
			if err != nil {
				return err
			}
			node, err := backend.Store.GetNode(ctx, nodes.CleanPath(args[0]))
			if err != nil {
				return err
			}

			var w io.Writer = cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create %s: %w", output, err)
				}
				defer f.Close()
				w = f
			}
			return backend.Codec.ExportTree(ctx, w, backend.Store, node, rules)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&output, "output", "o", "-", "output file, - for stdout")
	flags.StringVar(&m.scope, "scope", "value", "property scope: value, object, definition")
	flags.StringVar(&m.binary, "binary", "link", "binary policy: skip, base64, link")
	flags.BoolVar(&m.embedType, "type", false, "embed {Type} prefixes in value scope")
	flags.IntVar(&m.depth, "depth", 0, "maximum depth, 0 for unlimited")
	return cmd
}
