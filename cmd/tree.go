package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentic-research/dupe/internal/model"
	"github.com/agentic-research/dupe/internal/muri"
	"github.com/agentic-research/dupe/internal/query"
	"github.com/agentic-research/dupe/internal/store/sqlite"
	"github.com/agentic-research/dupe/internal/tree"
)

func newTreeCmd(a *app) *cobra.Command {
	var (
		root  string
		drill []string
	)
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Print the addressing tree of an entity",
		Long: `tree expands the root entity one level and every path given with
--drill, then prints one node per line. Collapsed relation hops end
with "+".`,
		Example: `  dupe tree --root dupe:part --drill dupe:part/dupe:supplier`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := a.loadModel()
			if err != nil {
				return err
			}
			b := tree.NewBuilder(m, func(tree.Meta) tree.Hollow { return tree.Hollow{} })
			n, err := b.RootFromEntity(root)
			if err != nil {
				return err
			}
			for _, uri := range drill {
				if err := b.DrillPath(n, uri); err != nil {
					return err
				}
			}
			printTree(cmd, n)
			return nil
		},
	}
	cmd.Flags().StringVar(&root, "root", "", "URN of the root entity")
	cmd.Flags().StringSliceVar(&drill, "drill", nil, "Paths to expand (repeatable)")
	_ = cmd.MarkFlagRequired("root")
	return cmd
}

func printTree[T any](cmd *cobra.Command, root *tree.Node[T]) {
	out := cmd.OutOrStdout()
	base := muri.Depth(root.URI)
	tree.TraversePreOrder(root, func(n *tree.Node[T]) {
		line := strings.Repeat("  ", muri.Depth(n.URI)-base) + muri.Basename(n.URI)
		switch {
		case n.Kind == tree.KindAttribute:
			line += " " + string(n.Attribute.Type)
		case n.Kind == tree.KindEntity && len(n.Children) == 0:
			line += " +"
		}
		fmt.Fprintln(out, line)
	})
}

func newQueryCmd(a *app) *cobra.Command {
	var (
		root   string
		paths  []string
		text   string
		where  string
		limit  int
		page   int
		output string
	)
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Compile or run a query reading the selected attributes",
		Long: `query selects attribute paths below the root entity and prints the
compiled query document. --text matches the text attributes of the root
entity, --where adds a JSON object filter on top.

With -o data the query runs against the database and the returned
objects are printed; -o index prints the selected values of every root
object keyed by id and path.`,
		Example: `  dupe query --root dupe:part --select dupe:part/./mpn --select dupe:part/dupe:supplier/./name --text R1
  dupe query --root dupe:part --select dupe:part/dupe:category/./label -o index`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := a.loadModel()
			if err != nil {
				return err
			}
			n, err := selection(m, root, paths)
			if err != nil {
				return err
			}
			if text != "" {
				for _, attr := range n.Entity.TextAttributes() {
					if leaf := tree.FindByURI(n, muri.PushAttribute(n.URI, attr.ID)); leaf != nil {
						leaf.Inner.ByText = true
					}
				}
			}
			if where != "" {
				var w map[string]any
				if err := json.Unmarshal([]byte(where), &w); err != nil {
					return fmt.Errorf("--where: %w", err)
				}
				n.Inner.Where = query.WhereMap(w)
			}
			if !cmd.Flags().Changed("limit") {
				limit = a.cfg.Query.DefaultLimit
			}

			sel := query.Selection(n)
			opts := query.Options{TextSearch: text, Page: page, Limit: limit, Params: sel}
			if output == "data" || output == "index" {
				return a.execute(cmd, m, opts, output, paths)
			}
			doc, err := query.CreateQuery(opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if output == "paths" {
				for _, uri := range tree.SelectedURIs(sel, func(n *tree.Node[*query.Params]) bool { return n.Inner.Selected }) {
					path, err := query.JSONPath(sel, uri)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "%s\t%s\n", uri, path)
				}
				return nil
			}
			fmt.Fprintln(out, doc)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&root, "root", "", "URN of the root entity")
	f.StringSliceVar(&paths, "select", nil, "Attribute paths to read (repeatable)")
	f.StringVar(&text, "text", "", "Text matched against the root text attributes")
	f.StringVar(&where, "where", "", "JSON object filter on the root entity")
	f.IntVar(&limit, "limit", query.DefaultLimit, "Page size (defaults to query.default_limit)")
	f.IntVar(&page, "page", 0, "Zero based page")
	f.StringVarP(&output, "output", "o", "query", "Output: query, paths (JSON path of every selected value), data or index (run against the database)")
	_ = cmd.MarkFlagRequired("root")
	_ = cmd.MarkFlagRequired("select")
	return cmd
}

// selection builds the tree of root expanded along paths, with the
// attribute leaves at paths selected.
func selection(m *model.Model, root string, paths []string) (*tree.Node[*query.Params], error) {
	b := tree.NewBuilder(m, query.NewParams)
	n, err := b.RootFromEntity(root)
	if err != nil {
		return nil, err
	}
	for _, uri := range paths {
		if err := b.DrillPath(n, uri); err != nil {
			return nil, err
		}
	}
	if err := query.Select(n, paths...); err != nil {
		return nil, err
	}
	return n, nil
}

// execute runs opts against the database and prints the returned objects,
// or their values at paths.
func (a *app) execute(cmd *cobra.Command, m *model.Model, opts query.Options, output string, paths []string) error {
	ctx := cmd.Context()
	db, err := sqlite.Open(ctx, a.cfg.Database)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	resp, err := query.Execute(ctx, db, m, opts)
	if err != nil {
		return err
	}
	a.logger.Debug("query executed",
		zap.String("root", opts.Params.URI),
		zap.Int("objects", len(resp.Data[model.TableName(opts.Params.Entity)].([]any))))
	if output == "data" {
		return writeJSON(cmd, resp.Data)
	}
	index, err := resp.IndexByURIs(paths)
	if err != nil {
		return err
	}
	return writeJSON(cmd, index)
}
