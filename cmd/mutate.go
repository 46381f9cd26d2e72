package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentic-research/dupe/api"
	"github.com/agentic-research/dupe/internal/bulk"
	"github.com/agentic-research/dupe/internal/events"
	"github.com/agentic-research/dupe/internal/model"
	"github.com/agentic-research/dupe/internal/query"
	"github.com/agentic-research/dupe/internal/store"
)

// mutationFlags are shared by every command writing to the database.
type mutationFlags struct {
	entity     string
	headers    map[string]string
	dryRun     bool
	introspect bool
}

func (f *mutationFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVarP(&f.entity, "entity", "e", "", "URN of the entity to write")
	fl.StringToStringVarP(&f.headers, "header", "H", nil, "Request header as key=value (repeatable)")
	fl.BoolVar(&f.dryRun, "dry-run", false, "Print the mutation document instead of writing")
	fl.BoolVar(&f.introspect, "introspect", false, "Derive associations from the database instead of the model")
	_ = cmd.MarkFlagRequired("entity")
}

// request attaches the acting user and the copied headers to ctx.
func (a *app) request(ctx context.Context, headers map[string]string) context.Context {
	user := events.UserFromToken(headers[a.cfg.Auth.JWTHeader], a.cfg.Auth.UserClaim)
	return events.WithRequest(ctx, user, headers, a.cfg.Events.CopyHeaders)
}

// entity resolves the --entity flag for dry runs.
func (a *app) entity(urn string) (*model.EntitySpec, error) {
	m, err := a.loadModel()
	if err != nil {
		return nil, err
	}
	e, ok := m.FindEntityByURN(urn)
	if !ok {
		return nil, fmt.Errorf("entity %s not found in model", urn)
	}
	return e, nil
}

// run opens a session for the command and executes fn with the request
// context.
func (a *app) run(cmd *cobra.Command, f *mutationFlags, fn func(ctx context.Context, s *session, table string) error) error {
	ctx := a.request(cmd.Context(), f.headers)
	s, err := a.openSession(ctx, f.introspect)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	table, err := s.table(f.entity)
	if err != nil {
		return err
	}
	return fn(ctx, s, table)
}

func readInput(cmd *cobra.Command, path string, v any) error {
	var r io.Reader = cmd.InOrStdin()
	if path != "-" {
		fh, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer func() { _ = fh.Close() }()
		r = fh
	}
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("decode input %s: %w", path, err)
	}
	return nil
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func rowMaps(rows []store.Row) []map[string]any {
	out := make([]map[string]any, len(rows))
	for i, r := range rows {
		out[i] = r
	}
	return out
}

func newMutationCmds(a *app) []*cobra.Command {
	return []*cobra.Command{
		newCreateCmd(a),
		newUpdateCmd(a),
		newDeleteCmd(a),
		newLinkCmd(a, "link"),
		newLinkCmd(a, "unlink"),
	}
}

func newCreateCmd(a *app) *cobra.Command {
	var (
		f     mutationFlags
		input string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create rows with their nested references",
		Long: `create reads a JSON array of rows and inserts them. Nested objects
reference existing rows by unique values, nested lists set many-to-many
links or create dependent rows. The created rows are printed; after a
partial commit they are printed before the error.`,
		Example: `  dupe create -e dupe:part --input parts.json -H x-request-id=42`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var rows []store.Row
			if err := readInput(cmd, input, &rows); err != nil {
				return err
			}
			if f.dryRun {
				e, err := a.entity(f.entity)
				if err != nil {
					return err
				}
				doc, err := query.CreateText(e, rowMaps(rows)...)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), doc)
				return nil
			}
			return a.run(cmd, &f, func(ctx context.Context, s *session, table string) error {
				created, err := s.engine.BulkCreate(ctx, table, rows)
				if len(created) > 0 {
					if werr := writeJSON(cmd, created); werr != nil {
						a.logger.Warn("write output", zap.Error(werr))
					}
				}
				return err
			})
		},
	}
	f.register(cmd)
	cmd.Flags().StringVarP(&input, "input", "i", "-", "JSON file of rows, - for stdin")
	return cmd
}

func newUpdateCmd(a *app) *cobra.Command {
	var (
		f     mutationFlags
		input string
	)
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update rows found by unique values",
		Long: `update reads a JSON array of changes {"input": {...}, "lock": {...}}.
Each input names its row by a unique value. When lock is set, every
locked field must still hold the given value or nothing is written.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var changes []bulk.Change
			if err := readInput(cmd, input, &changes); err != nil {
				return err
			}
			if f.dryRun {
				e, err := a.entity(f.entity)
				if err != nil {
					return err
				}
				rows := make([]map[string]any, len(changes))
				for i, c := range changes {
					rows[i] = c.Input
				}
				doc, err := query.UpdateText(e, rows...)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), doc)
				return nil
			}
			return a.run(cmd, &f, func(ctx context.Context, s *session, table string) error {
				updated, err := s.engine.BulkUpdate(ctx, table, changes)
				if err != nil {
					return err
				}
				return writeJSON(cmd, updated)
			})
		},
	}
	f.register(cmd)
	cmd.Flags().StringVarP(&input, "input", "i", "-", "JSON file of changes, - for stdin")
	return cmd
}

func newDeleteCmd(a *app) *cobra.Command {
	var (
		f     mutationFlags
		where string
	)
	cmd := &cobra.Command{
		Use:     "delete",
		Short:   "Delete the row matching unique values",
		Example: `  dupe delete -e dupe:part --where '{"mpn": "R1"}'`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var w store.Row
			if err := json.Unmarshal([]byte(where), &w); err != nil {
				return fmt.Errorf("--where: %w", err)
			}
			if f.dryRun {
				e, err := a.entity(f.entity)
				if err != nil {
					return err
				}
				id, ok := w[api.IDField]
				if !ok {
					return fmt.Errorf("--where: dry run needs %s", api.IDField)
				}
				doc, err := query.DeleteText(e, id)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), doc)
				return nil
			}
			return a.run(cmd, &f, func(ctx context.Context, s *session, table string) error {
				deleted, err := s.engine.Delete(ctx, table, w)
				if err != nil {
					return err
				}
				return writeJSON(cmd, deleted)
			})
		},
	}
	f.register(cmd)
	cmd.Flags().StringVarP(&where, "where", "w", "", "JSON object of unique values")
	_ = cmd.MarkFlagRequired("where")
	return cmd
}

func newLinkCmd(a *app, op string) *cobra.Command {
	var (
		f       mutationFlags
		related string
		args    string
	)
	short := "Add a many-to-many link between two rows"
	if op == "unlink" {
		short = "Remove a many-to-many link between two rows"
	}
	cmd := &cobra.Command{
		Use:   op,
		Short: short,
		Long: `The ids are read from --args: the primary key of the entity under its
own name, the related id under the related primary key, prefixed with the
related singular when both keys share a name.`,
		Example: fmt.Sprintf(`  dupe %s -e dupe:part --related dupe:category --args '{"id": 1, "category_id": 2}'`, op),
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var values store.Row
			if err := json.Unmarshal([]byte(args), &values); err != nil {
				return fmt.Errorf("--args: %w", err)
			}
			m, err := a.loadModel()
			if err != nil {
				return err
			}
			e, ok := m.FindEntityByURN(f.entity)
			if !ok {
				return fmt.Errorf("entity %s not found in model", f.entity)
			}
			re, ok := m.FindEntityByURN(related)
			if !ok {
				return fmt.Errorf("entity %s not found in model", related)
			}
			schema, err := bulk.SchemaFromModel(m)
			if err != nil {
				return err
			}
			id, relatedID, err := linkIDs(schema, model.TableName(e), model.TableName(re), values)
			if err != nil {
				return err
			}

			if f.dryRun {
				text := query.LinkText
				if op == "unlink" {
					text = query.UnlinkText
				}
				doc, err := text(e, re, id, relatedID)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), doc)
				return nil
			}
			return a.run(cmd, &f, func(ctx context.Context, s *session, table string) error {
				rtable := model.TableName(re)
				if op == "unlink" {
					err = s.engine.Unlink(ctx, table, id, rtable, relatedID)
				} else {
					err = s.engine.Link(ctx, table, id, rtable, relatedID)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s %v %s %v\n", op, table, id, rtable, relatedID)
				return nil
			})
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&related, "related", "", "URN of the related entity")
	cmd.Flags().StringVar(&args, "args", "", "JSON object holding both ids")
	_ = cmd.MarkFlagRequired("related")
	_ = cmd.MarkFlagRequired("args")
	return cmd
}

// linkIDs reads the ids of a link the way bulk.Engine.LinkIDs does, without
// an open database.
func linkIDs(schema *bulk.Schema, table, related string, args store.Row) (any, any, error) {
	return bulk.New(nil, schema).LinkIDs(table, related, args)
}
