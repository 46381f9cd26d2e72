package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentic-research/dupe/internal/assoc"
	"github.com/agentic-research/dupe/internal/ddl"
	"github.com/agentic-research/dupe/internal/model"
	"github.com/agentic-research/dupe/internal/store/sqlite"
)

func newDDLCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ddl",
		Short: "Print the SQL schema generated from the model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := a.loadModel()
			if err != nil {
				return err
			}
			stmts := ddl.Generate(m)
			a.lint(cmd, stmts)
			out := cmd.OutOrStdout()
			for _, stmt := range stmts {
				fmt.Fprintln(out, stmt)
			}
			return nil
		},
	}
}

// lint logs syntax findings. They are warnings; SQLite has the last word.
func (a *app) lint(cmd *cobra.Command, stmts []string) {
	findings, err := ddl.Lint(cmd.Context(), stmts)
	if err != nil {
		a.logger.Warn("ddl lint unavailable", zap.Error(err))
		return
	}
	for _, f := range findings {
		a.logger.Warn("ddl lint", zap.String("finding", f.String()))
	}
}

func newInitDBCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init-db",
		Short: "Create the SQLite database of the model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			m, err := a.loadModel()
			if err != nil {
				return err
			}
			stmts := ddl.Generate(m)
			a.lint(cmd, stmts)

			db, err := sqlite.Open(ctx, a.cfg.Database)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			tx, err := db.DB().BeginTx(ctx, nil)
			if err != nil {
				return fmt.Errorf("begin: %w", err)
			}
			for _, stmt := range stmts {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					_ = tx.Rollback()
					return fmt.Errorf("apply %q: %w", stmt, err)
				}
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("commit: %w", err)
			}
			if err := db.Refresh(ctx); err != nil {
				return err
			}
			a.logger.Info("database created",
				zap.String("database", a.cfg.Database),
				zap.Strings("tables", db.Catalog().Names()))
			fmt.Fprintf(cmd.OutOrStdout(), "Created %d tables in %s\n", len(db.Catalog().Names()), a.cfg.Database)
			return nil
		},
	}
}

func newInferCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "infer",
		Short: "Print the associations inferred from the database tables",
		Long: `infer reads the tables and foreign keys of the database and prints the
associations between them as JSON. When the model file exists its names
are used to singularize tables and to recognize link tables; otherwise
English inflection and column heuristics are used.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			m, err := a.optionalModel()
			if err != nil {
				return err
			}
			db, err := sqlite.Open(ctx, a.cfg.Database)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			var (
				inflector model.Inflector = model.EnglishInflector{}
				isJoin                    = assoc.LooksLikeJoin
			)
			if m != nil {
				inflector, isJoin = m, assoc.ModelJoinPredicate(m)
			}
			associations, err := assoc.InferAll(db.Catalog().Tables(), inflector, isJoin, a.logger)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(associations)
		},
	}
}
