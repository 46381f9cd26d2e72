package ddl

import (
	"context"
	"fmt"

	sitter "github.com/smacker/go-tree-sitter"
	sqllang "github.com/smacker/go-tree-sitter/sql"
)

// Finding locates a syntax problem inside one statement.
type Finding struct {
	Statement int    // index into the linted statements
	Line      uint32 // 0-indexed
	Column    uint32 // 0-indexed
	Message   string
}

func (f Finding) String() string {
	return fmt.Sprintf("statement %d:%d:%d: %s", f.Statement, f.Line+1, f.Column+1, f.Message)
}

// Lint parses every statement with the tree-sitter SQL grammar and reports
// the ERROR and MISSING nodes it finds. The grammar is not SQLite's own
// parser, so findings are warnings rather than failures.
func Lint(ctx context.Context, stmts []string) ([]Finding, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(sqllang.GetLanguage())

	var out []Finding
	for i, stmt := range stmts {
		tree, err := parser.ParseCtx(ctx, nil, []byte(stmt))
		if err != nil {
			return nil, fmt.Errorf("parse statement %d: %w", i, err)
		}
		root := tree.RootNode()
		if root == nil {
			return nil, fmt.Errorf("tree-sitter returned nil root for statement %d", i)
		}
		if !root.HasError() {
			continue
		}
		before := len(out)
		collectErrors(root, i, &out)
		if len(out) == before {
			out = append(out, Finding{Statement: i, Message: "AST contains errors"})
		}
	}
	return out, nil
}

// collectErrors gathers ERROR and MISSING nodes without descending into them.
func collectErrors(node *sitter.Node, stmt int, out *[]Finding) {
	if node.IsError() || node.IsMissing() {
		msg := "syntax error"
		if node.IsMissing() {
			msg = "missing " + node.Type()
		}
		*out = append(*out, Finding{
			Statement: stmt,
			Line:      uint32(node.StartPoint().Row),
			Column:    uint32(node.StartPoint().Column),
			Message:   msg,
		})
		return
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		if child.HasError() || child.IsError() || child.IsMissing() {
			collectErrors(child, stmt, out)
		}
	}
}
