package query

import (
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"

	"github.com/agentic-research/dupe/api"
	"github.com/agentic-research/dupe/internal/model"
)

// CheckQuery parses doc as a query document.
func CheckQuery(doc string) error {
	_, err := parser.ParseQuery(&ast.Source{Name: "query", Input: doc})
	if err != nil {
		return err
	}
	return nil
}

func mutation(verb string, args []string, output ...string) (string, error) {
	doc := fieldSet("mutation", fieldSet(call(verb, args...), fields(output...)))
	if err := CheckQuery(doc); err != nil {
		return "", fmt.Errorf("compiled %s: %w", verb, err)
	}
	return doc, nil
}

func inputArg(rows []map[string]any) string {
	objs := make([]string, 0, len(rows))
	for _, r := range rows {
		objs = append(objs, braced(ObjectIntoNamedFields(r)))
	}
	return named("input", "[ "+fields(objs...)+" ]")
}

// CreateText renders a bulk create of rows returning their ids.
func CreateText(e *model.EntitySpec, rows ...map[string]any) (string, error) {
	return mutation("bulkCreate"+model.TypeName(e), []string{inputArg(rows)}, api.IDField)
}

// UpdateText renders a bulk update of rows returning their ids.
func UpdateText(e *model.EntitySpec, rows ...map[string]any) (string, error) {
	return mutation("bulkUpdate"+model.TypeName(e), []string{inputArg(rows)}, api.IDField)
}

// DeleteText renders the deletion of the row with id.
func DeleteText(e *model.EntitySpec, id any) (string, error) {
	return mutation("delete"+model.TypeName(e), []string{named(api.IDField, valueText(id))}, "success")
}

// LinkText renders the addition of a ManyToMany link between two rows.
func LinkText(e, related *model.EntitySpec, id, relatedID any) (string, error) {
	return linkText("add", e, related, id, relatedID)
}

// UnlinkText renders the removal of a ManyToMany link between two rows.
func UnlinkText(e, related *model.EntitySpec, id, relatedID any) (string, error) {
	return linkText("remove", e, related, id, relatedID)
}

func linkText(verb string, e, related *model.EntitySpec, id, relatedID any) (string, error) {
	name := verb + model.PascalCase(related.Singular) + "To" + model.TypeName(e)
	if verb == "remove" {
		name = verb + model.PascalCase(related.Singular) + "From" + model.TypeName(e)
	}
	args := []string{
		named(model.ForeignKeyName(e), valueText(id)),
		named(model.ForeignKeyName(related), valueText(relatedID)),
	}
	return mutation(name, args, "success")
}
