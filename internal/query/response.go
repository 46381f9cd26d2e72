package query

import (
	"fmt"
	"strings"

	"github.com/ohler55/ojg/jp"

	"github.com/agentic-research/dupe/api"
	"github.com/agentic-research/dupe/internal/model"
	"github.com/agentic-research/dupe/internal/muri"
	"github.com/agentic-research/dupe/internal/tree"
)

// Response is the decoded data of a query compiled by CreateQuery.
type Response struct {
	// Data maps the root table name onto the returned objects.
	Data  map[string]any
	Model *model.Model
	// Params is the selection tree the query was compiled from.
	Params *tree.Node[*Params]
}

// JSONPath converts uri into the path of its value inside one root object.
// Collection hops are expanded with a wildcard.
func JSONPath[T any](root *tree.Node[T], uri string) (jp.Expr, error) {
	x, _, err := jsonPath(root, uri)
	return x, err
}

func jsonPath[T any](root *tree.Node[T], uri string) (jp.Expr, bool, error) {
	x := jp.R()
	list := false
	segs := muri.Split(uri)
	cursor := root
	for i, seg := range segs {
		if i > 0 {
			cursor = tree.FindByURI(cursor, muri.Join(cursor.URI, seg))
			if cursor == nil {
				return nil, false, fmt.Errorf("%s is not part of the selection", uri)
			}
		} else if cursor.URI != seg {
			return nil, false, fmt.Errorf("%s does not start at %s", uri, cursor.URI)
		}
		switch cursor.Kind {
		case tree.KindAttribute:
			x = x.C(seg)
		case tree.KindEntity:
			if i == 0 {
				continue
			}
			if cursor.RelationWithParent != nil && cursor.RelationWithParent.Side(cursor.Entity.URN) == model.SideOneToMany {
				x = x.C(cursor.Entity.Singular)
			} else {
				x = x.C(cursor.Entity.Plural).W()
				list = true
			}
		}
	}
	return x, list, nil
}

// IndexByURIs maps the id of every root object onto the values found at
// uris. Values reached through collections are joined with ", ".
func (r *Response) IndexByURIs(uris []string) (map[string]map[string]any, error) {
	out := make(map[string]map[string]any)
	if len(uris) == 0 || r.Data == nil {
		return out, nil
	}
	rootURN := muri.Split(uris[0])[0]
	e, ok := r.Model.FindEntityByURN(rootURN)
	if !ok {
		return nil, fmt.Errorf("root entity %s not found", rootURN)
	}
	objects, _ := r.Data[e.Plural].([]any)

	paths := make(map[string]jp.Expr, len(uris))
	lists := make(map[string]bool, len(uris))
	for _, uri := range uris {
		x, list, err := jsonPath(r.Params, uri)
		if err != nil {
			return nil, err
		}
		paths[uri] = x
		lists[uri] = list
	}

	for _, obj := range objects {
		m, ok := obj.(map[string]any)
		if !ok {
			continue
		}
		byURI := make(map[string]any, len(uris))
		for _, uri := range uris {
			byURI[uri] = pick(paths[uri].Get(m), lists[uri])
		}
		out[fmt.Sprint(m[api.IDField])] = byURI
	}
	return out, nil
}

func pick(found []any, list bool) any {
	if !list {
		if len(found) == 0 {
			return nil
		}
		return found[0]
	}
	parts := make([]string, 0, len(found))
	for _, v := range found {
		if v == nil {
			continue
		}
		parts = append(parts, valueString(v))
	}
	return strings.Join(parts, ", ")
}

func valueString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return valueText(v)
}
