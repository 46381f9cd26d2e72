// Package assoc infers associations between tables from their column and
// foreign key metadata.
package assoc

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/agentic-research/dupe/internal/model"
)

// Kind of an association, read from the From table.
type Kind int

const (
	// DirectReference: From holds a foreign key to To (belongs to).
	DirectReference Kind = iota
	// ReverseReference: To holds a foreign key to From (has many).
	ReverseReference
	// ManyToManyBothSides: From and To are linked through a join table.
	ManyToManyBothSides
)

func (k Kind) String() string {
	switch k {
	case DirectReference:
		return "belongsTo"
	case ReverseReference:
		return "hasMany"
	case ManyToManyBothSides:
		return "belongsToMany"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// MarshalText renders the kind by name.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Names are the accessor display names of an association target.
type Names struct {
	Singular string `json:"singular"`
	Plural   string `json:"plural"`
}

// Association from one table to another.
type Association struct {
	From string `json:"from"`
	To   string `json:"to"`
	Kind Kind   `json:"type"`
	// ForeignKey is the column holding the reference. For join tables it is
	// the column pointing at From.
	ForeignKey string `json:"foreign_key"`
	// OtherKey is the join table column pointing at To.
	OtherKey string `json:"other_key,omitempty"`
	Through  string `json:"through,omitempty"`
	As       Names  `json:"as"`
}

// ErrAmbiguousJoin is returned when the columns of a join table without
// foreign keys cannot be told apart.
var ErrAmbiguousJoin = errors.New("ambiguous join table")

var fkSuffix = regexp.MustCompile(`(_id|Id)$`)

// Inferrer runs the inference over a set of tables.
type Inferrer struct {
	Inflector model.Inflector
	// IsJoin overrides the join table heuristic.
	IsJoin func(Table) bool
	Logger *zap.Logger

	known map[string]bool
}

func (inf *Inferrer) inflector() model.Inflector {
	if inf.Inflector == nil {
		return model.EnglishInflector{}
	}
	return inf.Inflector
}

func (inf *Inferrer) logger() *zap.Logger {
	if inf.Logger == nil {
		return zap.NewNop()
	}
	return inf.Logger
}

func (inf *Inferrer) names(table string) Names {
	in := inf.inflector()
	return Names{
		Singular: model.PascalCase(in.Singular(table)),
		Plural:   model.PascalCase(in.Plural(table)),
	}
}

// LooksLikeJoin is the join table heuristic: no primary key and at least two
// foreign key like columns.
func LooksLikeJoin(t Table) bool {
	if t.PrimaryKey() != "" {
		return false
	}
	refs := make(map[string]bool)
	for _, fk := range t.ForeignKeys {
		refs[fk.From] = true
	}
	for _, c := range t.Columns {
		if fkSuffix.MatchString(c.Name) {
			refs[c.Name] = true
		}
	}
	return len(refs) >= 2
}

// InferAll infers the associations of every table. isJoin may be nil, in
// which case LooksLikeJoin decides.
func InferAll(tables []Table, inflector model.Inflector, isJoin func(Table) bool, logger *zap.Logger) ([]Association, error) {
	inf := &Inferrer{Inflector: inflector, IsJoin: isJoin, Logger: logger}
	return inf.Infer(tables)
}

// Infer runs the inference over tables in order.
func (inf *Inferrer) Infer(tables []Table) ([]Association, error) {
	inf.known = make(map[string]bool, len(tables))
	for _, t := range tables {
		inf.known[t.Name] = true
	}
	isJoin := inf.IsJoin
	if isJoin == nil {
		isJoin = LooksLikeJoin
	}

	var out []Association
	for _, t := range tables {
		if isJoin(t) {
			as, err := inf.JoinTable(t)
			if err != nil {
				return nil, fmt.Errorf("join table %s: %w", t.Name, err)
			}
			out = append(out, as...)
			continue
		}
		out = append(out, inf.Table(t)...)
	}
	return out, nil
}

func (inf *Inferrer) joinPair(a, b, aKey, bKey, through string) []Association {
	return []Association{
		{From: a, To: b, Kind: ManyToManyBothSides, ForeignKey: aKey, OtherKey: bKey, Through: through, As: inf.names(b)},
		{From: b, To: a, Kind: ManyToManyBothSides, ForeignKey: bKey, OtherKey: aKey, Through: through, As: inf.names(a)},
	}
}

// JoinTable infers the two ManyToMany associations a join table carries.
func (inf *Inferrer) JoinTable(t Table) ([]Association, error) {
	if len(t.ForeignKeys) >= 2 {
		a, b := t.ForeignKeys[0], t.ForeignKeys[1]
		return inf.joinPair(a.Table, b.Table, a.From, b.From, t.Name), nil
	}

	in := inf.inflector()
	a, b := inf.splitJoinName(t.Name)
	if a == "" || b == "" {
		return nil, fmt.Errorf("%w: %s does not name two tables", ErrAmbiguousJoin, t.Name)
	}
	aKey := prefixedColumn(t, in.Singular(a))
	bKey := prefixedColumn(t, in.Singular(b))
	if aKey == "" || bKey == "" || aKey == bKey {
		return nil, fmt.Errorf("%w: cannot locate columns for %s and %s", ErrAmbiguousJoin, a, b)
	}
	return inf.joinPair(a, b, aKey, bKey, t.Name), nil
}

// splitJoinName picks the first split of name on '_' whose halves both name
// known tables once pluralized, falling back to the first '_'.
func (inf *Inferrer) splitJoinName(name string) (string, string) {
	in := inf.inflector()
	first := strings.Index(name, "_")
	if first < 0 {
		return "", ""
	}
	for i := first; i >= 0 && i < len(name); {
		a, b := in.Plural(name[:i]), in.Plural(name[i+1:])
		if inf.known[a] && inf.known[b] {
			return a, b
		}
		next := strings.Index(name[i+1:], "_")
		if next < 0 {
			break
		}
		i += next + 1
	}
	return in.Plural(name[:first]), in.Plural(name[first+1:])
}

func prefixedColumn(t Table, prefix string) string {
	for _, c := range t.Columns {
		if strings.HasPrefix(c.Name, prefix) {
			return c.Name
		}
	}
	return ""
}

// Table infers the associations of a table that is not a join table. Each
// declared foreign key yields a has many and a belongs to association on the
// same column. Remaining columns ending in _id or Id are paired with the
// pluralized stem when such a table is known.
func (inf *Inferrer) Table(t Table) []Association {
	in := inf.inflector()
	var out []Association
	consumed := make(map[string]bool, len(t.ForeignKeys))
	for _, fk := range t.ForeignKeys {
		consumed[fk.From] = true
		out = append(out,
			Association{From: fk.Table, To: t.Name, Kind: ReverseReference, ForeignKey: fk.From, As: inf.names(t.Name)},
			Association{From: t.Name, To: fk.Table, Kind: DirectReference, ForeignKey: fk.From, As: inf.names(fk.Table)},
		)
	}

	for _, c := range t.Columns {
		if c.PrimaryKey || consumed[c.Name] || !fkSuffix.MatchString(c.Name) {
			continue
		}
		stem := fkSuffix.ReplaceAllString(c.Name, "")
		target := in.Plural(stem)
		if inf.known != nil && !inf.known[target] {
			inf.logger().Debug("skip implicit foreign key",
				zap.String("table", t.Name),
				zap.String("column", c.Name),
				zap.String("target", target))
			continue
		}
		out = append(out,
			Association{From: target, To: t.Name, Kind: ReverseReference, ForeignKey: c.Name, As: inf.names(t.Name)},
			Association{From: t.Name, To: target, Kind: DirectReference, ForeignKey: c.Name, As: inf.names(target)},
		)
	}
	return out
}

// ModelJoinPredicate uses the join tables a model declares.
func ModelJoinPredicate(m *model.Model) func(Table) bool {
	return func(t Table) bool { return m.IsRelationTable(t.Name) }
}
