package api

// Field names shared by every stored row.
const (
	IDField        = "id"
	CreatedAtField = "created_at"
	UpdatedAtField = "updated_at"
	RevField       = "rev"
)

// Visibility scopes who can see a spec.
type Visibility string

const (
	VisibilityGlobal Visibility = "Global"
	VisibilityTenant Visibility = "Tenant"
	VisibilityUser   Visibility = "User"
)

// Cardinality of a relation.
type Cardinality string

const (
	OneToMany  Cardinality = "OneToMany"
	ManyToMany Cardinality = "ManyToMany"
)

// AttributeType is the storage type of an attribute.
type AttributeType string

const (
	TypeString    AttributeType = "string"
	TypeInteger   AttributeType = "integer"
	TypeReal      AttributeType = "real"
	TypeBool      AttributeType = "bool"
	TypeTimestamp AttributeType = "timestamp"
)

// Valid reports whether t is a known attribute type.
func (t AttributeType) Valid() bool {
	switch t {
	case TypeString, TypeInteger, TypeReal, TypeBool, TypeTimestamp:
		return true
	}
	return false
}

// Model is the root payload describing a tenant schema.
type Model struct {
	ID int64 `json:"id" yaml:"id"`
	// Rev is bumped on every schema change.
	Rev    int64  `json:"rev" yaml:"rev"`
	Tenant string `json:"tenant" yaml:"tenant"`
	// Entities in declaration order.
	Entities []Entity `json:"entities" yaml:"entities"`
	// Relations in declaration order.
	Relations []Relation `json:"relations" yaml:"relations"`
}

// Attribute is a typed field of an entity or relation.
type Attribute struct {
	ID          string        `json:"id" yaml:"id"`
	Name        string        `json:"name" yaml:"name"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool          `json:"required,omitempty" yaml:"required,omitempty"`
	Unique      bool          `json:"unique,omitempty" yaml:"unique,omitempty"`
	Type        AttributeType `json:"type" yaml:"type"`
}

// Spec holds the fields common to entities and relations.
type Spec struct {
	ID          int64       `json:"id" yaml:"id"`
	URN         string      `json:"urn" yaml:"urn"`
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description" yaml:"description"`
	Attributes  []Attribute `json:"attributes" yaml:"attributes"`
	Visibility  Visibility  `json:"visibility" yaml:"visibility"`
	// Schema is an optional JSON schema overriding the one derived from
	// Attributes.
	Schema map[string]any `json:"schema,omitempty" yaml:"schema,omitempty"`
}

// UniqueConstraint declares a composite unique key over attributes and
// the foreign keys of relations.
type UniqueConstraint struct {
	Attributes []string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	Relations  []string `json:"relations,omitempty" yaml:"relations,omitempty"`
}

// Entity describes one table of the tenant schema.
type Entity struct {
	Spec `yaml:",inline"`
	// Singular display name; also the urn basename.
	Singular string `json:"singular" yaml:"singular"`
	// Plural display name; also the table name.
	Plural            string             `json:"plural" yaml:"plural"`
	UniqueConstraints []UniqueConstraint `json:"unique_constraints,omitempty" yaml:"unique_constraints,omitempty"`
}

// Relation links an origin entity to a destination entity.
type Relation struct {
	Spec        `yaml:",inline"`
	Origin      string      `json:"origin" yaml:"origin"`
	Destination string      `json:"destination" yaml:"destination"`
	Cardinality Cardinality `json:"cardinality" yaml:"cardinality"`
}

// CommonAttributes are implicitly present on every entity.
var CommonAttributes = []Attribute{
	{ID: IDField, Name: "ID", Description: "Database unique identifier", Required: true, Unique: true, Type: TypeInteger},
	{ID: CreatedAtField, Name: "Created At", Description: "Database creation timestamp", Type: TypeTimestamp},
	{ID: UpdatedAtField, Name: "Updated At", Description: "Database update timestamp", Type: TypeTimestamp},
}

// IsCommonAttribute reports whether id names one of CommonAttributes.
func IsCommonAttribute(id string) bool {
	return id == IDField || id == CreatedAtField || id == UpdatedAtField
}
