package api

// Ruleset is the externally editable Schema Normalization Ruleset.
// It maps an entity type (e.g. "works") to the fields that must be coerced
// to a uniform textual representation so that files written from
// independent time partitions agree on one physical type per column.
//
// The JSON form is keyed by entity type:
//
//	{
//	  "works": {
//	    "columns_to_varchar": ["abstract_inverted_index"],
//	    "struct_columns_to_json": ["biblio"]
//	  }
//	}
//
// Keys beginning with "_" are treated as comments and ignored.
type Ruleset struct {
	Entities map[string]EntityRules `json:"-"`
}

// EntityRules holds the coercion table and identity fields for one entity type.
type EntityRules struct {
	// ColumnsToVarchar lists fields rendered as plain text: scalars keep
	// their textual form, lists and objects become canonical JSON.
	ColumnsToVarchar []string `json:"columns_to_varchar,omitempty"`
	// StructColumnsToJSON lists fields always rendered as canonical JSON text.
	StructColumnsToJSON []string `json:"struct_columns_to_json,omitempty"`
	// IDField names the stable identifier of a logical entity. Default "id".
	IDField string `json:"id_field,omitempty"`
	// UpdatedField names the timestamp used to pick the current version.
	// Default "updated_date".
	UpdatedField string `json:"updated_field,omitempty"`
	// Deduplicate toggles the deduplicating view. Nil means true.
	Deduplicate *bool `json:"deduplicate,omitempty"`
	// BypassReason documents why deduplication is disabled. Required when
	// Deduplicate is false.
	BypassReason string `json:"bypass_reason,omitempty"`
}

// HCLRuleset is the HCL file form of a Ruleset:
//
//	entity "works" {
//	  columns_to_varchar = ["abstract_inverted_index"]
//	}
type HCLRuleset struct {
	Entities []HCLEntity `hcl:"entity,block"`
}

// HCLEntity is one labelled entity block.
type HCLEntity struct {
	Name                string   `hcl:"name,label"`
	ColumnsToVarchar    []string `hcl:"columns_to_varchar,optional"`
	StructColumnsToJSON []string `hcl:"struct_columns_to_json,optional"`
	IDField             string   `hcl:"id_field,optional"`
	UpdatedField        string   `hcl:"updated_field,optional"`
	Deduplicate         *bool    `hcl:"deduplicate,optional"`
	BypassReason        string   `hcl:"bypass_reason,optional"`
}

// Rules converts the block to EntityRules.
func (e HCLEntity) Rules() EntityRules {
	return EntityRules{
		ColumnsToVarchar:    e.ColumnsToVarchar,
		StructColumnsToJSON: e.StructColumnsToJSON,
		IDField:             e.IDField,
		UpdatedField:        e.UpdatedField,
		Deduplicate:         e.Deduplicate,
		BypassReason:        e.BypassReason,
	}
}

const (
	DefaultIDField      = "id"
	DefaultUpdatedField = "updated_date"
)

// Rules returns the rules for an entity type, with identity defaults applied.
// An entity absent from the ruleset gets empty coercion lists.
func (r *Ruleset) Rules(entity string) EntityRules {
	var er EntityRules
	if r != nil && r.Entities != nil {
		er = r.Entities[entity]
	}
	if er.IDField == "" {
		er.IDField = DefaultIDField
	}
	if er.UpdatedField == "" {
		er.UpdatedField = DefaultUpdatedField
	}
	return er
}

// Deduplicated reports whether the view layer collapses versions for this entity.
func (er EntityRules) Deduplicated() bool {
	return er.Deduplicate == nil || *er.Deduplicate
}

// NeedsNormalization reports whether any field of the entity is coerced.
func (er EntityRules) NeedsNormalization() bool {
	return len(er.ColumnsToVarchar) > 0 || len(er.StructColumnsToJSON) > 0
}
