package normalize

import (
	"github.com/agentic-research/strata/api"
)

// Coercion is the canonical representation a field is forced into.
type Coercion uint8

const (
	// Passthrough keeps the field's decoded shape.
	Passthrough Coercion = iota
	// AsText renders scalars as text and nested values as canonical JSON.
	AsText
	// AsJSON renders every non-null value as canonical JSON.
	AsJSON
)

func (c Coercion) String() string {
	switch c {
	case AsText:
		return "text"
	case AsJSON:
		return "json"
	}
	return "passthrough"
}

// Normalizer is the compiled coercion table for one entity type.
type Normalizer struct {
	Entity string
	Rules  api.EntityRules
	table  map[string]Coercion
}

// NewNormalizer compiles the ruleset entry for entity.
func NewNormalizer(rs *api.Ruleset, entity string) *Normalizer {
	rules := rs.Rules(entity)
	table := make(map[string]Coercion, len(rules.ColumnsToVarchar)+len(rules.StructColumnsToJSON))
	for _, f := range rules.ColumnsToVarchar {
		table[f] = AsText
	}
	for _, f := range rules.StructColumnsToJSON {
		table[f] = AsJSON
	}
	return &Normalizer{Entity: entity, Rules: rules, table: table}
}

// Coercion returns the coercion applied to field.
func (n *Normalizer) Coercion(field string) Coercion {
	return n.table[field]
}

// Apply coerces v according to the table. Nulls stay null.
func (n *Normalizer) Apply(field string, v Value) Value {
	if v.IsNull() {
		return v
	}
	switch n.table[field] {
	case AsText:
		return String(v.Text())
	case AsJSON:
		return String(v.JSON())
	}
	return v
}

// Record tags every field of a decoded record and applies the table.
func (n *Normalizer) Record(rec map[string]any) map[string]Value {
	out := make(map[string]Value, len(rec))
	plain := !n.Rules.NeedsNormalization()
	for k, raw := range rec {
		v := FromAny(raw)
		if !plain {
			v = n.Apply(k, v)
		}
		out[k] = v
	}
	return out
}
