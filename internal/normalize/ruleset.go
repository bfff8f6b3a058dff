package normalize

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentic-research/strata/api"
	"github.com/hashicorp/hcl/v2/hclsimple"
)

// LoadRuleset reads a ruleset file. Files ending in .hcl use entity blocks;
// anything else is parsed as the JSON form.
func LoadRuleset(path string) (*api.Ruleset, error) {
	var rs *api.Ruleset
	var err error
	if strings.EqualFold(filepath.Ext(path), ".hcl") {
		rs, err = loadHCL(path)
	} else {
		rs, err = loadJSON(path)
	}
	if err != nil {
		return nil, err
	}
	if err := Validate(rs); err != nil {
		return nil, fmt.Errorf("ruleset %s: %w", path, err)
	}
	return rs, nil
}

func loadJSON(path string) (*api.Ruleset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ruleset: %w", err)
	}
	return ParseRulesetJSON(data)
}

// ParseRulesetJSON decodes the JSON form of a ruleset.
func ParseRulesetJSON(data []byte) (*api.Ruleset, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse ruleset: %w", err)
	}
	rs := &api.Ruleset{Entities: make(map[string]api.EntityRules, len(raw))}
	for entity, msg := range raw {
		if strings.HasPrefix(entity, "_") {
			continue
		}
		var er api.EntityRules
		if err := json.Unmarshal(msg, &er); err != nil {
			return nil, fmt.Errorf("parse ruleset entity %s: %w", entity, err)
		}
		rs.Entities[entity] = er
	}
	return rs, nil
}

func loadHCL(path string) (*api.Ruleset, error) {
	var doc api.HCLRuleset
	if err := hclsimple.DecodeFile(path, nil, &doc); err != nil {
		return nil, fmt.Errorf("decode ruleset: %w", err)
	}
	rs := &api.Ruleset{Entities: make(map[string]api.EntityRules, len(doc.Entities))}
	for _, e := range doc.Entities {
		if _, dup := rs.Entities[e.Name]; dup {
			return nil, fmt.Errorf("entity %q declared twice", e.Name)
		}
		rs.Entities[e.Name] = e.Rules()
	}
	return rs, nil
}

// Validate checks that every bypass is documented and that no field is
// listed under both coercions.
func Validate(rs *api.Ruleset) error {
	for entity, er := range rs.Entities {
		if !er.Deduplicated() && strings.TrimSpace(er.BypassReason) == "" {
			return fmt.Errorf("entity %s: deduplicate = false requires bypass_reason", entity)
		}
		text := make(map[string]struct{}, len(er.ColumnsToVarchar))
		for _, f := range er.ColumnsToVarchar {
			text[f] = struct{}{}
		}
		for _, f := range er.StructColumnsToJSON {
			if _, ok := text[f]; ok {
				return fmt.Errorf("entity %s: field %q listed in both columns_to_varchar and struct_columns_to_json", entity, f)
			}
		}
	}
	return nil
}
