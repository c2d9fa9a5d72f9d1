package bridge

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Canonical entity taxonomy. Closed set; anything unresolvable maps to OTHER.
const (
	TypeEquipment  = "EQUIPMENT"
	TypeProcedure  = "PROCEDURE"
	TypeProcess    = "PROCESS"
	TypeLocation   = "LOCATION"
	TypeSafety     = "SAFETY"
	TypeParameter  = "PARAMETER"
	TypeConsumable = "CONSUMABLE"
	TypeRole       = "ROLE"
	TypeDocument   = "DOCUMENT"
	TypeOther      = "OTHER"
)

// Semantic edge types. Closed set; anything unresolvable maps to RELATED_TO.
const (
	EdgeRequires     = "REQUIRES"
	EdgePartOf       = "PART_OF"
	EdgeLocatedAt    = "LOCATED_AT"
	EdgeUses         = "USES"
	EdgeProcedureFor = "PROCEDURE_FOR"
	EdgeRelatedTo    = "RELATED_TO"
	EdgeGoverns      = "GOVERNS"
	EdgeHazardOf     = "HAZARD_OF"
)

var canonicalTypes = map[string]bool{
	TypeEquipment: true, TypeProcedure: true, TypeProcess: true,
	TypeLocation: true, TypeSafety: true, TypeParameter: true,
	TypeConsumable: true, TypeRole: true, TypeDocument: true, TypeOther: true,
}

var semanticTypes = map[string]bool{
	EdgeRequires: true, EdgePartOf: true, EdgeLocatedAt: true,
	EdgeUses: true, EdgeProcedureFor: true, EdgeRelatedTo: true,
	EdgeGoverns: true, EdgeHazardOf: true,
}

func IsCanonicalType(t string) bool { return canonicalTypes[t] }
func IsSemanticType(t string) bool  { return semanticTypes[t] }

// Rule maps a raw hint to a canonical target. Match precedence is
// exact > prefix > keyword, ties broken by table order.
type Rule struct {
	Exact   string `yaml:"exact,omitempty"`
	Prefix  string `yaml:"prefix,omitempty"`
	Keyword string `yaml:"keyword,omitempty"`
	Target  string `yaml:"target"`
}

// RuleTable resolves normalized hints deterministically.
type RuleTable struct {
	rules    []Rule
	fallback string
}

func NewRuleTable(rules []Rule, fallback string) *RuleTable {
	return &RuleTable{rules: rules, fallback: fallback}
}

// Resolve maps a raw hint to its canonical target. The hint is normalized
// (lowercased, whitespace collapsed, underscores treated as spaces) first.
func (t *RuleTable) Resolve(rawHint string) string {
	hint := normalizeHint(rawHint)
	if hint == "" {
		return t.fallback
	}
	for _, r := range t.rules {
		if r.Exact != "" && hint == r.Exact {
			return r.Target
		}
	}
	for _, r := range t.rules {
		if r.Prefix != "" && strings.HasPrefix(hint, r.Prefix) {
			return r.Target
		}
	}
	for _, r := range t.rules {
		if r.Keyword != "" && strings.Contains(hint, r.Keyword) {
			return r.Target
		}
	}
	return t.fallback
}

func normalizeHint(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "_", " ")
	s = strings.ReplaceAll(s, "-", " ")
	return strings.Join(strings.Fields(s), " ")
}

// ruleTableFile is the on-disk form: ordered rule list plus a fallback.
type ruleTableFile struct {
	Fallback string `yaml:"fallback"`
	Rules    []Rule `yaml:"rules"`
}

func loadRuleTable(path, defaultFallback string, validTarget map[string]bool) (*RuleTable, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f ruleTableFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("decode rule table %s: %w", path, err)
	}
	if f.Fallback == "" {
		f.Fallback = defaultFallback
	}
	if !validTarget[f.Fallback] {
		return nil, fmt.Errorf("rule table %s: fallback %q not in taxonomy", path, f.Fallback)
	}
	for i, r := range f.Rules {
		if !validTarget[r.Target] {
			return nil, fmt.Errorf("rule table %s: rule %d target %q not in taxonomy", path, i, r.Target)
		}
		if r.Exact == "" && r.Prefix == "" && r.Keyword == "" {
			return nil, fmt.Errorf("rule table %s: rule %d has no match clause", path, i)
		}
	}
	return NewRuleTable(f.Rules, f.Fallback), nil
}

// LoadEntityRules reads an entity-type rule table from a YAML file.
func LoadEntityRules(path string) (*RuleTable, error) {
	return loadRuleTable(path, TypeOther, canonicalTypes)
}

// LoadEdgeRules reads a semantic-edge rule table from a YAML file.
func LoadEdgeRules(path string) (*RuleTable, error) {
	return loadRuleTable(path, EdgeRelatedTo, semanticTypes)
}

// DefaultEntityRules covers the hint vocabulary the extractor emits for
// restaurant operations documents.
func DefaultEntityRules() *RuleTable {
	return NewRuleTable([]Rule{
		{Exact: "equipment", Target: TypeEquipment},
		{Exact: "machine", Target: TypeEquipment},
		{Exact: "appliance", Target: TypeEquipment},
		{Exact: "procedure", Target: TypeProcedure},
		{Exact: "sop", Target: TypeProcedure},
		{Exact: "checklist", Target: TypeProcedure},
		{Exact: "process", Target: TypeProcess},
		{Exact: "workflow", Target: TypeProcess},
		{Exact: "location", Target: TypeLocation},
		{Exact: "station", Target: TypeLocation},
		{Exact: "zone", Target: TypeLocation},
		{Exact: "safety", Target: TypeSafety},
		{Exact: "hazard", Target: TypeSafety},
		{Exact: "parameter", Target: TypeParameter},
		{Exact: "setting", Target: TypeParameter},
		{Exact: "temperature", Target: TypeParameter},
		{Exact: "consumable", Target: TypeConsumable},
		{Exact: "ingredient", Target: TypeConsumable},
		{Exact: "supply", Target: TypeConsumable},
		{Exact: "role", Target: TypeRole},
		{Exact: "person", Target: TypeRole},
		{Exact: "staff", Target: TypeRole},
		{Exact: "document", Target: TypeDocument},
		{Exact: "manual", Target: TypeDocument},
		{Prefix: "equip", Target: TypeEquipment},
		{Prefix: "proc", Target: TypeProcedure},
		{Prefix: "loc", Target: TypeLocation},
		{Prefix: "saf", Target: TypeSafety},
		{Prefix: "param", Target: TypeParameter},
		{Keyword: "machine", Target: TypeEquipment},
		{Keyword: "clean", Target: TypeProcedure},
		{Keyword: "temp", Target: TypeParameter},
		{Keyword: "safety", Target: TypeSafety},
	}, TypeOther)
}

// DefaultEdgeRules maps relationship hints to semantic edge types.
func DefaultEdgeRules() *RuleTable {
	return NewRuleTable([]Rule{
		{Exact: "requires", Target: EdgeRequires},
		{Exact: "needs", Target: EdgeRequires},
		{Exact: "depends on", Target: EdgeRequires},
		{Exact: "part of", Target: EdgePartOf},
		{Exact: "component of", Target: EdgePartOf},
		{Exact: "located at", Target: EdgeLocatedAt},
		{Exact: "located in", Target: EdgeLocatedAt},
		{Exact: "uses", Target: EdgeUses},
		{Exact: "used by", Target: EdgeUses},
		{Exact: "procedure for", Target: EdgeProcedureFor},
		{Exact: "maintains", Target: EdgeProcedureFor},
		{Exact: "governs", Target: EdgeGoverns},
		{Exact: "regulates", Target: EdgeGoverns},
		{Exact: "hazard of", Target: EdgeHazardOf},
		{Exact: "risk of", Target: EdgeHazardOf},
		{Prefix: "requir", Target: EdgeRequires},
		{Prefix: "locat", Target: EdgeLocatedAt},
		{Prefix: "govern", Target: EdgeGoverns},
		{Keyword: "part", Target: EdgePartOf},
		{Keyword: "use", Target: EdgeUses},
		{Keyword: "hazard", Target: EdgeHazardOf},
	}, EdgeRelatedTo)
}
