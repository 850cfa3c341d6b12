package conflict

import (
	"strings"

	"github.com/fieldkit/offsync/internal/offline/schema"
)

// Policy overrides resolution for one entity type.
type Policy struct {
	// Strategy replaces the default strategy when set.
	Strategy schema.Strategy `mapstructure:"strategy" yaml:"strategy,omitempty" toml:"strategy,omitempty"`

	// NonMergeable names extra fields that escalate a field-merge to
	// manual resolution when the server changed them.
	NonMergeable []string `mapstructure:"non_mergeable" yaml:"non_mergeable,omitempty" toml:"non_mergeable,omitempty"`
}

// Policies is the resolver's configuration.
type Policies struct {
	// Default applies to entity types without an override.
	Default schema.Strategy

	// NonMergeable names fields treated as non-mergeable for every type,
	// in addition to the monetary defaults.
	NonMergeable []string

	// Entities holds per-type overrides keyed by entity type.
	Entities map[string]Policy
}

// DefaultPolicies returns field-merge for every type with only the
// monetary defaults marked non-mergeable.
func DefaultPolicies() Policies {
	return Policies{Default: schema.FieldMerge}
}

// monetaryNames and monetarySuffixes mark aggregate money fields, which are
// never merged field by field.
var (
	monetaryNames    = []string{"total", "amount", "price", "cost", "balance", "subtotal", "tax"}
	monetarySuffixes = []string{"_total", "_amount", "_cents", "_price"}
)

// IsMonetary reports whether a field name looks like a monetary or
// aggregate value.
func IsMonetary(field string) bool {
	name := strings.ToLower(field)
	for _, n := range monetaryNames {
		if name == n {
			return true
		}
	}
	for _, s := range monetarySuffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}

func (p Policies) strategyFor(entityType string) schema.Strategy {
	if ep, ok := p.Entities[entityType]; ok && ep.Strategy != "" {
		return ep.Strategy
	}
	if p.Default == "" {
		return schema.FieldMerge
	}
	return p.Default
}

func (p Policies) nonMergeable(entityType, field string) bool {
	if IsMonetary(field) {
		return true
	}
	if containsFold(p.NonMergeable, field) {
		return true
	}
	if ep, ok := p.Entities[entityType]; ok && containsFold(ep.NonMergeable, field) {
		return true
	}
	return false
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(strings.TrimSpace(v), s) {
			return true
		}
	}
	return false
}
