package dlp

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/muainishi/platform/pkg/common/models"
)

type compiledRule struct {
	rule   Rule
	re     *regexp.Regexp
	fields map[string]bool
}

func (c compiledRule) appliesTo(field string) bool {
	return len(c.fields) == 0 || c.fields[field]
}

// Redactor masks direct identifiers in the narrative case fields before they leave
// the service.
type Redactor struct {
	rules []compiledRule
}

func NewRedactor(cfg RulesConfig) (*Redactor, error) {
	var compiled []compiledRule
	for _, rule := range cfg.Rules {
		if !rule.Enabled {
			continue
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling dlp rule %q: %w", rule.Name, err)
		}
		c := compiledRule{rule: rule, re: re}
		for _, field := range rule.Fields {
			if !isNarrativeField(field) {
				return nil, fmt.Errorf("dlp rule %q: unknown field %q", rule.Name, field)
			}
			if c.fields == nil {
				c.fields = make(map[string]bool)
			}
			c.fields[field] = true
		}
		compiled = append(compiled, c)
	}
	return &Redactor{rules: compiled}, nil
}

func isNarrativeField(field string) bool {
	for _, f := range narrativeFields {
		if f == field {
			return true
		}
	}
	return false
}

// Redact applies every rule to text regardless of field scope. found counts matches
// per PHI type.
func (r *Redactor) Redact(text string) (string, map[string]int) {
	return r.redactField("", text)
}

func (r *Redactor) redactField(field, text string) (string, map[string]int) {
	found := make(map[string]int)
	if r == nil || text == "" {
		return text, found
	}
	for _, rule := range r.rules {
		if field != "" && !rule.appliesTo(field) {
			continue
		}
		matches := rule.re.FindAllStringIndex(text, -1)
		if len(matches) == 0 {
			continue
		}
		found[rule.rule.Type] += len(matches)
		text = rule.re.ReplaceAllString(text, rule.rule.Mask)
	}
	return text, found
}

// RedactCase masks the clinical notes and both histories. The imaging report, gene
// data and demographics pass through untouched. The returned PHI types are sorted
// and unique.
func (r *Redactor) RedactCase(in models.CaseInput) (models.CaseInput, []string) {
	if r == nil {
		return in, nil
	}

	seen := make(map[string]struct{})
	redact := func(field string, value *string) {
		masked, found := r.redactField(field, *value)
		*value = masked
		for phiType := range found {
			seen[phiType] = struct{}{}
		}
	}

	out := in
	redact(FieldClinicalNotes, &out.ClinicalNotes)
	redact(FieldMedicalHistory, &out.MedicalHistory)
	redact(FieldFamilyHistory, &out.FamilyHistory)

	types := make([]string, 0, len(seen))
	for t := range seen {
		types = append(types, t)
	}
	sort.Strings(types)
	return out, types
}
