package dlp

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Narrative case fields a rule can be scoped to. The imaging report, gene data and
// demographics always reach the model verbatim.
const (
	FieldClinicalNotes  = "clinical_notes"
	FieldMedicalHistory = "medical_history"
	FieldFamilyHistory  = "family_history"
)

var narrativeFields = []string{FieldClinicalNotes, FieldMedicalHistory, FieldFamilyHistory}

// Rule masks one kind of direct identifier. Mask may reference capture groups
// (${1}) so a label such as "DOB:" survives while the value is hidden. An empty
// Fields list applies the rule to every narrative field.
type Rule struct {
	Name     string   `yaml:"name" json:"name"`
	Type     string   `yaml:"type" json:"type"`
	Pattern  string   `yaml:"pattern" json:"pattern"`
	Mask     string   `yaml:"mask" json:"mask"`
	Fields   []string `yaml:"fields,omitempty" json:"fields,omitempty"`
	Enabled  bool     `yaml:"enabled" json:"enabled"`
	Severity string   `yaml:"severity" json:"severity"`
}

// RulesConfig is the YAML document at DLP_RULES_PATH.
type RulesConfig struct {
	Rules []Rule `yaml:"rules" json:"rules"`
}

// LoadRules reads rules from path, or returns the built-in set when path is empty.
// A read failure still returns the built-in set alongside the error.
func LoadRules(path string) (RulesConfig, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return DefaultRules(), fmt.Errorf("reading dlp rules: %w", err)
	}

	var cfg RulesConfig
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return RulesConfig{}, fmt.Errorf("parsing dlp rules: %w", err)
	}

	if len(cfg.Rules) == 0 {
		return RulesConfig{}, errors.New("no DLP rules configured")
	}

	return cfg, nil
}

// DefaultRules targets identifiers that say nothing about the disease. Dates are
// masked only when labelled as a birth date; study and diagnosis dates are clinical.
func DefaultRules() RulesConfig {
	return RulesConfig{Rules: []Rule{
		{Name: "SSN", Type: "ssn", Pattern: `\b\d{3}-\d{2}-\d{4}\b`, Mask: "***-**-****", Enabled: true, Severity: "high"},
		{Name: "DOB", Type: "dob", Pattern: `(?i)\b(DOB|date of birth|born(?: on)?)([:\s]*)\d{1,2}/\d{1,2}/\d{4}\b`, Mask: "${1}${2}##/##/####", Enabled: true, Severity: "medium"},
		{Name: "MRN", Type: "mrn", Pattern: `(?i)\bMRN[:#\s]*\d{6,10}\b`, Mask: "MRN ********", Enabled: true, Severity: "high"},
		{Name: "Insurance", Type: "insurance_id", Pattern: `(?i)\b(member|policy|insurance)(\s*(?:id|#|no\.?|number))[:#\s]*[A-Z0-9][A-Z0-9-]{5,}\b`, Mask: "${1}${2} ********", Enabled: true, Severity: "high"},
		{Name: "Email", Type: "email", Pattern: `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`, Mask: "***@***", Enabled: true, Severity: "medium"},
		{Name: "Phone", Type: "phone", Pattern: `\b\d{3}-\d{3}-\d{4}\b|\(\d{3}\)\s?\d{3}-\d{4}\b`, Mask: "(***) ***-****", Enabled: true, Severity: "medium"},
	}}
}
