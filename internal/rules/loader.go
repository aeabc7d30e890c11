package rules

import (
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"aegisflux/agents/exec-guard/internal/types"
)

// ValidationError represents a rule validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ruleDoc is the on-disk shape of a rule; enabled defaults to true
type ruleDoc struct {
	Comment    string         `yaml:"comment"`
	Allow      bool           `yaml:"allow"`
	Enabled    *bool          `yaml:"enabled"`
	Attributes []attributeDoc `yaml:"attributes"`
}

type attributeDoc struct {
	Type  string `yaml:"type"`
	Value string `yaml:"value"`
}

type fileDoc struct {
	Rules []ruleDoc `yaml:"rules"`
}

// LoadFile reads and validates a rule file
func LoadFile(path string) ([]types.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}

	rules, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rules, nil
}

// Parse decodes rules from YAML. The document may be a list of rules or a
// mapping with a "rules" key. Order is preserved and becomes rank order.
func Parse(data []byte) ([]types.Rule, error) {
	var docs []ruleDoc

	var file fileDoc
	if err := yaml.Unmarshal(data, &file); err == nil && len(file.Rules) > 0 {
		docs = file.Rules
	} else if err := yaml.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	out := make([]types.Rule, 0, len(docs))
	for i, doc := range docs {
		rule, err := doc.toRule()
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		if err := Validate(rule); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		out = append(out, rule)
	}
	return out, nil
}

func (d ruleDoc) toRule() (types.Rule, error) {
	rule := types.Rule{
		Comment: d.Comment,
		Allow:   d.Allow,
		Enabled: d.Enabled == nil || *d.Enabled,
	}

	for j, a := range d.Attributes {
		t, err := types.ParseAttributeType(a.Type)
		if err != nil {
			return rule, &ValidationError{Field: fmt.Sprintf("attributes[%d].type", j), Message: err.Error()}
		}
		rule.Attributes = append(rule.Attributes, types.RuleAttribute{Type: t, Value: a.Value})
	}
	return rule, nil
}

var digestLengths = map[types.AttributeType]int{
	types.AttributeMD5:    16,
	types.AttributeSHA1:   20,
	types.AttributeSHA256: 32,
}

// Validate checks that every attribute of a rule can be evaluated
func Validate(rule types.Rule) error {
	for j, attr := range rule.Attributes {
		field := fmt.Sprintf("attributes[%d].value", j)

		if attr.Value == "" {
			return &ValidationError{Field: field, Message: "value is required"}
		}

		switch attr.Type {
		case types.AttributePathRegex:
			if _, err := regexp.Compile(attr.Value); err != nil {
				return &ValidationError{Field: field, Message: fmt.Sprintf("invalid regex: %v", err)}
			}
		case types.AttributeMD5, types.AttributeSHA1, types.AttributeSHA256:
			b, err := hex.DecodeString(strings.TrimSpace(attr.Value))
			if err != nil || len(b) != digestLengths[attr.Type] {
				return &ValidationError{Field: field, Message: fmt.Sprintf("%s must be %d hex bytes", attr.Type, digestLengths[attr.Type])}
			}
		case types.AttributeSerialNumber:
			if _, err := hex.DecodeString(strings.TrimSpace(attr.Value)); err != nil {
				return &ValidationError{Field: field, Message: "serial number must be hex"}
			}
		case types.AttributeSignerName, types.AttributeIssuer:
		default:
			return &ValidationError{Field: fmt.Sprintf("attributes[%d].type", j), Message: fmt.Sprintf("unknown attribute type %q", attr.Type)}
		}
	}
	return nil
}
