package rules

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegisflux/agents/exec-guard/internal/types"
)

const ruleFile = `
rules:
  - comment: block tmp
    allow: false
    attributes:
      - type: path-regex
        value: "^/tmp/.*"
  - comment: vendor binaries
    allow: true
    enabled: false
    attributes:
      - type: SignerName
        value: Example Corp
      - type: SerialNumber
        value: 4C18D9AA
`

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(ruleFile), 0o644))

	rules, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, rules, 2)

	assert.Equal(t, "block tmp", rules[0].Comment)
	assert.True(t, rules[0].Enabled, "enabled defaults to true")
	assert.False(t, rules[0].Allow)
	assert.Equal(t, types.AttributePathRegex, rules[0].Attributes[0].Type)

	assert.False(t, rules[1].Enabled)
	assert.Equal(t, []types.RuleAttribute{
		{Type: types.AttributeSignerName, Value: "Example Corp"},
		{Type: types.AttributeSerialNumber, Value: "4C18D9AA"},
	}, rules[1].Attributes)
}

func TestParseList(t *testing.T) {
	rules, err := Parse([]byte(`
- comment: everything
  allow: true
`))
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Empty(t, rules[0].Attributes)
	assert.True(t, rules[0].Allow)
}

func TestParseRejectsInvalidRules(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		field string
	}{
		{"unknown type", "- attributes: [{type: owner, value: root}]", "attributes[0].type"},
		{"bad regex", "- attributes: [{type: path, value: '(unclosed'}]", "attributes[0].value"},
		{"short sha256", "- attributes: [{type: sha256, value: abcd}]", "attributes[0].value"},
		{"non hex md5", "- attributes: [{type: md5, value: zz}]", "attributes[0].value"},
		{"empty value", "- attributes: [{type: issuer, value: ''}]", "attributes[0].value"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)

			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
