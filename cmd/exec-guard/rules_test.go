package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegisflux/agents/exec-guard/internal/types"
)

func TestParseAttribute(t *testing.T) {
	attr, err := parseAttribute("SignerName=Example Corp=Inc")
	require.NoError(t, err)
	assert.Equal(t, types.RuleAttribute{Type: types.AttributeSignerName, Value: "Example Corp=Inc"}, attr)

	_, err = parseAttribute("path-regex")
	assert.Error(t, err)

	_, err = parseAttribute("owner=root")
	assert.Error(t, err)
}

func TestPrintRules(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printRules(&buf, []types.Rule{
		{ID: 1, Rank: 0, Enabled: true, Allow: false, Comment: "tmp", Attributes: []types.RuleAttribute{{Type: types.AttributePathRegex, Value: "^/tmp/"}}},
	}))

	out := buf.String()
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "path-regex=^/tmp/")
	assert.Contains(t, out, "DENY")
}
