package arbiter

import (
	"bytes"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"

	"aegisflux/agents/exec-guard/internal/types"
)

// Matcher evaluates rule sets against executables
type Matcher struct {
	mu      sync.Mutex
	regexps map[string]*regexp.Regexp
}

// NewMatcher creates a new rule matcher
func NewMatcher() *Matcher {
	return &Matcher{regexps: make(map[string]*regexp.Regexp)}
}

// Evaluate walks every enabled rule in ascending rank order, starting from
// ALLOW. Each fully matching rule overwrites the verdict, so the last match
// decides. It also returns the ids of all matching rules.
func (m *Matcher) Evaluate(rules []types.Rule, exe *types.Executable) (types.Verdict, []int64) {
	verdict := types.VerdictAllow
	var matched []int64

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if m.RuleMatches(rule, exe) {
			verdict = rule.Verdict()
			matched = append(matched, rule.ID)
		}
	}

	return verdict, matched
}

// RuleMatches reports whether every attribute of the rule matches; a rule
// without attributes matches everything
func (m *Matcher) RuleMatches(rule types.Rule, exe *types.Executable) bool {
	for _, attr := range rule.Attributes {
		if !m.attributeMatches(attr, exe) {
			return false
		}
	}
	return true
}

func (m *Matcher) attributeMatches(attr types.RuleAttribute, exe *types.Executable) bool {
	switch attr.Type {
	case types.AttributePathRegex:
		re := m.compile(attr.Value)
		return re != nil && re.MatchString(exe.Path)
	case types.AttributeMD5:
		return digestEquals(attr.Value, exe.MD5)
	case types.AttributeSHA1:
		return digestEquals(attr.Value, exe.SHA1)
	case types.AttributeSHA256:
		return digestEquals(attr.Value, exe.SHA256)
	case types.AttributeSignerName, types.AttributeIssuer, types.AttributeSerialNumber:
		if !exe.Signed {
			return false
		}
		for _, signer := range exe.Signers {
			if signerMatches(attr, signer) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func signerMatches(attr types.RuleAttribute, signer types.Signer) bool {
	switch attr.Type {
	case types.AttributeSignerName:
		return signer.Name == attr.Value
	case types.AttributeIssuer:
		return signer.Certificate.Issuer == attr.Value
	case types.AttributeSerialNumber:
		return digestEquals(attr.Value, signer.Certificate.SerialNumber)
	default:
		return false
	}
}

// digestEquals compares a hex string (any case, optional spaces) with raw bytes
func digestEquals(hexValue string, digest []byte) bool {
	if len(digest) == 0 {
		return false
	}
	want, err := hex.DecodeString(strings.ReplaceAll(strings.TrimSpace(hexValue), " ", ""))
	if err != nil {
		return false
	}
	return bytes.Equal(want, digest)
}

// compile returns a cached compiled pattern, or nil for an invalid one
func (m *Matcher) compile(pattern string) *regexp.Regexp {
	m.mu.Lock()
	defer m.mu.Unlock()

	if re, ok := m.regexps[pattern]; ok {
		return re
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		re = nil
	}
	m.regexps[pattern] = re
	return re
}
