package arbiter

import (
	"fmt"
	"path/filepath"
	"strings"
)

// namespacePrefixes are kernel/object-manager prefixes that interception
// drivers may leave on image paths
var namespacePrefixes = []string{`\??\`, `\\?\`, `\\.\`}

// CanonicalPath trims whitespace, strips embedded NUL characters and
// namespace prefixes, and resolves the result to an absolute path
func CanonicalPath(raw string) (string, error) {
	p := strings.ReplaceAll(raw, "\x00", "")
	p = strings.TrimSpace(p)

	for _, prefix := range namespacePrefixes {
		if strings.HasPrefix(p, prefix) {
			p = strings.TrimPrefix(p, prefix)
			break
		}
	}

	if p == "" {
		return "", fmt.Errorf("empty executable path %q", raw)
	}

	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %q: %w", p, err)
	}
	return abs, nil
}
