package arbiter

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalPath(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"already clean", "/usr/bin/ls", "/usr/bin/ls"},
		{"whitespace", "  /usr/bin/ls\n", "/usr/bin/ls"},
		{"embedded nul", "/usr/bin/l\x00s\x00", "/usr/bin/ls"},
		{"object manager prefix", `\??\/usr/bin/ls`, "/usr/bin/ls"},
		{"dot segments", "/usr/bin/../bin/ls", "/usr/bin/ls"},
		{"relative", "bin/tool", filepath.Join(wd, "bin/tool")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CanonicalPath(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err = CanonicalPath("\x00  ")
	assert.Error(t, err)
}

func TestHashReader(t *testing.T) {
	d, err := HashReader(strings.NewReader("abc"))
	require.NoError(t, err)

	assert.Equal(t, "900150983cd24fb0d6963f7d28e17f72", hex.EncodeToString(d.MD5))
	assert.Equal(t, "a9993e364706816aba3e25717850c26c9cd0d89d", hex.EncodeToString(d.SHA1))
	want := sha256.Sum256([]byte("abc"))
	assert.Equal(t, want[:], d.SHA256)
	assert.Equal(t, int64(3), d.Size)
}

func TestHashFileMissing(t *testing.T) {
	_, err := HashFile(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}
