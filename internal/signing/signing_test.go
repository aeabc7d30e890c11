package signing

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegisflux/agents/exec-guard/internal/types"
)

func TestPinCheck(t *testing.T) {
	pin, err := NewPin("SR_Test", "4c18d9aa268336954cc4356daabe82c9")
	require.NoError(t, err)

	goodSerial := pin.SerialNumber

	tests := []struct {
		name    string
		signers []types.Signer
		errMsg  string
	}{
		{
			name:    "exact match",
			signers: []types.Signer{{Name: "SR_Test", Certificate: types.Certificate{SerialNumber: goodSerial}}},
		},
		{
			name:    "no signers",
			signers: nil,
			errMsg:  "no signers",
		},
		{
			name:    "wrong name",
			signers: []types.Signer{{Name: "sr_test", Certificate: types.Certificate{SerialNumber: goodSerial}}},
			errMsg:  "unrecognized signer",
		},
		{
			name:    "wrong serial",
			signers: []types.Signer{{Name: "SR_Test", Certificate: types.Certificate{SerialNumber: []byte{0x4c, 0x18}}}},
			errMsg:  "unrecognized serial",
		},
		{
			name: "only first signer counts",
			signers: []types.Signer{
				{Name: "Other", Certificate: types.Certificate{SerialNumber: []byte{0x01}}},
				{Name: "SR_Test", Certificate: types.Certificate{SerialNumber: goodSerial}},
			},
			errMsg: "unrecognized signer",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := pin.Check(tt.signers)
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestEmptyPinNeverMatches(t *testing.T) {
	pin := Pin{SignerName: "SR_Test"}
	err := pin.Check([]types.Signer{{Name: "SR_Test"}})
	assert.Error(t, err)
}

func TestBuildPin(t *testing.T) {
	pin, err := BuildPin()
	require.NoError(t, err)
	assert.Equal(t, PinnedSignerName, pin.SignerName)
	assert.Len(t, pin.SerialNumber, 16)
}

func TestParseHelperOutput(t *testing.T) {
	out := []byte(`{
		"verified": true,
		"catalog": "/var/lib/catalogs/nt5.cat",
		"signers": [
			{
				"name": "TrustedVendor",
				"timestamp": "2023-06-01T10:00:00Z",
				"certificate": {
					"version": 3,
					"issuer": "Vendor Root CA",
					"serial_number": "0a 1b 2c",
					"digest_algorithm": "sha256",
					"digest_encryption_algorithm": "rsa"
				}
			}
		]
	}`)

	result, err := ParseHelperOutput(out)
	require.NoError(t, err)

	assert.True(t, result.Verified)
	assert.Equal(t, "/var/lib/catalogs/nt5.cat", result.CatalogPath)
	require.Len(t, result.Signers, 1)
	assert.Equal(t, "TrustedVendor", result.Signers[0].Name)
	assert.Equal(t, []byte{0x0a, 0x1b, 0x2c}, result.Signers[0].Certificate.SerialNumber)
	assert.Equal(t, 2023, result.Signers[0].Timestamp.Year())
}

func TestParseHelperOutputErrors(t *testing.T) {
	_, err := ParseHelperOutput([]byte("not json"))
	assert.Error(t, err)

	_, err = ParseHelperOutput([]byte(`{"verified":true,"signers":[{"name":"x","certificate":{"serial_number":"zz"}}]}`))
	assert.Error(t, err)
}

func TestUnsigned(t *testing.T) {
	result, err := Unsigned{}.Verify(context.Background(), "/bin/true")
	require.NoError(t, err)
	assert.False(t, result.Verified)
	assert.Empty(t, result.Signers)
}

func TestCommandVerifier(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell helper requires a POSIX shell")
	}

	dir := t.TempDir()
	helper := filepath.Join(dir, "verify.sh")
	script := "#!/bin/sh\necho '{\"verified\": true, \"signers\": [{\"name\": \"Vendor\", \"certificate\": {\"issuer\": \"CA\", \"serial_number\": \"01\"}}]}'\n"
	require.NoError(t, os.WriteFile(helper, []byte(script), 0o755))

	v, err := NewCommandVerifier(helper+" --json", 0)
	require.NoError(t, err)

	result, err := v.Verify(context.Background(), "/bin/true")
	require.NoError(t, err)
	assert.True(t, result.Verified)
	require.Len(t, result.Signers, 1)
	assert.Equal(t, "Vendor", result.Signers[0].Name)

	_, err = NewCommandVerifier("   ", 0)
	assert.Error(t, err)
}
