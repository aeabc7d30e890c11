package signing

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"aegisflux/agents/exec-guard/internal/types"
)

// Result is the outcome of verifying a file's code signature
type Result struct {
	Verified bool
	Signers  []types.Signer
	// CatalogPath is set when a signing catalog rather than an embedded
	// signature vouched for the file
	CatalogPath string
}

// Verifier checks the code signature of a file on disk
type Verifier interface {
	Verify(ctx context.Context, path string) (Result, error)
}

// Unsigned reports every file as unsigned. It is used on hosts without a
// signature verification helper.
type Unsigned struct{}

// Verify implements Verifier
func (Unsigned) Verify(context.Context, string) (Result, error) {
	return Result{}, nil
}

// CommandVerifier runs an external helper that prints the signer chain of
// the file given as its last argument as JSON on stdout
type CommandVerifier struct {
	Command string
	Args    []string
	Timeout time.Duration
}

// NewCommandVerifier parses a command line such as "/usr/libexec/sigcheck --json"
func NewCommandVerifier(commandLine string, timeout time.Duration) (*CommandVerifier, error) {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return nil, fmt.Errorf("verifier command cannot be empty")
	}
	return &CommandVerifier{Command: fields[0], Args: fields[1:], Timeout: timeout}, nil
}

// helperOutput is the JSON document printed by the helper
type helperOutput struct {
	Verified bool           `json:"verified"`
	Catalog  string         `json:"catalog,omitempty"`
	Signers  []helperSigner `json:"signers"`
}

type helperSigner struct {
	Name        string            `json:"name"`
	Timestamp   string            `json:"timestamp,omitempty"`
	Certificate helperCertificate `json:"certificate"`
}

type helperCertificate struct {
	Version                   int    `json:"version"`
	Issuer                    string `json:"issuer"`
	SerialNumber              string `json:"serial_number"`
	DigestAlgorithm           string `json:"digest_algorithm"`
	DigestEncryptionAlgorithm string `json:"digest_encryption_algorithm"`
}

// Verify implements Verifier
func (v *CommandVerifier) Verify(ctx context.Context, path string) (Result, error) {
	if v.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.Timeout)
		defer cancel()
	}

	args := append(append([]string{}, v.Args...), path)
	cmd := exec.CommandContext(ctx, v.Command, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return Result{}, fmt.Errorf("failed to run verifier %s: %w (%s)", v.Command, err, strings.TrimSpace(stderr.String()))
	}

	return ParseHelperOutput(stdout.Bytes())
}

// ParseHelperOutput decodes the helper's JSON document
func ParseHelperOutput(data []byte) (Result, error) {
	var out helperOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return Result{}, fmt.Errorf("failed to decode verifier output: %w", err)
	}

	result := Result{
		Verified:    out.Verified,
		CatalogPath: out.Catalog,
	}

	for _, s := range out.Signers {
		serial, err := hex.DecodeString(strings.ReplaceAll(s.Certificate.SerialNumber, " ", ""))
		if err != nil {
			return Result{}, fmt.Errorf("invalid serial number %q: %w", s.Certificate.SerialNumber, err)
		}

		signer := types.Signer{
			Name: s.Name,
			Certificate: types.Certificate{
				Version:                   s.Certificate.Version,
				Issuer:                    s.Certificate.Issuer,
				SerialNumber:              serial,
				DigestAlgorithm:           s.Certificate.DigestAlgorithm,
				DigestEncryptionAlgorithm: s.Certificate.DigestEncryptionAlgorithm,
			},
		}
		if s.Timestamp != "" {
			ts, err := time.Parse(time.RFC3339, s.Timestamp)
			if err != nil {
				return Result{}, fmt.Errorf("invalid signing timestamp %q: %w", s.Timestamp, err)
			}
			signer.Timestamp = ts.UTC()
		}
		result.Signers = append(result.Signers, signer)
	}

	return result, nil
}
