package signing

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"aegisflux/agents/exec-guard/internal/types"
)

// Build-time pin for update artifacts, overridden with
// -ldflags "-X aegisflux/agents/exec-guard/internal/signing.PinnedSignerName=..."
var (
	PinnedSignerName   = "AegisFlux Release Signing"
	PinnedSerialNumber = "4c18d9aa268336954cc4356daabe82c9"
)

// Pin identifies the only signer allowed to produce update artifacts
type Pin struct {
	SignerName   string
	SerialNumber []byte
}

// BuildPin returns the pin compiled into this binary
func BuildPin() (Pin, error) {
	return NewPin(PinnedSignerName, PinnedSerialNumber)
}

// NewPin builds a pin from a signer name and a hex serial number
func NewPin(name, serialHex string) (Pin, error) {
	serial, err := hex.DecodeString(serialHex)
	if err != nil {
		return Pin{}, fmt.Errorf("invalid pinned serial number: %w", err)
	}
	return Pin{SignerName: name, SerialNumber: serial}, nil
}

// Check accepts a signer chain only when its first signer carries exactly
// the pinned name and serial number bytes
func (p Pin) Check(signers []types.Signer) error {
	if p.SignerName == "" || len(p.SerialNumber) == 0 {
		return fmt.Errorf("no update signer pinned")
	}
	if len(signers) == 0 {
		return fmt.Errorf("artifact has no signers")
	}

	first := signers[0]
	if first.Name != p.SignerName {
		return fmt.Errorf("unrecognized signer %q", first.Name)
	}
	if !bytes.Equal(first.Certificate.SerialNumber, p.SerialNumber) {
		return fmt.Errorf("unrecognized serial number %x for signer %q", first.Certificate.SerialNumber, first.Name)
	}
	return nil
}
