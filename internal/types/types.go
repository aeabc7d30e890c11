package types

import (
	"fmt"
	"strings"
	"time"
)

// Verdict is the execution decision returned for a process launch
type Verdict int

const (
	VerdictNoResponse Verdict = 0
	VerdictAllow      Verdict = 1
	VerdictDeny       Verdict = 2
)

// String returns the wire/log name of the verdict
func (v Verdict) String() string {
	switch v {
	case VerdictAllow:
		return "ALLOW"
	case VerdictDeny:
		return "DENY"
	default:
		return "NO_RESPONSE"
	}
}

// Certificate identifies a signing certificate; rows are shared by (serial, issuer)
type Certificate struct {
	ID                        int64  `json:"id"`
	Version                   int    `json:"version"`
	Issuer                    string `json:"issuer"`
	SerialNumber              []byte `json:"serial_number"`
	DigestAlgorithm           string `json:"digest_algorithm"`
	DigestEncryptionAlgorithm string `json:"digest_encryption_algorithm"`
}

// Signer is one entry of an executable's signer chain
type Signer struct {
	ID          int64       `json:"id"`
	Name        string      `json:"name"`
	Timestamp   time.Time   `json:"timestamp"`
	Certificate Certificate `json:"certificate"`
}

// Executable is a cached trust record keyed by canonical path and last write time
type Executable struct {
	ID            int64     `json:"id"`
	Path          string    `json:"path"`
	LastWriteTime time.Time `json:"last_write_time"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
	LastChecked   time.Time `json:"last_checked"`
	Signed        bool      `json:"signed"`
	Trusted       bool      `json:"trusted"`
	Blocked       bool      `json:"blocked"`
	MD5           []byte    `json:"md5"`
	SHA1          []byte    `json:"sha1"`
	SHA256        []byte    `json:"sha256"`
	Size          int64     `json:"size"`
	Signers       []Signer  `json:"signers,omitempty"`
}

// AttributeType names the predicate a RuleAttribute applies
type AttributeType string

const (
	AttributePathRegex    AttributeType = "path-regex"
	AttributeMD5          AttributeType = "md5"
	AttributeSHA1         AttributeType = "sha1"
	AttributeSHA256       AttributeType = "sha256"
	AttributeSignerName   AttributeType = "signer-name"
	AttributeIssuer       AttributeType = "issuer"
	AttributeSerialNumber AttributeType = "serial-number"
)

var attributeAliases = map[string]AttributeType{
	"path-regex":    AttributePathRegex,
	"path":          AttributePathRegex,
	"md5":           AttributeMD5,
	"sha1":          AttributeSHA1,
	"sha256":        AttributeSHA256,
	"signer-name":   AttributeSignerName,
	"signername":    AttributeSignerName,
	"issuer":        AttributeIssuer,
	"serial-number": AttributeSerialNumber,
	"serialnumber":  AttributeSerialNumber,
}

// ParseAttributeType normalizes an attribute type, accepting the legacy
// spellings (path, SignerName, Issuer, SerialNumber)
func ParseAttributeType(s string) (AttributeType, error) {
	if t, ok := attributeAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return t, nil
	}
	return "", fmt.Errorf("unknown attribute type %q", s)
}

// IsSignerAttribute reports whether the attribute is matched against the signer chain
func (t AttributeType) IsSignerAttribute() bool {
	return t == AttributeSignerName || t == AttributeIssuer || t == AttributeSerialNumber
}

// RuleAttribute is a single predicate of a rule
type RuleAttribute struct {
	ID    int64         `json:"id,omitempty" yaml:"-"`
	Type  AttributeType `json:"type" yaml:"type"`
	Value string        `json:"value" yaml:"value"`
}

// Rule is an ordered policy entry; the last matching enabled rule decides
type Rule struct {
	ID         int64           `json:"id" yaml:"-"`
	Rank       int             `json:"rank" yaml:"-"`
	Enabled    bool            `json:"enabled" yaml:"enabled"`
	Allow      bool            `json:"allow" yaml:"allow"`
	LastUsed   *time.Time      `json:"last_used,omitempty" yaml:"-"`
	Comment    string          `json:"comment" yaml:"comment"`
	Attributes []RuleAttribute `json:"attributes" yaml:"attributes"`
}

// Verdict returns the verdict applied when this rule matches
func (r Rule) Verdict() Verdict {
	if r.Allow {
		return VerdictAllow
	}
	return VerdictDeny
}

// ProcessState is the lifecycle state recorded with a process event
type ProcessState int

const (
	ProcessExists     ProcessState = 0
	ProcessStarted    ProcessState = 1
	ProcessTerminated ProcessState = 2
)

// String returns a readable process state
func (s ProcessState) String() string {
	switch s {
	case ProcessExists:
		return "exists"
	case ProcessStarted:
		return "started"
	case ProcessTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ProcessEvent is an outbox row describing a process lifecycle observation.
// ExecutableID is 0 when no trust record could be produced.
type ProcessEvent struct {
	ID           int64        `json:"id"`
	ExecutableID int64        `json:"executable_id"`
	ImagePath    string       `json:"image_path"`
	PID          int          `json:"pid"`
	PPID         int          `json:"ppid"`
	CommandLine  string       `json:"command_line"`
	EventTime    time.Time    `json:"event_time"`
	State        ProcessState `json:"state"`
	Delivered    bool         `json:"delivered"`
}

// CatalogFile is an outbox row for a signing catalog observed during verification
type CatalogFile struct {
	ID              int64     `json:"id"`
	Path            string    `json:"path"`
	SHA256          []byte    `json:"sha256"`
	Size            int64     `json:"size"`
	FirstAccessTime time.Time `json:"first_access_time"`
	Delivered       bool      `json:"delivered"`
}

// HostInfo describes the machine during registration
type HostInfo struct {
	OSHumanName  string `json:"os_human_name"`
	OSVersion    string `json:"os_version"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	Arch         string `json:"arch"`
	MachineName  string `json:"machine_name"`
	MachineGUID  string `json:"machine_guid"`
}
