package command

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
)

// Command names used by the management service
const (
	NameGetFileByHash        = "GetFileByHash"
	NameGetCatalogFileByHash = "GetCatalogFileByHash"
	NameSetSystemUUID        = "SetSystemUUID"
	NameUpdate               = "Update"
	NameStall                = "Stall"
	NameNOP                  = "NOP"
)

// MinStall is the shortest pause a Stall command can impose
const MinStall = 5 * time.Minute

// Command is a decoded server command
type Command interface {
	Name() string
}

// GetFileByHash asks for the executable with the given sha256 to be uploaded
type GetFileByHash struct {
	SHA256 string `json:"Sha256"`
}

// GetCatalogFileByHash asks for the catalog file with the given sha256 to be uploaded
type GetCatalogFileByHash struct {
	SHA256 string `json:"Sha256"`
}

// SetSystemUUID assigns the agent's system identity
type SetSystemUUID struct {
	SystemUUID string `json:"SystemUUID"`
}

// Update asks the agent to fetch, verify and launch a new agent artifact
type Update struct {
	Version string `json:"Version,omitempty"`
}

// Stall pauses the sync loop
type Stall struct {
	DelayInSeconds int64 `json:"DelayInSeconds"`
}

// NOP does nothing
type NOP struct{}

// Unknown carries a command name this agent does not implement
type Unknown struct {
	Command string
}

func (GetFileByHash) Name() string        { return NameGetFileByHash }
func (GetCatalogFileByHash) Name() string { return NameGetCatalogFileByHash }
func (SetSystemUUID) Name() string        { return NameSetSystemUUID }
func (Update) Name() string               { return NameUpdate }
func (Stall) Name() string                { return NameStall }
func (NOP) Name() string                  { return NameNOP }
func (u Unknown) Name() string            { return u.Command }

// maxStallSeconds is the largest delay representable as a time.Duration
const maxStallSeconds = int64(math.MaxInt64 / time.Second)

// Delay returns the requested pause, never shorter than MinStall
func (s Stall) Delay() time.Duration {
	if s.DelayInSeconds > maxStallSeconds {
		return time.Duration(maxStallSeconds) * time.Second
	}
	d := time.Duration(s.DelayInSeconds) * time.Second
	if d < MinStall {
		return MinStall
	}
	return d
}

// message is the JSON shape of a server command
type message struct {
	Command   string          `json:"Command"`
	Arguments json.RawMessage `json:"Arguments"`
}

const envelopeSchema = `{
	"type": "object",
	"properties": {
		"Command": {"type": "string"},
		"Arguments": {"type": ["object", "null"]}
	}
}`

const sha256ArgsSchema = `{
	"type": "object",
	"required": ["Sha256"],
	"properties": {
		"Sha256": {"type": "string", "pattern": "^[0-9a-fA-F]{64}$"}
	}
}`

var argumentSchemas = map[string]string{
	NameGetFileByHash:        sha256ArgsSchema,
	NameGetCatalogFileByHash: sha256ArgsSchema,
	NameSetSystemUUID: `{
		"type": "object",
		"required": ["SystemUUID"],
		"properties": {"SystemUUID": {"type": "string", "minLength": 1}}
	}`,
	NameUpdate: `{
		"type": "object",
		"properties": {"Version": {"type": "string"}}
	}`,
	NameStall: `{
		"type": "object",
		"required": ["DelayInSeconds"],
		"properties": {"DelayInSeconds": {"type": "integer"}}
	}`,
	NameNOP: `{"type": "object"}`,
}

var (
	envelopeValidator  = mustSchema(envelopeSchema)
	argumentValidators = func() map[string]*gojsonschema.Schema {
		m := make(map[string]*gojsonschema.Schema, len(argumentSchemas))
		for name, s := range argumentSchemas {
			m[name] = mustSchema(s)
		}
		return m
	}()
)

func mustSchema(s string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(fmt.Sprintf("invalid command schema: %v", err))
	}
	return schema
}

// Decode parses a server message. It returns a nil Command when the
// message carries no command, and Unknown for unrecognized names.
func Decode(data []byte) (Command, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	if err := validate(envelopeValidator, data); err != nil {
		return nil, err
	}

	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode command: %w", err)
	}
	if msg.Command == "" {
		return nil, nil
	}

	args := []byte(msg.Arguments)
	if len(args) == 0 || string(args) == "null" {
		args = []byte("{}")
	}

	schema, ok := argumentValidators[msg.Command]
	if !ok {
		return Unknown{Command: msg.Command}, nil
	}
	if err := validate(schema, args); err != nil {
		return nil, fmt.Errorf("invalid %s arguments: %w", msg.Command, err)
	}

	switch msg.Command {
	case NameGetFileByHash:
		var cmd GetFileByHash
		err := json.Unmarshal(args, &cmd)
		cmd.SHA256 = strings.ToLower(cmd.SHA256)
		return cmd, err
	case NameGetCatalogFileByHash:
		var cmd GetCatalogFileByHash
		err := json.Unmarshal(args, &cmd)
		cmd.SHA256 = strings.ToLower(cmd.SHA256)
		return cmd, err
	case NameSetSystemUUID:
		var cmd SetSystemUUID
		if err := json.Unmarshal(args, &cmd); err != nil {
			return nil, err
		}
		if _, err := uuid.Parse(cmd.SystemUUID); err != nil {
			return nil, fmt.Errorf("invalid SystemUUID %q: %w", cmd.SystemUUID, err)
		}
		return cmd, nil
	case NameUpdate:
		var cmd Update
		err := json.Unmarshal(args, &cmd)
		return cmd, err
	case NameStall:
		var cmd Stall
		err := json.Unmarshal(args, &cmd)
		return cmd, err
	default:
		return NOP{}, nil
	}
}

func validate(schema *gojsonschema.Schema, data []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("malformed command: %w", err)
	}
	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return fmt.Errorf("validation failed: %v", errs)
	}
	return nil
}
