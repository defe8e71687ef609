// Package activity turns raw executor output into typed activity events.
//
// types.go - Activity event types and the details union
//
// Details is a small tagged union rather than an open map: one variant per
// known activity type plus a generic catch-all. New rule kinds get a new
// variant and a case in DecodeDetails.
package activity

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type categorizes a parsed activity event
type Type string

const (
	TypeBash      Type = "bash_command"
	TypeFileRead  Type = "file_read"
	TypeFileWrite Type = "file_write"
	TypeFileEdit  Type = "file_edit"
	TypeSearch    Type = "search"
	TypeGlob      Type = "glob"
	TypeGeneric   Type = "generic"
)

// Details carries the structured payload for one activity type
type Details interface {
	ActivityType() Type
}

// BashDetails describes a shell invocation
type BashDetails struct {
	Command string `json:"command"`
}

func (BashDetails) ActivityType() Type { return TypeBash }

// FileReadDetails describes a file read
type FileReadDetails struct {
	Path string `json:"path"`
}

func (FileReadDetails) ActivityType() Type { return TypeFileRead }

// FileWriteDetails describes a file creation or full write
type FileWriteDetails struct {
	Path string `json:"path"`
}

func (FileWriteDetails) ActivityType() Type { return TypeFileWrite }

// FileEditDetails describes an in-place file edit
type FileEditDetails struct {
	Path string `json:"path"`
}

func (FileEditDetails) ActivityType() Type { return TypeFileEdit }

// SearchDetails describes a text search
type SearchDetails struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path,omitempty"`
}

func (SearchDetails) ActivityType() Type { return TypeSearch }

// GlobDetails describes a path glob match
type GlobDetails struct {
	Pattern string `json:"pattern"`
}

func (GlobDetails) ActivityType() Type { return TypeGlob }

// GenericDetails is the catch-all for unrecognized output
type GenericDetails struct {
	Preview string `json:"preview"`
}

func (GenericDetails) ActivityType() Type { return TypeGeneric }

// Event is one typed activity parsed from executor output
type Event struct {
	Type        Type
	Description string
	Details     Details
	Output      string
	Timestamp   time.Time
}

// EncodeDetails serializes a details variant to JSON for storage
func EncodeDetails(d Details) ([]byte, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(d)
}

// DecodeDetails deserializes stored JSON back into the variant for t
func DecodeDetails(t Type, data []byte) (Details, error) {
	if len(data) == 0 {
		data = []byte("{}")
	}

	var (
		d   Details
		err error
	)
	switch t {
	case TypeBash:
		var v BashDetails
		err = json.Unmarshal(data, &v)
		d = v
	case TypeFileRead:
		var v FileReadDetails
		err = json.Unmarshal(data, &v)
		d = v
	case TypeFileWrite:
		var v FileWriteDetails
		err = json.Unmarshal(data, &v)
		d = v
	case TypeFileEdit:
		var v FileEditDetails
		err = json.Unmarshal(data, &v)
		d = v
	case TypeSearch:
		var v SearchDetails
		err = json.Unmarshal(data, &v)
		d = v
	case TypeGlob:
		var v GlobDetails
		err = json.Unmarshal(data, &v)
		d = v
	case TypeGeneric:
		var v GenericDetails
		err = json.Unmarshal(data, &v)
		d = v
	default:
		return nil, fmt.Errorf("unknown activity type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s details: %w", t, err)
	}
	return d, nil
}
