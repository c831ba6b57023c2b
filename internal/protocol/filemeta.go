// Package protocol defines the file metadata exchanged between beamfile
// instances and its two wire forms.
//
// On a proxy socket the metadata travels as the socket task's JSON metadata:
//
//	{"suggested_name": "report.pdf", "meta": {...}}
//
// Over plain HTTP (tunnel uploads and receive callbacks) the same record is
// split into a "filename" header and a "metadata" header holding JSON.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
)

// ErrInvalidFilename is returned for suggested names outside [A-Za-z0-9_.-]+.
var ErrInvalidFilename = errors.New("invalid filename")

// FileMeta describes a file in flight.
type FileMeta struct {
	// SuggestedName is the name the sender proposes to the receiver. Empty
	// means no suggestion. A non-empty value has passed ValidateFilename.
	SuggestedName string

	// Meta is opaque JSON supplied by the sender. Nil means absent.
	Meta json.RawMessage
}

// wireMeta is the JSON layout on the socket. Absent values are encoded as
// null, not omitted.
type wireMeta struct {
	SuggestedName *string         `json:"suggested_name"`
	Meta          json.RawMessage `json:"meta"`
}

// ValidateFilename returns name unchanged if it consists only of ASCII
// letters, digits, '_', '.' and '-'. The suggested name ends up in
// filesystem paths on the receiving side, so anything else is rejected.
func ValidateFilename(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrInvalidFilename)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '_', c == '.', c == '-':
		default:
			return "", fmt.Errorf("%w: %q", ErrInvalidFilename, name)
		}
	}
	return name, nil
}

// SuggestName picks the suggested name for a file read from path. An
// explicit override must be valid. Otherwise the base name of path is used
// unless path is "-" (stdin); a base name that fails validation is dropped.
func SuggestName(override, path string) (string, error) {
	if override != "" {
		return ValidateFilename(override)
	}
	if path == "" || path == "-" {
		return "", nil
	}
	name, err := ValidateFilename(filepath.Base(path))
	if err != nil {
		return "", nil
	}
	return name, nil
}

// NewFileMeta builds validated metadata. meta may be nil; if set it must be
// valid JSON.
func NewFileMeta(suggestedName string, meta json.RawMessage) (FileMeta, error) {
	if suggestedName != "" {
		if _, err := ValidateFilename(suggestedName); err != nil {
			return FileMeta{}, err
		}
	}
	meta, err := normalizeMeta(meta)
	if err != nil {
		return FileMeta{}, err
	}
	return FileMeta{SuggestedName: suggestedName, Meta: meta}, nil
}

// MarshalJSON implements json.Marshaler using the socket wire layout.
func (m FileMeta) MarshalJSON() ([]byte, error) {
	w := wireMeta{Meta: m.Meta}
	if m.SuggestedName != "" {
		name := m.SuggestedName
		w.SuggestedName = &name
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler. The suggested name is validated.
func (m *FileMeta) UnmarshalJSON(data []byte) error {
	var w wireMeta
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	var out FileMeta
	if w.SuggestedName != nil {
		name, err := ValidateFilename(*w.SuggestedName)
		if err != nil {
			return err
		}
		out.SuggestedName = name
	}
	meta, err := normalizeMeta(w.Meta)
	if err != nil {
		return err
	}
	out.Meta = meta
	*m = out
	return nil
}

// EncodeStream returns the socket task metadata for m.
func EncodeStream(m FileMeta) (json.RawMessage, error) {
	return json.Marshal(m)
}

// DecodeStream parses socket task metadata. A failure here rejects the file.
func DecodeStream(raw json.RawMessage) (FileMeta, error) {
	var m FileMeta
	if len(bytes.TrimSpace(raw)) == 0 {
		return m, errors.New("decode file metadata: missing")
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return FileMeta{}, fmt.Errorf("decode file metadata: %w", err)
	}
	return m, nil
}

// normalizeMeta compacts meta and maps JSON null to nil.
func normalizeMeta(meta json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(meta)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, fmt.Errorf("invalid metadata json: %w", err)
	}
	return json.RawMessage(buf.Bytes()), nil
}
