package filestore

import (
	"encoding/json"
	"time"
)

// CurrentSchemaVersion is the sidecar schema this build writes.
const CurrentSchemaVersion = 2

// Sidecar is the per-file JSON document stored at {path}.attr.json, the
// source of truth for bytes-local metadata (spec.md §3).
type Sidecar struct {
	SchemaVersion     int               `json:"schema_version"`
	FileID            string            `json:"file_id"`
	OriginalFilename  string            `json:"original_filename"`
	StorageFilename   string            `json:"storage_filename"`
	FileSize          int64             `json:"file_size"`
	ChecksumSHA256    string            `json:"checksum_sha256"`
	ContentType       string            `json:"content_type"`
	RetentionPolicy   string            `json:"retention_policy"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	CustomAttributes  map[string]string `json:"custom_attributes"`
}

// MarshalSidecar serializes s, rejecting anything over MaxAttrSize so
// callers can fail before attempting a write.
func MarshalSidecar(s Sidecar) ([]byte, error) {
	if s.CustomAttributes == nil {
		s.CustomAttributes = map[string]string{}
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if len(data) > MaxAttrSize {
		return nil, Error.New("sidecar serializes to %d bytes, exceeds cap of %d", len(data), MaxAttrSize)
	}
	return data, nil
}

// UnmarshalSidecar parses data and migrates v1 documents forward to v2 by
// adding an empty custom_attributes map, per spec.md §3. All other fields
// are preserved verbatim.
func UnmarshalSidecar(data []byte) (Sidecar, error) {
	var s Sidecar
	if err := json.Unmarshal(data, &s); err != nil {
		return Sidecar{}, Error.Wrap(err)
	}
	if s.SchemaVersion < 2 {
		if s.CustomAttributes == nil {
			s.CustomAttributes = map[string]string{}
		}
		s.SchemaVersion = 2
	}
	return s, nil
}
