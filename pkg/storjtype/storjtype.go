// Package storjtype defines the wire-stable domain primitives shared by
// every service: file identifiers, retention policy, storage-element mode
// and the capacity/health enums. Keeping them in one leaf package avoids
// import cycles between admin, ingester, query and storageelement.
package storjtype

import (
	"fmt"
	"strings"
	"time"

	uuid "github.com/satori/go.uuid"
	"github.com/zeebo/errs"
)

// Error is the class for malformed domain values.
var Error = errs.Class("storjtype")

// FileID is a 128-bit identifier, stable for the life of a file.
type FileID uuid.UUID

// NewFileID generates a random FileID.
func NewFileID() FileID {
	return FileID(uuid.NewV4())
}

func (id FileID) String() string { return uuid.UUID(id).String() }

// IsZero reports whether id is the zero value.
func (id FileID) IsZero() bool { return id == FileID{} }

// ParseFileID parses the canonical 32-hex or dashed representation.
func ParseFileID(s string) (FileID, error) {
	u, err := uuid.FromString(s)
	if err != nil {
		return FileID{}, Error.Wrap(err)
	}
	return FileID(u), nil
}

// RetentionPolicy is a file's lifecycle class.
type RetentionPolicy string

const (
	RetentionTemporary RetentionPolicy = "TEMPORARY"
	RetentionPermanent RetentionPolicy = "PERMANENT"
)

// Valid reports whether p is a known retention policy.
func (p RetentionPolicy) Valid() bool {
	return p == RetentionTemporary || p == RetentionPermanent
}

// SEMode is a position in the storage-element mode lattice.
// Transitions only ever advance: EDIT -> RW -> RO -> AR.
type SEMode string

const (
	ModeEdit SEMode = "edit"
	ModeRW   SEMode = "rw"
	ModeRO   SEMode = "ro"
	ModeAR   SEMode = "ar"
)

var modeRank = map[SEMode]int{
	ModeEdit: 0,
	ModeRW:   1,
	ModeRO:   2,
	ModeAR:   3,
}

// Valid reports whether m is a known mode.
func (m SEMode) Valid() bool {
	_, ok := modeRank[m]
	return ok
}

// AllowsWrite reports whether new files may be uploaded while in mode m.
func (m SEMode) AllowsWrite() bool { return m == ModeEdit || m == ModeRW }

// AllowsDelete reports whether files may be deleted while in mode m.
func (m SEMode) AllowsDelete() bool { return m == ModeEdit }

// CanAdvanceTo reports whether transitioning from m to next respects the
// lattice's monotonic ordering. Staying in place is not an advance.
func (m SEMode) CanAdvanceTo(next SEMode) bool {
	return m.Valid() && next.Valid() && modeRank[next] > modeRank[m]
}

// RequiredMode returns the SE mode an upload of the given retention policy
// must land on.
func RequiredMode(p RetentionPolicy) SEMode {
	if p == RetentionPermanent {
		return ModeRW
	}
	return ModeEdit
}

// Health is a storage element's polled health state.
type Health string

const (
	HealthHealthy   Health = "HEALTHY"
	HealthDegraded  Health = "DEGRADED"
	HealthUnhealthy Health = "UNHEALTHY"
)

// CapacityStatus is derived from percent-used.
type CapacityStatus string

const (
	StatusOK       CapacityStatus = "OK"
	StatusWarning  CapacityStatus = "WARNING"
	StatusCritical CapacityStatus = "CRITICAL"
	StatusFull     CapacityStatus = "FULL"
)

// Default thresholds, overridable per SE (see Capacity.StatusWithOverride).
const (
	DefaultWarningPct  = 85.0
	DefaultCriticalPct = 92.0
	DefaultFullPct     = 98.0
)

// Thresholds holds the percent-used cut points used to derive CapacityStatus.
type Thresholds struct {
	WarningPct  float64
	CriticalPct float64
	FullPct     float64
}

// DefaultThresholds returns the spec's static defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{WarningPct: DefaultWarningPct, CriticalPct: DefaultCriticalPct, FullPct: DefaultFullPct}
}

// StatusFor derives a CapacityStatus from percentUsed using t.
func (t Thresholds) StatusFor(percentUsed float64) CapacityStatus {
	switch {
	case percentUsed >= t.FullPct:
		return StatusFull
	case percentUsed >= t.CriticalPct:
		return StatusCritical
	case percentUsed >= t.WarningPct:
		return StatusWarning
	default:
		return StatusOK
	}
}

// StorageFilename derives the on-disk filename for an upload, of shape
// {stem}_{uploader}_{YYYYMMDDThhmmss}_{uuid32}{ext}, capped at 200 bytes.
func StorageFilename(originalFilename, uploader string, at time.Time, u uuid.UUID) (string, error) {
	ext := ""
	stem := originalFilename
	if i := strings.LastIndexByte(originalFilename, '.'); i > 0 {
		stem, ext = originalFilename[:i], originalFilename[i:]
	}
	stem = sanitizeStem(stem)
	uploader = strings.ReplaceAll(sanitizeStem(uploader), ".", "_")
	stamp := at.UTC().Format("20060102T150405")
	hex := strings.ReplaceAll(u.String(), "-", "")
	name := fmt.Sprintf("%s_%s_%s_%s%s", stem, uploader, stamp, hex, ext)
	if len(name) > 200 {
		overflow := len(name) - 200
		if overflow >= len(stem) {
			return "", Error.New("storage filename cannot be reduced under 200 bytes")
		}
		stem = stem[:len(stem)-overflow]
		name = fmt.Sprintf("%s_%s_%s_%s%s", stem, uploader, stamp, hex, ext)
	}
	return name, nil
}

func sanitizeStem(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
	return s
}

// ParsedStorageFilename is the round-trip decomposition of a StorageFilename.
type ParsedStorageFilename struct {
	Stem     string
	Uploader string
	At       time.Time
	UUIDHex  string
	Ext      string
}

// ParseStorageFilename is the inverse of StorageFilename.
func ParseStorageFilename(name string) (ParsedStorageFilename, error) {
	ext := ""
	base := name
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		base, ext = name[:i], name[i:]
	}
	parts := strings.Split(base, "_")
	if len(parts) < 4 {
		return ParsedStorageFilename{}, Error.New("malformed storage filename %q", name)
	}
	uuidHex := parts[len(parts)-1]
	stamp := parts[len(parts)-2]
	uploader := parts[len(parts)-3]
	stem := strings.Join(parts[:len(parts)-3], "_")
	at, err := time.Parse("20060102T150405", stamp)
	if err != nil {
		return ParsedStorageFilename{}, Error.Wrap(err)
	}
	if len(uuidHex) != 32 {
		return ParsedStorageFilename{}, Error.New("malformed uuid segment %q", uuidHex)
	}
	return ParsedStorageFilename{Stem: stem, Uploader: uploader, At: at, UUIDHex: uuidHex, Ext: ext}, nil
}
