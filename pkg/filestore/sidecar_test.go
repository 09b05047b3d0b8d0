package filestore_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stratafs.io/platform/pkg/filestore"
)

func TestSidecarRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	s := filestore.Sidecar{
		SchemaVersion:    filestore.CurrentSchemaVersion,
		FileID:           "abc123",
		OriginalFilename: "report.pdf",
		StorageFilename:  "report_alice_20260729T103000_deadbeefdeadbeefdeadbeefdeadbeef.pdf",
		FileSize:         1024,
		ChecksumSHA256:   "deadbeef",
		ContentType:      "application/pdf",
		RetentionPolicy:  "TEMPORARY",
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	data, err := filestore.MarshalSidecar(s)
	require.NoError(t, err)
	require.LessOrEqual(t, len(data), filestore.MaxAttrSize)

	got, err := filestore.UnmarshalSidecar(data)
	require.NoError(t, err)
	require.Equal(t, s.FileID, got.FileID)
	require.Equal(t, s.ChecksumSHA256, got.ChecksumSHA256)
	require.NotNil(t, got.CustomAttributes)
}

func TestSidecarV1MigratesToV2(t *testing.T) {
	v1 := `{"schema_version":1,"file_id":"x","original_filename":"a.txt","storage_filename":"a_b_20260729T000000_deadbeefdeadbeefdeadbeefdeadbeef.txt","file_size":10,"checksum_sha256":"aa","content_type":"text/plain","retention_policy":"PERMANENT"}`

	got, err := filestore.UnmarshalSidecar([]byte(v1))
	require.NoError(t, err)
	require.Equal(t, 2, got.SchemaVersion)
	require.NotNil(t, got.CustomAttributes)
	require.Empty(t, got.CustomAttributes)
	require.Equal(t, "x", got.FileID)
	require.Equal(t, "PERMANENT", got.RetentionPolicy)
}

func TestSidecarRejectsOversizedPayload(t *testing.T) {
	s := filestore.Sidecar{
		SchemaVersion:    2,
		CustomAttributes: map[string]string{},
	}
	for i := 0; i < 500; i++ {
		s.CustomAttributes[string(rune('a'+i%26))+string(rune(i))] = "0123456789"
	}
	_, err := filestore.MarshalSidecar(s)
	require.Error(t, err)
}
