package subband

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFixture(t *testing.T, dir, stem, hdrJSON string) string {
	t.Helper()
	dataPath := filepath.Join(dir, stem+".hdf5")
	require.NoError(t, os.WriteFile(dataPath, []byte("fake-visibility-data"), 0o644))
	if hdrJSON != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, stem+".hdr.json"), []byte(hdrJSON), 0o644))
	}
	return dataPath
}

func TestParseValidFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFixture(t, dir, "20260301T000000_sb07",
		`{"timestamp_iso":"2026-03-01T00:00:00Z","pointing_dec_deg":37.5}`)

	got, err := Parse(path)
	require.NoError(t, err)
	assert.Equal(t, "sb07", got.SubbandCode)
	assert.Equal(t, 37.5, got.PointingDecDeg)
	assert.True(t, got.Timestamp.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))
}

func TestParseRejectsBadFilename(t *testing.T) {
	dir := t.TempDir()
	path := writeFixture(t, dir, "not-a-subband-file", `{}`)
	_, err := Parse(path)
	assert.Error(t, err)
}

func TestParseRejectsMissingHeader(t *testing.T) {
	dir := t.TempDir()
	path := writeFixture(t, dir, "20260301T000000_sb00", "")
	_, err := Parse(path)
	assert.Error(t, err)
}

func TestParseRejectsMismatchedTimestamp(t *testing.T) {
	dir := t.TempDir()
	path := writeFixture(t, dir, "20260301T000000_sb00",
		`{"timestamp_iso":"2026-03-01T00:05:00Z","pointing_dec_deg":10}`)
	_, err := Parse(path)
	assert.Error(t, err)
}

func TestParseRejectsMalformedHeaderJSON(t *testing.T) {
	dir := t.TempDir()
	path := writeFixture(t, dir, "20260301T000000_sb00", `{not json`)
	_, err := Parse(path)
	assert.Error(t, err)
}

func TestIsSubbandFile(t *testing.T) {
	assert.True(t, IsSubbandFile("20260301T000000_sb00.hdf5"))
	assert.False(t, IsSubbandFile("readme.txt"))
	assert.False(t, IsSubbandFile("20260301T000000_sb00.hdr.json"))
}
