package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsMissingPaths(t *testing.T) {
	cfg := Default()
	cfg.InputDir = ""
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidateRejectsBadCombineMethod(t *testing.T) {
	cfg := Default()
	cfg.CombineMethod = "nonsense"
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsEmptyAntennaChain(t *testing.T) {
	cfg := Default()
	cfg.RefAntennaChain = nil
	require.Error(t, cfg.Validate())
}

func TestLoadFromFileMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "contimg.json")
	overlay := map[string]interface{}{
		"input_dir": "/custom/incoming",
		"n_tiles":   6,
	}
	data, err := json.Marshal(overlay)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/custom/incoming", cfg.InputDir)
	assert.Equal(t, 6, cfg.NTiles)
	// Unset fields keep Default() values.
	assert.Equal(t, Default().CombineMethod, cfg.CombineMethod)
}

func TestLoadFromFileRejectsWrongExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "contimg.txt")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

	_, err := LoadFromFile(path)
	require.Error(t, err)
}

func TestLoadFromFileRejectsOversize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "contimg.json")
	big := make([]byte, 2<<20)
	for i := range big {
		big[i] = ' '
	}
	big[0] = '{'
	big[len(big)-1] = '}'
	require.NoError(t, os.WriteFile(path, big, 0o644))

	_, err := LoadFromFile(path)
	require.Error(t, err)
}

func TestDefaultRetryPolicyMatchesSpecTable(t *testing.T) {
	policy := DefaultRetryPolicy()
	require.Contains(t, policy, "transient_io")
	assert.Equal(t, 5, policy["transient_io"].MaxRetries)
	assert.Equal(t, 10, policy["missing_calibration"].MaxRetries)
	assert.Equal(t, 0, policy["corrupt_input"].MaxRetries)
}
