package configutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Database string            `json:"database"`
	Every    int               `json:"every"`
	Weights  map[string]string `json:"weights"`
}

func TestReadConfigMergesLocal(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json5"), []byte(`{
		// comments are allowed
		database: "<state>/cache.db",
		every: 10,
	}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.local.json5"), []byte(`{
		every: 3,
	}`), 0644))

	config, err := ReadConfig[testConfig](filepath.Join(dir, "config.json5"))
	require.NoError(t, err)

	expected := testConfig{Database: "<state>/cache.db", Every: 3}
	if diff := cmp.Diff(expected, config); diff != "" {
		t.Fatal(diff)
	}
}

func TestReadConfigLocalOnly(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "secrets.local.json5"), []byte(`{every: 7}`), 0644))

	config, err := ReadConfig[testConfig](filepath.Join(dir, "secrets.json5"))
	require.NoError(t, err)
	require.Equal(t, 7, config.Every)
}

func TestLayers(t *testing.T) {
	require.Equal(t, []string{"a/config.json5", "a/config.local.json5"}, Layers("a/config.json5"))
}

func TestReadConfigMissing(t *testing.T) {
	_, err := ReadConfig[testConfig](filepath.Join(t.TempDir(), "config.json5"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestResolvePath(t *testing.T) {
	require.Equal(t, filepath.Join("/var/state", "cache.db"), ResolvePath("/etc", "/var/state", "<state>/cache.db"))
	require.Equal(t, "/abs/x", ResolvePath("/etc", "/var/state", "/abs/x"))
	require.Equal(t, "libsql://db.example", ResolvePath("/etc", "/var/state", "libsql://db.example"))
	require.Equal(t, filepath.Join("/etc", "profiles/a.yaml"), ResolvePath("/etc", "/var/state", "profiles/a.yaml"))
}
