package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSchemaFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0644))
}

func TestScanDir(t *testing.T) {
	root := t.TempDir()
	writeSchemaFile(t, filepath.Join(root, "endpoints"), "login.v1.json", `{"type":"object"}`)
	writeSchemaFile(t, filepath.Join(root, "endpoints"), "login.v2.json", `{"type":"object","required":["authid"]}`)
	writeSchemaFile(t, filepath.Join(root, "endpoints"), "logout.v1.json", `{}`)
	writeSchemaFile(t, filepath.Join(root, "claims"), "ring0.v1.json", `{"properties":{"role":{"type":"string"}}}`)
	// Files not matching <name>.v<N>.json are skipped.
	writeSchemaFile(t, filepath.Join(root, "endpoints"), "README.md", "notes")
	writeSchemaFile(t, filepath.Join(root, "endpoints"), "stray.json", `{}`)

	got, err := ScanDir(root)
	require.NoError(t, err)

	require.Len(t, got.Endpoints, 3)
	assert.Equal(t, "login", got.Endpoints[0].Name)
	assert.Equal(t, 1, got.Endpoints[0].Version)
	assert.Equal(t, "login", got.Endpoints[1].Name)
	assert.Equal(t, 2, got.Endpoints[1].Version)
	assert.Equal(t, "logout", got.Endpoints[2].Name)

	require.Len(t, got.Claims, 1)
	assert.Equal(t, "ring0", got.Claims[0].Name)
	assert.Empty(t, got.Resources)
	assert.False(t, got.Empty())
}

func TestScanDirMissingSubdirs(t *testing.T) {
	got, err := ScanDir(t.TempDir())
	require.NoError(t, err)
	assert.True(t, got.Empty())
}

func TestScanDirRejectsInvalidJSON(t *testing.T) {
	root := t.TempDir()
	writeSchemaFile(t, filepath.Join(root, "endpoints"), "broken.v1.json", `{not json`)

	_, err := ScanDir(root)
	assert.Error(t, err)
}
