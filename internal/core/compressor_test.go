package core

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readZip returns archive entry names mapped to their contents.
func readZip(t *testing.T, data []byte) map[string]string {
	t.Helper()
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	out := make(map[string]string)
	for _, f := range reader.File {
		rc, err := f.Open()
		require.NoError(t, err)
		content, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		out[f.Name] = string(content)
	}
	return out
}

func TestFiletree_ToZipBytes(t *testing.T) {
	t.Run("directory with nested files", func(t *testing.T) {
		root := setupTree(t, map[string]string{
			"project/README.md":     "# Project",
			"project/src/main.go":   "package main",
			"project/tests/test.go": "package test",
		})
		tree := buildTree(t, filepath.Join(root, "project"))

		data, err := tree.ToZipBytes()
		require.NoError(t, err)
		assert.Equal(t, map[string]string{
			"project/README.md":     "# Project",
			"project/src/main.go":   "package main",
			"project/tests/test.go": "package test",
		}, readZip(t, data))
	})

	t.Run("multiple files sit under the virtual root", func(t *testing.T) {
		tree := buildTree(t, setupTestFile(t, "file1.txt", "content1"), setupTestFile(t, "file2.txt", "content2"))
		data, err := tree.ToZipBytes()
		require.NoError(t, err)

		entries := readZip(t, data)
		assert.Len(t, entries, 2)
		for name := range entries {
			assert.True(t, strings.HasPrefix(name, (*tree.Root).Name()+"/"), name)
		}
	})

	t.Run("empty directory gives an empty archive", func(t *testing.T) {
		root := setupTree(t, map[string]string{"empty/": ""})
		tree := buildTree(t, filepath.Join(root, "empty"))

		data, err := tree.ToZipBytes()
		require.NoError(t, err)
		assert.Empty(t, readZip(t, data))
	})

	t.Run("preserves file permissions", func(t *testing.T) {
		script := setupTestFile(t, "script.sh", "#!/bin/sh\necho hello")
		require.NoError(t, os.Chmod(script, 0o755))
		tree := buildTree(t, filepath.Dir(script))

		data, err := tree.ToZipBytes()
		require.NoError(t, err)
		reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		require.NoError(t, err)
		require.Len(t, reader.File, 1)
		assert.Equal(t, os.FileMode(0o755), reader.File[0].Mode().Perm())
	})

	t.Run("compression reduces repetitive content", func(t *testing.T) {
		content := strings.Repeat("ephemera ", 10000)
		tree := buildTree(t, setupTestFile(t, "big.txt", content))

		data, err := tree.ToZipBytes()
		require.NoError(t, err)
		assert.Less(t, len(data), len(content)/10)
		assert.Equal(t, int64(len(content)), tree.GetUncompressedSize())
	})

	t.Run("missing file fails", func(t *testing.T) {
		path := setupTestFile(t, "gone.txt", "x")
		tree := buildTree(t, path)
		require.NoError(t, os.Remove(path))

		_, err := tree.ToZipBytes()
		assert.Error(t, err)
	})
}
