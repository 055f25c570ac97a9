package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertValidationError(t *testing.T, err error, expectedArg string, expectedCause string) {
	t.Helper()
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	if expectedArg != "" {
		assert.Equal(t, expectedArg, validationErr.Arg)
	}
	assert.Equal(t, expectedCause, validationErr.Cause)
}

func TestParseArgs(t *testing.T) {
	t.Run("empty args returns error", func(t *testing.T) {
		result, err := ParseArgs([]string{})
		assert.Nil(t, result)
		assertValidationError(t, err, "<files>", "no files provided")
	})

	t.Run("file records its size", func(t *testing.T) {
		path := setupTestFile(t, "test.txt", "content")

		result, err := ParseArgs([]string{path})
		require.NoError(t, err)
		require.Len(t, result, 1)
		assert.Equal(t, ParsedPath{FullPath: path, Kind: PathFile, Size: 7}, result[0])
	})

	t.Run("mixed files and directories keep their order", func(t *testing.T) {
		tmpDir := t.TempDir()
		subDir := filepath.Join(tmpDir, "subdir")
		require.NoError(t, os.Mkdir(subDir, 0o755))
		testFile := filepath.Join(tmpDir, "test.txt")
		require.NoError(t, os.WriteFile(testFile, []byte("content"), 0o644))

		result, err := ParseArgs([]string{testFile, subDir})
		require.NoError(t, err)
		require.Len(t, result, 2)
		assert.Equal(t, PathFile, result[0].Kind)
		assert.Equal(t, PathDir, result[1].Kind)
		assert.Equal(t, subDir, result[1].FullPath)
	})

	t.Run("duplicates collapse after cleaning", func(t *testing.T) {
		path := setupTestFile(t, "test.txt", "content")
		messy := filepath.Join(filepath.Dir(path), ".", "test.txt")

		result, err := ParseArgs([]string{path, messy})
		require.NoError(t, err)
		require.Len(t, result, 1)
		assert.Equal(t, path, result[0].FullPath)
	})

	t.Run("nonexistent path returns error", func(t *testing.T) {
		result, err := ParseArgs([]string{"/nonexistent/path/file.txt"})
		assert.Nil(t, result)
		assertValidationError(t, err, "/nonexistent/path/file.txt", "not found or not accessible")
	})

	t.Run("special files are rejected", func(t *testing.T) {
		if _, err := os.Stat("/dev/null"); err != nil {
			t.Skip("no /dev/null")
		}
		_, err := ParseArgs([]string{"/dev/null"})
		assertValidationError(t, err, "/dev/null", "not a regular file or directory")
	})
}

func TestValidationError(t *testing.T) {
	err := &ValidationError{Arg: "test.txt", Cause: "file not found"}
	assert.Equal(t, `invalid argument "test.txt": file not found`, err.Error())
}
