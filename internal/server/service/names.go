package service

import (
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DisplayName returns the base name of an uploaded file for use in response
// headers. It strips directory components and control characters and limits
// the length. The stored original name is left untouched.
func DisplayName(name string) string {
	// Normalize Windows-style backslashes to forward slashes before
	// calling filepath.Base, which is platform-specific.
	name = strings.ReplaceAll(name, "\\", "/")

	name = filepath.Base(name)

	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)

	// Limit length
	if len(name) > 255 {
		ext := filepath.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		name = truncateUTF8(name[:len(name)-len(ext)], 255-len(ext)) + ext
	}

	if name == "" || name == "." || name == ".." || name == "/" {
		name = DefaultFilename
	}

	return name
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
