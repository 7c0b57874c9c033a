package utils

import (
	"regexp"
	"strings"
)

// --- Filename Sanitization ---
var invalidPathChars = regexp.MustCompile(`[<>:/\\|?*]`) // Characters that cannot appear in a path component

const fallbackFilename = "download"

// SanitizeFilename replaces every character illegal in a path component with '_'.
// The result never contains any of < > : / \ | ? * and SanitizeFilename(SanitizeFilename(s)) == SanitizeFilename(s).
func SanitizeFilename(name string) string {
	return invalidPathChars.ReplaceAllString(name, "_")
}

// SafePathComponent sanitizes name and additionally rejects components that would escape
// or alias their parent directory ("", ".", "..").
func SafePathComponent(name string) string {
	sanitized := SanitizeFilename(strings.TrimSpace(name))
	switch sanitized {
	case "":
		return fallbackFilename
	case ".", "..":
		return strings.Repeat("_", len(sanitized))
	}
	return sanitized
}
