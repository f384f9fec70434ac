package staging

import (
	"path/filepath"
	"strings"
	"unicode"
)

const maxBaseLen = 64

// SanitizeBase strips the extension and directory from an uploaded file name
// and keeps only characters that are safe in a URL path segment.
func SanitizeBase(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.TrimSuffix(name, filepath.Ext(name))

	var b strings.Builder
	lastDash := false
	for _, r := range name {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)), r == '_':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
		if b.Len() >= maxBaseLen {
			break
		}
	}

	out := strings.Trim(b.String(), "-")
	if out == "" || out == "." {
		return "photo"
	}
	return out
}

// SanitizeExt returns the lower-cased extension of name if it is short and
// alphanumeric, otherwise an empty string.
func SanitizeExt(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if len(ext) < 2 || len(ext) > 6 {
		return ""
	}
	for _, r := range ext[1:] {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return ""
		}
	}
	return ext
}
