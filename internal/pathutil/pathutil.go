// Package pathutil expands output name templates and sanitizes the result
// into safe, unique filenames.
package pathutil

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// emptyName replaces names that sanitize down to nothing.
const emptyName = "_empty_file"

// placeholderPattern matches a template field together with the separator
// run in front of it, so an empty field takes its separators with it.
var placeholderPattern = regexp.MustCompile(`[-._ ]*\{([a-zA-Z_]+)\}`)

// invalidChars are stripped from filenames, together with control chars.
const invalidChars = `<>:"/\|?*`

// reservedNames are Windows device names that cannot be used as filenames.
var reservedNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// Expand substitutes {field} placeholders from the map. Empty fields are
// elided together with the separators adjoining them.
func Expand(template string, fields map[string]string) string {
	out := placeholderPattern.ReplaceAllStringFunc(template, func(m string) string {
		sub := placeholderPattern.FindStringSubmatch(m)
		key := sub[1]
		value := strings.TrimSpace(fields[key])
		if value == "" {
			return ""
		}
		sep := m[:strings.IndexByte(m, '{')]
		return sep + value
	})
	return strings.Trim(out, "-._ ")
}

// Sanitize makes a single path component safe: NFC normalization, invalid
// and control characters stripped, reserved device names prefixed with an
// underscore, empty results replaced.
func Sanitize(name string) string {
	name = norm.NFC.String(name)

	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if r < 0x20 || strings.ContainsRune(invalidChars, r) {
			continue
		}
		b.WriteRune(r)
	}
	out := strings.TrimSpace(b.String())

	if out == "" {
		return emptyName
	}

	stem := out
	if idx := strings.IndexByte(stem, '.'); idx > 0 {
		stem = stem[:idx]
	}
	if reservedNames[strings.ToUpper(stem)] {
		out = "_" + out
	}
	return out
}

// EnsureUnique returns path unchanged when nothing exists there, otherwise
// the first "name (N)" variant that does not exist, smallest N first.
func EnsureUnique(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}

	dir := filepath.Dir(path)
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(filepath.Base(path), ext)

	for n := 1; ; n++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// BuildName expands the template, sanitizes the result, and never returns
// an empty component.
func BuildName(template string, fields map[string]string) string {
	return Sanitize(Expand(template, fields))
}
