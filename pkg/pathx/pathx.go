// Package pathx normalizes job file paths against a mounted music root.
package pathx

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// Normalize canonicalizes mixed-separator input (as produced by a Windows
// library scanner) to forward slashes.
func Normalize(p string) string {
	return strings.ReplaceAll(p, `\`, "/")
}

// Resolve joins a relative, possibly mixed-separator path onto root and
// rejects anything that would escape root or contains invalid UTF-8. A
// byte sequence the filesystem encoding cannot represent is a permanent
// failure, not a retryable one.
func Resolve(root, rel string) (string, error) {
	if !utf8.ValidString(rel) {
		return "", fmt.Errorf("op=pathx.Resolve: invalid encoding in path %q", rel)
	}
	normalized := Normalize(rel)
	joined := filepath.Join(root, normalized)
	cleanRoot := filepath.Clean(root)
	if joined != cleanRoot && !strings.HasPrefix(joined, cleanRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("op=pathx.Resolve: path %q escapes mount root", rel)
	}
	return joined, nil
}
