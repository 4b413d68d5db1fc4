// Package patch applies regexp substitutions to files in place.
package patch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/schaermu/vendorroll/internal/fsutil"
)

// ErrNoMatch is returned when a substitution's pattern matches nothing
var ErrNoMatch = errors.New("pattern did not match")

// Substitution replaces matches of Pattern in File with Replace.
// Patterns are compiled in multi-line mode, so ^ and $ match at line
// boundaries. Without All only the first match in the file is replaced.
type Substitution struct {
	File    string
	Pattern string
	Replace string
	All     bool
}

// Apply rewrites the file under root. It fails with ErrNoMatch when the
// pattern is not found, leaving the file untouched.
func (s Substitution) Apply(root string) error {
	re, err := regexp.Compile("(?m)" + s.Pattern)
	if err != nil {
		return fmt.Errorf("compile %q: %w", s.Pattern, err)
	}

	path := filepath.Join(root, filepath.FromSlash(s.File))
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	out, n := substitute(re, data, []byte(s.Replace), s.All)
	if n == 0 {
		return fmt.Errorf("%s: %w: %s", s.File, ErrNoMatch, s.Pattern)
	}

	return fsutil.WriteFileAtomic(path, out, 0644)
}

// substitute returns data with matches replaced and the number of
// replacements made. Replace may reference groups with $1 or ${name}.
func substitute(re *regexp.Regexp, data, replace []byte, all bool) ([]byte, int) {
	limit := 1
	if all {
		limit = -1
	}

	matches := re.FindAllSubmatchIndex(data, limit)
	if len(matches) == 0 {
		return data, 0
	}

	out := make([]byte, 0, len(data))
	last := 0
	for _, m := range matches {
		out = append(out, data[last:m[0]]...)
		out = re.Expand(out, replace, data, m)
		last = m[1]
	}
	out = append(out, data[last:]...)
	return out, len(matches)
}

// StampVersion rewrites the first line starting with "Version: " of a metadata file to
// carry the given revision. Stamping the same revision twice is a no-op.
func StampVersion(path, revision string) error {
	s := Substitution{
		File:    filepath.Base(path),
		Pattern: `^Version: [^\r\n]*`,
		Replace: "Version: " + escapeReplacement(revision),
	}
	return s.Apply(filepath.Dir(path))
}

// escapeReplacement protects literal '$' from group expansion
func escapeReplacement(s string) string {
	return strings.ReplaceAll(s, "$", "$$")
}
