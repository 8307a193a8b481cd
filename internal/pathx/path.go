// Package pathx validates logical file paths and derives object-store
// key fragments from them.
//
// A logical path is the client-visible name of a file within an entity
// ("docs/readme.md"). It is never used verbatim as an object key; the
// blob locator is a generated UUID and backup/version layouts embed
// only the sanitized form.
package pathx

import (
	"fmt"
	"strings"

	"github.com/depotd/depot/internal/common"
)

// MaxLength bounds logical path length.
const MaxLength = 1024

// Validate rejects paths that are empty, absolute, escaping (".."),
// over-long, or containing control characters. The returned error wraps
// common.ErrValidation.
func Validate(p string) error {
	if p == "" {
		return fmt.Errorf("%w: empty path", common.ErrValidation)
	}
	if len(p) > MaxLength {
		return fmt.Errorf("%w: path longer than %d bytes", common.ErrValidation, MaxLength)
	}
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, "\\") {
		return fmt.Errorf("%w: absolute path %q", common.ErrValidation, p)
	}
	if strings.Contains(p, "\\") {
		return fmt.Errorf("%w: backslash in path %q", common.ErrValidation, p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" {
			return fmt.Errorf("%w: empty segment in path %q", common.ErrValidation, p)
		}
		if seg == "." || seg == ".." {
			return fmt.Errorf("%w: traversal segment in path %q", common.ErrValidation, p)
		}
	}
	for _, r := range p {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: control character in path", common.ErrValidation)
		}
	}
	return nil
}

// Sanitize returns a single-segment form of p safe to embed in an
// object key: separators and other key-hostile characters collapse to
// underscores. Sanitize never fails; it is applied only to paths that
// already passed Validate.
func Sanitize(p string) string {
	var b strings.Builder
	b.Grow(len(p))
	for _, r := range p {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
