// Package bpath canonicalizes slash-separated paths: it collapses "."
// and ".." components and duplicate slashes into a single absolute
// form, the normalization fd.Cwd_t.Canonicalpath needs before handing a
// path to the VFS.
package bpath

import (
	"strings"

	"github.com/biscuit-teach/miniswap/internal/ustr"
)

/// Canonicalize resolves p (already joined against a cwd, so always
/// absolute) into its simplest equivalent form: no "." components, no
/// ".." that isn't stopped at the root, no empty components.
func Canonicalize(p ustr.Ustr) ustr.Ustr {
	parts := strings.Split(string(p), "/")
	stack := make([]string, 0, len(parts))
	for _, c := range parts {
		switch c {
		case "", ".":
			continue
		case "..":
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		default:
			stack = append(stack, c)
		}
	}
	return ustr.Ustr("/" + strings.Join(stack, "/"))
}
