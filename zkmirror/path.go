package zkmirror

import "strings"

// NormalizePath canonicalizes an application-supplied path into the
// "/a/b/c" form: a leading slash, no empty segments, and no trailing
// slash except for the root. Both "" and "/" map to "/".
//
// Every exported operation that accepts a path runs it through
// NormalizePath first, mirroring the fix_path decorator that wraps
// every path-taking entry point in the Python original.
func NormalizePath(path string) string {
	segments := strings.Split(path, "/")
	kept := segments[:0]
	for _, seg := range segments {
		if seg != "" {
			kept = append(kept, seg)
		}
	}
	if len(kept) == 0 {
		return "/"
	}
	return "/" + strings.Join(kept, "/")
}

// parentOf returns the normalized parent of a normalized path, or ""
// if path is already the root.
func parentOf(path string) string {
	if path == "/" {
		return ""
	}
	idx := strings.LastIndexByte(path, '/')
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}
