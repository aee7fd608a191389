// Package fs implements the request-queue overlay: a write-behind, locally
// caching view of a remote assets tree. Reads are served from the local cache
// and fetched on demand; writes land locally and are pushed to the remote by
// a background processor draining a persistent request queue.
package fs

import (
	"path"
	"strings"
)

// normPath cleans a share path into the canonical "/a/b/c" form.
func normPath(p string) string {
	p = path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
	return p
}

// splitPath splits "/a/b/c" into ("/a/b", "c"). The root splits into
// ("/", "").
func splitPath(p string) (parent string, name string) {
	p = normPath(p)
	if p == "/" {
		return "/", ""
	}
	parent, name = path.Split(p)
	if parent != "/" {
		parent = strings.TrimSuffix(parent, "/")
	}
	return parent, name
}

// joinPath joins a parent path and a child name.
func joinPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

// baseName returns the last component of a share path.
func baseName(p string) string {
	_, name := splitPath(p)
	return name
}

// hasPathPrefix reports whether p equals prefix or lives underneath it.
func hasPathPrefix(p, prefix string) bool {
	if prefix == "/" {
		return true
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

// rewritePrefix replaces oldPrefix at the start of p with newPrefix.
// Callers check hasPathPrefix first.
func rewritePrefix(p, oldPrefix, newPrefix string) string {
	if p == oldPrefix {
		return newPrefix
	}
	return newPrefix + strings.TrimPrefix(p, oldPrefix)
}
