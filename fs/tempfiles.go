package fs

import (
	"path"
	"strings"
)

// tempNamePatterns is the authoritative list of OS-generated hidden and lock
// file names. Anything matching one of these is routed to the temp tree and
// never reaches the remote. Patterns use path.Match syntax.
var tempNamePatterns = []string{
	"._*",
	".DS_Store",
	".metadata_never_index",
	".metadata_never_index_unless_rootfs",
	".ql_disablethumbnails",
	".ql_disablecache",
	".hidden",
	".Spotlight-V100",
	".TemporaryItems",
	".Trashes",
	"desktop.ini",
	"Thumbs.db",
	"~lock.*#",
}

// IsTempName reports whether a single name component matches one of the
// temp-file patterns.
func IsTempName(name string) bool {
	for _, pattern := range tempNamePatterns {
		if matched, _ := path.Match(pattern, name); matched {
			return true
		}
	}
	return false
}

// IsTempPath reports whether any component of the path matches a temp-file
// pattern, which classifies the whole path as temp.
func IsTempPath(p string) bool {
	for _, component := range strings.Split(strings.Trim(normPath(p), "/"), "/") {
		if component != "" && IsTempName(component) {
			return true
		}
	}
	return false
}
