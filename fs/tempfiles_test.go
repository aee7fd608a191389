package fs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTempName(t *testing.T) {
	temp := []string{
		"._resource",
		"._",
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
		"~lock.report.odt#",
		"~lock.#",
	}
	for _, name := range temp {
		assert.True(t, IsTempName(name), "%s should classify as temp", name)
	}

	notTemp := []string{
		"report.txt",
		".gitignore",
		".hiddenfile",
		"desktop.initial",
		"thumbs.db", // patterns are case-sensitive
		"~lock.report.odt",
		"lock.report.odt#",
		"_resource",
	}
	for _, name := range notTemp {
		assert.False(t, IsTempName(name), "%s should not classify as temp", name)
	}
}

func TestIsTempPathMatchesAnyComponent(t *testing.T) {
	assert.True(t, IsTempPath("/docs/.DS_Store"))
	assert.True(t, IsTempPath("/.Trashes/docs/report.txt"))
	assert.True(t, IsTempPath("/docs/.TemporaryItems/file"))
	assert.False(t, IsTempPath("/docs/report.txt"))
	assert.False(t, IsTempPath("/"))
}
