package fs

import (
	"os"
	"path/filepath"
)

// Stats is a snapshot of the share's local state: what is cached, what is
// still waiting to reach the remote, and whether the remote was reachable
// last time we tried.
type Stats struct {
	PendingRequests int
	PendingByMethod map[Method]int
	CachedFiles     int
	CachedBytes     int64
	TempFiles       int
	Offline         bool
}

// Stats walks the local cache and the queue and returns the snapshot.
func (s *Share) Stats() Stats {
	stats := Stats{
		PendingByMethod: make(map[Method]int),
		Offline:         s.processor.Offline(),
	}
	for _, request := range s.queue.All() {
		stats.PendingRequests++
		stats.PendingByMethod[request.Method]++
	}

	stats.CachedFiles, stats.CachedBytes = countFiles(s.cache.Root(),
		infoDirName, tempDirName)
	stats.TempFiles, _ = countFiles(
		filepath.Join(s.cache.Root(), tempDirName), infoDirName)
	return stats
}

// countFiles totals regular files under root, skipping the named top-level
// directories.
func countFiles(root string, skip ...string) (int, int64) {
	count, bytes := 0, int64(0)
	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			for _, name := range skip {
				if path == filepath.Join(root, name) {
					return filepath.SkipDir
				}
			}
			return nil
		}
		count++
		bytes += info.Size()
		return nil
	})
	return count, bytes
}
