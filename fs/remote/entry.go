package remote

import (
	"encoding/json"
	"strconv"
	"time"
)

// Entry is the metadata the remote reports for a single file or folder.
// Timestamps are unix milliseconds, matching what the overlay stores in its
// cache-info sidecars. Folders always have Size 0.
type Entry struct {
	Name         string
	Dir          bool
	Size         int64
	Created      int64
	LastModified int64
	ReadOnly     bool
}

// parseTime accepts the handful of timestamp shapes the assets API produces:
// RFC3339 strings, epoch milliseconds as a JSON number, or epoch milliseconds
// as a string. Returns 0 for anything unparseable.
func parseTime(raw interface{}) int64 {
	switch v := raw.(type) {
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t.UnixMilli()
		}
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			return ms
		}
	case float64:
		return int64(v)
	case json.Number:
		if ms, err := v.Int64(); err == nil {
			return ms
		}
	}
	return 0
}

// parseSize pulls an int64 out of the loosely typed property maps.
func parseSize(raw interface{}) int64 {
	switch v := raw.(type) {
	case float64:
		return int64(v)
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
	}
	return 0
}

// parseBool tolerates the string booleans sling likes to emit.
func parseBool(raw interface{}) bool {
	switch v := raw.(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return false
}
