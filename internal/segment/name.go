package segment

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// Ext is the final extension of committed segment files.
	Ext = ".parquet"
	// TmpSuffix marks an in-progress write. Temp files are never
	// authoritative and are excluded from bootstrap gap analysis.
	TmpSuffix = ".tmp"
)

// Name builds the canonical segment filename. The name alone carries
// everything the supervisor needs to rebuild coordination state.
func Name(startTS int64, instanceID string) string {
	return fmt.Sprintf("part_%d_%s%s", startTS, instanceID, Ext)
}

// ParseName inverts Name. It rejects temp files and anything that does not
// follow the part_{start_ts}_{instance_id}.parquet shape.
func ParseName(filename string) (startTS int64, instanceID string, err error) {
	if strings.HasSuffix(filename, TmpSuffix) {
		return 0, "", fmt.Errorf("temp segment file: %q", filename)
	}
	base, ok := strings.CutSuffix(filename, Ext)
	if !ok {
		return 0, "", fmt.Errorf("not a segment file: %q", filename)
	}
	rest, ok := strings.CutPrefix(base, "part_")
	if !ok {
		return 0, "", fmt.Errorf("not a segment file: %q", filename)
	}
	tsStr, instance, ok := strings.Cut(rest, "_")
	if !ok || instance == "" {
		return 0, "", fmt.Errorf("malformed segment name: %q", filename)
	}
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed segment start: %q", filename)
	}
	return ts, instance, nil
}
