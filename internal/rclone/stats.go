package rclone

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	transferredFilesRe = regexp.MustCompile(`Transferred:\s+(\d+) / (\d+), \d+%`)
	transferredBytesRe = regexp.MustCompile(`Transferred:\s+([0-9.,]+\s*[KMGT]?i?B) / ([0-9.,]+\s*[KMGT]?i?B)`)
)

// Stats are the transfer totals reported by rclone's stats lines.
type Stats struct {
	Files int64
	Bytes int64
}

// ParseStatsLine reads a single "Transferred:" line. Both the file-count
// form and the byte form are recognised; ok is false for anything else.
func ParseStatsLine(line string, into *Stats) bool {
	if !strings.Contains(line, "Transferred:") {
		return false
	}
	matched := false
	if m := transferredFilesRe.FindStringSubmatch(line); m != nil {
		if n, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			into.Files = n
			matched = true
		}
	}
	if m := transferredBytesRe.FindStringSubmatch(line); m != nil {
		if n, err := ParseByteSize(m[1]); err == nil {
			into.Bytes = n
			matched = true
		}
	}
	return matched
}

// ParseStats scans tool output and keeps the last value seen for each counter.
func ParseStats(output string) (Stats, bool) {
	var stats Stats
	found := false
	for _, line := range strings.Split(output, "\n") {
		// --stats-one-line progress uses carriage returns between updates.
		for _, part := range strings.Split(line, "\r") {
			if ParseStatsLine(part, &stats) {
				found = true
			}
		}
	}
	return stats, found
}

var byteUnits = []struct {
	suffix     string
	multiplier float64
}{
	{"TiB", 1 << 40},
	{"GiB", 1 << 30},
	{"MiB", 1 << 20},
	{"KiB", 1 << 10},
	{"TB", 1e12},
	{"GB", 1e9},
	{"MB", 1e6},
	{"KB", 1e3},
	{"B", 1},
}

// ParseByteSize converts rclone sizes like "1.5 MiB", "1,024 B" or "512"
// into bytes.
func ParseByteSize(s string) (int64, error) {
	clean := strings.ReplaceAll(strings.ReplaceAll(strings.TrimSpace(s), ",", ""), " ", "")
	if clean == "" {
		return 0, fmt.Errorf("empty size")
	}
	for _, u := range byteUnits {
		if !strings.HasSuffix(clean, u.suffix) {
			continue
		}
		num, err := strconv.ParseFloat(strings.TrimSuffix(clean, u.suffix), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size %q: %w", s, err)
		}
		return int64(num * u.multiplier), nil
	}
	n, err := strconv.ParseInt(clean, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return n, nil
}
