// Package filesystem provides disk-space preflight checks for the
// download worker. The torrent engine owns file allocation itself; this
// package only answers "is there room" before a session is opened, so a
// download doesn't run for hours and then fail on ENOSPC.
package filesystem

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/disk"
)

// spaceBuffer is held back so a download landing exactly at the free-space
// boundary doesn't starve the rest of the host.
const spaceBuffer = 100 * 1024 * 1024

// CheckSpace errors if dir's volume doesn't have required bytes free,
// plus spaceBuffer headroom.
func CheckSpace(dir string, required int64) error {
	usage, err := disk.Usage(dir)
	if err != nil {
		return fmt.Errorf("checking disk space for %s: %w", dir, err)
	}
	if int64(usage.Free) < required+spaceBuffer {
		return fmt.Errorf("insufficient disk space in %s: need %s, have %s free",
			dir, humanize.Bytes(uint64(required)), humanize.Bytes(usage.Free))
	}
	return nil
}
