//go:build linux

package monitoring

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

func (c *HostCollector) collectPlatform() (SystemSample, error) {
	var sample SystemSample

	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return sample, fmt.Errorf("sysinfo: %w", err)
	}
	unit := uint64(info.Unit)
	total := uint64(info.Totalram) * unit
	free := (uint64(info.Freeram) + uint64(info.Bufferram)) * unit
	if total > 0 && total >= free {
		used := total - free
		sample.MemoryUsedMB = float64(used) / (1024 * 1024)
		sample.MemoryPercent = float64(used) / float64(total) * 100
	}
	sample.Uptime = time.Duration(info.Uptime) * time.Second

	var fs unix.Statfs_t
	if err := unix.Statfs(c.DiskPath, &fs); err != nil {
		return sample, fmt.Errorf("statfs %s: %w", c.DiskPath, err)
	}
	blocks := fs.Blocks * uint64(fs.Bsize)
	avail := fs.Bavail * uint64(fs.Bsize)
	if blocks > 0 && blocks >= avail {
		sample.DiskPercent = float64(blocks-avail) / float64(blocks) * 100
	}
	return sample, nil
}
