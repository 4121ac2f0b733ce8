// Package fsutil estimates whether a run fits the machine it runs on.
package fsutil

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"mosaicstack/internal/mosaic"
)

const bytesPerPixel = 4 // float32

// Estimate compares what a run needs with what the target has.
type Estimate struct {
	Required  uint64
	Available uint64
	// Where is "memory" or the directory whose file system was checked.
	Where string
}

// Fits reports whether the requirement is below the available space.
func (e Estimate) Fits() bool { return e.Required <= e.Available }

// AvailableMemory returns MemAvailable from /proc/meminfo, falling back to
// free RAM from sysinfo(2).
func AvailableMemory() (uint64, error) {
	if f, err := os.Open("/proc/meminfo"); err == nil {
		defer f.Close()
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			fields := strings.Fields(sc.Text())
			if len(fields) >= 2 && fields[0] == "MemAvailable:" {
				if kb, err := strconv.ParseUint(fields[1], 10, 64); err == nil {
					return kb * 1024, nil
				}
			}
		}
	}

	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, err
	}
	return uint64(info.Freeram) * uint64(info.Unit), nil
}

// FreeSpace returns the bytes available to unprivileged users on the file
// system holding dir.
func FreeSpace(dir string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// RunBytes is the storage a run needs for every tile including its margin
// plus the assembled mosaic.
func RunBytes(grid mosaic.Grid) uint64 {
	var px uint64
	for _, c := range grid.Coords() {
		b := grid.Bounds(c)
		px += uint64(b.Width()) * uint64(b.Height())
	}
	px += uint64(grid.Width) * uint64(grid.Height)
	return px * bytesPerPixel
}

// EstimateRun checks a planned grid against free disk space in workDir when
// tiles go to files, or against available memory otherwise.
func EstimateRun(grid mosaic.Grid, workDir string, fileIO bool) (Estimate, error) {
	e := Estimate{Required: RunBytes(grid), Where: "memory"}
	var err error
	if fileIO {
		e.Where = workDir
		e.Available, err = FreeSpace(workDir)
	} else {
		e.Available, err = AvailableMemory()
	}
	return e, err
}
