//go:build linux

package osmem

import "golang.org/x/sys/unix"

const (
	reserveFlags  = unix.MAP_NORESERVE
	largeFlags    = unix.MAP_HUGETLB
	largePageSize = 2 << 20
)
