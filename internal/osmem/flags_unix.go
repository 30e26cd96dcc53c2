//go:build unix && !linux

package osmem

const (
	reserveFlags  = 0
	largeFlags    = 0
	largePageSize = 2 << 20
)
