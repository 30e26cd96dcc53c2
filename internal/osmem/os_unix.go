//go:build unix

package osmem

import (
	"os"

	"golang.org/x/sys/unix"
)

type mmapProvider struct {
	pageSize int
}

// New returns the provider for the current platform.
func New() Provider {
	return &mmapProvider{pageSize: os.Getpagesize()}
}

func (p *mmapProvider) PageSize() int { return p.pageSize }

func (p *mmapProvider) Alloc(size, alignment int, commit, allowLarge bool) ([]byte, MemID, error) {
	if alignment < p.pageSize {
		alignment = p.pageSize
	}
	if err := checkArgs(size, alignment); err != nil {
		return nil, MemID{}, err
	}
	size = int(AlignUp(uintptr(size), uintptr(p.pageSize)))

	prot := unix.PROT_NONE
	if commit {
		prot = unix.PROT_READ | unix.PROT_WRITE
	}
	flags := unix.MAP_ANON | unix.MAP_PRIVATE | reserveFlags

	if allowLarge && commit && size%largePageSize == 0 && largeFlags != 0 {
		// Huge TLB pages are pinned and come pre-committed; fall back silently.
		total := size + max(0, alignment-largePageSize)
		if data, err := unix.Mmap(-1, 0, total, prot, flags|largeFlags); err == nil {
			id := MemID{Kind: MemOS, mapping: data, InitiallyCommitted: true, InitiallyZero: true, IsPinned: true}
			return alignedRegion(data, size, alignment), id, nil
		}
	}

	total := size
	if alignment > p.pageSize {
		total += alignment
	}
	data, err := unix.Mmap(-1, 0, total, prot, flags)
	if err != nil {
		return nil, MemID{}, err
	}

	id := MemID{Kind: MemOS, mapping: data, InitiallyCommitted: commit, InitiallyZero: true}
	return alignedRegion(data, size, alignment), id, nil
}

func (p *mmapProvider) Free(_ []byte, id MemID) error {
	if id.Kind != MemOS || id.mapping == nil {
		return ErrNotOwned
	}
	return unix.Munmap(id.mapping)
}

func (p *mmapProvider) Commit(b []byte) (bool, error) {
	if len(b) == 0 {
		return true, nil
	}
	if err := unix.Mprotect(b, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return false, err
	}
	// Decommitted ranges are discarded with MADV_DONTNEED, so a private
	// anonymous range reads as zero until it is first written again. Only
	// the caller knows whether that happened; report conservatively.
	return false, nil
}

func (p *mmapProvider) Decommit(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if err := unix.Madvise(b, unix.MADV_DONTNEED); err != nil {
		return err
	}
	return unix.Mprotect(b, unix.PROT_NONE)
}

func (p *mmapProvider) Purge(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Madvise(b, unix.MADV_DONTNEED)
}

func (p *mmapProvider) Protect(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Mprotect(b, unix.PROT_NONE)
}

func (p *mmapProvider) Unprotect(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Mprotect(b, unix.PROT_READ|unix.PROT_WRITE)
}
