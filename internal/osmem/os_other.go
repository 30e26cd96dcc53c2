//go:build !unix

package osmem

// heapProvider backs regions with Go-heap byte slices. The MemID holds the
// slice, which keeps it reachable for as long as the region is in use.
type heapProvider struct{}

// New returns the provider for the current platform.
func New() Provider {
	return heapProvider{}
}

const heapPageSize = 4096

func (heapProvider) PageSize() int { return heapPageSize }

func (heapProvider) Alloc(size, alignment int, commit, _ bool) ([]byte, MemID, error) {
	alignment = max(alignment, heapPageSize)
	if err := checkArgs(size, alignment); err != nil {
		return nil, MemID{}, err
	}
	size = int(AlignUp(uintptr(size), heapPageSize))
	data := make([]byte, size+alignment)
	id := MemID{Kind: MemOS, mapping: data, InitiallyCommitted: true, InitiallyZero: true, IsPinned: true}
	return alignedRegion(data, size, alignment), id, nil
}

func (heapProvider) Free(_ []byte, id MemID) error {
	if id.Kind != MemOS || id.mapping == nil {
		return ErrNotOwned
	}
	return nil
}

func (heapProvider) Commit([]byte) (bool, error) { return false, nil }

func (heapProvider) Decommit(b []byte) error {
	clear(b)
	return nil
}

func (heapProvider) Purge(b []byte) error {
	clear(b)
	return nil
}

func (heapProvider) Protect([]byte) error   { return nil }
func (heapProvider) Unprotect([]byte) error { return nil }
