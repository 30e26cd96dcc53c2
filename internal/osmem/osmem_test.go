package osmem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvider_AllocAligned(t *testing.T) {
	p := New()
	const align = 1 << 16

	region, id, err := p.Alloc(3*align, align, true, false)
	require.NoError(t, err)
	defer func() { require.NoError(t, p.Free(region, id)) }()

	assert.Equal(t, MemOS, id.Kind)
	assert.True(t, id.InitiallyCommitted)
	assert.True(t, id.InitiallyZero)
	assert.Len(t, region, 3*align)
	assert.Zero(t, Addr(region)%align)
	assert.GreaterOrEqual(t, id.MappingSize(), len(region))

	// Committed memory is writable and starts zeroed.
	assert.Zero(t, region[0])
	region[0], region[len(region)-1] = 1, 2
	assert.Equal(t, byte(2), region[len(region)-1])
}

func TestProvider_CommitDecommit(t *testing.T) {
	p := New()
	ps := p.PageSize()

	region, id, err := p.Alloc(4*ps, ps, false, false)
	require.NoError(t, err)
	defer func() { require.NoError(t, p.Free(region, id)) }()

	_, err = p.Commit(region[:2*ps])
	require.NoError(t, err)
	region[0] = 42
	region[2*ps-1] = 7

	require.NoError(t, p.Purge(region[:ps]))
	assert.Zero(t, region[0], "purged memory reads as zero")

	require.NoError(t, p.Decommit(region[:2*ps]))
	_, err = p.Commit(region[:2*ps])
	require.NoError(t, err)
	assert.Zero(t, region[2*ps-1])
}

func TestProvider_Errors(t *testing.T) {
	p := New()
	_, _, err := p.Alloc(0, 0, true, false)
	assert.ErrorIs(t, err, ErrInvalidSize)
	_, _, err = p.Alloc(4096, 3*p.PageSize(), true, false)
	assert.ErrorIs(t, err, ErrInvalidAlignment)
	assert.ErrorIs(t, p.Free(nil, None()), ErrNotOwned)
}

func TestMemKind_String(t *testing.T) {
	assert.Equal(t, "arena", MemArena.String())
	assert.Equal(t, "os", MemOS.String())
	assert.Equal(t, "none", None().Kind.String())
}
