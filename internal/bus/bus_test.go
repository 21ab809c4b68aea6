package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadStoreRoundTrip(t *testing.T) {
	b := New(0x1000, 64)
	assert.NoError(t, b.Store(0x1008, 4, 0xdeadbeef, Write))
	v, err := b.Load(0x1008, 4, Read)
	assert.NoError(t, err)
	assert.Equal(t, uint64(0xdeadbeef), v)
}

func TestOutOfRangeIsAccessFault(t *testing.T) {
	b := New(0x1000, 64)
	_, err := b.Load(0x5000, 4, Read)
	assert.ErrorIs(t, err, ErrAccessFault)
}

func TestMisalignedStrict(t *testing.T) {
	b := New(0x1000, 64)
	b.StrictAlign = true
	_, err := b.Load(0x1001, 4, Read)
	assert.ErrorIs(t, err, ErrMisaligned)
}

func TestMisalignedSplitEmulated(t *testing.T) {
	b := New(0x1000, 64)
	b.StrictAlign = false
	assert.NoError(t, b.Store(0x1001, 4, 0x11223344, Write))
	v, err := b.Load(0x1001, 4, Read)
	assert.NoError(t, err)
	assert.Equal(t, uint64(0x11223344), v)
}

func TestReservationSucceedsOnlyWithoutIntervention(t *testing.T) {
	b := New(0x1000, 64)
	_, err := b.LoadReserved(0x1000, 4)
	assert.NoError(t, err)
	ok, err := b.StoreConditional(0x1000, 4, 0x42)
	assert.NoError(t, err)
	assert.True(t, ok)

	_, _ = b.LoadReserved(0x1000, 4)
	_ = b.Store(0x1000, 4, 0x99, Write) // intervening store invalidates
	ok, _ = b.StoreConditional(0x1000, 4, 0x42)
	assert.False(t, ok)
}

func TestAMOAdd(t *testing.T) {
	b := New(0x1000, 64)
	assert.NoError(t, b.Store(0x1000, 4, 10, Write))
	old, err := b.AMO(0x1000, 4, func(old uint64) uint64 { return old + 5 })
	assert.NoError(t, err)
	assert.Equal(t, uint64(10), old)
	v, _ := b.Load(0x1000, 4, Read)
	assert.Equal(t, uint64(15), v)
}

type fakeDevice struct{ v uint64 }

func (d *fakeDevice) Load(offset uint64, width int) (uint64, error)      { return d.v, nil }
func (d *fakeDevice) Store(offset uint64, width int, val uint64) error { d.v = val; return nil }

func TestDeviceWindowDispatch(t *testing.T) {
	b := New(0x1000, 64)
	dev := &fakeDevice{}
	b.Mount(0x9000, 0x100, dev)
	assert.NoError(t, b.Store(0x9010, 4, 7, Write))
	assert.Equal(t, uint64(7), dev.v)
	v, err := b.Load(0x9010, 4, Read)
	assert.NoError(t, err)
	assert.Equal(t, uint64(7), v)
}
