package xlen

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDivSEdgeCases(t *testing.T) {
	assert.Equal(t, int64(-1), DivS(7, 0, math.MinInt64))
	assert.Equal(t, int64(7), RemS(7, 0, math.MinInt64))

	assert.Equal(t, int64(math.MinInt64), DivS(math.MinInt64, -1, math.MinInt64))
	assert.Equal(t, int64(0), RemS(math.MinInt64, -1, math.MinInt64))

	assert.Equal(t, int64(math.MinInt32), DivS(math.MinInt32, -1, math.MinInt32))
}

func TestDivRemIdentity(t *testing.T) {
	cases := []struct{ a, b int64 }{
		{17, 5}, {-17, 5}, {17, -5}, {-17, -5}, {0, 3},
	}
	for _, c := range cases {
		q := DivS(c.a, c.b, math.MinInt64)
		r := RemS(c.a, c.b, math.MinInt64)
		assert.Equal(t, c.a, q*c.b+r)
	}
}

func TestDivUEdgeCases(t *testing.T) {
	assert.Equal(t, ^uint64(0), DivU(42, 0))
	assert.Equal(t, uint64(42), RemU(42, 0))
}

func TestShiftMask(t *testing.T) {
	assert.Equal(t, uint64(0x1f), Width32.ShiftMask())
	assert.Equal(t, uint64(0x3f), Width64.ShiftMask())
}

func TestSignExtend(t *testing.T) {
	assert.Equal(t, int64(-1), SignExtend(0xfff, 12))
	assert.Equal(t, int64(2047), SignExtend(0x7ff, 12))
}

func TestNaNBoxRoundTrip(t *testing.T) {
	boxed := NaNBox(math.Float32bits(3.5))
	assert.Equal(t, uint64(0xffffffff)<<32|uint64(math.Float32bits(3.5)), boxed)
	assert.Equal(t, math.Float32bits(3.5), Unbox(boxed))
}

func TestUnboxNonBoxedProducesCanonicalNaN(t *testing.T) {
	assert.Equal(t, CanonicalQuietNaNSingle, Unbox(0x0000000012345678))
}

func TestMulH(t *testing.T) {
	assert.Equal(t, int64(-1), MulHS(-1, 1))
	assert.Equal(t, uint64(0), MulHU(1, 1))
	assert.Equal(t, uint64(1), MulHU(1<<63, 2))
}
