package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRange(t *testing.T) {
	tests := []struct {
		name   string
		size   int64
		header string
		want   []ByteRange
		err    error
	}{
		{
			name: "no equals sign", size: 200, header: "malformed",
			err: ErrMalformedRange,
		},
		{
			name: "single range", size: 1000, header: "bytes=0-499",
			want: []ByteRange{{0, 499}},
		},
		{
			name: "first byte only", size: 6, header: "bytes=0-0",
			want: []ByteRange{{0, 0}},
		},
		{
			name: "open ended", size: 1000, header: "bytes=500-",
			want: []ByteRange{{500, 999}},
		},
		{
			name: "suffix", size: 1000, header: "bytes=-300",
			want: []ByteRange{{700, 999}},
		},
		{
			name: "suffix longer than size clamps to whole file", size: 3, header: "bytes=-5",
			want: []ByteRange{{0, 2}},
		},
		{
			name: "end clamped to size", size: 6, header: "bytes=1-10000",
			want: []ByteRange{{1, 5}},
		},
		{
			name: "start past end of file", size: 5, header: "bytes=10-",
			err: ErrUnsatisfiableRange,
		},
		{
			name: "inverted range dropped", size: 100, header: "bytes=5-1,0-3",
			want: []ByteRange{{0, 3}},
		},
		{
			name: "garbage entries dropped", size: 100, header: "bytes=x-y,0-3",
			want: []ByteRange{{0, 3}},
		},
		{
			name: "all entries invalid", size: 100, header: "bytes=x-y",
			err: ErrUnsatisfiableRange,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRange(tt.size, tt.header, false)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRangeCombine(t *testing.T) {
	tests := []struct {
		name   string
		size   int64
		header string
		want   []ByteRange
	}{
		{
			name: "overlapping merged", size: 150, header: "bytes=0-4,90-99,5-75,100-199,101-102",
			want: []ByteRange{{0, 75}, {90, 149}},
		},
		{
			name: "adjacent merged", size: 100, header: "bytes=0-4,5-9",
			want: []ByteRange{{0, 9}},
		},
		{
			name: "client order preserved", size: 150, header: "bytes=-1,20-100,0-1,101-120",
			want: []ByteRange{{149, 149}, {20, 120}, {0, 1}},
		},
		{
			name: "disjoint untouched", size: 100, header: "bytes=0-4,10-14",
			want: []ByteRange{{0, 4}, {10, 14}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRange(tt.size, tt.header, true)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			// Combined output must be pairwise non-overlapping and
			// non-adjacent.
			for i := range got {
				for j := range got {
					if i == j {
						continue
					}
					lo, hi := got[i], got[j]
					if lo.Start > hi.Start {
						lo, hi = hi, lo
					}
					assert.Greater(t, hi.Start, lo.End+1,
						"ranges %v and %v overlap or touch", lo, hi)
				}
			}
		})
	}
}

func TestContentRange(t *testing.T) {
	assert.Equal(t, "bytes 1-3/6", ContentRange(ByteRange{1, 3}, 6))
	assert.Equal(t, "bytes */6", ContentRangeUnsatisfied(6))
}
