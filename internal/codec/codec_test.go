package codec_test

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rsguard/rs-guard/internal/codec"
	"github.com/rsguard/rs-guard/internal/rgerrors"
)

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		d, p    int
		size    int
		erasures []int
	}{
		{"4+2 no loss", 4, 2, 4096, nil},
		{"4+2 lose one parity", 4, 2, 4096, []int{4}},
		{"4+2 lose max parity", 4, 2, 4096, []int{0, 5}},
		{"10+4 lose four", 10, 4, 8192, []int{0, 3, 7, 13}},
		{"1+1 trivial", 1, 1, 128, []int{0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := codec.New(tt.d, tt.p)
			require.NoError(t, err)

			data := make([]byte, tt.size)
			_, err = rand.Read(data)
			require.NoError(t, err)

			dataShards, err := c.Split(data)
			require.NoError(t, err)

			all := make([][]byte, c.TotalShards())
			copy(all, dataShards)
			require.NoError(t, c.Encode(all))

			present := make([]bool, c.TotalShards())
			for i := range present {
				present[i] = true
			}
			for _, idx := range tt.erasures {
				present[idx] = false
				all[idx] = nil
			}

			require.NoError(t, c.Reconstruct(all, present))

			joined, err := c.Join(all, tt.size)
			require.NoError(t, err)
			require.True(t, bytes.Equal(joined, data))
		})
	}
}

func TestReconstructInsufficientShards(t *testing.T) {
	c, err := codec.New(4, 2)
	require.NoError(t, err)

	data := make([]byte, 4096)
	dataShards, err := c.Split(data)
	require.NoError(t, err)
	all := make([][]byte, c.TotalShards())
	copy(all, dataShards)
	require.NoError(t, c.Encode(all))

	present := make([]bool, c.TotalShards())
	for i := range present {
		present[i] = true
	}
	// lose 3 shards with only P=2 parity: not reconstructible.
	for _, idx := range []int{0, 1, 4} {
		present[idx] = false
		all[idx] = nil
	}

	err = c.Reconstruct(all, present)
	require.ErrorIs(t, err, rgerrors.ErrInsufficientShards)
}

func TestDeterminism(t *testing.T) {
	c, err := codec.New(4, 2)
	require.NoError(t, err)

	data := []byte("the quick brown fox jumps over the lazy dog, repeated for stripe padding coverage")
	dataShards, err := c.Split(data)
	require.NoError(t, err)

	all1 := make([][]byte, c.TotalShards())
	copy(all1, dataShards)
	require.NoError(t, c.Encode(all1))

	dataShards2, err := c.Split(data)
	require.NoError(t, err)
	all2 := make([][]byte, c.TotalShards())
	copy(all2, dataShards2)
	require.NoError(t, c.Encode(all2))

	for i := range all1 {
		require.True(t, bytes.Equal(all1[i], all2[i]), "shard %d differs across runs", i)
	}
}

func TestEmptyStripe(t *testing.T) {
	c, err := codec.New(4, 2)
	require.NoError(t, err)

	shards, err := c.Split(nil)
	require.NoError(t, err)
	require.Len(t, shards, 4)

	all := make([][]byte, c.TotalShards())
	copy(all, shards)
	require.NoError(t, c.Encode(all))

	joined, err := c.Join(all, 0)
	require.NoError(t, err)
	require.Empty(t, joined)
}
