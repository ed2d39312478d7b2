// Package codec implements the Reed-Solomon shard codec (C1): a pure,
// stateless transform over fixed-size byte matrices. It performs no I/O
// and allocates nothing beyond the output buffers it returns.
//
// It is a direct generalization of the teacher's ShardFile/ReconstructFile
// (internal/service/erasure_coding_service.go in ateneo-connect-zstore),
// which shards a whole file once; here the same klauspost/reedsolomon
// calls are reused per-stripe, and the codec instance itself is held so
// the Vandermonde/Cauchy matrix is computed once and reused across stripes.
package codec

import (
	"fmt"

	"github.com/klauspost/reedsolomon"

	"github.com/rsguard/rs-guard/internal/rgerrors"
)

// Codec wraps a klauspost/reedsolomon encoder parameterized by a fixed
// (DataShards, ParityShards) pair. Safe for concurrent use: the
// underlying encoder holds no mutable state between calls.
type Codec struct {
	dataShards   int
	parityShards int
	enc          reedsolomon.Encoder
}

// New builds a Codec for the given D data shards and P parity shards.
// D and P are baked in for the Codec's lifetime; reuse the instance
// across stripes rather than rebuilding it.
func New(dataShards, parityShards int) (*Codec, error) {
	if dataShards < 1 {
		return nil, fmt.Errorf("codec: data shards must be >= 1, got %d", dataShards)
	}
	if parityShards < 1 {
		return nil, fmt.Errorf("codec: parity shards must be >= 1, got %d", parityShards)
	}
	if dataShards+parityShards > 255 {
		return nil, fmt.Errorf("codec: %w", rgerrors.ErrTooManyShards)
	}
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("codec: building reedsolomon encoder: %w", err)
	}
	return &Codec{dataShards: dataShards, parityShards: parityShards, enc: enc}, nil
}

// DataShards returns the configured D.
func (c *Codec) DataShards() int { return c.dataShards }

// ParityShards returns the configured P.
func (c *Codec) ParityShards() int { return c.parityShards }

// TotalShards returns D+P.
func (c *Codec) TotalShards() int { return c.dataShards + c.parityShards }

// ShardSize returns the length every row must have, given stripeLen
// bytes of real (unpadded) data for this stripe: stripeLen divided up
// (and rounded up, then zero-padded) across D data shards.
func (c *Codec) ShardSize(stripeLen int) int {
	if stripeLen == 0 {
		return 0
	}
	size := stripeLen / c.dataShards
	if stripeLen%c.dataShards != 0 {
		size++
	}
	return size
}

// Split divides stripe (already read into memory) into D equal-length
// data shards, zero-padding the final short shard as needed, matching
// reedsolomon.Encoder.Split's own padding behavior. An empty stripe
// yields D empty shards.
func (c *Codec) Split(stripe []byte) ([][]byte, error) {
	if len(stripe) == 0 {
		shards := make([][]byte, c.dataShards)
		for i := range shards {
			shards[i] = []byte{}
		}
		return shards, nil
	}
	shards, err := c.enc.Split(stripe)
	if err != nil {
		return nil, fmt.Errorf("codec: split: %w", err)
	}
	return shards, nil
}

// Encode computes P parity shards for the D already-split data shards
// in shards[:D] and writes them in place into shards[D:]; it returns
// only an error. shards must have length D+P (data shards first);
// parity rows that are nil are allocated here with the data shards'
// length, and rows already present are overwritten.
func (c *Codec) Encode(shards [][]byte) error {
	if len(shards) != c.TotalShards() {
		return fmt.Errorf("codec: encode expects %d shards, got %d", c.TotalShards(), len(shards))
	}
	shardLen := len(shards[0])
	for i := 0; i < c.dataShards; i++ {
		if len(shards[i]) != shardLen {
			return fmt.Errorf("codec: encode: data shard %d has length %d, want %d", i, len(shards[i]), shardLen)
		}
	}
	for i := c.dataShards; i < c.TotalShards(); i++ {
		if shards[i] == nil {
			shards[i] = make([]byte, shardLen)
		}
	}
	if shardLen == 0 {
		return nil
	}
	if err := c.enc.Encode(shards); err != nil {
		return fmt.Errorf("codec: encode: %w", err)
	}
	return nil
}

// EncodeDataShards is a convenience wrapper: given just the D data
// shards, returns a new slice of D+P shards with parity computed.
func (c *Codec) EncodeDataShards(dataShards [][]byte) ([][]byte, error) {
	if len(dataShards) != c.dataShards {
		return nil, fmt.Errorf("codec: expected %d data shards, got %d", c.dataShards, len(dataShards))
	}
	all := make([][]byte, c.TotalShards())
	copy(all, dataShards)
	if err := c.Encode(all); err != nil {
		return nil, err
	}
	return all, nil
}

// Reconstruct fills in missing shards given any subset of >= D present
// shards. present marks which indexes of shards are populated; entries
// at false indexes may be nil and are overwritten in place. Returns
// rgerrors.ErrInsufficientShards when fewer than D shards are present.
func (c *Codec) Reconstruct(shards [][]byte, present []bool) error {
	if len(shards) != c.TotalShards() || len(present) != c.TotalShards() {
		return fmt.Errorf("codec: reconstruct expects %d shards", c.TotalShards())
	}
	count := 0
	for i, ok := range present {
		if ok {
			count++
		} else {
			shards[i] = nil
		}
	}
	if count < c.dataShards {
		return rgerrors.ErrInsufficientShards
	}
	if err := c.enc.Reconstruct(shards); err != nil {
		if err == reedsolomon.ErrTooFewShards {
			return rgerrors.ErrInsufficientShards
		}
		return fmt.Errorf("codec: reconstruct: %w", err)
	}
	return nil
}

// Join concatenates D data shards back into the original stripe bytes,
// truncated to outSize (the true, possibly-short, stripe length —
// padding added by Split/Encode is discarded).
func (c *Codec) Join(shards [][]byte, outSize int) ([]byte, error) {
	if outSize == 0 {
		return []byte{}, nil
	}
	out := make([]byte, 0, outSize)
	for i := 0; i < c.dataShards && len(out) < outSize; i++ {
		remaining := outSize - len(out)
		chunk := shards[i]
		if len(chunk) > remaining {
			chunk = chunk[:remaining]
		}
		out = append(out, chunk...)
	}
	if len(out) != outSize {
		return nil, fmt.Errorf("codec: join produced %d bytes, want %d", len(out), outSize)
	}
	return out, nil
}

// Verify reports which of the given shards are present (non-nil and
// of the expected length) in a present mask suitable for Reconstruct.
func Verify(shards [][]byte, expectedLen int) []bool {
	present := make([]bool, len(shards))
	for i, s := range shards {
		present[i] = s != nil && len(s) == expectedLen
	}
	return present
}
