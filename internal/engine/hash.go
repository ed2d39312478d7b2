package engine

import (
	"encoding/hex"

	"lukechampine.com/blake3"
)

// incrementalHash accumulates a whole file's content hash stripe by
// stripe, avoiding a second read pass over the file just to compute
// FileRecord.ContentHash.
type incrementalHash struct {
	h *blake3.Hasher
}

func newIncrementalHash() *incrementalHash {
	return &incrementalHash{h: blake3.New(32, nil)}
}

func (i *incrementalHash) Write(b []byte) {
	_, _ = i.h.Write(b)
}

func (i *incrementalHash) Sum() string {
	return hex.EncodeToString(i.h.Sum(nil))
}
