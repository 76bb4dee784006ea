package sigv4

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
)

// chunkHasher accumulates one chunk's payload hash.
type chunkHasher struct {
	h hash.Hash
}

func newChunkHasher() *chunkHasher {
	return &chunkHasher{h: sha256.New()}
}

func (c *chunkHasher) write(p []byte) {
	c.h.Write(p)
}

func (c *chunkHasher) sumHex() string {
	return hex.EncodeToString(c.h.Sum(nil))
}
