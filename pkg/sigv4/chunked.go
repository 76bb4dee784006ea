package sigv4

import (
	"bufio"
	"crypto/hmac"
	"encoding/hex"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/keelstore/keel/pkg/apperr"
)

// emptyPayloadHash is sha256 of the empty string, a fixed component of every
// chunk's string-to-sign.
const emptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// chunkedReader verifies an aws-chunked body. Each chunk header carries a
// signature chained off the previous one; the reader checks every chunk and
// emits only the raw payload bytes. The zero-length final chunk terminates
// the stream.
type chunkedReader struct {
	br *bufio.Reader

	signingKey []byte
	prevSig    string
	timestamp  string
	scope      string

	remaining int64
	chunkSig  string
	hasher    *chunkHasher
	finished  bool
	err       error
}

// NewChunkedReader wraps body with per-chunk signature verification. The
// signing key, seed signature and scope come from the verified request
// headers.
func NewChunkedReader(body io.Reader, signingKey []byte, seedSignature string, requestTime time.Time, scope string) io.Reader {
	return &chunkedReader{
		br:         bufio.NewReader(body),
		signingKey: signingKey,
		prevSig:    seedSignature,
		timestamp:  requestTime.UTC().Format(amzDateFormat),
		scope:      scope,
	}
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	if c.finished {
		return 0, io.EOF
	}

	if c.remaining == 0 {
		if err := c.nextChunk(); err != nil {
			c.err = err
			return 0, err
		}
		if c.finished {
			return 0, io.EOF
		}
	}

	if int64(len(p)) > c.remaining {
		p = p[:c.remaining]
	}
	n, err := c.br.Read(p)
	c.hasher.write(p[:n])
	c.remaining -= int64(n)

	if c.remaining == 0 {
		if verr := c.verifyChunk(); verr != nil {
			c.err = verr
			return n, verr
		}
	}
	if err == io.EOF && c.remaining > 0 {
		c.err = io.ErrUnexpectedEOF
		return n, c.err
	}
	if err != nil && err != io.EOF {
		c.err = err
	}
	return n, c.err
}

// nextChunk parses one "<hex-size>;chunk-signature=<sig>\r\n" header.
func (c *chunkedReader) nextChunk() error {
	line, err := c.br.ReadString('\n')
	if err != nil {
		return apperr.InvalidSignature("truncated chunk header")
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		// Blank line between chunks.
		line, err = c.br.ReadString('\n')
		if err != nil {
			return apperr.InvalidSignature("truncated chunk header")
		}
		line = strings.TrimRight(line, "\r\n")
	}

	sizeHex, sigPart, ok := strings.Cut(line, ";")
	if !ok {
		return apperr.InvalidSignature("malformed chunk header")
	}
	sig, ok := strings.CutPrefix(sigPart, "chunk-signature=")
	if !ok {
		return apperr.InvalidSignature("malformed chunk signature")
	}
	size, err := strconv.ParseInt(sizeHex, 16, 64)
	if err != nil || size < 0 {
		return apperr.InvalidSignature("malformed chunk length")
	}

	c.remaining = size
	c.chunkSig = sig
	c.hasher = newChunkHasher()

	if size == 0 {
		// Final chunk: verify the empty-payload signature and stop.
		if err := c.verifyChunk(); err != nil {
			return err
		}
		c.finished = true
	}
	return nil
}

// verifyChunk checks the chunk signature against the chained string-to-sign.
func (c *chunkedReader) verifyChunk() error {
	stringToSign := strings.Join([]string{
		algorithm + "-PAYLOAD",
		c.timestamp,
		c.scope,
		c.prevSig,
		emptyPayloadHash,
		c.hasher.sumHex(),
	}, "\n")

	expected := hex.EncodeToString(hmacSHA256(c.signingKey, []byte(stringToSign)))
	if !hmac.Equal([]byte(expected), []byte(c.chunkSig)) {
		return apperr.InvalidSignature("chunk signature does not match")
	}
	c.prevSig = c.chunkSig
	return nil
}
