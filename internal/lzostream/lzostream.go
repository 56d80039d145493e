// Package lzostream splits a buffer into fixed size blocks, compresses each
// with LZO1X and writes them as (u32 length, bytes) chunks terminated by a
// zero length chunk. It lets save data of any size ride inside a single
// protocol message.
package lzostream

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/blukai/netplay/internal/byteorder"
	lzo "github.com/rasky/go-lzo"
)

const (
	// ChunkSize is the amount of input compressed per chunk.
	ChunkSize = 64 << 10
	// MaxCompressedChunkSize is the worst case LZO1X expansion of a ChunkSize
	// block. Anything larger on the wire is corrupt.
	MaxCompressedChunkSize = ChunkSize + ChunkSize/16 + 64 + 3
)

var ErrCorrupt = errors.New("corrupt compressed stream")

// Encode writes src to w as a chunked stream. An empty src produces only the
// terminating chunk.
func Encode(w io.Writer, src []byte) error {
	for len(src) > 0 {
		n := min(len(src), ChunkSize)

		compressed := lzo.Compress1X(src[:n])
		if len(compressed) == 0 || len(compressed) > MaxCompressedChunkSize {
			return fmt.Errorf("lzo produced %d bytes for a %d byte block", len(compressed), n)
		}

		if _, err := w.Write(byteorder.Htonl(uint32(len(compressed)))); err != nil {
			return fmt.Errorf("could not write chunk length: %w", err)
		}
		if _, err := w.Write(compressed); err != nil {
			return fmt.Errorf("could not write chunk: %w", err)
		}

		src = src[n:]
	}

	if _, err := w.Write(byteorder.Htonl(0)); err != nil {
		return fmt.Errorf("could not write terminator: %w", err)
	}
	return nil
}

// Decode reads chunks from r until the zero length terminator and returns the
// concatenated output.
func Decode(r io.Reader) ([]byte, error) {
	out := bytes.Buffer{}
	header := make([]byte, 4)

	for {
		if _, err := io.ReadFull(r, header); err != nil {
			return nil, fmt.Errorf("could not read chunk length: %w", err)
		}
		n := byteorder.Ntohl(header)
		if n == 0 {
			return out.Bytes(), nil
		}
		if n > MaxCompressedChunkSize {
			return nil, fmt.Errorf("%w: chunk of %d bytes", ErrCorrupt, n)
		}

		compressed := make([]byte, n)
		if _, err := io.ReadFull(r, compressed); err != nil {
			return nil, fmt.Errorf("could not read chunk: %w", err)
		}

		chunk, err := decompress(compressed)
		if err != nil {
			return nil, err
		}
		out.Write(chunk)
	}
}

func decompress(compressed []byte) (chunk []byte, err error) {
	// the decoder indexes into its input; a hostile chunk must not take the
	// whole process down.
	defer func() {
		if r := recover(); r != nil {
			chunk, err = nil, fmt.Errorf("%w: %v", ErrCorrupt, r)
		}
	}()

	chunk, err = lzo.Decompress1X(bytes.NewReader(compressed), len(compressed), ChunkSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if len(chunk) == 0 || len(chunk) > ChunkSize {
		return nil, fmt.Errorf("%w: chunk decompressed to %d bytes", ErrCorrupt, len(chunk))
	}
	return chunk, nil
}
