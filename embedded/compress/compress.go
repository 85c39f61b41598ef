// Package compress implements the single compression contract that the
// attribute tree's item encoding depends on: try_compress/decompress. Everything above
// this package treats compression as opaque and falls back to plain
// storage whenever TryCompress fails.
package compress

import (
	"fmt"

	"github.com/klauspost/compress/s2"
)

// TryCompress compresses src, returning the compressed bytes. It reports
// ok=false (never an error) when the compressed form would not fit in
// dstCap or compression did not help: compressor failure is a non-error.
func TryCompress(src []byte, dstCap int) (out []byte, ok bool) {
	if len(src) == 0 {
		return nil, false
	}

	encoded := s2.EncodeBetter(nil, src)
	if len(encoded) >= len(src) || len(encoded) > dstCap {
		return nil, false
	}
	return encoded, true
}

// Decompress expands a previously TryCompress'd payload. uncompressedSize is
// used only to preallocate; s2 payloads are self-describing.
func Decompress(src []byte, uncompressedSize int) ([]byte, error) {
	out, err := s2.Decode(make([]byte, uncompressedSize), src)
	if err != nil {
		return nil, fmt.Errorf("compress: decompress failed: %w", err)
	}
	return out, nil
}
