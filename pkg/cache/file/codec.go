package file

import (
	"bytes"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// Compression selects how records are compressed on disk.
type Compression string

const (
	// CompressionNone stores the encoded record as is.
	CompressionNone Compression = "none"

	// CompressionZstd compresses records with zstd (default).
	CompressionZstd Compression = "zstd"

	// CompressionBrotli compresses records with brotli.
	CompressionBrotli Compression = "brotli"
)

// codec compresses and decompresses record bytes. Implementations must be
// safe for concurrent use.
type codec interface {
	encode(src []byte) ([]byte, error)
	decode(src []byte) ([]byte, error)
	close()
}

func newCodec(c Compression) (codec, error) {
	switch c {
	case "", CompressionZstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			enc.Close()
			return nil, fmt.Errorf("create zstd decoder: %w", err)
		}
		return &zstdCodec{enc: enc, dec: dec}, nil
	case CompressionBrotli:
		return brotliCodec{level: brotli.DefaultCompression}, nil
	case CompressionNone:
		return plainCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown compression %q", c)
	}
}

type plainCodec struct{}

func (plainCodec) encode(src []byte) ([]byte, error) { return src, nil }
func (plainCodec) decode(src []byte) ([]byte, error) { return src, nil }
func (plainCodec) close()                            {}

type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func (z *zstdCodec) encode(src []byte) ([]byte, error) {
	return z.enc.EncodeAll(src, make([]byte, 0, len(src)/2)), nil
}

func (z *zstdCodec) decode(src []byte) ([]byte, error) {
	return z.dec.DecodeAll(src, nil)
}

func (z *zstdCodec) close() {
	_ = z.enc.Close()
	z.dec.Close()
}

type brotliCodec struct {
	level int
}

func (b brotliCodec) encode(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, b.level)
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (b brotliCodec) decode(src []byte) ([]byte, error) {
	return io.ReadAll(brotli.NewReader(bytes.NewReader(src)))
}

func (brotliCodec) close() {}
