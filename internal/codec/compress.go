package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionTag identifies the algorithm applied to an object payload.
// The tag is stored as the fifth byte of every object file, so these
// values are protocol constants; changing them breaks stored objects.
type CompressionTag uint8

const (
	// CompressionNone stores the canonical payload as-is. Also chosen
	// automatically when compression would not shrink the payload.
	CompressionNone CompressionTag = 0

	// CompressionFlate is DEFLATE, the repository default.
	CompressionFlate CompressionTag = 1

	// CompressionZstd is zstd at its default level. Better ratios on
	// large text payloads at slightly higher CPU cost.
	CompressionZstd CompressionTag = 2

	// CompressionLZ4 is LZ4 block compression. Cheapest decode path,
	// useful for very hot read workloads.
	CompressionLZ4 CompressionTag = 3
)

// String returns the name used in config and log output.
func (tag CompressionTag) String() string {
	switch tag {
	case CompressionNone:
		return "none"
	case CompressionFlate:
		return "flate"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", tag)
	}
}

// ParseCompressionTag maps a config value to its tag.
func ParseCompressionTag(name string) (CompressionTag, error) {
	switch name {
	case "none":
		return CompressionNone, nil
	case "flate":
		return CompressionFlate, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return 0, fmt.Errorf("unknown compressor: %q", name)
	}
}

// zstdEncoder and zstdDecoder are reused across calls; both are safe for
// concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("codec: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("codec: zstd decoder initialization failed: " + err.Error())
	}
}

// errIncompressible is returned when compressed output would be no
// smaller than the input; the caller falls back to CompressionNone.
var errIncompressible = fmt.Errorf("payload is incompressible")

// Compress applies tag to the canonical payload. When the output would
// not shrink, it returns the input unchanged with CompressionNone, so the
// tag actually written must be taken from the return value.
func Compress(payload []byte, tag CompressionTag) ([]byte, CompressionTag, error) {
	var compressed []byte
	var err error

	switch tag {
	case CompressionNone:
		return payload, CompressionNone, nil
	case CompressionFlate:
		compressed, err = compressFlate(payload)
	case CompressionZstd:
		compressed, err = compressZstd(payload)
	case CompressionLZ4:
		compressed, err = compressLZ4(payload)
	default:
		return nil, 0, fmt.Errorf("unsupported compressor tag: %d", tag)
	}

	if err == errIncompressible {
		return payload, CompressionNone, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return compressed, tag, nil
}

// Decompress reverses Compress. payloadLen is the canonical payload
// length from the object header and must match the output exactly.
func Decompress(compressed []byte, tag CompressionTag, payloadLen int) ([]byte, error) {
	switch tag {
	case CompressionNone:
		if len(compressed) != payloadLen {
			return nil, fmt.Errorf("uncompressed payload: size %d does not match header length %d",
				len(compressed), payloadLen)
		}
		return compressed, nil
	case CompressionFlate:
		return decompressFlate(compressed, payloadLen)
	case CompressionZstd:
		return decompressZstd(compressed, payloadLen)
	case CompressionLZ4:
		return decompressLZ4(compressed, payloadLen)
	default:
		return nil, fmt.Errorf("unsupported compressor tag: %d", tag)
	}
}

func compressFlate(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("flate compress: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return nil, fmt.Errorf("flate compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("flate compress: %w", err)
	}
	if buf.Len() >= len(payload) {
		return nil, errIncompressible
	}
	return buf.Bytes(), nil
}

func decompressFlate(compressed []byte, payloadLen int) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()

	out := make([]byte, 0, payloadLen)
	buf := bytes.NewBuffer(out)
	n, err := io.Copy(buf, io.LimitReader(r, int64(payloadLen)+1))
	if err != nil {
		return nil, fmt.Errorf("flate decompress: %w", err)
	}
	if n != int64(payloadLen) {
		return nil, fmt.Errorf("flate decompress: got %d bytes, expected %d", n, payloadLen)
	}
	return buf.Bytes(), nil
}

func compressZstd(payload []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(payload, nil)
	if len(compressed) >= len(payload) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func decompressZstd(compressed []byte, payloadLen int) ([]byte, error) {
	result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, payloadLen))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(result) != payloadLen {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), payloadLen)
	}
	return result, nil
}

func compressLZ4(payload []byte) ([]byte, error) {
	bound := lz4.CompressBlockBound(len(payload))
	destination := make([]byte, bound)

	written, err := lz4.CompressBlock(payload, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock returns 0 when the data is incompressible.
	if written == 0 || written >= len(payload) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(compressed []byte, payloadLen int) ([]byte, error) {
	destination := make([]byte, payloadLen)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != payloadLen {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, payloadLen)
	}
	return destination, nil
}
