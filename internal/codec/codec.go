// Package codec turns entities into the canonical object byte form and
// back. An encoded object is a fixed 17-byte header followed by the
// compressed canonical payload:
//
//	magic(4) = "ODI\x01" | compressor(1) | version(2, BE) | kind(2, BE) |
//	payload_length(8, BE) | compressed payload
//
// payload_length is the length of the canonical payload before
// compression, so size limits are enforceable without decompressing.
// The object identifier is the hash of the entire byte sequence, header
// included.
package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/odi-tracker/odi/internal/core"
)

// Magic opens every object file. The fourth byte doubles as a format
// generation marker independent of Version.
const Magic = "ODI\x01"

// Version is the current object format version, stored big-endian in
// every header.
const Version uint16 = 1

// HeaderSize is the fixed byte length of the object header.
const HeaderSize = 4 + 1 + 2 + 2 + 8

// DefaultMaxObjectBytes caps the canonical payload size unless
// limits.max_object_bytes overrides it.
const DefaultMaxObjectBytes = 64 << 20 // 64 MiB

// DecodeError reports a malformed object: bad magic, unknown version,
// truncated payload. It classifies as corruption; malformed stored bytes
// are never repaired silently.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "decode: " + e.Reason
}

// Is makes errors.Is(err, core.ErrCorruption) match.
func (e *DecodeError) Is(target error) bool {
	return target == core.ErrCorruption
}

// Header is the decoded fixed-size prefix of an object.
type Header struct {
	Compressor CompressionTag
	Version    uint16
	Kind       core.Kind
	PayloadLen uint64
}

// Options configures a Codec.
type Options struct {
	// Compressor names the algorithm for newly encoded objects: "flate"
	// (default), "zstd", "lz4", or "none". Decoding accepts every known
	// tag regardless of this setting.
	Compressor string

	// MaxObjectBytes caps the canonical payload size on both encode and
	// decode. Zero means DefaultMaxObjectBytes.
	MaxObjectBytes uint64
}

// Codec encodes and decodes objects with a fixed compressor choice.
type Codec struct {
	compressor CompressionTag
	maxBytes   uint64
}

// New constructs a Codec from options.
func New(opts Options) (*Codec, error) {
	tag := CompressionFlate
	if opts.Compressor != "" {
		parsed, err := ParseCompressionTag(opts.Compressor)
		if err != nil {
			return nil, &core.ConfigError{Path: "limits.compressor", Reason: err.Error()}
		}
		tag = parsed
	}
	maxBytes := opts.MaxObjectBytes
	if maxBytes == 0 {
		maxBytes = DefaultMaxObjectBytes
	}
	return &Codec{compressor: tag, maxBytes: maxBytes}, nil
}

// Compressor returns the tag applied to newly encoded objects.
func (c *Codec) Compressor() CompressionTag { return c.compressor }

// Encode normalizes and validates the entity, then produces the full
// object byte sequence and its content hash. Validation failures carry
// the entity's own error kind; an oversized payload fails with
// core.ErrLimitExceeded before anything touches disk.
func (c *Codec) Encode(e core.Entity) ([]byte, core.Hash, error) {
	e.Normalize()
	if err := e.Validate(); err != nil {
		return nil, core.Hash{}, fmt.Errorf("encode %s: %w", e.EntityKind(), err)
	}

	payload, err := marshalPayload(e)
	if err != nil {
		return nil, core.Hash{}, fmt.Errorf("encode %s: %w", e.EntityKind(), err)
	}
	if uint64(len(payload)) > c.maxBytes {
		return nil, core.Hash{}, fmt.Errorf("%w: %s payload is %d bytes (max %d)",
			core.ErrLimitExceeded, e.EntityKind(), len(payload), c.maxBytes)
	}

	compressed, tag, err := Compress(payload, c.compressor)
	if err != nil {
		return nil, core.Hash{}, fmt.Errorf("encode %s: %w", e.EntityKind(), err)
	}

	out := make([]byte, HeaderSize+len(compressed))
	copy(out[0:4], Magic)
	out[4] = byte(tag)
	binary.BigEndian.PutUint16(out[5:7], Version)
	binary.BigEndian.PutUint16(out[7:9], uint16(e.EntityKind()))
	binary.BigEndian.PutUint64(out[9:17], uint64(len(payload)))
	copy(out[HeaderSize:], compressed)

	return out, core.HashBytes(out), nil
}

// DecodeHeader parses and checks the fixed header. It needs only the
// first HeaderSize bytes, which is what kind-filtered enumeration reads.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, &DecodeError{Reason: fmt.Sprintf("object is %d bytes, shorter than the %d-byte header", len(data), HeaderSize)}
	}
	if string(data[0:4]) != Magic {
		return Header{}, &DecodeError{Reason: fmt.Sprintf("bad magic %q", data[0:4])}
	}
	h := Header{
		Compressor: CompressionTag(data[4]),
		Version:    binary.BigEndian.Uint16(data[5:7]),
		Kind:       core.Kind(binary.BigEndian.Uint16(data[7:9])),
		PayloadLen: binary.BigEndian.Uint64(data[9:17]),
	}
	if h.Version != Version {
		return Header{}, &DecodeError{Reason: fmt.Sprintf("unsupported format version %d (want %d)", h.Version, Version)}
	}
	if !h.Kind.Valid() {
		return Header{}, &DecodeError{Reason: fmt.Sprintf("unknown entity kind %d", uint16(h.Kind))}
	}
	return h, nil
}

// Decode parses a full object byte sequence back into its entity.
// A payload that decompresses but fails field validation is corruption:
// those bytes were never produced by a valid Encode.
func (c *Codec) Decode(data []byte) (core.Entity, error) {
	header, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	if header.PayloadLen > c.maxBytes {
		return nil, fmt.Errorf("%w: payload length %d exceeds limit %d",
			core.ErrLimitExceeded, header.PayloadLen, c.maxBytes)
	}

	payload, err := Decompress(data[HeaderSize:], header.Compressor, int(header.PayloadLen))
	if err != nil {
		return nil, &DecodeError{Reason: err.Error()}
	}

	entity, err := unmarshalPayload(header.Kind, payload)
	if err != nil {
		return nil, &DecodeError{Reason: fmt.Sprintf("%s payload: %v", header.Kind, err)}
	}
	entity.Normalize()
	if err := entity.Validate(); err != nil {
		return nil, fmt.Errorf("%w: decoded %s failed validation: %v", core.ErrCorruption, header.Kind, err)
	}
	return entity, nil
}
