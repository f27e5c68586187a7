// Package controlplane implements the one-shot RPC protocol between workers
// and the controller: session-id broadcast, worker barriers, and session
// creation that installs switch state. The data plane never touches it after
// setup.
package controlplane

import (
	"bytes"
	"encoding/gob"
	"io"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype used on the controller channel. The
// controller protocol is a handful of tiny request/response pairs, so plain
// gob framing serves it without any generated stubs.
const CodecName = "gob"

type gobCodec struct{}

func (gobCodec) Name() string { return CodecName }

func (gobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// zstdCompressor implements the gRPC encoding.Compressor interface using
// Zstandard compression.
type zstdCompressor struct {
	level zstd.EncoderLevel
}

// Name returns the name of the compressor.
func (z *zstdCompressor) Name() string { return "zstd" }

// Compress returns a WriteCloser that compresses data written to it.
func (z *zstdCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w, zstd.WithEncoderLevel(z.level))
}

// Decompress returns a Reader that decompresses data read from it.
func (z *zstdCompressor) Decompress(r io.Reader) (io.Reader, error) {
	return zstd.NewReader(r)
}

// init registers the codec and the zstd compressor with gRPC's encoding
// package. SpeedDefault balances compression ratio and speed for the small
// setup payloads.
func init() {
	encoding.RegisterCodec(gobCodec{})
	encoding.RegisterCompressor(&zstdCompressor{level: zstd.SpeedDefault})
}
