package compression

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"

	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/domain/relay"
)

// Frame layout: magic | codec | flags | body.
const (
	frameMagic      byte = 0xC7
	frameHeaderSize      = 3

	codecZstd  byte = 1
	codecS2    byte = 2
	codecFlate byte = 3

	// flagStored marks a body kept verbatim because encoding did not pay off.
	flagStored byte = 1 << 0
)

const (
	minS2Block = 4 << 10
	maxS2Block = 4 << 20
)

// codec encodes payloads of one type with that type's current parameters.
type codec struct {
	id     byte
	params relay.CompressionParams
	zstd   *zstd.Encoder
}

func codecFor(t relay.PayloadType) byte {
	switch t {
	case relay.PayloadBinary:
		return codecS2
	case relay.PayloadProof:
		return codecFlate
	default:
		return codecZstd
	}
}

func newCodec(t relay.PayloadType, params relay.CompressionParams) (*codec, error) {
	c := &codec{id: codecFor(t), params: params}
	if c.id != codecZstd {
		return c, nil
	}

	opts := []zstd.EOption{
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(int(params.CompressionLevel))),
		zstd.WithEncoderConcurrency(1),
		zstd.WithEncoderCRC(true),
	}
	if params.DictionarySize > 0 {
		opts = append(opts, zstd.WithWindowSize(windowSize(params.DictionarySize)))
	}
	// Transactions are short and high entropy; without huffman the
	// literals are stored as-is.
	if t == relay.PayloadTransaction && !params.HuffmanEnabled {
		opts = append(opts, zstd.WithNoEntropyCompression(true))
	}
	enc, err := zstd.NewWriter(nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder for %s: %w", t, err)
	}
	c.zstd = enc
	return c, nil
}

// windowSize converts a KiB dictionary size to a zstd window: a power of two
// no smaller than the zstd minimum.
func windowSize(kib uint32) int {
	want := int(kib) << 10
	size := zstd.MinWindowSize
	for size < want {
		size <<= 1
	}
	return size
}

func (c *codec) encode(payload []byte) ([]byte, error) {
	switch c.id {
	case codecZstd:
		return c.zstd.EncodeAll(payload, make([]byte, 0, len(payload))), nil
	case codecS2:
		return c.encodeS2(payload)
	case codecFlate:
		return c.encodeFlate(payload)
	}
	return nil, fmt.Errorf("unknown codec %d", c.id)
}

func (c *codec) encodeS2(payload []byte) ([]byte, error) {
	block := int(c.params.BlockSize)
	if block < minS2Block {
		block = minS2Block
	}
	if block > maxS2Block {
		block = maxS2Block
	}
	opts := []s2.WriterOption{s2.WriterBlockSize(block), s2.WriterConcurrency(1)}
	switch {
	case c.params.CompressionLevel >= 8:
		opts = append(opts, s2.WriterBestCompression())
	case c.params.CompressionLevel >= 5:
		opts = append(opts, s2.WriterBetterCompression())
	}

	var buf bytes.Buffer
	w := s2.NewWriter(&buf, opts...)
	if _, err := w.Write(payload); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *codec) encodeFlate(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flateLevel(c.params))
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(payload); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func flateLevel(p relay.CompressionParams) int {
	switch {
	case p.CompressionLevel == 0 && p.HuffmanEnabled:
		return flate.HuffmanOnly
	case p.CompressionLevel == 0:
		return flate.NoCompression
	case p.CompressionLevel > flate.BestCompression:
		return flate.BestCompression
	default:
		return int(p.CompressionLevel)
	}
}

// decoder decodes any frame body regardless of current profile parameters.
type decoder struct {
	zstd     *zstd.Decoder
	maxBytes uint64
}

func newDecoder(maxBytes uint64) (*decoder, error) {
	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(maxBytes),
	)
	if err != nil {
		return nil, err
	}
	return &decoder{zstd: dec, maxBytes: maxBytes}, nil
}

func (d *decoder) decode(codecID byte, body []byte) ([]byte, error) {
	switch codecID {
	case codecZstd:
		return d.zstd.DecodeAll(body, nil)
	case codecS2:
		return d.readLimited(s2.NewReader(bytes.NewReader(body)))
	case codecFlate:
		r := flate.NewReader(bytes.NewReader(body))
		defer r.Close()
		return d.readLimited(r)
	}
	return nil, fmt.Errorf("unknown codec %d", codecID)
}

func (d *decoder) readLimited(r io.Reader) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, int64(d.maxBytes)+1))
	if err != nil {
		return nil, err
	}
	if uint64(len(out)) > d.maxBytes {
		return nil, fmt.Errorf("decoded payload exceeds %d bytes", d.maxBytes)
	}
	return out, nil
}

func (d *decoder) close() {
	d.zstd.Close()
}
