package tar

import (
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/meigma/fedfs/iopool"
)

// decoderPool reuses zstd decoders across mounts.
type decoderPool struct {
	pool      sync.Pool
	maxMemory uint64
}

func newDecoderPool(maxMemory uint64) *decoderPool {
	return &decoderPool{maxMemory: maxMemory}
}

// get returns a decoder reading from r and a function returning it to the
// pool.
func (p *decoderPool) get(r io.Reader) (*zstd.Decoder, func(), error) {
	if dec, ok := p.pool.Get().(*zstd.Decoder); ok {
		if err := dec.Reset(r); err == nil {
			return dec, p.release(dec), nil
		}
		dec.Close()
	}
	dec, err := p.newDecoder(r)
	if err != nil {
		return nil, nil, err
	}
	return dec, p.release(dec), nil
}

func (p *decoderPool) release(dec *zstd.Decoder) func() {
	return func() {
		_ = dec.Reset(nil) //nolint:errcheck // clearing state before pool return
		p.pool.Put(dec)
	}
}

func (p *decoderPool) newDecoder(r io.Reader) (*zstd.Decoder, error) {
	opts := []zstd.DOption{zstd.WithDecoderConcurrency(1)}
	if p.maxMemory > 0 {
		opts = append(opts, zstd.WithDecoderMaxMemory(p.maxMemory))
	}
	return zstd.NewReader(r, opts...)
}

// decompress copies the decompressed content of src into a new buffer.
func (c *Codec) decompress(src io.Reader) (iopool.Buffer, error) {
	var r io.Reader
	switch c.compression {
	case Zstd:
		dec, release, err := c.decoders.get(src)
		if err != nil {
			return nil, err
		}
		defer release()
		r = dec
	case LZ4:
		r = lz4.NewReader(src)
	default:
		r = src
	}
	return iopool.Fill(c.pool, r)
}

// compressor wraps sink in an encoder for the codec's compression. It
// returns nil for uncompressed archives.
func (c *Codec) compressor(sink io.Writer) (io.WriteCloser, error) {
	switch c.compression {
	case Zstd:
		return zstd.NewWriter(sink, zstd.WithEncoderLevel(c.zstdLevel))
	case LZ4:
		zw := lz4.NewWriter(sink)
		if err := zw.Apply(lz4.CompressionLevelOption(c.lz4Level)); err != nil {
			return nil, err
		}
		return zw, nil
	default:
		return nil, nil
	}
}
