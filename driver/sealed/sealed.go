// Package sealed implements encrypted ZIP archives.
//
// A sealed archive is a ZIP archive encrypted as a whole with
// XChaCha20-Poly1305:
//
//	"SZIP" | header length (uint32, big endian) | CBOR header | ciphertext
//
// The key is derived from a passphrase supplied by a keymgr.KeyManager,
// using Argon2id followed by HKDF-SHA256. The header carries a BLAKE3 check
// value of the derived key, so a wrong passphrase is detected before any
// decryption is attempted. The header is authenticated as additional data.
package sealed

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/meigma/fedfs/driver/zip"
	"github.com/meigma/fedfs/internal/address"
	"github.com/meigma/fedfs/internal/archive"
	"github.com/meigma/fedfs/internal/fstype"
	"github.com/meigma/fedfs/iopool"
	"github.com/meigma/fedfs/keymgr"
)

// Magic starts every sealed archive.
const Magic = "SZIP"

const (
	version       = 1
	saltSize      = 16
	keySize       = chacha20poly1305.KeySize
	maxHeaderSize = 4096
	maxAttempts   = 3
	checkDomain   = "fedfs sealed key check"
	hkdfInfo      = "fedfs sealed v1"
)

// Upper bounds of the Argon2id parameters accepted from a header.
const (
	maxKDFTime    = 16
	maxKDFMemory  = 1 << 21 // KiB
	maxKDFThreads = 16
)

// ErrAuthentication is returned when the ciphertext of a sealed archive
// fails authentication although the key check passed.
var ErrAuthentication = errors.New("fedfs: sealed archive authentication failed")

// KDFParams configures Argon2id.
type KDFParams struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
}

// DefaultKDFParams are the Argon2id parameters of new archives.
var DefaultKDFParams = KDFParams{Time: 1, Memory: 64 * 1024, Threads: 4}

func (p KDFParams) validate() error {
	if p.Time == 0 || p.Threads == 0 || p.Memory < 8*uint32(p.Threads) ||
		p.Time > maxKDFTime || p.Memory > maxKDFMemory || p.Threads > maxKDFThreads {
		return fmt.Errorf("invalid key derivation parameters %+v", p)
	}
	return nil
}

// Interface compliance.
var (
	_ archive.Codec           = (*Codec)(nil)
	_ archive.InputContainer  = (*input)(nil)
	_ archive.OutputContainer = (*output)(nil)
)

// header is the CBOR encoded archive header.
type header struct {
	Version uint8  `cbor:"1,keyasint"`
	Salt    []byte `cbor:"2,keyasint"`
	Time    uint32 `cbor:"3,keyasint"`
	Memory  uint32 `cbor:"4,keyasint"`
	Threads uint8  `cbor:"5,keyasint"`
	Nonce   []byte `cbor:"6,keyasint"`
	Check   []byte `cbor:"7,keyasint"`
}

func (h *header) kdf() KDFParams {
	return KDFParams{Time: h.Time, Memory: h.Memory, Threads: h.Threads}
}

// Codec reads and writes sealed archives.
type Codec struct {
	keys   keymgr.KeyManager
	inner  *zip.Codec
	kdf    KDFParams
	logger *slog.Logger
}

type config struct {
	codec   Codec
	zip     []zip.Option
	archive []archive.Option
}

// Option configures a Codec or the driver built on it.
type Option func(*config)

// WithKDFParams sets the Argon2id parameters of new archives.
func WithKDFParams(p KDFParams) Option {
	return func(c *config) {
		c.codec.kdf = p
	}
}

// WithZipOptions configures the inner ZIP codec.
func WithZipOptions(opts ...zip.Option) Option {
	return func(c *config) {
		c.zip = append(c.zip, opts...)
	}
}

// WithPool sets the buffer pool of the driver.
func WithPool(pool iopool.Pool) Option {
	return func(c *config) {
		c.archive = append(c.archive, archive.WithPool(pool))
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.codec.logger = logger
			c.zip = append(c.zip, zip.WithLogger(logger))
			c.archive = append(c.archive, archive.WithLogger(logger))
		}
	}
}

func newConfig(keys keymgr.KeyManager, opts []Option) *config {
	c := &config{codec: Codec{
		keys:   keys,
		kdf:    DefaultKDFParams,
		logger: slog.New(slog.DiscardHandler),
	}}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(c)
	}
	c.codec.inner = zip.New(c.zip...)
	return c
}

// New returns a codec for sealed archives taking keys from keys.
func New(keys keymgr.KeyManager, opts ...Option) *Codec {
	c := newConfig(keys, opts).codec
	return &c
}

// NewDriver returns a driver for sealed archives taking keys from keys.
func NewDriver(keys keymgr.KeyManager, opts ...Option) fstype.Driver {
	c := newConfig(keys, opts)
	codec := c.codec
	return archive.NewDriver(&codec, c.archive...)
}

// NewEntry implements archive.Codec.
func (c *Codec) NewEntry(name address.EntryName, typ fstype.EntryType, template *fstype.Entry) (*fstype.Entry, error) {
	return c.inner.NewEntry(name, typ, template)
}

// NewInput implements archive.Codec.
func (c *Codec) NewInput(ctx context.Context, model *fstype.Model, src fstype.ReaderAt) (archive.InputContainer, error) {
	hdr, hdrBytes, offset, err := readHeader(src)
	if err != nil {
		return nil, err
	}
	provider := c.keys.Provider(model.MountPoint())
	var encKey []byte
	for attempt, invalid := 0, false; ; attempt, invalid = attempt+1, true {
		if attempt == maxAttempts {
			return nil, fmt.Errorf("%s: too many wrong keys: %w", model.MountPoint(), fstype.ErrKeyUnavailable)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		passphrase, err := provider.ReadKey(ctx, invalid)
		if err != nil {
			return nil, err
		}
		var check []byte
		encKey, check, err = deriveKeys(passphrase, hdr.Salt, hdr.kdf())
		if err != nil {
			return nil, err
		}
		if subtle.ConstantTimeCompare(check, hdr.Check) == 1 {
			break
		}
		c.logger.Debug("wrong key", "mount_point", model.MountPoint().String(), "attempt", attempt+1)
	}

	ciphertext := make([]byte, src.Size()-offset)
	if _, err := src.ReadAt(ciphertext, offset); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(encKey)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(ciphertext[:0], hdr.Nonce, ciphertext, hdrBytes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", model.MountPoint(), ErrAuthentication)
	}
	inner, err := c.inner.NewInput(ctx, model, bytes.NewReader(plain))
	if err != nil {
		return nil, fmt.Errorf("sealed payload: %w", err)
	}
	return &input{InputContainer: inner, hdr: hdr}, nil
}

// readHeader parses the header of a sealed archive. It returns the header,
// its encoding and the offset of the ciphertext.
func readHeader(src fstype.ReaderAt) (*header, []byte, int64, error) {
	var prefix [len(Magic) + 4]byte
	if _, err := src.ReadAt(prefix[:], 0); err != nil {
		return nil, nil, 0, fmt.Errorf("reading sealed header: %w", err)
	}
	if string(prefix[:len(Magic)]) != Magic {
		return nil, nil, 0, errors.New("not a sealed archive")
	}
	n := binary.BigEndian.Uint32(prefix[len(Magic):])
	if n == 0 || n > maxHeaderSize || int64(n) > src.Size()-int64(len(prefix)) {
		return nil, nil, 0, fmt.Errorf("sealed header length %d out of range", n)
	}
	hdrBytes := make([]byte, n)
	if _, err := src.ReadAt(hdrBytes, int64(len(prefix))); err != nil {
		return nil, nil, 0, fmt.Errorf("reading sealed header: %w", err)
	}
	var hdr header
	if err := cbor.Unmarshal(hdrBytes, &hdr); err != nil {
		return nil, nil, 0, fmt.Errorf("decoding sealed header: %w", err)
	}
	if hdr.Version != version {
		return nil, nil, 0, fmt.Errorf("unsupported sealed archive version %d", hdr.Version)
	}
	if len(hdr.Nonce) != chacha20poly1305.NonceSizeX || len(hdr.Salt) != saltSize {
		return nil, nil, 0, errors.New("malformed sealed header")
	}
	if err := hdr.kdf().validate(); err != nil {
		return nil, nil, 0, fmt.Errorf("malformed sealed header: %w", err)
	}
	return &hdr, hdrBytes, int64(len(prefix)) + int64(n), nil
}

// deriveKeys derives the encryption key and the key check value from a
// passphrase.
func deriveKeys(passphrase, salt []byte, p KDFParams) (encKey, check []byte, err error) {
	if err := p.validate(); err != nil {
		return nil, nil, err
	}
	master := argon2.IDKey(passphrase, salt, p.Time, p.Memory, p.Threads, keySize)
	r := hkdf.New(sha256.New, master, salt, []byte(hkdfInfo))
	keys := make([]byte, 2*keySize)
	if _, err := io.ReadFull(r, keys); err != nil {
		return nil, nil, fmt.Errorf("deriving keys: %w", err)
	}
	encKey, checkKey := keys[:keySize], keys[keySize:]
	h, err := blake3.NewKeyed(checkKey)
	if err != nil {
		return nil, nil, err
	}
	_, _ = h.Write([]byte(checkDomain))
	return encKey, h.Sum(nil), nil
}

// NewOutput implements archive.Codec. The archive is encrypted and written
// to sink when the output is closed.
func (c *Codec) NewOutput(ctx context.Context, model *fstype.Model, sink io.Writer, in archive.InputContainer) (archive.OutputContainer, error) {
	passphrase, err := c.keys.Provider(model.MountPoint()).WriteKey(ctx)
	if err != nil {
		return nil, err
	}
	var prevInner archive.InputContainer
	if prev, ok := in.(*input); ok {
		prevInner = prev.InputContainer
	}
	out := &output{codec: c, sink: sink, passphrase: passphrase}
	inner, err := c.inner.NewOutput(ctx, model, &out.plain, prevInner)
	if err != nil {
		return nil, err
	}
	out.OutputContainer = inner
	return out, nil
}

type input struct {
	archive.InputContainer
	hdr *header
}

type output struct {
	archive.OutputContainer
	codec      *Codec
	sink       io.Writer
	passphrase []byte
	plain      bytes.Buffer
}

func (out *output) Close() error {
	if err := out.OutputContainer.Close(); err != nil {
		return err
	}
	hdr := header{
		Version: version,
		Salt:    make([]byte, saltSize),
		Time:    out.codec.kdf.Time,
		Memory:  out.codec.kdf.Memory,
		Threads: out.codec.kdf.Threads,
		Nonce:   make([]byte, chacha20poly1305.NonceSizeX),
	}
	if _, err := rand.Read(hdr.Salt); err != nil {
		return err
	}
	if _, err := rand.Read(hdr.Nonce); err != nil {
		return err
	}
	encKey, check, err := deriveKeys(out.passphrase, hdr.Salt, out.codec.kdf)
	if err != nil {
		return err
	}
	hdr.Check = check
	hdrBytes, err := cbor.Marshal(hdr)
	if err != nil {
		return err
	}
	aead, err := chacha20poly1305.NewX(encKey)
	if err != nil {
		return err
	}

	sealed := make([]byte, 0, len(Magic)+4+len(hdrBytes)+out.plain.Len()+aead.Overhead())
	sealed = append(sealed, Magic...)
	sealed = binary.BigEndian.AppendUint32(sealed, uint32(len(hdrBytes)))
	sealed = append(sealed, hdrBytes...)
	sealed = aead.Seal(sealed, hdr.Nonce, out.plain.Bytes(), hdrBytes)
	clear(out.plain.Bytes())
	_, err = out.sink.Write(sealed)
	return err
}
