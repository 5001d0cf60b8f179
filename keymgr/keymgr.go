// Package keymgr supplies keys to the drivers of encrypted file systems.
//
// A KeyManager hands out one KeyProvider per mount point. Drivers ask the
// provider for a key whenever they mount or write the file system; a
// provider that cannot supply a key fails with fstype.ErrKeyUnavailable,
// so the file system reads as existing but inaccessible until a key is
// available.
package keymgr

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/meigma/fedfs/internal/address"
	"github.com/meigma/fedfs/internal/fstype"
)

// KeyManager returns the key providers of protected file systems.
type KeyManager interface {
	// Provider returns the key provider for the file system mounted at
	// mountPoint.
	Provider(mountPoint address.MountPoint) KeyProvider
}

// KeyProvider supplies the key of one protected file system.
type KeyProvider interface {
	// ReadKey returns the key for opening the file system. invalid is true
	// if the key returned by the previous call failed to open it.
	ReadKey(ctx context.Context, invalid bool) ([]byte, error)

	// WriteKey returns the key for writing a new version of the file system.
	WriteKey(ctx context.Context) ([]byte, error)
}

// Static is a KeyManager holding fixed keys in memory.
type Static struct {
	mu       sync.RWMutex
	keys     map[address.MountPoint][]byte
	fallback []byte
	logger   *slog.Logger
}

// Interface compliance.
var (
	_ KeyManager  = (*Static)(nil)
	_ KeyProvider = (*staticProvider)(nil)
)

// Option configures a Static key manager.
type Option func(*Static)

// WithDefaultKey sets the key of mount points without a key of their own.
func WithDefaultKey(key []byte) Option {
	return func(s *Static) {
		s.fallback = bytes.Clone(key)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Static) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStatic returns an empty static key manager.
func NewStatic(opts ...Option) *Static {
	s := &Static{
		keys:   make(map[address.MountPoint][]byte),
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s
}

// SetKey sets the key of mountPoint.
func (s *Static) SetKey(mountPoint address.MountPoint, key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[mountPoint] = bytes.Clone(key)
}

// RemoveKey forgets the key of mountPoint.
func (s *Static) RemoveKey(mountPoint address.MountPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, mountPoint)
}

// Provider implements KeyManager.
func (s *Static) Provider(mountPoint address.MountPoint) KeyProvider {
	return &staticProvider{s: s, mountPoint: mountPoint}
}

func (s *Static) key(mountPoint address.MountPoint) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if key, ok := s.keys[mountPoint]; ok {
		return bytes.Clone(key), true
	}
	if s.fallback != nil {
		return bytes.Clone(s.fallback), true
	}
	return nil, false
}

type staticProvider struct {
	s          *Static
	mountPoint address.MountPoint
}

func (p *staticProvider) unavailable(reason string) error {
	return fmt.Errorf("%s: %s: %w", p.mountPoint, reason, fstype.ErrKeyUnavailable)
}

// ReadKey implements KeyProvider. A static key that failed once fails
// forever, so an invalid key is reported as unavailable.
func (p *staticProvider) ReadKey(ctx context.Context, invalid bool) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if invalid {
		p.s.logger.Debug("static key rejected", "mount_point", p.mountPoint.String())
		return nil, p.unavailable("wrong key")
	}
	key, ok := p.s.key(p.mountPoint)
	if !ok {
		return nil, p.unavailable("no key")
	}
	return key, nil
}

// WriteKey implements KeyProvider.
func (p *staticProvider) WriteKey(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, ok := p.s.key(p.mountPoint)
	if !ok {
		return nil, p.unavailable("no key")
	}
	return key, nil
}
