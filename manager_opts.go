package fedfs

import (
	"errors"
	"log/slog"

	"github.com/meigma/fedfs/iopool"
)

// Option configures a Manager.
type Option func(*Manager) error

// Default manager settings.
const (
	DefaultMaxIdle         = 64
	DefaultSyncConcurrency = 4
)

// WithLogger sets the logger for the manager and the controllers it builds.
// Defaults to a logger that discards all output.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) error {
		if logger != nil {
			m.logger = logger
		}
		return nil
	}
}

// WithPool sets the buffer pool of the content caches. Defaults to
// iopool.Default.
func WithPool(pool iopool.Pool) Option {
	return func(m *Manager) error {
		if pool == nil {
			return errors.New("fedfs: nil pool")
		}
		m.pool = pool
		return nil
	}
}

// WithStrength sets how the manager keeps file systems that have no
// handles left. Defaults to Soft.
func WithStrength(s Strength) Option {
	return func(m *Manager) error {
		switch s {
		case Weak, Soft, Strong:
			m.strength = s
			return nil
		default:
			return errors.New("fedfs: invalid strength")
		}
	}
}

// WithMaxIdle sets the number of idle file systems kept with Soft strength.
// Defaults to DefaultMaxIdle.
func WithMaxIdle(n int) Option {
	return func(m *Manager) error {
		if n < 0 {
			return errors.New("fedfs: max idle must be >= 0")
		}
		m.maxIdle = n
		return nil
	}
}

// WithSyncConcurrency sets how many file systems of the same depth a sync
// commits in parallel. Values < 1 sync serially. Defaults to
// DefaultSyncConcurrency.
func WithSyncConcurrency(n int) Option {
	return func(m *Manager) error {
		if n < 1 {
			n = 1
		}
		m.syncConcurrency = n
		return nil
	}
}
