package fedfs

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/meigma/fedfs/internal/address"
	"github.com/meigma/fedfs/internal/cachectl"
	"github.com/meigma/fedfs/internal/fstype"
	"github.com/meigma/fedfs/internal/lockctl"
	"github.com/meigma/fedfs/iopool"
)

// Strength controls when the manager evicts a file system that no handle
// references. Touched file systems are never evicted.
type Strength int

const (
	// Weak evicts a file system as soon as its last handle is released.
	Weak Strength = iota
	// Soft keeps up to MaxIdle unreferenced file systems, evicting the
	// least recently used first.
	Soft
	// Strong keeps file systems until a sync with Unmount.
	Strong
)

func (s Strength) String() string {
	switch s {
	case Weak:
		return "weak"
	case Soft:
		return "soft"
	case Strong:
		return "strong"
	default:
		return fmt.Sprintf("Strength(%d)", int(s))
	}
}

// Drivers maps schemes to the drivers of their file systems.
type Drivers map[Scheme]Driver

// Manager is the registry of all live file systems.
//
// It builds the controller chain of a mount point on first use, with the
// chain of its parent below it, and hands out reference-counted handles.
// There is at most one chain per mount point at any time, so all clients
// of a mount point share its lock and its pending changes.
type Manager struct {
	logger          *slog.Logger
	pool            iopool.Pool
	strength        Strength
	maxIdle         int
	syncConcurrency int

	mu     sync.Mutex
	mounts map[address.MountPoint]*mount
	clock  uint64
}

// mount is a registry entry. refs counts handles and child mounts.
type mount struct {
	model    *fstype.Model
	ctl      *lockctl.Controller
	parent   *mount
	refs     int
	lastUsed uint64
}

// NewManager returns an empty manager.
func NewManager(opts ...Option) (*Manager, error) {
	m := &Manager{
		logger:          slog.New(slog.DiscardHandler),
		pool:            iopool.Default,
		strength:        Soft,
		maxIdle:         DefaultMaxIdle,
		syncConcurrency: DefaultSyncConcurrency,
		mounts:          make(map[address.MountPoint]*mount),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handle is a client reference to the controller chain of a mount point.
// The chain stays registered at least until Release is called.
type Handle struct {
	m    *Manager
	e    *mount
	once sync.Once
}

// Controller returns the outermost controller of the chain.
func (h *Handle) Controller() Controller {
	return h.e.ctl
}

// MountPoint returns the mount point of the file system.
func (h *Handle) MountPoint() MountPoint {
	return h.e.model.MountPoint()
}

// Release drops the reference. Calling Release more than once has no
// further effect.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.m.release(h.e)
	})
}

// Controller returns a handle on the controller chain of mountPoint,
// mounting it and its ancestors if necessary. Drivers are looked up by the
// scheme of each mount point.
//
// Requesting the same mount point again before it is evicted returns the
// same controller.
func (m *Manager) Controller(drivers Drivers, mountPoint MountPoint) (*Handle, error) {
	if mountPoint.IsZero() {
		return nil, fmt.Errorf("fedfs: zero mount point: %w", ErrAddressSyntax)
	}
	m.mu.Lock()
	e, err := m.mountLocked(drivers, mountPoint)
	if err != nil {
		evicted := m.sweepLocked(false)
		m.mu.Unlock()
		m.close(evicted)
		return nil, err
	}
	e.refs++
	m.clock++
	e.lastUsed = m.clock
	m.mu.Unlock()
	return &Handle{m: m, e: e}, nil
}

func (m *Manager) mountLocked(drivers Drivers, mountPoint MountPoint) (*mount, error) {
	if e, ok := m.mounts[mountPoint]; ok {
		return e, nil
	}
	driver, ok := drivers[mountPoint.Scheme()]
	if !ok || driver == nil {
		return nil, fmt.Errorf("%w %q", ErrNoDriver, mountPoint.Scheme())
	}

	e := &mount{}
	var (
		parentModel *fstype.Model
		parentCtl   fstype.Controller
	)
	if parentMountPoint, federated := mountPoint.Parent(); federated {
		parent, err := m.mountLocked(drivers, parentMountPoint)
		if err != nil {
			return nil, err
		}
		parent.refs++
		e.parent = parent
		parentModel = parent.model
		parentCtl = parent.ctl
	}

	e.model = fstype.NewModel(mountPoint, parentModel)
	inner := driver.NewController(e.model, parentCtl)
	if mountPoint.IsFederated() {
		inner = cachectl.New(inner, cachectl.WithPool(m.pool), cachectl.WithLogger(m.logger))
	}
	e.ctl = lockctl.New(inner, m.logger)
	m.mounts[mountPoint] = e
	m.logger.Debug("registered file system", "mount_point", mountPoint.String())
	return e, nil
}

func (m *Manager) release(e *mount) {
	m.mu.Lock()
	e.refs--
	if e.refs < 0 {
		m.mu.Unlock()
		panic("fedfs: handle released more often than acquired")
	}
	evicted := m.sweepLocked(false)
	m.mu.Unlock()
	m.close(evicted)
}

// idle reports whether e may be evicted.
func idle(e *mount) bool {
	if e.refs > 0 || e.model.Touched() {
		return false
	}
	_, writers := e.ctl.OpenStreams()
	return writers == 0
}

// sweepLocked removes evictable entries from the registry and returns them.
// With unmount set every idle entry is evicted regardless of strength.
func (m *Manager) sweepLocked(unmount bool) []*mount {
	var evicted []*mount
	for {
		var candidates []*mount
		for _, e := range m.mounts {
			if idle(e) {
				candidates = append(candidates, e)
			}
		}
		switch {
		case unmount, m.strength == Weak:
		case m.strength == Soft && len(candidates) > m.maxIdle:
			slices.SortFunc(candidates, func(a, b *mount) int {
				return cmp.Compare(a.lastUsed, b.lastUsed)
			})
			candidates = candidates[:len(candidates)-m.maxIdle]
		default:
			candidates = nil
		}
		if len(candidates) == 0 {
			return evicted
		}
		for _, e := range candidates {
			delete(m.mounts, e.model.MountPoint())
			if e.parent != nil {
				e.parent.refs--
			}
			evicted = append(evicted, e)
		}
	}
}

// close releases the resources of evicted entries, children first.
func (m *Manager) close(evicted []*mount) {
	for _, e := range evicted {
		mountPoint := e.model.MountPoint()
		if err := e.ctl.Sync(context.Background(), fstype.SyncUnmount); err != nil {
			m.logger.Warn("closing evicted file system", "mount_point", mountPoint.String(), "error", err)
			continue
		}
		m.logger.Debug("evicted file system", "mount_point", mountPoint.String())
	}
}

// Len returns the number of registered file systems.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mounts)
}

// MountPoints returns the registered mount points, children before their
// parents.
func (m *Manager) MountPoints() []MountPoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	mountPoints := make([]MountPoint, 0, len(m.mounts))
	for mp := range m.mounts {
		mountPoints = append(mountPoints, mp)
	}
	slices.SortFunc(mountPoints, compareDeepestFirst)
	return mountPoints
}

func compareDeepestFirst(a, b MountPoint) int {
	if d := b.Depth() - a.Depth(); d != 0 {
		return d
	}
	return a.Compare(b)
}
