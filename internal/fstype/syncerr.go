package fstype

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/meigma/fedfs/internal/address"
)

// SyncError reports the failure to sync one file system.
//
// A warning means the data was committed but a non-critical step failed,
// e.g. forcibly closing streams or releasing the previous archive. Otherwise
// the data may not have been committed and the file system stays touched.
type SyncError struct {
	MountPoint address.MountPoint
	Err        error
	Warning    bool
}

// NewSyncError returns a hard sync failure.
func NewSyncError(mountPoint address.MountPoint, err error) *SyncError {
	return &SyncError{MountPoint: mountPoint, Err: err}
}

// NewSyncWarning returns a warning-class sync failure.
func NewSyncWarning(mountPoint address.MountPoint, err error) *SyncError {
	return &SyncError{MountPoint: mountPoint, Err: err, Warning: true}
}

func (e *SyncError) Error() string {
	kind := "sync"
	if e.Warning {
		kind = "sync warning"
	}
	return fmt.Sprintf("fedfs: %s %s: %v", kind, e.MountPoint, e.Err)
}

// Unwrap returns the underlying cause.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrSync.
func (e *SyncError) Is(target error) bool {
	return target == ErrSync
}

// AggregateSyncError reports a sync of several file systems in which at
// least one failed or was skipped.
type AggregateSyncError struct {
	// Failures holds one error per failed mount point, deepest first.
	Failures []*SyncError
	// Skipped holds mount points not synced because a descendant failed.
	Skipped []address.MountPoint
	// Synced counts the mount points synced without error.
	Synced int
}

func (e *AggregateSyncError) Error() string {
	var b strings.Builder
	total := e.Synced + len(e.Failures) + len(e.Skipped)
	fmt.Fprintf(&b, "fedfs: sync: %d of %d file systems failed", len(e.Failures), total)
	if len(e.Skipped) > 0 {
		fmt.Fprintf(&b, ", %d skipped", len(e.Skipped))
	}
	if e.Synced > 0 {
		fmt.Fprintf(&b, ", %d synced", e.Synced)
	}
	for _, f := range e.Failures {
		b.WriteString("; ")
		b.WriteString(f.Error())
	}
	return b.String()
}

// Unwrap returns the individual failures.
func (e *AggregateSyncError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}

// Is reports whether target is ErrSync.
func (e *AggregateSyncError) Is(target error) bool {
	return target == ErrSync
}

// Warning reports whether every failure is a warning and nothing was skipped.
func (e *AggregateSyncError) Warning() bool {
	if len(e.Skipped) > 0 {
		return false
	}
	for _, f := range e.Failures {
		if !f.Warning {
			return false
		}
	}
	return true
}

// IsSyncWarning reports whether err is a sync error of warning severity only.
func IsSyncWarning(err error) bool {
	var agg *AggregateSyncError
	if errors.As(err, &agg) {
		return agg.Warning()
	}
	var se *SyncError
	return errors.As(err, &se) && se.Warning
}

// SyncErrorBuilder collects the outcome of syncing independent file systems
// without aborting on the first failure. It is safe for concurrent use.
type SyncErrorBuilder struct {
	mu       sync.Mutex
	failures []*SyncError
	skipped  []address.MountPoint
	synced   int
}

// Add records the result of syncing mountPoint. A nil err counts as success.
// Errors that are not already *SyncError are recorded as hard failures.
func (b *SyncErrorBuilder) Add(mountPoint address.MountPoint, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.synced++
		return
	}
	var agg *AggregateSyncError
	if errors.As(err, &agg) {
		b.failures = append(b.failures, agg.Failures...)
		b.skipped = append(b.skipped, agg.Skipped...)
		b.synced += agg.Synced
		return
	}
	var se *SyncError
	if errors.As(err, &se) {
		b.failures = append(b.failures, se)
		return
	}
	b.failures = append(b.failures, NewSyncError(mountPoint, err))
}

// Skip records that mountPoint was not synced.
func (b *SyncErrorBuilder) Skip(mountPoint address.MountPoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.skipped = append(b.skipped, mountPoint)
}

// Failed reports whether mountPoint or one of its descendants failed or
// was skipped.
func (b *SyncErrorBuilder) Failed(mountPoint address.MountPoint) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, f := range b.failures {
		if !f.Warning && (f.MountPoint == mountPoint || mountPoint.IsAncestorOf(f.MountPoint)) {
			return true
		}
	}
	for _, s := range b.skipped {
		if s == mountPoint || mountPoint.IsAncestorOf(s) {
			return true
		}
	}
	return false
}

// Err returns nil if nothing failed, the single *SyncError if exactly one
// mount point failed and nothing was skipped, and an *AggregateSyncError
// otherwise.
func (b *SyncErrorBuilder) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.failures) == 0 && len(b.skipped) == 0 {
		return nil
	}
	if len(b.failures) == 1 && len(b.skipped) == 0 {
		return b.failures[0]
	}
	failures := slices.Clone(b.failures)
	slices.SortStableFunc(failures, func(x, y *SyncError) int {
		if d := y.MountPoint.Depth() - x.MountPoint.Depth(); d != 0 {
			return d
		}
		return x.MountPoint.Compare(y.MountPoint)
	})
	skipped := slices.Clone(b.skipped)
	slices.SortFunc(skipped, address.MountPoint.Compare)
	return &AggregateSyncError{
		Failures: failures,
		Skipped:  skipped,
		Synced:   b.synced,
	}
}
