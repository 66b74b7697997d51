package shm

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sysds/sysds/internal/fs"
)

// ErrBusy is returned when a lock could not be acquired before its timeout.
var ErrBusy = errors.New("shm: lock busy")

// ErrLockSummaryNotClear is returned by AcquireExclusive when the requesting
// connection already holds the lock in shared mode; exclusive acquisition
// requires the connection's own summary to be clear first.
var ErrLockSummaryNotClear = errors.New("shm: connection already holds shared lock")

// ConnID identifies a connection for recursive shared-lock bookkeeping. The
// same connection handle may be used by multiple worker goroutines
// sequentially, so this is keyed by handle, not by goroutine or thread.
type ConnID uint64

// NeedsRecoveryFunc performs a cheap, non-blocking check of whether any
// recorded connection looks dead and therefore a recovery sweep is due. It
// is called while the caller holds the lock in the mode it just acquired.
type NeedsRecoveryFunc func() bool

// RecoverFunc runs the recovery sweep (stale-connection reclaim). It is
// always invoked with the lock already held exclusively, so it may freely
// mutate connection state, subscriptions, and evpipe tables.
type RecoverFunc func() error

// RWLock is a process-shared reader/writer lock with crash recovery,
// implemented on top of flock(2) via an internal/fs.Locker.
//
// Unlike the process-shared pthread rwlock this substrate is modeled on,
// flock is released by the kernel when a holding process exits, so a dead
// holder never wedges the lock itself. What a dead holder leaves behind is
// stale *substrate state*: its connection record, subscriptions, and
// evpipes. RWLock therefore triggers the recovery sweep opportunistically
// right after a successful acquisition (matched against NeedsRecoveryFunc),
// rather than only as a reaction to a lock timeout; a timeout still surfaces
// as ErrBusy; it just doesn't get a special recovery path, because no
// reclaim of a live, slow holder's lock is possible or desirable.
type RWLock struct {
	locker        *fs.Locker
	path          string
	timeout       time.Duration
	needsRecovery NeedsRecoveryFunc
	recover       RecoverFunc

	mu     sync.Mutex
	rcount map[ConnID]int
	held   map[ConnID]*fs.Lock
}

// NewRWLock creates an RWLock backed by the lock file at path. timeout
// bounds each acquisition attempt. needsRecovery and recover may both be
// nil, in which case no opportunistic recovery sweep ever runs.
func NewRWLock(locker *fs.Locker, path string, timeout time.Duration, needsRecovery NeedsRecoveryFunc, recover RecoverFunc) *RWLock {
	return &RWLock{
		locker:        locker,
		path:          path,
		timeout:       timeout,
		needsRecovery: needsRecovery,
		recover:       recover,
		rcount:        make(map[ConnID]int),
		held:          make(map[ConnID]*fs.Lock),
	}
}

// AcquireShared acquires the lock in shared mode on behalf of conn. Nested
// acquires by the same connection are admitted without re-locking the OS
// primitive; each must be matched by a ReleaseShared.
func (l *RWLock) AcquireShared(conn ConnID) error {
	l.mu.Lock()
	if l.rcount[conn] > 0 {
		l.rcount[conn]++
		l.mu.Unlock()

		return nil
	}
	l.mu.Unlock()

	lk, err := l.locker.RLockWithTimeout(l.path, l.timeout)
	if err != nil {
		if errors.Is(err, fs.ErrWouldBlock) {
			return ErrBusy
		}

		return err
	}

	if l.needsRecovery != nil && l.needsRecovery() {
		lk.Close()

		if err := l.runRecoverySweep(); err != nil {
			return err
		}

		lk, err = l.locker.RLockWithTimeout(l.path, l.timeout)
		if err != nil {
			if errors.Is(err, fs.ErrWouldBlock) {
				return ErrBusy
			}

			return err
		}
	}

	l.mu.Lock()
	l.rcount[conn] = 1
	l.held[conn] = lk
	l.mu.Unlock()

	return nil
}

// ReleaseShared releases one nested shared acquisition held by conn.
func (l *RWLock) ReleaseShared(conn ConnID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, ok := l.rcount[conn]
	if !ok || n <= 0 {
		return fmt.Errorf("shm: connection %d does not hold shared lock", conn)
	}

	n--
	if n > 0 {
		l.rcount[conn] = n

		return nil
	}

	lk := l.held[conn]
	delete(l.rcount, conn)
	delete(l.held, conn)

	if lk == nil {
		return nil
	}

	return lk.Close()
}

// MainRCount reports the current recursive shared-lock depth for conn.
func (l *RWLock) MainRCount(conn ConnID) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.rcount[conn]
}

// AcquireExclusive acquires the lock in exclusive mode on behalf of conn. It
// asserts the connection does not already hold the lock in shared mode, then
// runs an opportunistic recovery sweep before returning if one is due.
func (l *RWLock) AcquireExclusive(conn ConnID) (*fs.Lock, error) {
	l.mu.Lock()
	held := l.rcount[conn] > 0
	l.mu.Unlock()

	if held {
		return nil, ErrLockSummaryNotClear
	}

	lk, err := l.locker.LockWithTimeout(l.path, l.timeout)
	if err != nil {
		if errors.Is(err, fs.ErrWouldBlock) {
			return nil, ErrBusy
		}

		return nil, err
	}

	if l.needsRecovery != nil && l.needsRecovery() && l.recover != nil {
		if err := l.recover(); err != nil {
			lk.Close()

			return nil, fmt.Errorf("shm: recovery sweep: %w", err)
		}
	}

	return lk, nil
}

// AcquireExclusiveNoState acquires the lock in exclusive mode without any
// per-connection bookkeeping checks, for use during teardown and inside the
// recovery sweep's own re-entrant needs.
func (l *RWLock) AcquireExclusiveNoState() (*fs.Lock, error) {
	lk, err := l.locker.LockWithTimeout(l.path, l.timeout)
	if err != nil {
		if errors.Is(err, fs.ErrWouldBlock) {
			return nil, ErrBusy
		}

		return nil, err
	}

	return lk, nil
}

func (l *RWLock) runRecoverySweep() error {
	if l.recover == nil {
		return nil
	}

	lk, err := l.AcquireExclusiveNoState()
	if err != nil {
		return err
	}
	defer lk.Close()

	return l.recover()
}
