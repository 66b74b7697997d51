package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sysds/sysds/catalog"
	"github.com/sysds/sysds/internal/fs"
	"github.com/sysds/sysds/shm"
	"github.com/sysds/sysds/yang"
)

// Options configures a Store's on-disk layout and timeouts.
type Options struct {
	MainPath string
	ExtPath  string
	LockPath string

	MainInitialSize int
	ExtInitialSize  int

	LockTimeout time.Duration

	// Operational is the collaborator the recovery sweep delegates pushed
	// operational-overlay erasure to. May be nil.
	Operational catalog.OperationalStore
}

func (o Options) withDefaults() Options {
	if o.MainInitialSize == 0 {
		o.MainInitialSize = 64 * 1024
	}

	if o.ExtInitialSize == 0 {
		o.ExtInitialSize = 256 * 1024
	}

	if o.LockTimeout == 0 {
		o.LockTimeout = 5 * time.Second
	}

	return o
}

// internalConn is the reserved connection id used for momentary,
// connection-less read-only lookups that take Main shared (FindModule,
// ListModules, FindRPC, Conns).
const internalConn = catalog.ConnID(0)

// Store is the coordination substrate: Main/Ext shared memory plus the
// catalog state layered on top of them (§6).
type Store struct {
	opts Options

	main *shm.Region
	ext  *shm.Region

	lock    *shm.RWLock
	conns   *catalog.Connections
	build   *catalog.Builder
	subs    *catalog.Subscriptions
	sweep   *catalog.RecoverySweep
	journal *Journal

	// pendingExclusive holds the OS lock between a conn's LockMain(exclusive)
	// and its matching UnlockMain; Main is exclusive so at most one caller
	// ever has this set at a time.
	pendingExclusive *fs.Lock
}

// Open maps (creating if absent) the Main and Ext regions at the
// configured paths and returns a ready-to-use Store. Per §4.11, the first
// process to observe a zero-length Main file is the one that initializes
// its header; a short-lived exclusive flock on LockPath+".init" excludes
// any concurrent second initializer.
func Open(opts Options) (*Store, error) {
	opts = opts.withDefaults()

	initLocker := fs.NewLocker(fs.NewReal())
	initLock, err := initLocker.LockWithTimeout(opts.LockPath+".init", opts.LockTimeout)
	if err != nil {
		return nil, newError("Open", classify(err), err)
	}
	defer initLock.Close()

	main, mainCreated, err := shm.OpenOrCreate(opts.MainPath, opts.MainInitialSize)
	if err != nil {
		return nil, newError("Open", KindSystem, err)
	}

	ext, _, err := shm.OpenOrCreate(opts.ExtPath, opts.ExtInitialSize)
	if err != nil {
		main.Close()

		return nil, newError("Open", KindSystem, err)
	}

	if mainCreated {
		catalog.EncodeMainHeader(main.Bytes(), catalog.MainHeader{})
	} else if _, ok := catalog.DecodeMainHeader(main.Bytes()); !ok {
		main.Close()
		ext.Close()

		return nil, newError("Open", KindCorruption, fmt.Errorf("main header failed validation at %s", opts.MainPath))
	}

	s := &Store{
		opts:    opts,
		main:    main,
		ext:     ext,
		conns:   catalog.NewConnections(main, ext),
		build:   catalog.NewBuilder(main, ext),
		journal: NewJournal(filepath.Dir(opts.MainPath)),
	}
	s.subs = catalog.NewSubscriptions(s.build)
	s.sweep = catalog.NewRecoverySweep(main, ext, opts.Operational)

	s.lock = shm.NewRWLock(fs.NewLocker(fs.NewReal()), opts.LockPath, opts.LockTimeout, s.needsRecovery, s.runRecovery)

	return s, nil
}

func (s *Store) needsRecovery() bool {
	return len(s.conns.DeadConns()) > 0
}

func (s *Store) runRecovery() error {
	_, err := s.recoverLocked()

	return err
}

// recoverLocked runs the dead-connection sweep and journals an
// OverlayErasureReceipt for each reclaimed handle, so both the opportunistic
// trigger (LockMain's needsRecovery/runRecovery) and the on-demand Recover
// operation leave the same audit trail behind.
func (s *Store) recoverLocked() ([]uint64, error) {
	reclaimed, err := s.sweep.Run()
	if err != nil {
		return reclaimed, err
	}

	for _, handle := range reclaimed {
		if err := s.journal.WriteOverlayErasureReceipt(OverlayErasureReceipt{ConnHandle: handle}); err != nil {
			return reclaimed, err
		}
	}

	return reclaimed, nil
}

// Close unmaps both regions. It does not release any lock a caller is
// still holding via LockMain; the caller must UnlockMain/Disconnect first.
func (s *Store) Close() error {
	err1 := s.main.Close()
	err2 := s.ext.Close()

	if err1 != nil {
		return newError("Close", KindSystem, err1)
	}

	if err2 != nil {
		return newError("Close", KindSystem, err2)
	}

	return nil
}

func (s *Store) withExclusive(op string, fn func() error) error {
	lk, err := s.lock.AcquireExclusiveNoState()
	if err != nil {
		return wrap(op, err)
	}
	defer lk.Close()

	return wrap(op, fn())
}

func (s *Store) withShared(op string, fn func() error) error {
	if err := s.lock.AcquireShared(shm.ConnID(internalConn)); err != nil {
		return wrap(op, err)
	}
	defer s.lock.ReleaseShared(shm.ConnID(internalConn))

	return wrap(op, fn())
}

// Connect registers a new connection and returns its id.
func (s *Store) Connect() (catalog.ConnID, error) {
	var id catalog.ConnID

	err := s.withExclusive("Connect", func() error {
		handle := s.build.NextConnHandle()

		if err := s.conns.Add(handle, uint64(os.Getpid())); err != nil {
			return err
		}

		id = catalog.ConnID(handle)

		return nil
	})

	return id, err
}

// Disconnect removes conn's connection record and any evpipes it owns.
func (s *Store) Disconnect(conn catalog.ConnID) error {
	return s.withExclusive("Disconnect", func() error {
		return s.conns.Remove(uint64(conn))
	})
}

// RegisterEvpipe allocates a new event-pipe id for conn.
func (s *Store) RegisterEvpipe(conn catalog.ConnID) (uint64, error) {
	var id uint64

	err := s.withExclusive("RegisterEvpipe", func() error {
		id = s.build.NextEvpipeID()

		return s.conns.AddEvpipe(uint64(conn), id)
	})

	return id, err
}

// UnregisterEvpipe removes evpipeID from conn's connection record.
func (s *Store) UnregisterEvpipe(conn catalog.ConnID, evpipeID uint64) error {
	return s.withExclusive("UnregisterEvpipe", func() error {
		return s.conns.RemoveEvpipe(uint64(conn), evpipeID)
	})
}

// InstallModule adds meta to the catalog.
func (s *Store) InstallModule(meta yang.ModuleMeta) error {
	return s.withExclusive("InstallModule", func() error {
		return s.build.Install(meta)
	})
}

// UninstallModule removes a module by name.
func (s *Store) UninstallModule(name string) error {
	return s.withExclusive("UninstallModule", func() error {
		return s.build.Uninstall(name)
	})
}

// FindModule looks up a module by name.
func (s *Store) FindModule(name string) (catalog.Module, bool, error) {
	var (
		m  catalog.Module
		ok bool
	)

	err := s.withShared("FindModule", func() error {
		m, _, ok = s.build.Find(name)

		return nil
	})

	return m, ok, err
}

// ListModules returns every installed module's name.
func (s *Store) ListModules() ([]string, error) {
	var names []string

	err := s.withShared("ListModules", func() error {
		names = s.build.All()

		return nil
	})

	return names, err
}

// FindRPC looks up an RPC/action by op-path.
func (s *Store) FindRPC(opPath string) (catalog.RPCEntry, bool, error) {
	var (
		e  catalog.RPCEntry
		ok bool
	)

	err := s.withShared("FindRPC", func() error {
		e, ok = s.build.FindRPC(opPath)

		return nil
	})

	return e, ok, err
}

// SubscribeChange adds a change subscription.
func (s *Store) SubscribeChange(module string, ds int, xpath string, priority, opts uint32, evpipeID uint64) error {
	return s.withExclusive("SubscribeChange", func() error {
		return s.subs.SubscribeChange(module, ds, xpath, priority, opts, evpipeID)
	})
}

// UnsubscribeChange removes a change subscription.
func (s *Store) UnsubscribeChange(module string, ds int, evpipeID uint64) error {
	return s.withExclusive("UnsubscribeChange", func() error {
		return s.subs.UnsubscribeChange(module, ds, evpipeID)
	})
}

// SubscribeOperational adds an operational-datastore subscription.
func (s *Store) SubscribeOperational(module, xpath string, opts uint32, evpipeID uint64) error {
	return s.withExclusive("SubscribeOperational", func() error {
		return s.subs.SubscribeOperational(module, xpath, opts, evpipeID)
	})
}

// UnsubscribeOperational removes an operational-datastore subscription.
func (s *Store) UnsubscribeOperational(module string, evpipeID uint64) error {
	return s.withExclusive("UnsubscribeOperational", func() error {
		return s.subs.UnsubscribeOperational(module, evpipeID)
	})
}

// SubscribeNotification adds a notification subscription.
func (s *Store) SubscribeNotification(module, xpath string, evpipeID uint64) error {
	return s.withExclusive("SubscribeNotification", func() error {
		return s.subs.SubscribeNotification(module, xpath, evpipeID)
	})
}

// UnsubscribeNotification removes a notification subscription.
func (s *Store) UnsubscribeNotification(module string, evpipeID uint64) error {
	return s.withExclusive("UnsubscribeNotification", func() error {
		return s.subs.UnsubscribeNotification(module, evpipeID)
	})
}

// SubscribeRPC adds an RPC/action subscription, creating the RPC's catalog
// entry on first subscribe.
func (s *Store) SubscribeRPC(opPath, xpath string, priority, opts uint32, evpipeID uint64) error {
	return s.withExclusive("SubscribeRPC", func() error {
		return s.subs.SubscribeRPC(opPath, xpath, priority, opts, evpipeID)
	})
}

// UnsubscribeRPC removes an RPC/action subscription, removing the RPC's
// catalog entry once its last subscription is gone.
func (s *Store) UnsubscribeRPC(opPath string, evpipeID uint64) error {
	return s.withExclusive("UnsubscribeRPC", func() error {
		return s.subs.UnsubscribeRPC(opPath, evpipeID)
	})
}

// LockMain acquires Main on behalf of conn, shared or exclusive, running
// an opportunistic recovery sweep if one is due. It publishes the updated
// held-lock summary onto conn's connection record.
func (s *Store) LockMain(conn catalog.ConnID, exclusive bool) error {
	if exclusive {
		lk, err := s.lock.AcquireExclusive(shm.ConnID(conn))
		if err != nil {
			return wrap("LockMain", err)
		}

		s.pendingExclusive = lk

		return wrap("LockMain", s.conns.UpdateLockSummary(uint64(conn), 0, true))
	}

	if err := s.lock.AcquireShared(shm.ConnID(conn)); err != nil {
		return wrap("LockMain", err)
	}

	return wrap("LockMain", s.conns.UpdateLockSummary(uint64(conn), uint32(s.lock.MainRCount(shm.ConnID(conn))), false))
}

// UnlockMain releases Main on behalf of conn.
func (s *Store) UnlockMain(conn catalog.ConnID, exclusive bool) error {
	if exclusive {
		if s.pendingExclusive != nil {
			err := s.pendingExclusive.Close()
			s.pendingExclusive = nil

			if err != nil {
				return wrap("UnlockMain", err)
			}
		}

		return wrap("UnlockMain", s.conns.UpdateLockSummary(uint64(conn), 0, false))
	}

	if err := s.lock.ReleaseShared(shm.ConnID(conn)); err != nil {
		return wrap("UnlockMain", err)
	}

	return wrap("UnlockMain", s.conns.UpdateLockSummary(uint64(conn), uint32(s.lock.MainRCount(shm.ConnID(conn))), false))
}

// Defrag rewrites Ext densely, reclaiming all wasted space (§4.5), and
// journals the outcome so an operator can later see whether a given defrag
// run actually reclaimed anything.
func (s *Store) Defrag() error {
	return s.withExclusive("Defrag", func() error {
		wastedBefore := catalog.NewAllocator(s.ext).Wasted()

		if err := catalog.NewDefragmenter(s.main, s.ext).Run(); err != nil {
			return err
		}

		return s.journal.WriteDefragRecord(DefragRecord{
			WastedBytesBefore: wastedBefore,
			ExtSizeAfter:      s.ext.Size(),
		})
	})
}

// Recover runs the recovery sweep on demand (sysdsctl's "recover" command),
// independent of the opportunistic trigger built into LockMain.
func (s *Store) Recover() ([]uint64, error) {
	var reclaimed []uint64

	err := s.withExclusive("Recover", func() error {
		var err error
		reclaimed, err = s.recoverLocked()

		return err
	})

	return reclaimed, err
}

// Conns lists every connection currently on record.
func (s *Store) Conns() ([]catalog.ConnStateEntry, error) {
	var out []catalog.ConnStateEntry

	err := s.withShared("Conns", func() error {
		out = s.conns.List()

		return nil
	})

	return out, err
}
