package catalog

import "github.com/sysds/sysds/shm"

// OperationalStore is the collaborator that owns pushed operational data
// overlays. The substrate does not store operational data itself (§1,
// Non-goals); it only knows which connection pushed what, via evpipe ids
// recorded against its connection-state record, and delegates erasure to
// this interface during the recovery sweep (§4.9).
type OperationalStore interface {
	ErasePushed(connHandle uint64) error
}

// RecoverySweep reclaims everything a dead connection left behind: its
// held-lock summary, subscriptions, event pipes, and pushed operational
// overlays. The caller is responsible for holding Main exclusively for the
// duration of Run; the sweep performs no locking of its own, matching how
// shm.RWLock invokes it
// from inside an already-exclusive critical section.
type RecoverySweep struct {
	conns *Connections
	subs  *Subscriptions
	b     *Builder
	oper  OperationalStore
}

// NewRecoverySweep wraps the Main/Ext regions and an optional operational
// overlay collaborator (nil disables overlay erasure, e.g. in tests that
// only care about catalog-side reclaim).
func NewRecoverySweep(main, ext *shm.Region, oper OperationalStore) *RecoverySweep {
	b := NewBuilder(main, ext)

	return &RecoverySweep{
		conns: NewConnections(main, ext),
		subs:  NewSubscriptions(b),
		b:     b,
		oper:  oper,
	}
}

// Run reclaims every connection whose PID is no longer alive. It returns
// the handles it reclaimed, so callers (e.g. tests, sysdsctl recover) can
// report what happened.
func (r *RecoverySweep) Run() ([]uint64, error) {
	dead := r.conns.DeadConns()
	reclaimed := make([]uint64, 0, len(dead))

	for _, conn := range dead {
		evpipes := make(map[uint64]bool, conn.Evpipes.Count)
		for _, id := range r.conns.readEvpipes(conn.Evpipes) {
			evpipes[id] = true
		}

		if err := r.removeSubscriptions(evpipes); err != nil {
			return reclaimed, err
		}

		if r.oper != nil {
			if err := r.oper.ErasePushed(conn.Handle); err != nil {
				return reclaimed, err
			}
		}

		if err := r.conns.Remove(conn.Handle); err != nil {
			return reclaimed, err
		}

		reclaimed = append(reclaimed, conn.Handle)
	}

	return reclaimed, nil
}

func (r *RecoverySweep) removeSubscriptions(evpipes map[uint64]bool) error {
	for _, name := range r.b.All() {
		m, _, ok := r.b.Find(name)
		if !ok {
			continue
		}

		for ds := 0; ds < dsKindCount; ds++ {
			for _, e := range r.subs.readChangeSubs(m.ChangeSub[ds]) {
				if evpipes[e.EvpipeID] {
					if err := r.subs.UnsubscribeChange(name, ds, e.EvpipeID); err != nil {
						return err
					}
				}
			}
		}

		for _, e := range r.subs.readOperSubs(m.OperSub) {
			if evpipes[e.EvpipeID] {
				if err := r.subs.UnsubscribeOperational(name, e.EvpipeID); err != nil {
					return err
				}
			}
		}

		for _, e := range r.subs.readNotifSubs(m.NotifSub) {
			if evpipes[e.EvpipeID] {
				if err := r.subs.UnsubscribeNotification(name, e.EvpipeID); err != nil {
					return err
				}
			}
		}
	}

	for _, rpc := range r.b.readRPCs() {
		opPath := ReadString(r.b.ext, rpc.OpPathOffset)

		for _, e := range r.subs.readChangeSubs(rpc.Subs) {
			if evpipes[e.EvpipeID] {
				if err := r.subs.UnsubscribeRPC(opPath, e.EvpipeID); err != nil {
					return err
				}
			}
		}
	}

	return nil
}
