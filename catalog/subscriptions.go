package catalog

import "fmt"

// Subscriptions manages the change/operational/notification/RPC
// subscription arrays anchored off each module record (§4.8). It shares
// the Builder's allocator and region handles since subscription edits
// mutate the same Module records the builder does.
type Subscriptions struct {
	b *Builder
}

// NewSubscriptions wraps a Builder. The caller must hold Main exclusively
// for the duration of any call.
func NewSubscriptions(b *Builder) *Subscriptions {
	return &Subscriptions{b: b}
}

func (s *Subscriptions) module(name string) (Module, uint32, error) {
	m, idx, ok := s.b.Find(name)
	if !ok {
		return Module{}, 0, fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}

	return m, idx, nil
}

func (s *Subscriptions) readChangeSubs(oc OffsetCount) []ChangeSubEntry {
	out := make([]ChangeSubEntry, oc.Count)
	bs := s.b.ext.Bytes()

	for i := uint32(0); i < oc.Count; i++ {
		start := oc.Offset + uint64(i)*ChangeSubEntrySize
		out[i] = DecodeChangeSub(bs[start : start+ChangeSubEntrySize])
	}

	return out
}

func (s *Subscriptions) writeChangeSubs(entries []ChangeSubEntry) (OffsetCount, error) {
	if len(entries) == 0 {
		return OffsetCount{}, nil
	}

	off, err := s.b.alloc.Alloc(len(entries) * ChangeSubEntrySize)
	if err != nil {
		return OffsetCount{}, err
	}

	bs := s.b.ext.Bytes()

	for i, e := range entries {
		start := off + uint64(i)*ChangeSubEntrySize
		EncodeChangeSub(bs[start:start+ChangeSubEntrySize], e)
	}

	return OffsetCount{Offset: off, Count: uint32(len(entries))}, nil
}

// SubscribeChange adds a change subscription for module at datastore ds.
func (s *Subscriptions) SubscribeChange(module string, ds int, xpath string, priority, opts uint32, evpipeID uint64) error {
	m, idx, err := s.module(module)
	if err != nil {
		return err
	}

	xpathOff, err := s.b.alloc.CopyString(xpath)
	if err != nil {
		return err
	}

	entries := append(s.readChangeSubs(m.ChangeSub[ds]), ChangeSubEntry{
		XPathOffset: xpathOff,
		Priority:    priority,
		Opts:        opts,
		EvpipeID:    evpipeID,
	})

	oc, err := s.writeChangeSubs(entries)
	if err != nil {
		return err
	}

	if m.ChangeSub[ds].Count > 0 {
		s.b.alloc.Free(m.ChangeSub[ds].Offset, int(m.ChangeSub[ds].Count)*ChangeSubEntrySize)
	}

	m.ChangeSub[ds] = oc
	s.b.writeModuleAt(idx, m)

	return nil
}

// UnsubscribeChange removes the change subscription identified by
// evpipeID for module at datastore ds.
func (s *Subscriptions) UnsubscribeChange(module string, ds int, evpipeID uint64) error {
	m, idx, err := s.module(module)
	if err != nil {
		return err
	}

	entries := s.readChangeSubs(m.ChangeSub[ds])
	out := entries[:0:0]
	found := false

	for _, e := range entries {
		if e.EvpipeID == evpipeID {
			found = true
			s.b.alloc.FreeString(s.b.ext, e.XPathOffset)

			continue
		}

		out = append(out, e)
	}

	if !found {
		return fmt.Errorf("%w: evpipe %d on %s", ErrSubscriptionNotFound, evpipeID, module)
	}

	oc, err := s.writeChangeSubs(out)
	if err != nil {
		return err
	}

	s.b.alloc.Free(m.ChangeSub[ds].Offset, int(m.ChangeSub[ds].Count)*ChangeSubEntrySize)
	m.ChangeSub[ds] = oc
	s.b.writeModuleAt(idx, m)

	return nil
}

func (s *Subscriptions) readOperSubs(oc OffsetCount) []OperSubEntry {
	out := make([]OperSubEntry, oc.Count)
	bs := s.b.ext.Bytes()

	for i := uint32(0); i < oc.Count; i++ {
		start := oc.Offset + uint64(i)*OperSubEntrySize
		out[i] = DecodeOperSub(bs[start : start+OperSubEntrySize])
	}

	return out
}

func (s *Subscriptions) writeOperSubs(entries []OperSubEntry) (OffsetCount, error) {
	if len(entries) == 0 {
		return OffsetCount{}, nil
	}

	off, err := s.b.alloc.Alloc(len(entries) * OperSubEntrySize)
	if err != nil {
		return OffsetCount{}, err
	}

	bs := s.b.ext.Bytes()

	for i, e := range entries {
		start := off + uint64(i)*OperSubEntrySize
		EncodeOperSub(bs[start:start+OperSubEntrySize], e)
	}

	return OffsetCount{Offset: off, Count: uint32(len(entries))}, nil
}

// SubscribeOperational adds an operational-datastore subscription.
func (s *Subscriptions) SubscribeOperational(module, xpath string, opts uint32, evpipeID uint64) error {
	m, idx, err := s.module(module)
	if err != nil {
		return err
	}

	xpathOff, err := s.b.alloc.CopyString(xpath)
	if err != nil {
		return err
	}

	entries := append(s.readOperSubs(m.OperSub), OperSubEntry{XPathOffset: xpathOff, Opts: opts, EvpipeID: evpipeID})

	oc, err := s.writeOperSubs(entries)
	if err != nil {
		return err
	}

	if m.OperSub.Count > 0 {
		s.b.alloc.Free(m.OperSub.Offset, int(m.OperSub.Count)*OperSubEntrySize)
	}

	m.OperSub = oc
	s.b.writeModuleAt(idx, m)

	return nil
}

// UnsubscribeOperational removes the operational subscription identified
// by evpipeID.
func (s *Subscriptions) UnsubscribeOperational(module string, evpipeID uint64) error {
	m, idx, err := s.module(module)
	if err != nil {
		return err
	}

	entries := s.readOperSubs(m.OperSub)
	out := entries[:0:0]
	found := false

	for _, e := range entries {
		if e.EvpipeID == evpipeID {
			found = true
			s.b.alloc.FreeString(s.b.ext, e.XPathOffset)

			continue
		}

		out = append(out, e)
	}

	if !found {
		return fmt.Errorf("%w: evpipe %d on %s", ErrSubscriptionNotFound, evpipeID, module)
	}

	oc, err := s.writeOperSubs(out)
	if err != nil {
		return err
	}

	s.b.alloc.Free(m.OperSub.Offset, int(m.OperSub.Count)*OperSubEntrySize)
	m.OperSub = oc
	s.b.writeModuleAt(idx, m)

	return nil
}

func (s *Subscriptions) readNotifSubs(oc OffsetCount) []NotifSubEntry {
	out := make([]NotifSubEntry, oc.Count)
	bs := s.b.ext.Bytes()

	for i := uint32(0); i < oc.Count; i++ {
		start := oc.Offset + uint64(i)*NotifSubEntrySize
		out[i] = DecodeNotifSub(bs[start : start+NotifSubEntrySize])
	}

	return out
}

func (s *Subscriptions) writeNotifSubs(entries []NotifSubEntry) (OffsetCount, error) {
	if len(entries) == 0 {
		return OffsetCount{}, nil
	}

	off, err := s.b.alloc.Alloc(len(entries) * NotifSubEntrySize)
	if err != nil {
		return OffsetCount{}, err
	}

	bs := s.b.ext.Bytes()

	for i, e := range entries {
		start := off + uint64(i)*NotifSubEntrySize
		EncodeNotifSub(bs[start:start+NotifSubEntrySize], e)
	}

	return OffsetCount{Offset: off, Count: uint32(len(entries))}, nil
}

// SubscribeNotification adds a notification subscription, xpath filter optional.
func (s *Subscriptions) SubscribeNotification(module, xpath string, evpipeID uint64) error {
	m, idx, err := s.module(module)
	if err != nil {
		return err
	}

	xpathOff, err := s.b.alloc.CopyString(xpath)
	if err != nil {
		return err
	}

	entries := append(s.readNotifSubs(m.NotifSub), NotifSubEntry{EvpipeID: evpipeID, XPathOffset: xpathOff})

	oc, err := s.writeNotifSubs(entries)
	if err != nil {
		return err
	}

	if m.NotifSub.Count > 0 {
		s.b.alloc.Free(m.NotifSub.Offset, int(m.NotifSub.Count)*NotifSubEntrySize)
	}

	m.NotifSub = oc
	s.b.writeModuleAt(idx, m)

	return nil
}

// UnsubscribeNotification removes the notification subscription identified
// by evpipeID.
func (s *Subscriptions) UnsubscribeNotification(module string, evpipeID uint64) error {
	m, idx, err := s.module(module)
	if err != nil {
		return err
	}

	entries := s.readNotifSubs(m.NotifSub)
	out := entries[:0:0]
	found := false

	for _, e := range entries {
		if e.EvpipeID == evpipeID {
			found = true
			s.b.alloc.FreeString(s.b.ext, e.XPathOffset)

			continue
		}

		out = append(out, e)
	}

	if !found {
		return fmt.Errorf("%w: evpipe %d on %s", ErrSubscriptionNotFound, evpipeID, module)
	}

	oc, err := s.writeNotifSubs(out)
	if err != nil {
		return err
	}

	s.b.alloc.Free(m.NotifSub.Offset, int(m.NotifSub.Count)*NotifSubEntrySize)
	m.NotifSub = oc
	s.b.writeModuleAt(idx, m)

	return nil
}

// SubscribeRPC adds an RPC subscription, creating the RPC's catalog entry
// on first subscribe if it does not already exist (§4.8 lifecycle).
func (s *Subscriptions) SubscribeRPC(opPath, xpath string, priority, opts uint32, evpipeID uint64) error {
	if err := s.b.addRPC(opPath); err != nil {
		return err
	}

	rpcs := s.b.readRPCs()
	idx := -1

	for i, e := range rpcs {
		if ReadString(s.b.ext, e.OpPathOffset) == opPath {
			idx = i

			break
		}
	}

	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrRPCNotFound, opPath)
	}

	xpathOff, err := s.b.alloc.CopyString(xpath)
	if err != nil {
		return err
	}

	subs := append(s.readChangeSubs(rpcs[idx].Subs), ChangeSubEntry{
		XPathOffset: xpathOff,
		Priority:    priority,
		Opts:        opts,
		EvpipeID:    evpipeID,
	})

	oc, err := s.writeChangeSubs(subs)
	if err != nil {
		return err
	}

	if rpcs[idx].Subs.Count > 0 {
		s.b.alloc.Free(rpcs[idx].Subs.Offset, int(rpcs[idx].Subs.Count)*ChangeSubEntrySize)
	}

	rpcs[idx].Subs = oc

	return s.b.writeRPCs(rpcs)
}

// UnsubscribeRPC removes an RPC subscription, removing the RPC's catalog
// entry entirely once its last subscription is gone (§4.8 lifecycle). This
// applies equally to entries pre-created by Install from a module's RPC
// list.
func (s *Subscriptions) UnsubscribeRPC(opPath string, evpipeID uint64) error {
	rpcs := s.b.readRPCs()
	idx := -1

	for i, e := range rpcs {
		if ReadString(s.b.ext, e.OpPathOffset) == opPath {
			idx = i

			break
		}
	}

	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrRPCNotFound, opPath)
	}

	subs := s.readChangeSubs(rpcs[idx].Subs)
	out := subs[:0:0]
	found := false

	for _, e := range subs {
		if e.EvpipeID == evpipeID {
			found = true
			s.b.alloc.FreeString(s.b.ext, e.XPathOffset)

			continue
		}

		out = append(out, e)
	}

	if !found {
		return fmt.Errorf("%w: evpipe %d on %s", ErrSubscriptionNotFound, evpipeID, opPath)
	}

	oc, err := s.writeChangeSubs(out)
	if err != nil {
		return err
	}

	if rpcs[idx].Subs.Count > 0 {
		s.b.alloc.Free(rpcs[idx].Subs.Offset, int(rpcs[idx].Subs.Count)*ChangeSubEntrySize)
	}

	rpcs[idx].Subs = oc

	if oc.Count == 0 {
		s.b.alloc.FreeString(s.b.ext, rpcs[idx].OpPathOffset)
		rpcs = append(rpcs[:idx], rpcs[idx+1:]...)
	}

	return s.b.writeRPCs(rpcs)
}
