package catalog

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sysds/sysds/yang"
)

func newTestSubscriptions(t *testing.T) (*Builder, *Subscriptions) {
	t.Helper()

	main, ext := newTestCatalogRegions(t)
	b := NewBuilder(main, ext)
	require.NoError(t, b.Install(yang.ModuleMeta{Name: "ietf-interfaces"}))

	return b, NewSubscriptions(b)
}

func TestSubscriptions_ChangeSubscribeUnsubscribe(t *testing.T) {
	b, s := newTestSubscriptions(t)

	require.NoError(t, s.SubscribeChange("ietf-interfaces", DSRunning, "/ietf-interfaces:interfaces", 0, 0, 42))

	m, _, _ := b.Find("ietf-interfaces")
	require.Equal(t, uint32(1), m.ChangeSub[DSRunning].Count)

	require.NoError(t, s.UnsubscribeChange("ietf-interfaces", DSRunning, 42))

	m, _, _ = b.Find("ietf-interfaces")
	require.Zero(t, m.ChangeSub[DSRunning].Count)
}

func TestSubscriptions_UnsubscribeUnknownEvpipeErrors(t *testing.T) {
	_, s := newTestSubscriptions(t)

	err := s.UnsubscribeChange("ietf-interfaces", DSRunning, 999)
	require.ErrorIs(t, err, ErrSubscriptionNotFound)
}

func TestSubscriptions_OperationalSubscribeUnsubscribe(t *testing.T) {
	b, s := newTestSubscriptions(t)

	require.NoError(t, s.SubscribeOperational("ietf-interfaces", "/ietf-interfaces:interfaces/interface/oper-status", 0, 7))

	m, _, _ := b.Find("ietf-interfaces")
	require.Equal(t, uint32(1), m.OperSub.Count)

	require.NoError(t, s.UnsubscribeOperational("ietf-interfaces", 7))

	m, _, _ = b.Find("ietf-interfaces")
	require.Zero(t, m.OperSub.Count)
}

func TestSubscriptions_NotificationSubscribeUnsubscribe(t *testing.T) {
	b, s := newTestSubscriptions(t)

	require.NoError(t, s.SubscribeNotification("ietf-interfaces", "", 5))

	m, _, _ := b.Find("ietf-interfaces")
	require.Equal(t, uint32(1), m.NotifSub.Count)

	require.NoError(t, s.UnsubscribeNotification("ietf-interfaces", 5))

	m, _, _ = b.Find("ietf-interfaces")
	require.Zero(t, m.NotifSub.Count)
}

func TestSubscriptions_RPCCreatedOnFirstSubscribeAndRemovedOnLast(t *testing.T) {
	b, s := newTestSubscriptions(t)

	_, ok := b.FindRPC("/ietf-interfaces:reset")
	require.False(t, ok)

	require.NoError(t, s.SubscribeRPC("/ietf-interfaces:reset", "", 0, 0, 1))

	e, ok := b.FindRPC("/ietf-interfaces:reset")
	require.True(t, ok)
	require.Equal(t, uint32(1), e.Subs.Count)

	require.NoError(t, s.UnsubscribeRPC("/ietf-interfaces:reset", 1))

	_, ok = b.FindRPC("/ietf-interfaces:reset")
	require.False(t, ok)
}
