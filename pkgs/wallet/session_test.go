package wallet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Prince-Choudhury/Decentralized-Voting-System/pkgs/wallet/wallettest"
)

var _ Provider = (*wallettest.Provider)(nil)

type sessionChange struct {
	prev, next Session
}

func recordChanges(m *Manager) <-chan sessionChange {
	ch := make(chan sessionChange, 16)
	m.OnSessionChanged(func(ctx context.Context, prev, next Session) {
		ch <- sessionChange{prev: prev, next: next}
	})
	return ch
}

func nextChange(t *testing.T, ch <-chan sessionChange) sessionChange {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for session change")
		return sessionChange{}
	}
}

func TestConnectWithoutProvider(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()

	_, err := m.Connect(context.Background())
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.False(t, m.CurrentSession().Connected)
}

func TestConnectRejected(t *testing.T) {
	provider := wallettest.New(1)
	provider.RejectConnect(true)
	m := NewManager(provider)
	defer m.Close()

	_, err := m.Connect(context.Background())
	assert.ErrorIs(t, err, ErrUserRejected)
	assert.False(t, m.CurrentSession().Connected)
	assert.Zero(t, provider.Subscriptions())
}

func TestConnectNoAccounts(t *testing.T) {
	m := NewManager(wallettest.New(0))
	defer m.Close()

	_, err := m.Connect(context.Background())
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.False(t, m.CurrentSession().Connected)
}

func TestConnectSubscribesOnce(t *testing.T) {
	provider := wallettest.New(2)
	m := NewManager(provider)

	session, err := m.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Session{Connected: true, Account: provider.Account(0)}, session)
	assert.Equal(t, session, m.CurrentSession())

	_, err = m.Connect(context.Background())
	require.NoError(t, err)
	m.OnSessionChanged(func(context.Context, Session, Session) {})
	m.OnSessionChanged(func(context.Context, Session, Session) {})

	assert.Equal(t, 1, provider.Subscriptions())
	assert.Equal(t, 1, provider.ActiveSubscriptions())

	m.Close()
	assert.Zero(t, provider.ActiveSubscriptions())

	_, err = m.Connect(context.Background())
	assert.Error(t, err)
}

func TestAccountSwitch(t *testing.T) {
	provider := wallettest.New(2)
	m := NewManager(provider)
	defer m.Close()
	changes := recordChanges(m)

	_, err := m.Connect(context.Background())
	require.NoError(t, err)

	provider.Emit(provider.Account(1))
	c := nextChange(t, changes)
	assert.Equal(t, provider.Account(0), c.prev.Account)
	assert.Equal(t, Session{Connected: true, Account: provider.Account(1)}, c.next)
	assert.Equal(t, c.next, m.CurrentSession())
}

func TestEmptyAccountListDisconnects(t *testing.T) {
	provider := wallettest.New(1)
	m := NewManager(provider)
	defer m.Close()
	changes := recordChanges(m)

	_, err := m.Connect(context.Background())
	require.NoError(t, err)

	// Same account is not a change
	provider.Emit(provider.Account(0))
	provider.Emit()

	c := nextChange(t, changes)
	assert.True(t, c.prev.Connected)
	assert.False(t, c.next.Connected)
	assert.False(t, m.CurrentSession().Connected)

	// Still disconnected: accounts alone do not reconnect
	provider.Emit(provider.Account(0))
	provider.Emit()
	select {
	case c := <-changes:
		t.Fatalf("unexpected session change %+v", c)
	case <-time.After(100 * time.Millisecond):
	}
	assert.False(t, m.CurrentSession().Connected)
}

func TestUnregisterHandler(t *testing.T) {
	provider := wallettest.New(2)
	m := NewManager(provider)
	defer m.Close()

	calls := make(chan struct{}, 4)
	remove := m.OnSessionChanged(func(context.Context, Session, Session) {
		calls <- struct{}{}
	})
	changes := recordChanges(m)

	_, err := m.Connect(context.Background())
	require.NoError(t, err)

	remove()
	remove()

	provider.Emit(provider.Account(1))
	nextChange(t, changes)
	assert.Len(t, calls, 0)
}

func TestHandlerPanicDoesNotStopDelivery(t *testing.T) {
	provider := wallettest.New(2)
	m := NewManager(provider)
	defer m.Close()

	m.OnSessionChanged(func(context.Context, Session, Session) {
		panic("boom")
	})
	changes := recordChanges(m)

	_, err := m.Connect(context.Background())
	require.NoError(t, err)

	provider.Emit(provider.Account(1))
	nextChange(t, changes)
	provider.Emit()
	c := nextChange(t, changes)
	assert.False(t, c.next.Connected)
}
