package wallet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	log "github.com/sirupsen/logrus"
)

// SessionHandler is invoked with the previous and the new session after the
// provider reports an account change
type SessionHandler func(ctx context.Context, prev, next Session)

// Manager owns the connection state of one wallet provider
type Manager struct {
	provider Provider

	mu       sync.RWMutex
	session  Session
	handlers map[uint64]SessionHandler
	nextID   uint64
	sub      event.Subscription
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a session manager. A nil provider is allowed; Connect
// then fails with ErrProviderUnavailable.
func NewManager(provider Provider) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		provider: provider,
		handlers: make(map[uint64]SessionHandler),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Connect requests account access from the provider and makes the first
// returned account the active session
func (m *Manager) Connect(ctx context.Context) (Session, error) {
	if m.provider == nil {
		return Session{}, ErrProviderUnavailable
	}

	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return Session{}, errors.New("session manager closed")
	}

	accounts, err := m.provider.RequestAccounts(ctx)
	if err != nil {
		return Session{}, fmt.Errorf("failed to request accounts: %w", err)
	}
	if len(accounts) == 0 {
		return Session{}, fmt.Errorf("no account exposed: %w", ErrProviderUnavailable)
	}

	m.subscribe()

	m.mu.Lock()
	m.session = Session{Connected: true, Account: accounts[0]}
	session := m.session
	m.mu.Unlock()

	log.WithField("account", session.Account.Hex()).Info("Wallet connected")
	return session, nil
}

// CurrentSession returns the last known session without touching the provider
func (m *Manager) CurrentSession() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

// OnSessionChanged registers handler and returns a function removing it.
// Handlers run one at a time, in registration order.
func (m *Manager) OnSessionChanged(handler SessionHandler) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.handlers[id] = handler
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.handlers, id)
			m.mu.Unlock()
		})
	}
}

// Close releases the provider subscription and stops event delivery
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sub := m.sub
	m.mu.Unlock()

	m.cancel()
	if sub != nil {
		sub.Unsubscribe()
	}
	m.wg.Wait()
}

// subscribe acquires the provider subscription once per manager
func (m *Manager) subscribe() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sub != nil || m.closed {
		return
	}

	changes := make(chan []common.Address, 16)
	m.sub = m.provider.SubscribeAccountsChanged(changes)

	m.wg.Add(1)
	go m.loop(m.sub, changes)
}

func (m *Manager) loop(sub event.Subscription, changes <-chan []common.Address) {
	defer m.wg.Done()

	for {
		select {
		case accounts := <-changes:
			m.handleAccountsChanged(accounts)
		case err := <-sub.Err():
			if err != nil {
				log.WithError(err).Warn("Wallet account subscription failed")
			}
			return
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) handleAccountsChanged(accounts []common.Address) {
	m.mu.Lock()
	prev := m.session
	next := prev

	switch {
	case len(accounts) == 0:
		next = Session{}
	case !prev.Connected:
		// Accounts exposed without a connect request do not open a session
		m.mu.Unlock()
		log.WithField("accounts", len(accounts)).Debug("Ignoring account change while disconnected")
		return
	default:
		next = Session{Connected: true, Account: accounts[0]}
	}

	if next == prev {
		m.mu.Unlock()
		return
	}
	m.session = next

	ids := make([]uint64, 0, len(m.handlers))
	for id := range m.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]SessionHandler, len(ids))
	for i, id := range ids {
		handlers[i] = m.handlers[id]
	}
	m.mu.Unlock()

	log.WithFields(log.Fields{
		"previous": prev.String(),
		"current":  next.String(),
	}).Info("Wallet session changed")

	for _, h := range handlers {
		m.invoke(h, prev, next)
	}
}

func (m *Manager) invoke(h SessionHandler, prev, next Session) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("error", r).Error("Panic in session handler")
		}
	}()
	h(m.ctx, prev, next)
}
