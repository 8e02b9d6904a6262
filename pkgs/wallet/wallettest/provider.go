// Package wallettest provides a scriptable wallet provider for tests.
package wallettest

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/event"

	"github.com/Prince-Choudhury/Decentralized-Voting-System/pkgs/election"
)

// Provider holds generated accounts and lets tests emit account changes
type Provider struct {
	mu            sync.Mutex
	keys          []*ecdsa.PrivateKey
	addresses     []common.Address
	rejectConnect bool
	rejectSign    bool
	subscriptions int

	feed  event.Feed
	scope event.SubscriptionScope
}

// New generates n accounts
func New(n int) *Provider {
	p := &Provider{}
	for i := 0; i < n; i++ {
		key, err := crypto.GenerateKey()
		if err != nil {
			panic(err)
		}
		p.keys = append(p.keys, key)
		p.addresses = append(p.addresses, crypto.PubkeyToAddress(key.PublicKey))
	}
	return p
}

// Account returns the i-th generated account
func (p *Provider) Account(i int) common.Address {
	return p.addresses[i]
}

// RejectConnect makes RequestAccounts fail with ErrUserRejected
func (p *Provider) RejectConnect(reject bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejectConnect = reject
}

// RejectSign makes every signer decline to sign
func (p *Provider) RejectSign(reject bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejectSign = reject
}

// Subscriptions returns how many times SubscribeAccountsChanged was called
func (p *Provider) Subscriptions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subscriptions
}

// Emit sends an accountsChanged notification and returns the number of
// subscribers that received it
func (p *Provider) Emit(accounts ...common.Address) int {
	if accounts == nil {
		accounts = []common.Address{}
	}
	return p.feed.Send(accounts)
}

func (p *Provider) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rejectConnect {
		return nil, election.ErrUserRejected
	}
	return append([]common.Address(nil), p.addresses...), nil
}

func (p *Provider) Signer(ctx context.Context, account common.Address) (election.TxSigner, error) {
	for i, addr := range p.addresses {
		if addr == account {
			return &signer{provider: p, key: p.keys[i], address: addr}, nil
		}
	}
	return nil, fmt.Errorf("unknown account %s: %w", account.Hex(), election.ErrUserRejected)
}

func (p *Provider) SubscribeAccountsChanged(sink chan<- []common.Address) event.Subscription {
	p.mu.Lock()
	p.subscriptions++
	p.mu.Unlock()
	return p.scope.Track(p.feed.Subscribe(sink))
}

// ActiveSubscriptions returns the number of live subscriptions
func (p *Provider) ActiveSubscriptions() int {
	return p.scope.Count()
}

type signer struct {
	provider *Provider
	key      *ecdsa.PrivateKey
	address  common.Address
}

func (s *signer) Address() common.Address {
	return s.address
}

func (s *signer) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	s.provider.mu.Lock()
	reject := s.provider.rejectSign
	s.provider.mu.Unlock()
	if reject {
		return nil, election.ErrUserRejected
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}
