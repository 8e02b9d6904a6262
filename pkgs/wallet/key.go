package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/event"
)

// KeyProvider is a single-account wallet backed by a raw private key, the
// same setup the Hardhat scripts use with PRIVATE_KEY
type KeyProvider struct {
	key     *ecdsa.PrivateKey
	address common.Address

	mu        sync.Mutex
	connected bool

	feed  event.Feed
	scope event.SubscriptionScope
}

// NewKeyProvider parses a hex-encoded private key, with or without 0x prefix
func NewKeyProvider(hexKey string) (*KeyProvider, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &KeyProvider{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Address returns the account of the key
func (p *KeyProvider) Address() common.Address {
	return p.address
}

// RequestAccounts implements Provider
func (p *KeyProvider) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	return []common.Address{p.address}, nil
}

// Signer implements Provider
func (p *KeyProvider) Signer(ctx context.Context, account common.Address) (Signer, error) {
	p.mu.Lock()
	connected := p.connected
	p.mu.Unlock()

	if !connected || account != p.address {
		return nil, fmt.Errorf("account %s not connected: %w", account.Hex(), ErrUserRejected)
	}
	return &keySigner{key: p.key, address: p.address}, nil
}

// Disconnect reports an empty account list to subscribers
func (p *KeyProvider) Disconnect() {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	p.feed.Send([]common.Address{})
}

// SubscribeAccountsChanged implements Provider
func (p *KeyProvider) SubscribeAccountsChanged(sink chan<- []common.Address) event.Subscription {
	return p.scope.Track(p.feed.Subscribe(sink))
}

// Close ends all subscriptions
func (p *KeyProvider) Close() {
	p.scope.Close()
}

type keySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func (s *keySigner) Address() common.Address {
	return s.address
}

func (s *keySigner) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}
