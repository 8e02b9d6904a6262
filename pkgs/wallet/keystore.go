package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	log "github.com/sirupsen/logrus"
)

// Prompter is consulted whenever the keystore provider needs a user decision
type Prompter interface {
	// Passphrase returns the passphrase for account, or false if the user declines
	Passphrase(account accounts.Account) (string, bool)

	// ConfirmTransaction asks the user to approve tx before it is signed
	ConfirmTransaction(account accounts.Account, tx *types.Transaction) bool
}

// StaticPrompter answers every prompt with a fixed passphrase and approves
// every transaction
type StaticPrompter struct {
	Pass string
}

func (p StaticPrompter) Passphrase(accounts.Account) (string, bool) { return p.Pass, true }

func (p StaticPrompter) ConfirmTransaction(accounts.Account, *types.Transaction) bool { return true }

// KeystoreProvider exposes accounts of an encrypted key directory the way a
// browser wallet exposes its accounts to a page
type KeystoreProvider struct {
	ks       *keystore.KeyStore
	prompter Prompter

	mu      sync.Mutex
	exposed []common.Address

	feed  event.Feed
	scope event.SubscriptionScope

	walletSub event.Subscription
	wg        sync.WaitGroup
}

// NewKeystoreProvider opens the key directory at dir
func NewKeystoreProvider(dir string, prompter Prompter) *KeystoreProvider {
	return NewKeystoreProviderFrom(keystore.NewKeyStore(dir, keystore.StandardScryptN, keystore.StandardScryptP), prompter)
}

// NewKeystoreProviderFrom wraps an existing keystore
func NewKeystoreProviderFrom(ks *keystore.KeyStore, prompter Prompter) *KeystoreProvider {
	p := &KeystoreProvider{
		ks:       ks,
		prompter: prompter,
	}

	walletEvents := make(chan accounts.WalletEvent, 16)
	p.walletSub = ks.Subscribe(walletEvents)

	p.wg.Add(1)
	go p.watchWallets(walletEvents)

	return p
}

// RequestAccounts unlocks the first keystore account after asking for its passphrase
func (p *KeystoreProvider) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	accts := p.ks.Accounts()
	if len(accts) == 0 {
		return nil, fmt.Errorf("keystore holds no accounts: %w", ErrProviderUnavailable)
	}

	if err := p.unlock(accts[0]); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.exposed = []common.Address{accts[0].Address}
	p.mu.Unlock()

	return []common.Address{accts[0].Address}, nil
}

// SelectAccount switches the exposed account and notifies subscribers
func (p *KeystoreProvider) SelectAccount(address common.Address) error {
	acct := accounts.Account{Address: address}
	if !p.ks.HasAddress(address) {
		return fmt.Errorf("account %s not in keystore", address.Hex())
	}
	if err := p.unlock(acct); err != nil {
		return err
	}

	p.mu.Lock()
	p.exposed = []common.Address{address}
	p.mu.Unlock()

	p.feed.Send([]common.Address{address})
	return nil
}

// Disconnect locks every exposed account and reports an empty account list
func (p *KeystoreProvider) Disconnect() {
	p.mu.Lock()
	exposed := p.exposed
	p.exposed = nil
	p.mu.Unlock()

	for _, addr := range exposed {
		if err := p.ks.Lock(addr); err != nil {
			log.WithError(err).WithField("account", addr.Hex()).Debug("Failed to lock account")
		}
	}

	p.feed.Send([]common.Address{})
}

// Signer returns a signer for an exposed account
func (p *KeystoreProvider) Signer(ctx context.Context, account common.Address) (Signer, error) {
	if !p.isExposed(account) {
		return nil, fmt.Errorf("account %s not connected: %w", account.Hex(), ErrUserRejected)
	}
	return &keystoreSigner{provider: p, account: accounts.Account{Address: account}}, nil
}

// SubscribeAccountsChanged implements Provider
func (p *KeystoreProvider) SubscribeAccountsChanged(sink chan<- []common.Address) event.Subscription {
	return p.scope.Track(p.feed.Subscribe(sink))
}

// Close stops watching the key directory and ends all subscriptions
func (p *KeystoreProvider) Close() {
	p.walletSub.Unsubscribe()
	p.wg.Wait()
	p.scope.Close()
}

func (p *KeystoreProvider) unlock(acct accounts.Account) error {
	pass, ok := p.prompter.Passphrase(acct)
	if !ok {
		return ErrUserRejected
	}
	if err := p.ks.Unlock(acct, pass); err != nil {
		return fmt.Errorf("%w: unlock %s: %v", ErrUserRejected, acct.Address.Hex(), err)
	}
	return nil
}

func (p *KeystoreProvider) isExposed(account common.Address) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, addr := range p.exposed {
		if addr == account {
			return true
		}
	}
	return false
}

// watchWallets drops exposed accounts whose key file disappears
func (p *KeystoreProvider) watchWallets(events <-chan accounts.WalletEvent) {
	defer p.wg.Done()

	for {
		select {
		case ev := <-events:
			if ev.Kind != accounts.WalletDropped {
				continue
			}
			p.dropWallet(ev.Wallet)
		case <-p.walletSub.Err():
			return
		}
	}
}

func (p *KeystoreProvider) dropWallet(w accounts.Wallet) {
	p.mu.Lock()
	changed := false
	remaining := make([]common.Address, 0, len(p.exposed))
	for _, addr := range p.exposed {
		if w.Contains(accounts.Account{Address: addr}) {
			changed = true
			continue
		}
		remaining = append(remaining, addr)
	}
	p.exposed = remaining
	p.mu.Unlock()

	if changed {
		log.WithField("wallet", w.URL().String()).Warn("Connected account removed from keystore")
		p.feed.Send(remaining)
	}
}

type keystoreSigner struct {
	provider *KeystoreProvider
	account  accounts.Account
}

func (s *keystoreSigner) Address() common.Address {
	return s.account.Address
}

func (s *keystoreSigner) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if !s.provider.isExposed(s.account.Address) {
		return nil, fmt.Errorf("account %s not connected: %w", s.account.Address.Hex(), ErrUserRejected)
	}
	if !s.provider.prompter.ConfirmTransaction(s.account, tx) {
		return nil, ErrUserRejected
	}

	signed, err := s.provider.ks.SignTx(s.account, tx, chainID)
	if errors.Is(err, keystore.ErrLocked) {
		pass, ok := s.provider.prompter.Passphrase(s.account)
		if !ok {
			return nil, ErrUserRejected
		}
		return s.provider.ks.SignTxWithPassphrase(s.account, pass, tx, chainID)
	}
	return signed, err
}
