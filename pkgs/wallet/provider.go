package wallet

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"

	"github.com/Prince-Choudhury/Decentralized-Voting-System/pkgs/election"
)

var (
	// ErrProviderUnavailable is returned when no wallet capability is present
	ErrProviderUnavailable = election.ErrProviderUnavailable

	// ErrUserRejected is returned when the user declines a wallet request
	ErrUserRejected = election.ErrUserRejected
)

// Signer signs and authorizes transactions for one account
type Signer = election.TxSigner

// Provider is the wallet capability injected into the session manager.
type Provider interface {
	// RequestAccounts asks the user to expose accounts; the first is the active one
	RequestAccounts(ctx context.Context) ([]common.Address, error)

	// Signer returns a transaction signer for an exposed account
	Signer(ctx context.Context, account common.Address) (Signer, error)

	// SubscribeAccountsChanged delivers the exposed account list on every
	// change. An empty list means the wallet disconnected.
	SubscribeAccountsChanged(sink chan<- []common.Address) event.Subscription
}

// Session is the account the client is currently acting as
type Session struct {
	Connected bool           `json:"connected"`
	Account   common.Address `json:"account"`
}

// String returns a short description for logs
func (s Session) String() string {
	if !s.Connected {
		return "disconnected"
	}
	return "connected(" + s.Account.Hex() + ")"
}
