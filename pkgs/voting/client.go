// Package voting composes the wallet session, the election state
// synchronizer and the vote submission pipeline into the client used by
// the UI layer.
package voting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"

	"github.com/Prince-Choudhury/Decentralized-Voting-System/pkgs/election"
	"github.com/Prince-Choudhury/Decentralized-Voting-System/pkgs/events"
	"github.com/Prince-Choudhury/Decentralized-Voting-System/pkgs/metrics"
	"github.com/Prince-Choudhury/Decentralized-Voting-System/pkgs/submission"
	"github.com/Prince-Choudhury/Decentralized-Voting-System/pkgs/synchronizer"
	"github.com/Prince-Choudhury/Decentralized-Voting-System/pkgs/wallet"
)

const component = "client"

// Config contains the optional collaborators of a Client
type Config struct {
	VotedCacheSize int
	Emitter        *events.Emitter
	Metrics        *metrics.Metrics
}

// intent is a pending candidate selection for one account
type intent struct {
	account common.Address
	index   uint64
}

// Client is the election client exposed to the UI layer
type Client struct {
	wallet   *wallet.Manager
	state    *synchronizer.Synchronizer
	pipeline *submission.Pipeline
	emitter  *events.Emitter
	metrics  *metrics.Metrics

	removeHandler func()

	mu     sync.Mutex
	intent *intent
}

// New wires a client around provider and contract. provider may be nil, in
// which case Connect fails with ErrProviderUnavailable.
func New(provider wallet.Provider, contract election.Contract, cfg Config) (*Client, error) {
	if contract == nil {
		return nil, fmt.Errorf("election contract is required")
	}

	manager := wallet.NewManager(provider)
	s, err := synchronizer.New(contract, synchronizer.Config{
		VotedCacheSize: cfg.VotedCacheSize,
		Emitter:        cfg.Emitter,
		Metrics:        cfg.Metrics,
		Sessions:       manager,
	})
	if err != nil {
		manager.Close()
		return nil, err
	}

	c := &Client{
		wallet:  manager,
		state:   s,
		emitter: cfg.Emitter,
		metrics: cfg.Metrics,
	}
	c.pipeline = submission.New(contract, signerSource{provider}, s, submission.Config{
		Emitter: cfg.Emitter,
		Metrics: cfg.Metrics,
	})
	c.removeHandler = c.wallet.OnSessionChanged(c.onSessionChanged)

	return c, nil
}

// signerSource guards against a missing provider
type signerSource struct {
	provider wallet.Provider
}

func (s signerSource) Signer(ctx context.Context, account common.Address) (election.TxSigner, error) {
	if s.provider == nil {
		return nil, wallet.ErrProviderUnavailable
	}
	return s.provider.Signer(ctx, account)
}

// Session returns the current wallet session
func (c *Client) Session() wallet.Session {
	return c.wallet.CurrentSession()
}

// CurrentSnapshot returns the last published election snapshot. It stays
// available after the wallet disconnects.
func (c *Client) CurrentSnapshot() *election.Snapshot {
	return c.state.Current()
}

// Connect opens a wallet session and loads the election state for it. The
// session is returned even when the initial refresh fails; the error then
// matches election.ErrSyncFailed.
func (c *Client) Connect(ctx context.Context) (wallet.Session, error) {
	prev := c.wallet.CurrentSession()
	session, err := c.wallet.Connect(ctx)
	if err != nil {
		return wallet.Session{}, err
	}

	if prev != session {
		c.ClearSelection()
		c.recordSession(prev, session)
	}

	if _, err := c.state.Refresh(ctx, session); err != nil {
		return session, err
	}
	return session, nil
}

// Refresh reloads the election state for the current session
func (c *Client) Refresh(ctx context.Context) (*election.Snapshot, error) {
	return c.state.Refresh(ctx, c.wallet.CurrentSession())
}

// SubmitVote casts a vote for candidate index with the current session and
// snapshot. Any pending selection is discarded.
func (c *Client) SubmitVote(ctx context.Context, index uint64) (*election.Snapshot, error) {
	session := c.wallet.CurrentSession()
	snapshot := c.state.Current()
	if snapshot != nil && snapshot.Account != session.Account {
		snapshot = nil
	}

	snap, err := c.pipeline.SubmitVote(ctx, index, session, snapshot)
	if !errors.Is(err, election.ErrSubmissionInProgress) {
		c.ClearSelection()
	}
	return snap, err
}

// Select records candidate index as the pending choice of the current
// account. It is accepted only while the account may still vote.
func (c *Client) Select(index uint64) error {
	session := c.wallet.CurrentSession()
	if !session.Connected {
		return election.ErrNotConnected
	}
	if err := submission.CheckEligible(index, session, c.state.Current()); err != nil {
		return err
	}

	c.mu.Lock()
	c.intent = &intent{account: session.Account, index: index}
	c.mu.Unlock()
	return nil
}

// Selection returns the pending choice if it is still valid for the current
// session and snapshot
func (c *Client) Selection() (uint64, bool) {
	c.mu.Lock()
	pending := c.intent
	c.mu.Unlock()
	if pending == nil {
		return 0, false
	}

	session := c.wallet.CurrentSession()
	if !session.Connected || session.Account != pending.account {
		return 0, false
	}
	if submission.CheckEligible(pending.index, session, c.state.Current()) != nil {
		return 0, false
	}
	return pending.index, true
}

// ClearSelection discards the pending choice
func (c *Client) ClearSelection() {
	c.mu.Lock()
	c.intent = nil
	c.mu.Unlock()
}

// CastSelected submits the pending choice
func (c *Client) CastSelected(ctx context.Context) (*election.Snapshot, error) {
	index, ok := c.Selection()
	if !ok {
		c.ClearSelection()
		return nil, &election.IneligibleError{Reason: "no valid candidate selected"}
	}
	return c.SubmitVote(ctx, index)
}

// Subscribe registers handler for snapshot-changed notifications
func (c *Client) Subscribe(handler synchronizer.Handler) func() {
	return c.state.Subscribe(handler)
}

// Watch refreshes the election state every interval while a session is
// connected, until ctx is done
func (c *Client) Watch(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("invalid refresh interval %s", interval)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			session := c.wallet.CurrentSession()
			if !session.Connected {
				continue
			}
			if _, err := c.state.Refresh(ctx, session); err != nil && ctx.Err() == nil {
				log.WithError(err).Debug("Periodic refresh failed")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// InFlight reports whether the current account has a vote pending
func (c *Client) InFlight() bool {
	session := c.wallet.CurrentSession()
	return session.Connected && c.pipeline.InFlight(session.Account)
}

// Close releases the wallet subscription and stops snapshot delivery
func (c *Client) Close() {
	c.removeHandler()
	c.wallet.Close()
	c.state.Close()
}

// onSessionChanged resynchronizes after the wallet switches account. A
// disconnect keeps the last snapshot for read-only display.
func (c *Client) onSessionChanged(ctx context.Context, prev, next wallet.Session) {
	c.ClearSelection()
	c.recordSession(prev, next)

	if !next.Connected {
		return
	}
	if _, err := c.state.Refresh(ctx, next); err != nil {
		log.WithError(err).WithField("account", next.Account.Hex()).Warn("Refresh after account change failed")
	}
}

func (c *Client) recordSession(prev, next wallet.Session) {
	kind := "switched"
	switch {
	case !next.Connected:
		kind = "disconnected"
	case !prev.Connected:
		kind = "connected"
	}
	c.metrics.SessionChanged(kind)

	if c.emitter == nil {
		return
	}
	payload := &events.SessionEventPayload{Connected: next.Connected}
	if prev.Connected {
		payload.PreviousAccount = prev.Account.Hex()
	}
	if next.Connected {
		payload.Account = next.Account.Hex()
	}
	if err := c.emitter.EmitSessionChanged(component, payload); err != nil {
		log.WithError(err).Debug("Failed to emit session event")
	}
}
