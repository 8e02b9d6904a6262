// Package synchronizer mirrors the on-chain election state into immutable
// snapshots, one refresh cycle at a time.
package synchronizer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Prince-Choudhury/Decentralized-Voting-System/pkgs/election"
	"github.com/Prince-Choudhury/Decentralized-Voting-System/pkgs/events"
	"github.com/Prince-Choudhury/Decentralized-Voting-System/pkgs/metrics"
	"github.com/Prince-Choudhury/Decentralized-Voting-System/pkgs/wallet"
)

const (
	// DefaultVotedCacheSize bounds the number of accounts whose vote is remembered
	DefaultVotedCacheSize = 1024

	component = "synchronizer"
)

// Handler receives every newly published snapshot
type Handler func(snapshot *election.Snapshot)

// SessionSource reports the active wallet session
type SessionSource interface {
	CurrentSession() wallet.Session
}

// Config contains the optional collaborators of a Synchronizer
type Config struct {
	VotedCacheSize int
	Emitter        *events.Emitter
	Metrics        *metrics.Metrics
	Clock          func() time.Time

	// Sessions, when set, discards cycles read for an account that is no
	// longer the connected one
	Sessions SessionSource
}

// flight is one refresh cycle for one account. It runs on its own context,
// canceled only once every waiter has given up.
type flight struct {
	account common.Address
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int // guarded by Synchronizer.mu

	done   chan struct{}
	result *election.Snapshot
	err    error
}

// Synchronizer is the single writer of the published snapshot
type Synchronizer struct {
	reader   election.Reader
	sessions SessionSource
	voted    *lru.Cache[common.Address, uint64]
	emitter  *events.Emitter
	metrics  *metrics.Metrics
	now      func() time.Time

	current atomic.Pointer[election.Snapshot]

	mu      sync.Mutex
	running *flight
	queued  *flight

	subMu  sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64
}

// New creates a synchronizer reading from reader
func New(reader election.Reader, cfg Config) (*Synchronizer, error) {
	if reader == nil {
		return nil, fmt.Errorf("election reader is required")
	}
	size := cfg.VotedCacheSize
	if size <= 0 {
		size = DefaultVotedCacheSize
	}
	voted, err := lru.New[common.Address, uint64](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create voted cache: %w", err)
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	return &Synchronizer{
		reader:   reader,
		sessions: cfg.Sessions,
		voted:    voted,
		emitter:  cfg.Emitter,
		metrics:  cfg.Metrics,
		now:      now,
		subs:     make(map[uint64]*subscriber),
	}, nil
}

// Current returns the last published snapshot, nil before the first
// successful refresh
func (s *Synchronizer) Current() *election.Snapshot {
	return s.current.Load()
}

// Refresh reads the election state for the session account and publishes it.
// A refresh requested while another one runs is queued behind it; callers
// asking for the same account share the queued cycle. Canceling ctx only
// abandons this caller's wait, the shared cycle keeps running for the others.
func (s *Synchronizer) Refresh(ctx context.Context, session wallet.Session) (*election.Snapshot, error) {
	if !session.Connected {
		return nil, election.ErrNotConnected
	}
	account := session.Account

	for {
		s.mu.Lock()
		switch {
		case s.running == nil:
			f := newFlight(ctx, account)
			s.running = f
			s.mu.Unlock()
			go s.run(f)
			return s.wait(ctx, f)

		case s.queued == nil:
			f := newFlight(ctx, account)
			s.queued = f
			s.mu.Unlock()
			return s.wait(ctx, f)

		case s.queued.account == account:
			f := s.queued
			f.waiters++
			s.mu.Unlock()
			s.metrics.ObserveRefresh(metrics.RefreshJoined, 0)
			return s.wait(ctx, f)

		default:
			next := s.queued
			s.mu.Unlock()
			select {
			case <-next.done:
			case <-ctx.Done():
				return nil, &election.SyncError{Cause: ctx.Err()}
			}
		}
	}
}

func newFlight(ctx context.Context, account common.Address) *flight {
	fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &flight{
		account: account,
		ctx:     fctx,
		cancel:  cancel,
		waiters: 1,
		done:    make(chan struct{}),
	}
}

func (s *Synchronizer) wait(ctx context.Context, f *flight) (*election.Snapshot, error) {
	select {
	case <-f.done:
		return f.result, f.err
	default:
	}

	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		s.leave(f)
		return nil, &election.SyncError{Cause: ctx.Err()}
	}
}

// leave drops one waiter from f. The last one out cancels the cycle, and a
// cycle that has not started yet is removed from the queue.
func (s *Synchronizer) leave(f *flight) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if s.queued == f {
		s.queued = nil
		f.err = &election.SyncError{Cause: context.Canceled}
		close(f.done)
	}
}

// run executes f and then every cycle queued behind it, one at a time
func (s *Synchronizer) run(f *flight) {
	for f != nil {
		s.execute(f)
		f.cancel()

		s.mu.Lock()
		next := s.queued
		s.queued = nil
		s.running = next
		s.mu.Unlock()

		close(f.done)
		f = next
	}
}

func (s *Synchronizer) execute(f *flight) {
	start := time.Now()
	snapshot, err := s.read(f.ctx, f.account)
	if err != nil {
		f.err = &election.SyncError{Cause: err}
		if f.ctx.Err() != nil {
			// Every waiter left; nobody is told about this cycle
			log.WithField("account", f.account.Hex()).Debug("Abandoned election state refresh")
			return
		}
		s.fail(f.account, f.err)
		s.metrics.ObserveRefresh(metrics.RefreshFailed, time.Since(start))
		return
	}

	if s.superseded(f.account) {
		f.err = &election.SyncError{Cause: election.ErrSessionChanged}
		log.WithField("account", f.account.Hex()).Debug("Discarding election state read for a previous account")
		s.metrics.ObserveRefresh(metrics.RefreshDiscarded, time.Since(start))
		return
	}

	f.result = s.publish(snapshot)
	s.metrics.ObserveRefresh(metrics.RefreshPublished, time.Since(start))
}

// superseded reports whether the wallet is now connected with another
// account. A disconnected wallet keeps accepting the last account's state.
func (s *Synchronizer) superseded(account common.Address) bool {
	if s.sessions == nil {
		return false
	}
	current := s.sessions.CurrentSession()
	return current.Connected && current.Account != account
}

// read performs the reads of one refresh cycle. Nothing is published unless
// every read succeeds.
func (s *Synchronizer) read(ctx context.Context, account common.Address) (*election.Snapshot, error) {
	var (
		candidates []election.Candidate
		open       bool
		remaining  uint64
		record     *election.VotingRecord
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		candidates, err = s.reader.Candidates(gctx)
		if err != nil {
			return fmt.Errorf("failed to read candidates: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		var err error
		remaining, err = s.reader.RemainingSeconds(gctx)
		if err != nil {
			return fmt.Errorf("failed to read remaining time: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		var err error
		open, err = s.reader.VotingOpen(gctx)
		if err != nil {
			return fmt.Errorf("failed to read voting status: %w", err)
		}
		record, err = s.votingRecord(gctx, account, open)
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	snapshot, err := election.NewSnapshot(account, candidates, open, remaining, record, s.now())
	if err != nil {
		return nil, fmt.Errorf("inconsistent election state: %w", err)
	}

	if snapshot.CallerHasVoted {
		s.voted.Add(account, *snapshot.CallerChoice)
	}
	return snapshot, nil
}

// votingRecord returns the account's vote from the cache, or from the
// contract while voting is open
func (s *Synchronizer) votingRecord(ctx context.Context, account common.Address, open bool) (*election.VotingRecord, error) {
	if choice, ok := s.voted.Get(account); ok {
		s.metrics.VotedCacheLookup(true)
		return &election.VotingRecord{HasVoted: true, Choice: choice}, nil
	}
	if !open {
		return nil, nil
	}
	s.metrics.VotedCacheLookup(false)

	voted, err := s.reader.HasVoted(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to read voter status: %w", err)
	}
	if !voted {
		return &election.VotingRecord{}, nil
	}

	choice, err := s.reader.ChoiceOf(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to read voter choice: %w", err)
	}
	return &election.VotingRecord{HasVoted: true, Choice: choice}, nil
}

// publish stamps the next version on snapshot and swaps it in
func (s *Synchronizer) publish(snapshot *election.Snapshot) *election.Snapshot {
	var version uint64 = 1
	if prev := s.current.Load(); prev != nil {
		version = prev.Version + 1
	}
	snapshot = snapshot.WithVersion(version)
	s.current.Store(snapshot)

	log.WithFields(log.Fields{
		"account":    snapshot.Account.Hex(),
		"version":    version,
		"phase":      snapshot.Phase.String(),
		"candidates": len(snapshot.Candidates),
		"has_voted":  snapshot.CallerHasVoted,
	}).Debug("Published election snapshot")

	s.metrics.SetSnapshotVersion(version)
	s.notify(snapshot)
	if s.emitter != nil {
		if err := s.emitter.EmitSnapshotPublished(component, snapshot); err != nil {
			log.WithError(err).Debug("Failed to emit snapshot event")
		}
	}
	return snapshot
}

func (s *Synchronizer) fail(account common.Address, err error) {
	var version uint64
	if cur := s.current.Load(); cur != nil {
		version = cur.Version
	}

	log.WithFields(log.Fields{
		"account":         account.Hex(),
		"current_version": version,
	}).WithError(err).Warn("Election state refresh failed, keeping last snapshot")

	if s.emitter != nil {
		if emitErr := s.emitter.EmitSyncFailed(component, account.Hex(), version, err); emitErr != nil {
			log.WithError(emitErr).Debug("Failed to emit sync failure event")
		}
	}
}

// Forget drops the cached vote of account
func (s *Synchronizer) Forget(account common.Address) {
	s.voted.Remove(account)
}
