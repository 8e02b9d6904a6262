package voting

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Prince-Choudhury/Decentralized-Voting-System/pkgs/election"
	"github.com/Prince-Choudhury/Decentralized-Voting-System/pkgs/election/electiontest"
	"github.com/Prince-Choudhury/Decentralized-Voting-System/pkgs/events"
	"github.com/Prince-Choudhury/Decentralized-Voting-System/pkgs/metrics"
	"github.com/Prince-Choudhury/Decentralized-Voting-System/pkgs/wallet/wallettest"
)

func newClient(t *testing.T, accounts int, cfg Config) (*Client, *electiontest.Contract, *wallettest.Provider) {
	t.Helper()
	contract := electiontest.New("Mark", "Mike", "Henry", "Rock")
	provider := wallettest.New(accounts)
	c, err := New(provider, contract, cfg)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, contract, provider
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestNewRequiresContract(t *testing.T) {
	_, err := New(nil, nil, Config{})
	assert.Error(t, err)
}

func TestConnectWithoutWallet(t *testing.T) {
	contract := electiontest.New("Mark")
	c, err := New(nil, contract, Config{})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Connect(context.Background())
	assert.ErrorIs(t, err, election.ErrProviderUnavailable)
	assert.False(t, c.Session().Connected)
	assert.Nil(t, c.CurrentSnapshot())

	_, err = c.Refresh(context.Background())
	assert.ErrorIs(t, err, election.ErrNotConnected)
	_, err = c.SubmitVote(context.Background(), 0)
	assert.ErrorIs(t, err, election.ErrNotConnected)
}

func TestElectionScenario(t *testing.T) {
	c, contract, provider := newClient(t, 1, Config{})

	session, err := c.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, provider.Account(0), session.Account)

	snap := c.CurrentSnapshot()
	require.NotNil(t, snap)
	assert.Equal(t, election.PhaseVoting, snap.Phase)
	assert.Equal(t, uint64(90), snap.RemainingSeconds)
	assert.False(t, snap.CallerHasVoted)
	assert.Zero(t, snap.TotalVotes())
	assert.Len(t, snap.Candidates, 4)

	after, err := c.SubmitVote(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), after.Candidates[2].VoteCount)
	assert.True(t, after.CallerHasVoted)
	assert.Equal(t, uint64(2), *after.CallerChoice)
	assert.Same(t, after, c.CurrentSnapshot())

	_, err = c.SubmitVote(context.Background(), 0)
	assert.ErrorIs(t, err, election.ErrIneligibleVote)
	assert.Zero(t, contract.Count(0))
	assert.Equal(t, uint64(1), contract.Count(2))

	refreshed, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, refreshed.CallerHasVoted)
	voted, ok := refreshed.VotedFor()
	require.True(t, ok)
	assert.Equal(t, "Henry", voted.Name)
}

func TestDisconnectKeepsSnapshot(t *testing.T) {
	c, _, provider := newClient(t, 1, Config{})

	_, err := c.Connect(context.Background())
	require.NoError(t, err)
	before := c.CurrentSnapshot()
	require.NotNil(t, before)

	provider.Emit()
	waitFor(t, func() bool { return !c.Session().Connected })

	assert.Same(t, before, c.CurrentSnapshot())
	_, err = c.Refresh(context.Background())
	assert.ErrorIs(t, err, election.ErrNotConnected)
}

func TestAccountSwitchRefreshes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	c, contract, provider := newClient(t, 2, Config{Metrics: m})
	contract.RecordVote(provider.Account(1), 3)

	_, err := c.Connect(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Select(1))

	provider.Emit(provider.Account(1))
	waitFor(t, func() bool {
		snap := c.CurrentSnapshot()
		return snap != nil && snap.Account == provider.Account(1)
	})

	snap := c.CurrentSnapshot()
	assert.True(t, snap.CallerHasVoted)
	assert.Equal(t, uint64(3), *snap.CallerChoice)
	_, ok := c.Selection()
	assert.False(t, ok)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionChanges().WithLabelValues("connected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionChanges().WithLabelValues("switched")))
}

func TestRefreshRacingAccountSwitch(t *testing.T) {
	c, contract, provider := newClient(t, 2, Config{})
	contract.RecordVote(provider.Account(1), 2)

	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	// The wallet switches account while the refresh for the first one reads
	var switched atomic.Bool
	contract.SetHook(electiontest.MethodCandidates, func() {
		if switched.CompareAndSwap(false, true) {
			provider.Emit(provider.Account(1))
			assert.Eventually(t, func() bool { return c.Session().Account == provider.Account(1) }, 2*time.Second, 5*time.Millisecond)
		}
	})

	_, err = c.Refresh(context.Background())
	assert.ErrorIs(t, err, election.ErrSessionChanged)

	waitFor(t, func() bool {
		snap := c.CurrentSnapshot()
		return snap != nil && snap.Account == provider.Account(1)
	})
	snap := c.CurrentSnapshot()
	assert.True(t, snap.CallerHasVoted)
	assert.Equal(t, uint64(2), *snap.CallerChoice)

	// Nothing for the previous account is published afterwards
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, provider.Account(1), c.CurrentSnapshot().Account)
}

func TestVoteIntent(t *testing.T) {
	c, contract, _ := newClient(t, 1, Config{})

	assert.ErrorIs(t, c.Select(0), election.ErrNotConnected)

	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	assert.ErrorIs(t, c.Select(4), election.ErrIneligibleVote)
	_, ok := c.Selection()
	assert.False(t, ok)

	_, err = c.CastSelected(context.Background())
	assert.ErrorIs(t, err, election.ErrIneligibleVote)
	assert.Zero(t, contract.Calls(electiontest.MethodCastVote))

	require.NoError(t, c.Select(1))
	require.NoError(t, c.Select(3))
	index, ok := c.Selection()
	require.True(t, ok)
	assert.Equal(t, uint64(3), index)

	after, err := c.CastSelected(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), after.Candidates[3].VoteCount)

	_, ok = c.Selection()
	assert.False(t, ok)
	assert.ErrorIs(t, c.Select(0), election.ErrIneligibleVote)
}

func TestIntentDiscardedAfterFailedSubmission(t *testing.T) {
	c, contract, _ := newClient(t, 1, Config{})
	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	require.NoError(t, c.Select(0))
	contract.SetRevert(true)

	_, err = c.CastSelected(context.Background())
	assert.ErrorIs(t, err, election.ErrSubmissionRejected)
	_, ok := c.Selection()
	assert.False(t, ok)

	// Still eligible after the revert, so a new selection is accepted
	require.NoError(t, c.Select(0))
}

func TestIntentInvalidatedWhenVotingEnds(t *testing.T) {
	c, contract, _ := newClient(t, 1, Config{})
	_, err := c.Connect(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Select(2))

	contract.SetOpen(false)
	snap, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, election.PhaseFinished, snap.Phase)

	_, ok := c.Selection()
	assert.False(t, ok)
}

func TestSubscribeOrdered(t *testing.T) {
	c, contract, _ := newClient(t, 1, Config{})

	got := make(chan *election.Snapshot, 16)
	defer c.Subscribe(func(s *election.Snapshot) { got <- s })()

	_, err := c.Connect(context.Background())
	require.NoError(t, err)
	contract.RecordVote(common.HexToAddress("0x01"), 0)
	_, err = c.Refresh(context.Background())
	require.NoError(t, err)

	var last uint64
	deadline := time.After(2 * time.Second)
	for last < 2 {
		select {
		case s := <-got:
			assert.Greater(t, s.Version, last)
			last = s.Version
		case <-deadline:
			t.Fatalf("last delivered version %d", last)
		}
	}
	assert.Equal(t, uint64(1), c.CurrentSnapshot().Candidates[0].VoteCount)
}

func TestWatch(t *testing.T) {
	c, contract, _ := newClient(t, 1, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Watch(ctx, 10*time.Millisecond) }()

	// Nothing is read before a session exists
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, contract.Calls(electiontest.MethodCandidates))

	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	contract.RecordVote(common.HexToAddress("0x02"), 1)
	contract.SetRemaining(45)
	waitFor(t, func() bool {
		snap := c.CurrentSnapshot()
		return snap.Candidates[1].VoteCount == 1 && snap.RemainingSeconds == 45
	})

	cancel()
	assert.True(t, errors.Is(<-done, context.Canceled))

	assert.Error(t, c.Watch(context.Background(), 0))
}

func TestSessionEvents(t *testing.T) {
	emitter := events.NewEmitter(nil)
	require.NoError(t, emitter.Start())
	defer emitter.Stop()

	got := make(chan events.SessionEventPayload, 4)
	require.NoError(t, emitter.Subscribe(&events.Subscriber{
		ID:    "sessions",
		Types: []events.EventType{events.EventSessionChanged},
		Handler: func(e *events.Event) {
			var payload events.SessionEventPayload
			if e.DecodePayload(&payload) == nil {
				got <- payload
			}
		},
	}))

	c, _, provider := newClient(t, 1, Config{Emitter: emitter})
	_, err := c.Connect(context.Background())
	require.NoError(t, err)
	provider.Emit()

	var seen []events.SessionEventPayload
	for len(seen) < 2 {
		select {
		case p := <-got:
			seen = append(seen, p)
		case <-time.After(2 * time.Second):
			t.Fatalf("saw %d session events", len(seen))
		}
	}

	// Handlers may observe events out of order
	var connects, disconnects int
	for _, p := range seen {
		if p.Connected {
			connects++
			assert.Equal(t, provider.Account(0).Hex(), p.Account)
		} else {
			disconnects++
			assert.Equal(t, provider.Account(0).Hex(), p.PreviousAccount)
		}
	}
	assert.Equal(t, 1, connects)
	assert.Equal(t, 1, disconnects)
}
