// Package electiontest provides an in-memory Voting contract for tests.
package electiontest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/Prince-Choudhury/Decentralized-Voting-System/pkgs/election"
)

// Method names used to target errors and hooks
const (
	MethodCandidates = "getAllVotesOfCandidates"
	MethodVotingOpen = "getVotingStatus"
	MethodRemaining  = "getRemainingTime"
	MethodHasVoted   = "voters"
	MethodChoiceOf   = "voterInfo"
	MethodCastVote   = "vote"
	MethodWait       = "wait"
)

// ChainID is the chain id the fake signs transactions for
var ChainID = big.NewInt(31337)

// Contract is a thread-safe in-memory election contract. Votes are applied
// when the returned transaction is waited on, as if mined at that point.
type Contract struct {
	mu        sync.Mutex
	names     []string
	counts    []uint64
	open      bool
	remaining uint64
	votes     map[common.Address]uint64
	nonce     uint64
	revert    bool

	errs  map[string]error
	hooks map[string]func()
	calls map[string]int
}

// New creates an open election with the given candidates and a 90 second timer
func New(names ...string) *Contract {
	return &Contract{
		names:     append([]string(nil), names...),
		counts:    make([]uint64, len(names)),
		open:      true,
		remaining: 90,
		votes:     make(map[common.Address]uint64),
		errs:      make(map[string]error),
		hooks:     make(map[string]func()),
		calls:     make(map[string]int),
	}
}

// SetOpen opens or closes voting
func (c *Contract) SetOpen(open bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = open
}

// SetRemaining sets the remaining time reported by the contract
func (c *Contract) SetRemaining(seconds uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remaining = seconds
}

// SetError makes every call to method fail with err; nil clears it
func (c *Contract) SetError(method string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.errs, method)
		return
	}
	c.errs[method] = err
}

// SetHook runs fn at the start of every call to method, outside the lock
func (c *Contract) SetHook(method string, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn == nil {
		delete(c.hooks, method)
		return
	}
	c.hooks[method] = fn
}

// SetRevert makes mined votes fail with a reverted receipt
func (c *Contract) SetRevert(revert bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revert = revert
}

// RecordVote applies a vote directly, as if sent by another client
func (c *Contract) RecordVote(account common.Address, index uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.votes[account] = index
	c.counts[index]++
}

// Count returns the current vote count of a candidate
func (c *Contract) Count(index uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[index]
}

// Calls returns how many times method has been called
func (c *Contract) Calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

func (c *Contract) enter(method string) error {
	c.mu.Lock()
	c.calls[method]++
	hook := c.hooks[method]
	c.mu.Unlock()

	if hook != nil {
		hook()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errs[method]
}

func (c *Contract) Candidates(ctx context.Context) ([]election.Candidate, error) {
	if err := c.enter(MethodCandidates); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]election.Candidate, len(c.names))
	for i, name := range c.names {
		out[i] = election.Candidate{Index: uint64(i), Name: name, VoteCount: c.counts[i]}
	}
	return out, nil
}

func (c *Contract) VotingOpen(ctx context.Context) (bool, error) {
	if err := c.enter(MethodVotingOpen); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open, nil
}

func (c *Contract) RemainingSeconds(ctx context.Context) (uint64, error) {
	if err := c.enter(MethodRemaining); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return 0, nil
	}
	return c.remaining, nil
}

func (c *Contract) HasVoted(ctx context.Context, account common.Address) (bool, error) {
	if err := c.enter(MethodHasVoted); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.votes[account]
	return ok, nil
}

func (c *Contract) ChoiceOf(ctx context.Context, account common.Address) (uint64, error) {
	if err := c.enter(MethodChoiceOf); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.votes[account], nil
}

// CastVote checks the vote the way the contract's require statements do,
// has signer sign a placeholder transaction and returns it unmined.
func (c *Contract) CastVote(ctx context.Context, signer election.TxSigner, candidateIndex uint64) (election.Transaction, error) {
	if err := c.enter(MethodCastVote); err != nil {
		return nil, err
	}

	from := signer.Address()
	c.mu.Lock()
	if err := c.checkVote(from, candidateIndex); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	nonce := c.nonce
	c.nonce++
	c.mu.Unlock()

	data := append([]byte{0x01, 0x21, 0xb9, 0x3f}, common.LeftPadBytes(new(big.Int).SetUint64(candidateIndex).Bytes(), 32)...)
	tx := types.NewTransaction(nonce, common.Address{}, big.NewInt(0), 60000, big.NewInt(1), data)
	signed, err := signer.SignTx(ctx, tx, ChainID)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	return &transaction{contract: c, tx: signed, from: from, index: candidateIndex}, nil
}

func (c *Contract) checkVote(from common.Address, index uint64) error {
	if !c.open {
		return errors.New("execution reverted: voting has ended")
	}
	if _, ok := c.votes[from]; ok {
		return errors.New("execution reverted: you have already voted")
	}
	if index >= uint64(len(c.names)) {
		return errors.New("execution reverted: invalid candidate index")
	}
	return nil
}

type transaction struct {
	contract *Contract
	tx       *types.Transaction
	from     common.Address
	index    uint64
}

func (t *transaction) Hash() common.Hash {
	return t.tx.Hash()
}

func (t *transaction) Wait(ctx context.Context) (*types.Receipt, error) {
	c := t.contract
	if err := c.enter(MethodWait); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	receipt := &types.Receipt{TxHash: t.tx.Hash(), BlockNumber: big.NewInt(1), GasUsed: 42000}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.revert || c.checkVote(t.from, t.index) != nil {
		receipt.Status = types.ReceiptStatusFailed
		return receipt, nil
	}
	c.votes[t.from] = t.index
	c.counts[t.index]++
	receipt.Status = types.ReceiptStatusSuccessful
	return receipt, nil
}

var _ election.Contract = (*Contract)(nil)
