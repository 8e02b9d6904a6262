// Package submission drives a vote from local eligibility checks through
// signing and confirmation to the mandatory resynchronization.
package submission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	log "github.com/sirupsen/logrus"

	"github.com/Prince-Choudhury/Decentralized-Voting-System/pkgs/election"
	"github.com/Prince-Choudhury/Decentralized-Voting-System/pkgs/events"
	"github.com/Prince-Choudhury/Decentralized-Voting-System/pkgs/metrics"
	"github.com/Prince-Choudhury/Decentralized-Voting-System/pkgs/wallet"
)

const component = "submission"

// SignerSource hands out transaction signers for connected accounts
type SignerSource interface {
	Signer(ctx context.Context, account common.Address) (election.TxSigner, error)
}

// Refresher republishes the election state after a submission
type Refresher interface {
	Refresh(ctx context.Context, session wallet.Session) (*election.Snapshot, error)
}

// Config contains the optional collaborators of a Pipeline
type Config struct {
	Emitter *events.Emitter
	Metrics *metrics.Metrics
}

// Pipeline submits votes, at most one per account at a time
type Pipeline struct {
	contract  election.Writer
	signers   SignerSource
	refresher Refresher
	emitter   *events.Emitter
	metrics   *metrics.Metrics

	mu       sync.Mutex
	inFlight map[common.Address]struct{}
}

// New creates a submission pipeline
func New(contract election.Writer, signers SignerSource, refresher Refresher, cfg Config) *Pipeline {
	return &Pipeline{
		contract:  contract,
		signers:   signers,
		refresher: refresher,
		emitter:   cfg.Emitter,
		metrics:   cfg.Metrics,
		inFlight:  make(map[common.Address]struct{}),
	}
}

// InFlight reports whether account has a submission pending
func (p *Pipeline) InFlight(account common.Address) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inFlight[account]
	return ok
}

func (p *Pipeline) acquire(account common.Address) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inFlight[account]; busy {
		return false
	}
	p.inFlight[account] = struct{}{}
	return true
}

func (p *Pipeline) release(account common.Address) {
	p.mu.Lock()
	delete(p.inFlight, account)
	p.mu.Unlock()
}

// CheckEligible validates a vote against snapshot without touching the network
func CheckEligible(index uint64, session wallet.Session, snapshot *election.Snapshot) error {
	switch {
	case snapshot == nil:
		return &election.IneligibleError{Reason: "no election state loaded"}
	case snapshot.Account != session.Account:
		return &election.IneligibleError{Reason: fmt.Sprintf("election state was read for %s", snapshot.Account.Hex())}
	case snapshot.Phase != election.PhaseVoting:
		return &election.IneligibleError{Reason: "voting has ended"}
	case snapshot.CallerHasVoted:
		return &election.IneligibleError{Reason: "account has already voted"}
	case index >= uint64(len(snapshot.Candidates)):
		return &election.IneligibleError{Reason: fmt.Sprintf("candidate index %d out of range (%d candidates)", index, len(snapshot.Candidates))}
	}
	return nil
}

// SubmitVote casts a vote for candidate index and returns the snapshot
// refreshed after confirmation. Every failure past the local checks is
// followed by a refresh before the error is returned. Canceling ctx has no
// effect once the vote has been handed to the contract.
func (p *Pipeline) SubmitVote(ctx context.Context, index uint64, session wallet.Session, snapshot *election.Snapshot) (*election.Snapshot, error) {
	if !session.Connected {
		return nil, election.ErrNotConnected
	}
	account := session.Account

	if !p.acquire(account) {
		p.metrics.ObserveSubmission(metrics.SubmissionBusy, 0)
		return nil, election.ErrSubmissionInProgress
	}
	defer p.release(account)

	if err := CheckEligible(index, session, snapshot); err != nil {
		p.metrics.ObserveSubmission(metrics.SubmissionIneligible, 0)
		log.WithFields(log.Fields{
			"account":   account.Hex(),
			"candidate": index,
		}).WithError(err).Debug("Vote failed local checks")
		return nil, err
	}

	start := time.Now()
	payload := &events.VoteEventPayload{
		Account:        account.Hex(),
		CandidateIndex: index,
		CandidateName:  snapshot.Candidates[index].Name,
	}

	signer, err := p.signers.Signer(ctx, account)
	if err != nil {
		return p.reject(ctx, session, payload, start, fmt.Errorf("failed to get signer: %w", err), common.Hash{})
	}
	if err := ctx.Err(); err != nil {
		return p.reject(ctx, session, payload, start, err, common.Hash{})
	}

	// Past this point the wallet and the chain decide the outcome
	ctx = context.WithoutCancel(ctx)

	tx, err := p.contract.CastVote(ctx, signer, index)
	if err != nil {
		return p.reject(ctx, session, payload, start, err, common.Hash{})
	}

	payload.TxHash = tx.Hash().Hex()
	log.WithFields(log.Fields{
		"account":   account.Hex(),
		"candidate": payload.CandidateName,
		"tx_hash":   payload.TxHash,
	}).Info("Vote submitted, waiting for confirmation")
	p.emit(events.EventVoteSubmitted, payload)

	receipt, err := tx.Wait(ctx)
	if err != nil {
		return p.reject(ctx, session, payload, start, fmt.Errorf("failed waiting for receipt: %w", err), tx.Hash())
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return p.reject(ctx, session, payload, start, election.ErrTransactionReverted, tx.Hash())
	}

	if receipt.BlockNumber != nil {
		payload.BlockNumber = receipt.BlockNumber.Uint64()
	}
	payload.GasUsed = receipt.GasUsed
	payload.Duration = time.Since(start).Milliseconds()
	p.metrics.ObserveSubmission(metrics.SubmissionConfirmed, time.Since(start))

	log.WithFields(log.Fields{
		"account":   account.Hex(),
		"candidate": payload.CandidateName,
		"tx_hash":   payload.TxHash,
		"block":     payload.BlockNumber,
		"gas_used":  payload.GasUsed,
	}).Info("Vote confirmed")
	p.emit(events.EventVoteConfirmed, payload)

	refreshed, err := p.refresher.Refresh(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("vote confirmed in tx %s but refresh failed: %w", payload.TxHash, err)
	}
	return refreshed, nil
}

// reject refreshes the election state and reports cause as a rejected vote
func (p *Pipeline) reject(ctx context.Context, session wallet.Session, payload *events.VoteEventPayload, start time.Time, cause error, txHash common.Hash) (*election.Snapshot, error) {
	rejected := &election.RejectedError{Cause: cause}
	if txHash != (common.Hash{}) {
		rejected.TxHash = txHash.Hex()
	}

	fields := log.Fields{
		"account":   payload.Account,
		"candidate": payload.CandidateIndex,
	}
	if rejected.TxHash != "" {
		fields["tx_hash"] = rejected.TxHash
	}
	if errors.Is(cause, election.ErrUserRejected) {
		log.WithFields(fields).Info("Vote declined in wallet")
	} else {
		log.WithFields(fields).WithError(cause).Warn("Vote rejected")
	}

	payload.Reason = cause.Error()
	payload.Duration = time.Since(start).Milliseconds()
	p.metrics.ObserveSubmission(metrics.SubmissionRejected, time.Since(start))
	p.emit(events.EventVoteRejected, payload)

	// Refresh even when the caller has given up
	if _, err := p.refresher.Refresh(context.WithoutCancel(ctx), session); err != nil {
		log.WithError(err).Warn("Refresh after rejected vote failed")
	}
	return nil, rejected
}

func (p *Pipeline) emit(eventType events.EventType, payload *events.VoteEventPayload) {
	if p.emitter == nil {
		return
	}
	cp := *payload
	if err := p.emitter.EmitVote(component, eventType, &cp); err != nil {
		log.WithError(err).Debug("Failed to emit vote event")
	}
}
