package election

import (
	"errors"
	"fmt"
)

var (
	// ErrProviderUnavailable is returned when no wallet capability is present
	ErrProviderUnavailable = errors.New("wallet provider unavailable")

	// ErrUserRejected is returned when the user declines a wallet request
	ErrUserRejected = errors.New("request rejected by user")

	// ErrNotConnected is returned when an operation needs a connected session
	ErrNotConnected = errors.New("wallet not connected")

	// ErrSessionChanged is the cause attached when the wallet switched account
	// while a refresh for the previous one was running
	ErrSessionChanged = errors.New("wallet account changed during refresh")

	// ErrSyncFailed matches every *SyncError
	ErrSyncFailed = errors.New("election state sync failed")

	// ErrIneligibleVote is returned when a vote fails the local eligibility checks
	ErrIneligibleVote = errors.New("vote not eligible")

	// ErrSubmissionInProgress is returned when the account already has a vote pending
	ErrSubmissionInProgress = errors.New("vote submission already in progress")

	// ErrSubmissionRejected matches every *RejectedError
	ErrSubmissionRejected = errors.New("vote submission rejected")

	// ErrTransactionReverted is the cause attached when a mined vote has a failed receipt
	ErrTransactionReverted = errors.New("transaction reverted")
)

// SyncError reports a refresh cycle that could not complete
type SyncError struct {
	Cause error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("%s: %v", ErrSyncFailed, e.Cause)
}

func (e *SyncError) Unwrap() error { return e.Cause }

func (e *SyncError) Is(target error) bool { return target == ErrSyncFailed }

// RejectedError reports a vote the wallet or the chain refused
type RejectedError struct {
	Cause  error
	TxHash string
}

func (e *RejectedError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("%s (tx %s): %v", ErrSubmissionRejected, e.TxHash, e.Cause)
	}
	return fmt.Sprintf("%s: %v", ErrSubmissionRejected, e.Cause)
}

func (e *RejectedError) Unwrap() error { return e.Cause }

func (e *RejectedError) Is(target error) bool { return target == ErrSubmissionRejected }

// IneligibleError explains why a vote failed the local checks
type IneligibleError struct {
	Reason string
}

func (e *IneligibleError) Error() string {
	return fmt.Sprintf("%s: %s", ErrIneligibleVote, e.Reason)
}

func (e *IneligibleError) Is(target error) bool { return target == ErrIneligibleVote }
