package election

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Reader is the read side of the election contract
type Reader interface {
	Candidates(ctx context.Context) ([]Candidate, error)
	VotingOpen(ctx context.Context) (bool, error)
	RemainingSeconds(ctx context.Context) (uint64, error)
	HasVoted(ctx context.Context, account common.Address) (bool, error)
	// ChoiceOf is only meaningful when HasVoted reports true
	ChoiceOf(ctx context.Context, account common.Address) (uint64, error)
}

// TxSigner signs transactions on behalf of one account
type TxSigner interface {
	Address() common.Address
	SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// Transaction is a submitted vote awaiting confirmation
type Transaction interface {
	Hash() common.Hash
	// Wait blocks until the transaction is mined and returns its receipt
	Wait(ctx context.Context) (*types.Receipt, error)
}

// Writer is the mutating side of the election contract
type Writer interface {
	CastVote(ctx context.Context, signer TxSigner, candidateIndex uint64) (Transaction, error)
}

// Contract is the full election contract surface
type Contract interface {
	Reader
	Writer
}
