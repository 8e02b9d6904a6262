package election

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	log "github.com/sirupsen/logrus"

	abiloader "github.com/Prince-Choudhury/Decentralized-Voting-System/pkgs/abi"
)

// Backend is the part of an Ethereum client the binding talks to.
// *ethclient.Client satisfies it.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

// Binding binds to a deployed Voting contract
type Binding struct {
	backend  Backend
	address  common.Address
	abi      abi.ABI
	chainID  *big.Int
	gasLimit uint64
}

// candidateTuple mirrors the contract's Candidate struct
type candidateTuple struct {
	Name      string
	VoteCount *big.Int
}

// NewBinding creates a binding for the contract at address
func NewBinding(backend Backend, address common.Address, contractABI abi.ABI, chainID *big.Int) *Binding {
	return &Binding{
		backend: backend,
		address: address,
		abi:     contractABI,
		chainID: chainID,
	}
}

// Dial connects to rpcURL and binds to the contract at contractAddr.
// A zero chainID is resolved from the node.
func Dial(ctx context.Context, rpcURL, contractAddr, abiFile string, chainID int64) (*Binding, *ethclient.Client, error) {
	if !common.IsHexAddress(contractAddr) {
		return nil, nil, fmt.Errorf("invalid contract address: %s", contractAddr)
	}

	contractABI, err := abiloader.LoadElectionABI(abiFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load election ABI: %w", err)
	}

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to Ethereum client: %w", err)
	}

	id := big.NewInt(chainID)
	if chainID == 0 {
		id, err = client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to get chain id: %w", err)
		}
	}

	return NewBinding(client, common.HexToAddress(contractAddr), contractABI, id), client, nil
}

// SetGasLimit fixes the gas limit of vote transactions; zero means estimate
func (b *Binding) SetGasLimit(limit uint64) {
	b.gasLimit = limit
}

// Address returns the contract address
func (b *Binding) Address() common.Address {
	return b.address
}

// ChainID returns the chain id transactions are signed for
func (b *Binding) ChainID() *big.Int {
	return new(big.Int).Set(b.chainID)
}

func (b *Binding) call(ctx context.Context, from common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := b.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s call: %w", method, err)
	}

	msg := ethereum.CallMsg{
		To:   &b.address,
		From: from,
		Data: data,
	}
	result, err := b.backend.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}

	out, err := b.abi.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s result: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty %s result", method)
	}
	return out, nil
}

// Candidates returns the candidate list in contract order
func (b *Binding) Candidates(ctx context.Context) ([]Candidate, error) {
	out, err := b.call(ctx, common.Address{}, "getAllVotesOfCandidates")
	if err != nil {
		return nil, err
	}

	tuples, err := convertCandidates(out[0])
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, len(tuples))
	for i, t := range tuples {
		count, err := toUint64(t.VoteCount)
		if err != nil {
			return nil, fmt.Errorf("candidate %d vote count: %w", i, err)
		}
		candidates[i] = Candidate{
			Index:     uint64(i),
			Name:      t.Name,
			VoteCount: count,
		}
	}
	return candidates, nil
}

// VotingOpen reports whether the contract still accepts votes
func (b *Binding) VotingOpen(ctx context.Context) (bool, error) {
	out, err := b.call(ctx, common.Address{}, "getVotingStatus")
	if err != nil {
		return false, err
	}
	open, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected getVotingStatus result type %T", out[0])
	}
	return open, nil
}

// RemainingSeconds returns the contract's remaining voting time
func (b *Binding) RemainingSeconds(ctx context.Context) (uint64, error) {
	out, err := b.call(ctx, common.Address{}, "getRemainingTime")
	if err != nil {
		return 0, err
	}
	remaining, ok := out[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("unexpected getRemainingTime result type %T", out[0])
	}
	return toUint64(remaining)
}

// HasVoted reports whether account has already voted
func (b *Binding) HasVoted(ctx context.Context, account common.Address) (bool, error) {
	out, err := b.call(ctx, account, "voters", account)
	if err != nil {
		return false, err
	}
	voted, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected voters result type %T", out[0])
	}
	return voted, nil
}

// ChoiceOf returns the candidate index account voted for
func (b *Binding) ChoiceOf(ctx context.Context, account common.Address) (uint64, error) {
	out, err := b.call(ctx, account, "voterInfo", account)
	if err != nil {
		return 0, err
	}
	choice, ok := out[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("unexpected voterInfo result type %T", out[0])
	}
	return toUint64(choice)
}

// CastVote builds, signs and sends a vote transaction
func (b *Binding) CastVote(ctx context.Context, signer TxSigner, candidateIndex uint64) (Transaction, error) {
	from := signer.Address()

	data, err := b.abi.Pack("vote", new(big.Int).SetUint64(candidateIndex))
	if err != nil {
		return nil, fmt.Errorf("failed to pack vote call: %w", err)
	}

	// Estimation also surfaces contract reverts (closed election, double vote)
	gasLimit := b.gasLimit
	if gasLimit == 0 {
		msg := ethereum.CallMsg{
			From: from,
			To:   &b.address,
			Data: data,
		}
		gasLimit, err = b.backend.EstimateGas(ctx, msg)
		if err != nil {
			return nil, fmt.Errorf("failed to estimate gas: %w", err)
		}
		// Add 20% buffer
		gasLimit = gasLimit + gasLimit/5
	}

	nonce, err := b.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}

	gasPrice, err := b.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}

	tx := types.NewTransaction(nonce, b.address, big.NewInt(0), gasLimit, gasPrice, data)

	signedTx, err := signer.SignTx(ctx, tx, b.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	log.WithFields(log.Fields{
		"tx_hash":   signedTx.Hash().Hex(),
		"from":      from.Hex(),
		"candidate": candidateIndex,
		"gas_limit": gasLimit,
		"gas_price": gasPrice.String(),
		"nonce":     nonce,
	}).Info("Submitting vote transaction")

	if err := b.backend.SendTransaction(ctx, signedTx); err != nil {
		return nil, fmt.Errorf("failed to send transaction: %w", err)
	}

	return &pendingTx{backend: b.backend, tx: signedTx}, nil
}

// pendingTx waits for a sent transaction through the binding's backend
type pendingTx struct {
	backend Backend
	tx      *types.Transaction
}

func (p *pendingTx) Hash() common.Hash {
	return p.tx.Hash()
}

func (p *pendingTx) Wait(ctx context.Context) (*types.Receipt, error) {
	return bind.WaitMined(ctx, p.backend, p.tx)
}

func convertCandidates(raw interface{}) (tuples []candidateTuple, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unexpected getAllVotesOfCandidates result: %v", r)
		}
	}()
	tuples = *abi.ConvertType(raw, new([]candidateTuple)).(*[]candidateTuple)
	return tuples, nil
}

func toUint64(v *big.Int) (uint64, error) {
	if v == nil || v.Sign() < 0 || !v.IsUint64() {
		return 0, fmt.Errorf("value %v out of uint64 range", v)
	}
	return v.Uint64(), nil
}

var _ Contract = (*Binding)(nil)
