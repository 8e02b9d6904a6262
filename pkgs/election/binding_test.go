package election

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	abiloader "github.com/Prince-Choudhury/Decentralized-Voting-System/pkgs/abi"
)

// chainBackend answers contract calls from an in-memory Voting contract
type chainBackend struct {
	mu         sync.Mutex
	abi        abi.ABI
	names      []string
	counts     []int64
	open       bool
	remaining  int64
	voted      map[common.Address]int64
	sent       []*types.Transaction
	revertNext bool
	callErr    error
}

func newChainBackend(t *testing.T) *chainBackend {
	parsed, err := abiloader.LoadElectionABI("")
	require.NoError(t, err)
	return &chainBackend{
		abi:       parsed,
		names:     []string{"Mark", "Mike", "Henry", "Rock"},
		counts:    []int64{0, 0, 0, 0},
		open:      true,
		remaining: 90,
		voted:     make(map[common.Address]int64),
	}
}

func (b *chainBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.callErr != nil {
		return nil, b.callErr
	}

	method, err := b.abi.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}

	switch method.Name {
	case "getAllVotesOfCandidates":
		tuples := make([]candidateTuple, len(b.names))
		for i, name := range b.names {
			tuples[i] = candidateTuple{Name: name, VoteCount: big.NewInt(b.counts[i])}
		}
		return method.Outputs.Pack(tuples)
	case "getVotingStatus":
		return method.Outputs.Pack(b.open)
	case "getRemainingTime":
		return method.Outputs.Pack(big.NewInt(b.remaining))
	case "voters", "voterInfo":
		args, err := method.Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		choice, voted := b.voted[args[0].(common.Address)]
		if method.Name == "voters" {
			return method.Outputs.Pack(voted)
		}
		return method.Outputs.Pack(big.NewInt(choice))
	}
	return nil, errors.New("unsupported method " + method.Name)
}

func (b *chainBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, voted := b.voted[msg.From]; voted {
		return 0, errors.New("execution reverted: already voted")
	}
	return 50000, nil
}

func (b *chainBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint64(len(b.sent)), nil
}

func (b *chainBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (b *chainBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, tx)
	return nil
}

func (b *chainBackend) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, tx := range b.sent {
		if tx.Hash() != hash {
			continue
		}
		status := types.ReceiptStatusSuccessful
		if b.revertNext {
			status = types.ReceiptStatusFailed
		}
		return &types.Receipt{Status: status, TxHash: hash, BlockNumber: big.NewInt(1), GasUsed: 42000}, nil
	}
	return nil, ethereum.NotFound
}

func (b *chainBackend) CodeAt(ctx context.Context, account common.Address, _ *big.Int) ([]byte, error) {
	return []byte{0x60}, nil
}

type keySigner struct {
	key *ecdsa.PrivateKey
}

func (s *keySigner) Address() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

func (s *keySigner) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

func newBinding(t *testing.T) (*Binding, *chainBackend) {
	backend := newChainBackend(t)
	contract := NewBinding(backend, common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"), backend.abi, big.NewInt(31337))
	return contract, backend
}

func TestBindingReads(t *testing.T) {
	contract, backend := newBinding(t)
	backend.counts[2] = 3
	ctx := context.Background()

	candidates, err := contract.Candidates(ctx)
	require.NoError(t, err)
	require.Len(t, candidates, 4)
	assert.Equal(t, Candidate{Index: 2, Name: "Henry", VoteCount: 3}, candidates[2])

	open, err := contract.VotingOpen(ctx)
	require.NoError(t, err)
	assert.True(t, open)

	remaining, err := contract.RemainingSeconds(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(90), remaining)

	account := common.HexToAddress("0xAA")
	voted, err := contract.HasVoted(ctx, account)
	require.NoError(t, err)
	assert.False(t, voted)

	backend.voted[account] = 1
	voted, err = contract.HasVoted(ctx, account)
	require.NoError(t, err)
	assert.True(t, voted)

	choice, err := contract.ChoiceOf(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), choice)
}

func TestBindingReadError(t *testing.T) {
	contract, backend := newBinding(t)
	backend.callErr = errors.New("connection refused")

	_, err := contract.Candidates(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "getAllVotesOfCandidates")
}

func TestBindingCastVote(t *testing.T) {
	contract, backend := newBinding(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := &keySigner{key: key}

	tx, err := contract.CastVote(context.Background(), signer, 2)
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)
	assert.Equal(t, backend.sent[0].Hash(), tx.Hash())
	assert.Equal(t, uint64(60000), backend.sent[0].Gas())

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(31337)), backend.sent[0])
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), sender)

	args, err := backend.abi.Methods["vote"].Inputs.Unpack(backend.sent[0].Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(2), args[0])

	receipt, err := tx.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)
}

func TestBindingCastVoteFixedGas(t *testing.T) {
	contract, backend := newBinding(t)
	contract.SetGasLimit(120000)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	_, err = contract.CastVote(context.Background(), &keySigner{key: key}, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(120000), backend.sent[0].Gas())
}

func TestBindingCastVoteEstimateRevert(t *testing.T) {
	contract, backend := newBinding(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := &keySigner{key: key}
	backend.voted[signer.Address()] = 0

	_, err = contract.CastVote(context.Background(), signer, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already voted")
	assert.Empty(t, backend.sent)
}
