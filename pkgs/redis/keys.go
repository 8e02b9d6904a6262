package redis

import (
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
)

// KeyBuilder provides methods to generate namespaced Redis keys for one
// election contract on one chain
type KeyBuilder struct {
	Prefix   string
	ChainID  string
	Contract string
}

// checksumAddress converts an Ethereum address to checksummed format (EIP-55).
// If the input is not a valid Ethereum address, it returns the input unchanged.
func checksumAddress(addr string) string {
	if addr == "" {
		return addr
	}
	if common.IsHexAddress(addr) {
		return common.HexToAddress(addr).Hex()
	}
	return addr
}

// NewKeyBuilder creates a new KeyBuilder with a checksummed contract address
func NewKeyBuilder(prefix string, chainID int64, contract string) *KeyBuilder {
	return &KeyBuilder{
		Prefix:   prefix,
		ChainID:  strconv.FormatInt(chainID, 10),
		Contract: checksumAddress(contract),
	}
}

func (kb *KeyBuilder) namespace() string {
	return fmt.Sprintf("%s:%s:%s", kb.Prefix, kb.ChainID, kb.Contract)
}

// Event channels

// SessionChannel carries wallet session changes
func (kb *KeyBuilder) SessionChannel() string {
	return fmt.Sprintf("%s:session", kb.namespace())
}

// SnapshotChannel carries published election snapshots and sync failures
func (kb *KeyBuilder) SnapshotChannel() string {
	return fmt.Sprintf("%s:snapshot", kb.namespace())
}

// VoteChannel carries vote submission lifecycle events
func (kb *KeyBuilder) VoteChannel() string {
	return fmt.Sprintf("%s:vote", kb.namespace())
}

// AllChannels returns the pattern matching every channel of this election
func (kb *KeyBuilder) AllChannels() string {
	return fmt.Sprintf("%s:*", kb.namespace())
}

// DefaultChannel receives events without a dedicated channel
func (kb *KeyBuilder) DefaultChannel() string {
	return kb.namespace()
}
