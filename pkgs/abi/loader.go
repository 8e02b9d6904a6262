package abi

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/sirupsen/logrus"
)

// ElectionMethods lists the contract methods the voting client calls
var ElectionMethods = []string{
	"getAllVotesOfCandidates",
	"getVotingStatus",
	"getRemainingTime",
	"voters",
	"voterInfo",
	"vote",
}

var (
	configuredDirMu sync.RWMutex
	configuredDir   string
)

// SetABIDir overrides the ABI directory lookup. An empty dir restores the
// ABI_DIR and default path fallbacks.
func SetABIDir(dir string) {
	configuredDirMu.Lock()
	defer configuredDirMu.Unlock()
	configuredDir = dir
}

// GetABIDir returns the base directory for ABI files
// Uses the configured directory, then ABI_DIR, then defaults
func GetABIDir() string {
	configuredDirMu.RLock()
	configured := configuredDir
	configuredDirMu.RUnlock()
	if configured != "" {
		return configured
	}

	if abiDir := os.Getenv("ABI_DIR"); abiDir != "" {
		return abiDir
	}

	defaultPaths := []string{
		"./abi",
		"./artifacts/contracts/Voting.sol", // Hardhat build output
		"/app/abi",
	}

	for _, path := range defaultPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return "./abi"
}

// ResolveABIPath resolves a bare filename against the ABI directory.
// Paths containing a separator are returned unchanged.
func ResolveABIPath(filename string) string {
	if filepath.IsAbs(filename) || strings.ContainsRune(filename, os.PathSeparator) {
		return filename
	}
	return filepath.Join(GetABIDir(), filename)
}

// HardhatArtifact represents a Hardhat compilation artifact
type HardhatArtifact struct {
	Format       string          `json:"_format"`
	ContractName string          `json:"contractName"`
	SourceName   string          `json:"sourceName"`
	ABI          json.RawMessage `json:"abi"`
	Bytecode     string          `json:"bytecode,omitempty"`
}

// ParseABI parses either a Hardhat artifact or a raw ABI JSON document
func ParseABI(data []byte) (abi.ABI, error) {
	var artifact HardhatArtifact
	if err := json.Unmarshal(data, &artifact); err == nil && artifact.Format != "" {
		logrus.WithFields(logrus.Fields{
			"contractName": artifact.ContractName,
			"format":       artifact.Format,
		}).Debug("Detected Hardhat artifact, extracting ABI")

		parsedABI, err := abi.JSON(strings.NewReader(string(artifact.ABI)))
		if err != nil {
			return abi.ABI{}, fmt.Errorf("failed to parse ABI from Hardhat artifact %s: %w", artifact.ContractName, err)
		}
		return parsedABI, nil
	}

	parsedABI, err := abi.JSON(strings.NewReader(string(data)))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("not a Hardhat artifact or valid ABI: %w", err)
	}
	return parsedABI, nil
}

// LoadABI loads an ABI from file using standardized path resolution
// Supports both raw ABI JSON files and Hardhat artifact files
func LoadABI(filename string) (abi.ABI, error) {
	abiPath := ResolveABIPath(filename)

	logrus.WithField("path", abiPath).Debug("Loading ABI file")

	data, err := os.ReadFile(abiPath)
	if err != nil {
		return abi.ABI{}, fmt.Errorf("failed to read ABI file %s: %w", abiPath, err)
	}

	parsedABI, err := ParseABI(data)
	if err != nil {
		return abi.ABI{}, fmt.Errorf("failed to parse ABI from %s: %w", abiPath, err)
	}

	logrus.WithFields(logrus.Fields{
		"path":    abiPath,
		"methods": len(parsedABI.Methods),
		"events":  len(parsedABI.Events),
	}).Debug("Successfully loaded ABI")

	return parsedABI, nil
}

// LoadElectionABI returns the Voting contract ABI. An empty filename selects
// the built-in VotingABI; otherwise the file must define every ElectionMethods entry.
func LoadElectionABI(filename string) (abi.ABI, error) {
	var (
		parsedABI abi.ABI
		err       error
	)
	if filename == "" {
		parsedABI, err = abi.JSON(strings.NewReader(VotingABI))
	} else {
		parsedABI, err = LoadABI(filename)
	}
	if err != nil {
		return abi.ABI{}, err
	}

	for _, name := range ElectionMethods {
		if _, ok := parsedABI.Methods[name]; !ok {
			return abi.ABI{}, fmt.Errorf("election ABI is missing method %s", name)
		}
	}
	return parsedABI, nil
}

// MustLoadElectionABI loads the election ABI and exits on error (for initialization)
func MustLoadElectionABI(filename string) abi.ABI {
	parsedABI, err := LoadElectionABI(filename)
	if err != nil {
		logrus.WithError(err).Fatalf("Failed to load election ABI: %q", filename)
	}
	return parsedABI
}

// VotingABI is the ABI of the Voting contract deployed by the Hardhat scripts
const VotingABI = `[
	{
		"inputs": [],
		"name": "getAllVotesOfCandidates",
		"outputs": [
			{
				"components": [
					{"internalType": "string", "name": "name", "type": "string"},
					{"internalType": "uint256", "name": "voteCount", "type": "uint256"}
				],
				"internalType": "struct Voting.Candidate[]",
				"name": "",
				"type": "tuple[]"
			}
		],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "getVotingStatus",
		"outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "getRemainingTime",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "address", "name": "", "type": "address"}],
		"name": "voters",
		"outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "address", "name": "", "type": "address"}],
		"name": "voterInfo",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "uint256", "name": "_candidateIndex", "type": "uint256"}],
		"name": "vote",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`
