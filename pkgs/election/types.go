package election

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Phase is the on-chain state of the election
type Phase int

const (
	PhaseVoting Phase = iota
	PhaseFinished
)

// String returns the display name of the phase
func (p Phase) String() string {
	switch p {
	case PhaseVoting:
		return "voting"
	case PhaseFinished:
		return "finished"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// MarshalText implements encoding.TextMarshaler
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (p *Phase) UnmarshalText(text []byte) error {
	switch string(text) {
	case "voting":
		*p = PhaseVoting
	case "finished":
		*p = PhaseFinished
	default:
		return fmt.Errorf("unknown phase %q", text)
	}
	return nil
}

// Candidate is one entry of the contract's candidate list
type Candidate struct {
	Index     uint64 `json:"index"`
	Name      string `json:"name"`
	VoteCount uint64 `json:"vote_count"`
}

// VotingRecord is what the contract knows about one account's vote
type VotingRecord struct {
	HasVoted bool
	Choice   uint64
}

// Snapshot is one consistent read of the election state for an account.
// Snapshots are never modified after construction.
type Snapshot struct {
	Account          common.Address `json:"account"`
	Candidates       []Candidate    `json:"candidates"`
	Phase            Phase          `json:"phase"`
	RemainingSeconds uint64         `json:"remaining_seconds"`
	CallerHasVoted   bool           `json:"caller_has_voted"`
	CallerChoice     *uint64        `json:"caller_choice,omitempty"`
	ReadAt           time.Time      `json:"read_at"`
	Version          uint64         `json:"version"`
}

// NewSnapshot assembles a snapshot from the reads of one refresh cycle and
// checks it against the election invariants.
func NewSnapshot(account common.Address, candidates []Candidate, open bool, remaining uint64, record *VotingRecord, readAt time.Time) (*Snapshot, error) {
	s := &Snapshot{
		Account:          account,
		Candidates:       make([]Candidate, len(candidates)),
		Phase:            PhaseVoting,
		RemainingSeconds: remaining,
		ReadAt:           readAt,
	}
	copy(s.Candidates, candidates)

	for i := range s.Candidates {
		if s.Candidates[i].Index != uint64(i) {
			return nil, fmt.Errorf("candidate %q has index %d at position %d", s.Candidates[i].Name, s.Candidates[i].Index, i)
		}
	}

	if !open {
		s.Phase = PhaseFinished
		s.RemainingSeconds = 0
	}

	if record != nil && record.HasVoted {
		if record.Choice >= uint64(len(s.Candidates)) {
			return nil, fmt.Errorf("account %s voted for candidate %d but only %d candidates exist",
				account.Hex(), record.Choice, len(s.Candidates))
		}
		choice := record.Choice
		s.CallerHasVoted = true
		s.CallerChoice = &choice
	}

	return s, nil
}

// CanVote reports whether the snapshot allows its account to cast a vote
func (s *Snapshot) CanVote() bool {
	return s != nil && s.Phase == PhaseVoting && !s.CallerHasVoted
}

// VotedFor returns the candidate the account voted for
func (s *Snapshot) VotedFor() (Candidate, bool) {
	if s == nil || !s.CallerHasVoted || s.CallerChoice == nil {
		return Candidate{}, false
	}
	return s.Candidates[*s.CallerChoice], true
}

// RemainingAt estimates the seconds left at now from the value read at ReadAt.
// Phase stays authoritative; a zero result does not mean voting has closed.
func (s *Snapshot) RemainingAt(now time.Time) uint64 {
	if s == nil || s.Phase == PhaseFinished {
		return 0
	}
	elapsed := now.Sub(s.ReadAt)
	if elapsed <= 0 {
		return s.RemainingSeconds
	}
	secs := uint64(elapsed / time.Second)
	if secs >= s.RemainingSeconds {
		return 0
	}
	return s.RemainingSeconds - secs
}

// TotalVotes sums the vote counts of all candidates
func (s *Snapshot) TotalVotes() uint64 {
	var total uint64
	for _, c := range s.Candidates {
		total += c.VoteCount
	}
	return total
}

// WithVersion returns a copy of the snapshot stamped with version
func (s *Snapshot) WithVersion(version uint64) *Snapshot {
	cp := *s
	cp.Candidates = make([]Candidate, len(s.Candidates))
	copy(cp.Candidates, s.Candidates)
	if s.CallerChoice != nil {
		choice := *s.CallerChoice
		cp.CallerChoice = &choice
	}
	cp.Version = version
	return &cp
}
