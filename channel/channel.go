package channel

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Role identifies one of the two parties operating a channel.
type Role int

const (
	// RoleAuctioneer is the party that posts asks and opens the channel.
	RoleAuctioneer Role = iota
	// RoleAssistant is the party that relays counter-bids.
	RoleAssistant
)

// String returns a string-encoded role.
func (r Role) String() string {
	switch r {
	case RoleAuctioneer:
		return "auctioneer"
	case RoleAssistant:
		return "assistant"
	default:
		return "invalid"
	}
}

// Counterparty returns the other role.
func (r Role) Counterparty() Role {
	if r == RoleAuctioneer {
		return RoleAssistant
	}
	return RoleAuctioneer
}

// Config is the channel configuration. It's fixed once the channel opens.
type Config struct {
	Auctioneer      common.Address `json:"auctioneer"`
	Assistant       common.Address `json:"assistant"`
	ChallengePeriod uint64         `json:"challengePeriod"`
	MinBid          uint64         `json:"minBid"`
	ContractAddress common.Address `json:"contractAddress"`
}

// Address returns the address bound to a role.
func (c Config) Address(r Role) common.Address {
	if r == RoleAuctioneer {
		return c.Auctioneer
	}
	return c.Assistant
}

// Validate checks the config fields that must be set before opening.
func (c Config) Validate() error {
	var zero common.Address
	if c.Auctioneer == zero {
		return fmt.Errorf("auctioneer address is empty")
	}
	if c.Assistant == zero {
		return fmt.Errorf("assistant address is empty")
	}
	if c.Auctioneer == c.Assistant {
		return fmt.Errorf("auctioneer and assistant must be different")
	}
	if c.ChallengePeriod == 0 {
		return fmt.Errorf("challenge period is zero")
	}
	return nil
}

// Bid is a single entry of the bid chain.
type Bid struct {
	IsAskBid        bool          `json:"isAskBid"`
	Bidder          string        `json:"bidder"`
	BidValue        uint64        `json:"bidValue"`
	PreviousBidHash string        `json:"previousBidHash"`
	Signature0      hexutil.Bytes `json:"signature0,omitempty"`
	Signature1      hexutil.Bytes `json:"signature1,omitempty"`
}

// Proposer returns the role expected to produce Signature0.
func (b Bid) Proposer() Role {
	if b.IsAskBid {
		return RoleAuctioneer
	}
	return RoleAssistant
}

// Sealed returns true if both signatures are attached.
func (b Bid) Sealed() bool {
	return len(b.Signature0) > 0 && len(b.Signature1) > 0
}

// String returns a short description of the bid for logs.
func (b Bid) String() string {
	kind := "bid"
	if b.IsAskBid {
		kind = "ask"
	}
	return fmt.Sprintf("%s{bidder:%q value:%d prev:%s}", kind, b.Bidder, b.BidValue, shortHash(b.PreviousBidHash))
}

func shortHash(h string) string {
	if h == "" {
		return "<genesis>"
	}
	if len(h) > 10 {
		return strings.ToLower(h[:10])
	}
	return h
}

// OpeningProposal is the auctioneer half of the opening handshake.
type OpeningProposal struct {
	Config              Config        `json:"config"`
	SignatureAuctioneer hexutil.Bytes `json:"signatureAuctioneer"`
}

// State is the lifecycle state of a channel.
type State int

const (
	// StateUnopened is the state before the opening handshake completes.
	StateUnopened State = iota
	// StateOpen indicates bids are being exchanged.
	StateOpen
	// StateChallengePeriod indicates a winner was declared and the dispute window runs.
	StateChallengePeriod
	// StateClosed is the terminal state.
	StateClosed
)

var stateNames = map[State]string{
	StateUnopened:        "unopened",
	StateOpen:            "open",
	StateChallengePeriod: "challenge_period",
	StateClosed:          "closed",
}

// String returns a string-encoded state.
func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "invalid"
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	n, ok := stateNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown state %d", int(s))
	}
	return []byte(n), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	for st, n := range stateNames {
		if n == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", string(text))
}

// CanTransition returns true if moving from s to next is a valid forward step.
func (s State) CanTransition(next State) bool {
	return next == s+1 && next <= StateClosed
}

// Signer produces signatures over fingerprints with a role-bound key.
type Signer interface {
	Sign(ctx context.Context, fingerprint common.Hash, role Role) ([]byte, error)
}

// Ledger executes the settlement contract calls.
type Ledger interface {
	// Open creates the settlement contract instance and returns its address.
	Open(ctx context.Context, cfg Config, sigAuctioneer, sigAssistant []byte) (common.Address, error)
	// UpdateWinnerBid declares the winning bid.
	UpdateWinnerBid(ctx context.Context, bid Bid) error
	// StartChallengePeriod requests the move to the challenge period.
	StartChallengePeriod(ctx context.Context, signature []byte, auctioneer common.Address) error
	// TryClose requests closing the channel.
	TryClose(ctx context.Context) error
	// Phase returns the on-chain phase.
	Phase(ctx context.Context) (State, error)
}
