package channel

import (
	"errors"
	"fmt"
)

var (
	// ErrBidTooLow indicates a bid value below the chain tail.
	ErrBidTooLow = errors.New("bid value is too low")
	// ErrChainIntegrity indicates a fingerprint or hash-link mismatch.
	ErrChainIntegrity = errors.New("chain integrity violated")
	// ErrRole indicates a signature that isn't attributable to the expected role.
	ErrRole = errors.New("signature role mismatch")
	// ErrInvalidWinner indicates an ask bid was declared winner.
	ErrInvalidWinner = errors.New("ask bid cannot be a winner")
	// ErrSettlementRejected indicates the ledger reverted a call.
	ErrSettlementRejected = errors.New("settlement rejected")
	// ErrOpenRejected indicates the ledger reverted the opening.
	ErrOpenRejected = errors.New("open rejected")
	// ErrProposalInFlight indicates another proposal is outstanding.
	ErrProposalInFlight = errors.New("proposal in flight")

	// ErrNotOpened indicates the channel isn't opened yet.
	ErrNotOpened = errors.New("channel not opened")
	// ErrAlreadyOpened indicates the opening handshake already completed.
	ErrAlreadyOpened = errors.New("channel already opened")
	// ErrInvalidTransition indicates a state change not allowed by the state machine.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrPhaseUnconfirmed indicates the ledger didn't report the expected phase in time.
	ErrPhaseUnconfirmed = errors.New("ledger phase unconfirmed")
)

// Ledger operation names used in RevertError.
const (
	OpOpen                 = "open"
	OpUpdateWinnerBid      = "updateWinnerBid"
	OpStartChallengePeriod = "startChallengePeriod"
	OpTryClose             = "tryClose"
)

// RevertError is returned by ledgers when a call reverts.
type RevertError struct {
	Op     string
	Reason string
}

// Error implements error.
func (e *RevertError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s reverted", e.Op)
	}
	return fmt.Sprintf("%s reverted: %s", e.Op, e.Reason)
}

// Is matches ErrSettlementRejected, and ErrOpenRejected for the opening call.
func (e *RevertError) Is(target error) bool {
	if target == ErrSettlementRejected {
		return true
	}
	return target == ErrOpenRejected && e.Op == OpOpen
}

// Revert returns a new *RevertError.
func Revert(op, format string, args ...interface{}) error {
	return &RevertError{Op: op, Reason: fmt.Sprintf(format, args...)}
}
