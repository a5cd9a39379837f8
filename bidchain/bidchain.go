package bidchain

import (
	"errors"
	"fmt"
	"sync"

	"github.com/textileio/auction-channel/channel"
)

// VerifyError reports the first bid that failed verification.
type VerifyError struct {
	Index int
	Err   error
}

// Error implements error.
func (e *VerifyError) Error() string {
	return fmt.Sprintf("bid %d: %v", e.Index, e.Err)
}

// Unwrap returns the underlying cause.
func (e *VerifyError) Unwrap() error {
	return e.Err
}

// CheckSignatures checks that both signatures of b are attributable to the roles
// determined by b.IsAskBid.
func CheckSignatures(cfg channel.Config, b channel.Bid) error {
	if !b.Sealed() {
		return fmt.Errorf("bid is missing signatures: %w", channel.ErrRole)
	}
	fp, err := channel.BidFingerprint(b)
	if err != nil {
		return err
	}
	proposer := b.Proposer()
	if err := channel.VerifySignature(fp, b.Signature0, cfg.Address(proposer)); err != nil {
		return fmt.Errorf("%s signature: %w", proposer, err)
	}
	counterparty := proposer.Counterparty()
	if err := channel.VerifySignature(fp, b.Signature1, cfg.Address(counterparty)); err != nil {
		return fmt.Errorf("%s signature: %w", counterparty, err)
	}
	return nil
}

// CheckLink checks that next can follow prev. A nil prev means next is the genesis bid.
func CheckLink(cfg channel.Config, prev *channel.Bid, next channel.Bid) error {
	if prev == nil {
		if next.PreviousBidHash != "" {
			return fmt.Errorf("genesis bid has previous hash %s: %w", next.PreviousBidHash, channel.ErrChainIntegrity)
		}
		if !next.IsAskBid {
			return fmt.Errorf("genesis bid must be an ask: %w", channel.ErrChainIntegrity)
		}
		if next.BidValue < cfg.MinBid {
			return fmt.Errorf("genesis value %d below min bid %d: %w", next.BidValue, cfg.MinBid, channel.ErrBidTooLow)
		}
		return nil
	}
	if next.BidValue < prev.BidValue {
		return fmt.Errorf("value %d below previous %d: %w", next.BidValue, prev.BidValue, channel.ErrBidTooLow)
	}
	h, err := channel.BidHash(*prev)
	if err != nil {
		return fmt.Errorf("hashing previous bid: %w", err)
	}
	if next.PreviousBidHash != h {
		return fmt.Errorf("previous hash %s doesn't match %s: %w", next.PreviousBidHash, h, channel.ErrChainIntegrity)
	}
	return nil
}

// Verify checks every signature, link and monotonic rule over bids. It returns
// a *VerifyError carrying the first failing index, or nil.
func Verify(cfg channel.Config, bids []channel.Bid) error {
	for i := range bids {
		if err := CheckSignatures(cfg, bids[i]); err != nil {
			return &VerifyError{Index: i, Err: err}
		}
		var prev *channel.Bid
		if i > 0 {
			prev = &bids[i-1]
		}
		if err := CheckLink(cfg, prev, bids[i]); err != nil {
			return &VerifyError{Index: i, Err: err}
		}
	}
	return nil
}

// Valid returns true if bids form a valid chain.
func Valid(cfg channel.Config, bids []channel.Bid) bool {
	return Verify(cfg, bids) == nil
}

// FailingIndex returns the index reported by Verify, or -1 if the chain is valid.
func FailingIndex(cfg channel.Config, bids []channel.Bid) int {
	var verr *VerifyError
	if err := Verify(cfg, bids); errors.As(err, &verr) {
		return verr.Index
	}
	return -1
}

// Chain is an append-only sequence of sealed bids.
type Chain struct {
	lk   sync.RWMutex
	bids []channel.Bid
}

// New returns an empty Chain.
func New() *Chain {
	return &Chain{}
}

// Restore returns a Chain holding bids after verifying them.
func Restore(cfg channel.Config, bids []channel.Bid) (*Chain, error) {
	c := New()
	if err := c.Load(cfg, bids); err != nil {
		return nil, err
	}
	return c, nil
}

// Load verifies bids and replaces the chain contents with them.
func (c *Chain) Load(cfg channel.Config, bids []channel.Bid) error {
	if err := Verify(cfg, bids); err != nil {
		return err
	}
	c.lk.Lock()
	defer c.lk.Unlock()
	c.bids = append([]channel.Bid(nil), bids...)
	return nil
}

// Len returns the number of bids.
func (c *Chain) Len() int {
	c.lk.RLock()
	defer c.lk.RUnlock()
	return len(c.bids)
}

// Last returns the chain tail.
func (c *Chain) Last() (channel.Bid, bool) {
	c.lk.RLock()
	defer c.lk.RUnlock()
	if len(c.bids) == 0 {
		return channel.Bid{}, false
	}
	return c.bids[len(c.bids)-1], true
}

// Bids returns a copy of the chain.
func (c *Chain) Bids() []channel.Bid {
	c.lk.RLock()
	defer c.lk.RUnlock()
	return append([]channel.Bid(nil), c.bids...)
}

// Contains returns true if a bid with the same content hash and signatures is in the chain.
func (c *Chain) Contains(b channel.Bid) bool {
	h, err := channel.BidHash(b)
	if err != nil {
		return false
	}
	c.lk.RLock()
	defer c.lk.RUnlock()
	for _, cb := range c.bids {
		ch, err := channel.BidHash(cb)
		if err != nil {
			continue
		}
		if ch == h && string(cb.Signature0) == string(b.Signature0) && string(cb.Signature1) == string(b.Signature1) {
			return true
		}
	}
	return false
}

// Append validates b against the current tail and appends it. It returns the
// index of the appended bid.
func (c *Chain) Append(cfg channel.Config, b channel.Bid) (int, error) {
	if err := CheckSignatures(cfg, b); err != nil {
		return 0, err
	}

	c.lk.Lock()
	defer c.lk.Unlock()
	var prev *channel.Bid
	if len(c.bids) > 0 {
		prev = &c.bids[len(c.bids)-1]
	}
	if err := CheckLink(cfg, prev, b); err != nil {
		return 0, err
	}
	c.bids = append(c.bids, b)
	return len(c.bids) - 1, nil
}
