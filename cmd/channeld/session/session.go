package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/textileio/auction-channel/bidchain"
	"github.com/textileio/auction-channel/channel"
	"github.com/textileio/auction-channel/metrics"
	"github.com/textileio/auction-channel/msgbroker"
	logging "github.com/textileio/go-log/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	log = logging.Logger("channeld/session")

	errFrozen = fmt.Errorf("channel is settling: %w", channel.ErrInvalidTransition)
)

// BidHandler is called with every bid appended to the chain and its index.
type BidHandler func(ctx context.Context, idx int, b channel.Bid) error

// Session runs the opening and bid handshakes of a single channel.
type Session struct {
	signer channel.Signer
	ledger channel.Ledger
	mb     msgbroker.MsgBroker
	chain  *bidchain.Chain

	lk         sync.Mutex
	cfg        channel.Config
	opened     bool
	opening    bool
	settling   bool
	frozen     bool
	pending    *proposal
	onAccepted BidHandler

	metricProposals metric.Int64Counter
	metricAccepts   metric.Int64Counter
	metricOpenings  metric.Int64Counter
}

// proposal is the outstanding proposal guard. The fingerprint is zero while the
// proposer signature is being produced.
type proposal struct {
	fingerprint common.Hash
}

// New returns a new Session.
func New(signer channel.Signer, ledger channel.Ledger, opts ...Option) (*Session, error) {
	var cfg config
	for _, op := range opts {
		if err := op(&cfg); err != nil {
			return nil, fmt.Errorf("applying option: %s", err)
		}
	}
	s := &Session{
		signer: signer,
		ledger: ledger,
		mb:     cfg.mb,
		chain:  bidchain.New(),
	}
	s.initMetrics()
	return s, nil
}

// ProposeOpening signs the opening fingerprint of cfg as the auctioneer.
func (s *Session) ProposeOpening(ctx context.Context, cfg channel.Config) (channel.OpeningProposal, error) {
	if err := cfg.Validate(); err != nil {
		return channel.OpeningProposal{}, fmt.Errorf("validating config: %s", err)
	}
	sig, err := s.signer.Sign(ctx, channel.OpeningFingerprint(cfg), channel.RoleAuctioneer)
	if err != nil {
		return channel.OpeningProposal{}, fmt.Errorf("signing opening as auctioneer: %w", err)
	}
	log.Debugf("proposed opening for auctioneer %s and assistant %s", cfg.Auctioneer, cfg.Assistant)
	return channel.OpeningProposal{Config: cfg, SignatureAuctioneer: sig}, nil
}

// AcceptOpening counter-signs p as the assistant and opens the channel on the ledger.
// It returns the genesis bid signed by the auctioneer, which becomes the outstanding
// proposal to be counter-signed with AcceptBid.
func (s *Session) AcceptOpening(ctx context.Context, p channel.OpeningProposal) (b channel.Bid, err error) {
	defer func() { metrics.MetricIncrCounter(ctx, err, s.metricOpenings) }()

	cfg := p.Config
	if err := cfg.Validate(); err != nil {
		return channel.Bid{}, fmt.Errorf("validating config: %s", err)
	}
	if err := s.beginOpening(); err != nil {
		return channel.Bid{}, err
	}

	addr, err := s.openOnLedger(ctx, cfg, p.SignatureAuctioneer)
	if err != nil {
		s.lk.Lock()
		s.opening = false
		s.lk.Unlock()
		return channel.Bid{}, err
	}
	cfg.ContractAddress = addr

	pp := &proposal{}
	s.lk.Lock()
	s.cfg = cfg
	s.opened = true
	s.opening = false
	s.pending = pp
	s.lk.Unlock()
	log.Infof("channel %s opened", addr)

	if s.mb != nil {
		if err := msgbroker.PublishMsgChannelOpened(ctx, s.mb, cfg, time.Now()); err != nil {
			log.Errorf("publishing channel-opened event: %s", err)
		}
	}

	genesis := channel.Bid{IsAskBid: true, BidValue: cfg.MinBid}
	signed, err := s.sign(ctx, pp, genesis)
	if err != nil {
		return channel.Bid{}, fmt.Errorf("channel is open but the genesis bid wasn't signed: %w", err)
	}
	return signed, nil
}

func (s *Session) beginOpening() error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.opened {
		return channel.ErrAlreadyOpened
	}
	if s.opening {
		return fmt.Errorf("opening in progress: %w", channel.ErrProposalInFlight)
	}
	s.opening = true
	return nil
}

func (s *Session) openOnLedger(ctx context.Context, cfg channel.Config, sigA []byte) (common.Address, error) {
	fp := channel.OpeningFingerprint(cfg)
	if err := channel.VerifySignature(fp, sigA, cfg.Auctioneer); err != nil {
		return common.Address{}, fmt.Errorf("verifying auctioneer opening signature: %w", err)
	}
	sigB, err := s.signer.Sign(ctx, fp, channel.RoleAssistant)
	if err != nil {
		return common.Address{}, fmt.Errorf("signing opening as assistant: %w", err)
	}
	if err := channel.VerifySignature(fp, sigB, cfg.Assistant); err != nil {
		return common.Address{}, fmt.Errorf("verifying assistant opening signature: %w", err)
	}
	addr, err := s.ledger.Open(ctx, cfg, sigA, sigB)
	if err != nil {
		return common.Address{}, fmt.Errorf("opening channel on ledger: %w", err)
	}
	return addr, nil
}

// ProposeBid builds the next bid linked to the chain tail and signs it with the
// proposer role. The bid is recorded as the outstanding proposal; the chain isn't
// modified until AcceptBid.
func (s *Session) ProposeBid(ctx context.Context, isAskBid bool, bidder string, bidValue uint64) (channel.Bid, error) {
	b := channel.Bid{IsAskBid: isAskBid, Bidder: bidder, BidValue: bidValue}
	role := b.Proposer()

	s.lk.Lock()
	if !s.opened {
		s.lk.Unlock()
		return channel.Bid{}, channel.ErrNotOpened
	}
	if s.frozen || s.settling {
		s.lk.Unlock()
		return channel.Bid{}, errFrozen
	}
	if s.pending != nil {
		s.lk.Unlock()
		return channel.Bid{}, channel.ErrProposalInFlight
	}
	if last, ok := s.chain.Last(); ok {
		if bidValue < last.BidValue {
			s.lk.Unlock()
			return channel.Bid{}, fmt.Errorf("value %d below last %d: %w", bidValue, last.BidValue, channel.ErrBidTooLow)
		}
		h, err := channel.BidHash(last)
		if err != nil {
			s.lk.Unlock()
			return channel.Bid{}, fmt.Errorf("hashing last bid: %w", err)
		}
		b.PreviousBidHash = h
	} else if !isAskBid {
		s.lk.Unlock()
		return channel.Bid{}, fmt.Errorf("genesis bid must be an ask: %w", channel.ErrChainIntegrity)
	} else if bidValue < s.cfg.MinBid {
		s.lk.Unlock()
		return channel.Bid{}, fmt.Errorf("value %d below min bid %d: %w", bidValue, s.cfg.MinBid, channel.ErrBidTooLow)
	}
	pp := &proposal{}
	s.pending = pp
	s.lk.Unlock()

	signed, err := s.sign(ctx, pp, b)
	s.metricProposals.Add(ctx, 1, attribute.String("role", role.String()))
	if err != nil {
		return channel.Bid{}, err
	}
	log.Debugf("proposed %s as %s", signed, role)
	return signed, nil
}

// sign attaches the proposer signature to b and completes the pp guard. The guard
// is released if signing fails.
func (s *Session) sign(ctx context.Context, pp *proposal, b channel.Bid) (channel.Bid, error) {
	fp, err := channel.BidFingerprint(b)
	if err == nil {
		b.Signature0, err = s.signer.Sign(ctx, fp, b.Proposer())
		if err != nil {
			err = fmt.Errorf("signing as %s: %w", b.Proposer(), err)
		}
	}

	s.lk.Lock()
	defer s.lk.Unlock()
	if s.pending != pp {
		// Discarded while signing.
		if err != nil {
			return channel.Bid{}, err
		}
		return b, nil
	}
	if err != nil {
		s.pending = nil
		return channel.Bid{}, err
	}
	pp.fingerprint = fp
	return b, nil
}

// AcceptBid counter-signs b and appends it to the chain. If b already carries a
// counterparty signature, it's verified instead of produced, which lets the proposer
// record a bid sealed by the other party. An error from the bid handler is returned
// along with the sealed bid, which stays in the chain.
func (s *Session) AcceptBid(ctx context.Context, b channel.Bid) (sealed channel.Bid, err error) {
	defer func() { metrics.MetricIncrCounter(ctx, err, s.metricAccepts) }()

	s.lk.Lock()
	if !s.opened {
		s.lk.Unlock()
		return channel.Bid{}, channel.ErrNotOpened
	}
	if s.frozen || s.settling {
		s.lk.Unlock()
		return channel.Bid{}, errFrozen
	}
	cfg := s.cfg
	s.lk.Unlock()

	fp, err := channel.BidFingerprint(b)
	if err != nil {
		return channel.Bid{}, err
	}
	defer s.release(fp)

	proposer := b.Proposer()
	if err := channel.VerifySignature(fp, b.Signature0, cfg.Address(proposer)); err != nil {
		return channel.Bid{}, fmt.Errorf("%s signature doesn't match the record: %v: %w", proposer, err, channel.ErrChainIntegrity)
	}
	if err := s.checkTail(cfg, b); err != nil {
		return channel.Bid{}, err
	}

	b.Signature0 = append(hexutil.Bytes(nil), b.Signature0...)
	counterparty := proposer.Counterparty()
	if len(b.Signature1) == 0 {
		sig, err := s.signer.Sign(ctx, fp, counterparty)
		if err != nil {
			return channel.Bid{}, fmt.Errorf("signing as %s: %w", counterparty, err)
		}
		b.Signature1 = sig
	} else {
		b.Signature1 = append(hexutil.Bytes(nil), b.Signature1...)
	}
	if err := channel.VerifySignature(fp, b.Signature1, cfg.Address(counterparty)); err != nil {
		return channel.Bid{}, fmt.Errorf("%s signature: %w", counterparty, err)
	}

	// The tail can't move once settling started.
	s.lk.Lock()
	if s.frozen || s.settling {
		s.lk.Unlock()
		return channel.Bid{}, errFrozen
	}
	idx, err := s.chain.Append(cfg, b)
	onAccepted := s.onAccepted
	s.lk.Unlock()
	if err != nil {
		return channel.Bid{}, fmt.Errorf("appending bid: %w", err)
	}
	log.Infof("accepted %s at index %d", b, idx)

	if s.mb != nil {
		if err := msgbroker.PublishMsgBidAccepted(ctx, s.mb, cfg.ContractAddress, idx, b); err != nil {
			log.Errorf("publishing bid-accepted event: %s", err)
		}
	}
	if onAccepted != nil {
		if err := onAccepted(ctx, idx, b); err != nil {
			return b, fmt.Errorf("handling bid at index %d: %w", idx, err)
		}
	}
	return b, nil
}

// SetBidHandler sets the handler called after each appended bid.
func (s *Session) SetBidHandler(h BidHandler) {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.onAccepted = h
}

// checkTail fails fast on a stale or low bid before asking for a signature. The
// authoritative check runs again under the chain lock.
func (s *Session) checkTail(cfg channel.Config, b channel.Bid) error {
	last, ok := s.chain.Last()
	if !ok {
		return bidchain.CheckLink(cfg, nil, b)
	}
	return bidchain.CheckLink(cfg, &last, b)
}

func (s *Session) release(fp common.Hash) {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.pending != nil && s.pending.fingerprint == fp {
		s.pending = nil
	}
}

// DiscardProposal releases the outstanding proposal, if any. It's used when the
// counterparty declines a proposed bid.
func (s *Session) DiscardProposal() {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.pending != nil {
		log.Debugf("discarding outstanding proposal")
	}
	s.pending = nil
}

// Settle stops accepting proposals and bids and returns the chain tail, which
// can't change until Resume is called. The outstanding proposal is dropped.
func (s *Session) Settle() (channel.Bid, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	if !s.opened {
		return channel.Bid{}, channel.ErrNotOpened
	}
	last, ok := s.chain.Last()
	if !ok {
		return channel.Bid{}, fmt.Errorf("bid chain is empty: %w", channel.ErrInvalidWinner)
	}
	if !s.settling && !s.frozen {
		log.Debugf("settling on %s", last)
	}
	s.settling = true
	s.pending = nil
	return last, nil
}

// Resume accepts proposals and bids again after Settle. A frozen session stays
// frozen.
func (s *Session) Resume() {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.settling && !s.frozen {
		log.Debugf("resuming bids")
	}
	s.settling = false
}

// Freeze stops accepting new proposals and bids for good. It's called once the
// channel leaves the open phase.
func (s *Session) Freeze() {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.frozen = true
	s.pending = nil
}

// HasPendingProposal returns true if a proposal is outstanding.
func (s *Session) HasPendingProposal() bool {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.pending != nil
}

// Config returns the channel config, and false if the channel isn't open.
func (s *Session) Config() (channel.Config, bool) {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.cfg, s.opened
}

// Bids returns a copy of the bid chain.
func (s *Session) Bids() []channel.Bid {
	return s.chain.Bids()
}

// Last returns the chain tail.
func (s *Session) Last() (channel.Bid, bool) {
	return s.chain.Last()
}

// Contains returns true if b is part of the chain.
func (s *Session) Contains(b channel.Bid) bool {
	return s.chain.Contains(b)
}

// Verify re-validates the whole chain.
func (s *Session) Verify() error {
	cfg, ok := s.Config()
	if !ok {
		return channel.ErrNotOpened
	}
	return bidchain.Verify(cfg, s.chain.Bids())
}

// Restore loads an already open channel with its verified bids.
func (s *Session) Restore(cfg channel.Config, bids []channel.Bid) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %s", err)
	}

	s.lk.Lock()
	defer s.lk.Unlock()
	if s.opened || s.opening {
		return channel.ErrAlreadyOpened
	}
	if err := s.chain.Load(cfg, bids); err != nil {
		return fmt.Errorf("restoring bid chain: %w", err)
	}
	s.cfg = cfg
	s.opened = true
	return nil
}
