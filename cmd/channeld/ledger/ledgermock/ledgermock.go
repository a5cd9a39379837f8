package ledgermock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/textileio/auction-channel/channel"
	logger "github.com/textileio/go-log/v2"
)

var log = logger.Logger("ledgermock")

// ErrUnavailable is returned by calls failed with FailNext.
var ErrUnavailable = errors.New("ledger unavailable")

// Ledger is an in-memory channel.Ledger enforcing the settlement contract rules
// for a single channel. Ledger time runs on a clock.Clock, and a challenge period
// unit is one tick of the configured duration.
type Ledger struct {
	clock       clock.Clock
	tick        time.Duration
	deployer    common.Address
	phaseLag    int
	openedCount uint64

	lk             sync.Mutex
	cfg            channel.Config
	phase          channel.State
	winner         *channel.Bid
	challengeStart time.Time
	lagged         int
	failNext       map[string]error
	calls          map[string]int
}

var _ channel.Ledger = (*Ledger)(nil)

// Option applies a configuration change.
type Option func(*Ledger)

// WithClock sets the ledger time source.
func WithClock(c clock.Clock) Option {
	return func(l *Ledger) {
		l.clock = c
	}
}

// WithTick sets the duration of a challenge period unit.
func WithTick(d time.Duration) Option {
	return func(l *Ledger) {
		l.tick = d
	}
}

// WithPhaseLag makes Phase report the previous phase for n reads after every
// transition, like a node that didn't see the latest block yet.
func WithPhaseLag(n int) Option {
	return func(l *Ledger) {
		l.phaseLag = n
	}
}

// New returns a new Ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		clock:    clock.New(),
		tick:     time.Second,
		deployer: common.HexToAddress("0xc0ffee"),
		phase:    channel.StateUnopened,
		failNext: map[string]error{},
		calls:    map[string]int{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Open implements channel.Ledger.
func (l *Ledger) Open(_ context.Context, cfg channel.Config, sigA, sigB []byte) (common.Address, error) {
	l.lk.Lock()
	defer l.lk.Unlock()
	if err := l.called(channel.OpOpen); err != nil {
		return common.Address{}, err
	}

	if l.phase != channel.StateUnopened {
		return common.Address{}, channel.Revert(channel.OpOpen, "channel already opened")
	}
	if err := cfg.Validate(); err != nil {
		return common.Address{}, channel.Revert(channel.OpOpen, err.Error())
	}
	fp := channel.OpeningFingerprint(cfg)
	if err := channel.VerifySignature(fp, sigA, cfg.Auctioneer); err != nil {
		return common.Address{}, channel.Revert(channel.OpOpen, "invalid auctioneer signature")
	}
	if err := channel.VerifySignature(fp, sigB, cfg.Assistant); err != nil {
		return common.Address{}, channel.Revert(channel.OpOpen, "invalid assistant signature")
	}

	cfg.ContractAddress = crypto.CreateAddress(l.deployer, l.openedCount)
	l.openedCount++
	l.cfg = cfg
	l.setPhase(channel.StateOpen)
	log.Debugf("opened channel %s", cfg.ContractAddress)
	return cfg.ContractAddress, nil
}

// UpdateWinnerBid implements channel.Ledger.
func (l *Ledger) UpdateWinnerBid(_ context.Context, b channel.Bid) error {
	l.lk.Lock()
	defer l.lk.Unlock()
	if err := l.called(channel.OpUpdateWinnerBid); err != nil {
		return err
	}

	if l.phase != channel.StateOpen {
		return channel.Revert(channel.OpUpdateWinnerBid, "channel isn't open")
	}
	if b.IsAskBid {
		return channel.Revert(channel.OpUpdateWinnerBid, "winner can't be an ask")
	}
	fp, err := channel.BidFingerprint(b)
	if err != nil {
		return channel.Revert(channel.OpUpdateWinnerBid, "malformed bid")
	}
	if err := channel.VerifySignature(fp, b.Signature0, l.cfg.Assistant); err != nil {
		return channel.Revert(channel.OpUpdateWinnerBid, "invalid assistant signature")
	}
	if err := channel.VerifySignature(fp, b.Signature1, l.cfg.Auctioneer); err != nil {
		return channel.Revert(channel.OpUpdateWinnerBid, "invalid auctioneer signature")
	}
	if l.winner != nil && b.BidValue < l.winner.BidValue {
		return channel.Revert(channel.OpUpdateWinnerBid, "value below current winner")
	}

	l.winner = &b
	log.Debugf("winner updated to %s", b)
	return nil
}

// StartChallengePeriod implements channel.Ledger.
func (l *Ledger) StartChallengePeriod(_ context.Context, sig []byte, auctioneer common.Address) error {
	l.lk.Lock()
	defer l.lk.Unlock()
	if err := l.called(channel.OpStartChallengePeriod); err != nil {
		return err
	}

	if l.phase != channel.StateOpen {
		return channel.Revert(channel.OpStartChallengePeriod, "channel isn't open")
	}
	if auctioneer != l.cfg.Auctioneer {
		return channel.Revert(channel.OpStartChallengePeriod, "unknown auctioneer")
	}
	if l.winner == nil {
		return channel.Revert(channel.OpStartChallengePeriod, "no winner was declared")
	}
	fp := channel.ChallengeFingerprint(l.cfg)
	if err := channel.VerifySignature(fp, sig, l.cfg.Assistant); err != nil {
		return channel.Revert(channel.OpStartChallengePeriod, "invalid assistant signature")
	}

	l.challengeStart = l.clock.Now()
	l.setPhase(channel.StateChallengePeriod)
	return nil
}

// TryClose implements channel.Ledger.
func (l *Ledger) TryClose(_ context.Context) error {
	l.lk.Lock()
	defer l.lk.Unlock()
	if err := l.called(channel.OpTryClose); err != nil {
		return err
	}

	if l.phase != channel.StateChallengePeriod {
		return channel.Revert(channel.OpTryClose, "channel isn't in challenge period")
	}
	end := l.challengeStart.Add(time.Duration(l.cfg.ChallengePeriod) * l.tick)
	if l.clock.Now().Before(end) {
		return channel.Revert(channel.OpTryClose, "challenge period not elapsed")
	}

	l.setPhase(channel.StateClosed)
	return nil
}

// Phase implements channel.Ledger.
func (l *Ledger) Phase(_ context.Context) (channel.State, error) {
	l.lk.Lock()
	defer l.lk.Unlock()
	if err := l.called("phase"); err != nil {
		return 0, err
	}
	if l.lagged > 0 {
		l.lagged--
		return l.phase - 1, nil
	}
	return l.phase, nil
}

// Winner returns the declared winner bid.
func (l *Ledger) Winner() (channel.Bid, bool) {
	l.lk.Lock()
	defer l.lk.Unlock()
	if l.winner == nil {
		return channel.Bid{}, false
	}
	return *l.winner, true
}

// FailNext makes the next call of op fail with err without executing it. A nil err
// fails with ErrUnavailable.
func (l *Ledger) FailNext(op string, err error) {
	if err == nil {
		err = ErrUnavailable
	}
	l.lk.Lock()
	defer l.lk.Unlock()
	l.failNext[op] = err
}

// Calls returns the number of times op was called.
func (l *Ledger) Calls(op string) int {
	l.lk.Lock()
	defer l.lk.Unlock()
	return l.calls[op]
}

func (l *Ledger) called(op string) error {
	l.calls[op]++
	if err, ok := l.failNext[op]; ok {
		delete(l.failNext, op)
		return err
	}
	return nil
}

func (l *Ledger) setPhase(s channel.State) {
	log.Debugf("phase %s -> %s", l.phase, s)
	l.phase = s
	l.lagged = l.phaseLag
}
