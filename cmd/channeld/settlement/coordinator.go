package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/textileio/auction-channel/bidchain"
	"github.com/textileio/auction-channel/channel"
	"github.com/textileio/auction-channel/cmd/channeld/session"
	"github.com/textileio/auction-channel/cmd/channeld/store"
	"github.com/textileio/auction-channel/metrics"
	"github.com/textileio/auction-channel/msgbroker"
	logging "github.com/textileio/go-log/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var log = logging.Logger("channeld/settlement")

// Coordinator owns the lifecycle state of a channel and reconciles it with the
// ledger. Ledger-bound operations are serialized.
type Coordinator struct {
	config  config
	session *session.Session
	ledger  channel.Ledger
	signer  channel.Signer

	opLk   sync.Mutex
	saveLk sync.Mutex

	lk     sync.RWMutex
	state  channel.State
	winner *channel.Bid

	metricLedgerCalls        metric.Int64Counter
	metricLedgerCallDuration metric.Int64Histogram
	metricTransitions        metric.Int64Counter
}

// New returns a new Coordinator for the channel run by s.
func New(s *session.Session, l channel.Ledger, signer channel.Signer, opts ...Option) (*Coordinator, error) {
	cfg := defaultConfig
	for _, op := range opts {
		if err := op(&cfg); err != nil {
			return nil, fmt.Errorf("applying option: %s", err)
		}
	}
	c := &Coordinator{
		config:  cfg,
		session: s,
		ledger:  l,
		signer:  signer,
		state:   channel.StateUnopened,
	}
	c.initMetrics()
	s.SetBidHandler(c.bidAccepted)
	return c, nil
}

// bidAccepted saves a snapshot with every bid appended while the channel is open.
func (c *Coordinator) bidAccepted(ctx context.Context, idx int, b channel.Bid) error {
	if st := c.State(); st != channel.StateOpen {
		return nil
	}
	return c.saveSnapshot(ctx)
}

// Session returns the channel session.
func (c *Coordinator) Session() *session.Session {
	return c.session
}

// State returns the local lifecycle state.
func (c *Coordinator) State() channel.State {
	c.lk.RLock()
	defer c.lk.RUnlock()
	return c.state
}

// Winner returns the last winner accepted by the ledger.
func (c *Coordinator) Winner() (channel.Bid, bool) {
	c.lk.RLock()
	defer c.lk.RUnlock()
	if c.winner == nil {
		return channel.Bid{}, false
	}
	return *c.winner, true
}

// AcceptOpening completes the opening handshake and moves the channel to Open.
// It returns the genesis bid proposal.
func (c *Coordinator) AcceptOpening(ctx context.Context, p channel.OpeningProposal) (channel.Bid, error) {
	c.opLk.Lock()
	defer c.opLk.Unlock()

	if st := c.State(); st != channel.StateUnopened {
		return channel.Bid{}, fmt.Errorf("opening in state %s: %w", st, channel.ErrAlreadyOpened)
	}
	genesis, err := c.session.AcceptOpening(ctx, p)
	if _, opened := c.session.Config(); opened {
		// The ledger accepted the opening even if the genesis bid couldn't be signed.
		if terr := c.transition(ctx, channel.StateOpen); terr != nil && err == nil {
			err = terr
		}
	}
	return genesis, err
}

// SelectWinner returns the chain tail.
func (c *Coordinator) SelectWinner() (channel.Bid, error) {
	last, ok := c.session.Last()
	if !ok {
		return channel.Bid{}, fmt.Errorf("bid chain is empty: %w", channel.ErrInvalidWinner)
	}
	return last, nil
}

// UpdateWinnerBid declares winner on the ledger.
func (c *Coordinator) UpdateWinnerBid(ctx context.Context, winner channel.Bid) error {
	c.opLk.Lock()
	defer c.opLk.Unlock()
	return c.updateWinnerBid(ctx, winner)
}

func (c *Coordinator) updateWinnerBid(ctx context.Context, winner channel.Bid) error {
	if winner.IsAskBid {
		return fmt.Errorf("winner is an ask: %w", channel.ErrInvalidWinner)
	}
	if st := c.State(); st != channel.StateOpen {
		return fmt.Errorf("updating winner in state %s: %w", st, channel.ErrInvalidTransition)
	}
	cfg, _ := c.session.Config()
	if err := bidchain.CheckSignatures(cfg, winner); err != nil {
		return fmt.Errorf("checking winner signatures: %w", err)
	}
	if !c.session.Contains(winner) {
		return fmt.Errorf("winner isn't part of the chain: %w", channel.ErrInvalidWinner)
	}

	err := c.callLedger(ctx, channel.OpUpdateWinnerBid, func() error {
		return c.ledger.UpdateWinnerBid(ctx, winner)
	})
	if err != nil {
		return fmt.Errorf("updating winner on ledger: %w", err)
	}

	c.lk.Lock()
	c.winner = &winner
	c.lk.Unlock()
	log.Infof("channel %s winner is %s", cfg.ContractAddress, winner)

	if c.config.mb != nil {
		if err := msgbroker.PublishMsgWinnerUpdated(ctx, c.config.mb, cfg.ContractAddress, winner); err != nil {
			log.Errorf("publishing winner-updated event: %s", err)
		}
	}
	return c.saveSnapshot(ctx)
}

// StartChallengePeriod pushes the chain tail as winner if it wasn't pushed yet,
// requests the challenge period and waits until the ledger reports it. The session
// stops taking bids before the tail is selected. Bidding resumes if the ledger
// doesn't take the request, and stays stopped while the phase is unconfirmed.
func (c *Coordinator) StartChallengePeriod(ctx context.Context) error {
	c.opLk.Lock()
	defer c.opLk.Unlock()

	if st := c.State(); st != channel.StateOpen {
		return fmt.Errorf("starting challenge period in state %s: %w", st, channel.ErrInvalidTransition)
	}
	cfg, _ := c.session.Config()
	tail, err := c.session.Settle()
	if err != nil {
		return err
	}
	if err := c.requestChallengePeriod(ctx, cfg, tail); err != nil {
		c.session.Resume()
		return err
	}
	if err := c.confirm(ctx, channel.StateChallengePeriod); err != nil {
		return err
	}
	return c.transition(ctx, channel.StateChallengePeriod)
}

func (c *Coordinator) requestChallengePeriod(ctx context.Context, cfg channel.Config, tail channel.Bid) error {
	if !c.pushed(tail) {
		if err := c.updateWinnerBid(ctx, tail); err != nil {
			return fmt.Errorf("pushing winner: %w", err)
		}
	}
	sig, err := c.signer.Sign(ctx, channel.ChallengeFingerprint(cfg), channel.RoleAssistant)
	if err != nil {
		return fmt.Errorf("signing challenge period as assistant: %w", err)
	}
	err = c.callLedger(ctx, channel.OpStartChallengePeriod, func() error {
		return c.ledger.StartChallengePeriod(ctx, sig, cfg.Auctioneer)
	})
	if err != nil {
		return fmt.Errorf("starting challenge period on ledger: %w", err)
	}
	return nil
}

// TryClose requests closing the channel and waits until the ledger reports it.
func (c *Coordinator) TryClose(ctx context.Context) error {
	c.opLk.Lock()
	defer c.opLk.Unlock()

	if st := c.State(); st != channel.StateChallengePeriod {
		return fmt.Errorf("closing in state %s: %w", st, channel.ErrInvalidTransition)
	}
	err := c.callLedger(ctx, channel.OpTryClose, func() error {
		return c.ledger.TryClose(ctx)
	})
	if err != nil {
		return fmt.Errorf("closing on ledger: %w", err)
	}
	if err := c.confirm(ctx, channel.StateClosed); err != nil {
		return err
	}
	return c.transition(ctx, channel.StateClosed)
}

// Sync reads the ledger phase and moves the local state forward to it. A ledger
// phase behind the local state is ignored.
func (c *Coordinator) Sync(ctx context.Context) (channel.State, error) {
	c.opLk.Lock()
	defer c.opLk.Unlock()

	cur := c.State()
	phase, err := c.ledger.Phase(ctx)
	if err != nil {
		return cur, fmt.Errorf("reading ledger phase: %w", err)
	}
	if phase < cur {
		log.Warnf("ledger phase %s is behind local state %s", phase, cur)
		return cur, nil
	}
	for cur < phase {
		if _, opened := c.session.Config(); !opened {
			return cur, fmt.Errorf("ledger phase is %s: %w", phase, channel.ErrNotOpened)
		}
		if err := c.transition(ctx, cur+1); err != nil {
			return c.State(), err
		}
		cur++
	}
	return cur, nil
}

// Restore loads the coordinator and its session from a verified snapshot.
func (c *Coordinator) Restore(snap store.Snapshot) error {
	if err := snap.Verify(); err != nil {
		return fmt.Errorf("verifying snapshot: %w", err)
	}
	if snap.State == channel.StateUnopened {
		return fmt.Errorf("restoring an unopened channel: %w", channel.ErrNotOpened)
	}

	c.opLk.Lock()
	defer c.opLk.Unlock()
	if err := c.session.Restore(snap.Config, snap.Bids); err != nil {
		return fmt.Errorf("restoring session: %w", err)
	}
	if snap.State > channel.StateOpen {
		c.session.Freeze()
	}

	c.lk.Lock()
	defer c.lk.Unlock()
	c.state = snap.State
	if w, ok := snap.Winner(); ok {
		c.winner = &w
	}
	log.Infof("restored channel %s in state %s with %d bids", snap.Config.ContractAddress, snap.State, len(snap.Bids))
	return nil
}

// Snapshot returns the current channel record.
func (c *Coordinator) Snapshot() store.Snapshot {
	cfg, _ := c.session.Config()
	snap := store.Snapshot{
		Version: store.Version,
		Config:  cfg,
		Bids:    c.session.Bids(),
		TakenAt: time.Now(),
	}
	c.lk.RLock()
	snap.State = c.state
	w := c.winner
	c.lk.RUnlock()
	if w != nil {
		if h, err := channel.BidHash(*w); err == nil {
			snap.WinnerHash = h
		}
	}
	return snap
}

func (c *Coordinator) pushed(b channel.Bid) bool {
	w, ok := c.Winner()
	if !ok {
		return false
	}
	wh, err := channel.BidHash(w)
	if err != nil {
		return false
	}
	bh, err := channel.BidHash(b)
	if err != nil {
		return false
	}
	return wh == bh
}

// confirm polls the ledger phase until it reaches want.
func (c *Coordinator) confirm(ctx context.Context, want channel.State) error {
	var lastErr error
	for i := 0; i < c.config.confirmAttempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("confirming %s: %w", want, ctx.Err())
			case <-time.After(c.config.confirmFreq):
			}
		}
		phase, err := c.ledger.Phase(ctx)
		if err != nil {
			log.Warnf("reading ledger phase: %s", err)
			lastErr = err
			continue
		}
		if phase >= want {
			return nil
		}
		log.Debugf("ledger phase is %s, waiting for %s", phase, want)
	}
	if lastErr != nil {
		return fmt.Errorf("%s not observed after %d reads, last error %v: %w",
			want, c.config.confirmAttempts, lastErr, channel.ErrPhaseUnconfirmed)
	}
	return fmt.Errorf("%s not observed after %d reads: %w", want, c.config.confirmAttempts, channel.ErrPhaseUnconfirmed)
}

// transition moves the local state one step forward, publishes the change and
// saves a snapshot.
func (c *Coordinator) transition(ctx context.Context, to channel.State) error {
	c.lk.Lock()
	from := c.state
	if !from.CanTransition(to) {
		c.lk.Unlock()
		return fmt.Errorf("%s to %s: %w", from, to, channel.ErrInvalidTransition)
	}
	c.state = to
	c.lk.Unlock()

	if to > channel.StateOpen {
		c.session.Freeze()
	}
	cfg, _ := c.session.Config()
	c.metricTransitions.Add(ctx, 1, attribute.String("to", to.String()))
	log.Infof("channel %s moved from %s to %s", cfg.ContractAddress, from, to)

	if c.config.mb != nil {
		if err := msgbroker.PublishMsgPhaseChanged(ctx, c.config.mb, cfg.ContractAddress, from, to); err != nil {
			log.Errorf("publishing channel-phase-changed event: %s", err)
		}
	}
	return c.saveSnapshot(ctx)
}

func (c *Coordinator) saveSnapshot(ctx context.Context) error {
	if c.config.snapshots == nil {
		return nil
	}
	// Snapshots are taken and saved in order so the latest one is never stale.
	c.saveLk.Lock()
	defer c.saveLk.Unlock()
	if err := c.config.snapshots.Save(ctx, c.Snapshot()); err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	return nil
}

func (c *Coordinator) callLedger(ctx context.Context, op string, f func() error) error {
	start := time.Now()
	err := f()
	metrics.MetricIncrCounter(ctx, err, c.metricLedgerCalls, metrics.AttrOp(op))
	metrics.MetricRecordDuration(ctx, err, start, c.metricLedgerCallDuration, metrics.AttrOp(op))
	if err != nil {
		log.Warnf("ledger %s failed: %s", op, err)
	}
	return err
}
