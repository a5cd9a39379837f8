package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/textileio/auction-channel/cmd/channeld/store"
	"github.com/textileio/auction-channel/msgbroker"
)

// SnapshotSaver persists channel snapshots.
type SnapshotSaver interface {
	Save(ctx context.Context, snap store.Snapshot) error
}

type config struct {
	confirmFreq     time.Duration
	confirmAttempts int
	snapshots       SnapshotSaver
	mb              msgbroker.MsgBroker
}

var defaultConfig = config{
	confirmFreq:     time.Second * 5,
	confirmAttempts: 60,
}

// Option applies a configuration change.
type Option func(*config) error

// WithConfirmFreq configures the frequency of phase polling after a ledger call.
func WithConfirmFreq(f time.Duration) Option {
	return func(c *config) error {
		if f == 0 {
			return errors.New("frequency is zero")
		}
		c.confirmFreq = f
		return nil
	}
}

// WithConfirmAttempts configures how many phase reads are made before giving up
// confirming a transition.
func WithConfirmAttempts(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return errors.New("attempts must be positive")
		}
		c.confirmAttempts = n
		return nil
	}
}

// WithSnapshots persists a snapshot after each transition.
func WithSnapshots(s SnapshotSaver) Option {
	return func(c *config) error {
		if s == nil {
			return errors.New("snapshot saver is nil")
		}
		c.snapshots = s
		return nil
	}
}

// WithMsgBroker publishes winner-updated and channel-phase-changed events to mb.
func WithMsgBroker(mb msgbroker.MsgBroker) Option {
	return func(c *config) error {
		if mb == nil {
			return errors.New("message broker is nil")
		}
		c.mb = mb
		return nil
	}
}
