package session

import (
	"errors"

	"github.com/textileio/auction-channel/msgbroker"
)

type config struct {
	mb msgbroker.MsgBroker
}

// Option applies a configuration change.
type Option func(*config) error

// WithMsgBroker publishes bid-accepted events to mb.
func WithMsgBroker(mb msgbroker.MsgBroker) Option {
	return func(c *config) error {
		if mb == nil {
			return errors.New("message broker is nil")
		}
		c.mb = mb
		return nil
	}
}
