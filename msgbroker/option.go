package msgbroker

import (
	"fmt"
	"time"
)

// DefaultRegisterHandlerConfig is the default configuration for topic subscriptions.
var DefaultRegisterHandlerConfig = RegisterHandlerConfig{
	AckDeadline: time.Second * 10,
}

// RegisterHandlerConfig configures a topic subscription.
type RegisterHandlerConfig struct {
	AckDeadline time.Duration
}

// Option applies a configuration change to a topic subscription.
type Option func(*RegisterHandlerConfig) error

// WithACKDeadline configures the deadline for the message broker subscription.
func WithACKDeadline(deadline time.Duration) Option {
	return func(c *RegisterHandlerConfig) error {
		if deadline <= 0 {
			return fmt.Errorf("ack deadline must be positive, got %s", deadline)
		}
		c.AckDeadline = deadline
		return nil
	}
}

// ApplyRegisterHandlerOptions applies opts over DefaultRegisterHandlerConfig.
func ApplyRegisterHandlerOptions(opts ...Option) (RegisterHandlerConfig, error) {
	config := DefaultRegisterHandlerConfig
	for _, opt := range opts {
		if err := opt(&config); err != nil {
			return RegisterHandlerConfig{}, err
		}
	}
	return config, nil
}
