package msgbroker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/textileio/auction-channel/channel"
)

// TopicHandler is function that processes a received message.
// If no error is returned, the message will be automatically acked.
// If an error is returned, the message will be automatically nacked.
type TopicHandler func(context.Context, []byte) error

// MsgBroker is a message-broker for async message communication.
type MsgBroker interface {
	// RegisterTopicHandler registers a handler to a topic, with a defined
	// subscription defined by the underlying implementation. Is highly recommended
	// to register handlers in a type-safe way using RegisterHandlers().
	RegisterTopicHandler(topic TopicName, handler TopicHandler, opts ...Option) error

	// PublishMsg publishes a message to the desired topic.
	PublishMsg(ctx context.Context, topicName TopicName, data []byte) error
}

// TopicName is a topic name.
type TopicName string

const (
	// ChannelOpenedTopic is the topic name for channel-opened messages.
	ChannelOpenedTopic TopicName = "channel-opened"
	// BidAcceptedTopic is the topic name for bid-accepted messages.
	BidAcceptedTopic TopicName = "bid-accepted"
	// WinnerUpdatedTopic is the topic name for winner-updated messages.
	WinnerUpdatedTopic TopicName = "winner-updated"
	// PhaseChangedTopic is the topic name for channel-phase-changed messages.
	PhaseChangedTopic TopicName = "channel-phase-changed"
)

// OperationID is a unique identifier for messages.
type OperationID string

func newOperationID() OperationID {
	return OperationID(uuid.New().String())
}

// ChannelOpened is published when both parties opened a channel on the ledger.
type ChannelOpened struct {
	OperationID OperationID    `json:"operationId"`
	Contract    common.Address `json:"contract"`
	Config      channel.Config `json:"config"`
	OpenedAt    time.Time      `json:"openedAt"`
}

// BidAccepted is published when a dual-signed bid was appended to a channel chain.
type BidAccepted struct {
	OperationID OperationID    `json:"operationId"`
	Contract    common.Address `json:"contract"`
	Index       int            `json:"index"`
	Bid         channel.Bid    `json:"bid"`
}

// WinnerUpdated is published when the ledger accepted a winning bid.
type WinnerUpdated struct {
	OperationID OperationID    `json:"operationId"`
	Contract    common.Address `json:"contract"`
	Bid         channel.Bid    `json:"bid"`
}

// PhaseChanged is published when a channel moved to a new lifecycle state.
type PhaseChanged struct {
	OperationID OperationID    `json:"operationId"`
	Contract    common.Address `json:"contract"`
	From        channel.State  `json:"from"`
	To          channel.State  `json:"to"`
}

// ChannelOpenedListener is a handler for channel-opened topic.
type ChannelOpenedListener interface {
	OnChannelOpened(context.Context, ChannelOpened) error
}

// BidAcceptedListener is a handler for bid-accepted topic.
type BidAcceptedListener interface {
	OnBidAccepted(context.Context, BidAccepted) error
}

// WinnerUpdatedListener is a handler for winner-updated topic.
type WinnerUpdatedListener interface {
	OnWinnerUpdated(context.Context, WinnerUpdated) error
}

// PhaseChangedListener is a handler for channel-phase-changed topic.
type PhaseChangedListener interface {
	OnPhaseChanged(context.Context, PhaseChanged) error
}

// RegisterHandlers automatically calls mb.RegisterTopicHandler in the methods that
// s might satisfy on known XXXListener interfaces. This allows to automatically wire
// s to receive messages from topics of implemented handlers.
func RegisterHandlers(mb MsgBroker, s interface{}, opts ...Option) error {
	var countRegistered int
	if l, ok := s.(ChannelOpenedListener); ok {
		countRegistered++
		err := mb.RegisterTopicHandler(ChannelOpenedTopic, func(ctx context.Context, data []byte) error {
			var r ChannelOpened
			if err := json.Unmarshal(data, &r); err != nil {
				return fmt.Errorf("unmarshal channel-opened msg: %s", err)
			}
			if r.OperationID == "" {
				return errors.New("operation-id is empty")
			}
			if err := r.Config.Validate(); err != nil {
				return fmt.Errorf("invalid channel config: %s", err)
			}
			if err := l.OnChannelOpened(ctx, r); err != nil {
				return fmt.Errorf("calling channel-opened handler: %s", err)
			}
			return nil
		}, opts...)
		if err != nil {
			return fmt.Errorf("registering handler for channel-opened topic: %s", err)
		}
	}

	if l, ok := s.(BidAcceptedListener); ok {
		countRegistered++
		err := mb.RegisterTopicHandler(BidAcceptedTopic, func(ctx context.Context, data []byte) error {
			var r BidAccepted
			if err := json.Unmarshal(data, &r); err != nil {
				return fmt.Errorf("unmarshal bid-accepted msg: %s", err)
			}
			if r.OperationID == "" {
				return errors.New("operation-id is empty")
			}
			if r.Index < 0 {
				return fmt.Errorf("bid index is %d and should be non-negative", r.Index)
			}
			if !r.Bid.Sealed() {
				return errors.New("bid is missing signatures")
			}
			if err := l.OnBidAccepted(ctx, r); err != nil {
				return fmt.Errorf("calling bid-accepted handler: %s", err)
			}
			return nil
		}, opts...)
		if err != nil {
			return fmt.Errorf("registering handler for bid-accepted topic: %s", err)
		}
	}

	if l, ok := s.(WinnerUpdatedListener); ok {
		countRegistered++
		err := mb.RegisterTopicHandler(WinnerUpdatedTopic, func(ctx context.Context, data []byte) error {
			var r WinnerUpdated
			if err := json.Unmarshal(data, &r); err != nil {
				return fmt.Errorf("unmarshal winner-updated msg: %s", err)
			}
			if r.OperationID == "" {
				return errors.New("operation-id is empty")
			}
			if r.Bid.IsAskBid {
				return errors.New("winner can't be an ask bid")
			}
			if err := l.OnWinnerUpdated(ctx, r); err != nil {
				return fmt.Errorf("calling winner-updated handler: %s", err)
			}
			return nil
		}, opts...)
		if err != nil {
			return fmt.Errorf("registering handler for winner-updated topic: %s", err)
		}
	}

	if l, ok := s.(PhaseChangedListener); ok {
		countRegistered++
		err := mb.RegisterTopicHandler(PhaseChangedTopic, func(ctx context.Context, data []byte) error {
			var r PhaseChanged
			if err := json.Unmarshal(data, &r); err != nil {
				return fmt.Errorf("unmarshal channel-phase-changed msg: %s", err)
			}
			if r.OperationID == "" {
				return errors.New("operation-id is empty")
			}
			if r.To <= r.From {
				return fmt.Errorf("phase can't move from %s to %s", r.From, r.To)
			}
			if err := l.OnPhaseChanged(ctx, r); err != nil {
				return fmt.Errorf("calling channel-phase-changed handler: %s", err)
			}
			return nil
		}, opts...)
		if err != nil {
			return fmt.Errorf("registering handler for channel-phase-changed topic: %s", err)
		}
	}

	if countRegistered == 0 {
		return errors.New("no handlers were registered")
	}

	return nil
}

// PublishMsgChannelOpened publishes a message to the channel-opened topic.
func PublishMsgChannelOpened(ctx context.Context, mb MsgBroker, cfg channel.Config, openedAt time.Time) error {
	msg := ChannelOpened{
		OperationID: newOperationID(),
		Contract:    cfg.ContractAddress,
		Config:      cfg,
		OpenedAt:    openedAt,
	}
	return publishJSON(ctx, mb, ChannelOpenedTopic, msg)
}

// PublishMsgBidAccepted publishes a message to the bid-accepted topic.
func PublishMsgBidAccepted(ctx context.Context, mb MsgBroker, contract common.Address, index int, b channel.Bid) error {
	msg := BidAccepted{
		OperationID: newOperationID(),
		Contract:    contract,
		Index:       index,
		Bid:         b,
	}
	return publishJSON(ctx, mb, BidAcceptedTopic, msg)
}

// PublishMsgWinnerUpdated publishes a message to the winner-updated topic.
func PublishMsgWinnerUpdated(ctx context.Context, mb MsgBroker, contract common.Address, b channel.Bid) error {
	msg := WinnerUpdated{
		OperationID: newOperationID(),
		Contract:    contract,
		Bid:         b,
	}
	return publishJSON(ctx, mb, WinnerUpdatedTopic, msg)
}

// PublishMsgPhaseChanged publishes a message to the channel-phase-changed topic.
func PublishMsgPhaseChanged(ctx context.Context, mb MsgBroker, contract common.Address, from, to channel.State) error {
	msg := PhaseChanged{
		OperationID: newOperationID(),
		Contract:    contract,
		From:        from,
		To:          to,
	}
	return publishJSON(ctx, mb, PhaseChangedTopic, msg)
}

func publishJSON(ctx context.Context, mb MsgBroker, topic TopicName, msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling %s message: %s", topic, err)
	}
	if err := mb.PublishMsg(ctx, topic, data); err != nil {
		return fmt.Errorf("publishing %s message: %s", topic, err)
	}
	return nil
}
