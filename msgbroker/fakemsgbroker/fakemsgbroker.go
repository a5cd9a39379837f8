package fakemsgbroker

import (
	"context"
	"fmt"
	"sync"

	mbroker "github.com/textileio/auction-channel/msgbroker"
)

// FakeMsgBroker is an in-memory msgbroker.MsgBroker. Published messages are kept
// for inspection and delivered synchronously to registered handlers.
type FakeMsgBroker struct {
	lock          sync.Mutex
	topicMessages map[mbroker.TopicName][][]byte
	handlers      map[mbroker.TopicName][]mbroker.TopicHandler
}

var _ mbroker.MsgBroker = (*FakeMsgBroker)(nil)

// New returns a new FakeMsgBroker.
func New() *FakeMsgBroker {
	return &FakeMsgBroker{
		topicMessages: map[mbroker.TopicName][][]byte{},
		handlers:      map[mbroker.TopicName][]mbroker.TopicHandler{},
	}
}

// RegisterTopicHandler implements msgbroker.MsgBroker.
func (b *FakeMsgBroker) RegisterTopicHandler(
	topicName mbroker.TopicName,
	handler mbroker.TopicHandler,
	opts ...mbroker.Option) error {
	if _, err := mbroker.ApplyRegisterHandlerOptions(opts...); err != nil {
		return err
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	b.handlers[topicName] = append(b.handlers[topicName], handler)
	return nil
}

// PublishMsg implements msgbroker.MsgBroker.
func (b *FakeMsgBroker) PublishMsg(ctx context.Context, topicName mbroker.TopicName, data []byte) error {
	b.lock.Lock()
	b.topicMessages[topicName] = append(b.topicMessages[topicName], data)
	handlers := append([]mbroker.TopicHandler(nil), b.handlers[topicName]...)
	b.lock.Unlock()

	for _, h := range handlers {
		if err := h(ctx, data); err != nil {
			return fmt.Errorf("handling %s message: %s", topicName, err)
		}
	}
	return nil
}

// Helpers for tests

func (b *FakeMsgBroker) TotalPublished() int {
	b.lock.Lock()
	defer b.lock.Unlock()

	var count int
	for _, msgs := range b.topicMessages {
		count += len(msgs)
	}

	return count
}

func (b *FakeMsgBroker) TotalPublishedTopic(name mbroker.TopicName) int {
	b.lock.Lock()
	defer b.lock.Unlock()

	return len(b.topicMessages[name])
}

func (b *FakeMsgBroker) GetMsg(name mbroker.TopicName, idx int) ([]byte, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	topic := b.topicMessages[name]
	if idx >= len(topic) {
		return nil, fmt.Errorf("topic queue has length %d smaller than idx access %d", len(topic), idx)
	}

	return topic[idx], nil
}
