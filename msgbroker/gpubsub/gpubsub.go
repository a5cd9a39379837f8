package gpubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/textileio/auction-channel/msgbroker"
	logging "github.com/textileio/go-log/v2"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/global"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

var log = logging.Logger("msgbroker/gpubsub")

// PubsubMsgBroker is a msgbroker.MsgBroker backed by Google Cloud Pub/Sub.
type PubsubMsgBroker struct {
	topicPrefix string
	subsName    string

	client          *pubsub.Client
	clientCtx       context.Context
	clientCtxCancel context.CancelFunc
	receivers       sync.WaitGroup

	topicCacheLock sync.Mutex
	topicCache     map[msgbroker.TopicName]*pubsub.Topic

	metrics metricsCollector
}

var _ msgbroker.MsgBroker = (*PubsubMsgBroker)(nil)

// New returns a new PubsubMsgBroker. If the PUBSUB_EMULATOR_HOST env variable is set,
// projectID and apiKey may be empty. Every topic and subscription name is prefixed with
// topicPrefix, and subscriptions are named after subsName.
func New(projectID, apiKey, topicPrefix, subsName string) (*PubsubMsgBroker, error) {
	if subsName == "" {
		return nil, errors.New("subscription name is empty")
	}
	var opts []option.ClientOption
	if apiKey != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(apiKey)))
	}
	if projectID == "" {
		projectID = "test"
	}

	ctx, cancel := context.WithCancel(context.Background())
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating pubsub client: %s", err)
	}

	p := &PubsubMsgBroker{
		topicPrefix:     topicPrefix,
		subsName:        subsName,
		client:          client,
		clientCtx:       ctx,
		clientCtxCancel: cancel,
		topicCache:      map[msgbroker.TopicName]*pubsub.Topic{},
		metrics:         noopMetricsCollector{},
	}
	p.initMetrics(metric.Must(global.Meter("gpubsub")))

	return p, nil
}

// RegisterTopicHandler implements msgbroker.MsgBroker.
func (p *PubsubMsgBroker) RegisterTopicHandler(
	topicName msgbroker.TopicName,
	handler msgbroker.TopicHandler,
	opts ...msgbroker.Option) error {
	config, err := msgbroker.ApplyRegisterHandlerOptions(opts...)
	if err != nil {
		return fmt.Errorf("applying options: %s", err)
	}

	topic, err := p.getTopic(topicName)
	if err != nil {
		return fmt.Errorf("get topic: %s", err)
	}

	subName := p.topicPrefix + p.subsName + "-" + string(topicName)
	var sub *pubsub.Subscription
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	it := topic.Subscriptions(ctx)
	for {
		subi, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return fmt.Errorf("looking for subscription: %s", err)
		}
		if subi.ID() == subName {
			sub = subi
			break
		}
	}
	if sub == nil {
		log.Warnf("creating subscription %s for topic %s", subName, topicName)
		sub, err = p.client.CreateSubscription(ctx, subName, pubsub.SubscriptionConfig{
			Topic:       topic,
			AckDeadline: config.AckDeadline,
		})
		if err != nil {
			return fmt.Errorf("creating subscription: %s", err)
		}
	}

	p.receivers.Add(1)
	go func() {
		defer p.receivers.Done()
		err := sub.Receive(p.clientCtx, func(ctx context.Context, m *pubsub.Message) {
			start := time.Now()
			err := handler(ctx, m.Data)
			p.metrics.onHandle(ctx, string(topicName), time.Since(start), err)
			if err != nil {
				log.Errorf("handling message %s from topic %s: %s", m.ID, topicName, err)
				m.Nack()
				return
			}
			m.Ack()
		})
		if err != nil {
			log.Errorf("receive handler subscription %s, topic %s: %s", subName, topicName, err)
		}
	}()

	log.Debugf("registered handler for %s:%s", subName, topicName)
	return nil
}

// PublishMsg implements msgbroker.MsgBroker.
func (p *PubsubMsgBroker) PublishMsg(ctx context.Context, topicName msgbroker.TopicName, data []byte) (err error) {
	defer func() { p.metrics.onPublish(ctx, string(topicName), err) }()

	topic, err := p.getTopic(topicName)
	if err != nil {
		return fmt.Errorf("get topic: %s", err)
	}
	pr := topic.Publish(ctx, &pubsub.Message{Data: data})
	if _, err := pr.Get(ctx); err != nil {
		return fmt.Errorf("publishing to pubsub: %s", err)
	}
	return nil
}

func (p *PubsubMsgBroker) getTopic(name msgbroker.TopicName) (*pubsub.Topic, error) {
	p.topicCacheLock.Lock()
	defer p.topicCacheLock.Unlock()
	topic, ok := p.topicCache[name]
	if ok {
		return topic, nil
	}

	topicName := p.topicPrefix + string(name)
	topic = p.client.Topic(topicName)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	exist, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check topic exists: %s", err)
	}
	if !exist {
		log.Warnf("creating topic %s", topicName)
		topic, err = p.client.CreateTopic(ctx, topicName)
		if err != nil {
			return nil, fmt.Errorf("creating topic %s: %s", topicName, err)
		}
	}
	p.topicCache[name] = topic

	return topic, nil
}

// Close stops receiving messages, flushes pending publishes and closes the client.
func (p *PubsubMsgBroker) Close() error {
	p.clientCtxCancel()
	p.receivers.Wait()

	p.topicCacheLock.Lock()
	for _, t := range p.topicCache {
		t.Stop()
	}
	p.topicCacheLock.Unlock()

	if err := p.client.Close(); err != nil {
		return fmt.Errorf("closing pubsub client: %s", err)
	}
	return nil
}
