package queue

import (
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	natsgo "github.com/nats-io/nats.go"

	"github.com/stackwatch/dbsentry/pkg/config"
)

// Queue drivers.
const (
	DriverChannel = "channel"
	DriverNATS    = "nats"
)

// Broker owns the publisher/subscriber pair for the configured driver. The
// channel driver is a single-process in-memory queue for development; the
// nats driver is durable JetStream with redelivery and broker-side dedup.
type Broker struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	driver     string
}

// NewBroker builds a broker from queue configuration. For the channel driver
// the publisher and subscriber share one gochannel instance, which is what
// makes the in-process roundtrip work.
func NewBroker(cfg config.QueueConfig, logger watermill.LoggerAdapter) (*Broker, error) {
	if logger == nil {
		logger = watermill.NewStdLogger(false, false)
	}

	switch cfg.Driver {
	case DriverChannel:
		ch := gochannel.NewGoChannel(gochannel.Config{
			// Persistent so a subscriber attached after publish still sees
			// buffered messages during startup.
			OutputChannelBuffer: 64,
			Persistent:          true,
		}, logger)
		return &Broker{Publisher: ch, Subscriber: ch, driver: cfg.Driver}, nil

	case DriverNATS:
		pub, err := newNATSPublisher(cfg, logger)
		if err != nil {
			return nil, err
		}
		sub, err := newNATSSubscriber(cfg, logger)
		if err != nil {
			pub.Close()
			return nil, err
		}
		return &Broker{Publisher: pub, Subscriber: sub, driver: cfg.Driver}, nil

	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Driver)
	}
}

// Driver returns the active driver name.
func (b *Broker) Driver() string {
	return b.driver
}

// Close shuts down both halves of the broker.
func (b *Broker) Close() error {
	if b.driver == DriverChannel {
		// Same instance on both sides; close once.
		return b.Publisher.Close()
	}
	pubErr := b.Publisher.Close()
	subErr := b.Subscriber.Close()
	if pubErr != nil {
		return pubErr
	}
	return subErr
}

func natsConnectOptions(logger watermill.LoggerAdapter) []natsgo.Option {
	return []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2 * time.Second),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", watermill.LogFields{
				"url": nc.ConnectedUrl(),
			})
		}),
	}
}

func newNATSPublisher(cfg config.QueueConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	wmConfig := wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsConnectOptions(logger),
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: true,
			// Message UUID becomes Nats-Msg-Id so the broker drops duplicate
			// publishes of the same job.
			TrackMsgId: true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}

	pub, err := wmNats.NewPublisher(wmConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS publisher: %w", err)
	}
	return pub, nil
}

func newNATSSubscriber(cfg config.QueueConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	subOpts := []natsgo.SubOpt{
		natsgo.MaxDeliver(10),
		natsgo.MaxAckPending(64),
		natsgo.AckWait(30 * time.Second),
		natsgo.DeliverNew(),
	}

	autoProvision := true
	if cfg.StreamName != "" {
		subOpts = append(subOpts, natsgo.BindStream(cfg.StreamName))
		autoProvision = false
	}

	wmConfig := wmNats.SubscriberConfig{
		URL:              cfg.URL,
		QueueGroupPrefix: "dbsentry-workers",
		SubscribersCount: 1,
		AckWaitTimeout:   30 * time.Second,
		CloseTimeout:     10 * time.Second,
		NatsOptions:      natsConnectOptions(logger),
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:         false,
			AutoProvision:    autoProvision,
			AckAsync:         false,
			SubscribeOptions: subOpts,
			DurablePrefix:    cfg.DurableName,
		},
	}

	sub, err := wmNats.NewSubscriber(wmConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS subscriber: %w", err)
	}
	return sub, nil
}
