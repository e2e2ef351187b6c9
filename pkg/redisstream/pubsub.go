// Package redisstream builds the Watermill publisher/subscriber pair used to
// fan broker events out to websocket rooms, backed by Redis Streams when
// enabled and by an in-process channel otherwise.
package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const DefaultStream = "pfwidget.chat"

type PubSub struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	// Topic is the stream name events are published on.
	Topic  string
	client *redis.Client
}

// Build returns a Redis Streams backed PubSub when s.Enabled is set, and an
// in-memory gochannel otherwise.
func Build(ctx context.Context, s Settings, logger watermill.LoggerAdapter) (*PubSub, error) {
	topic := s.Stream
	if topic == "" {
		topic = DefaultStream
	}
	if !s.Enabled {
		ch := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 256,
			// keeps per-topic delivery in publish order
			BlockPublishUntilSubscriberAck: true,
		}, logger)
		return &PubSub{Publisher: ch, Subscriber: ch, Topic: topic}, nil
	}

	group := s.Group
	if group == "" {
		group = "pfwidget-broker-" + uuid.NewString()
	}
	consumer := s.Consumer
	if consumer == "" {
		consumer = uuid.NewString()
	}

	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "redisstream: ping %s", s.Addr)
	}
	if err := EnsureGroupAtTail(ctx, client, topic, group); err != nil {
		_ = client.Close()
		return nil, err
	}

	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redisstream: publisher")
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: group,
		Consumer:      consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "redisstream: subscriber")
	}
	log.Info().Str("component", "redisstream").Str("addr", s.Addr).Str("stream", topic).Str("group", group).Msg("using redis streams transport")
	return &PubSub{Publisher: pub, Subscriber: sub, Topic: topic, client: client}, nil
}

func (p *PubSub) Close() error {
	if p == nil {
		return nil
	}
	var firstErr error
	if p.Subscriber != nil {
		if err := p.Subscriber.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	// gochannel is both ends; closing it twice is harmless
	if p.Publisher != nil {
		if err := p.Publisher.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.client != nil {
		if err := p.client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// EnsureGroupAtTail creates the consumer group for a given stream at the tail ($) if it doesn't exist.
// This prevents full historical replay on first subscribe.
func EnsureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// Ignore BUSYGROUP errors (group already exists)
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "redisstream: create group %s on %s", group, stream)
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
