// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package events

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DefaultTopic is the watermill topic stream events are published on.
const DefaultTopic = "chat.stream"

// WatermillSink publishes events as JSON messages on a watermill topic, so
// any number of subscribers can render the same stream.
type WatermillSink struct {
	publisher message.Publisher
	topic     string
}

// NewWatermillSink creates a sink publishing to topic.
func NewWatermillSink(publisher message.Publisher, topic string) *WatermillSink {
	if topic == "" {
		topic = DefaultTopic
	}
	return &WatermillSink{publisher: publisher, topic: topic}
}

// PublishEvent serializes the event and publishes it.
func (w *WatermillSink) PublishEvent(event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := w.publisher.Publish(w.topic, msg); err != nil {
		log.Error().Err(err).Str("topic", w.topic).Msg("EVENT_PUBLISH_FAILED")
		return errors.Wrap(err, "publish event")
	}

	log.Trace().Str("topic", w.topic).Str("event_type", string(event.Type)).Int("seq", event.Seq).Msg("EVENT_PUBLISHED")
	return nil
}

// Consume subscribes to topic and hands every decoded event to sink until
// the subscription closes or ctx is done. Each message is acked once sink
// returns. The returned channel yields the first sink error, if any, and is
// closed when consumption stops.
//
// Subscribe before publishing: messages published with no subscriber are
// dropped by in-memory pub/subs.
func Consume(ctx context.Context, subscriber message.Subscriber, topic string, sink Sink) (<-chan error, error) {
	if topic == "" {
		topic = DefaultTopic
	}
	messages, err := subscriber.Subscribe(ctx, topic)
	if err != nil {
		return nil, errors.Wrapf(err, "subscribe to %s", topic)
	}

	done := make(chan error, 1)
	go func() {
		defer close(done)
		var firstErr error
		for msg := range messages {
			var event Event
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				log.Error().Err(err).Str("message_uuid", msg.UUID).Msg("EVENT_DECODE_FAILED")
			} else if err := sink.PublishEvent(event); err != nil && firstErr == nil {
				log.Error().Err(err).Str("event_type", string(event.Type)).Msg("EVENT_SINK_FAILED")
				firstErr = err
			}
			// Publishers may block until ack, so every message is acked.
			msg.Ack()
		}
		if firstErr != nil {
			done <- firstErr
		}
	}()
	return done, nil
}

var _ Sink = (*WatermillSink)(nil)
