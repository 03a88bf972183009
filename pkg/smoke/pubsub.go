package smoke

import (
	"context"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog/log"
)

// RunPubSub publishes messages_count messages and then drains the subscription for receive_timeout
func (s *Smoke) RunPubSub(ctx context.Context) (int, error) {
	log.Info().Msg("Begin.")
	published, err := s.Publish(ctx)
	if err != nil {
		return published, err
	}
	if _, err = s.Receive(ctx); err != nil {
		return published, err
	}
	log.Info().Msg("Done.")
	return published, nil
}

func (s *Smoke) Publish(ctx context.Context) (int, error) {
	if err := s.connectMessenger(ctx); err != nil {
		return 0, err
	}
	ids, err := s.messenger.Publish(ctx, s.cfg.PubSub.MessagesCount, func(i int, id string) {
		log.Info().Msgf("Published message %d, result = %s.", i, id)
	})
	return len(ids), err
}

// Receive acks everything delivered within receive_timeout, zero messages is a normal outcome
func (s *Smoke) Receive(ctx context.Context) (int, error) {
	if err := s.connectMessenger(ctx); err != nil {
		return 0, err
	}
	log.Info().Msgf("Listening for messages on: %s.", s.cfg.PubSub.Subscription)
	received, err := s.messenger.Receive(ctx, s.cfg.PubSub.ReceiveDuration, func(msg *pubsub.Message) {
		log.Info().Str("id", msg.ID).Msgf("Received message, data = %s.", msg.Data)
	})
	if err != nil {
		return int(received), err
	}
	log.Info().Int64("received", received).Msg("receive window closed")
	return int(received), nil
}
