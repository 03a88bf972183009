package smoke

import (
	"context"
	"fmt"

	"github.com/curious-entropy/cloud-smoke/pkg/config"
	"github.com/curious-entropy/cloud-smoke/pkg/messaging"
	"github.com/curious-entropy/cloud-smoke/pkg/storage"
	"github.com/curious-entropy/cloud-smoke/pkg/utils"
	"github.com/rs/zerolog/log"
)

// Smoke runs the messaging and storage checks, clients are created lazily by the first command that needs them
type Smoke struct {
	cfg       *config.Config
	dst       *storage.Destination
	messenger *messaging.Messenger
	RunID     string
}

func NewSmoke(cfg *config.Config) *Smoke {
	return &Smoke{
		cfg:   cfg,
		RunID: utils.NewRunID(),
	}
}

func (s *Smoke) connectStorage(ctx context.Context) error {
	if s.dst != nil {
		return nil
	}
	if err := config.ValidateStorageConfig(s.cfg); err != nil {
		return err
	}
	dst, err := storage.NewRemoteStorage(s.cfg, map[string]string{messaging.AttributeRunID: s.RunID})
	if err != nil {
		return err
	}
	if err := dst.Connect(ctx); err != nil {
		return fmt.Errorf("can't connect to %s: %v", dst.Kind(), err)
	}
	s.dst = dst
	return nil
}

func (s *Smoke) connectMessenger(ctx context.Context) error {
	if s.messenger != nil {
		return nil
	}
	if err := config.ValidatePubSubConfig(s.cfg); err != nil {
		return err
	}
	messenger := messaging.NewMessenger(&s.cfg.PubSub, s.RunID)
	if err := messenger.Connect(ctx); err != nil {
		_ = messenger.Close()
		return err
	}
	s.messenger = messenger
	return nil
}

// Close releases every client opened by the commands
func (s *Smoke) Close(ctx context.Context) {
	if s.dst != nil {
		if err := s.dst.Close(ctx); err != nil {
			log.Warn().Msgf("can't close connection to %s: %v", s.dst.Kind(), err)
		}
		s.dst = nil
	}
	if s.messenger != nil {
		if err := s.messenger.Close(); err != nil {
			log.Warn().Msgf("can't close pubsub client: %v", err)
		}
		s.messenger = nil
	}
}
