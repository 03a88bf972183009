package messaging

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/curious-entropy/cloud-smoke/pkg/config"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	AttributeRunID = "run_id"
	AttributeIndex = "index"
)

// Messenger publishes to one topic and pulls from one subscription of the same project
type Messenger struct {
	Config *config.PubSubConfig
	RunID  string

	client       *pubsub.Client
	topic        *pubsub.Topic
	subscription *pubsub.Subscription
}

func NewMessenger(cfg *config.PubSubConfig, runID string) *Messenger {
	return &Messenger{Config: cfg, RunID: runID}
}

func debugUnaryInterceptor(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	start := time.Now()
	log.Info().Str("method", method).Msg(">>> [PUBSUB_REQUEST]")
	err := invoker(ctx, method, req, reply, cc, opts...)
	if err != nil {
		log.Error().Err(err).Str("method", method).Msg("PUBSUB_ERROR")
		return err
	}
	log.Info().Str("method", method).Dur("duration", time.Since(start)).Msg("<<< [PUBSUB_RESPONSE]")
	return nil
}

func (m *Messenger) clientOptions() []option.ClientOption {
	var clientOptions []option.ClientOption
	if m.Config.Endpoint != "" {
		// emulator, plain text gRPC without authentication
		clientOptions = append(clientOptions,
			option.WithEndpoint(m.Config.Endpoint),
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	} else if m.Config.CredentialsJSON != "" {
		clientOptions = append(clientOptions, option.WithCredentialsJSON([]byte(m.Config.CredentialsJSON)))
	} else if m.Config.SkipCredentials {
		clientOptions = append(clientOptions, option.WithoutAuthentication())
	} else if m.Config.CredentialsFile != "" {
		clientOptions = append(clientOptions, option.WithCredentialsFile(m.Config.CredentialsFile))
	}
	if m.Config.Debug {
		clientOptions = append(clientOptions, option.WithGRPCDialOption(grpc.WithChainUnaryInterceptor(debugUnaryInterceptor)))
	}
	return clientOptions
}

// Connect creates the client, topic and subscription handles, with create_if_missing both are created when absent
func (m *Messenger) Connect(ctx context.Context) error {
	var err error
	m.client, err = pubsub.NewClient(ctx, m.Config.ProjectID, m.clientOptions()...)
	if err != nil {
		return errors.Wrapf(err, "can't create pubsub client for project %s", m.Config.ProjectID)
	}
	m.topic = m.client.Topic(m.Config.Topic)
	m.subscription = m.client.Subscription(m.Config.Subscription)
	if m.Config.MaxOutstandingMessages > 0 {
		m.subscription.ReceiveSettings.MaxOutstandingMessages = m.Config.MaxOutstandingMessages
	}
	if !m.Config.CreateIfMissing {
		return nil
	}
	exists, err := m.topic.Exists(ctx)
	if err != nil {
		return errors.Wrapf(err, "can't check topic %s", m.Config.Topic)
	}
	if !exists {
		if m.topic, err = m.client.CreateTopic(ctx, m.Config.Topic); err != nil {
			return errors.Wrapf(err, "can't create topic %s", m.Config.Topic)
		}
		log.Info().Str("topic", m.Config.Topic).Msg("topic created")
	}
	exists, err = m.subscription.Exists(ctx)
	if err != nil {
		return errors.Wrapf(err, "can't check subscription %s", m.Config.Subscription)
	}
	if !exists {
		sub, err := m.client.CreateSubscription(ctx, m.Config.Subscription, pubsub.SubscriptionConfig{Topic: m.topic})
		if err != nil {
			return errors.Wrapf(err, "can't create subscription %s", m.Config.Subscription)
		}
		sub.ReceiveSettings = m.subscription.ReceiveSettings
		m.subscription = sub
		log.Info().Str("subscription", m.Config.Subscription).Msg("subscription created")
	}
	return nil
}

func (m *Messenger) Close() error {
	if m.topic != nil {
		m.topic.Stop()
	}
	if m.client == nil {
		return nil
	}
	return m.client.Close()
}

// TopicName - fully qualified topic name
func (m *Messenger) TopicName() string {
	return fmt.Sprintf("projects/%s/topics/%s", m.Config.ProjectID, m.Config.Topic)
}

// SubscriptionName - fully qualified subscription name
func (m *Messenger) SubscriptionName() string {
	return fmt.Sprintf("projects/%s/subscriptions/%s", m.Config.ProjectID, m.Config.Subscription)
}

func (m *Messenger) MessageData(i int) string {
	return fmt.Sprintf(m.Config.MessageTemplate, i)
}

// Publish sends n messages one by one, each call waits for the server assigned id before the next send
func (m *Messenger) Publish(ctx context.Context, n int, onPublished func(i int, id string)) ([]string, error) {
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		msg := &pubsub.Message{
			Data: []byte(m.MessageData(i)),
			Attributes: map[string]string{
				AttributeRunID: m.RunID,
				AttributeIndex: strconv.Itoa(i),
			},
		}
		id, err := m.topic.Publish(ctx, msg).Get(ctx)
		if err != nil {
			return ids, errors.Wrapf(err, "can't publish message %d to %s", i, m.TopicName())
		}
		ids = append(ids, id)
		if onPublished != nil {
			onPublished(i, id)
		}
	}
	return ids, nil
}

// Receive pulls for timeout and acks every delivered message after onMessage returns.
// It returns once all callbacks finished, reaching the timeout is not an error.
func (m *Messenger) Receive(ctx context.Context, timeout time.Duration, onMessage func(msg *pubsub.Message)) (int64, error) {
	var received atomic.Int64
	receiveCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := m.subscription.Receive(receiveCtx, func(ctx context.Context, msg *pubsub.Message) {
		if onMessage != nil {
			onMessage(msg)
		}
		msg.Ack()
		received.Add(1)
	})
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return received.Load(), errors.Wrapf(err, "receive from %s failed", m.SubscriptionName())
	}
	if ctx.Err() != nil {
		return received.Load(), ctx.Err()
	}
	return received.Load(), nil
}
