package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"
)

// NewValkeyClient connects to valkey and checks the connection.
func NewValkeyClient(addr, password string) (valkey.Client, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{addr},
		Password:    password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pingCmd := client.B().Ping().Build()
	if err := client.Do(ctx, pingCmd).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping valkey: %w", err)
	}

	return client, nil
}

// ValkeyBroker implements Publisher and Broker over valkey pub/sub.
type ValkeyBroker struct {
	client valkey.Client
}

func NewValkeyBroker(client valkey.Client) *ValkeyBroker {
	return &ValkeyBroker{client: client}
}

func (b *ValkeyBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	pubCmd := b.client.B().Publish().
		Channel(channel).
		Message(valkey.BinaryString(payload)).
		Build()

	if err := b.client.Do(ctx, pubCmd).Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// Listen subscribes on a dedicated connection and blocks until ctx is done
// or the connection is lost.
func (b *ValkeyBroker) Listen(ctx context.Context, channel string, ready func(), deliver func(payload []byte)) error {
	conn, release := b.client.Dedicate()
	defer release()

	wait := conn.SetPubSubHooks(valkey.PubSubHooks{
		OnMessage: func(m valkey.PubSubMessage) {
			deliver([]byte(m.Message))
		},
		OnSubscription: func(s valkey.PubSubSubscription) {
			if s.Kind == "subscribe" && s.Channel == channel {
				ready()
			}
		},
	})

	subCmd := conn.B().Subscribe().Channel(channel).Build()
	if err := conn.Do(ctx, subCmd).Error(); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	select {
	case <-ctx.Done():
		unsubCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		conn.Do(unsubCtx, conn.B().Unsubscribe().Channel(channel).Build())
		conn.SetPubSubHooks(valkey.PubSubHooks{})
		return ctx.Err()
	case err := <-wait:
		if err == nil {
			err = fmt.Errorf("subscription to %s closed", channel)
		}
		return err
	}
}

// Ping checks that valkey answers.
func (b *ValkeyBroker) Ping(ctx context.Context) error {
	if err := b.client.Do(ctx, b.client.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("valkey unreachable: %w", err)
	}
	return nil
}
