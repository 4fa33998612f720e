package host

import (
	"context"
	"fmt"
	"log/slog"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/probe-lab/beacon-sync/tele"
)

type TopicHandler = func(context.Context, *pubsub.Message) error

// NoopHandler drains a topic we have to be subscribed to but don't act on.
func NoopHandler(context.Context, *pubsub.Message) error {
	return nil
}

// TopicSubscription is a suture service that feeds the messages of a
// subscription to its handler. Handler errors are logged and the
// subscription continues.
type TopicSubscription struct {
	Topic   string
	LocalID peer.ID
	Sub     *pubsub.Subscription
	Handler TopicHandler
	Logger  *slog.Logger
}

func (t *TopicSubscription) logger() *slog.Logger {
	if t.Logger == nil {
		return slog.Default()
	}
	return t.Logger
}

func (t *TopicSubscription) Serve(ctx context.Context) error {
	log := t.logger().With("topic", t.Topic)
	log.Debug("Reading gossip subscription")
	defer t.Sub.Cancel()

	for {
		msg, err := t.Sub.Next(ctx)
		if ctx.Err() != nil {
			return nil
		} else if err != nil {
			return fmt.Errorf("next gossip message of %s: %w", t.Topic, err)
		}

		// messages we published ourselves
		if msg.ReceivedFrom == t.LocalID {
			continue
		}

		if err := t.Handler(ctx, msg); err != nil {
			log.Warn("Failed handling gossip message", tele.LogAttrPeerID(msg.ReceivedFrom), tele.LogAttrError(err))
		}
	}
}
