package stream

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

const relayReconnectDelay = time.Second

// RedisPublisher publishes event envelopes on a Redis channel. Every instance
// running Relay on the same channel delivers them to its local viewers.
type RedisPublisher struct {
	Client  *redis.Client
	Channel string
}

// Publish implements domain.Publisher.
func (p RedisPublisher) Publish(ctx context.Context, projectID string, ev domain.Event) error {
	payload, err := domain.EncodeEvent(projectID, ev)
	if err != nil {
		return err
	}
	return p.Client.Publish(ctx, p.Channel, payload).Err()
}

// Relay subscribes to channel and broadcasts every envelope to the matching
// room of hub until ctx is done. A closed subscription is reopened.
func Relay(ctx context.Context, logger *log.Logger, rc *redis.Client, channel string, hub *Hub) {
	for {
		sub := rc.Subscribe(ctx, channel)
		ch := sub.Channel()
	receive:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break receive
				}
				projectID, ev, err := domain.DecodeEnvelope([]byte(msg.Payload))
				if err != nil {
					logger.WithError(err).Error("unable to parse relayed event")
					continue
				}
				f, err := FrameOf(ev)
				if err != nil {
					logger.WithError(err).Error("unable to render relayed event")
					continue
				}
				n := hub.Broadcast(projectID, f)
				logger.WithFields(log.Fields{
					"event":     f.Event,
					"projectId": projectID,
					"delivered": n,
				}).Debug("relayed event")
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Error("pubsub channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(relayReconnectDelay):
		}
	}
}
