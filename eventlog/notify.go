package eventlog

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/chronicleworks/chronicle/event"
	"github.com/chronicleworks/chronicle/log"
)

const appendTopic = "chronicle.appends"

// Notification announces a durably committed append batch. It is a
// wake-up signal for the projection path: consumers pull the events
// themselves by offset, so a lost notification is recovered by polling.
type Notification struct {
	Stream     event.StreamID `json:"stream"`
	FromOffset int64          `json:"from_offset"`
	ToOffset   int64          `json:"to_offset"`
	Types      []string       `json:"types"`
}

// Notifier is called by log backends after a durable commit, never before
type Notifier interface {
	Notify(ctx context.Context, n Notification)
	Close() error
}

// NopNotifier discards notifications
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notification) {}
func (NopNotifier) Close() error                         { return nil }

// NewChannelNotifier returns a notifier fanning append notifications out
// in-process over a watermill gochannel pub/sub
func NewChannelNotifier() *ChannelNotifier {
	return &ChannelNotifier{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 64},
			watermill.NewStdLogger(false, false),
		),
	}
}

type ChannelNotifier struct {
	pubsub *gochannel.GoChannel
}

// Notify publishes the notification. Failures are logged and swallowed:
// the append has already committed and must not be failed retroactively.
func (n *ChannelNotifier) Notify(ctx context.Context, notification Notification) {
	data, err := json.Marshal(notification)
	if err != nil {
		log.Warn(ctx, "could not marshal append notification", log.F{"error": err.Error()})
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	if err := n.pubsub.Publish(appendTopic, msg); err != nil {
		log.Warn(ctx, "could not publish append notification", log.F{"error": err.Error()})
	}
}

// Subscribe returns a channel of append notifications, closed when the
// context is cancelled
func (n *ChannelNotifier) Subscribe(ctx context.Context) (<-chan Notification, error) {
	msgs, err := n.pubsub.Subscribe(ctx, appendTopic)
	if err != nil {
		return nil, err
	}

	out := make(chan Notification)
	go func() {
		defer close(out)
		for msg := range msgs {
			var notification Notification
			if err := json.Unmarshal(msg.Payload, &notification); err != nil {
				log.Warn(ctx, "discarding malformed append notification", log.F{"error": err.Error()})
				msg.Ack()
				continue
			}
			msg.Ack()
			select {
			case out <- notification:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (n *ChannelNotifier) Close() error {
	return n.pubsub.Close()
}
