package adapter

import (
	evbus "github.com/asaskevich/EventBus"

	"github.com/BullionBear/aggbook/internal/model"
)

// Bus carries adapter lifecycle events. The ops HTTP server subscribes to it
// to report per-venue connection state.
var Bus = evbus.New()

const (
	TopicConnected    = "adapter:connected"
	TopicDisconnected = "adapter:disconnected"
	TopicResync       = "adapter:resync"
)

func PublishEvent(topic string, exchange model.Exchange) {
	Bus.Publish(topic, exchange)
}
