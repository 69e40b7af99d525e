package airquality

import (
	"github.com/thecoderpanda/ard-server/internal/modules/airquality/service"
	"github.com/thecoderpanda/ard-server/internal/mqtt"
)

// MQTTSubscriber interface for attaching message handlers
type MQTTSubscriber interface {
	SetMessageHandler(handler mqtt.MessageHandler)
}

// RegisterMQTTHandler routes LoRa envelopes from the broker into the same
// ingestion path as POST /api/lora/data.
func RegisterMQTTHandler(subscriber MQTTSubscriber, ingestor *service.Ingestor) {
	subscriber.SetMessageHandler(ingestor.HandleMQTTMessage)
}
