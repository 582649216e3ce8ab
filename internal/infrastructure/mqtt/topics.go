package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the base for topics owned by the bridge process itself.
// Entity topics live in the Home Assistant discovery namespace instead.
const TopicPrefix = "can2mqtt"

// Topics provides builders for the bridge's own MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.Health("van")       // "can2mqtt/van/health"
//	topics.Availability("van") // "can2mqtt/van/availability"
type Topics struct{}

// Availability returns the retained online/offline topic for a bridge.
//
// Example: can2mqtt/van/availability
func (Topics) Availability(bridgeID string) string {
	return fmt.Sprintf("%s/%s/availability", TopicPrefix, bridgeID)
}

// Health returns the retained health status topic for a bridge.
//
// Example: can2mqtt/van/health
func (Topics) Health(bridgeID string) string {
	return fmt.Sprintf("%s/%s/health", TopicPrefix, bridgeID)
}

// validatePublishTopic rejects topics a broker would refuse for PUBLISH.
func validatePublishTopic(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%w: wildcards are not allowed in publish topic %q", ErrInvalidTopic, topic)
	}
	return nil
}
