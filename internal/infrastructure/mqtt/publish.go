package mqtt

import (
	"fmt"
)

// maxPayloadSize caps a single message. Discovery configs are the largest
// payload the bridge sends and stay well under 1KB.
const maxPayloadSize = 1 << 20 // 1MB

// Publish sends payload to topic and waits for the broker to acknowledge
// it at the given QoS. Discovery configs go out retained so Home Assistant
// finds them after a restart; entity states do not.
//
//	err := client.Publish("homeassistant/switch/fez-heater/state", []byte("ON"), 0, false)
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := validatePublishTopic(topic); err != nil {
		return err
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}
