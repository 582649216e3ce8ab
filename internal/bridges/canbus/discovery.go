package canbus

import (
	"encoding/json"
	"errors"
	"fmt"
)

// DiscoveryDevice is the Home Assistant device block shared by every
// entity the bridge announces, so they group under one device card.
type DiscoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

type switchConfig struct {
	UniqueID          string           `json:"unique_id"`
	Name              string           `json:"name"`
	StateTopic        string           `json:"state_topic"`
	CommandTopic      string           `json:"command_topic"`
	AvailabilityTopic string           `json:"availability_topic,omitempty"`
	Device            *DiscoveryDevice `json:"device,omitempty"`
}

type sensorConfig struct {
	UniqueID          string           `json:"unique_id"`
	Name              string           `json:"name"`
	StateTopic        string           `json:"state_topic"`
	DeviceClass       string           `json:"device_class"`
	UnitOfMeasurement string           `json:"unit_of_measurement"`
	ValueTemplate     string           `json:"value_template"`
	AvailabilityTopic string           `json:"availability_topic,omitempty"`
	Device            *DiscoveryDevice `json:"device,omitempty"`
}

// DiscoveryPublisher announces every device on its retained config topic.
type DiscoveryPublisher struct {
	proto   Protocol
	devices []Device
	pub     Publisher
	qos     byte

	// availabilityTopic and device are optional enrichments.
	availabilityTopic string
	device            *DiscoveryDevice
}

// DiscoveryOptions holds the optional discovery enrichments.
type DiscoveryOptions struct {
	QoS               byte
	AvailabilityTopic string
	Device            *DiscoveryDevice
}

// NewDiscoveryPublisher creates a publisher for the given table.
func NewDiscoveryPublisher(proto Protocol, devices []Device, pub Publisher, opts DiscoveryOptions) *DiscoveryPublisher {
	return &DiscoveryPublisher{
		proto:             proto,
		devices:           devices,
		pub:               pub,
		qos:               opts.QoS,
		availabilityTopic: opts.AvailabilityTopic,
		device:            opts.Device,
	}
}

// ConfigPayload returns the discovery JSON for d.
func (p *DiscoveryPublisher) ConfigPayload(d Device) ([]byte, error) {
	info := d.Info()

	switch dev := d.(type) {
	case Switch:
		return json.Marshal(switchConfig{
			UniqueID:          info.UniqueID,
			Name:              info.DisplayName,
			StateTopic:        p.proto.StateTopic(dev),
			CommandTopic:      p.proto.CommandTopic(dev),
			AvailabilityTopic: p.availabilityTopic,
			Device:            p.device,
		})
	case Sensor:
		return json.Marshal(sensorConfig{
			UniqueID:          info.UniqueID,
			Name:              info.DisplayName,
			StateTopic:        p.proto.StateTopic(dev),
			DeviceClass:       dev.deviceClass(),
			UnitOfMeasurement: dev.unit(),
			ValueTemplate:     "{{ value_json." + dev.valueField() + " }}",
			AvailabilityTopic: p.availabilityTopic,
			Device:            p.device,
		})
	default:
		return nil, fmt.Errorf("unsupported device kind %q", d.Kind())
	}
}

// PublishAll sends one retained config message per device. Every device is
// attempted; failures are joined into the returned error.
func (p *DiscoveryPublisher) PublishAll() error {
	var errs []error
	for _, d := range p.devices {
		payload, err := p.ConfigPayload(d)
		if err != nil {
			errs = append(errs, fmt.Errorf("encode %s config: %w", d.Info().UniqueID, err))
			continue
		}
		if err := p.pub.Publish(p.proto.ConfigTopic(d), payload, p.qos, true); err != nil {
			errs = append(errs, fmt.Errorf("publish %s config: %w", d.Info().UniqueID, err))
		}
	}
	return errors.Join(errs...)
}
