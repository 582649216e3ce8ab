package canbus

// Kind identifies a device variant and doubles as the Home Assistant
// component name in discovery topics.
type Kind string

// Device kinds.
const (
	KindSwitch Kind = "switch"
	KindSensor Kind = "sensor"
)

// Sensor defaults match the coolant temperature probe the bridge was
// first built for.
const (
	DefaultSensorDeviceClass = "temperature"
	DefaultSensorUnit        = "°F"
	DefaultSensorValueField  = "temperature"
)

// DeviceInfo holds the fields shared by every device variant.
type DeviceInfo struct {
	// DeviceID is the bus node id. Heartbeats arrive on StatusBase+DeviceID.
	DeviceID uint32 `yaml:"device_id"`

	// HeartbeatOffset is the byte index in the heartbeat payload holding
	// this device's value.
	HeartbeatOffset int `yaml:"heartbeat_offset"`

	// UniqueID is the Home Assistant unique id and the topic segment.
	UniqueID string `yaml:"unique_id"`

	// DisplayName is the friendly name shown in Home Assistant.
	DisplayName string `yaml:"name"`
}

// Info returns the shared fields.
func (d DeviceInfo) Info() DeviceInfo { return d }

// Device is either a Switch or a Sensor. The set is closed: callers
// dispatch with a type switch and no other package can add a variant.
type Device interface {
	Kind() Kind
	Info() DeviceInfo
	isDevice()
}

// Switch is a relay channel on a node. Its state comes from the heartbeat
// and it is toggled by a command frame addressed to CommandSlot.
type Switch struct {
	DeviceInfo  `yaml:",inline"`
	CommandSlot byte `yaml:"command_slot"`
}

// Kind implements Device.
func (Switch) Kind() Kind { return KindSwitch }
func (Switch) isDevice()  {}

// Sensor is a read-only heartbeat value.
type Sensor struct {
	DeviceInfo `yaml:",inline"`

	// DeviceClass, Unit and ValueField feed the discovery config. Empty
	// values fall back to the temperature defaults.
	DeviceClass string `yaml:"device_class,omitempty"`
	Unit        string `yaml:"unit,omitempty"`
	ValueField  string `yaml:"value_field,omitempty"`
}

// Kind implements Device.
func (Sensor) Kind() Kind { return KindSensor }
func (Sensor) isDevice()  {}

func (s Sensor) deviceClass() string {
	if s.DeviceClass == "" {
		return DefaultSensorDeviceClass
	}
	return s.DeviceClass
}

func (s Sensor) unit() string {
	if s.Unit == "" {
		return DefaultSensorUnit
	}
	return s.Unit
}

func (s Sensor) valueField() string {
	if s.ValueField == "" {
		return DefaultSensorValueField
	}
	return s.ValueField
}
