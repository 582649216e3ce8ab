package canbus

import (
	"fmt"
	"os"
	"strings"

	"github.com/gosimple/slug"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

// topicUnsafe are the characters a unique id cannot carry: it becomes one
// topic level, so no level separator, no wildcard and no NUL.
const topicUnsafe = "/+#\x00"

// DeviceTable is the static set of devices the bridge serves, loaded once
// at startup from devices.yaml or taken from DefaultDeviceTable.
//
// Example devices.yaml:
//
//	protocol:
//	  status_base: 0x700
//	  command_base: 0x600
//	switches:
//	  - device_id: 0x40
//	    command_slot: 0
//	    heartbeat_offset: 6
//	    unique_id: fez-heater
//	    name: Hydronic Heater/Pump
//	sensors:
//	  - device_id: 0x40
//	    heartbeat_offset: 0
//	    unique_id: fez-heater-input
//	    name: Input Coolant Temp
//
// A unique_id is any string without "/", "+" or "#"; it becomes one level
// of the device's topics.
type DeviceTable struct {
	Protocol Protocol `yaml:"protocol"`
	Switches []Switch `yaml:"switches"`
	Sensors  []Sensor `yaml:"sensors"`
}

// DefaultDeviceTable returns the van's stock wiring: two relays and a
// coolant temperature probe on node 0x40.
func DefaultDeviceTable() *DeviceTable {
	return &DeviceTable{
		Protocol: DefaultProtocol(),
		Switches: []Switch{
			{
				DeviceInfo:  DeviceInfo{DeviceID: 0x40, HeartbeatOffset: 6, UniqueID: "fez-heater", DisplayName: "Hydronic Heater/Pump"},
				CommandSlot: 0,
			},
			{
				DeviceInfo:  DeviceInfo{DeviceID: 0x40, HeartbeatOffset: 7, UniqueID: "fez-eng-preheat", DisplayName: "Engine Preheat"},
				CommandSlot: 1,
			},
		},
		Sensors: []Sensor{
			{
				DeviceInfo: DeviceInfo{DeviceID: 0x40, HeartbeatOffset: 0, UniqueID: "fez-heater-input", DisplayName: "Input Coolant Temp"},
			},
		},
	}
}

// LoadDeviceTable reads a device table file. Protocol fields missing from
// the file keep their defaults. An empty path returns DefaultDeviceTable.
func LoadDeviceTable(path string) (*DeviceTable, error) {
	if path == "" {
		return DefaultDeviceTable(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading device table: %w", err)
	}

	table := &DeviceTable{Protocol: DefaultProtocol()}
	if err := yaml.Unmarshal(data, table); err != nil {
		return nil, fmt.Errorf("parsing device table: %w", err)
	}

	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}

// Devices returns switches followed by sensors, in file order.
func (t *DeviceTable) Devices() []Device {
	devices := make([]Device, 0, len(t.Switches)+len(t.Sensors))
	for _, sw := range t.Switches {
		devices = append(devices, sw)
	}
	for _, s := range t.Sensors {
		devices = append(devices, s)
	}
	return devices
}

// UniqueIDs returns every unique id in Devices order.
func (t *DeviceTable) UniqueIDs() []string {
	return lo.Map(t.Devices(), func(d Device, _ int) string {
		return d.Info().UniqueID
	})
}

// Find looks a device up by unique id.
func (t *DeviceTable) Find(uniqueID string) (Device, bool) {
	return lo.Find(t.Devices(), func(d Device) bool {
		return d.Info().UniqueID == uniqueID
	})
}

// Validate checks the table and reports every problem at once.
func (t *DeviceTable) Validate() error {
	var errs []string

	errs = append(errs, t.validateProtocol()...)

	if len(t.Switches)+len(t.Sensors) == 0 {
		errs = append(errs, "at least one switch or sensor is required")
	}
	for i, sw := range t.Switches {
		errs = append(errs, t.validateDevice(fmt.Sprintf("switches[%d]", i), sw.DeviceInfo, true)...)
	}
	for i, s := range t.Sensors {
		errs = append(errs, t.validateDevice(fmt.Sprintf("sensors[%d]", i), s.DeviceInfo, false)...)
		if s.ValueField != "" && (!slug.IsSlug(s.ValueField) || strings.Contains(s.ValueField, "-")) {
			errs = append(errs, fmt.Sprintf("sensors[%d].value_field %q must be a plain identifier", i, s.ValueField))
		}
	}

	for _, dup := range lo.FindDuplicates(t.UniqueIDs()) {
		errs = append(errs, fmt.Sprintf("unique_id %q is used by more than one device", dup))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidDeviceTable, strings.Join(errs, "; "))
	}
	return nil
}

func (t *DeviceTable) validateProtocol() []string {
	var errs []string
	p := t.Protocol
	if p.DiscoveryPrefix == "" || strings.ContainsAny(p.DiscoveryPrefix, "+#") {
		errs = append(errs, "protocol.discovery_prefix must be a non-empty topic without wildcards")
	}
	if p.StatusBase > maxStandardID {
		errs = append(errs, "protocol.status_base exceeds the 11-bit id range")
	}
	if p.CommandBase > maxStandardID {
		errs = append(errs, "protocol.command_base exceeds the 11-bit id range")
	}
	if p.StatusBase == p.CommandBase {
		errs = append(errs, "protocol.status_base and protocol.command_base must differ")
	}
	return errs
}

func (t *DeviceTable) validateDevice(path string, info DeviceInfo, commandable bool) []string {
	var errs []string

	switch {
	case info.UniqueID == "":
		errs = append(errs, path+".unique_id is required")
	case strings.ContainsAny(info.UniqueID, topicUnsafe):
		errs = append(errs, fmt.Sprintf("%s.unique_id %q is not topic safe (try %q)", path, info.UniqueID, slug.Make(info.UniqueID)))
	}

	if strings.TrimSpace(info.DisplayName) == "" {
		errs = append(errs, path+".name is required")
	}

	if info.HeartbeatOffset < 0 || info.HeartbeatOffset >= MaxFrameData {
		errs = append(errs, fmt.Sprintf("%s.heartbeat_offset %d must be between 0 and %d", path, info.HeartbeatOffset, MaxFrameData-1))
	}

	if t.Protocol.StatusID(info.DeviceID) > maxStandardID {
		errs = append(errs, fmt.Sprintf("%s.device_id 0x%X puts the heartbeat id outside the 11-bit range", path, info.DeviceID))
	}
	if commandable && t.Protocol.CommandID(info.DeviceID) > maxStandardID {
		errs = append(errs, fmt.Sprintf("%s.device_id 0x%X puts the command id outside the 11-bit range", path, info.DeviceID))
	}

	return errs
}
