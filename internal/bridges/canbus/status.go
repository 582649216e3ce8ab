package canbus

// DeviceStatus is a flat description of one device for listings and the
// status API.
type DeviceStatus struct {
	UniqueID     string `json:"unique_id"`
	Name         string `json:"name"`
	Kind         Kind   `json:"kind"`
	DeviceID     uint32 `json:"device_id"`
	Offset       int    `json:"heartbeat_offset"`
	StatusID     uint32 `json:"status_id"`
	CommandID    uint32 `json:"command_id,omitempty"`
	CommandSlot  *byte  `json:"command_slot,omitempty"`
	ConfigTopic  string `json:"config_topic"`
	StateTopic   string `json:"state_topic"`
	CommandTopic string `json:"command_topic,omitempty"`

	// Value is the raw heartbeat byte, or StateUnknown.
	Value int `json:"value"`

	// State is the last payload published, empty while Value is unknown.
	State string `json:"state,omitempty"`
}

// DescribeDevices lists devices with their derived ids and topics. A nil
// store reports every value as unknown.
func DescribeDevices(proto Protocol, devices []Device, store *StateStore) []DeviceStatus {
	out := make([]DeviceStatus, 0, len(devices))
	for _, d := range devices {
		info := d.Info()
		st := DeviceStatus{
			UniqueID:    info.UniqueID,
			Name:        info.DisplayName,
			Kind:        d.Kind(),
			DeviceID:    info.DeviceID,
			Offset:      info.HeartbeatOffset,
			StatusID:    proto.StatusID(info.DeviceID),
			ConfigTopic: proto.ConfigTopic(d),
			StateTopic:  proto.StateTopic(d),
			Value:       StateUnknown,
		}
		if sw, ok := d.(Switch); ok {
			slot := sw.CommandSlot
			st.CommandID = proto.CommandID(sw.DeviceID)
			st.CommandSlot = &slot
			st.CommandTopic = proto.CommandTopic(sw)
		}
		if store != nil {
			st.Value = store.Get(info.UniqueID)
		}
		if st.Value != StateUnknown {
			st.State = string(StatePayload(d, st.Value))
		}
		out = append(out, st)
	}
	return out
}
