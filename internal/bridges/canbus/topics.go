package canbus

// Topic layout under the discovery prefix:
//
//	{prefix}/switch/{unique_id}/config   retained discovery config
//	{prefix}/switch/{unique_id}/state    "ON" / "OFF"
//	{prefix}/switch/{unique_id}/set      any payload toggles the relay
//	{prefix}/sensor/{unique_id}/config   retained discovery config
//	{prefix}/sensor/{unique_id}/state    {"temperature": 72}

func (p Protocol) deviceTopic(d Device, leaf string) string {
	return p.DiscoveryPrefix + "/" + string(d.Kind()) + "/" + d.Info().UniqueID + "/" + leaf
}

// ConfigTopic returns the retained discovery config topic for d.
func (p Protocol) ConfigTopic(d Device) string {
	return p.deviceTopic(d, "config")
}

// StateTopic returns the topic d's state is published on.
func (p Protocol) StateTopic(d Device) string {
	return p.deviceTopic(d, "state")
}

// CommandTopic returns the topic a switch listens on. Sensors have none.
func (p Protocol) CommandTopic(sw Switch) string {
	return p.deviceTopic(sw, "set")
}
