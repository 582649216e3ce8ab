package canbus

import (
	"fmt"
	"strings"
)

// MaxFrameData is the payload size of a classic CAN frame.
const MaxFrameData = 8

// Largest 11-bit and 29-bit CAN identifiers.
const (
	maxStandardID = 0x7FF
	maxExtendedID = 0x1FFFFFFF
)

// Protocol holds the fixed numbers of the heartbeat/command scheme. It is
// passed by value and never mutated after construction.
type Protocol struct {
	// StatusBase is added to a node id to get its heartbeat frame id.
	StatusBase uint32 `yaml:"status_base"`

	// CommandBase is added to a node id to get its command frame id.
	CommandBase uint32 `yaml:"command_base"`

	// CommandOpcode is the first byte of every command payload.
	CommandOpcode byte `yaml:"command_opcode"`

	// DiscoveryPrefix is the Home Assistant discovery topic root.
	DiscoveryPrefix string `yaml:"discovery_prefix"`
}

// DefaultProtocol returns the standard heartbeat/command numbering.
func DefaultProtocol() Protocol {
	return Protocol{
		StatusBase:      0x700,
		CommandBase:     0x600,
		CommandOpcode:   0x02,
		DiscoveryPrefix: "homeassistant",
	}
}

// StatusID returns the frame id a node broadcasts its heartbeat on.
func (p Protocol) StatusID(deviceID uint32) uint32 {
	return p.StatusBase + deviceID
}

// CommandID returns the frame id a node listens for commands on.
func (p Protocol) CommandID(deviceID uint32) uint32 {
	return p.CommandBase + deviceID
}

// SubscribeTopic is the wildcard covering every discovery topic.
func (p Protocol) SubscribeTopic() string {
	return p.DiscoveryPrefix + "/#"
}

// Frame is a classic CAN data frame. Extended frames use 29-bit ids and
// never match a node: heartbeats and commands are standard frames only.
type Frame struct {
	ID       uint32
	Data     []byte
	Extended bool
}

// String formats the frame the way candump does: "740#0000000000000100",
// or "00000740#..." for an extended id.
func (f Frame) String() string {
	var b strings.Builder
	if f.Extended {
		fmt.Fprintf(&b, "%08X#", f.ID)
	} else {
		fmt.Fprintf(&b, "%03X#", f.ID)
	}
	for _, v := range f.Data {
		fmt.Fprintf(&b, "%02X", v)
	}
	return b.String()
}

// Validate checks the frame fits a classic CAN data frame.
func (f Frame) Validate() error {
	if f.Extended {
		if f.ID > maxExtendedID {
			return fmt.Errorf("%w: id 0x%X exceeds 29 bits", ErrInvalidFrame, f.ID)
		}
	} else if f.ID > maxStandardID {
		return fmt.Errorf("%w: id 0x%X exceeds 11 bits", ErrInvalidFrame, f.ID)
	}
	if len(f.Data) > MaxFrameData {
		return fmt.Errorf("%w: %d data bytes, max %d", ErrInvalidFrame, len(f.Data), MaxFrameData)
	}
	return nil
}

// BuildCommandFrame returns the toggle frame for a switch: the command
// opcode, the relay slot, then zero padding to eight bytes.
func (p Protocol) BuildCommandFrame(sw Switch) Frame {
	data := make([]byte, MaxFrameData)
	data[0] = p.CommandOpcode
	data[1] = sw.CommandSlot
	return Frame{ID: p.CommandID(sw.DeviceID), Data: data}
}
