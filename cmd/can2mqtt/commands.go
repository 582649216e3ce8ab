package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/nerrad567/can2mqtt/internal/bridges/canbus"
	"github.com/nerrad567/can2mqtt/internal/infrastructure/logging"
)

// dumpPollInterval bounds each receive so Ctrl+C is noticed promptly.
const dumpPollInterval = 500 * time.Millisecond

// devicesAction prints the device table the bridge would load.
func devicesAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	table, err := canbus.LoadDeviceTable(cfg.Bridge.DevicesFile)
	if err != nil {
		return fmt.Errorf("loading device table: %w", err)
	}
	if err := table.Validate(); err != nil {
		return err
	}
	return printDevices(c.App.Writer, table)
}

func printDevices(w io.Writer, table *canbus.DeviceTable) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "UNIQUE ID\tKIND\tNAME\tSTATUS\tOFFSET\tCOMMAND\tSTATE TOPIC\tCOMMAND TOPIC")

	for _, st := range canbus.DescribeDevices(table.Protocol, table.Devices(), nil) {
		command, commandTopic := "-", "-"
		if st.CommandSlot != nil {
			command = fmt.Sprintf("0x%03X slot %d", st.CommandID, *st.CommandSlot)
			commandTopic = st.CommandTopic
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t0x%03X\t%d\t%s\t%s\t%s\n",
			st.UniqueID, st.Kind, st.Name, st.StatusID, st.Offset, command, st.StateTopic, commandTopic)
	}
	return tw.Flush()
}

// dumpAction prints received frames in candump format, annotated with the
// devices each frame feeds.
func dumpAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	table, err := canbus.LoadDeviceTable(cfg.Bridge.DevicesFile)
	if err != nil {
		return fmt.Errorf("loading device table: %w", err)
	}

	log := logging.NewWithWriter(c.App.ErrWriter, cfg.Logging, version)
	bus, err := canbus.Dial(c.Context, socketCANConfig(cfg))
	if err != nil {
		return fmt.Errorf("opening CAN interface: %w", err)
	}
	bus.SetLogger(log.Component("socketcan"))
	defer bus.Close()

	return dumpFrames(c.Context, c.App.Writer, bus, table, cfg.CAN.Interface, c.Int("count"))
}

func dumpFrames(ctx context.Context, w io.Writer, bus canbus.Connector, table *canbus.DeviceTable, iface string, limit int) error {
	owners := frameOwners(table)

	for n := 0; limit <= 0 || n < limit; {
		frame, err := bus.ReceiveNext(ctx, dumpPollInterval)
		switch {
		case err == nil:
		case errors.Is(err, canbus.ErrReceiveTimeout):
			continue
		case errors.Is(err, canbus.ErrStreamClosed), ctx.Err() != nil:
			return nil
		default:
			return err
		}

		line := fmt.Sprintf("%s  %s  %s", time.Now().Format("15:04:05.000"), iface, frame)
		if ids, ok := owners[frame.ID]; ok {
			line += fmt.Sprintf("  %v", ids)
		}
		fmt.Fprintln(w, line)
		n++
	}
	return nil
}

// frameOwners maps each status frame id to the devices reading it.
func frameOwners(table *canbus.DeviceTable) map[uint32][]string {
	owners := make(map[uint32][]string)
	for _, d := range table.Devices() {
		info := d.Info()
		id := table.Protocol.StatusID(info.DeviceID)
		owners[id] = append(owners[id], info.UniqueID)
	}
	return owners
}

// toggleAction sends one command frame without running the bridge.
func toggleAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: can2mqtt toggle <unique_id>", 2)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	table, err := canbus.LoadDeviceTable(cfg.Bridge.DevicesFile)
	if err != nil {
		return fmt.Errorf("loading device table: %w", err)
	}

	frame, err := commandFrame(table, c.Args().First())
	if err != nil {
		return err
	}

	bus, err := canbus.Dial(c.Context, socketCANConfig(cfg))
	if err != nil {
		return fmt.Errorf("opening CAN interface: %w", err)
	}
	defer bus.Close()

	ctx, cancel := context.WithTimeout(c.Context, cfg.GetCommandTimeout())
	defer cancel()
	if err := bus.Send(ctx, frame); err != nil {
		return err
	}

	fmt.Fprintf(c.App.Writer, "sent %s\n", frame)
	return nil
}

// commandFrame builds the toggle frame for a switch in the table.
func commandFrame(table *canbus.DeviceTable, uniqueID string) (canbus.Frame, error) {
	d, ok := table.Find(uniqueID)
	if !ok {
		return canbus.Frame{}, fmt.Errorf("%w: %s", canbus.ErrUnknownDevice, uniqueID)
	}
	sw, ok := d.(canbus.Switch)
	if !ok {
		return canbus.Frame{}, fmt.Errorf("%w: %s is a %s, not a switch", canbus.ErrUnknownDevice, uniqueID, d.Kind())
	}
	return table.Protocol.BuildCommandFrame(sw), nil
}
