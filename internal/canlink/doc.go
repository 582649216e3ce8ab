// Package canlink prepares the CAN network interface the bridge dials.
//
// A native adapter (can0 on a Raspberry Pi HAT, a USB adapter with an
// in-kernel driver) is configured with ip-link:
//
//	ip link set dev can0 down
//	ip link set dev can0 type can bitrate 500000
//	ip link set dev can0 up
//
// A serial-line adapter (CANable, Lawicel) needs slcand to create the
// interface first. In that mode the Manager runs slcand in the foreground
// under a Supervisor, which restarts it with exponential backoff and
// raises the link again after every restart.
//
// Example usage:
//
//	link := canlink.NewManager(cfg.CAN.Link, cfg.CAN.Interface, cfg.CAN.Bitrate)
//	link.SetLogger(log)
//	if err := link.Up(ctx); err != nil {
//	    return err
//	}
//	defer link.Down()
//
// When the link is not managed, Up and Down do nothing and the interface is
// expected to be configured by the host (systemd-networkd, /etc/network).
package canlink
