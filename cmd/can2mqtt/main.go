// can2mqtt bridges a CAN bus relay/sensor node to Home Assistant over MQTT.
//
// It listens for heartbeat frames, publishes changed device states to the
// broker, announces every device through MQTT discovery, and turns switch
// commands from Home Assistant into CAN command frames.
//
// See internal/bridges/canbus for the translation rules.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newApp builds the command line. Running without a subcommand starts the
// bridge.
func newApp() *cli.App {
	return &cli.App{
		Name:    "can2mqtt",
		Usage:   "bridge CAN bus relays and sensors to Home Assistant over MQTT",
		Version: fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML config file (defaults only when empty)",
				EnvVars: []string{"CAN2MQTT_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "devices",
				Aliases: []string{"d"},
				Usage:   "path to the device table YAML, overrides bridge.devices_file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error, overrides logging.level",
			},
		},
		Action: runAction,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "run the bridge (default)",
				Action: runAction,
			},
			{
				Name:   "devices",
				Usage:  "print the device table with its topics and frame ids",
				Action: devicesAction,
			},
			{
				Name:  "dump",
				Usage: "print every frame received on the CAN interface",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "count",
						Aliases: []string{"n"},
						Usage:   "stop after this many frames (0 runs until interrupted)",
					},
				},
				Action: dumpAction,
			},
			{
				Name:      "toggle",
				Usage:     "send one toggle command to a switch",
				ArgsUsage: "<unique_id>",
				Action:    toggleAction,
			},
		},
	}
}

func runAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	return run(c.Context, cfg)
}
