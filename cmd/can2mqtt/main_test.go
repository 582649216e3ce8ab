package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/nerrad567/can2mqtt/internal/bridges/canbus"
	"github.com/nerrad567/can2mqtt/internal/infrastructure/config"
)

// testApp returns the CLI with captured output and no os.Exit on errors.
func testApp(t *testing.T) (*cli.App, *bytes.Buffer) {
	t.Helper()
	t.Setenv("CAN2MQTT_CONFIG", "")

	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	app.ExitErrHandler = func(*cli.Context, error) {}
	return app, &out
}

const customDevices = `
protocol:
  status_base: 0x700
  command_base: 0x600
switches:
  - device_id: 0x21
    command_slot: 3
    heartbeat_offset: 2
    unique_id: water-pump
    name: Water Pump
sensors:
  - device_id: 0x21
    heartbeat_offset: 5
    unique_id: fresh-tank
    name: Fresh Tank
    device_class: volume
    unit: "%"
    value_field: level
`

func writeDevices(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "devices.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing devices file: %v", err)
	}
	return path
}

// =============================================================================
// CLI Tests
// =============================================================================

func TestNewApp_Commands(t *testing.T) {
	app := newApp()

	for _, name := range []string{"run", "devices", "dump", "toggle"} {
		if app.Command(name) == nil {
			t.Errorf("command %q missing", name)
		}
	}
	if app.Action == nil {
		t.Error("default action missing")
	}
}

func TestDevicesCommand_DefaultTable(t *testing.T) {
	app, out := testApp(t)

	if err := app.RunContext(context.Background(), []string{"can2mqtt", "devices"}); err != nil {
		t.Fatalf("devices error: %v", err)
	}

	got := out.String()
	for _, want := range []string{
		"fez-heater",
		"homeassistant/switch/fez-heater/set",
		"homeassistant/sensor/fez-heater-input/state",
		"0x740",
		"0x640 slot 1",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestDevicesCommand_CustomTable(t *testing.T) {
	app, out := testApp(t)
	path := writeDevices(t, customDevices)

	if err := app.RunContext(context.Background(), []string{"can2mqtt", "--devices", path, "devices"}); err != nil {
		t.Fatalf("devices error: %v", err)
	}

	got := out.String()
	if !strings.Contains(got, "water-pump") || !strings.Contains(got, "0x621 slot 3") {
		t.Errorf("custom table not printed:\n%s", got)
	}
	if strings.Contains(got, "fez-heater") {
		t.Error("default table printed despite --devices")
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing config file", []string{"can2mqtt", "--config", "/nonexistent/config.yaml", "devices"}},
		{"invalid log level", []string{"can2mqtt", "--log-level", "verbose", "devices"}},
		{"missing devices file", []string{"can2mqtt", "--devices", "/nonexistent/devices.yaml", "devices"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app, _ := testApp(t)
			if err := app.RunContext(context.Background(), tt.args); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestToggleCommand_Validation(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr error
	}{
		{"missing argument", []string{"can2mqtt", "toggle"}, nil},
		{"unknown device", []string{"can2mqtt", "toggle", "nope"}, canbus.ErrUnknownDevice},
		{"sensor", []string{"can2mqtt", "toggle", "fez-heater-input"}, canbus.ErrUnknownDevice},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app, _ := testApp(t)
			err := app.RunContext(context.Background(), tt.args)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCommandFrame(t *testing.T) {
	table := canbus.DefaultDeviceTable()

	frame, err := commandFrame(table, "fez-eng-preheat")
	if err != nil {
		t.Fatalf("commandFrame() error: %v", err)
	}
	if got := frame.String(); got != "640#0201000000000000" {
		t.Errorf("frame = %s, want 640#0201000000000000", got)
	}
}

// =============================================================================
// Dump Tests
// =============================================================================

// scriptedConnector replays frames then reports the stream closed.
type scriptedConnector struct {
	mu     sync.Mutex
	frames []canbus.Frame
}

func (s *scriptedConnector) ReceiveNext(_ context.Context, _ time.Duration) (canbus.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return canbus.Frame{}, canbus.ErrStreamClosed
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return f, nil
}

func (s *scriptedConnector) Send(context.Context, canbus.Frame) error { return nil }
func (s *scriptedConnector) IsConnected() bool                        { return true }
func (s *scriptedConnector) Stats() canbus.BusStats                   { return canbus.BusStats{} }
func (s *scriptedConnector) Close() error                             { return nil }

func TestDumpFrames(t *testing.T) {
	bus := &scriptedConnector{frames: []canbus.Frame{
		{ID: 0x740, Data: []byte{72, 0, 0, 0, 0, 0, 1, 0}},
		{ID: 0x123, Data: []byte{0xAA}},
		{ID: 0x740, Data: []byte{73, 0, 0, 0, 0, 0, 1, 0}},
	}}

	var out bytes.Buffer
	if err := dumpFrames(context.Background(), &out, bus, canbus.DefaultDeviceTable(), "can0", 0); err != nil {
		t.Fatalf("dumpFrames() error: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), out.String())
	}
	if !strings.Contains(lines[0], "can0  740#4800000000000100  [fez-heater fez-eng-preheat fez-heater-input]") {
		t.Errorf("line 0 = %q", lines[0])
	}
	if !strings.HasSuffix(lines[1], "can0  123#AA") {
		t.Errorf("unowned frame line = %q", lines[1])
	}
}

func TestDumpFrames_Limit(t *testing.T) {
	bus := &scriptedConnector{frames: []canbus.Frame{
		{ID: 0x100, Data: []byte{1}},
		{ID: 0x101, Data: []byte{2}},
		{ID: 0x102, Data: []byte{3}},
	}}

	var out bytes.Buffer
	if err := dumpFrames(context.Background(), &out, bus, canbus.DefaultDeviceTable(), "can0", 2); err != nil {
		t.Fatalf("dumpFrames() error: %v", err)
	}
	if n := strings.Count(out.String(), "\n"); n != 2 {
		t.Errorf("printed %d frames, want 2", n)
	}
}

// =============================================================================
// Adapter Tests
// =============================================================================

type recordedPoint struct {
	uniqueID, kind string
	raw            int
}

type fakeStateWriter struct {
	points []recordedPoint
}

func (f *fakeStateWriter) WriteStateChange(uniqueID, kind string, raw int, _ time.Time) {
	f.points = append(f.points, recordedPoint{uniqueID, kind, raw})
}

func TestInfluxObserver(t *testing.T) {
	writer := &fakeStateWriter{}
	obs := influxObserver{client: writer}
	table := canbus.DefaultDeviceTable()

	sensor, _ := table.Find("fez-heater-input")
	obs.OnStateChange(canbus.StateChange{Device: sensor, Previous: canbus.StateUnknown, Value: 174, At: time.Now()})

	if len(writer.points) != 1 {
		t.Fatalf("points = %d, want 1", len(writer.points))
	}
	if got := writer.points[0]; got != (recordedPoint{"fez-heater-input", "sensor", 174}) {
		t.Errorf("point = %+v", got)
	}
}

func TestBusStatsPoint(t *testing.T) {
	got := busStatsPoint(canbus.BusStats{FramesRx: 10, FramesTx: 2, FramesDropped: 1, ErrorsTotal: 3, Reconnects: 4})
	if got.FramesReceived != 10 || got.FramesSent != 2 || got.FramesDropped != 1 || got.Errors != 3 || got.Reconnects != 4 {
		t.Errorf("busStatsPoint() = %+v", got)
	}
}

func TestSocketCANConfig(t *testing.T) {
	cfg := config.Default()
	cfg.CAN.Network = "udp"
	cfg.CAN.Interface = "239.64.142.206:56789"

	got := socketCANConfig(cfg)
	if got.Network != "udp" || got.Interface != "239.64.142.206:56789" {
		t.Errorf("network/interface = %s/%s", got.Network, got.Interface)
	}
	if got.ConnectTimeout != 10*time.Second || got.ReconnectInterval != 5*time.Second {
		t.Errorf("timeouts = %v/%v", got.ConnectTimeout, got.ReconnectInterval)
	}
	if got.ReceiveBuffer != 256 {
		t.Errorf("ReceiveBuffer = %d", got.ReceiveBuffer)
	}
}

// =============================================================================
// Run Tests
// =============================================================================

func TestRun_InvalidDevicesFile(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.Format = "text"
	cfg.Bridge.DevicesFile = writeDevices(t, "switches:\n  - unique_id: heater/1\n")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx, cfg); err == nil {
		t.Fatal("run() with invalid device table succeeded")
	}
}

func TestRun_UnreachableBus(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.Level = "error"
	cfg.CAN.Interface = "can2mqtt-test-missing"
	cfg.CAN.ConnectTimeout = 1

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx, cfg)
	if err == nil || !strings.Contains(err.Error(), "opening CAN interface") {
		t.Errorf("run() error = %v, want CAN interface failure", err)
	}
}
