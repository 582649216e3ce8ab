// Package config handles loading and validating can2mqtt configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with CAN2MQTT_* environment variables
//   - Validation of required fields
//   - Default value handling
//
// The configuration file is optional. Without one the defaults describe a
// single SocketCAN interface (can0, 500 kbit/s) bridged to a broker on
// localhost:1883, which is the common single-board deployment.
//
// Security Considerations:
//   - Sensitive values (MQTT password, InfluxDB token) should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("/etc/can2mqtt/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.CAN.Interface)
//
// The device table is not part of this package; see the canbus package
// for the devices file format.
package config
