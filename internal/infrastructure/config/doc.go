// Package config handles loading and validating SenseHub configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with SENSEHUB_* environment variables
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Sensitive values (MQTT password, InfluxDB token) should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	loc := cfg.Location() // site timezone for schedule matching
package config
