// Package config loads and validates lab platform configuration.
//
// Both binaries read the same file layout. The orchestrator uses the
// orchestrator, api, websocket and influxdb sections; a device agent uses
// the agent and database sections. Shared sections (lab, mqtt, logging)
// apply to both.
//
// Values are resolved in this order, later sources winning:
//   - hardcoded defaults
//   - the YAML file
//   - a .env file beside the YAML file
//   - LABPLATFORM_* environment variables
//
// Secrets (MQTT password, InfluxDB token) belong in the environment, not
// in the YAML file.
//
// Usage:
//
//	cfg, err := config.Load("configs/orchestrator.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Lab.Name)
package config
