// Package config handles loading and validating WeMo bridge configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//
// The engine's own WEMO_DEVICE_DB_PATH and WEMO_STATE_DB_PATH variables are
// honoured so the bridge and engine agree on file locations without extra
// configuration.
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.GetSettleWindow())
package config
