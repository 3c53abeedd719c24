// Package config handles loading and validating Gray Logic Tracker configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (GLTRACKER_*)
//   - Validation of required fields
//   - Default value handling
//
// Besides the infrastructure sections, the attributes table is exposed
// through Config.Lookup and serves as the process-level fallback when a
// device attribute is resolved with configuration lookup enabled.
//
// Security Considerations:
//   - Sensitive values (passwords, tokens, authorization headers) should be
//     set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Site.Name)
package config
