// Package config provides configuration management for the kiln daemon.
//
// Configuration is loaded from environment variables using the env package.
// All configuration values have sensible defaults for development use, and
// each pluggable subsystem (store, bus, scheduler, provisioner, artifacts)
// is selected with a *_BACKEND variable.
//
// Example usage:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fmt.Printf("HTTP server will listen on %s\n", cfg.GetHTTPAddr())
package config
