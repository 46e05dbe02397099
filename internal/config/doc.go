// Package config handles configuration loading for signet.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from SIGNET_CONFIG environment variable
//  2. ./config.yaml (current directory)
//  3. ~/.config/signet/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	store:
//	  master_key: "${SIGNET_MASTER_KEY}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	signing:
//	  timeout: "15s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "127.0.0.1:8480"  # Loopback API and companion callbacks
//
// Credential store:
//
//	store:
//	  path: "/var/lib/signet/credentials.db"
//	  master_key: "${SIGNET_MASTER_KEY}"  # base64, 32 bytes
//
// Companion signing app:
//
//	companion:
//	  url: "http://127.0.0.1:8481/request"
//	  callback_secret: "${SIGNET_CALLBACK_SECRET}"
//
// Signing queue:
//
//	signing:
//	  timeout: "15s"
//	  max_concurrent: 1
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() validates:
//
//   - Master key length (32 bytes after base64 decoding)
//   - Callback secret minimum length when a companion URL is set
//   - Duration format validity
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load("/etc/signet/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
