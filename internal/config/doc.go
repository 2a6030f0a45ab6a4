// Package config handles configuration loading for droid-gateway.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Sections the file leaves out keep the values from Default.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from DROID_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/droid/gateway.yaml
//  3. ~/.config/droid/gateway.yaml
//
// A missing file is not an error; LoadOrDefault returns Default.
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${DROID_JWT_SECRET}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	rpc:
//	  default_timeout: "5s"
//	topics:
//	  - name: metrics
//	    kind: poll
//	    url: "http://localhost:9100/metrics"
//	    interval: "3s"
//
// # Configuration Sections
//
//	gateway:   origin, expected strategy (reported by probe)
//	context:   daemon address to attach to, listen address for serve
//	rpc:       default_timeout
//	eventbus:  history_size
//	store:     path (empty keeps data in memory)
//	auth:      jwt_secret, token
//	topics:    upstream bridges per topic or "prefix:*" pattern
//	modules:   preload URLs, allow_remote for http(s) manifests
//	logging:   level (debug, info, warn, error), format (text, json)
package config
