// Package config provides startup configuration for the idolly daemon.
// Configuration is loaded from a JSON file; unset fields fall back to
// development-friendly defaults (in-memory stores, a local queue) so a bare
// config file is enough to boot a single-node instance.
package config
