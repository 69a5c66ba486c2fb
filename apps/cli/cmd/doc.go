// Package cmd implements the hitcapture CLI commands using Cobra.
//
// Available commands:
//   - show: Print captured exchanges from JSONL or SQLite storage
//   - tail: Follow a module storage path as exchanges are written
//   - validate: Check persisted items against the item schema
//   - serve: Serve persisted captures over the inspect API
//   - record: Run a reverse proxy that captures upstream traffic
//   - version: Show hitcapture version information
//
// Settings come from a config file, HITCAPTURE_* variables and a local .env.
package cmd
