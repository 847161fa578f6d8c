// Package config defines the controller settings and provides helpers to
// load, validate and save them in YAML format.
//
// Validate fills documented defaults for zero values, so a minimal file only
// needs the options that differ from the defaults.
package config
