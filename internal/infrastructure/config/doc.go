// Package config loads and validates Fieldgate Core configuration.
//
// Configuration is read from a YAML file, merged over hardcoded defaults,
// and finally overridden by FIELDGATE_* environment variables so secrets
// never need to live in the file.
package config
