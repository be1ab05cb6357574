// Package config loads and validates the gateway's YAML configuration,
// expanding ${VAR} environment references and parsing duration strings.
// Every required field is checked at load time so a misconfigured gateway
// fails before accepting traffic.
package config
