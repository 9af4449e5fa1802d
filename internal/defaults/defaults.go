// Package defaults provides embedded copies of the starter files written
// by the quill init subcommand.
package defaults

import _ "embed"

// ConfigYAML is the annotated example configuration.
//
//go:embed config.example.yaml
var ConfigYAML []byte

// EnvExample lists the environment variables Quill reads secrets from.
//
//go:embed env.example
var EnvExample []byte
