// Package defaults provides the embedded example configuration written by
// the lane init subcommand.
package defaults

import _ "embed"

//go:embed lane.example.yaml
var ConfigYAML []byte
