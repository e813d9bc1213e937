// Package artifacts holds files embedded into the binary.
package artifacts

import _ "embed"

// DefaultConfig is the commented configuration written by `chanfs config init`.
//
//go:embed global/config.yaml
var DefaultConfig []byte
