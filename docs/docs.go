// Package docs carries the OpenAPI description of the relay's HTTP surface.
package docs

import _ "embed"

//go:embed openapi.yaml
var OpenAPI []byte
