// Package templates embeds the default daemon and project settings files.
package templates

import "embed"

//go:embed config.yaml projects.yaml
var FS embed.FS
