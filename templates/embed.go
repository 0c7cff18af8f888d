// Package templates embeds the default files written by selftestd setup.
package templates

import "embed"

//go:embed config.yaml printer.hcl
var FS embed.FS
