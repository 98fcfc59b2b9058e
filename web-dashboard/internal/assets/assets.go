// Package assets embeds the dashboard's HTML templates.
package assets

import "embed"

//go:embed templates
var TemplatesFS embed.FS
