package web

import "embed"

// TemplateFS holds the console's HTML templates.
//
//go:embed templates
var TemplateFS embed.FS
