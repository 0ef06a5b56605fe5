// Package prompts provides the embedded prompt templates with override support.
package prompts

import "embed"

//go:embed templates/*.md
var embeddedFS embed.FS
