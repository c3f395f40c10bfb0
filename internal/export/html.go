package export

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/tzhukov/immaterium/internal/block"
	"github.com/tzhukov/immaterium/internal/stream"
)

// textPolicy strips any markup that made it into command text or process
// output before it is embedded in the exported page.
var textPolicy = bluemonday.StrictPolicy()

const htmlHeader = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Session %s</title>
<style>
body { background: #1e1e2e; color: #cdd6f4; font-family: monospace; margin: 2em; }
.block { border: 1px solid #45475a; border-radius: 6px; margin-bottom: 1em; }
.block header { padding: 0.4em 0.8em; background: #313244; }
.block pre { margin: 0; padding: 0.8em; overflow-x: auto; white-space: pre-wrap; }
.state-completed { border-left: 3px solid #a6e3a1; }
.state-failed { border-left: 3px solid #f38ba8; }
.state-cancelled { border-left: 3px solid #f9e2af; }
.state-running { border-left: 3px solid #89b4fa; }
.meta { color: #6c7086; font-size: 0.85em; }
</style>
</head>
<body>
<h1>Session %s</h1>
<p class="meta">%s · %s · exported %s</p>
`

func renderHTML(meta Meta, blocks []block.Block) []byte {
	var sb strings.Builder
	ctxID := html.EscapeString(meta.ContextID.String())
	fmt.Fprintf(&sb, htmlHeader,
		ctxID, ctxID,
		html.EscapeString(meta.Shell),
		html.EscapeString(meta.WorkingDir),
		meta.ExportedAt.Format(time.RFC3339))

	for _, b := range blocks {
		fmt.Fprintf(&sb, `<div class="block state-%s">`+"\n", b.State)
		fmt.Fprintf(&sb, "<header>$ %s</header>\n", sanitize(b.Command))
		sb.WriteString("<pre>")
		writeSpans(&sb, b.Output)
		sb.WriteString("</pre>\n")

		sb.WriteString(`<header class="meta">`)
		fmt.Fprintf(&sb, "%s", b.State)
		if b.ExitCode != nil {
			fmt.Fprintf(&sb, " · exit %d", *b.ExitCode)
		}
		if b.Duration > 0 {
			fmt.Fprintf(&sb, " · %s", b.Duration.Round(time.Millisecond))
		}
		sb.WriteString("</header>\n</div>\n")
	}

	sb.WriteString("</body>\n</html>\n")
	return []byte(sb.String())
}

// writeSpans renders styled output, mapping span styles to inline CSS.
func writeSpans(sb *strings.Builder, raw []byte) {
	for _, span := range stream.NewParser().Parse(raw) {
		css := styleCSS(span.Style)
		if css == "" {
			sb.WriteString(sanitize(span.Text))
			continue
		}
		fmt.Fprintf(sb, `<span style="%s">%s</span>`, css, sanitize(span.Text))
	}
}

func styleCSS(s stream.Style) string {
	if s.IsZero() {
		return ""
	}
	var parts []string
	if c := cssColor(s.Foreground); c != "" {
		parts = append(parts, "color:"+c)
	}
	if c := cssColor(s.Background); c != "" {
		parts = append(parts, "background-color:"+c)
	}
	if s.Bold {
		parts = append(parts, "font-weight:bold")
	}
	if s.Dim {
		parts = append(parts, "opacity:0.6")
	}
	if s.Italic {
		parts = append(parts, "font-style:italic")
	}
	if s.Underline {
		parts = append(parts, "text-decoration:underline")
	}
	if s.Strikethrough {
		parts = append(parts, "text-decoration:line-through")
	}
	return strings.Join(parts, ";")
}

// cssColor maps the parser's color names onto CSS values. The 256-color
// palette degrades to the nearest named group rather than a full table.
func cssColor(name string) string {
	switch {
	case name == "":
		return ""
	case strings.HasPrefix(name, "#"):
		return name
	case strings.HasPrefix(name, "ansi256:"):
		return "#888888"
	case strings.HasPrefix(name, "bright-"):
		return strings.TrimPrefix(name, "bright-")
	default:
		return name
	}
}

func sanitize(text string) string {
	return textPolicy.Sanitize(html.EscapeString(text))
}
