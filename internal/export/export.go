// Package export renders a context's block history into portable formats.
package export

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
	"github.com/klauspost/compress/gzip"

	"github.com/tzhukov/immaterium/internal/block"
	"github.com/tzhukov/immaterium/internal/shared/id"
	"github.com/tzhukov/immaterium/internal/stream"
)

// Format selects the export rendering.
type Format string

const (
	FormatJSON     Format = "json"
	FormatYAML     Format = "yaml"
	FormatMarkdown Format = "markdown"
	FormatText     Format = "text"
	FormatHTML     Format = "html"
)

// ParseFormat resolves a user-supplied format name.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "json", "":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	case "markdown", "md":
		return FormatMarkdown, nil
	case "text", "txt", "plain":
		return FormatText, nil
	case "html":
		return FormatHTML, nil
	}
	return "", fmt.Errorf("unknown export format %q", s)
}

// ContentType returns the MIME type for the rendered format.
func (f Format) ContentType() string {
	switch f {
	case FormatYAML:
		return "application/yaml"
	case FormatMarkdown:
		return "text/markdown; charset=utf-8"
	case FormatText:
		return "text/plain; charset=utf-8"
	case FormatHTML:
		return "text/html; charset=utf-8"
	default:
		return "application/json"
	}
}

// Meta describes the context being exported.
type Meta struct {
	ContextID  id.ContextID `json:"context_id" yaml:"context_id"`
	Shell      string       `json:"shell" yaml:"shell"`
	WorkingDir string       `json:"working_directory" yaml:"working_directory"`
	ExportedAt time.Time    `json:"exported_at" yaml:"exported_at"`
}

// Options controls a render.
type Options struct {
	Format   Format
	Compress bool // gzip the rendered document
}

// entry is the structured form of one block used by the JSON and YAML
// renderings. Output keeps its raw bytes as a string; styling escapes are
// preserved so the export round-trips.
type entry struct {
	ID          id.BlockID    `json:"id" yaml:"id"`
	OrderIndex  uint64        `json:"order_index" yaml:"order_index"`
	Command     string        `json:"command" yaml:"command"`
	Output      string        `json:"output" yaml:"output"`
	ExitCode    *int          `json:"exit_code,omitempty" yaml:"exit_code,omitempty"`
	State       block.State   `json:"state" yaml:"state"`
	WorkingDir  string        `json:"working_directory" yaml:"working_directory"`
	CreatedAt   time.Time     `json:"created_at" yaml:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	Duration    time.Duration `json:"duration_ns,omitempty" yaml:"duration_ns,omitempty"`
}

type document struct {
	Meta   Meta    `json:"context" yaml:"context"`
	Blocks []entry `json:"blocks" yaml:"blocks"`
}

// Render produces the export document for blocks in the given format.
func Render(meta Meta, blocks []block.Block, opts Options) ([]byte, error) {
	if meta.ExportedAt.IsZero() {
		meta.ExportedAt = time.Now()
	}

	var (
		data []byte
		err  error
	)
	switch opts.Format {
	case FormatYAML:
		data, err = yaml.Marshal(buildDocument(meta, blocks))
	case FormatMarkdown:
		data = renderMarkdown(meta, blocks)
	case FormatText:
		data = renderText(meta, blocks)
	case FormatHTML:
		data = renderHTML(meta, blocks)
	default:
		data, err = sonic.MarshalIndent(buildDocument(meta, blocks), "", "  ")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to render %s export: %w", opts.Format, err)
	}

	if opts.Compress {
		return compress(data)
	}
	return data, nil
}

func buildDocument(meta Meta, blocks []block.Block) document {
	doc := document{Meta: meta, Blocks: make([]entry, len(blocks))}
	for i, b := range blocks {
		doc.Blocks[i] = entry{
			ID:          b.ID,
			OrderIndex:  b.OrderIndex,
			Command:     b.Command,
			Output:      string(b.Output),
			ExitCode:    b.ExitCode,
			State:       b.State,
			WorkingDir:  b.WorkingDir,
			CreatedAt:   b.CreatedAt,
			StartedAt:   b.StartedAt,
			CompletedAt: b.CompletedAt,
			Duration:    b.Duration,
		}
	}
	return doc
}

func renderMarkdown(meta Meta, blocks []block.Block) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Session %s\n\n", meta.ContextID)
	fmt.Fprintf(&sb, "- Shell: `%s`\n", meta.Shell)
	fmt.Fprintf(&sb, "- Working directory: `%s`\n", meta.WorkingDir)
	fmt.Fprintf(&sb, "- Exported: %s\n\n", meta.ExportedAt.Format(time.RFC3339))

	for _, b := range blocks {
		fmt.Fprintf(&sb, "## Block %d — %s\n\n", b.OrderIndex, b.State)
		fmt.Fprintf(&sb, "```shell\n$ %s\n```\n\n", b.Command)
		if out := plainOutput(b.Output); out != "" {
			fmt.Fprintf(&sb, "```\n%s\n```\n\n", strings.TrimRight(out, "\n"))
		}
		if b.ExitCode != nil {
			fmt.Fprintf(&sb, "Exit code: %d", *b.ExitCode)
			if b.Duration > 0 {
				fmt.Fprintf(&sb, " · %s", b.Duration.Round(time.Millisecond))
			}
			sb.WriteString("\n\n")
		}
	}
	return []byte(sb.String())
}

func renderText(meta Meta, blocks []block.Block) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Session %s (%s, %s)\n", meta.ContextID, meta.Shell, meta.WorkingDir)
	fmt.Fprintf(&sb, "Exported %s\n\n", meta.ExportedAt.Format(time.RFC3339))

	for _, b := range blocks {
		fmt.Fprintf(&sb, "$ %s\n", b.Command)
		if out := plainOutput(b.Output); out != "" {
			sb.WriteString(strings.TrimRight(out, "\n"))
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "[%s", b.State)
		if b.ExitCode != nil {
			fmt.Fprintf(&sb, ", exit %d", *b.ExitCode)
		}
		sb.WriteString("]\n\n")
	}
	return []byte(sb.String())
}

// plainOutput strips ANSI escape sequences from captured output by running
// it through the span parser and keeping only the text.
func plainOutput(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, span := range stream.NewParser().Parse(raw) {
		sb.WriteString(span.Text)
	}
	return sb.String()
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("failed to compress export: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish compressed export: %w", err)
	}
	return buf.Bytes(), nil
}
