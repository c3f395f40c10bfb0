// Package aictx assembles a token-budgeted textual description of recent
// command blocks, suitable as model prompt context.
package aictx

import (
	"fmt"
	"strings"

	"github.com/tzhukov/immaterium/internal/block"
	"github.com/tzhukov/immaterium/internal/stream"
)

// Config bounds the assembled context.
type Config struct {
	MaxTokens      int // approximate token budget for the whole context
	MaxBlocks      int // most recent blocks considered
	PerBlockOutput int // output bytes kept per block before tail-truncation
}

// DefaultConfig matches a mid-sized prompt window.
func DefaultConfig() Config {
	return Config{
		MaxTokens:      4000,
		MaxBlocks:      20,
		PerBlockOutput: 2000,
	}
}

// Builder renders block history into prompt context.
type Builder struct {
	cfg Config
}

// NewBuilder creates a builder. Zero config fields take defaults.
func NewBuilder(cfg Config) *Builder {
	def := DefaultConfig()
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.MaxBlocks <= 0 {
		cfg.MaxBlocks = def.MaxBlocks
	}
	if cfg.PerBlockOutput <= 0 {
		cfg.PerBlockOutput = def.PerBlockOutput
	}
	return &Builder{cfg: cfg}
}

// Build renders blocks (chronological order expected) into context text.
// Recent blocks are kept preferentially: rendering walks backwards from the
// newest block and stops when the token budget is spent, so the oldest
// entries are the ones dropped.
func (b *Builder) Build(shellPath, workingDir string, blocks []block.Block) string {
	if len(blocks) > b.cfg.MaxBlocks {
		blocks = blocks[len(blocks)-b.cfg.MaxBlocks:]
	}

	header := fmt.Sprintf("Shell session (%s) in %s. Recent commands, oldest first:\n\n", shellPath, workingDir)
	budget := b.cfg.MaxTokens - estimateTokens(header)

	var kept []string
	for i := len(blocks) - 1; i >= 0; i-- {
		rendered := b.renderBlock(blocks[i])
		cost := estimateTokens(rendered)
		if cost > budget && len(kept) > 0 {
			break
		}
		kept = append(kept, rendered)
		budget -= cost
		if budget <= 0 {
			break
		}
	}

	var sb strings.Builder
	sb.WriteString(header)
	for i := len(kept) - 1; i >= 0; i-- {
		sb.WriteString(kept[i])
	}
	return sb.String()
}

func (b *Builder) renderBlock(blk block.Block) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "$ %s\n", blk.Command)

	out := plainOutput(blk.Output)
	if len(out) > b.cfg.PerBlockOutput {
		// Keep the tail; command endings carry the errors and summaries.
		out = "..." + out[len(out)-b.cfg.PerBlockOutput:]
	}
	if out != "" {
		sb.WriteString(strings.TrimRight(out, "\n"))
		sb.WriteString("\n")
	}

	switch {
	case blk.State == block.StateRunning:
		sb.WriteString("(still running)\n")
	case blk.ExitCode != nil && *blk.ExitCode != 0:
		fmt.Fprintf(&sb, "(%s, exit code %d)\n", blk.State, *blk.ExitCode)
	case blk.State != block.StateCompleted:
		fmt.Fprintf(&sb, "(%s)\n", blk.State)
	}
	sb.WriteString("\n")
	return sb.String()
}

// estimateTokens approximates tokens as one per four characters. Close
// enough for budgeting; exact tokenization belongs to the model client.
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}

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
