package export

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tzhukov/immaterium/internal/block"
	"github.com/tzhukov/immaterium/internal/shared/id"
)

func sampleMeta() Meta {
	return Meta{
		ContextID:  id.NewContextID(),
		Shell:      "/bin/bash",
		WorkingDir: "/home/dev",
		ExportedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
}

func sampleBlocks() []block.Block {
	zero, one := 0, 1
	return []block.Block{
		{
			ID:         id.NewBlockID(),
			OrderIndex: 0,
			Command:    "ls",
			Output:     []byte("\x1b[34mdir\x1b[0m file.txt\n"),
			ExitCode:   &zero,
			State:      block.StateCompleted,
			WorkingDir: "/home/dev",
			CreatedAt:  time.Now(),
		},
		{
			ID:         id.NewBlockID(),
			OrderIndex: 1,
			Command:    "grep missing file.txt",
			Output:     nil,
			ExitCode:   &one,
			State:      block.StateFailed,
			WorkingDir: "/home/dev",
			CreatedAt:  time.Now(),
		},
	}
}

func TestParseFormat(t *testing.T) {
	for input, want := range map[string]Format{
		"":         FormatJSON,
		"json":     FormatJSON,
		"YAML":     FormatYAML,
		"yml":      FormatYAML,
		"md":       FormatMarkdown,
		"markdown": FormatMarkdown,
		"txt":      FormatText,
		"html":     FormatHTML,
	} {
		got, err := ParseFormat(input)
		require.NoError(t, err, "input %q", input)
		assert.Equal(t, want, got)
	}

	_, err := ParseFormat("pdf")
	assert.Error(t, err)
}

func TestRenderJSON(t *testing.T) {
	meta := sampleMeta()
	data, err := Render(meta, sampleBlocks(), Options{Format: FormatJSON})
	require.NoError(t, err)

	var doc document
	require.NoError(t, sonic.Unmarshal(data, &doc))
	assert.Equal(t, meta.ContextID, doc.Meta.ContextID)
	require.Len(t, doc.Blocks, 2)
	assert.Equal(t, "ls", doc.Blocks[0].Command)
	// JSON keeps the raw bytes, escapes included.
	assert.Contains(t, doc.Blocks[0].Output, "\x1b[34m")
	require.NotNil(t, doc.Blocks[1].ExitCode)
	assert.Equal(t, 1, *doc.Blocks[1].ExitCode)
}

func TestRenderYAML(t *testing.T) {
	data, err := Render(sampleMeta(), sampleBlocks(), Options{Format: FormatYAML})
	require.NoError(t, err)

	var doc document
	require.NoError(t, yaml.Unmarshal(data, &doc))
	require.Len(t, doc.Blocks, 2)
	assert.Equal(t, block.StateFailed, doc.Blocks[1].State)
}

func TestRenderMarkdownStripsANSI(t *testing.T) {
	data, err := Render(sampleMeta(), sampleBlocks(), Options{Format: FormatMarkdown})
	require.NoError(t, err)

	text := string(data)
	assert.Contains(t, text, "$ ls")
	assert.Contains(t, text, "dir file.txt")
	assert.NotContains(t, text, "\x1b[")
	assert.Contains(t, text, "Exit code: 1")
}

func TestRenderText(t *testing.T) {
	data, err := Render(sampleMeta(), sampleBlocks(), Options{Format: FormatText})
	require.NoError(t, err)

	text := string(data)
	assert.Contains(t, text, "$ grep missing file.txt")
	assert.Contains(t, text, "[failed, exit 1]")
	assert.NotContains(t, text, "\x1b[")
}

func TestRenderHTML(t *testing.T) {
	blocks := sampleBlocks()
	blocks[0].Command = `echo "<script>alert(1)</script>"`

	data, err := Render(sampleMeta(), blocks, Options{Format: FormatHTML})
	require.NoError(t, err)

	html := string(data)
	assert.Contains(t, html, "<!DOCTYPE html>")
	assert.NotContains(t, html, "<script>")
	// Styled span survives as inline CSS.
	assert.Contains(t, html, "color:blue")
}

func TestRenderCompressed(t *testing.T) {
	meta := sampleMeta()
	blocks := sampleBlocks()

	plain, err := Render(meta, blocks, Options{Format: FormatJSON})
	require.NoError(t, err)
	packed, err := Render(meta, blocks, Options{Format: FormatJSON, Compress: true})
	require.NoError(t, err)

	zr, err := gzip.NewReader(bytes.NewReader(packed))
	require.NoError(t, err)
	unpacked, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, plain, unpacked)
}

func TestRenderEmptyHistory(t *testing.T) {
	for _, format := range []Format{FormatJSON, FormatYAML, FormatMarkdown, FormatText, FormatHTML} {
		data, err := Render(sampleMeta(), nil, Options{Format: format})
		require.NoError(t, err, "format %s", format)
		assert.NotEmpty(t, data)
	}
}

func TestContentTypes(t *testing.T) {
	assert.Equal(t, "application/json", FormatJSON.ContentType())
	assert.True(t, strings.HasPrefix(FormatHTML.ContentType(), "text/html"))
	assert.True(t, strings.HasPrefix(FormatMarkdown.ContentType(), "text/markdown"))
}
