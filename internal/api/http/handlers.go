// Package http exposes the execution engine over a REST API.
package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tzhukov/immaterium/internal/aictx"
	"github.com/tzhukov/immaterium/internal/block"
	"github.com/tzhukov/immaterium/internal/engine"
	"github.com/tzhukov/immaterium/internal/export"
	"github.com/tzhukov/immaterium/internal/shared/id"
)

// Handlers contains all HTTP handlers.
type Handlers struct {
	engine  *engine.Engine
	version string
}

// NewHandlers creates a new handler set.
func NewHandlers(eng *engine.Engine, version string) *Handlers {
	return &Handlers{engine: eng, version: version}
}

// blockView is the REST representation of a block. Output is sent as a
// string rather than base64 bytes.
type blockView struct {
	ID          id.BlockID    `json:"id"`
	OrderIndex  uint64        `json:"order_index"`
	Command     string        `json:"command"`
	Output      string        `json:"output"`
	ExitCode    *int          `json:"exit_code,omitempty"`
	State       block.State   `json:"state"`
	WorkingDir  string        `json:"working_directory"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	DurationMS  int64         `json:"duration_ms,omitempty"`
	IsCollapsed bool          `json:"is_collapsed"`
}

func viewOf(b block.Block) blockView {
	return blockView{
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
		DurationMS:  b.Duration.Milliseconds(),
		IsCollapsed: b.IsCollapsed,
	}
}

func viewsOf(blocks []block.Block) []blockView {
	out := make([]blockView, len(blocks))
	for i, b := range blocks {
		out[i] = viewOf(b)
	}
	return out
}

// Root handles the banner endpoint.
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "immaterium",
		"version": h.version,
	})
}

// Health handles the health check.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"contexts": len(h.engine.List()),
	})
}

// CreateContext opens a new execution context.
func (h *Handlers) CreateContext(c *gin.Context) {
	var req struct {
		Shell      string            `json:"shell"`
		WorkingDir string            `json:"working_directory"`
		Env        map[string]string `json:"environment"`
	}
	// An empty body means all defaults.
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	ctx := h.engine.CreateContext(engine.Options{
		Shell:      req.Shell,
		WorkingDir: req.WorkingDir,
		Env:        req.Env,
	})
	c.JSON(http.StatusCreated, ctx.Info())
}

// ListContexts lists all live contexts.
func (h *Handlers) ListContexts(c *gin.Context) {
	infos := h.engine.List()
	c.JSON(http.StatusOK, gin.H{
		"contexts": infos,
		"count":    len(infos),
	})
}

// GetContext describes one context.
func (h *Handlers) GetContext(c *gin.Context) {
	ctx, ok := h.context(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, ctx.Info())
}

// CloseContext terminates and removes a context.
func (h *Handlers) CloseContext(c *gin.Context) {
	ctxID := id.ContextID(c.Param("id"))
	if err := h.engine.CloseContext(ctxID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": ctxID})
}

// SetWorkingDir changes the directory used for future blocks.
func (h *Handlers) SetWorkingDir(c *gin.Context) {
	ctx, ok := h.context(c)
	if !ok {
		return
	}
	var req struct {
		WorkingDir string `json:"working_directory" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := ctx.SetWorkingDir(req.WorkingDir); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, ctx.Info())
}

// SubmitBlock creates and runs a block.
func (h *Handlers) SubmitBlock(c *gin.Context) {
	ctx, ok := h.context(c)
	if !ok {
		return
	}
	var req struct {
		Command string `json:"command" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	blk, err := ctx.Submit(req.Command)
	if err != nil {
		// A launch failure still produced a block, finalized Failed.
		if blk.ID != "" {
			c.JSON(http.StatusCreated, gin.H{"block": viewOf(blk), "error": err.Error()})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"block": viewOf(blk)})
}

// ListBlocks returns the block history, optionally limited to the most
// recent n via ?recent=n.
func (h *Handlers) ListBlocks(c *gin.Context) {
	ctx, ok := h.context(c)
	if !ok {
		return
	}

	var blocks []block.Block
	if recent := c.Query("recent"); recent != "" {
		n, err := strconv.Atoi(recent)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "recent must be a non-negative integer"})
			return
		}
		blocks = ctx.Recent(n)
	} else {
		blocks = ctx.Snapshot()
	}

	c.JSON(http.StatusOK, gin.H{
		"blocks": viewsOf(blocks),
		"count":  len(blocks),
	})
}

// GetBlock returns one block.
func (h *Handlers) GetBlock(c *gin.Context) {
	ctx, ok := h.context(c)
	if !ok {
		return
	}
	blk, found := ctx.Get(id.BlockID(c.Param("block_id")))
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": block.ErrNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"block": viewOf(blk)})
}

// DeleteBlock removes a block from history.
func (h *Handlers) DeleteBlock(c *gin.Context) {
	ctx, ok := h.context(c)
	if !ok {
		return
	}
	blockID := id.BlockID(c.Param("block_id"))
	if err := ctx.Delete(blockID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": blockID})
}

// CancelRunning cancels whatever block is currently running.
func (h *Handlers) CancelRunning(c *gin.Context) {
	ctx, ok := h.context(c)
	if !ok {
		return
	}
	if err := ctx.Cancel(); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"cancelling": true})
}

// CancelBlock cancels a specific running block.
func (h *Handlers) CancelBlock(c *gin.Context) {
	ctx, ok := h.context(c)
	if !ok {
		return
	}
	blockID := id.BlockID(c.Param("block_id"))
	if err := ctx.CancelBlock(blockID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"cancelling": blockID})
}

// SetCollapsed updates a block's presentation flag.
func (h *Handlers) SetCollapsed(c *gin.Context) {
	ctx, ok := h.context(c)
	if !ok {
		return
	}
	var req struct {
		Collapsed *bool `json:"collapsed" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	blockID := id.BlockID(c.Param("block_id"))
	if err := ctx.SetCollapsed(blockID, *req.Collapsed); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"block_id": blockID, "collapsed": *req.Collapsed})
}

// EditBlock creates a new Editing block seeded from an existing block.
func (h *Handlers) EditBlock(c *gin.Context) {
	ctx, ok := h.context(c)
	if !ok {
		return
	}
	blk, err := ctx.Edit(id.BlockID(c.Param("block_id")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"block": viewOf(blk)})
}

// SubmitEditing runs an Editing block with its final command text.
func (h *Handlers) SubmitEditing(c *gin.Context) {
	ctx, ok := h.context(c)
	if !ok {
		return
	}
	var req struct {
		Command string `json:"command" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	blk, err := ctx.SubmitEditing(id.BlockID(c.Param("block_id")), req.Command)
	if err != nil {
		if blk.ID != "" {
			c.JSON(http.StatusCreated, gin.H{"block": viewOf(blk), "error": err.Error()})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"block": viewOf(blk)})
}

// Export renders the context history in the requested format.
// ?format=json|yaml|markdown|text|html, ?compress=true for gzip.
func (h *Handlers) Export(c *gin.Context) {
	ctx, ok := h.context(c)
	if !ok {
		return
	}

	format, err := export.ParseFormat(c.Query("format"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	compress := c.Query("compress") == "true"

	info := ctx.Info()
	data, err := export.Render(export.Meta{
		ContextID:  info.ID,
		Shell:      info.Shell,
		WorkingDir: info.WorkingDir,
	}, ctx.Snapshot(), export.Options{Format: format, Compress: compress})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if compress {
		c.Header("Content-Encoding", "gzip")
	}
	c.Data(http.StatusOK, format.ContentType(), data)
}

// AIContext returns a token-budgeted prompt rendering of recent blocks.
// ?max_tokens= and ?max_blocks= override the defaults.
func (h *Handlers) AIContext(c *gin.Context) {
	ctx, ok := h.context(c)
	if !ok {
		return
	}

	cfg := aictx.DefaultConfig()
	if v := c.Query("max_tokens"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "max_tokens must be a positive integer"})
			return
		}
		cfg.MaxTokens = n
	}
	if v := c.Query("max_blocks"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "max_blocks must be a positive integer"})
			return
		}
		cfg.MaxBlocks = n
	}

	info := ctx.Info()
	text := aictx.NewBuilder(cfg).Build(info.Shell, info.WorkingDir, ctx.Recent(cfg.MaxBlocks))
	c.JSON(http.StatusOK, gin.H{
		"context":          text,
		"estimated_tokens": (len(text) + 3) / 4,
	})
}

// context resolves the :id parameter, responding 404 on a miss.
func (h *Handlers) context(c *gin.Context) (*engine.Context, bool) {
	ctx, ok := h.engine.Get(id.ContextID(c.Param("id")))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": engine.ErrContextNotFound.Error()})
		return nil, false
	}
	return ctx, true
}

// respondError maps domain errors onto HTTP status codes.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, block.ErrNotFound), errors.Is(err, engine.ErrContextNotFound):
		status = http.StatusNotFound
	case errors.Is(err, block.ErrContextBusy),
		errors.Is(err, block.ErrBlockRunning),
		errors.Is(err, block.ErrNotRunning),
		errors.Is(err, engine.ErrContextClosed):
		status = http.StatusConflict
	case errors.Is(err, block.ErrEmptyCommand),
		errors.Is(err, block.ErrNotEditing),
		errors.Is(err, block.ErrInvalidTransition):
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
