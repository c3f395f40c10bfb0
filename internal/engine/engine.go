// Package engine ties the block manager, shell backends, stream demuxer,
// and cancellation controller into execution contexts, and owns the
// collection of live contexts.
package engine

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tzhukov/immaterium/internal/block"
	"github.com/tzhukov/immaterium/internal/cancel"
	"github.com/tzhukov/immaterium/internal/config"
	"github.com/tzhukov/immaterium/internal/logging"
	"github.com/tzhukov/immaterium/internal/monitoring"
	"github.com/tzhukov/immaterium/internal/persist"
	"github.com/tzhukov/immaterium/internal/shared/id"
	"github.com/tzhukov/immaterium/internal/shell"
)

// ErrContextNotFound means the execution context ID is unknown.
var ErrContextNotFound = errors.New("execution context not found")

// Options customizes one execution context at creation. Zero values fall
// back to the engine configuration.
type Options struct {
	Shell      string
	WorkingDir string
	Env        map[string]string
	Backend    shell.Backend
}

// Engine manages the set of execution contexts.
type Engine struct {
	cfg      *config.Config
	log      *logging.Logger
	metrics  *monitoring.Metrics
	recorder persist.Recorder

	contexts sync.Map // id.ContextID -> *Context
}

// New creates an engine. metrics may be nil; recorder may be nil for no
// history persistence.
func New(cfg *config.Config, log *logging.Logger, metrics *monitoring.Metrics, recorder persist.Recorder) *Engine {
	if recorder == nil {
		recorder = persist.Noop{}
	}
	return &Engine{
		cfg:      cfg,
		log:      log.Named("engine"),
		metrics:  metrics,
		recorder: recorder,
	}
}

// CreateContext creates and registers a fresh execution context.
func (e *Engine) CreateContext(opts Options) *Context {
	ctxID := id.NewContextID()

	shellPath := opts.Shell
	if shellPath == "" {
		shellPath = e.cfg.Shell.Path
	}
	workingDir := opts.WorkingDir
	if workingDir == "" {
		workingDir = e.cfg.Shell.WorkingDir
	}
	env := make(map[string]string, len(e.cfg.Shell.Env)+len(opts.Env))
	for k, v := range e.cfg.Shell.Env {
		env[k] = v
	}
	for k, v := range opts.Env {
		env[k] = v
	}
	backend := opts.Backend
	if backend == nil {
		backend = shell.ForBackend(e.cfg.Shell.Backend)
	}

	log := e.log.Named("ctx").With(zap.String("context_id", ctxID.String()))
	ctl := cancel.New(e.cfg.Cancel.GracePeriod.Std(), log)
	ctl.OnEscalate(e.metrics.RecordEscalation)

	c := &Context{
		ID:         ctxID,
		CreatedAt:  time.Now(),
		shellPath:  shellPath,
		cols:       uint16(e.cfg.Shell.Cols),
		rows:       uint16(e.cfg.Shell.Rows),
		backend:    backend,
		ctl:        ctl,
		log:        log,
		metrics:    e.metrics,
		workingDir: workingDir,
		env:        env,
	}
	c.manager = block.NewManager(ctxID, block.Config{
		MaxOutputBytes: e.cfg.Blocks.MaxOutputBytes,
		MaxBlocks:      e.cfg.Blocks.MaxBlocks,
	}, log, e.recorder)

	e.contexts.Store(ctxID, c)
	e.metrics.RecordContextOpen()
	e.log.Info("context created",
		zap.String("context_id", ctxID.String()),
		zap.String("shell", shellPath),
		zap.String("backend", backend.Name()))
	return c
}

// Get returns the context for ctxID.
func (e *Engine) Get(ctxID id.ContextID) (*Context, bool) {
	v, ok := e.contexts.Load(ctxID)
	if !ok {
		return nil, false
	}
	return v.(*Context), true
}

// List returns descriptions of all live contexts, oldest first.
func (e *Engine) List() []Info {
	var infos []Info
	e.contexts.Range(func(_, v any) bool {
		infos = append(infos, v.(*Context).Info())
		return true
	})
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// CloseContext shuts a context down and removes it. A running process is
// killed.
func (e *Engine) CloseContext(ctxID id.ContextID) error {
	v, ok := e.contexts.LoadAndDelete(ctxID)
	if !ok {
		return ErrContextNotFound
	}
	v.(*Context).Close()
	e.metrics.RecordContextClose()
	e.log.Info("context closed", zap.String("context_id", ctxID.String()))
	return nil
}

// Shutdown closes every context. Called on server stop.
func (e *Engine) Shutdown() {
	e.contexts.Range(func(k, v any) bool {
		e.contexts.Delete(k)
		v.(*Context).Close()
		e.metrics.RecordContextClose()
		return true
	})
	e.log.Info("engine shut down")
}
