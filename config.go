package molten

import (
	"go.uber.org/zap"

	"github.com/moltenwasm/molten/codegen"
	"github.com/moltenwasm/molten/types"
)

// EngineConfig controls how NewEngine assembles an Engine. Configs are
// immutable: every With* method returns a copy, so a config can be shared and
// varied safely.
type EngineConfig struct {
	target      types.Target
	hasTarget   bool
	features    uint64
	hasFeatures bool
	callConv    types.CallConv
	gen         codegen.Generator
	invoker     codegen.Invoker
	workers     int
	cache       Cache
	logger      *zap.Logger
}

// generatorLessConfig helps avoid copy/pasting the wrong defaults.
var generatorLessConfig = &EngineConfig{
	logger: zap.NewNop(),
}

// clone ensures all fields are copied even if nil.
func (c *EngineConfig) clone() *EngineConfig {
	return &EngineConfig{
		target:      c.target,
		hasTarget:   c.hasTarget,
		features:    c.features,
		hasFeatures: c.hasFeatures,
		callConv:    c.callConv,
		gen:         c.gen,
		invoker:     c.invoker,
		workers:     c.workers,
		cache:       c.cache,
		logger:      c.logger,
	}
}

// NewEngineConfig returns a config that compiles for the host target, with no
// code generator and no persistent cache. At minimum WithInvoker must be
// called before the config can build an engine.
func NewEngineConfig() *EngineConfig {
	return generatorLessConfig.clone()
}

// WithTarget sets the full compilation target, replacing host detection.
// Build one with types.NewTarget, or leave unset to compile for the current
// process.
func (c *EngineConfig) WithTarget(target types.Target) *EngineConfig {
	ret := c.clone()
	ret.target = target
	ret.hasTarget = true
	return ret
}

// WithCPUFeatures overrides the target's CPU feature bitset. The bits are
// validated against the resolved architecture by NewEngine.
//
// Note: lowering the feature set below the host's lets the artifact run on
// older CPUs of the same architecture, at the cost of the newer instructions.
func (c *EngineConfig) WithCPUFeatures(features uint64) *EngineConfig {
	ret := c.clone()
	ret.features = features
	ret.hasFeatures = true
	return ret
}

// WithCallConv overrides the native calling convention of the target.
func (c *EngineConfig) WithCallConv(callConv types.CallConv) *EngineConfig {
	ret := c.clone()
	ret.callConv = callConv
	return ret
}

// WithGenerator sets the code generator driven by Engine.Compile.
//
// A nil generator is allowed and produces a headless engine: it deserializes,
// loads and instantiates existing artifacts, but Compile fails. Headless
// engines suit deployment hosts that only run artifacts built elsewhere.
func (c *EngineConfig) WithGenerator(gen codegen.Generator) *EngineConfig {
	ret := c.clone()
	ret.gen = gen
	return ret
}

// WithInvoker sets the execution driver used for exported function calls and
// start functions. Required: NewEngine fails without one.
func (c *EngineConfig) WithInvoker(invoker codegen.Invoker) *EngineConfig {
	ret := c.clone()
	ret.invoker = invoker
	return ret
}

// WithCompilationWorkers caps the goroutines compiling functions of one
// module. Zero, the default, means one per available CPU. Negative counts are
// rejected by NewEngine.
func (c *EngineConfig) WithCompilationWorkers(workers int) *EngineConfig {
	ret := c.clone()
	ret.workers = workers
	return ret
}

// WithCache attaches a persistent artifact cache. Compiled artifacts are
// added to it and later Compile calls for the same module content and target
// read them back instead of recompiling, surviving process restarts.
func (c *EngineConfig) WithCache(cache Cache) *EngineConfig {
	ret := c.clone()
	ret.cache = cache
	return ret
}

// WithLogger sets the logger for compile, cache and load events. Defaults to
// a no-op logger, and nil resets to it.
func (c *EngineConfig) WithLogger(logger *zap.Logger) *EngineConfig {
	if logger == nil {
		logger = zap.NewNop()
	}
	ret := c.clone()
	ret.logger = logger
	return ret
}
