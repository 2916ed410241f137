package molten_test

import (
	"context"
	"log"
	"os"

	"github.com/moltenwasm/molten"
	"github.com/moltenwasm/molten/internal/testing/testgen"
	"github.com/moltenwasm/molten/ir"
	"github.com/moltenwasm/molten/types"
)

// cachedModule is the module every engine in the example compiles.
var cachedModule = func() *ir.Module {
	sig := types.Sig(
		[]types.ValueKind{types.ValueKindI64},
		[]types.ValueKind{types.ValueKindI64})
	mb := testgen.Module("cached")
	mb.ExportFunc("double", mb.Func(sig, testgen.Body(sig).
		LocalGet(0).ConstI64(2).I64Mul().Return()))
	return mb.Build()
}()

// This is a basic example of using the file system artifact cache via
// molten.NewCache. The main goal is to show how it is configured.
func Example_persistentCache() {
	// Prepare a cache directory.
	cacheDir, err := os.MkdirTemp("", "example")
	if err != nil {
		log.Panicln(err)
	}
	defer os.RemoveAll(cacheDir)

	ctx := context.Background()

	// Create an engine config which shares an artifact cache directory.
	cache := molten.NewCache()
	if err = cache.WithDirName(cacheDir); err != nil {
		log.Panicln(err)
	}
	defer cache.Close(ctx)

	target, err := types.NewTarget(types.ArchAMD64, 0, types.CallConvSystemV)
	if err != nil {
		log.Panicln(err)
	}
	config := molten.NewEngineConfig().
		WithTarget(target).
		WithGenerator(testgen.NewGenerator()).
		WithInvoker(testgen.NewInvoker()).
		WithCache(cache)

	// Use the same cache directory for multiple engines.
	newEngineCompileClose(ctx, config)
	// Since the above stored compiled artifacts to disk, below won't compile
	// from scratch. Instead, code stored in the file cache is re-used.
	newEngineCompileClose(ctx, config)
	newEngineCompileClose(ctx, config)

	// Output:
	//
}

// newEngineCompileClose creates a new molten.Engine, compiles a module, and
// then closes the engine.
func newEngineCompileClose(ctx context.Context, config *molten.EngineConfig) {
	engine, err := molten.NewEngine(ctx, config)
	if err != nil {
		log.Panicln(err)
	}
	defer engine.Close(ctx) // This closes everything this Engine created except the artifact cache.

	if _, err = engine.Compile(ctx, cachedModule); err != nil {
		log.Panicln(err)
	}
}
