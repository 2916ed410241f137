package molten

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/moltenwasm/molten/internal/platform"
	"github.com/moltenwasm/molten/internal/testing/testgen"
	"github.com/moltenwasm/molten/types"
)

func TestEngineConfig_immutable(t *testing.T) {
	base := NewEngineConfig()

	derived := base.
		WithTarget(testTarget(t)).
		WithCPUFeatures(types.FeatureAMD64SSE42).
		WithCallConv(types.CallConvSystemV).
		WithGenerator(testgen.NewGenerator()).
		WithInvoker(testgen.NewInvoker()).
		WithCompilationWorkers(4).
		WithCache(NewCache()).
		WithLogger(nil)

	// The base config is untouched by every With* call.
	require.False(t, base.hasTarget)
	require.False(t, base.hasFeatures)
	require.Zero(t, base.callConv)
	require.Nil(t, base.gen)
	require.Nil(t, base.invoker)
	require.Zero(t, base.workers)
	require.Nil(t, base.cache)

	require.True(t, derived.hasTarget)
	require.True(t, derived.hasFeatures)
	require.NotNil(t, derived.gen)
	require.NotNil(t, derived.invoker)
	require.Equal(t, 4, derived.workers)
	require.NotNil(t, derived.cache)
	require.NotNil(t, derived.logger)
}

func TestNewEngine_nilConfig(t *testing.T) {
	if _, err := platform.HostTarget(); err != nil {
		t.Skip("host has no native target")
	}
	_, err := NewEngine(testCtx, nil)
	ce := &types.ConfigurationError{}
	require.ErrorAs(t, err, &ce)
	require.Contains(t, err.Error(), "invoker")
}

func TestNewEngine_invalidConfig(t *testing.T) {
	tests := []struct {
		name        string
		config      *EngineConfig
		expectedErr string
	}{
		{
			name:        "missing invoker",
			config:      NewEngineConfig().WithTarget(testTarget(t)),
			expectedErr: "invalid configuration: an invoker is required to execute loaded code",
		},
		{
			name: "negative workers",
			config: NewEngineConfig().
				WithTarget(testTarget(t)).
				WithInvoker(testgen.NewInvoker()).
				WithCompilationWorkers(-1),
			expectedErr: "invalid configuration: compilation workers must not be negative, have -1",
		},
		{
			name: "undefined feature bits",
			config: NewEngineConfig().
				WithTarget(testTarget(t)).
				WithInvoker(testgen.NewInvoker()).
				WithCPUFeatures(1 << 10),
		},
		{
			name: "calling convention of another architecture",
			config: NewEngineConfig().
				WithTarget(testTarget(t)).
				WithInvoker(testgen.NewInvoker()).
				WithCallConv(types.CallConvAppleARM64),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewEngine(testCtx, tc.config)
			ce := &types.ConfigurationError{}
			require.ErrorAs(t, err, &ce)
			if tc.expectedErr != "" {
				require.EqualError(t, err, tc.expectedErr)
			}
		})
	}
}

func TestNewEngine_targetOverrides(t *testing.T) {
	e, err := NewEngine(testCtx, NewEngineConfig().
		WithTarget(testTarget(t)).
		WithCPUFeatures(types.FeatureAMD64SSE3|types.FeatureAMD64SSE42).
		WithInvoker(testgen.NewInvoker()))
	require.NoError(t, err)
	defer e.Close(testCtx)

	require.Equal(t, types.ArchAMD64, e.Target().Arch())
	require.Equal(t, types.FeatureAMD64SSE3|types.FeatureAMD64SSE42, e.Target().Features())
	require.Equal(t, types.CallConvSystemV, e.Target().CallConv())
}

func TestNewEngine_headlessLoadsArtifacts(t *testing.T) {
	builder := newTestEngine(t)
	a, err := builder.Compile(testCtx, arithModule("headless-load"))
	require.NoError(t, err)
	data := a.Serialize()

	// No generator at all: the engine still deserializes, loads and runs.
	headless := newTestEngineWithConfig(t, NewEngineConfig())
	loaded, err := headless.Deserialize(data)
	require.NoError(t, err)

	m, err := headless.Instantiate(testCtx, loaded, nil)
	require.NoError(t, err)
	results, err := m.ExportedFunction("add").Call(testCtx, 40, 2)
	require.NoError(t, err)
	require.Equal(t, []uint64{42}, results)
}
