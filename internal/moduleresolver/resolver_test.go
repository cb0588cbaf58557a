package moduleresolver

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/getsentry/traceprof/internal/debuginfo"
	"github.com/getsentry/traceprof/internal/rawprofile"
	"github.com/getsentry/traceprof/internal/symbolsource"
	"github.com/getsentry/traceprof/internal/symbolsource/symbolsourcetest"
	"github.com/getsentry/traceprof/internal/testutil"
)

func newResolver(t *testing.T) (*Resolver, *rawprofile.Profile, *symbolsourcetest.Symbols) {
	t.Helper()
	symbols := &symbolsourcetest.Symbols{
		Functions: map[string][]debuginfo.FunctionDebugInfo{
			"app.exe": {
				{Name: "foo", RVA: 0x10, Size: 0x50},
				{Name: "bar", RVA: 0x100, Size: 0x20},
			},
			"nodebug.dll": nil,
		},
	}
	raw := rawprofile.NewProfile()
	raw.AddImageToProcess(42, rawprofile.Image{FilePath: `C:\app\App.exe`, BaseAddress: 0x1000, Size: 0x1000})
	raw.AddImageToProcess(42, rawprofile.Image{FilePath: `C:\app\nodebug.dll`, BaseAddress: 0x4000, Size: 0x1000})
	raw.AddImageToProcess(42, rawprofile.Image{FilePath: `C:\app\missing.dll`, BaseAddress: 0x8000, Size: 0x1000})
	return New(raw, symbols, symbolsource.SearchSettings{}, symbols.Provider), raw, symbols
}

func TestGetOrCreateModuleInfo(t *testing.T) {
	r, raw, _ := newResolver(t)
	ctx := context.Background()

	tests := []struct {
		name            string
		imageID         int
		wantPlaceholder bool
		wantDebugInfo   bool
	}{
		{name: "with debug info", imageID: 1, wantDebugInfo: true},
		{name: "binary without debug info", imageID: 2},
		{name: "missing binary", imageID: 3, wantPlaceholder: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := r.GetOrCreateModuleInfo(ctx, raw.FindImage(tt.imageID), 42)
			require.NotNil(t, m)
			require.Equal(t, tt.wantPlaceholder, m.IsPlaceholder)
			require.Equal(t, tt.wantDebugInfo, m.HasDebugInfo)
		})
	}

	want := []ModuleStatus{
		{ImageID: 1, ModuleName: "app.exe", BinaryFound: true, BinaryPath: "/symbols/app.exe", DebugInfoLoaded: true, DebugFilePath: "/symbols/app.exe.sym"},
		{ImageID: 3, ModuleName: "missing.dll", Details: "unknown module"},
		{ImageID: 2, ModuleName: "nodebug.dll", BinaryFound: true, BinaryPath: "/symbols/nodebug.dll"},
	}
	if diff := testutil.Diff(r.Report().Modules(), want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestGetOrCreateModuleInfoLoadsOnce(t *testing.T) {
	r, raw, symbols := newResolver(t)
	img := raw.FindImage(1)

	var wg sync.WaitGroup
	modules := make([]*ModuleInfo, 16)
	for i := range modules {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			modules[i] = r.GetOrCreateModuleInfo(context.Background(), img, 42)
		}(i)
	}
	wg.Wait()

	for _, m := range modules {
		require.Same(t, modules[0], m)
	}
	require.Equal(t, 1, symbols.BinaryLookups("app.exe"))
	require.Len(t, r.Modules(), 1)
}

func TestGetOrCreateFunction(t *testing.T) {
	r, raw, _ := newResolver(t)
	ctx := context.Background()
	app := r.GetOrCreateModuleInfo(ctx, raw.FindImage(1), 42)

	foo, info := app.GetOrCreateFunction(0x10)
	require.Equal(t, "foo", foo.Name)
	require.Equal(t, "app.exe", foo.ModuleName)
	require.Equal(t, uint64(0x10), info.RVA)

	inside, _ := app.GetOrCreateFunction(0x2a)
	require.Same(t, foo, inside)

	bar, _ := app.GetOrCreateFunction(0x110)
	require.Equal(t, "bar", bar.Name)
	require.NotSame(t, foo, bar)

	unknown, info := app.GetOrCreateFunction(0x800)
	require.Equal(t, "800", unknown.Name)
	require.Equal(t, uint64(0), info.Size)
	again, _ := app.GetOrCreateFunction(0x800)
	require.Same(t, unknown, again)

	byName, ok := app.FindFunction("foo")
	require.True(t, ok)
	require.Same(t, foo, byName)

	missing := r.GetOrCreateModuleInfo(ctx, raw.FindImage(3), 42)
	placeholder, _ := missing.GetOrCreateFunction(0x10)
	require.Equal(t, "10", placeholder.Name)
	require.Equal(t, "missing.dll", placeholder.ModuleName)
	require.Nil(t, missing.FindDebugFunctionInfo(0x10))
}

func TestGetOrCreateFunctionConcurrent(t *testing.T) {
	r, raw, _ := newResolver(t)
	app := r.GetOrCreateModuleInfo(context.Background(), raw.FindImage(1), 42)

	var wg sync.WaitGroup
	functions := make([]*Function, 32)
	for i := range functions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			functions[i], _ = app.GetOrCreateFunction(0x10 + uint64(i))
		}(i)
	}
	wg.Wait()

	for _, fn := range functions {
		require.Same(t, functions[0], fn)
	}
}

func TestGetOrCreateManagedModuleInfo(t *testing.T) {
	r, raw, _ := newResolver(t)
	raw.AddManagedMethod(rawprofile.ManagedMethod{FunctionID: 7, ProcessID: 42, Address: 0x7000, Size: 0x40})
	raw.AddManagedMethod(rawprofile.ManagedMethod{FunctionID: 8, ProcessID: 42, Address: 0x7100, Size: 0x40, Name: "Program.Main"})
	raw.LoadingCompleted()

	m := r.GetOrCreateManagedModuleInfo(42)
	require.Same(t, m, r.GetOrCreateManagedModuleInfo(42))
	require.True(t, m.IsManaged)

	fn, _ := m.GetOrCreateFunction(0x7120)
	require.Equal(t, "Program.Main", fn.Name)
	require.True(t, fn.IsManaged)

	fn, _ = m.GetOrCreateFunction(0x7004)
	require.Equal(t, "method_7", fn.Name)

	require.Len(t, m.SortedFunctions(), 2)
	require.Empty(t, r.GetOrCreateManagedModuleInfo(1).SortedFunctions())
}
