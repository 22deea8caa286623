package vm

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/joeycumines/corevm/internal/bytecode"
	"github.com/joeycumines/corevm/internal/config"
	"github.com/joeycumines/corevm/internal/native"
	"github.com/joeycumines/corevm/internal/value"
	"github.com/stretchr/testify/require"
)

// asm mirrors internal/interp's test assembler; vm's tests live in a
// different package and can't import interp's unexported one.
type asm struct{ code []byte }

func (a *asm) op(o bytecode.Op) *asm { a.code = append(a.code, byte(o)); return a }
func (a *asm) u8(v uint8) *asm       { a.code = append(a.code, v); return a }
func (a *asm) u32(v uint32) *asm {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	a.code = append(a.code, b[:]...)
	return a
}

func testConfig() config.Config {
	return config.Config{
		Workers:             1,
		PreemptThreshold:    50 * time.Millisecond,
		PreemptPollInterval: time.Millisecond,
		SafepointInstrCount: config.DefaultSafepointInstrCount,
		MaxFrameDepth:       config.DefaultMaxFrameDepth,
	}
}

func TestSpawnExportAndWait(t *testing.T) {
	var main asm
	main.op(bytecode.OpPushInt).u32(0) // 2
	main.op(bytecode.OpPushInt).u32(1) // 21
	main.op(bytecode.OpIMul)
	main.op(bytecode.OpReturnValue)

	mod := &bytecode.Module{
		Functions: []bytecode.Function{
			{ID: 0, Name: "main", Code: main.code, Constants: []bytecode.Constant{
				{Kind: bytecode.ConstInt, Int: 2},
				{Kind: bytecode.ConstInt, Int: 21},
			}},
		},
		Exports: []bytecode.Export{{Name: "main", Kind: bytecode.ExportFunction, ID: 0}},
	}

	machine, err := New(mod, testConfig(), Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	machine.Start(ctx)
	defer machine.Stop()

	id, err := machine.SpawnExport("main")
	require.NoError(t, err)

	result, err := machine.Wait(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, int32(42), result.Int())
}

func TestWaitOnAlreadyTerminalTaskDoesNotHang(t *testing.T) {
	var main asm
	main.op(bytecode.OpReturnVoid)

	mod := &bytecode.Module{
		Functions: []bytecode.Function{{ID: 0, Name: "main", Code: main.code}},
		Exports:   []bytecode.Export{{Name: "main", Kind: bytecode.ExportFunction, ID: 0}},
	}

	machine, err := New(mod, testConfig(), Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	machine.Start(ctx)
	defer machine.Stop()

	id, err := machine.SpawnExport("main")
	require.NoError(t, err)

	_, err = machine.Wait(context.Background(), id)
	require.NoError(t, err)

	// The task is already terminal; a second Wait must return immediately
	// rather than blocking on a waiter channel nobody will ever close.
	waitDone := make(chan struct{})
	go func() {
		defer close(waitDone)
		_, _ = machine.Wait(context.Background(), id)
	}()
	select {
	case <-waitDone:
	case <-time.After(time.Second):
		t.Fatal("Wait on an already-terminal task hung")
	}
}

func TestRegisterNativeIsInvokedViaNativeCallName(t *testing.T) {
	var main asm
	main.op(bytecode.OpPushInt).u32(0) // 19
	main.op(bytecode.OpNativeCallName).u32(1).u8(1)
	main.op(bytecode.OpReturnValue)

	mod := &bytecode.Module{
		Functions: []bytecode.Function{{ID: 0, Name: "main", Code: main.code, Constants: []bytecode.Constant{
			{Kind: bytecode.ConstInt, Int: 19},
			{Kind: bytecode.ConstStr, Str: "plus_one"},
		}}},
		Exports: []bytecode.Export{{Name: "main", Kind: bytecode.ExportFunction, ID: 0}},
	}

	machine, err := New(mod, testConfig(), Options{})
	require.NoError(t, err)

	machine.RegisterNative("plus_one", func(ctx *native.Context, args []value.Value) native.Result {
		return native.Value_(value.Int(args[0].Int() + 1))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	machine.Start(ctx)
	defer machine.Stop()

	id, err := machine.SpawnExport("main")
	require.NoError(t, err)

	result, err := machine.Wait(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, int32(20), result.Int())
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	var main asm
	main.op(bytecode.OpPushInt).u32(0) // 7
	main.op(bytecode.OpReturnValue)

	mod := &bytecode.Module{
		Functions: []bytecode.Function{{ID: 0, Name: "main", Code: main.code, Constants: []bytecode.Constant{
			{Kind: bytecode.ConstInt, Int: 7},
		}}},
		Globals: []bytecode.Global{{Name: "g"}},
		Exports: []bytecode.Export{{Name: "main", Kind: bytecode.ExportFunction, ID: 0}},
	}

	src, err := New(mod, testConfig(), Options{})
	require.NoError(t, err)
	src.globals.Set(0, value.Int(99))

	data, err := src.Snapshot()
	require.NoError(t, err)

	dst, err := New(mod, testConfig(), Options{})
	require.NoError(t, err)
	require.NoError(t, dst.Restore(data))
	require.Equal(t, int32(99), dst.globals.Get(0).Int())
}
