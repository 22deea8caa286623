package main

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/joeycumines/corevm/internal/bytecode"
	"github.com/stretchr/testify/require"
)

type asm struct{ code []byte }

func (a *asm) op(o bytecode.Op) *asm { a.code = append(a.code, byte(o)); return a }
func (a *asm) u32(v uint32) *asm {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	a.code = append(a.code, b[:]...)
	return a
}

func TestExecSubcommandRunsCompiledModule(t *testing.T) {
	var main asm
	main.op(bytecode.OpPushInt).u32(0) // 2
	main.op(bytecode.OpPushInt).u32(1) // 21
	main.op(bytecode.OpIMul)
	main.op(bytecode.OpReturnValue)

	mod := &bytecode.Module{
		Functions: []bytecode.Function{{ID: 0, Name: "main", Code: main.code, Constants: []bytecode.Constant{
			{Kind: bytecode.ConstInt, Int: 2},
			{Kind: bytecode.ConstInt, Int: 21},
		}}},
		Exports: []bytecode.Export{{Name: "main", Kind: bytecode.ExportFunction, ID: 0}},
	}

	data, err := bytecode.Encode(mod)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "program.cvm")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	var stdout, stderr bytes.Buffer
	code := run([]string{"exec", path}, &stdout, &stderr, stubCompiler{})
	require.Equal(t, 0, code, "stderr: %s", stderr.String())
	require.Contains(t, stdout.String(), "42")
}

func TestRunSubcommandSurfacesCompilerStub(t *testing.T) {
	path := filepath.Join(t.TempDir(), "program.src")
	require.NoError(t, os.WriteFile(path, []byte("anything"), 0o644))

	var stdout, stderr bytes.Buffer
	code := run([]string{"run", path}, &stdout, &stderr, stubCompiler{})
	require.NotEqual(t, 0, code)
	require.Contains(t, stderr.String(), "compiler")
}

func TestUnknownSubcommandExitsWithUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"frobnicate", "x"}, &stdout, &stderr, stubCompiler{})
	require.Equal(t, 2, code)
}
